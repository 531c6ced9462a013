// Package deployment reads deployment files: a YAML document declaring
// machines and, per machine, the attribute subtree of its backend.
package deployment

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind is the type tag a leaf must carry.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
)

func (k Kind) tag() string {
	switch k {
	case KindString:
		return "!!str"
	case KindInt:
		return "!!int"
	}
	return ""
}

// ErrMissing is returned (wrapped in *AttrError) when a leaf or subtree is absent.
var ErrMissing = errors.New("missing")

// AttrError describes a leaf or subtree that is absent or carries the wrong type tag.
type AttrError struct {
	Path string
	Want Kind
	Got  string
	Err  error
}

func (e *AttrError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("%s: expected %s, got %s", e.Path, e.Want, e.Got)
}

func (e *AttrError) Unwrap() error { return e.Err }

// Deployment is a parsed deployment file.
type Deployment struct {
	Name     string
	Machines []Machine
}

// Machine is one entry under "machines", in document order.
type Machine struct {
	Name      string
	TargetEnv string
	attrs     *yaml.Node
}

// Section is a mapping subtree whose leaves are looked up by name and type tag.
type Section struct {
	path string
	node *yaml.Node
}

// Load reads and parses a deployment file.
func Load(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment file: %w", err)
	}
	return Parse(data)
}

// Parse parses a deployment document.
func Parse(data []byte) (*Deployment, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse deployment file: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("deployment file is empty")
	}
	root := Section{path: "", node: doc.Content[0]}
	if root.node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("deployment file must be a mapping")
	}

	d := &Deployment{}
	if root.Has("name") {
		name, err := root.String("name")
		if err != nil {
			return nil, err
		}
		d.Name = name
	}

	machines, err := root.Section("machines")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	content := machines.node.Content
	for i := 0; i+1 < len(content); i += 2 {
		name := content[i].Value
		if seen[name] {
			return nil, fmt.Errorf("machines.%s: declared more than once", name)
		}
		seen[name] = true

		attrs := Section{path: "machines." + name, node: content[i+1]}
		if attrs.node.Kind != yaml.MappingNode {
			return nil, &AttrError{Path: attrs.path, Want: "mapping", Got: describe(attrs.node)}
		}
		env, err := attrs.String("targetEnv")
		if err != nil {
			return nil, err
		}
		d.Machines = append(d.Machines, Machine{Name: name, TargetEnv: env, attrs: attrs.node})
	}
	return d, nil
}

// Machine returns the named machine.
func (d *Deployment) Machine(name string) (Machine, bool) {
	for _, m := range d.Machines {
		if m.Name == name {
			return m, true
		}
	}
	return Machine{}, false
}

// Section returns the machine's subtree with the given name, typically its backend type.
func (m Machine) Section(name string) (*Section, error) {
	s := Section{path: "machines." + m.Name, node: m.attrs}
	return s.Section(name)
}

// Section returns a nested mapping.
func (s *Section) Section(name string) (*Section, error) {
	path := s.join(name)
	n := s.lookup(name)
	if n == nil {
		return nil, &AttrError{Path: path, Err: ErrMissing}
	}
	if n.Kind != yaml.MappingNode {
		return nil, &AttrError{Path: path, Want: "mapping", Got: describe(n)}
	}
	return &Section{path: path, node: n}, nil
}

// String returns a !!str leaf.
func (s *Section) String(name string) (string, error) {
	n, err := s.leaf(name, KindString)
	if err != nil {
		return "", err
	}
	return n.Value, nil
}

// Int returns a !!int leaf.
func (s *Section) Int(name string) (int, error) {
	n, err := s.leaf(name, KindInt)
	if err != nil {
		return 0, err
	}
	var v int
	if err := n.Decode(&v); err != nil {
		return 0, &AttrError{Path: s.join(name), Err: err}
	}
	return v, nil
}

// Has reports whether the section contains the named key.
func (s *Section) Has(name string) bool {
	return s.lookup(name) != nil
}

func (s *Section) leaf(name string, kind Kind) (*yaml.Node, error) {
	path := s.join(name)
	n := s.lookup(name)
	if n == nil {
		return nil, &AttrError{Path: path, Want: kind, Err: ErrMissing}
	}
	if n.Kind != yaml.ScalarNode || n.ShortTag() != kind.tag() {
		return nil, &AttrError{Path: path, Want: kind, Got: describe(n)}
	}
	return n, nil
}

func (s *Section) lookup(name string) *yaml.Node {
	if s.node == nil || s.node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(s.node.Content); i += 2 {
		if s.node.Content[i].Value == name {
			return s.node.Content[i+1]
		}
	}
	return nil
}

func (s *Section) join(name string) string {
	if s.path == "" {
		return name
	}
	return s.path + "." + name
}

func describe(n *yaml.Node) string {
	switch n.Kind {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.AliasNode:
		return "alias"
	}
	return n.ShortTag()
}
