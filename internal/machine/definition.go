package machine

import (
	"errors"
	"fmt"

	"vmforge/internal/deployment"
)

// Definition is the desired state of a machine, rebuilt from the deployment file on every run.
type Definition struct {
	Name string
	Type string
	// Username and Password form the account credential pair. What each half
	// means is up to the backend (see Schema).
	Username string
	Password string
	Region   string
	CPU      int // cores
	RAM      int // MiB
	Disk     int // GiB
}

// Schema names the credential leaves of a backend's subtree. An empty name
// means the backend does not use that half of the pair.
type Schema struct {
	UsernameLeaf string
	PasswordLeaf string
}

// ParseDefinition extracts a Definition from the machine's backend subtree.
func ParseDefinition(m deployment.Machine, schema Schema) (Definition, error) {
	section, err := m.Section(m.TargetEnv)
	if err != nil {
		return Definition{}, configError(m.Name, m.TargetEnv, err)
	}

	defn := Definition{Name: m.Name, Type: m.TargetEnv}

	strs := []struct {
		leaf string
		dst  *string
	}{
		{schema.UsernameLeaf, &defn.Username},
		{schema.PasswordLeaf, &defn.Password},
		{"region", &defn.Region},
	}
	for _, f := range strs {
		if f.leaf == "" {
			continue
		}
		v, err := section.String(f.leaf)
		if err != nil {
			return Definition{}, configError(m.Name, f.leaf, err)
		}
		*f.dst = v
	}

	ints := []struct {
		leaf string
		dst  *int
	}{
		{"cpu", &defn.CPU},
		{"ram", &defn.RAM},
		{"disk", &defn.Disk},
	}
	for _, f := range ints {
		v, err := section.Int(f.leaf)
		if err != nil {
			return Definition{}, configError(m.Name, f.leaf, err)
		}
		if v <= 0 {
			return Definition{}, &ConfigError{Machine: m.Name, Field: f.leaf, Reason: fmt.Sprintf("must be positive, got %d", v)}
		}
		*f.dst = v
	}

	if defn.Region == "" {
		return Definition{}, &ConfigError{Machine: m.Name, Field: "region", Reason: "must not be empty"}
	}
	return defn, nil
}

func configError(machine, field string, err error) error {
	reason := "invalid"
	if errors.Is(err, deployment.ErrMissing) {
		reason = "required"
	}
	return &ConfigError{Machine: machine, Field: field, Reason: reason, Err: err}
}
