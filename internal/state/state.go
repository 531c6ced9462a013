// Package state persists machine state between runs.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"vmforge/internal/machine"
)

// fileDocument is the on-disk layout of a FileStore.
type fileDocument struct {
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
	Deployments map[string]*deploymentDoc `json:"deployments"`
}

type deploymentDoc struct {
	Machines map[string]machine.State `json:"machines"`
}

// FileStore keeps the state of one deployment in a JSON file that may be shared
// with other deployments.
type FileStore struct {
	mu         sync.Mutex
	path       string
	deployment string
}

// NewFileStore creates a store for the named deployment backed by path.
func NewFileStore(path, deployment string) *FileStore {
	return &FileStore{path: path, deployment: deployment}
}

// Load returns the stored state of a machine, or a fresh state if none exists.
func (s *FileStore) Load(_ context.Context, name string) (*machine.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	st, ok := doc.Deployments[s.deployment].Machines[name]
	if !ok {
		return machine.NewState(name), nil
	}
	return &st, nil
}

// Save writes the state of a machine, allocating its resource id on first save.
func (s *FileStore) Save(_ context.Context, st *machine.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	dep := doc.Deployments[s.deployment]
	if st.ID == 0 {
		st.ID = nextID(doc)
	}
	dep.Machines[st.Name] = *st

	return s.write(doc)
}

// List returns the state of every machine in the deployment, sorted by name.
func (s *FileStore) List(_ context.Context) ([]*machine.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	machines := doc.Deployments[s.deployment].Machines
	out := make([]*machine.State, 0, len(machines))
	for _, st := range machines {
		st := st
		out = append(out, &st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Close is a no-op for file storage
func (s *FileStore) Close() error {
	return nil
}

// read loads the document, returning an empty one if the file does not exist yet.
// The current deployment is always present in the result.
func (s *FileStore) read() (*fileDocument, error) {
	doc := &fileDocument{}
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		doc.CreatedAt = time.Now()
	case err != nil:
		return nil, fmt.Errorf("failed to read state file: %w", err)
	default:
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
	}

	if doc.Deployments == nil {
		doc.Deployments = make(map[string]*deploymentDoc)
	}
	dep, ok := doc.Deployments[s.deployment]
	if !ok || dep == nil {
		dep = &deploymentDoc{}
		doc.Deployments[s.deployment] = dep
	}
	if dep.Machines == nil {
		dep.Machines = make(map[string]machine.State)
	}
	return doc, nil
}

// write replaces the state file atomically.
func (s *FileStore) write(doc *fileDocument) error {
	doc.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	// State holds provider credentials
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("failed to set state file permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// nextID returns one more than the highest id used by any deployment in the file.
func nextID(doc *fileDocument) int64 {
	var max int64
	for _, dep := range doc.Deployments {
		if dep == nil {
			continue
		}
		for _, st := range dep.Machines {
			if st.ID > max {
				max = st.ID
			}
		}
	}
	return max + 1
}
