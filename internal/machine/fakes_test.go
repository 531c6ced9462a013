package machine_test

import (
	"context"
	"errors"
	"sort"
	"sync"

	"vmforge/internal/machine"
)

// MockStore keeps machine state in memory and counts saves.
type MockStore struct {
	mu      sync.Mutex
	states  map[string]machine.State
	nextID  int64
	saves   int
	LoadErr error
}

func NewMockStore() *MockStore {
	return &MockStore{states: make(map[string]machine.State)}
}

func (s *MockStore) Load(_ context.Context, name string) (*machine.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	st, ok := s.states[name]
	if !ok {
		return machine.NewState(name), nil
	}
	return &st, nil
}

func (s *MockStore) Save(_ context.Context, st *machine.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID == 0 {
		s.nextID++
		st.ID = s.nextID
	}
	s.states[st.Name] = *st
	s.saves++
	return nil
}

func (s *MockStore) List(_ context.Context) ([]*machine.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*machine.State, 0, len(s.states))
	for _, st := range s.states {
		st := st
		out = append(out, &st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MockStore) Close() error { return nil }

func (s *MockStore) Put(st machine.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.Name] = st
}

func (s *MockStore) Get(name string) (machine.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	return st, ok
}

func (s *MockStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// MockDriver records calls and replays scripted node states.
type MockDriver struct {
	Images    []machine.Image
	ImagesErr error
	CreateErr error
	CreatedID string
	// PartialState, if set, makes a failing CreateNode still return the node
	PartialState machine.NodeState
	// States is consumed one entry per GetNode call; the last entry repeats
	States     []machine.NodeState
	GetErrs    []error
	PublicIPs  []string
	PrivateIPs []string

	CreateCalls int
	ListCalls   int
	GetCalls    int
	CloseCalls  int
	Specs       []machine.NodeSpec
}

func (d *MockDriver) Provider() string { return "mock" }

func (d *MockDriver) CreateNode(_ context.Context, spec machine.NodeSpec) (*machine.Node, error) {
	d.CreateCalls++
	d.Specs = append(d.Specs, spec)
	if d.CreateErr != nil {
		if d.PartialState != "" {
			return &machine.Node{ID: d.CreatedID, Name: spec.Name, State: d.PartialState}, d.CreateErr
		}
		return nil, d.CreateErr
	}
	return &machine.Node{ID: d.CreatedID, Name: spec.Name, State: machine.NodePending}, nil
}

func (d *MockDriver) ListImages(_ context.Context) ([]machine.Image, error) {
	d.ListCalls++
	return d.Images, d.ImagesErr
}

func (d *MockDriver) GetNode(_ context.Context, id string) (*machine.Node, error) {
	i := d.GetCalls
	d.GetCalls++
	if i < len(d.GetErrs) && d.GetErrs[i] != nil {
		return nil, d.GetErrs[i]
	}
	state := machine.NodeRunning
	if len(d.States) > 0 {
		if i < len(d.States) {
			state = d.States[i]
		} else {
			state = d.States[len(d.States)-1]
		}
	}
	return &machine.Node{ID: id, State: state, PublicIPs: d.PublicIPs, PrivateIPs: d.PrivateIPs}, nil
}

func (d *MockDriver) Close() error {
	d.CloseCalls++
	return nil
}

func (d *MockDriver) TotalCalls() int {
	return d.CreateCalls + d.ListCalls + d.GetCalls
}

// StartableDriver adds StartNode to MockDriver.
type StartableDriver struct {
	*MockDriver
	StartCalls int
	StartErr   error
	Started    []string
}

func (d *StartableDriver) StartNode(_ context.Context, id string) error {
	d.StartCalls++
	d.Started = append(d.Started, id)
	return d.StartErr
}

var errBoom = errors.New("boom")
