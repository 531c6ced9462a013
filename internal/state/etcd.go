package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"vmforge/internal/machine"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore keeps machine state in etcd under /deployments/<deployment>/machines/<name>.
// A machine's resource id is the etcd revision at which its key was created.
type EtcdStore struct {
	client     *clientv3.Client
	deployment string
}

// NewEtcdStore connects to etcd
func NewEtcdStore(endpoints []string, dialTimeout time.Duration, deployment string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdStore{client: cli, deployment: deployment}, nil
}

func (s *EtcdStore) prefix() string {
	return fmt.Sprintf("/deployments/%s/machines/", s.deployment)
}

func (s *EtcdStore) key(name string) string {
	return s.prefix() + name
}

// Load retrieves the machine state
func (s *EtcdStore) Load(ctx context.Context, name string) (*machine.State, error) {
	resp, err := s.client.Get(ctx, s.key(name))
	if err != nil {
		return nil, fmt.Errorf("failed to get machine state from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return machine.NewState(name), nil
	}
	var st machine.State
	if err := json.Unmarshal(resp.Kvs[0].Value, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal machine state: %w", err)
	}
	st.ID = resp.Kvs[0].CreateRevision
	return &st, nil
}

// Save saves the machine state
func (s *EtcdStore) Save(ctx context.Context, st *machine.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal machine state: %w", err)
	}
	resp, err := s.client.Put(ctx, s.key(st.Name), string(data))
	if err != nil {
		return fmt.Errorf("failed to save machine state to etcd: %w", err)
	}
	// The first put of a key happens at its create revision
	if st.ID == 0 {
		st.ID = resp.Header.Revision
	}
	return nil
}

// List returns all machines of the deployment
func (s *EtcdStore) List(ctx context.Context) ([]*machine.State, error) {
	resp, err := s.client.Get(ctx, s.prefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list machines from etcd: %w", err)
	}
	out := make([]*machine.State, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var st machine.State
		if err := json.Unmarshal(kv.Value, &st); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state of %s: %w", kv.Key, err)
		}
		st.ID = kv.CreateRevision
		out = append(out, &st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Ping checks that etcd answers
func (s *EtcdStore) Ping(ctx context.Context) error {
	_, err := s.client.Get(ctx, "/test_connection")
	return err
}

// Close closes the etcd client connection
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
