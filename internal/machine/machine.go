// Package machine drives a provider VM toward its declared Definition and
// records the outcome in a Store.
package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vmforge/internal/logging"

	"go.uber.org/zap"
)

// PollConfig bounds the wait for a node to reach a state.
type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Options configures a Machine.
type Options struct {
	// BaseImage is the name of the account image new VMs boot from
	BaseImage string
	// PublicKeys are attached to new VMs
	PublicKeys []string
	Poll       PollConfig
	Logger     *zap.Logger
}

// Machine reconciles one machine. It owns its provider session: the session is
// opened on first use and released by Close.
type Machine struct {
	name   string
	store  Store
	open   Opener
	opts   Options
	driver Driver
	log    *zap.Logger
}

// New creates a Machine for the named deployment entry.
func New(name string, store Store, open Opener, opts Options) *Machine {
	if opts.Poll.Interval <= 0 {
		opts.Poll.Interval = time.Second
	}
	if opts.Poll.Timeout <= 0 {
		opts.Poll.Timeout = 10 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = logging.Logger()
	}
	return &Machine{
		name:  name,
		store: store,
		open:  open,
		opts:  opts,
		log:   log.With(zap.String("machine", name)),
	}
}

// Close releases the provider session, if one was opened.
func (m *Machine) Close() error {
	if m.driver == nil {
		return nil
	}
	err := m.driver.Close()
	m.driver = nil
	return err
}

// Create brings the machine up: it creates the VM if none is recorded, starts
// it if it is stopped, waits until it runs and records its addresses.
// A machine already recorded as UP is left alone.
func (m *Machine) Create(ctx context.Context, defn Definition) error {
	if defn.Name != m.name {
		return fmt.Errorf("definition for %q applied to machine %q", defn.Name, m.name)
	}

	st, err := m.store.Load(ctx, m.name)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	if st.Status == StatusUp {
		m.log.Debug("machine is up, nothing to do", zap.String("vm_id", st.VMID))
		return nil
	}

	st.Type = defn.Type
	st.Username = defn.Username
	st.Password = defn.Password
	st.Region = defn.Region

	driver, err := m.session(ctx, defn)
	if err != nil {
		return err
	}

	if st.VMID == "" {
		m.log.Info("creating VM", zap.String("provider", defn.Type), zap.String("region", defn.Region))
		if err := m.createVM(ctx, driver, defn, st); err != nil {
			return err
		}
	} else if st.Status == StatusStopped {
		m.log.Info("starting VM", zap.String("vm_id", st.VMID))
		if err := m.startVM(ctx, driver, st); err != nil {
			return err
		}
	}

	st.Status = StatusStarting
	if err := m.save(ctx, st); err != nil {
		return err
	}

	if err := m.waitForState(ctx, driver, st.VMID, NodeRunning); err != nil {
		var timeout *PollTimeoutError
		if errors.As(err, &timeout) && timeout.Last == NodeStopped {
			// a stopped VM is started on the next run
			st.Status = StatusStopped
			if saveErr := m.save(ctx, st); saveErr != nil {
				m.log.Error("failed to record stopped VM", zap.String("vm_id", st.VMID), zap.Error(saveErr))
			}
		}
		return err
	}
	m.log.Info("VM is running", zap.String("vm_id", st.VMID))

	st.Status = StatusUp
	if err := m.updateAddresses(ctx, driver, st); err != nil {
		return err
	}
	return m.save(ctx, st)
}

func (m *Machine) session(ctx context.Context, defn Definition) (Driver, error) {
	if m.driver != nil {
		return m.driver, nil
	}
	driver, err := m.open(ctx, defn)
	if err != nil {
		return nil, &ProviderError{Provider: defn.Type, Op: "connect", Err: err}
	}
	m.driver = driver
	return driver, nil
}

func (m *Machine) createVM(ctx context.Context, driver Driver, defn Definition, st *State) error {
	image, err := m.baseImage(ctx, driver)
	if err != nil {
		return err
	}

	node, err := driver.CreateNode(ctx, NodeSpec{
		Name:       defn.Name,
		Region:     defn.Region,
		CPU:        defn.CPU,
		RAM:        defn.RAM,
		Disk:       defn.Disk,
		Image:      image,
		PublicKeys: m.opts.PublicKeys,
	})
	if err != nil {
		if node != nil && node.ID != "" {
			m.recordPartial(ctx, st, node)
		}
		return &ProviderError{Provider: driver.Provider(), Op: "create node", Err: err}
	}

	st.VMID = node.ID
	m.log.Info("VM created", zap.String("vm_id", node.ID), zap.String("image", image.Name))
	return m.save(ctx, st)
}

// recordPartial saves a VM the driver created before a later step failed, so
// the next run starts or waits for it instead of creating another one.
func (m *Machine) recordPartial(ctx context.Context, st *State, node *Node) {
	st.VMID = node.ID
	st.Status = StatusStarting
	if node.State == NodeStopped {
		st.Status = StatusStopped
	}
	m.log.Warn("VM created but not brought up",
		zap.String("vm_id", node.ID), zap.String("state", string(node.State)))
	if err := m.save(ctx, st); err != nil {
		m.log.Error("failed to record created VM", zap.String("vm_id", node.ID), zap.Error(err))
	}
}

func (m *Machine) baseImage(ctx context.Context, driver Driver) (Image, error) {
	images, err := driver.ListImages(ctx)
	if err != nil {
		return Image{}, &ProviderError{Provider: driver.Provider(), Op: "list images", Err: err}
	}
	for _, img := range images {
		if img.Name == m.opts.BaseImage {
			return img, nil
		}
	}
	return Image{}, &ImageNotFoundError{Provider: driver.Provider(), Name: m.opts.BaseImage}
}

func (m *Machine) startVM(ctx context.Context, driver Driver, st *State) error {
	starter, ok := driver.(Starter)
	if !ok {
		return &UnsupportedOperationError{Provider: driver.Provider(), Op: "start node"}
	}
	if err := starter.StartNode(ctx, st.VMID); err != nil {
		return &ProviderError{Provider: driver.Provider(), Op: "start node", Err: err}
	}
	return nil
}

// waitForState polls the node until it reports want. Query errors are retried
// until the poll deadline.
func (m *Machine) waitForState(ctx context.Context, driver Driver, vmID string, want NodeState) error {
	pollCtx, cancel := context.WithTimeout(ctx, m.opts.Poll.Timeout)
	defer cancel()

	ticker := time.NewTicker(m.opts.Poll.Interval)
	defer ticker.Stop()

	last := NodeUnknown
	var lastErr error
	for {
		node, err := driver.GetNode(pollCtx, vmID)
		switch {
		case err != nil:
			lastErr = err
			m.log.Warn("failed to query VM status", zap.String("vm_id", vmID), zap.Error(err))
		case node.State == want:
			return nil
		default:
			lastErr = nil
			last = node.State
			m.log.Debug("waiting for VM", zap.String("vm_id", vmID), zap.String("state", string(node.State)))
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return fmt.Errorf("waiting for VM %s: %w", vmID, ctx.Err())
			}
			return &PollTimeoutError{VMID: vmID, Want: want, Last: last, Timeout: m.opts.Poll.Timeout, Err: lastErr}
		case <-ticker.C:
		}
	}
}

func (m *Machine) updateAddresses(ctx context.Context, driver Driver, st *State) error {
	if st.VMID == "" {
		return errors.New("unknown VM")
	}
	node, err := driver.GetNode(ctx, st.VMID)
	if err != nil {
		return &ProviderError{Provider: driver.Provider(), Op: "get node", Err: err}
	}
	if len(node.PrivateIPs) > 0 {
		st.PrivateIPv4 = node.PrivateIPs[0]
	}
	if len(node.PublicIPs) > 0 {
		st.PublicIPv4 = node.PublicIPs[0]
	}
	m.log.Info("VM addresses recorded",
		zap.String("vm_id", st.VMID),
		zap.String("public_ipv4", st.PublicIPv4),
		zap.String("private_ipv4", st.PrivateIPv4))
	return nil
}

func (m *Machine) save(ctx context.Context, st *State) error {
	if err := m.store.Save(ctx, st); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}
