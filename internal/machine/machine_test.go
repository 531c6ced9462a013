package machine_test

import (
	"context"
	"errors"
	"time"

	"vmforge/internal/machine"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

var _ = Describe("Machine.Create", func() {
	var (
		ctx    context.Context
		store  *MockStore
		driver *MockDriver
		opens  int
		defn   machine.Definition
		opts   machine.Options
	)

	opener := func(d machine.Driver) machine.Opener {
		return func(_ context.Context, _ machine.Definition) (machine.Driver, error) {
			opens++
			return d, nil
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = NewMockStore()
		opens = 0
		driver = &MockDriver{
			Images: []machine.Image{
				{ID: "img-1", Name: "ubuntu"},
				{ID: "img-2", Name: "nixos-base"},
			},
			CreatedID: "vm-42",
		}
		defn = machine.Definition{
			Name:     "web1",
			Type:     "cloudsigma",
			Username: "ops@example.com",
			Password: "hunter2",
			Region:   "zrh",
			CPU:      2,
			RAM:      2048,
			Disk:     20,
		}
		opts = machine.Options{
			BaseImage:  "nixos-base",
			PublicKeys: []string{"04865e9c-844a-460a-9dc7-a76851f99160"},
			Poll:       machine.PollConfig{Interval: time.Millisecond, Timeout: 200 * time.Millisecond},
			Logger:     zap.NewNop(),
		}
	})

	Context("when the machine is already up", func() {
		It("should perform no remote calls", func() {
			store.Put(machine.State{Name: "web1", Status: machine.StatusUp, VMID: "vm-1"})
			m := machine.New("web1", store, opener(driver), opts)

			Expect(m.Create(ctx, defn)).To(Succeed())
			Expect(opens).To(Equal(0))
			Expect(driver.TotalCalls()).To(Equal(0))
			Expect(store.Saves()).To(Equal(0))
		})
	})

	Context("when no VM is recorded", func() {
		It("should create exactly one node from the base image with the declared size", func() {
			driver.States = []machine.NodeState{machine.NodeRunning}
			m := machine.New("web1", store, opener(driver), opts)

			Expect(m.Create(ctx, defn)).To(Succeed())
			Expect(driver.ListCalls).To(Equal(1))
			Expect(driver.CreateCalls).To(Equal(1))

			spec := driver.Specs[0]
			Expect(spec.Name).To(Equal("web1"))
			Expect(spec.CPU).To(Equal(2))
			Expect(spec.RAM).To(Equal(2048))
			Expect(spec.Disk).To(Equal(20))
			Expect(spec.Image).To(Equal(machine.Image{ID: "img-2", Name: "nixos-base"}))
			Expect(spec.PublicKeys).To(ConsistOf("04865e9c-844a-460a-9dc7-a76851f99160"))

			st, ok := store.Get("web1")
			Expect(ok).To(BeTrue())
			Expect(st.VMID).To(Equal("vm-42"))
			Expect(st.Status).To(Equal(machine.StatusUp))
			Expect(st.Username).To(Equal("ops@example.com"))
			Expect(st.Password).To(Equal("hunter2"))
			Expect(st.Region).To(Equal("zrh"))
			Expect(st.Type).To(Equal("cloudsigma"))
			Expect(st.ID).NotTo(BeZero())
		})

		It("should fail with ImageNotFoundError and not create anything when the image is absent", func() {
			driver.Images = []machine.Image{{ID: "img-1", Name: "ubuntu"}}
			m := machine.New("web1", store, opener(driver), opts)

			err := m.Create(ctx, defn)
			var notFound *machine.ImageNotFoundError
			Expect(errors.As(err, &notFound)).To(BeTrue())
			Expect(notFound.Name).To(Equal("nixos-base"))
			Expect(driver.CreateCalls).To(Equal(0))

			_, saved := store.Get("web1")
			Expect(saved).To(BeFalse())
		})

		It("should surface image listing failures as ProviderError", func() {
			driver.ImagesErr = errBoom
			m := machine.New("web1", store, opener(driver), opts)

			err := m.Create(ctx, defn)
			var provErr *machine.ProviderError
			Expect(errors.As(err, &provErr)).To(BeTrue())
			Expect(provErr.Op).To(Equal("list images"))
			Expect(errors.Is(err, errBoom)).To(BeTrue())
			Expect(driver.CreateCalls).To(Equal(0))
		})

		It("should surface create failures as ProviderError without recording a VM", func() {
			driver.CreateErr = errBoom
			m := machine.New("web1", store, opener(driver), opts)

			err := m.Create(ctx, defn)
			var provErr *machine.ProviderError
			Expect(errors.As(err, &provErr)).To(BeTrue())
			Expect(provErr.Op).To(Equal("create node"))

			st, ok := store.Get("web1")
			if ok {
				Expect(st.VMID).To(BeEmpty())
			}
		})

		Context("when a later create step fails after the VM exists", func() {
			It("should record the stopped VM and start it on the next run instead of creating another", func() {
				driver.CreateErr = errBoom
				driver.PartialState = machine.NodeStopped
				sd := &StartableDriver{MockDriver: driver}
				m := machine.New("web1", store, opener(sd), opts)

				err := m.Create(ctx, defn)
				var provErr *machine.ProviderError
				Expect(errors.As(err, &provErr)).To(BeTrue())
				Expect(provErr.Op).To(Equal("create node"))
				Expect(errors.Is(err, errBoom)).To(BeTrue())

				st, ok := store.Get("web1")
				Expect(ok).To(BeTrue())
				Expect(st.VMID).To(Equal("vm-42"))
				Expect(st.Status).To(Equal(machine.StatusStopped))

				driver.CreateErr = nil
				Expect(m.Create(ctx, defn)).To(Succeed())
				Expect(driver.CreateCalls).To(Equal(1))
				Expect(sd.Started).To(ConsistOf("vm-42"))

				st, _ = store.Get("web1")
				Expect(st.Status).To(Equal(machine.StatusUp))
			})

			It("should record a pending VM and only wait for it on the next run", func() {
				driver.CreateErr = errBoom
				driver.PartialState = machine.NodePending
				m := machine.New("web1", store, opener(driver), opts)

				Expect(m.Create(ctx, defn)).NotTo(Succeed())
				st, _ := store.Get("web1")
				Expect(st.VMID).To(Equal("vm-42"))
				Expect(st.Status).To(Equal(machine.StatusStarting))

				driver.CreateErr = nil
				Expect(m.Create(ctx, defn)).To(Succeed())
				Expect(driver.CreateCalls).To(Equal(1))
			})
		})

		It("should persist the VM id before waiting for it to run", func() {
			driver.States = []machine.NodeState{machine.NodePending}
			m := machine.New("web1", store, opener(driver), opts)

			err := m.Create(ctx, defn)
			var timeout *machine.PollTimeoutError
			Expect(errors.As(err, &timeout)).To(BeTrue())

			st, ok := store.Get("web1")
			Expect(ok).To(BeTrue())
			Expect(st.VMID).To(Equal("vm-42"))
			Expect(st.Status).To(Equal(machine.StatusStarting))
		})
	})

	Context("polling", func() {
		It("should query status until running and then read addresses once", func() {
			driver.States = []machine.NodeState{machine.NodePending, machine.NodePending, machine.NodeRunning, machine.NodeRunning}
			driver.PublicIPs = []string{"203.0.113.5"}
			m := machine.New("web1", store, opener(driver), opts)

			Expect(m.Create(ctx, defn)).To(Succeed())
			// three status queries plus one address read
			Expect(driver.GetCalls).To(Equal(4))

			st, _ := store.Get("web1")
			Expect(st.PublicIPv4).To(Equal("203.0.113.5"))
			Expect(st.PrivateIPv4).To(BeEmpty())
		})

		It("should record the first private and public address", func() {
			driver.PublicIPs = []string{"203.0.113.5", "203.0.113.6"}
			driver.PrivateIPs = []string{"10.0.0.7"}
			m := machine.New("web1", store, opener(driver), opts)

			Expect(m.Create(ctx, defn)).To(Succeed())
			st, _ := store.Get("web1")
			Expect(st.PublicIPv4).To(Equal("203.0.113.5"))
			Expect(st.PrivateIPv4).To(Equal("10.0.0.7"))
		})

		It("should retry failed status queries until the node runs", func() {
			driver.GetErrs = []error{errBoom, errBoom}
			driver.States = []machine.NodeState{machine.NodePending, machine.NodePending, machine.NodeRunning}
			m := machine.New("web1", store, opener(driver), opts)

			Expect(m.Create(ctx, defn)).To(Succeed())
			Expect(driver.GetCalls).To(Equal(4))
		})

		It("should give up with PollTimeoutError after the deadline", func() {
			driver.States = []machine.NodeState{machine.NodeStopped}
			opts.Poll = machine.PollConfig{Interval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond}
			m := machine.New("web1", store, opener(driver), opts)

			err := m.Create(ctx, defn)
			var timeout *machine.PollTimeoutError
			Expect(errors.As(err, &timeout)).To(BeTrue())
			Expect(timeout.VMID).To(Equal("vm-42"))
			Expect(timeout.Want).To(Equal(machine.NodeRunning))
			Expect(timeout.Last).To(Equal(machine.NodeStopped))

			st, _ := store.Get("web1")
			Expect(st.VMID).To(Equal("vm-42"))
			Expect(st.Status).To(Equal(machine.StatusStopped))
		})

		It("should start a VM left stopped by the previous run", func() {
			driver.States = []machine.NodeState{machine.NodeStopped}
			opts.Poll = machine.PollConfig{Interval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond}
			sd := &StartableDriver{MockDriver: driver}
			m := machine.New("web1", store, opener(sd), opts)

			var timeout *machine.PollTimeoutError
			Expect(errors.As(m.Create(ctx, defn), &timeout)).To(BeTrue())

			driver.States = []machine.NodeState{machine.NodeRunning}
			driver.GetCalls = 0
			Expect(m.Create(ctx, defn)).To(Succeed())
			Expect(driver.CreateCalls).To(Equal(1))
			Expect(sd.Started).To(ConsistOf("vm-42"))

			st, _ := store.Get("web1")
			Expect(st.Status).To(Equal(machine.StatusUp))
		})

		It("should carry the last query error in the timeout", func() {
			driver.GetErrs = make([]error, 1000)
			for i := range driver.GetErrs {
				driver.GetErrs[i] = errBoom
			}
			opts.Poll = machine.PollConfig{Interval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond}
			m := machine.New("web1", store, opener(driver), opts)

			err := m.Create(ctx, defn)
			var timeout *machine.PollTimeoutError
			Expect(errors.As(err, &timeout)).To(BeTrue())
			Expect(errors.Is(err, errBoom)).To(BeTrue())
		})

		It("should stop when the caller cancels", func() {
			driver.States = []machine.NodeState{machine.NodePending}
			opts.Poll = machine.PollConfig{Interval: 5 * time.Millisecond, Timeout: time.Minute}
			m := machine.New("web1", store, opener(driver), opts)

			cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer cancel()

			err := m.Create(cctx, defn)
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			var timeout *machine.PollTimeoutError
			Expect(errors.As(err, &timeout)).To(BeFalse())
		})
	})

	Context("when the machine is stopped", func() {
		BeforeEach(func() {
			store.Put(machine.State{ID: 7, Name: "web1", Status: machine.StatusStopped, VMID: "vm-7"})
		})

		It("should start the existing VM instead of creating one", func() {
			sd := &StartableDriver{MockDriver: driver}
			m := machine.New("web1", store, opener(sd), opts)

			Expect(m.Create(ctx, defn)).To(Succeed())
			Expect(sd.StartCalls).To(Equal(1))
			Expect(sd.Started).To(ConsistOf("vm-7"))
			Expect(driver.CreateCalls).To(Equal(0))
			Expect(driver.ListCalls).To(Equal(0))

			st, _ := store.Get("web1")
			Expect(st.Status).To(Equal(machine.StatusUp))
			Expect(st.ID).To(Equal(int64(7)))
		})

		It("should report start failures as ProviderError", func() {
			sd := &StartableDriver{MockDriver: driver, StartErr: errBoom}
			m := machine.New("web1", store, opener(sd), opts)

			err := m.Create(ctx, defn)
			var provErr *machine.ProviderError
			Expect(errors.As(err, &provErr)).To(BeTrue())
			Expect(provErr.Op).To(Equal("start node"))
		})

		It("should report a driver without start support", func() {
			m := machine.New("web1", store, opener(driver), opts)

			err := m.Create(ctx, defn)
			var unsupported *machine.UnsupportedOperationError
			Expect(errors.As(err, &unsupported)).To(BeTrue())
			Expect(unsupported.Provider).To(Equal("mock"))
			Expect(driver.GetCalls).To(Equal(0))
		})
	})

	Context("when a VM exists but never came up", func() {
		It("should only wait for it", func() {
			store.Put(machine.State{ID: 3, Name: "web1", Status: machine.StatusStarting, VMID: "vm-3"})
			m := machine.New("web1", store, opener(driver), opts)

			Expect(m.Create(ctx, defn)).To(Succeed())
			Expect(driver.CreateCalls).To(Equal(0))
			Expect(driver.GetCalls).To(Equal(2))
		})
	})

	Context("provider session", func() {
		It("should open the session once and close it on Close", func() {
			store.Put(machine.State{Name: "web1", Status: machine.StatusStarting, VMID: "vm-3"})
			m := machine.New("web1", store, opener(driver), opts)

			Expect(m.Create(ctx, defn)).To(Succeed())
			store.Put(machine.State{Name: "web1", Status: machine.StatusStarting, VMID: "vm-3"})
			Expect(m.Create(ctx, defn)).To(Succeed())
			Expect(opens).To(Equal(1))

			Expect(m.Close()).To(Succeed())
			Expect(driver.CloseCalls).To(Equal(1))
			Expect(m.Close()).To(Succeed())
			Expect(driver.CloseCalls).To(Equal(1))
		})

		It("should wrap connection failures", func() {
			failing := func(_ context.Context, _ machine.Definition) (machine.Driver, error) {
				return nil, errBoom
			}
			m := machine.New("web1", store, failing, opts)

			err := m.Create(ctx, defn)
			var provErr *machine.ProviderError
			Expect(errors.As(err, &provErr)).To(BeTrue())
			Expect(provErr.Op).To(Equal("connect"))
		})

		It("should refuse a definition for another machine", func() {
			m := machine.New("db", store, opener(driver), opts)
			Expect(m.Create(ctx, defn)).NotTo(Succeed())
			Expect(opens).To(Equal(0))
		})
	})

	Context("state store failures", func() {
		It("should not open a session when state cannot be loaded", func() {
			store.LoadErr = errBoom
			m := machine.New("web1", store, opener(driver), opts)

			err := m.Create(ctx, defn)
			Expect(errors.Is(err, errBoom)).To(BeTrue())
			Expect(opens).To(Equal(0))
		})
	})
})
