package gpurt

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pool is the ordered collection of devices available to a program.
//
// A Pool is initialized exactly once: either explicitly with Initialize, or by probing the backends on
// first use (EnsureInitialized, and every method that needs devices). After initialization its device list
// is read-only. Close tears it down and leaves it uninitialized again.
//
// Each worker selects its active device with an ExecContext (see Context and Select), instead of sharing
// a global selection.
type Pool struct {
	mu          sync.Mutex
	config      Config
	probes      []Probe
	initialized bool
	devices     []*Device
}

// DeviceInfo is one entry of Pool.DescribeAll.
type DeviceInfo struct {
	Index      int
	Descriptor DeviceDescriptor
}

// NewPool creates an uninitialized pool that, when initialized implicitly, probes the given backends.
// If no probes are given, it uses the backends registered with RegisterProbe, in registration order.
func NewPool(probes ...Probe) *Pool {
	return &Pool{config: DefaultConfig(), probes: probes}
}

var defaultPool = sync.OnceValue(func() *Pool {
	return ConfigFromEnv().NewPool()
})

// DefaultPool returns the process-wide pool, created on first use from the environment configuration
// (see ConfigFromEnv). It is initialized lazily like any other pool: to use an explicit list of devices,
// call DefaultPool().Initialize before anything else uses it.
func DefaultPool() *Pool {
	return defaultPool()
}

// Initialize sets the pool contents to the given devices.
// It fails with ErrPoolAlreadyInitialized if the pool was already initialized, explicitly or not.
func (p *Pool) Initialize(devices ...*Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return errors.Wrapf(ErrPoolAlreadyInitialized, "pool already has %d devices", len(p.devices))
	}
	for ii, d := range devices {
		if d == nil {
			return errors.Wrapf(ErrInvalidArgument, "Pool.Initialize(): device #%d is nil", ii)
		}
	}
	p.devices = append([]*Device(nil), devices...)
	p.initialized = true
	klog.V(1).Infof("device pool initialized with %d explicit devices", len(p.devices))
	return nil
}

// EnsureInitialized initializes the pool by probing the backends if it is not initialized yet,
// and is a no-op otherwise. It never fails: backends that fail to probe are logged and skipped.
func (p *Pool) EnsureInitialized() {
	_ = p.ensure()
}

// ensure initializes the pool if needed and returns its devices.
func (p *Pool) ensure() []*Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		p.devices = p.probeLocked()
		p.initialized = true
		klog.V(1).Infof("device pool initialized with %d probed devices", len(p.devices))
	}
	return p.devices
}

func (p *Pool) probeLocked() []*Device {
	probes := p.probes
	if len(probes) == 0 {
		names := p.config.Backends
		if len(names) == 0 {
			names = Probes()
		}
		for _, name := range names {
			probe, err := GetProbe(name)
			if err != nil {
				klog.Errorf("device pool: %+v", err)
				continue
			}
			probes = append(probes, probe)
		}
	}
	var devices []*Device
	filter := strings.ToLower(p.config.DeviceFilter)
	for ii, probe := range probes {
		found, err := probe(p.config)
		if err != nil {
			klog.Errorf("device pool: probe #%d failed: %+v", ii, err)
			continue
		}
		for _, d := range found {
			if filter != "" && !strings.Contains(strings.ToLower(d.descriptor.Name), filter) {
				klog.V(1).Infof("device pool: %s filtered out by %q", d.descriptor, p.config.DeviceFilter)
				if err := d.Close(); err != nil {
					klog.Errorf("device pool: %+v", err)
				}
				continue
			}
			klog.V(1).Infof("device pool: found %s", d.descriptor)
			devices = append(devices, d)
		}
	}
	return devices
}

// Devices returns the pool devices, initializing the pool if needed.
func (p *Pool) Devices() []*Device {
	return append([]*Device(nil), p.ensure()...)
}

// Len returns the number of devices, initializing the pool if needed.
func (p *Pool) Len() int {
	return len(p.ensure())
}

// DescribeAll lists the index and descriptor of every device, initializing the pool if needed.
func (p *Pool) DescribeAll() []DeviceInfo {
	devices := p.ensure()
	infos := make([]DeviceInfo, len(devices))
	for ii, d := range devices {
		infos[ii] = DeviceInfo{Index: ii, Descriptor: d.descriptor}
	}
	return infos
}

// Context returns a new ExecContext whose active device is the first device of the pool.
func (p *Pool) Context() *ExecContext {
	return &ExecContext{pool: p}
}

// Select returns a new ExecContext whose active device is the first one matching predicate.
// It fails with ErrNoDevice if no device matches.
func (p *Pool) Select(predicate func(index int, desc DeviceDescriptor) bool) (*ExecContext, error) {
	ec := p.Context()
	if err := ec.Select(predicate); err != nil {
		return nil, err
	}
	return ec, nil
}

// Close closes all devices and leaves the pool uninitialized, so it can be initialized again.
// The pool must not be in use.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, d := range p.devices {
		if err := d.Close(); err != nil {
			klog.Errorf("device pool: %+v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	p.devices = nil
	p.initialized = false
	return firstErr
}

// ExecContext holds the active device selection of one worker. It replaces a per-thread selection:
// each goroutine (or worker) that needs its own selection creates its own ExecContext.
//
// An ExecContext is not safe for concurrent use; the devices it refers to are.
type ExecContext struct {
	pool  *Pool
	index int
}

// Pool of the context.
func (ec *ExecContext) Pool() *Pool {
	return ec.pool
}

// Index of the active device in the pool.
func (ec *ExecContext) Index() int {
	return ec.index
}

// Active returns the active device. It fails with ErrNoDevice if the pool is empty.
func (ec *ExecContext) Active() (*Device, error) {
	devices := ec.pool.ensure()
	if len(devices) == 0 {
		return nil, errors.Wrap(ErrNoDevice, "device pool is empty")
	}
	if ec.index >= len(devices) {
		// The pool was closed and re-initialized with fewer devices.
		return nil, errors.Wrapf(ErrNoDevice, "active device #%d is not in the pool anymore (%d devices)", ec.index, len(devices))
	}
	return devices[ec.index], nil
}

// Info returns the index and descriptor of the active device.
func (ec *ExecContext) Info() (DeviceInfo, error) {
	d, err := ec.Active()
	if err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{Index: ec.index, Descriptor: d.descriptor}, nil
}

// Select makes the first device (in pool order) matching predicate the active device.
// If none matches it fails with ErrNoDevice, and the active device is unchanged.
func (ec *ExecContext) Select(predicate func(index int, desc DeviceDescriptor) bool) error {
	devices := ec.pool.ensure()
	if len(devices) == 0 {
		return errors.Wrap(ErrNoDevice, "device pool is empty")
	}
	for ii, d := range devices {
		if predicate(ii, d.descriptor) {
			ec.index = ii
			klog.V(1).Infof("selected device #%d: %s", ii, d.descriptor)
			return nil
		}
	}
	return errors.Wrapf(ErrNoDevice, "no device among %d matches the selection", len(devices))
}

type execContextKey struct{}

// WithExecContext returns a copy of ctx carrying ec.
func WithExecContext(ctx context.Context, ec *ExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

// ExecContextFrom returns the ExecContext carried by ctx, if any.
func ExecContextFrom(ctx context.Context) (*ExecContext, bool) {
	ec, ok := ctx.Value(execContextKey{}).(*ExecContext)
	return ec, ok && ec != nil
}

// Active returns the active device of the ExecContext carried by ctx or, if there is none,
// the first device of DefaultPool.
func Active(ctx context.Context) (*Device, error) {
	if ec, found := ExecContextFrom(ctx); found {
		return ec.Active()
	}
	return DefaultPool().Context().Active()
}
