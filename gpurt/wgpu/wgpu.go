//go:build !nogpu

package wgpu

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/vulkan"
	"github.com/gomlx/gpurt/gpurt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName is the name the wgpu probe is registered with.
const BackendName = "wgpu"

func init() {
	gpurt.RegisterProbe(BackendName, Probe)
}

// sharedInstance is a hal instance shared by the devices of one Probe call. It is destroyed
// when the last of them is closed.
type sharedInstance struct {
	instance hal.Instance
	refs     atomic.Int32
}

func (s *sharedInstance) release() {
	if s.refs.Add(-1) == 0 {
		s.instance.Destroy()
		klog.V(1).Infof("wgpu: instance destroyed")
	}
}

// Probe opens one device per adapter exposed by the Vulkan backend.
// It fails if Vulkan is not available, and returns no devices if it has no adapters.
func Probe(config gpurt.Config) ([]*gpurt.Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, errors.New("wgpu: Vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, errors.Wrap(err, "wgpu: failed to create instance")
	}
	shared := &sharedInstance{instance: instance}
	shared.refs.Store(1) // Held by Probe until it returns.
	defer shared.release()

	var devices []*gpurt.Device
	for ii, adapter := range instance.EnumerateAdapters(nil) {
		opened, err := adapter.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
		if err != nil {
			klog.Errorf("wgpu: failed to open adapter #%d %q: %+v", ii, adapter.Info.Name, err)
			continue
		}
		shared.refs.Add(1)
		d := &driver{
			name:     adapter.Info.Name,
			instance: shared,
			device:   opened.Device,
			queue:    opened.Queue,
			timeout:  config.DownloadTimeout,
		}
		devices = append(devices, gpurt.NewDevice(d, descriptorOf(adapter.Info)))
		klog.V(1).Infof("wgpu: opened adapter #%d %q", ii, adapter.Info.Name)
	}
	return devices, nil
}

func descriptorOf(info gputypes.AdapterInfo) gpurt.DeviceDescriptor {
	return gpurt.DeviceDescriptor{
		Name:     info.Name,
		VendorID: info.VendorID,
		DeviceID: info.DeviceID,
		Type:     deviceType(info.DeviceType),
		Backend:  BackendName,
	}
}

func deviceType(t gputypes.DeviceType) gpurt.DeviceType {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return gpurt.DeviceTypeDiscreteGPU
	case gputypes.DeviceTypeIntegratedGPU:
		return gpurt.DeviceTypeIntegratedGPU
	case gputypes.DeviceTypeVirtualGPU:
		return gpurt.DeviceTypeVirtualGPU
	case gputypes.DeviceTypeCPU:
		return gpurt.DeviceTypeCPU
	}
	return gpurt.DeviceTypeOther
}

// driver implements gpurt.Driver for one hal device.
//
// gpurt serializes the calls to the driver, except for the wait functions returned by Download:
// mu protects the hal device from those, and the pending submissions list.
type driver struct {
	name     string
	instance *sharedInstance
	device   hal.Device
	queue    hal.Queue
	timeout  time.Duration

	mu      sync.Mutex
	nextSeq uint64
	pending []*submission
}

var _ gpurt.Driver = (*driver)(nil)
