//go:build !nogpu

package wgpu

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gomlx/gpurt/gpurt"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Copies and writes must be multiples of 4 bytes.
const copyAlignment = 4

func alignedSize(size int) uint64 {
	return uint64((size + copyAlignment - 1) / copyAlignment * copyAlignment)
}

// fenceTimeout is the limit of fence waits: Config.DownloadTimeout, or no limit if it is not positive.
func (d *driver) fenceTimeout() time.Duration {
	if d.timeout <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return d.timeout
}

func label(kind string) string {
	return fmt.Sprintf("gpurt_%s_%s", kind, uuid.NewString()[:8])
}

// storageBuffer is the device-local memory of a gpurt.Buffer.
type storageBuffer struct {
	buffer hal.Buffer
	size   uint64
}

// stagingBuffer is the host readable memory of a gpurt.Buffer. Downloads hold its lock from the copy
// submission until the data is read back.
type stagingBuffer struct {
	mu     sync.Mutex
	buffer hal.Buffer
	size   uint64
}

type pipeline struct {
	module     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	layout     hal.PipelineLayout
	pipeline   hal.ComputePipeline
	entryPoint string
}

// submission is work submitted to the queue, whose resources are freed once it completes: a dispatch,
// or a download whose wait timed out. In the latter case it also holds the staging buffer lock.
type submission struct {
	seq       uint64
	fence     hal.Fence
	cmdBuf    hal.CommandBuffer
	bindGroup hal.BindGroup
	staging   *stagingBuffer
}

func (d *driver) Allocate(size int) (storage, staging gpurt.Memory, err error) {
	aligned := alignedSize(size)
	storageBuf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label("storage"),
		Size:  aligned,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "wgpu: failed to create storage buffer of %d bytes", aligned)
	}
	stagingBuf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label("staging"),
		Size:  aligned,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		d.device.DestroyBuffer(storageBuf)
		return nil, nil, errors.Wrapf(err, "wgpu: failed to create staging buffer of %d bytes", aligned)
	}
	// Device memory is not zeroed.
	d.queue.WriteBuffer(storageBuf, 0, make([]byte, aligned))
	return &storageBuffer{buffer: storageBuf, size: aligned}, &stagingBuffer{buffer: stagingBuf, size: aligned}, nil
}

// Upload writes through the queue, which orders it with the work submitted before and after it.
func (d *driver) Upload(storage, _ gpurt.Memory, data []byte) error {
	dst := storage.(*storageBuffer)
	if uint64(len(data)) > dst.size {
		return errors.Errorf("wgpu: upload of %d bytes to a buffer of %d bytes", len(data), dst.size)
	}
	if len(data)%copyAlignment != 0 {
		padded := make([]byte, alignedSize(len(data)))
		copy(padded, data)
		data = padded
	}
	d.queue.WriteBuffer(dst.buffer, 0, data)
	return nil
}

func (d *driver) Download(storage, staging gpurt.Memory, size int) (func() ([]byte, error), error) {
	src := storage.(*storageBuffer)
	dst := staging.(*stagingBuffer)
	if !dst.mu.TryLock() {
		// A timed out download may hold the lock until its copy is known to be complete.
		d.drain()
		dst.mu.Lock()
	}
	unlock := true
	defer func() {
		if unlock {
			dst.mu.Unlock()
		}
	}()

	d.mu.Lock()
	defer d.mu.Unlock()
	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label("download")})
	if err != nil {
		return nil, errors.Wrap(err, "wgpu: failed to create command encoder")
	}
	if err := encoder.BeginEncoding("download"); err != nil {
		return nil, errors.Wrap(err, "wgpu: failed to begin encoding")
	}
	encoder.CopyBufferToBuffer(src.buffer, dst.buffer, []hal.BufferCopy{{SrcOffset: 0, DstOffset: 0, Size: src.size}})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return nil, errors.Wrap(err, "wgpu: failed to end encoding")
	}
	fence, err := d.device.CreateFence()
	if err != nil {
		d.device.FreeCommandBuffer(cmdBuf)
		return nil, errors.Wrap(err, "wgpu: failed to create fence")
	}
	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		d.device.DestroyFence(fence)
		d.device.FreeCommandBuffer(cmdBuf)
		return nil, errors.Wrap(err, "wgpu: failed to submit download")
	}
	d.nextSeq++
	seq := d.nextSeq
	unlock = false

	// The wait function owns fence, cmdBuf and the staging lock.
	return func() ([]byte, error) {
		ok, err := d.device.Wait(fence, 1, d.fenceTimeout())
		if err != nil || !ok {
			// The copy may still be running: its resources and the staging lock are handed to the pending
			// list, and freed by a later wait that completes.
			klog.Errorf("wgpu: %q download didn't complete (ok=%v): %+v", d.name, ok, err)
			d.mu.Lock()
			d.pending = append(d.pending, &submission{seq: seq, fence: fence, cmdBuf: cmdBuf, staging: dst})
			d.mu.Unlock()
			if err == nil {
				err = errors.Errorf("timed out after %s", d.timeout)
			}
			return nil, errors.Wrap(err, "wgpu: failed waiting for download")
		}
		defer dst.mu.Unlock()
		d.mu.Lock()
		defer d.mu.Unlock()
		d.device.DestroyFence(fence)
		d.device.FreeCommandBuffer(cmdBuf)
		// The queue executes in order, so every dispatch submitted before the download is complete.
		d.reclaimLocked(seq)
		data := make([]byte, src.size)
		if err := d.queue.ReadBuffer(dst.buffer, 0, data); err != nil {
			return nil, errors.Wrap(err, "wgpu: failed to read back staging buffer")
		}
		return data[:size], nil
	}, nil
}

// Release waits for the pending dispatches, that may use the buffer, and for a download in flight.
// If the pending work doesn't complete, the buffers are leaked rather than destroyed in use.
func (d *driver) Release(storage, staging gpurt.Memory) {
	if !d.drain() {
		klog.Errorf("wgpu: %q leaking a buffer still in use by pending work", d.name)
		return
	}
	src := storage.(*storageBuffer)
	dst := staging.(*stagingBuffer)
	dst.mu.Lock()
	defer dst.mu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.device.DestroyBuffer(src.buffer)
	d.device.DestroyBuffer(dst.buffer)
}

func (d *driver) Link(code []uint32, entryPoint string, params []gpurt.ParameterDescriptor) (gpurt.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &pipeline{entryPoint: entryPoint}
	var err error
	p.module, err = d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label("module_" + entryPoint),
		Source: hal.ShaderSource{SPIRV: code},
	})
	if err != nil {
		return nil, errors.Wrap(err, "wgpu: failed to create shader module")
	}
	entries := make([]gputypes.BindGroupLayoutEntry, len(params))
	for ii, param := range params {
		bindingType := gputypes.BufferBindingTypeStorage
		if param.Mutability == gpurt.Const {
			bindingType = gputypes.BufferBindingTypeReadOnlyStorage
		}
		entries[ii] = gputypes.BindGroupLayoutEntry{
			Binding:    uint32(ii),
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: bindingType},
		}
	}
	p.bindLayout, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{Label: label("bind_layout"), Entries: entries})
	if err != nil {
		d.destroyPipelineLocked(p)
		return nil, errors.Wrap(err, "wgpu: failed to create bind group layout")
	}
	p.layout, err = d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label("pipeline_layout"),
		BindGroupLayouts: []hal.BindGroupLayout{p.bindLayout},
	})
	if err != nil {
		d.destroyPipelineLocked(p)
		return nil, errors.Wrap(err, "wgpu: failed to create pipeline layout")
	}
	p.pipeline, err = d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   label("pipeline_" + entryPoint),
		Layout:  p.layout,
		Compute: hal.ComputeState{Module: p.module, EntryPoint: entryPoint},
	})
	if err != nil {
		d.destroyPipelineLocked(p)
		return nil, errors.Wrap(err, "wgpu: failed to create compute pipeline")
	}
	return p, nil
}

func (d *driver) destroyPipelineLocked(p *pipeline) {
	if p.pipeline != nil {
		d.device.DestroyComputePipeline(p.pipeline)
	}
	if p.layout != nil {
		d.device.DestroyPipelineLayout(p.layout)
	}
	if p.bindLayout != nil {
		d.device.DestroyBindGroupLayout(p.bindLayout)
	}
	if p.module != nil {
		d.device.DestroyShaderModule(p.module)
	}
}

func (d *driver) ReleasePipeline(p gpurt.Pipeline) {
	if !d.drain() {
		klog.Errorf("wgpu: %q leaking pipeline %q still in use by pending work", d.name, p.(*pipeline).entryPoint)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyPipelineLocked(p.(*pipeline))
}

func (d *driver) Dispatch(p gpurt.Pipeline, groups [3]uint32, args []gpurt.Memory) error {
	pipe := p.(*pipeline)
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := make([]gputypes.BindGroupEntry, len(args))
	for ii, arg := range args {
		buf := arg.(*storageBuffer)
		entries[ii] = gputypes.BindGroupEntry{
			Binding:  uint32(ii),
			Resource: gputypes.BufferBinding{Buffer: buf.buffer.NativeHandle(), Offset: 0, Size: buf.size},
		}
	}
	bindGroup, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{Label: label("bind_group"), Layout: pipe.bindLayout, Entries: entries})
	if err != nil {
		return errors.Wrap(err, "wgpu: failed to create bind group")
	}
	sub := &submission{bindGroup: bindGroup}
	if err := d.submitDispatchLocked(sub, pipe, groups); err != nil {
		d.freeLocked(sub)
		return err
	}
	d.nextSeq++
	sub.seq = d.nextSeq
	d.pending = append(d.pending, sub)
	return nil
}

func (d *driver) submitDispatchLocked(sub *submission, pipe *pipeline, groups [3]uint32) error {
	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label("dispatch")})
	if err != nil {
		return errors.Wrap(err, "wgpu: failed to create command encoder")
	}
	if err := encoder.BeginEncoding(pipe.entryPoint); err != nil {
		return errors.Wrap(err, "wgpu: failed to begin encoding")
	}
	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: pipe.entryPoint})
	pass.SetPipeline(pipe.pipeline)
	pass.SetBindGroup(0, sub.bindGroup, nil)
	pass.Dispatch(groups[0], groups[1], groups[2])
	pass.End()
	sub.cmdBuf, err = encoder.EndEncoding()
	if err != nil {
		return errors.Wrap(err, "wgpu: failed to end encoding")
	}
	sub.fence, err = d.device.CreateFence()
	if err != nil {
		return errors.Wrap(err, "wgpu: failed to create fence")
	}
	if err := d.queue.Submit([]hal.CommandBuffer{sub.cmdBuf}, sub.fence, 1); err != nil {
		return errors.Wrap(err, "wgpu: failed to submit dispatch")
	}
	return nil
}

func (d *driver) freeLocked(sub *submission) {
	if sub.fence != nil {
		d.device.DestroyFence(sub.fence)
	}
	if sub.cmdBuf != nil {
		d.device.FreeCommandBuffer(sub.cmdBuf)
	}
	if sub.bindGroup != nil {
		d.device.DestroyBindGroup(sub.bindGroup)
	}
	if sub.staging != nil {
		sub.staging.mu.Unlock()
	}
}

// reclaimLocked frees the resources of the pending submissions made before seq, which must be complete.
func (d *driver) reclaimLocked(seq uint64) {
	kept := d.pending[:0]
	for _, sub := range d.pending {
		if sub.seq < seq {
			d.freeLocked(sub)
		} else {
			kept = append(kept, sub)
		}
	}
	clear(d.pending[len(kept):])
	d.pending = kept
}

// drain waits for all pending submissions to complete and frees them. It returns false if the wait failed.
func (d *driver) drain() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return true
	}
	// Timed out downloads are appended late: the last submitted is the one with the highest seq.
	last := d.pending[0]
	for _, sub := range d.pending[1:] {
		if sub.seq > last.seq {
			last = sub
		}
	}
	ok, err := d.device.Wait(last.fence, 1, d.fenceTimeout())
	if err != nil || !ok {
		klog.Errorf("wgpu: %q failed waiting for %d pending submissions (ok=%v): %+v", d.name, len(d.pending), ok, err)
		return false
	}
	d.reclaimLocked(last.seq + 1)
	return true
}

func (d *driver) Close() error {
	d.drain()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) > 0 {
		klog.Errorf("wgpu: %q closed with %d dispatches still running", d.name, len(d.pending))
	}
	d.device.Destroy()
	d.instance.release()
	klog.V(1).Infof("wgpu: %q closed", d.name)
	return nil
}
