// Package wgpu implements a gpurt backend for GPUs, over the Vulkan implementation of the
// github.com/gogpu/wgpu hardware abstraction layer.
//
// Importing the package registers the "wgpu" probe, which opens every adapter Vulkan exposes:
//
//	import _ "github.com/gomlx/gpurt/gpurt/wgpu"
//
// Build with the "nogpu" tag to leave it out.
package wgpu
