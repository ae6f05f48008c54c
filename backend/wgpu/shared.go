//go:build !nogpu

package wgpu

import (
	"context"
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/orbit"
)

// Shared wraps the device of an external provider (e.g. a gogpu window) so
// the orbit program runs on the same GPU as the renderer. The provider must
// implement HalDevice() any and HalQueue() any returning hal.Device and
// hal.Queue. The shared device is never destroyed by orbit.
func Shared(provider gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("wgpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("wgpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("wgpu: provider HalQueue is not hal.Queue")
	}
	d, err := FromHAL(device, queue, opts...)
	if err != nil {
		return nil, err
	}
	orbit.Logger().Info("wgpu: using shared GPU device")
	return d, nil
}

// SharedAcquirer returns an acquirer over a provider's device.
func SharedAcquirer(provider gpucontext.DeviceProvider, opts ...Option) orbit.Acquirer {
	return func(ctx context.Context) (orbit.Device, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return Shared(provider, opts...)
	}
}
