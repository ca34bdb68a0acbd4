package nn

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDeviceClosed is returned when allocating from a closed device.
var ErrDeviceClosed = errors.New("device closed")

// Device is the numeric execution context shared by every network and
// buffer of a process. It accounts for all float storage so that shutdown
// can verify nothing leaked.
type Device struct {
	mu     sync.Mutex
	live   int
	peak   int
	closed bool
}

// NewDevice creates an open device.
func NewDevice() *Device {
	return &Device{}
}

// Alloc returns a zeroed slice of n floats charged to the device.
func (d *Device) Alloc(n int) ([]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	d.live += n
	if d.live > d.peak {
		d.peak = d.live
	}
	return make([]float64, n), nil
}

// Release returns buf's storage to the device.
func (d *Device) Release(buf []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live -= len(buf)
}

// Live reports how many floats are currently allocated.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// Peak reports the largest number of floats allocated at once.
func (d *Device) Peak() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}

// Close refuses further allocations. It fails if storage is still live.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.live != 0 {
		return fmt.Errorf("device closed with %d floats still allocated", d.live)
	}
	return nil
}
