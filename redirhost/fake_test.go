package redirhost

import (
	"sync"
)

// fakeDevice is a scripted Device for engine tests. Submitted transfers
// sit in pending until the test completes them; CancelTransfer
// completes the transfer with a cancelled status on its own goroutine,
// like a native layer would.
type fakeDevice struct {
	mu sync.Mutex

	speed  Speed
	desc   DeviceDescriptor
	config *ConfigDescriptor

	claimed    map[int]bool
	autoDetach bool

	pending []*Transfer

	submitErr    error
	clearHaltErr error
	resetErr     error

	resets     int
	clearHalts []uint8
	setConfigs []int
	altCalls   [][2]int
	closed     bool

	allocStreamCalls int
	freeStreamCalls  int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		speed: SpeedHigh,
		desc: DeviceDescriptor{
			Class:             0,
			VendorID:          0x1234,
			ProductID:         0x5678,
			VersionBCD:        0x0100,
			NumConfigurations: 1,
		},
		config: &ConfigDescriptor{
			Value: 1,
			Interfaces: []Interface{
				{AltSettings: []InterfaceSetting{
					{
						Number: 0, Alt: 0, Class: 0xff,
						Endpoints: []EndpointDescriptor{
							{Address: 0x01, Attributes: 2, MaxPacketSize: 512},
							{Address: 0x81, Attributes: 2, MaxPacketSize: 512},
							{Address: 0x02, Attributes: 1, MaxPacketSize: 4},
							{Address: 0x82, Attributes: 1, MaxPacketSize: 4},
							{Address: 0x83, Attributes: 3, MaxPacketSize: 8, Interval: 10},
						},
					},
					{
						Number: 0, Alt: 1, Class: 0xff,
						Endpoints: []EndpointDescriptor{
							{Address: 0x81, Attributes: 2, MaxPacketSize: 512},
						},
					},
				}},
			},
		},
		claimed: map[int]bool{},
	}
}

func (d *fakeDevice) Speed() Speed { return d.speed }

func (d *fakeDevice) Descriptor() (DeviceDescriptor, error) {
	return d.desc, nil
}

func (d *fakeDevice) ActiveConfig() (*ConfigDescriptor, error) {
	return d.config, nil
}

func (d *fakeDevice) Config(index int) (*ConfigDescriptor, error) {
	if index != 0 {
		return nil, ErrNotFound
	}
	return d.config, nil
}

func (d *fakeDevice) SetConfiguration(value int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setConfigs = append(d.setConfigs, value)
	return nil
}

func (d *fakeDevice) ClaimInterface(number int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claimed[number] = true
	return nil
}

func (d *fakeDevice) ReleaseInterface(number int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claimed, number)
	return nil
}

func (d *fakeDevice) SetInterfaceAltSetting(number, alt int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.altCalls = append(d.altCalls, [2]int{number, alt})
	return nil
}

func (d *fakeDevice) SetAutoDetachKernelDriver(enable bool) error {
	d.autoDetach = enable
	return nil
}

func (d *fakeDevice) AttachKernelDriver(number int) error { return nil }

func (d *fakeDevice) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resetErr != nil {
		return d.resetErr
	}
	d.resets++
	return nil
}

func (d *fakeDevice) ClearHalt(endpoint uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clearHaltErr != nil {
		return d.clearHaltErr
	}
	d.clearHalts = append(d.clearHalts, endpoint)
	return nil
}

func (d *fakeDevice) AllocStreams(count uint32, endpoints []uint8) (int, error) {
	d.allocStreamCalls++
	return int(count), nil
}

func (d *fakeDevice) FreeStreams(endpoints []uint8) error {
	d.freeStreamCalls++
	return nil
}

func (d *fakeDevice) Submit(x *Transfer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submitErr != nil {
		return d.submitErr
	}
	d.pending = append(d.pending, x)
	return nil
}

func (d *fakeDevice) CancelTransfer(x *Transfer) error {
	d.mu.Lock()
	found := false
	for i, p := range d.pending {
		if p == x {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			found = true
			break
		}
	}
	d.mu.Unlock()
	if !found {
		return ErrNotFound
	}
	go func() {
		x.Status = TransferCancelled
		x.ActualLength = 0
		x.Complete(x)
	}()
	return nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

// take removes and returns the pending transfer on ep, or nil.
func (d *fakeDevice) take(ep uint8) *Transfer {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.pending {
		if p.Endpoint == ep {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return p
		}
	}
	return nil
}

func (d *fakeDevice) pendingOn(ep uint8) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.pending {
		if p.Endpoint == ep {
			n++
		}
	}
	return n
}

// complete finishes a taken transfer on a fresh goroutine and waits for
// the completion handler to return.
func complete(x *Transfer, status TransferStatus, actual int) {
	done := make(chan struct{})
	go func() {
		x.Status = status
		x.ActualLength = actual
		x.Complete(x)
		close(done)
	}()
	<-done
}
