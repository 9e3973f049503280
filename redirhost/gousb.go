package redirhost

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/gousb"
)

// GousbDevice adapts a *gousb.Device to the Device interface. Blocking
// transfers run on their own goroutines, delivering the asynchronous
// completion callbacks the engine expects; cancellation goes through a
// per-transfer context.
type GousbDevice struct {
	dev *gousb.Device

	mu       sync.Mutex
	config   *gousb.Config
	ifaces   map[int]*gousb.Interface // claimed interfaces by number
	alts     map[int]int              // active alt setting by interface number
	inEPs    map[uint8]*gousb.InEndpoint
	outEPs   map[uint8]*gousb.OutEndpoint
	inflight map[*Transfer]context.CancelFunc
}

// NewGousbDevice wraps an open gousb device.
func NewGousbDevice(dev *gousb.Device) *GousbDevice {
	return &GousbDevice{
		dev:      dev,
		ifaces:   map[int]*gousb.Interface{},
		alts:     map[int]int{},
		inEPs:    map[uint8]*gousb.InEndpoint{},
		outEPs:   map[uint8]*gousb.OutEndpoint{},
		inflight: map[*Transfer]context.CancelFunc{},
	}
}

func mapGousbErr(err error) error {
	if err == nil {
		return nil
	}
	e, ok := err.(gousb.Error)
	if !ok {
		return ErrIO
	}
	switch e {
	case gousb.ErrorNoDevice:
		return ErrNoDevice
	case gousb.ErrorNotFound:
		return ErrNotFound
	case gousb.ErrorBusy:
		return ErrBusy
	case gousb.ErrorTimeout:
		return ErrTimeout
	case gousb.ErrorInvalidParam:
		return ErrInvalidParam
	case gousb.ErrorNotSupported:
		return ErrNotSupported
	default:
		return ErrIO
	}
}

func (d *GousbDevice) Speed() Speed {
	switch d.dev.Desc.Speed {
	case gousb.SpeedLow:
		return SpeedLow
	case gousb.SpeedFull:
		return SpeedFull
	case gousb.SpeedHigh:
		return SpeedHigh
	case gousb.SpeedSuper:
		return SpeedSuper
	default:
		return SpeedUnknown
	}
}

func (d *GousbDevice) Descriptor() (DeviceDescriptor, error) {
	desc := d.dev.Desc
	return DeviceDescriptor{
		Class:             uint8(desc.Class),
		SubClass:          uint8(desc.SubClass),
		Protocol:          uint8(desc.Protocol),
		VendorID:          uint16(desc.Vendor),
		ProductID:         uint16(desc.Product),
		VersionBCD:        uint16(desc.Device),
		NumConfigurations: len(desc.Configs),
	}, nil
}

// bIntervalFromPoll reconstructs the descriptor interval byte from
// gousb's decoded polling interval.
func (d *GousbDevice) bIntervalFromPoll(tt gousb.TransferType, poll time.Duration) uint8 {
	speed := d.dev.Desc.Speed
	if (speed == gousb.SpeedHigh || speed == gousb.SpeedSuper) &&
		(tt == gousb.TransferTypeIsochronous || tt == gousb.TransferTypeInterrupt) {
		frames := int(poll / (125 * time.Microsecond))
		interval := uint8(1)
		for frames > 1 {
			frames >>= 1
			interval++
		}
		return interval
	}
	return uint8(poll / time.Millisecond)
}

func (d *GousbDevice) convertConfig(cfg gousb.ConfigDesc) *ConfigDescriptor {
	out := &ConfigDescriptor{Value: uint8(cfg.Number)}
	for _, intf := range cfg.Interfaces {
		var conv Interface
		for _, alt := range intf.AltSettings {
			setting := InterfaceSetting{
				Number:   uint8(alt.Number),
				Alt:      uint8(alt.Alternate),
				Class:    uint8(alt.Class),
				SubClass: uint8(alt.SubClass),
				Protocol: uint8(alt.Protocol),
			}
			var addrs []int
			for addr := range alt.Endpoints {
				addrs = append(addrs, int(addr))
			}
			sort.Ints(addrs)
			for _, addr := range addrs {
				ep := alt.Endpoints[gousb.EndpointAddress(addr)]
				setting.Endpoints = append(setting.Endpoints, EndpointDescriptor{
					Address:       uint8(ep.Address),
					Attributes:    uint8(ep.TransferType),
					MaxPacketSize: uint16(ep.MaxPacketSize),
					Interval:      d.bIntervalFromPoll(ep.TransferType, ep.PollInterval),
				})
			}
			conv.AltSettings = append(conv.AltSettings, setting)
		}
		out.Interfaces = append(out.Interfaces, conv)
	}
	return out
}

func (d *GousbDevice) ActiveConfig() (*ConfigDescriptor, error) {
	num, err := d.dev.ActiveConfigNum()
	if err != nil {
		return nil, mapGousbErr(err)
	}
	cfg, ok := d.dev.Desc.Configs[num]
	if !ok {
		return nil, nil // unconfigured
	}
	return d.convertConfig(cfg), nil
}

func (d *GousbDevice) Config(index int) (*ConfigDescriptor, error) {
	var nums []int
	for n := range d.dev.Desc.Configs {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	if index < 0 || index >= len(nums) {
		return nil, ErrNotFound
	}
	return d.convertConfig(d.dev.Desc.Configs[nums[index]]), nil
}

func (d *GousbDevice) closeClaimed() {
	for ep := range d.inEPs {
		delete(d.inEPs, ep)
	}
	for ep := range d.outEPs {
		delete(d.outEPs, ep)
	}
	for n, intf := range d.ifaces {
		intf.Close()
		delete(d.ifaces, n)
	}
	if d.config != nil {
		d.config.Close()
		d.config = nil
	}
}

func (d *GousbDevice) SetConfiguration(value int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closeClaimed()
	cfg, err := d.dev.Config(value)
	if err != nil {
		return mapGousbErr(err)
	}
	d.config = cfg
	return nil
}

func (d *GousbDevice) ensureConfig() error {
	if d.config != nil {
		return nil
	}
	num, err := d.dev.ActiveConfigNum()
	if err != nil {
		return mapGousbErr(err)
	}
	cfg, err := d.dev.Config(num)
	if err != nil {
		return mapGousbErr(err)
	}
	d.config = cfg
	return nil
}

func (d *GousbDevice) claimLocked(number, alt int) error {
	if err := d.ensureConfig(); err != nil {
		return err
	}
	intf, err := d.config.Interface(number, alt)
	if err != nil {
		return mapGousbErr(err)
	}
	d.ifaces[number] = intf
	d.alts[number] = alt

	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn {
			if in, err := intf.InEndpoint(ep.Number); err == nil {
				d.inEPs[uint8(ep.Address)] = in
			}
		} else {
			if out, err := intf.OutEndpoint(ep.Number); err == nil {
				d.outEPs[uint8(ep.Address)] = out
			}
		}
	}
	return nil
}

func (d *GousbDevice) ClaimInterface(number int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claimLocked(number, 0)
}

func (d *GousbDevice) releaseLocked(number int) {
	intf, ok := d.ifaces[number]
	if !ok {
		return
	}
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn {
			delete(d.inEPs, uint8(ep.Address))
		} else {
			delete(d.outEPs, uint8(ep.Address))
		}
	}
	intf.Close()
	delete(d.ifaces, number)
}

func (d *GousbDevice) ReleaseInterface(number int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.ifaces[number]; !ok {
		return ErrNotFound
	}
	d.releaseLocked(number)
	return nil
}

func (d *GousbDevice) SetInterfaceAltSetting(number, alt int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.releaseLocked(number)
	return d.claimLocked(number, alt)
}

func (d *GousbDevice) SetAutoDetachKernelDriver(enable bool) error {
	return mapGousbErr(d.dev.SetAutoDetach(enable))
}

// AttachKernelDriver is not exposed by gousb; releasing the interfaces
// with auto-detach disabled leaves re-attachment to the kernel.
func (d *GousbDevice) AttachKernelDriver(number int) error {
	return ErrNotSupported
}

func (d *GousbDevice) Reset() error {
	return mapGousbErr(d.dev.Reset())
}

// ClearHalt is not exposed by gousb. Stream stall recovery then reports
// the stall to the guest; a guest clear-halt control request gets an
// inval status.
func (d *GousbDevice) ClearHalt(endpoint uint8) error {
	return ErrNotSupported
}

func (d *GousbDevice) AllocStreams(count uint32, endpoints []uint8) (int, error) {
	return 0, ErrNotSupported
}

func (d *GousbDevice) FreeStreams(endpoints []uint8) error {
	return ErrNotSupported
}

func transferStatusFromErr(ctx context.Context, err error) TransferStatus {
	if err == nil {
		return TransferCompleted
	}
	if ctx.Err() == context.Canceled {
		return TransferCancelled
	}
	if ctx.Err() == context.DeadlineExceeded {
		return TransferTimedOut
	}
	e, ok := err.(gousb.Error)
	if !ok {
		return TransferError
	}
	switch e {
	case gousb.ErrorTimeout:
		return TransferTimedOut
	case gousb.ErrorNoDevice:
		return TransferNoDevice
	case gousb.ErrorPipe:
		return TransferStall
	case gousb.ErrorOverflow:
		return TransferOverflow
	default:
		return TransferError
	}
}

// Submit starts the transfer on its own goroutine. The completion
// callback runs there, with no adapter lock held.
func (d *GousbDevice) Submit(x *Transfer) error {
	d.mu.Lock()

	var inEP *gousb.InEndpoint
	var outEP *gousb.OutEndpoint
	if x.Type != TransferTypeControl {
		var ok bool
		if x.Endpoint&0x80 != 0 {
			inEP, ok = d.inEPs[x.Endpoint]
		} else {
			outEP, ok = d.outEPs[x.Endpoint]
		}
		if !ok {
			d.mu.Unlock()
			return ErrNotFound
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	if x.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), x.Timeout)
	}
	d.inflight[x] = cancel
	d.mu.Unlock()

	go func() {
		var n int
		var err error

		switch x.Type {
		case TransferTypeControl:
			rType := x.Buffer[0]
			request := x.Buffer[1]
			value := le.Uint16(x.Buffer[2:])
			index := le.Uint16(x.Buffer[4:])
			n, err = d.dev.Control(rType, request, value, index,
				x.Buffer[controlSetupSize:])
		default:
			if inEP != nil {
				n, err = inEP.ReadContext(ctx, x.Buffer)
			} else {
				n, err = outEP.WriteContext(ctx, x.Buffer)
			}
		}

		x.ActualLength = n
		x.Status = transferStatusFromErr(ctx, err)
		if x.Status == TransferCompleted && len(x.IsoPackets) > 0 {
			// gousb does not expose per-packet iso descriptors;
			// distribute the transferred bytes over the packet slots.
			remain := n
			for i := range x.IsoPackets {
				l := x.IsoPackets[i].Length
				if l > remain {
					l = remain
				}
				x.IsoPackets[i].ActualLength = l
				x.IsoPackets[i].Status = TransferCompleted
				remain -= l
			}
		}

		d.mu.Lock()
		delete(d.inflight, x)
		d.mu.Unlock()
		cancel()

		x.Complete(x)
	}()

	return nil
}

func (d *GousbDevice) CancelTransfer(x *Transfer) error {
	d.mu.Lock()
	cancel, ok := d.inflight[x]
	d.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	cancel()
	return nil
}

func (d *GousbDevice) Close() error {
	d.mu.Lock()
	for _, cancel := range d.inflight {
		cancel()
	}
	d.closeClaimed()
	d.mu.Unlock()
	return d.dev.Close()
}
