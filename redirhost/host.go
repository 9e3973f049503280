package redirhost

import (
	"fmt"
	"sync"
	"time"

	"github.com/hanwen/go-usbredir/filter"
	"github.com/hanwen/go-usbredir/log"
	"github.com/hanwen/go-usbredir/redir"
)

const (
	maxEndpoints  = 32
	maxInterfaces = 32 // max 32 endpoints and thus interfaces

	ctrlTimeout      = 5000 * time.Millisecond // USB specifies a 5 second max timeout
	bulkTimeout      = 0                       // no timeout for bulk transfers
	isoTimeout       = 1000 * time.Millisecond
	interruptTimeout = 0 // no timeout for interrupt transfers

	maxTransferCount       = 16
	maxPacketsPerTransfer  = 32
	interruptTransferCount = 5
	// Special packetIdx value indicating a submitted transfer.
	submittedIdx = -1
)

// quirk flags
const quirkDoNotReset = 0x01

// Devices that are known to hang on reset.
var resetBlacklist = []struct{ vendorID, productID uint16 }{
	{0x1210, 0x001c},
	{0x2798, 0x0001},
}

// ep2i folds an endpoint address (4 bits number + direction bit 0x80)
// into an index for the 32-slot endpoint table.
func ep2i(ep uint8) int {
	return int((ep&0x80)>>3 | ep&0x0f)
}

func i2ep(i int) uint8 {
	return uint8((i&0x10)<<3 | i&0x0f)
}

type Flags int

const (
	// FlagWriteCBOwnsBuffer passes each outbound buffer to the write
	// callback in one piece. The application then meters outbound
	// buffering itself and should supply BufferedOutputSize.
	FlagWriteCBOwnsBuffer Flags = 0x01
)

// ReadGuestData return values, extending the parser's set.
const (
	ReadIOError        = redir.ReadIOError
	ReadParseError     = redir.ReadParseError
	ReadDeviceRejected = -3
	ReadDeviceLost     = -4
)

// transfer is one in-flight native transfer tracked by the engine,
// either a slot in a stream ring or a one-shot on the doubly linked
// list. hdr holds a copy of the request header (one of the four data
// packet header types, matching x.Type) so replies can echo it.
type transfer struct {
	host      *Host
	x         *Transfer
	id        uint64
	cancelled bool
	packetIdx int
	hdr       interface{}
	next      *transfer
	prev      *transfer
}

type endpointState struct {
	typ             uint8
	interval        uint8
	iface           uint8
	warnOnDrop      bool
	streamStarted   bool
	pktsPerTransfer int
	transferCount   int
	outIdx          int
	dropPackets     int
	maxPacketSize   int
	maxStreams      uint32
	transfer        [maxTransferCount]*transfer
}

// Config carries everything needed to open a Host.
type Config struct {
	// Device is the native handle of the device to redirect. May be
	// nil; a device can be set later with SetDevice.
	Device  Device
	Version string
	Flags   Flags

	Read        redir.ReadFunc
	Write       redir.WriteFunc
	FlushWrites func()
	// BufferedOutputSize reports the application's outbound buffer
	// size; only used with FlagWriteCBOwnsBuffer.
	BufferedOutputSize func() uint64

	Log *log.Children
}

// Host owns one USB device and speaks the device side of the protocol.
// ReadGuestData must be called from a single goroutine; native transfer
// completions arrive on the device's event goroutine(s) and meet the
// reader at the transfer lock.
type Host struct {
	redir.NopConsumer

	parser *redir.Parser

	mu           sync.Mutex // transfer lock: stream rings + one-shot list
	disconnectMu sync.Mutex

	log     *log.ChildLogger
	dataLog *log.ChildLogger

	flushWrites        func()
	bufferedOutputSize func() uint64

	flags Flags

	dev           Device
	desc          DeviceDescriptor
	config        *ConfigDescriptor
	quirks        int
	restoreConfig int
	claimed       bool
	reset         bool
	disconnected  bool
	readStatus    int

	cancelsPending int
	waitDisconnect bool
	connectPending bool

	endpoint   [maxEndpoints]endpointState
	altSetting [maxInterfaces]uint8

	transfersHead transfer

	filterRules []filter.Rule

	isoThreshold struct {
		higher   uint64
		lower    uint64
		dropping bool
	}
}

// Open creates a Host speaking to the guest through the given transport
// callbacks and, if c.Device is set, announces the device.
func Open(c Config) (*Host, error) {
	if c.Log == nil {
		c.Log = log.PrepareChildren(log.Root, false, false, false, false)
	}

	h := &Host{
		log:                c.Log.Host,
		dataLog:            c.Log.Data,
		flushWrites:        c.FlushWrites,
		bufferedOutputSize: c.BufferedOutputSize,
		flags:              c.Flags,
		disconnected:       true, // no device is connected initially
	}

	parserFlags := redir.FlagUSBHost
	if c.Flags&FlagWriteCBOwnsBuffer != 0 {
		parserFlags |= redir.FlagWriteCBOwnsBuffer
	}

	caps := make([]uint32, redir.CapsSize)
	redir.CapsSetCap(caps, redir.CapConnectDeviceVersion)
	redir.CapsSetCap(caps, redir.CapFilter)
	redir.CapsSetCap(caps, redir.CapDeviceDisconnectAck)
	redir.CapsSetCap(caps, redir.CapEpInfoMaxPacketSize)
	redir.CapsSetCap(caps, redir.Cap64BitsIds)
	redir.CapsSetCap(caps, redir.Cap32BitsBulkLength)
	redir.CapsSetCap(caps, redir.CapBulkReceiving)
	redir.CapsSetCap(caps, redir.CapBulkStreams)

	read := c.Read
	parser, err := redir.New(redir.Config{
		Version: c.Version,
		Caps:    caps,
		Flags:   parserFlags,
		Read: func(buf []byte) int {
			if h.readStatus != 0 {
				ret := h.readStatus
				h.readStatus = 0
				return ret
			}
			return read(buf)
		},
		Write:    c.Write,
		Consumer: h,
		Log:      c.Log.Parser,
	})
	if err != nil {
		return nil, err
	}
	h.parser = parser

	if c.Device != nil {
		if status := h.SetDevice(c.Device); status != redir.StatusSuccess {
			return nil, fmt.Errorf("redirhost: could not set device, status %d", status)
		}
	}

	h.flush()
	return h, nil
}

// Close drains and releases the device.
func (h *Host) Close() {
	h.clearDevice()
}

func (h *Host) flush() {
	if h.flushWrites != nil {
		h.flushWrites()
	}
}

// ReadGuestData parses data arriving from the guest. See the parser's
// DoRead for the return contract; ReadDeviceRejected and ReadDeviceLost
// extend it.
func (h *Host) ReadGuestData() int {
	return h.parser.DoRead()
}

// HasDataToWrite returns the number of packets queued for the guest.
func (h *Host) HasDataToWrite() int {
	return h.parser.HasDataToWrite()
}

// WriteGuestData pushes queued packets to the guest.
func (h *Host) WriteGuestData() int {
	return h.parser.DoWrite()
}

// BufferedOutputSize returns the number of bytes queued for the guest.
func (h *Host) BufferedOutputSize() uint64 {
	return h.parser.BufferedOutputSize()
}

// SetBufferedOutputSize installs the application's outbound buffer
// gauge for iso back-pressure. Only meaningful with
// FlagWriteCBOwnsBuffer; without that flag the host meters its own
// write queue.
func (h *Host) SetBufferedOutputSize(f func() uint64) {
	if h.flags&FlagWriteCBOwnsBuffer == 0 {
		h.log.Warning("can't set callback as the host owns the output buffer")
		return
	}
	h.bufferedOutputSize = f
}

// GuestFilter returns the filter rules the guest sent, if any.
func (h *Host) GuestFilter() []filter.Rule {
	return h.filterRules
}

// handleDisconnect can be called both from parser read callbacks and
// from native completion callbacks; it uses its own lock to avoid
// needing a nesting capable transfer lock.
func (h *Host) handleDisconnect() {
	h.disconnectMu.Lock()
	if !h.disconnected {
		h.log.Info("device disconnected")
		h.parser.SendDeviceDisconnect()
		if h.parser.PeerHasCap(redir.CapDeviceDisconnectAck) {
			h.waitDisconnect = true
		}
		h.disconnected = true
	}
	h.disconnectMu.Unlock()
}

func (h *Host) setMaxPacketSize(ep uint8, wMaxPacketSize uint16) {
	maxp := int(wMaxPacketSize & 0x7ff)
	mult := 1

	if h.dev.Speed() == SpeedHigh && h.endpoint[ep2i(ep)].typ == redir.TypeIso {
		switch (wMaxPacketSize >> 11) & 3 {
		case 1:
			mult = 2
		case 2:
			mult = 3
		}
	}
	h.endpoint[ep2i(ep)].maxPacketSize = maxp * mult
}

// Called from open/close and parser read callbacks.
func (h *Host) sendInterfaceAndEpInfo() {
	var interfaceInfo redir.InterfaceInfoHeader
	var epInfo redir.EpInfoHeader

	if h.config != nil {
		interfaceInfo.InterfaceCount = uint32(len(h.config.Interfaces))
	}
	for i := 0; i < int(interfaceInfo.InterfaceCount); i++ {
		intf := &h.config.Interfaces[i].AltSettings[h.altSetting[i]]
		interfaceInfo.Interface[i] = intf.Number
		interfaceInfo.InterfaceClass[i] = intf.Class
		interfaceInfo.InterfaceSubclass[i] = intf.SubClass
		interfaceInfo.InterfaceProtocol[i] = intf.Protocol
	}
	h.parser.SendInterfaceInfo(&interfaceInfo)

	for i := 0; i < maxEndpoints; i++ {
		epInfo.Type[i] = h.endpoint[i].typ
		epInfo.Interval[i] = h.endpoint[i].interval
		epInfo.Interface[i] = h.endpoint[i].iface
		epInfo.MaxPacketSize[i] = uint16(h.endpoint[i].maxPacketSize)
		epInfo.MaxStreams[i] = h.endpoint[i].maxStreams
	}
	h.parser.SendEpInfo(&epInfo)
}

// Called from open/close and parser read callbacks.
func (h *Host) sendDeviceConnect() {
	if !h.disconnected {
		h.log.Error("internal error sending device_connect but already connected")
		return
	}

	if !h.parser.HavePeerCaps() || h.waitDisconnect {
		h.connectPending = true
		return
	}

	deviceConnect := redir.DeviceConnectHeader{
		DeviceClass:      h.desc.Class,
		DeviceSubclass:   h.desc.SubClass,
		DeviceProtocol:   h.desc.Protocol,
		VendorID:         h.desc.VendorID,
		ProductID:        h.desc.ProductID,
		DeviceVersionBCD: h.desc.VersionBCD,
	}
	switch h.dev.Speed() {
	case SpeedLow:
		deviceConnect.Speed = redir.SpeedLow
	case SpeedFull:
		deviceConnect.Speed = redir.SpeedFull
	case SpeedHigh:
		deviceConnect.Speed = redir.SpeedHigh
	case SpeedSuper:
		deviceConnect.Speed = redir.SpeedSuper
	default:
		deviceConnect.Speed = redir.SpeedUnknown
	}

	h.sendInterfaceAndEpInfo()
	h.parser.SendDeviceConnect(&deviceConnect)
	h.connectPending = false
	h.disconnected = false // the guest may now use the device

	h.flush()
}

// Called from open/close and parser read callbacks.
func (h *Host) parseInterface(i int) {
	intf := &h.config.Interfaces[i].AltSettings[h.altSetting[i]]

	for j := range intf.Endpoints {
		ep := &intf.Endpoints[j]
		slot := &h.endpoint[ep2i(ep.Address)]
		slot.typ = ep.Attributes & 0x3
		slot.interval = ep.Interval
		slot.iface = intf.Number
		h.setMaxPacketSize(ep.Address, ep.MaxPacketSize)
		slot.maxStreams = ep.MaxStreams
		slot.warnOnDrop = true
	}
}

func (h *Host) parseConfig() {
	for i := 0; i < maxEndpoints; i++ {
		if i&0x0f == 0 {
			h.endpoint[i].typ = redir.TypeControl
		} else {
			h.endpoint[i].typ = redir.TypeInvalid
		}
		h.endpoint[i].interval = 0
		h.endpoint[i].iface = 0
		h.endpoint[i].maxPacketSize = 0
		h.endpoint[i].maxStreams = 0
	}

	if h.config == nil {
		return
	}
	for i := range h.config.Interfaces {
		h.parseInterface(i)
	}
}

// Called from open/close and parser read callbacks.
func (h *Host) claim(initialClaim bool) uint8 {
	h.config = nil

	desc, err := h.dev.Descriptor()
	if err != nil {
		h.log.Errorf("could not get device descriptor: %v", err)
		return h.errToRedir(err)
	}
	h.desc = desc

	config, err := h.dev.ActiveConfig()
	if err != nil && err != ErrNotFound {
		h.log.Errorf("could not get descriptors for active configuration: %v", err)
		return h.errToRedir(err)
	}
	h.config = config
	if h.config != nil && len(h.config.Interfaces) > maxInterfaces {
		h.log.Errorf("usb descriptor has too many interfaces (%d > %d)",
			len(h.config.Interfaces), maxInterfaces)
		return redir.StatusIOError
	}

	if initialClaim {
		if h.config != nil {
			h.restoreConfig = int(h.config.Value)
		} else {
			h.restoreConfig = -1 // unconfigured
		}

		// If the device is unconfigured and has only 1 config, we
		// assume this is the result of the user doing "safely remove
		// hardware", and we try to reset the device configuration to
		// this config when we release the device, so that it becomes
		// usable again.
		if h.restoreConfig == -1 && h.desc.NumConfigurations == 1 {
			if config, err := h.dev.Config(0); err == nil {
				h.restoreConfig = int(config.Value)
			}
		}
	}

	// All interfaces begin at alt setting 0 when (re)claimed.
	for i := range h.altSetting {
		h.altSetting[i] = 0
	}

	h.claimed = true
	if err := h.dev.SetAutoDetachKernelDriver(true); err != nil {
		h.log.Debugf("could not enable auto kernel driver detach: %v", err)
	}
	if h.config != nil {
		for i := range h.config.Interfaces {
			n := int(h.config.Interfaces[i].AltSettings[0].Number)
			if err := h.dev.ClaimInterface(n); err != nil {
				if err == ErrBusy {
					h.log.Error("device is in use by another application")
				} else {
					h.log.Errorf("could not claim interface %d (configuration %d): %v",
						n, h.config.Value, err)
				}
				return h.errToRedir(err)
			}
		}
	}

	h.parseConfig()
	return redir.StatusSuccess
}

// Called from open/close and parser read callbacks.
func (h *Host) release(attachDrivers bool) {
	if !h.claimed {
		return
	}

	// We always do the attach ourselves: for compound interfaces such
	// as usb-audio all interfaces must be released before a driver can
	// attach, and when releasing before a configuration change no
	// driver should attach at all.
	if err := h.dev.SetAutoDetachKernelDriver(false); err != nil {
		h.log.Debugf("could not disable auto kernel driver detach: %v", err)
	}

	if h.config != nil {
		for i := range h.config.Interfaces {
			n := int(h.config.Interfaces[i].AltSettings[0].Number)
			if err := h.dev.ReleaseInterface(n); err != nil &&
				err != ErrNotFound && err != ErrNoDevice {
				h.log.Errorf("could not release interface %d (configuration %d): %v",
					n, h.config.Value, err)
			}
		}
	}

	if !attachDrivers {
		return
	}

	h.claimed = false

	// Reset the device before re-binding the kernel drivers, so that
	// the kernel drivers get the device in a clean state.
	if h.quirks&quirkDoNotReset == 0 {
		if err := h.dev.Reset(); err != nil {
			// If the device was removed, resetting will fail; no
			// point in warning about that.
			if err != ErrNoDevice {
				h.log.Errorf("error resetting device: %v", err)
			}
			return
		}
	}

	currentConfig := -1
	if h.config != nil {
		currentConfig = int(h.config.Value)
	}

	if currentConfig != h.restoreConfig {
		if err := h.dev.SetConfiguration(h.restoreConfig); err != nil {
			h.log.Errorf("could not restore configuration to %d: %v",
				h.restoreConfig, err)
		}
		return // set-configuration rebinds drivers for the new config
	}

	if h.config != nil {
		for i := range h.config.Interfaces {
			n := int(h.config.Interfaces[i].AltSettings[0].Number)
			if err := h.dev.AttachKernelDriver(n); err != nil &&
				err != ErrNotFound && err != ErrNoDevice &&
				err != ErrNotSupported && err != ErrBusy {
				h.log.Errorf("could not re-attach driver to interface %d (configuration %d): %v",
					n, h.config.Value, err)
			}
		}
	}
}

func (h *Host) resetDevice() error {
	if h.quirks&quirkDoNotReset != 0 {
		return nil
	}

	if err := h.dev.Reset(); err != nil {
		h.log.Errorf("error resetting device: %v", err)
		h.clearDevice()
		return err
	}

	h.reset = true
	return nil
}

// SetDevice replaces the redirected device; nil releases the current
// one. Returns a wire status code.
func (h *Host) SetDevice(dev Device) uint8 {
	h.clearDevice()

	if dev == nil {
		return redir.StatusSuccess
	}

	h.dev = dev

	status := h.claim(true)
	if status != redir.StatusSuccess {
		h.clearDevice()
		return status
	}

	for _, q := range resetBlacklist {
		if h.desc.VendorID == q.vendorID && h.desc.ProductID == q.productID {
			h.quirks |= quirkDoNotReset
			break
		}
	}

	// The first thing almost any usb-guest does is a (slow)
	// device-reset so lets do that beforehand.
	if err := h.resetDevice(); err != nil {
		return h.errToRedir(err)
	}

	h.sendDeviceConnect()

	return redir.StatusSuccess
}

func (h *Host) clearDevice() {
	if h.dev == nil {
		return
	}

	if h.cancelPendingURBs(false) {
		h.waitForCancelCompletion()
	}

	h.release(true)

	h.config = nil
	h.dev.Close()
	h.dev = nil

	h.connectPending = false
	h.quirks = 0

	h.handleDisconnect()
	h.flush()
}

// Called from close and parser read callbacks.
func (h *Host) cancelPendingURBs(notifyGuest bool) bool {
	h.mu.Lock()
	for i := 0; i < maxEndpoints; i++ {
		if notifyGuest && h.endpoint[i].transferCount > 0 {
			h.sendStreamStatus(0, i2ep(i), redir.StatusStall)
		}
		h.cancelStreamLocked(i2ep(i))
	}

	wait := h.cancelsPending > 0
	for t := h.transfersHead.next; t != nil; t = t.next {
		h.dev.CancelTransfer(t.x)
		wait = true
	}
	h.mu.Unlock()

	if notifyGuest {
		h.flush()
	}

	return wait
}

// Called from close and parser read callbacks. Completions arrive on
// the native event goroutines, so polling with a short sleep suffices.
func (h *Host) waitForCancelCompletion() {
	for {
		time.Sleep(2500 * time.Microsecond)
		h.mu.Lock()
		wait := h.cancelsPending > 0 || h.transfersHead.next != nil
		h.mu.Unlock()
		if !wait {
			return
		}
	}
}

// Only called from read callbacks.
func (h *Host) cancelPendingURBsOnInterface(i int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	intf := &h.config.Interfaces[i].AltSettings[h.altSetting[i]]
	for j := range intf.Endpoints {
		ep := intf.Endpoints[j].Address

		h.cancelStreamLocked(ep)

		for t := h.transfersHead.next; t != nil; t = t.next {
			if t.x.Endpoint == ep {
				h.dev.CancelTransfer(t.x)
			}
		}
	}
}

// Only called from read callbacks.
func (h *Host) interfaceNumberToIndex(number uint8) int {
	if h.config != nil {
		for i := range h.config.Interfaces {
			if h.config.Interfaces[i].AltSettings[0].Number == number {
				return i
			}
		}
	}

	h.log.Errorf("invalid interface number: %d", number)
	return -1
}

/* Parser callbacks (guest to device direction). */

func (h *Host) Hello(hello *redir.HelloHeader) {
	if h.connectPending {
		h.sendDeviceConnect()
	}
}

func (h *Host) Reset() {
	if h.disconnected || h.reset {
		return
	}

	// The guest should have cancelled any pending urbs already, but
	// the cancellations may be awaiting completion, and a reset would
	// complete them with a no-device error. Streams also need a clean
	// shutdown, with the guest told to restart them after the reset.
	if h.cancelPendingURBs(true) {
		h.waitForCancelCompletion()
	}

	if err := h.resetDevice(); err != nil {
		h.readStatus = ReadDeviceLost
	}
}

func (h *Host) SetConfiguration(id uint64, setConfig *redir.SetConfigurationHeader) {
	status := redir.ConfigurationStatusHeader{
		Status: redir.StatusSuccess,
	}

	exit := func() {
		if h.config != nil {
			status.Configuration = h.config.Value
		}
		h.parser.SendConfigurationStatus(id, &status)
		h.flush()
	}

	if h.disconnected {
		status.Status = redir.StatusIOError
		exit()
		return
	}

	if h.config != nil && h.config.Value == setConfig.Configuration {
		exit()
		return
	}

	h.reset = false

	h.cancelPendingURBs(false)
	h.release(false)

	if err := h.dev.SetConfiguration(int(setConfig.Configuration)); err != nil {
		h.log.Errorf("could not set active configuration to %d: %v",
			setConfig.Configuration, err)
		status.Status = redir.StatusIOError
	}

	if claimStatus := h.claim(false); claimStatus != redir.StatusSuccess {
		h.clearDevice()
		h.readStatus = ReadDeviceLost
		status.Status = redir.StatusIOError
		exit()
		return
	}

	h.sendInterfaceAndEpInfo()
	exit()
}

func (h *Host) GetConfiguration(id uint64) {
	var status redir.ConfigurationStatusHeader

	if h.disconnected {
		status.Status = redir.StatusIOError
	} else {
		status.Status = redir.StatusSuccess
	}
	if h.config != nil {
		status.Configuration = h.config.Value
	}
	h.parser.SendConfigurationStatus(id, &status)
	h.flush()
}

func (h *Host) SetAltSetting(id uint64, setAltSetting *redir.SetAltSettingHeader) {
	status := redir.AltSettingStatusHeader{
		Status:    redir.StatusSuccess,
		Interface: setAltSetting.Interface,
	}

	exit := func() {
		h.parser.SendAltSettingStatus(id, &status)
		h.flush()
	}

	if h.disconnected {
		status.Status = redir.StatusIOError
		status.Alt = 0xff
		exit()
		return
	}

	i := h.interfaceNumberToIndex(setAltSetting.Interface)
	if i == -1 {
		status.Status = redir.StatusInval
		status.Alt = 0xff
		exit()
		return
	}

	h.reset = false

	h.cancelPendingURBsOnInterface(i)

	if err := h.dev.SetInterfaceAltSetting(int(setAltSetting.Interface),
		int(setAltSetting.Alt)); err != nil {
		h.log.Errorf("could not set alt setting for interface %d to %d: %v",
			setAltSetting.Interface, setAltSetting.Alt, err)
		status.Status = h.errToRedir(err)
		status.Alt = h.altSetting[i]
		exit()
		return
	}

	// The new alt setting may have lost endpoints compared to the old.
	// Clear the slots of all endpoints which used to be part of the
	// interface.
	for j := 0; j < maxEndpoints; j++ {
		if h.endpoint[j].iface != setAltSetting.Interface {
			continue
		}

		if j&0x0f == 0 {
			h.endpoint[j].typ = redir.TypeControl
		} else {
			h.endpoint[j].typ = redir.TypeInvalid
		}
		h.endpoint[j].interval = 0
		h.endpoint[j].iface = 0
		h.endpoint[j].maxPacketSize = 0
	}

	h.altSetting[i] = setAltSetting.Alt
	h.parseInterface(i)
	h.sendInterfaceAndEpInfo()

	status.Alt = h.altSetting[i]
	exit()
}

func (h *Host) GetAltSetting(id uint64, getAltSetting *redir.GetAltSettingHeader) {
	status := redir.AltSettingStatusHeader{
		Interface: getAltSetting.Interface,
	}

	if h.disconnected {
		status.Status = redir.StatusIOError
		status.Alt = 0xff
	} else if i := h.interfaceNumberToIndex(getAltSetting.Interface); i >= 0 {
		status.Status = redir.StatusSuccess
		status.Alt = h.altSetting[i]
	} else {
		status.Status = redir.StatusInval
		status.Alt = 0xff
	}

	h.parser.SendAltSettingStatus(id, &status)
	h.flush()
}

func (h *Host) FilterReject() {
	if h.disconnected {
		return
	}

	h.log.Info("device rejected")
	h.readStatus = ReadDeviceRejected
}

func (h *Host) FilterFilter(rules []filter.Rule) {
	h.filterRules = rules
}

func (h *Host) DeviceDisconnectAck() {
	if !h.waitDisconnect {
		h.log.Error("error received disconnect ack without sending a disconnect")
		return
	}

	h.waitDisconnect = false

	if h.connectPending {
		h.sendDeviceConnect()
	}
}
