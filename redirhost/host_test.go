package redirhost

import (
	"bytes"
	"io/ioutil"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hanwen/go-usbredir/filter"
	"github.com/hanwen/go-usbredir/log"
	"github.com/hanwen/go-usbredir/redir"
)

func quietChildren() *log.Children {
	parent := &logrus.Logger{
		Out:       ioutil.Discard,
		Level:     logrus.PanicLevel,
		Formatter: &logrus.TextFormatter{},
	}
	return log.PrepareChildren(parent, false, false, false, false)
}

// guestRec records everything the guest-side parser dispatches,
// including the packet order on the wire.
type guestRec struct {
	redir.NopConsumer

	order []uint32

	deviceConnects []*redir.DeviceConnectHeader
	disconnects    int
	interfaceInfos []*redir.InterfaceInfoHeader
	epInfos        []*redir.EpInfoHeader

	configStatuses []*redir.ConfigurationStatusHeader
	configIDs      []uint64
	altStatuses    []*redir.AltSettingStatusHeader

	isoStatuses       []*redir.IsoStreamStatusHeader
	interruptStatuses []*redir.InterruptReceivingStatusHeader
	bulkRecvStatuses  []*redir.BulkReceivingStatusHeader
	streamsStatuses   []*redir.BulkStreamsStatusHeader

	controlIDs     []uint64
	controlReplies []*redir.ControlPacketHeader
	controlData    [][]byte
	bulkIDs        []uint64
	bulkReplies    []*redir.BulkPacketHeader
	bulkData       [][]byte
	interruptPkts  []*redir.InterruptPacketHeader
	interruptData  [][]byte
	isoPkts        []*redir.IsoPacketHeader
}

func (r *guestRec) DeviceConnect(h *redir.DeviceConnectHeader) {
	r.order = append(r.order, redir.PktDeviceConnect)
	r.deviceConnects = append(r.deviceConnects, h)
}

func (r *guestRec) DeviceDisconnect() {
	r.order = append(r.order, redir.PktDeviceDisconnect)
	r.disconnects++
}

func (r *guestRec) InterfaceInfo(h *redir.InterfaceInfoHeader) {
	r.order = append(r.order, redir.PktInterfaceInfo)
	r.interfaceInfos = append(r.interfaceInfos, h)
}

func (r *guestRec) EpInfo(h *redir.EpInfoHeader) {
	r.order = append(r.order, redir.PktEpInfo)
	r.epInfos = append(r.epInfos, h)
}

func (r *guestRec) ConfigurationStatus(id uint64, h *redir.ConfigurationStatusHeader) {
	r.order = append(r.order, redir.PktConfigurationStatus)
	r.configIDs = append(r.configIDs, id)
	r.configStatuses = append(r.configStatuses, h)
}

func (r *guestRec) AltSettingStatus(id uint64, h *redir.AltSettingStatusHeader) {
	r.order = append(r.order, redir.PktAltSettingStatus)
	r.altStatuses = append(r.altStatuses, h)
}

func (r *guestRec) IsoStreamStatus(id uint64, h *redir.IsoStreamStatusHeader) {
	r.order = append(r.order, redir.PktIsoStreamStatus)
	r.isoStatuses = append(r.isoStatuses, h)
}

func (r *guestRec) InterruptReceivingStatus(id uint64, h *redir.InterruptReceivingStatusHeader) {
	r.order = append(r.order, redir.PktInterruptReceivingStatus)
	r.interruptStatuses = append(r.interruptStatuses, h)
}

func (r *guestRec) BulkReceivingStatus(id uint64, h *redir.BulkReceivingStatusHeader) {
	r.order = append(r.order, redir.PktBulkReceivingStatus)
	r.bulkRecvStatuses = append(r.bulkRecvStatuses, h)
}

func (r *guestRec) BulkStreamsStatus(id uint64, h *redir.BulkStreamsStatusHeader) {
	r.order = append(r.order, redir.PktBulkStreamsStatus)
	r.streamsStatuses = append(r.streamsStatuses, h)
}

func (r *guestRec) ControlPacket(id uint64, h *redir.ControlPacketHeader, data []byte) {
	r.order = append(r.order, redir.PktControlPacket)
	r.controlIDs = append(r.controlIDs, id)
	r.controlReplies = append(r.controlReplies, h)
	r.controlData = append(r.controlData, data)
}

func (r *guestRec) BulkPacket(id uint64, h *redir.BulkPacketHeader, data []byte) {
	r.order = append(r.order, redir.PktBulkPacket)
	r.bulkIDs = append(r.bulkIDs, id)
	r.bulkReplies = append(r.bulkReplies, h)
	r.bulkData = append(r.bulkData, data)
}

func (r *guestRec) InterruptPacket(id uint64, h *redir.InterruptPacketHeader, data []byte) {
	r.order = append(r.order, redir.PktInterruptPacket)
	r.interruptPkts = append(r.interruptPkts, h)
	r.interruptData = append(r.interruptData, data)
}

func (r *guestRec) IsoPacket(id uint64, h *redir.IsoPacketHeader, data []byte) {
	r.order = append(r.order, redir.PktIsoPacket)
	r.isoPkts = append(r.isoPkts, h)
}

type guestLink struct {
	parser  *redir.Parser
	rec     *guestRec
	toHost  bytes.Buffer
	toGuest bytes.Buffer
}

func newTestHost(t *testing.T) (*Host, *fakeDevice, *guestLink) {
	gl := &guestLink{rec: &guestRec{}}

	caps := make([]uint32, redir.CapsSize)
	redir.CapsSetCap(caps, redir.CapConnectDeviceVersion)
	redir.CapsSetCap(caps, redir.CapFilter)
	redir.CapsSetCap(caps, redir.CapEpInfoMaxPacketSize)
	redir.CapsSetCap(caps, redir.Cap64BitsIds)
	redir.CapsSetCap(caps, redir.Cap32BitsBulkLength)
	redir.CapsSetCap(caps, redir.CapBulkReceiving)
	redir.CapsSetCap(caps, redir.CapBulkStreams)

	parser, err := redir.New(redir.Config{
		Version: "test guest",
		Caps:    caps,
		Read: func(buf []byte) int {
			n, _ := gl.toGuest.Read(buf)
			return n
		},
		Write: func(buf []byte) int {
			gl.toHost.Write(buf)
			return len(buf)
		},
		Consumer: gl.rec,
		Log:      log.NewChildLogger(&logrus.Logger{Out: ioutil.Discard, Level: logrus.PanicLevel, Formatter: &logrus.TextFormatter{}}, "guest", false),
	})
	if err != nil {
		t.Fatal(err)
	}
	gl.parser = parser

	fd := newFakeDevice()
	h, err := Open(Config{
		Device:  fd,
		Version: "test host",
		Read: func(buf []byte) int {
			n, _ := gl.toHost.Read(buf)
			return n
		},
		Write: func(buf []byte) int {
			gl.toGuest.Write(buf)
			return len(buf)
		},
		Log: quietChildren(),
	})
	if err != nil {
		t.Fatal(err)
	}

	return h, fd, gl
}

// pump shuttles bytes both ways until everything settles.
func pump(t *testing.T, h *Host, gl *guestLink) {
	for i := 0; i < 100; i++ {
		if gl.parser.HasDataToWrite() == 0 && h.HasDataToWrite() == 0 &&
			gl.toHost.Len() == 0 && gl.toGuest.Len() == 0 {
			return
		}
		if r := gl.parser.DoWrite(); r < 0 {
			t.Fatalf("guest DoWrite: %d", r)
		}
		if r := h.ReadGuestData(); r < 0 {
			t.Fatalf("host ReadGuestData: %d", r)
		}
		if r := h.WriteGuestData(); r < 0 {
			t.Fatalf("host WriteGuestData: %d", r)
		}
		if r := gl.parser.DoRead(); r < 0 {
			t.Fatalf("guest DoRead: %d", r)
		}
	}
	t.Fatalf("pump did not settle")
}

func waitUntil(t *testing.T, desc string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", desc)
}

func lastN(order []uint32, n int) []uint32 {
	if len(order) < n {
		return order
	}
	return order[len(order)-n:]
}

func TestConnectHandshake(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()

	pump(t, h, gl)

	if len(gl.rec.deviceConnects) != 1 {
		t.Fatalf("got %d device_connects, want 1", len(gl.rec.deviceConnects))
	}
	dc := gl.rec.deviceConnects[0]
	if dc.VendorID != 0x1234 || dc.ProductID != 0x5678 || dc.Speed != redir.SpeedHigh {
		t.Errorf("device_connect = %+v", dc)
	}
	if dc.DeviceVersionBCD != 0x0100 {
		t.Errorf("device version = %x, want 0100", dc.DeviceVersionBCD)
	}

	// interface_info and ep_info precede the connect.
	want := []uint32{redir.PktInterfaceInfo, redir.PktEpInfo, redir.PktDeviceConnect}
	got := lastN(gl.rec.order, 3)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("packet order = %v, want %v", got, want)
		}
	}

	ep := gl.rec.epInfos[0]
	i := ep2i(0x83)
	if ep.Type[i] != redir.TypeInterrupt || ep.Interval[i] != 10 || ep.MaxPacketSize[i] != 8 {
		t.Errorf("ep 0x83 info: type %d interval %d mps %d",
			ep.Type[i], ep.Interval[i], ep.MaxPacketSize[i])
	}

	if fd.resets != 1 {
		t.Errorf("resets = %d, want 1 (initial)", fd.resets)
	}
	if !fd.claimed[0] {
		t.Errorf("interface 0 not claimed")
	}
}

func TestSetConfigurationOrdering(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	gl.parser.SendSetConfiguration(5, &redir.SetConfigurationHeader{Configuration: 2})
	pump(t, h, gl)

	want := []uint32{redir.PktInterfaceInfo, redir.PktEpInfo, redir.PktConfigurationStatus}
	got := lastN(gl.rec.order, 3)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("packet order = %v, want %v", got, want)
		}
	}
	if len(fd.setConfigs) != 1 || fd.setConfigs[0] != 2 {
		t.Errorf("setConfigs = %v", fd.setConfigs)
	}
	if gl.rec.configIDs[len(gl.rec.configIDs)-1] != 5 {
		t.Errorf("status id = %d, want 5", gl.rec.configIDs[len(gl.rec.configIDs)-1])
	}
	st := gl.rec.configStatuses[len(gl.rec.configStatuses)-1]
	if st.Status != redir.StatusSuccess {
		t.Errorf("status = %d", st.Status)
	}
}

func TestSetConfigurationNoop(t *testing.T) {
	h, _, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)
	before := len(gl.rec.epInfos)

	// Same configuration value: status only, no new layout packets.
	gl.parser.SendSetConfiguration(6, &redir.SetConfigurationHeader{Configuration: 1})
	pump(t, h, gl)

	if len(gl.rec.epInfos) != before {
		t.Errorf("noop set_configuration re-sent ep_info")
	}
	if got := lastN(gl.rec.order, 1)[0]; got != redir.PktConfigurationStatus {
		t.Errorf("last packet = %d, want configuration_status", got)
	}
}

func TestSetAltSetting(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	gl.parser.SendSetAltSetting(7, &redir.SetAltSettingHeader{Interface: 0, Alt: 1})
	pump(t, h, gl)

	if len(fd.altCalls) != 1 || fd.altCalls[0] != [2]int{0, 1} {
		t.Fatalf("altCalls = %v", fd.altCalls)
	}

	want := []uint32{redir.PktInterfaceInfo, redir.PktEpInfo, redir.PktAltSettingStatus}
	got := lastN(gl.rec.order, 3)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("packet order = %v, want %v", got, want)
		}
	}
	st := gl.rec.altStatuses[len(gl.rec.altStatuses)-1]
	if st.Status != redir.StatusSuccess || st.Alt != 1 || st.Interface != 0 {
		t.Errorf("alt status = %+v", st)
	}

	// Alt setting 1 only has ep 0x81; the other slots of the interface
	// are wiped.
	if h.endpoint[ep2i(0x81)].typ != redir.TypeBulk {
		t.Errorf("ep 0x81 type = %d", h.endpoint[ep2i(0x81)].typ)
	}
	for _, ep := range []uint8{0x01, 0x02, 0x82, 0x83} {
		if h.endpoint[ep2i(ep)].typ != redir.TypeInvalid {
			t.Errorf("ep %02x type = %d, want invalid", ep, h.endpoint[ep2i(ep)].typ)
		}
	}
}

func TestSetAltSettingUnknownInterface(t *testing.T) {
	h, _, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	gl.parser.SendSetAltSetting(8, &redir.SetAltSettingHeader{Interface: 9, Alt: 0})
	pump(t, h, gl)

	st := gl.rec.altStatuses[len(gl.rec.altStatuses)-1]
	if st.Status != redir.StatusInval || st.Alt != 0xff {
		t.Errorf("alt status = %+v, want inval/0xff", st)
	}
}

// S4: an output iso stream does not submit until half the ring is
// buffered.
func TestIsoOutUnderrun(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	gl.parser.SendStartIsoStream(1, &redir.StartIsoStreamHeader{
		Endpoint: 0x02, PktsPerTransfer: 8, TransferCount: 4})
	pump(t, h, gl)

	if len(gl.rec.isoStatuses) != 1 || gl.rec.isoStatuses[0].Status != redir.StatusSuccess {
		t.Fatalf("iso stream status = %+v", gl.rec.isoStatuses)
	}
	if n := fd.pendingOn(0x02); n != 0 {
		t.Fatalf("output stream submitted %d transfers at start", n)
	}

	payload := []byte{1, 2, 3, 4}
	for id := uint64(0); id < 15; id++ {
		gl.parser.SendIsoPacket(id, &redir.IsoPacketHeader{
			Endpoint: 0x02, Length: 4}, payload)
	}
	pump(t, h, gl)

	if n := fd.pendingOn(0x02); n != 0 {
		t.Fatalf("submitted %d transfers before threshold", n)
	}

	// The 16th packet reaches half the ring (8 * 4 / 2) and starts the
	// stream.
	gl.parser.SendIsoPacket(15, &redir.IsoPacketHeader{Endpoint: 0x02, Length: 4}, payload)
	pump(t, h, gl)

	if n := fd.pendingOn(0x02); n != 2 {
		t.Fatalf("submitted %d transfers at threshold, want 2", n)
	}
	slot := &h.endpoint[ep2i(0x02)]
	if slot.transfer[0].packetIdx != submittedIdx {
		t.Errorf("transfer 0 packetIdx = %d, want submitted", slot.transfer[0].packetIdx)
	}
	if !slot.streamStarted {
		t.Errorf("stream not marked started")
	}
}

func TestIsoStartBadParams(t *testing.T) {
	h, _, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	for _, tc := range []struct {
		pkts, count uint8
		ok          bool
	}{
		{1, 1, true},
		{32, 16, true},
		{0, 4, false},
		{33, 4, false},
		{8, 0, false},
		{8, 17, false},
	} {
		gl.rec.isoStatuses = nil
		gl.parser.SendStartIsoStream(1, &redir.StartIsoStreamHeader{
			Endpoint: 0x02, PktsPerTransfer: tc.pkts, TransferCount: tc.count})
		pump(t, h, gl)

		st := gl.rec.isoStatuses[len(gl.rec.isoStatuses)-1]
		if tc.ok && st.Status != redir.StatusSuccess {
			t.Errorf("pkts %d count %d: status %d, want success", tc.pkts, tc.count, st.Status)
		}
		if !tc.ok && st.Status == redir.StatusSuccess {
			t.Errorf("pkts %d count %d: accepted", tc.pkts, tc.count)
		}

		// Tear down for the next round.
		gl.parser.SendStopIsoStream(2, &redir.StopIsoStreamHeader{Endpoint: 0x02})
		pump(t, h, gl)
	}
}

func TestStartStreamTwiceInval(t *testing.T) {
	h, _, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	gl.parser.SendStartIsoStream(1, &redir.StartIsoStreamHeader{
		Endpoint: 0x02, PktsPerTransfer: 8, TransferCount: 4})
	gl.parser.SendStartIsoStream(2, &redir.StartIsoStreamHeader{
		Endpoint: 0x02, PktsPerTransfer: 8, TransferCount: 4})
	pump(t, h, gl)

	if len(gl.rec.isoStatuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(gl.rec.isoStatuses))
	}
	if gl.rec.isoStatuses[1].Status != redir.StatusInval {
		t.Errorf("second start status = %d, want inval", gl.rec.isoStatuses[1].Status)
	}
}

// S5: a cancelled one-shot yields exactly one reply, with status
// cancelled, regardless of how the native completion races.
func TestCancelRace(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	gl.parser.SendControlPacket(42, &redir.ControlPacketHeader{
		Endpoint: 0x00, Request: 9, RequestType: 0x00, Length: 4}, payload)
	pump(t, h, gl)

	if fd.pendingOn(0x00) != 1 {
		t.Fatalf("control transfer not submitted")
	}

	gl.parser.SendCancelDataPacket(42)
	pump(t, h, gl)

	// The cancel reply is synthesized immediately.
	if len(gl.rec.controlReplies) != 1 {
		t.Fatalf("got %d control replies, want 1", len(gl.rec.controlReplies))
	}
	rep := gl.rec.controlReplies[0]
	if rep.Status != redir.StatusCancelled || rep.Length != 0 {
		t.Errorf("cancel reply = %+v", rep)
	}
	if gl.rec.controlIDs[0] != 42 {
		t.Errorf("cancel reply id = %d", gl.rec.controlIDs[0])
	}

	// The native cancel completion must not produce a second reply.
	waitUntil(t, "transfer list drained", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.transfersHead.next == nil
	})
	pump(t, h, gl)
	if len(gl.rec.controlReplies) != 1 {
		t.Errorf("late completion produced a second reply")
	}
}

func TestCancelRaceLateSuccess(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	gl.parser.SendControlPacket(43, &redir.ControlPacketHeader{
		Endpoint: 0x00, Request: 9, Length: 0}, nil)
	pump(t, h, gl)

	// The native layer completes the transfer concurrently with the
	// cancel: take it out of the fake's queue first, so the engine's
	// cancel finds nothing to cancel.
	x := fd.take(0x00)
	if x == nil {
		t.Fatalf("no pending control transfer")
	}

	gl.parser.SendCancelDataPacket(43)
	pump(t, h, gl)

	if len(gl.rec.controlReplies) != 1 || gl.rec.controlReplies[0].Status != redir.StatusCancelled {
		t.Fatalf("replies after cancel: %+v", gl.rec.controlReplies)
	}

	// The late successful completion is discarded.
	complete(x, TransferCompleted, 0)
	pump(t, h, gl)
	if len(gl.rec.controlReplies) != 1 {
		t.Errorf("late success produced a second reply")
	}
}

func TestControlOneShot(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	// GET_DESCRIPTOR-style IN transfer.
	gl.parser.SendControlPacket(10, &redir.ControlPacketHeader{
		Endpoint: 0x80, Request: 6, RequestType: 0x80, Value: 0x0100, Length: 18}, nil)
	pump(t, h, gl)

	x := fd.take(0x80)
	if x == nil {
		t.Fatalf("no pending control transfer")
	}
	if len(x.Buffer) != controlSetupSize+18 {
		t.Fatalf("buffer len = %d", len(x.Buffer))
	}
	if x.Buffer[0] != 0x80 || x.Buffer[1] != 6 {
		t.Errorf("setup packet = % x", x.Buffer[:8])
	}

	copy(x.Buffer[controlSetupSize:], []byte{18, 1, 0, 2})
	complete(x, TransferCompleted, 18)
	pump(t, h, gl)

	if len(gl.rec.controlReplies) != 1 {
		t.Fatalf("got %d replies", len(gl.rec.controlReplies))
	}
	rep := gl.rec.controlReplies[0]
	if rep.Status != redir.StatusSuccess || rep.Length != 18 {
		t.Errorf("reply = %+v", rep)
	}
	if len(gl.rec.controlData[0]) != 18 || gl.rec.controlData[0][0] != 18 {
		t.Errorf("reply data = % x", gl.rec.controlData[0])
	}
}

func TestControlOnNonControlEp(t *testing.T) {
	h, _, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	gl.parser.SendControlPacket(11, &redir.ControlPacketHeader{
		Endpoint: 0x81, Request: 6, RequestType: 0x80, Length: 0}, nil)
	pump(t, h, gl)

	if len(gl.rec.controlReplies) != 1 || gl.rec.controlReplies[0].Status != redir.StatusInval {
		t.Errorf("replies = %+v", gl.rec.controlReplies)
	}
}

// A clear-stall control request becomes a native clear halt instead of
// a forwarded control transfer.
func TestClearHaltPassthrough(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	gl.parser.SendControlPacket(12, &redir.ControlPacketHeader{
		Endpoint:    0x00,
		RequestType: 0x02, // endpoint recipient
		Request:     0x01, // CLEAR_FEATURE
		Value:       0x00, // ENDPOINT_HALT
		Index:       0x81,
		Length:      0,
	}, nil)
	pump(t, h, gl)

	if len(fd.clearHalts) != 1 || fd.clearHalts[0] != 0x81 {
		t.Fatalf("clearHalts = %v", fd.clearHalts)
	}
	if fd.pendingOn(0x00) != 0 {
		t.Errorf("clear stall was forwarded as a control transfer")
	}
	if len(gl.rec.controlReplies) != 1 || gl.rec.controlReplies[0].Status != redir.StatusSuccess {
		t.Errorf("replies = %+v", gl.rec.controlReplies)
	}
}

func TestBulkOneShot(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	// OUT with payload.
	payload := bytes.Repeat([]byte{0xab}, 512)
	gl.parser.SendBulkPacket(7, &redir.BulkPacketHeader{
		Endpoint: 0x01, Length: 512}, payload)
	pump(t, h, gl)

	x := fd.take(0x01)
	if x == nil {
		t.Fatalf("no pending bulk transfer")
	}
	if !bytes.Equal(x.Buffer, payload) {
		t.Errorf("bulk out buffer mangled")
	}
	complete(x, TransferCompleted, 512)
	pump(t, h, gl)

	if len(gl.rec.bulkReplies) != 1 {
		t.Fatalf("got %d bulk replies", len(gl.rec.bulkReplies))
	}
	rep := gl.rec.bulkReplies[0]
	if rep.Status != redir.StatusSuccess || rep.Length != 512 || len(gl.rec.bulkData[0]) != 0 {
		t.Errorf("bulk out reply = %+v data %d", rep, len(gl.rec.bulkData[0]))
	}

	// IN: the engine allocates the buffer.
	gl.parser.SendBulkPacket(8, &redir.BulkPacketHeader{
		Endpoint: 0x81, Length: 1024}, nil)
	pump(t, h, gl)

	x = fd.take(0x81)
	if x == nil {
		t.Fatalf("no pending bulk in transfer")
	}
	if len(x.Buffer) != 1024 {
		t.Fatalf("bulk in buffer len = %d", len(x.Buffer))
	}
	copy(x.Buffer, []byte("hello"))
	complete(x, TransferCompleted, 5)
	pump(t, h, gl)

	rep = gl.rec.bulkReplies[1]
	if rep.Status != redir.StatusSuccess || rep.Length != 5 {
		t.Errorf("bulk in reply = %+v", rep)
	}
	if string(gl.rec.bulkData[1]) != "hello" {
		t.Errorf("bulk in data = %q", gl.rec.bulkData[1])
	}
}

func TestInterruptReceiving(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	gl.parser.SendStartInterruptReceiving(9, &redir.StartInterruptReceivingHeader{Endpoint: 0x83})
	pump(t, h, gl)

	if len(gl.rec.interruptStatuses) != 1 || gl.rec.interruptStatuses[0].Status != redir.StatusSuccess {
		t.Fatalf("interrupt statuses = %+v", gl.rec.interruptStatuses)
	}
	if n := fd.pendingOn(0x83); n != interruptTransferCount {
		t.Fatalf("pending = %d, want %d", n, interruptTransferCount)
	}

	x := fd.take(0x83)
	copy(x.Buffer, []byte{9, 9, 9, 9, 9, 9, 9, 9})
	complete(x, TransferCompleted, 8)
	pump(t, h, gl)

	if len(gl.rec.interruptPkts) != 1 || gl.rec.interruptPkts[0].Length != 8 {
		t.Fatalf("interrupt packets = %+v", gl.rec.interruptPkts)
	}
	// The transfer is resubmitted.
	waitUntil(t, "resubmit", func() bool { return fd.pendingOn(0x83) == interruptTransferCount })
}

// A stalled stream transfer triggers clear halt and reallocation, with
// no status packet on success.
func TestStreamStallRecovery(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	gl.parser.SendStartInterruptReceiving(9, &redir.StartInterruptReceivingHeader{Endpoint: 0x83})
	pump(t, h, gl)
	statuses := len(gl.rec.interruptStatuses)

	x := fd.take(0x83)
	complete(x, TransferStall, 0)

	waitUntil(t, "stream reallocated", func() bool {
		return fd.pendingOn(0x83) == interruptTransferCount
	})
	waitUntil(t, "cancels drained", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.cancelsPending == 0
	})

	fd.mu.Lock()
	halts := len(fd.clearHalts)
	fd.mu.Unlock()
	if halts != 1 || fd.clearHalts[0] != 0x83 {
		t.Errorf("clearHalts = %v", fd.clearHalts)
	}

	pump(t, h, gl)
	if len(gl.rec.interruptStatuses) != statuses {
		t.Errorf("stall recovery sent a status packet: %+v", gl.rec.interruptStatuses)
	}
}

// A failed clear halt reports stall to the guest instead.
func TestStreamStallRecoveryFails(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	gl.parser.SendStartInterruptReceiving(9, &redir.StartInterruptReceivingHeader{Endpoint: 0x83})
	pump(t, h, gl)

	fd.mu.Lock()
	fd.clearHaltErr = ErrIO
	fd.mu.Unlock()

	x := fd.take(0x83)
	complete(x, TransferStall, 0)

	waitUntil(t, "cancels drained", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.cancelsPending == 0
	})
	pump(t, h, gl)

	last := gl.rec.interruptStatuses[len(gl.rec.interruptStatuses)-1]
	if last.Status != redir.StatusStall {
		t.Errorf("status = %d, want stall", last.Status)
	}
}

func TestStopStream(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	gl.parser.SendStartInterruptReceiving(9, &redir.StartInterruptReceivingHeader{Endpoint: 0x83})
	pump(t, h, gl)

	gl.parser.SendStopInterruptReceiving(10, &redir.StopInterruptReceivingHeader{Endpoint: 0x83})
	pump(t, h, gl)

	last := gl.rec.interruptStatuses[len(gl.rec.interruptStatuses)-1]
	if last.Status != redir.StatusSuccess {
		t.Errorf("stop status = %d, want success", last.Status)
	}
	waitUntil(t, "cancels drained", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.cancelsPending == 0
	})
	if h.endpoint[ep2i(0x83)].transferCount != 0 {
		t.Errorf("ring not torn down")
	}
}

// A no-device completion triggers disconnect; a replacement device is
// announced only after the guest acks.
func TestDisconnectReconnect(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	gl.parser.SendControlPacket(20, &redir.ControlPacketHeader{
		Endpoint: 0x00, Request: 9, Length: 0}, nil)
	pump(t, h, gl)

	x := fd.take(0x00)
	complete(x, TransferNoDevice, 0)
	pump(t, h, gl)

	if gl.rec.disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", gl.rec.disconnects)
	}
	// The guest parser acked automatically during the pump, so a new
	// device can be announced right away.
	fd2 := newFakeDevice()
	if st := h.SetDevice(fd2); st != redir.StatusSuccess {
		t.Fatalf("SetDevice: %d", st)
	}
	pump(t, h, gl)

	if len(gl.rec.deviceConnects) != 2 {
		t.Errorf("device_connects = %d, want 2", len(gl.rec.deviceConnects))
	}
}

func TestFilterReject(t *testing.T) {
	h, _, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	gl.parser.SendFilterReject()
	gl.parser.DoWrite()

	if r := h.ReadGuestData(); r != ReadDeviceRejected {
		t.Fatalf("ReadGuestData = %d, want %d", r, ReadDeviceRejected)
	}
}

func TestGuestFilterStored(t *testing.T) {
	h, _, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	rules := []filter.Rule{{DeviceClass: -1, VendorID: 0x1234, ProductID: -1, DeviceVersionBCD: -1, Allow: true}}
	gl.parser.SendFilterFilter(rules)
	pump(t, h, gl)

	got := h.GuestFilter()
	if len(got) != 1 || got[0] != rules[0] {
		t.Errorf("GuestFilter = %+v", got)
	}
}

func TestAllocBulkStreams(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	mask := uint32(1) << uint(ep2i(0x81))
	gl.parser.SendAllocBulkStreams(30, &redir.AllocBulkStreamsHeader{
		Endpoints: mask, NoStreams: 4})
	pump(t, h, gl)

	if fd.allocStreamCalls != 1 {
		t.Errorf("allocStreamCalls = %d", fd.allocStreamCalls)
	}
	if len(gl.rec.streamsStatuses) != 1 {
		t.Fatalf("streams statuses = %+v", gl.rec.streamsStatuses)
	}
	st := gl.rec.streamsStatuses[0]
	if st.Status != redir.StatusSuccess || st.NoStreams != 4 || st.Endpoints != mask {
		t.Errorf("streams status = %+v", st)
	}

	gl.parser.SendFreeBulkStreams(31, &redir.FreeBulkStreamsHeader{Endpoints: mask})
	pump(t, h, gl)
	if fd.freeStreamCalls != 1 {
		t.Errorf("freeStreamCalls = %d", fd.freeStreamCalls)
	}
}

// The reset latch makes a reset right after connect a no-op; any
// submission clears it.
func TestResetLatch(t *testing.T) {
	h, fd, gl := newTestHost(t)
	defer h.Close()
	pump(t, h, gl)

	if fd.resets != 1 {
		t.Fatalf("initial resets = %d", fd.resets)
	}

	gl.parser.SendReset()
	pump(t, h, gl)
	if fd.resets != 1 {
		t.Errorf("reset after connect was not latched away: %d", fd.resets)
	}

	// A control transfer clears the latch.
	gl.parser.SendControlPacket(21, &redir.ControlPacketHeader{
		Endpoint: 0x00, Request: 9, Length: 0}, nil)
	pump(t, h, gl)
	x := fd.take(0x00)
	complete(x, TransferCompleted, 0)
	pump(t, h, gl)

	gl.parser.SendReset()
	pump(t, h, gl)
	if fd.resets != 2 {
		t.Errorf("resets = %d, want 2", fd.resets)
	}
}
