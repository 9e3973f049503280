package redir

import (
	"fmt"

	"github.com/hanwen/go-usbredir/filter"
	"github.com/hanwen/go-usbredir/log"
)

type Flags int

const (
	// FlagUSBHost marks the parser as running on the device side.
	FlagUSBHost Flags = 0x01
	// FlagWriteCBOwnsBuffer hands each queued buffer to the write
	// callback in one piece; partial writes are then a fatal
	// programming error.
	FlagWriteCBOwnsBuffer Flags = 0x02
	// FlagNoHello suppresses the automatic hello on creation.
	FlagNoHello Flags = 0x04
)

// ReadFunc reads up to len(buf) bytes from the transport into buf. It
// returns the number of bytes read, 0 when the read would block, or a
// negative value on a fatal transport error.
type ReadFunc func(buf []byte) int

// WriteFunc writes buf to the transport, returning the number of bytes
// written, 0 when the write would block, or a negative value on a fatal
// transport error.
type WriteFunc func(buf []byte) int

// DoRead return values (0 means all available data was consumed).
const (
	ReadIOError    = -1
	ReadParseError = -2
)

// DoWrite return value on a failed write.
const WriteIOError = -1

// Config carries everything needed to create a Parser.
type Config struct {
	// Version is the free-form software version announced in the hello.
	Version string
	// Caps are our capability words (see CapsSetCap).
	Caps  []uint32
	Flags Flags

	Read  ReadFunc
	Write WriteFunc

	Consumer Consumer
	Log      *log.ChildLogger
}

// Parser frames and unframes the usbredir packet stream. One goroutine
// at a time may call DoRead (and Serialize/Unserialize); the send
// operations, HasDataToWrite, DoWrite and BufferedOutputSize may be
// called concurrently from any goroutine.
type Parser struct {
	log   *log.ChildLogger
	cb    Consumer
	read  ReadFunc
	write WriteFunc

	flags Flags

	havePeerCaps bool
	ourCaps      [CapsSize]uint32
	peerCaps     [CapsSize]uint32

	// Reader state. hdr and typeHdr hold raw wire bytes; they are
	// only decoded once complete.
	hdr         [headerLen64]byte
	hdrRead     int
	typeHdr     [maxTypeHeaderLen]byte
	typeHdrLen  int
	typeHdrRead int
	data        []byte
	dataLen     int
	dataRead    int
	toSkip      int

	wq *writeQueue
}

// CapsSetCap sets capability bit cap in a capability word array.
func CapsSetCap(caps []uint32, cap int) {
	caps[cap/32] |= 1 << (uint(cap) % 32)
}

// New creates a Parser. Unless FlagNoHello is given, a hello packet
// announcing version and caps is queued immediately.
func New(c Config) (*Parser, error) {
	if c.Consumer == nil {
		return nil, fmt.Errorf("redir: config without consumer")
	}
	if c.Read == nil || c.Write == nil {
		return nil, fmt.Errorf("redir: config without transport callbacks")
	}
	if c.Log == nil {
		c.Log = log.NewChildLogger(log.Root, "parser", false)
	}

	p := &Parser{
		log:   c.Log,
		cb:    c.Consumer,
		read:  c.Read,
		write: c.Write,
		flags: c.Flags &^ FlagNoHello,
		wq:    newWriteQueue(),
	}

	for i := 0; i < CapsSize && i < len(c.Caps); i++ {
		p.ourCaps[i] = c.Caps[i]
	}
	// The parser handles sending the disconnect ack internally.
	if p.flags&FlagUSBHost == 0 {
		CapsSetCap(p.ourCaps[:], CapDeviceDisconnectAck)
	}
	p.verifyCaps(p.ourCaps[:], "our")

	if c.Flags&FlagNoHello == 0 {
		data := make([]byte, CapsSize*4)
		for i, w := range p.ourCaps {
			le.PutUint32(data[4*i:], w)
		}
		p.queuePacket(PktHello, 0, &HelloHeader{Version: c.Version}, data)
	}
	return p, nil
}

func (p *Parser) verifyCaps(caps []uint32, desc string) {
	if capsGetCap(caps, CapBulkStreams) &&
		!capsGetCap(caps, CapEpInfoMaxPacketSize) {
		p.log.Errorf("error %s caps contains cap_bulk_streams without cap_ep_info_max_packet_size", desc)
		caps[0] &^= 1 << CapBulkStreams
	}
}

func capsGetCap(caps []uint32, cap int) bool {
	if cap/32 >= len(caps) {
		return false
	}
	return caps[cap/32]&(1<<(uint(cap)%32)) != 0
}

// HaveCap reports whether our side has the capability.
func (p *Parser) HaveCap(cap int) bool {
	return capsGetCap(p.ourCaps[:], cap)
}

// HavePeerCaps reports whether the peer's hello has been received.
func (p *Parser) HavePeerCaps() bool {
	return p.havePeerCaps
}

// PeerHasCap reports whether the peer announced the capability. Not
// meaningful before the hello has been received.
func (p *Parser) PeerHasCap(cap int) bool {
	return capsGetCap(p.peerCaps[:], cap)
}

func (p *Parser) hasCapBoth(cap int) bool {
	return p.HaveCap(cap) && p.PeerHasCap(cap)
}

func (p *Parser) using32BitsIds() bool {
	return !p.hasCapBoth(Cap64BitsIds)
}

func (p *Parser) headerLen() int {
	if p.using32BitsIds() {
		return headerLen32
	}
	return headerLen64
}

func (p *Parser) hdrType() uint32   { return le.Uint32(p.hdr[0:]) }
func (p *Parser) hdrLength() uint32 { return le.Uint32(p.hdr[4:]) }

func (p *Parser) hdrID() uint64 {
	if p.using32BitsIds() {
		return uint64(le.Uint32(p.hdr[8:]))
	}
	return le.Uint64(p.hdr[8:])
}

// enterSkip arms skip mode so that the payload of an invalid frame is
// discarded on subsequent reads, keeping the framer synchronized with
// the peer.
func (p *Parser) enterSkip() int {
	p.toSkip = int(p.hdrLength())
	p.hdrRead = 0
	return ReadParseError
}

// DoRead consumes data from the transport until it would block.
// Returns 0 when all available data was parsed, ReadIOError on a fatal
// transport error, or ReadParseError after an invalid frame (parsing
// resumes at the next packet on the following call).
func (p *Parser) DoRead() int {
	headerLen := p.headerLen()

	// Skip forward to the next packet (only used in error conditions).
	for p.toSkip > 0 {
		var buf [65536]byte
		n := p.toSkip
		if n > len(buf) {
			n = len(buf)
		}
		n = p.read(buf[:n])
		if n <= 0 {
			return n
		}
		p.toSkip -= n
	}

	// Consume data until the read would block or returns an error.
	for {
		var dest []byte
		if p.hdrRead < headerLen {
			dest = p.hdr[p.hdrRead:headerLen]
		} else if p.typeHdrRead < p.typeHdrLen {
			dest = p.typeHdr[p.typeHdrRead:p.typeHdrLen]
		} else {
			dest = p.data[p.dataRead:p.dataLen]
		}

		r := 0
		if len(dest) > 0 {
			r = p.read(dest)
			if r <= 0 {
				return r
			}
		}

		if p.hdrRead < headerLen {
			p.hdrRead += r
			if p.hdrRead == headerLen {
				typeHdrLen := p.typeHeaderLen(p.hdrType(), false)
				if typeHdrLen < 0 {
					p.log.Errorf("error invalid usb-redir packet type: %d", p.hdrType())
					return p.enterSkip()
				}
				if int64(p.hdrLength()) > MaxPacketSize {
					p.log.Errorf("packet length of %d larger than permitted %d bytes",
						p.hdrLength(), MaxPacketSize)
					return p.enterSkip()
				}
				if int(p.hdrLength()) < typeHdrLen ||
					(int(p.hdrLength()) > typeHdrLen && !expectExtraData(p.hdrType())) {
					p.log.Errorf("error invalid packet type %d length: %d",
						p.hdrType(), p.hdrLength())
					return p.enterSkip()
				}
				dataLen := int(p.hdrLength()) - typeHdrLen
				if dataLen > 0 {
					p.data = make([]byte, dataLen)
				}
				p.typeHdrLen = typeHdrLen
				p.dataLen = dataLen
			}
		} else if p.typeHdrRead < p.typeHdrLen {
			p.typeHdrRead += r
		} else {
			p.dataRead += r
			if p.dataRead == p.dataLen {
				pktType := p.hdrType()
				id := p.hdrID()
				hdr := decodeTypeHeader(pktType, p.typeHdr[:p.typeHdrLen])
				data := p.data

				ok := p.verifyTypeHeader(pktType, hdr, data, false)

				p.hdrRead = 0
				p.typeHdrLen = 0
				p.typeHdrRead = 0
				p.data = nil
				p.dataLen = 0
				p.dataRead = 0

				if !ok {
					return ReadParseError
				}
				p.dispatch(pktType, id, hdr, data)

				// The header length may change if this was a hello.
				headerLen = p.headerLen()
			}
		}
	}
}

func (p *Parser) verifyBulkRecvCap(send bool) bool {
	if (send && !p.PeerHasCap(CapBulkReceiving)) ||
		(!send && !p.HaveCap(CapBulkReceiving)) {
		p.log.Error("error bulk_receiving without cap_bulk_receiving")
		return false
	}
	return true
}

// verifyTypeHeader enforces the per-type field rules on both the send
// and the receive path. On the receive path it also masks fields that
// the negotiated capabilities say the peer could not have sent.
func (p *Parser) verifyTypeHeader(pktType uint32, hdr interface{}, data []byte, send bool) bool {
	commandForHost := p.flags&FlagUSBHost != 0
	if send {
		commandForHost = !commandForHost
	}

	length := 0
	ep := -1

	switch pktType {
	case PktInterfaceInfo:
		h := hdr.(*InterfaceInfoHeader)
		if h.InterfaceCount > 32 {
			p.log.Error("error interface_count > 32")
			return false
		}
	case PktStartInterruptReceiving:
		h := hdr.(*StartInterruptReceivingHeader)
		if h.Endpoint&0x80 == 0 {
			p.log.Errorf("start int receiving on non input ep %02x", h.Endpoint)
			return false
		}
	case PktStopInterruptReceiving:
		h := hdr.(*StopInterruptReceivingHeader)
		if h.Endpoint&0x80 == 0 {
			p.log.Errorf("stop int receiving on non input ep %02x", h.Endpoint)
			return false
		}
	case PktInterruptReceivingStatus:
		h := hdr.(*InterruptReceivingStatusHeader)
		if h.Endpoint&0x80 == 0 {
			p.log.Errorf("int receiving status for non input ep %02x", h.Endpoint)
			return false
		}
	case PktFilterReject:
		if (send && !p.PeerHasCap(CapFilter)) || (!send && !p.HaveCap(CapFilter)) {
			p.log.Error("error filter_reject without cap_filter")
			return false
		}
	case PktFilterFilter:
		if (send && !p.PeerHasCap(CapFilter)) || (!send && !p.HaveCap(CapFilter)) {
			p.log.Error("error filter_filter without cap_filter")
			return false
		}
		if len(data) < 1 {
			p.log.Error("error filter_filter without data")
			return false
		}
		if data[len(data)-1] != 0 {
			p.log.Error("error non 0 terminated filter_filter data")
			return false
		}
	case PktDeviceDisconnectAck:
		if (send && !p.PeerHasCap(CapDeviceDisconnectAck)) ||
			(!send && !p.HaveCap(CapDeviceDisconnectAck)) {
			p.log.Error("error device_disconnect_ack without cap_device_disconnect_ack")
			return false
		}
	case PktStartBulkReceiving:
		h := hdr.(*StartBulkReceivingHeader)
		if !p.verifyBulkRecvCap(send) {
			return false
		}
		if h.BytesPerTransfer > MaxBulkTransferSize {
			p.log.Errorf("start bulk receiving length exceeds limits %d > %d",
				h.BytesPerTransfer, uint32(MaxBulkTransferSize))
			return false
		}
		if h.Endpoint&0x80 == 0 {
			p.log.Errorf("start bulk receiving on non input ep %02x", h.Endpoint)
			return false
		}
	case PktStopBulkReceiving:
		h := hdr.(*StopBulkReceivingHeader)
		if !p.verifyBulkRecvCap(send) {
			return false
		}
		if h.Endpoint&0x80 == 0 {
			p.log.Errorf("stop bulk receiving on non input ep %02x", h.Endpoint)
			return false
		}
	case PktBulkReceivingStatus:
		h := hdr.(*BulkReceivingStatusHeader)
		if !p.verifyBulkRecvCap(send) {
			return false
		}
		if h.Endpoint&0x80 == 0 {
			p.log.Errorf("bulk receiving status for non input ep %02x", h.Endpoint)
			return false
		}
	case PktControlPacket:
		h := hdr.(*ControlPacketHeader)
		length = int(h.Length)
		ep = int(h.Endpoint)
	case PktBulkPacket:
		h := hdr.(*BulkPacketHeader)
		if p.hasCapBoth(Cap32BitsBulkLength) {
			length = int(h.LengthHigh)<<16 | int(h.Length)
		} else {
			length = int(h.Length)
			if !send {
				h.LengthHigh = 0
			}
		}
		if length > MaxBulkTransferSize {
			p.log.Errorf("bulk transfer length exceeds limits %d > %d",
				length, uint32(MaxBulkTransferSize))
			return false
		}
		ep = int(h.Endpoint)
	case PktIsoPacket:
		h := hdr.(*IsoPacketHeader)
		length = int(h.Length)
		ep = int(h.Endpoint)
	case PktInterruptPacket:
		h := hdr.(*InterruptPacketHeader)
		length = int(h.Length)
		ep = int(h.Endpoint)
	case PktBufferedBulkPacket:
		h := hdr.(*BufferedBulkPacketHeader)
		length = int(h.Length)
		if !p.verifyBulkRecvCap(send) {
			return false
		}
		if length > MaxBulkTransferSize {
			p.log.Errorf("buffered bulk transfer length exceeds limits %d > %d",
				length, uint32(MaxBulkTransferSize))
			return false
		}
		ep = int(h.Endpoint)
	}

	if ep != -1 {
		expect := (ep&0x80 != 0 && !commandForHost) ||
			(ep&0x80 == 0 && commandForHost)
		if expect {
			if len(data) != length {
				p.log.Errorf("error data len %d != header len %d ep %02X",
					len(data), length, ep)
				return false
			}
		} else {
			if len(data) != 0 {
				p.log.Errorf("error unexpected extra data ep %02X", ep)
				return false
			}
			switch pktType {
			case PktIsoPacket:
				p.log.Error("error iso packet sent in wrong direction")
				return false
			case PktInterruptPacket:
				if commandForHost {
					p.log.Error("error interrupt packet sent in wrong direction")
					return false
				}
			case PktBufferedBulkPacket:
				p.log.Error("error buffered bulk packet sent in wrong direction")
				return false
			}
		}
	}

	return true
}

func (p *Parser) handleHello(hello *HelloHeader, data []byte) {
	if p.havePeerCaps {
		p.log.Error("received second hello message, ignoring")
		return
	}

	for i := range p.peerCaps {
		p.peerCaps[i] = 0
	}
	if len(data) > CapsSize*4 {
		data = data[:CapsSize*4]
	}
	for i := 0; i+4 <= len(data); i += 4 {
		p.peerCaps[i/4] = le.Uint32(data[i:])
	}
	p.verifyCaps(p.peerCaps[:], "peer")
	p.havePeerCaps = true

	bits := 64
	if p.using32BitsIds() {
		bits = 32
	}
	p.log.Infof("peer version: %s, using %d-bits ids", hello.Version, bits)

	p.cb.Hello(hello)
}

func (p *Parser) dispatch(pktType uint32, id uint64, hdr interface{}, data []byte) {
	switch pktType {
	case PktHello:
		p.handleHello(hdr.(*HelloHeader), data)
	case PktDeviceConnect:
		p.cb.DeviceConnect(hdr.(*DeviceConnectHeader))
	case PktDeviceDisconnect:
		p.cb.DeviceDisconnect()
		if p.PeerHasCap(CapDeviceDisconnectAck) {
			p.queuePacket(PktDeviceDisconnectAck, 0, nil, nil)
		}
	case PktReset:
		p.cb.Reset()
	case PktInterfaceInfo:
		p.cb.InterfaceInfo(hdr.(*InterfaceInfoHeader))
	case PktEpInfo:
		p.cb.EpInfo(hdr.(*EpInfoHeader))
	case PktSetConfiguration:
		p.cb.SetConfiguration(id, hdr.(*SetConfigurationHeader))
	case PktGetConfiguration:
		p.cb.GetConfiguration(id)
	case PktConfigurationStatus:
		p.cb.ConfigurationStatus(id, hdr.(*ConfigurationStatusHeader))
	case PktSetAltSetting:
		p.cb.SetAltSetting(id, hdr.(*SetAltSettingHeader))
	case PktGetAltSetting:
		p.cb.GetAltSetting(id, hdr.(*GetAltSettingHeader))
	case PktAltSettingStatus:
		p.cb.AltSettingStatus(id, hdr.(*AltSettingStatusHeader))
	case PktStartIsoStream:
		p.cb.StartIsoStream(id, hdr.(*StartIsoStreamHeader))
	case PktStopIsoStream:
		p.cb.StopIsoStream(id, hdr.(*StopIsoStreamHeader))
	case PktIsoStreamStatus:
		p.cb.IsoStreamStatus(id, hdr.(*IsoStreamStatusHeader))
	case PktStartInterruptReceiving:
		p.cb.StartInterruptReceiving(id, hdr.(*StartInterruptReceivingHeader))
	case PktStopInterruptReceiving:
		p.cb.StopInterruptReceiving(id, hdr.(*StopInterruptReceivingHeader))
	case PktInterruptReceivingStatus:
		p.cb.InterruptReceivingStatus(id, hdr.(*InterruptReceivingStatusHeader))
	case PktAllocBulkStreams:
		p.cb.AllocBulkStreams(id, hdr.(*AllocBulkStreamsHeader))
	case PktFreeBulkStreams:
		p.cb.FreeBulkStreams(id, hdr.(*FreeBulkStreamsHeader))
	case PktBulkStreamsStatus:
		p.cb.BulkStreamsStatus(id, hdr.(*BulkStreamsStatusHeader))
	case PktCancelDataPacket:
		p.cb.CancelDataPacket(id)
	case PktFilterReject:
		p.cb.FilterReject()
	case PktFilterFilter:
		rules, err := filter.StringToRules(string(data[:len(data)-1]), ",", "|")
		if err != nil {
			p.log.Errorf("error parsing filter (%v), ignoring filter message", err)
			return
		}
		p.cb.FilterFilter(rules)
	case PktDeviceDisconnectAck:
		p.cb.DeviceDisconnectAck()
	case PktStartBulkReceiving:
		p.cb.StartBulkReceiving(id, hdr.(*StartBulkReceivingHeader))
	case PktStopBulkReceiving:
		p.cb.StopBulkReceiving(id, hdr.(*StopBulkReceivingHeader))
	case PktBulkReceivingStatus:
		p.cb.BulkReceivingStatus(id, hdr.(*BulkReceivingStatusHeader))
	case PktControlPacket:
		p.cb.ControlPacket(id, hdr.(*ControlPacketHeader), data)
	case PktBulkPacket:
		p.cb.BulkPacket(id, hdr.(*BulkPacketHeader), data)
	case PktIsoPacket:
		p.cb.IsoPacket(id, hdr.(*IsoPacketHeader), data)
	case PktInterruptPacket:
		p.cb.InterruptPacket(id, hdr.(*InterruptPacketHeader), data)
	case PktBufferedBulkPacket:
		p.cb.BufferedBulkPacket(id, hdr.(*BufferedBulkPacketHeader), data)
	}
}

// queuePacket serializes a packet into a single buffer and appends it to
// the write queue.
func (p *Parser) queuePacket(pktType uint32, id uint64, hdr interface{}, data []byte) {
	headerLen := p.headerLen()
	typeHdrLen := p.typeHeaderLen(pktType, true)
	if typeHdrLen < 0 { // this should never happen
		p.log.Error("error packet type unknown with internal call, please report!!")
		return
	}

	if !p.verifyTypeHeader(pktType, hdr, data, true) {
		p.log.Error("error send call with invalid params, please report!!")
		return
	}

	buf := make([]byte, headerLen+typeHdrLen+len(data))
	le.PutUint32(buf[0:], pktType)
	le.PutUint32(buf[4:], uint32(typeHdrLen+len(data)))
	if p.using32BitsIds() {
		le.PutUint32(buf[8:], uint32(id))
	} else {
		le.PutUint64(buf[8:], id)
	}
	if !encodeTypeHeader(pktType, hdr, buf[headerLen:headerLen+typeHdrLen]) {
		p.log.Error("error send call with mismatched header type, please report!!")
		return
	}
	copy(buf[headerLen+typeHdrLen:], data)

	p.wq.push(buf)
}

// HasDataToWrite returns the number of packets queued for writing.
func (p *Parser) HasDataToWrite() int {
	return p.wq.count()
}

// BufferedOutputSize returns the number of bytes queued for writing.
func (p *Parser) BufferedOutputSize() uint64 {
	return p.wq.size()
}

// DoWrite drains the write queue until it is empty or the transport
// would block. Returns 0 on success, WriteIOError on a fatal transport
// error (queued data is retried on the next call).
func (p *Parser) DoWrite() int {
	p.wq.mu.Lock()
	defer p.wq.mu.Unlock()

	for len(p.wq.bufs) > 0 {
		wbuf := p.wq.bufs[0]
		w := p.write(wbuf.buf[wbuf.pos:])
		if w <= 0 {
			return w
		}

		if p.flags&FlagWriteCBOwnsBuffer != 0 && w != len(wbuf.buf) {
			panic("redir: write callback owns buffer but did a partial write")
		}

		wbuf.pos += w
		if wbuf.pos == len(wbuf.buf) {
			p.wq.bufs = p.wq.bufs[1:]
			p.wq.total.Sub(uint64(len(wbuf.buf)))
		}
	}
	return 0
}

// Send operations. Each queues one packet; DoWrite pushes it out.

func (p *Parser) SendDeviceConnect(h *DeviceConnectHeader) {
	p.queuePacket(PktDeviceConnect, 0, h, nil)
}

func (p *Parser) SendDeviceDisconnect() {
	p.queuePacket(PktDeviceDisconnect, 0, nil, nil)
}

func (p *Parser) SendReset() {
	p.queuePacket(PktReset, 0, nil, nil)
}

func (p *Parser) SendInterfaceInfo(h *InterfaceInfoHeader) {
	p.queuePacket(PktInterfaceInfo, 0, h, nil)
}

func (p *Parser) SendEpInfo(h *EpInfoHeader) {
	p.queuePacket(PktEpInfo, 0, h, nil)
}

func (p *Parser) SendSetConfiguration(id uint64, h *SetConfigurationHeader) {
	p.queuePacket(PktSetConfiguration, id, h, nil)
}

func (p *Parser) SendGetConfiguration(id uint64) {
	p.queuePacket(PktGetConfiguration, id, nil, nil)
}

func (p *Parser) SendConfigurationStatus(id uint64, h *ConfigurationStatusHeader) {
	p.queuePacket(PktConfigurationStatus, id, h, nil)
}

func (p *Parser) SendSetAltSetting(id uint64, h *SetAltSettingHeader) {
	p.queuePacket(PktSetAltSetting, id, h, nil)
}

func (p *Parser) SendGetAltSetting(id uint64, h *GetAltSettingHeader) {
	p.queuePacket(PktGetAltSetting, id, h, nil)
}

func (p *Parser) SendAltSettingStatus(id uint64, h *AltSettingStatusHeader) {
	p.queuePacket(PktAltSettingStatus, id, h, nil)
}

func (p *Parser) SendStartIsoStream(id uint64, h *StartIsoStreamHeader) {
	p.queuePacket(PktStartIsoStream, id, h, nil)
}

func (p *Parser) SendStopIsoStream(id uint64, h *StopIsoStreamHeader) {
	p.queuePacket(PktStopIsoStream, id, h, nil)
}

func (p *Parser) SendIsoStreamStatus(id uint64, h *IsoStreamStatusHeader) {
	p.queuePacket(PktIsoStreamStatus, id, h, nil)
}

func (p *Parser) SendStartInterruptReceiving(id uint64, h *StartInterruptReceivingHeader) {
	p.queuePacket(PktStartInterruptReceiving, id, h, nil)
}

func (p *Parser) SendStopInterruptReceiving(id uint64, h *StopInterruptReceivingHeader) {
	p.queuePacket(PktStopInterruptReceiving, id, h, nil)
}

func (p *Parser) SendInterruptReceivingStatus(id uint64, h *InterruptReceivingStatusHeader) {
	p.queuePacket(PktInterruptReceivingStatus, id, h, nil)
}

func (p *Parser) SendAllocBulkStreams(id uint64, h *AllocBulkStreamsHeader) {
	p.queuePacket(PktAllocBulkStreams, id, h, nil)
}

func (p *Parser) SendFreeBulkStreams(id uint64, h *FreeBulkStreamsHeader) {
	p.queuePacket(PktFreeBulkStreams, id, h, nil)
}

func (p *Parser) SendBulkStreamsStatus(id uint64, h *BulkStreamsStatusHeader) {
	p.queuePacket(PktBulkStreamsStatus, id, h, nil)
}

func (p *Parser) SendCancelDataPacket(id uint64) {
	p.queuePacket(PktCancelDataPacket, id, nil, nil)
}

func (p *Parser) SendFilterReject() {
	if !p.PeerHasCap(CapFilter) {
		return
	}
	p.queuePacket(PktFilterReject, 0, nil, nil)
}

func (p *Parser) SendFilterFilter(rules []filter.Rule) {
	if !p.PeerHasCap(CapFilter) {
		return
	}
	s, err := filter.RulesToString(rules, ",", "|")
	if err != nil {
		p.log.Errorf("error creating filter string, not sending filter: %v", err)
		return
	}
	p.queuePacket(PktFilterFilter, 0, nil, append([]byte(s), 0))
}

func (p *Parser) SendStartBulkReceiving(id uint64, h *StartBulkReceivingHeader) {
	p.queuePacket(PktStartBulkReceiving, id, h, nil)
}

func (p *Parser) SendStopBulkReceiving(id uint64, h *StopBulkReceivingHeader) {
	p.queuePacket(PktStopBulkReceiving, id, h, nil)
}

func (p *Parser) SendBulkReceivingStatus(id uint64, h *BulkReceivingStatusHeader) {
	p.queuePacket(PktBulkReceivingStatus, id, h, nil)
}

func (p *Parser) SendControlPacket(id uint64, h *ControlPacketHeader, data []byte) {
	p.queuePacket(PktControlPacket, id, h, data)
}

func (p *Parser) SendBulkPacket(id uint64, h *BulkPacketHeader, data []byte) {
	p.queuePacket(PktBulkPacket, id, h, data)
}

func (p *Parser) SendIsoPacket(id uint64, h *IsoPacketHeader, data []byte) {
	p.queuePacket(PktIsoPacket, id, h, data)
}

func (p *Parser) SendInterruptPacket(id uint64, h *InterruptPacketHeader, data []byte) {
	p.queuePacket(PktInterruptPacket, id, h, data)
}

func (p *Parser) SendBufferedBulkPacket(id uint64, h *BufferedBulkPacketHeader, data []byte) {
	p.queuePacket(PktBufferedBulkPacket, id, h, data)
}
