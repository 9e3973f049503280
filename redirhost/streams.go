package redirhost

import (
	"github.com/hanwen/go-usbredir/log"
	"github.com/hanwen/go-usbredir/redir"
)

// Stream handling: the per-endpoint transfer rings behind
// start_iso_stream, start_interrupt_receiving and start_bulk_receiving,
// including back-pressure for iso output to the guest and stall
// recovery.

func (h *Host) allocTransfer(isoPackets int) *transfer {
	t := &transfer{
		host: h,
		x:    &Transfer{},
	}
	if isoPackets > 0 {
		t.x.IsoPackets = make([]IsoPacketDesc, isoPackets)
	}
	return t
}

// Called from both parser read and packet complete callbacks.
func (h *Host) cancelStreamLocked(ep uint8) {
	slot := &h.endpoint[ep2i(ep)]
	for i := 0; i < slot.transferCount; i++ {
		t := slot.transfer[i]
		if t.packetIdx == submittedIdx {
			h.dev.CancelTransfer(t.x)
			t.cancelled = true
			h.cancelsPending++
		}
		slot.transfer[i] = nil
	}
	slot.outIdx = 0
	slot.streamStarted = false
	slot.dropPackets = 0
	slot.pktsPerTransfer = 0
	slot.transferCount = 0
}

func (h *Host) cancelStream(ep uint8) {
	h.mu.Lock()
	h.cancelStreamLocked(ep)
	h.mu.Unlock()
}

func (h *Host) sendStreamStatus(id uint64, ep uint8, status uint8) {
	switch h.endpoint[ep2i(ep)].typ {
	case redir.TypeIso:
		h.parser.SendIsoStreamStatus(id, &redir.IsoStreamStatusHeader{
			Endpoint: ep,
			Status:   status,
		})
	case redir.TypeBulk:
		h.parser.SendBulkReceivingStatus(id, &redir.BulkReceivingStatusHeader{
			Endpoint: ep,
			Status:   status,
		})
	case redir.TypeInterrupt:
		h.parser.SendInterruptReceivingStatus(id, &redir.InterruptReceivingStatusHeader{
			Endpoint: ep,
			Status:   status,
		})
	}
}

func (h *Host) canWriteIsoPackage() bool {
	var size uint64

	if h.flags&FlagWriteCBOwnsBuffer != 0 {
		if h.bufferedOutputSize == nil {
			// The application is not dropping isoc packages.
			return true
		}
		size = h.bufferedOutputSize()
	} else {
		size = h.parser.BufferedOutputSize()
	}

	if size >= h.isoThreshold.higher {
		if !h.isoThreshold.dropping {
			h.log.Debugf("START dropping isoc packets %d buffer > %d hi threshold",
				size, h.isoThreshold.higher)
		}
		h.isoThreshold.dropping = true
	} else if size < h.isoThreshold.lower {
		if h.isoThreshold.dropping {
			h.log.Debugf("STOP dropping isoc packets %d buffer < %d low threshold",
				size, h.isoThreshold.lower)
		}
		h.isoThreshold.dropping = false
	}

	return !h.isoThreshold.dropping
}

func (h *Host) sendStreamData(id uint64, ep uint8, status uint8, data []byte) {
	// USB-2 is max 8000 packets / sec; with more than 0.1 sec queued
	// up the connection is not keeping up and packets get dropped.
	if h.parser.HasDataToWrite() > 800 {
		if h.endpoint[ep2i(ep)].warnOnDrop {
			h.log.Warningf("buffered stream on endpoint %02X, connection too slow, dropping packets", ep)
			h.endpoint[ep2i(ep)].warnOnDrop = false
		}
		h.log.Debugf("buffered complete ep %02X dropping packet status %d len %d",
			ep, status, len(data))
		return
	}

	h.log.Debugf("buffered complete ep %02X status %d len %d", ep, status, len(data))

	switch h.endpoint[ep2i(ep)].typ {
	case redir.TypeIso:
		if h.canWriteIsoPackage() {
			h.parser.SendIsoPacket(id, &redir.IsoPacketHeader{
				Endpoint: ep,
				Status:   status,
				Length:   uint16(len(data)),
			}, data)
		}
	case redir.TypeBulk:
		h.parser.SendBufferedBulkPacket(id, &redir.BufferedBulkPacketHeader{
			Endpoint: ep,
			Status:   status,
			Length:   uint32(len(data)),
		}, data)
	case redir.TypeInterrupt:
		h.parser.SendInterruptPacket(id, &redir.InterruptPacketHeader{
			Endpoint: ep,
			Status:   status,
			Length:   uint16(len(data)),
		}, data)
	}
}

// Called from both parser read and packet complete callbacks.
func (h *Host) submitStreamTransferLocked(t *transfer) uint8 {
	h.reset = false

	if err := h.dev.Submit(t.x); err != nil {
		ep := t.x.Endpoint
		if err == ErrNoDevice {
			h.handleDisconnect()
		} else {
			h.log.Errorf("error submitting transfer on ep %02X: %v, stopping stream",
				ep, err)
			h.cancelStreamLocked(ep)
			h.sendStreamStatus(t.id, ep, redir.StatusStall)
		}
		return redir.StatusStall
	}

	t.packetIdx = submittedIdx
	return redir.StatusSuccess
}

// Called from both parser read and packet complete callbacks.
func (h *Host) startStreamLocked(ep uint8) uint8 {
	slot := &h.endpoint[ep2i(ep)]
	count := slot.transferCount

	// For out endpoints half the transfers are a buffer for guest data.
	if ep&0x80 == 0 {
		count /= 2
	}
	for i := 0; i < count; i++ {
		if ep&0x80 != 0 {
			slot.transfer[i].id = uint64(i * slot.pktsPerTransfer)
		}
		if status := h.submitStreamTransferLocked(slot.transfer[i]); status != redir.StatusSuccess {
			return status
		}
	}
	slot.streamStarted = true
	return redir.StatusSuccess
}

func (h *Host) stopStream(id uint64, ep uint8) {
	if h.disconnected {
		return
	}

	h.cancelStream(ep)
	h.sendStreamStatus(id, ep, redir.StatusSuccess)
	h.flush()
}

func (h *Host) setIsoThreshold(pktsPerTransfer, transferCount, maxPacketSize int) {
	reference := uint64(pktsPerTransfer) * uint64(transferCount) * uint64(maxPacketSize)
	h.isoThreshold.lower = reference / 2
	h.isoThreshold.higher = reference * 3
	h.log.Debugf("higher threshold is %d bytes | lower threshold is %d bytes",
		h.isoThreshold.higher, h.isoThreshold.lower)
}

// Called from both parser read and packet complete callbacks.
func (h *Host) allocStreamLocked(id uint64, ep uint8, typ uint8,
	pktsPerTransfer, pktSize, transferCount int, sendSuccess bool) {
	slot := &h.endpoint[ep2i(ep)]

	if h.disconnected {
		h.sendStreamStatus(id, ep, redir.StatusStall)
		return
	}

	if slot.typ != typ {
		h.log.Errorf("error start stream type %d on type %d endpoint", typ, slot.typ)
		h.sendStreamStatus(id, ep, redir.StatusStall)
		return
	}

	if pktsPerTransfer < 1 || pktsPerTransfer > maxPacketsPerTransfer ||
		transferCount < 1 || transferCount > maxTransferCount ||
		slot.maxPacketSize == 0 ||
		pktSize%slot.maxPacketSize != 0 {
		h.log.Errorf("error start stream type %d invalid parameters", typ)
		h.sendStreamStatus(id, ep, redir.StatusStall)
		return
	}

	if slot.transferCount != 0 {
		h.log.Errorf("error received start type %d for already started stream", typ)
		h.sendStreamStatus(id, ep, redir.StatusInval)
		return
	}

	h.log.Debugf("allocating stream ep %02X type %d packet-size %d pkts %d urbs %d",
		ep, typ, pktSize, pktsPerTransfer, transferCount)
	for i := 0; i < transferCount; i++ {
		isoPackets := 0
		if typ == redir.TypeIso {
			isoPackets = pktsPerTransfer
		}
		t := h.allocTransfer(isoPackets)
		slot.transfer[i] = t

		t.x.Endpoint = ep
		t.x.Buffer = make([]byte, pktSize*pktsPerTransfer)
		switch typ {
		case redir.TypeIso:
			t.x.Type = TransferTypeIso
			t.x.Timeout = isoTimeout
			t.x.Complete = h.isoPacketComplete(t)
			t.x.setIsoPacketLengths(pktSize)

			h.setIsoThreshold(pktsPerTransfer, transferCount, slot.maxPacketSize)
		case redir.TypeBulk:
			t.x.Type = TransferTypeBulk
			t.x.Timeout = bulkTimeout
			t.x.Complete = h.bufferedPacketComplete(t)
		case redir.TypeInterrupt:
			t.x.Type = TransferTypeInterrupt
			t.x.Timeout = interruptTimeout
			t.x.Complete = h.bufferedPacketComplete(t)
		}
	}
	slot.outIdx = 0
	slot.dropPackets = 0
	slot.pktsPerTransfer = pktsPerTransfer
	slot.transferCount = transferCount

	// For input endpoints submit the transfers now.
	status := uint8(redir.StatusSuccess)
	if ep&0x80 != 0 {
		status = h.startStreamLocked(ep)
	}

	if sendSuccess && status == redir.StatusSuccess {
		h.sendStreamStatus(id, ep, status)
	}
}

func (h *Host) allocStream(id uint64, ep uint8, typ uint8,
	pktsPerTransfer, pktSize, transferCount int, sendSuccess bool) {
	h.mu.Lock()
	h.allocStreamLocked(id, ep, typ, pktsPerTransfer, pktSize, transferCount, sendSuccess)
	h.mu.Unlock()
}

// clearStreamStallLocked recovers a stalled stream: remember the ring
// parameters, tear the stream down, clear the halt at the native layer
// and reallocate with the same parameters (no status is sent on
// success; a failed clear-halt reports stall).
func (h *Host) clearStreamStallLocked(id uint64, ep uint8) {
	slot := &h.endpoint[ep2i(ep)]
	pktsPerTransfer := slot.pktsPerTransfer
	transferCount := slot.transferCount
	pktSize := len(slot.transfer[0].x.Buffer) / pktsPerTransfer

	h.log.Warningf("buffered stream on endpoint %02X stalled, clearing stall", ep)

	h.cancelStreamLocked(ep)
	if err := h.dev.ClearHalt(ep); err != nil {
		h.sendStreamStatus(id, ep, redir.StatusStall)
		return
	}
	h.allocStreamLocked(id, ep, slot.typ, pktsPerTransfer, pktSize, transferCount, false)
}

// handleIsoStatus sorts an iso (per-packet or whole-transfer) status:
//	0 all ok
//	1 packet borked, continue with next packet / transfer
//	2 stream borked, full stop, no resubmit
// In the stream-borked case the guest has been notified (or recovery
// started) already.
func (h *Host) handleIsoStatus(id uint64, ep uint8, status TransferStatus) int {
	switch status {
	case TransferCompleted:
		return 0
	case TransferCancelled:
		// Stream was intentionally stopped.
		return 2
	case TransferStall:
		h.clearStreamStallLocked(id, ep)
		return 2
	case TransferNoDevice:
		h.handleDisconnect()
		return 2
	default: // overflow, error, timeout
		h.log.Errorf("iso stream error on endpoint %02X: %d", ep, status)
		return 1
	}
}

func (h *Host) isoPacketComplete(t *transfer) func(*Transfer) {
	return func(x *Transfer) {
		ep := x.Endpoint

		h.mu.Lock()
		defer func() {
			h.mu.Unlock()
			h.flush()
		}()

		if t.cancelled {
			h.cancelsPending--
			return
		}

		// Mark transfer completed (iow not submitted).
		t.packetIdx = 0

		resubmit := false
		switch h.handleIsoStatus(t.id, ep, x.Status) {
		case 0:
		case 1:
			status := h.statusToRedir(x.Status)
			if ep&0x80 != 0 {
				h.parser.SendIsoPacket(t.id, &redir.IsoPacketHeader{
					Endpoint: ep,
					Status:   status,
				}, nil)
				t.id += uint64(len(x.IsoPackets))
				resubmit = true
			} else {
				h.sendStreamStatus(t.id, ep, status)
				return
			}
		case 2:
			return
		}

		slot := &h.endpoint[ep2i(ep)]

		if !resubmit {
			// Check per packet status and send ok input packets to
			// the guest.
			for i := range x.IsoPackets {
				pkt := &x.IsoPackets[i]
				status := h.statusToRedir(pkt.Status)
				switch h.handleIsoStatus(t.id, ep, pkt.Status) {
				case 0:
				case 1:
					if ep&0x80 != 0 {
						pkt.ActualLength = 0
					} else {
						h.sendStreamStatus(t.id, ep, status)
						return // max one iso status message per transfer
					}
				case 2:
					return
				}
				if ep&0x80 != 0 {
					h.sendStreamData(t.id, ep, status,
						x.IsoPacketBuffer(i)[:pkt.ActualLength])
					t.id++
				} else {
					h.log.Debugf("iso-out complete ep %02X pkt %d len %d id %d",
						ep, i, pkt.ActualLength, t.id)
				}
			}
		}

		// Input transfers are resubmitted here; output transfers get
		// resubmitted when all their packets are filled with data.
		if ep&0x80 != 0 {
			t.id += uint64((slot.transferCount - 1) * len(x.IsoPackets))
			h.submitStreamTransferLocked(t)
		} else {
			i := 0
			for ; i < slot.transferCount; i++ {
				if slot.transfer[i].packetIdx == submittedIdx {
					break
				}
			}
			if i == slot.transferCount {
				h.log.Debugf("underflow of iso out queue on ep: %02X", ep)
				// Re-fill buffers before submitting transfers again.
				for i := 0; i < slot.transferCount; i++ {
					slot.transfer[i].packetIdx = 0
				}
				slot.outIdx = 0
				slot.streamStarted = false
				slot.dropPackets = 0
			}
		}
	}
}

func (h *Host) bufferedPacketComplete(t *transfer) func(*Transfer) {
	return func(x *Transfer) {
		ep := x.Endpoint

		h.mu.Lock()
		defer func() {
			h.mu.Unlock()
			h.flush()
		}()

		if t.cancelled {
			h.cancelsPending--
			return
		}

		// Mark transfer completed (iow not submitted).
		t.packetIdx = 0

		length := x.ActualLength
		switch x.Status {
		case TransferCompleted:
		case TransferStall:
			h.clearStreamStallLocked(t.id, ep)
			return
		case TransferNoDevice:
			h.handleDisconnect()
			return
		default:
			h.log.Errorf("buffered in error on endpoint %02X: %d", ep, x.Status)
			length = 0
		}

		h.sendStreamData(t.id, ep, h.statusToRedir(x.Status), x.Buffer[:length])
		log.HexDump(h.dataLog, "buffered data in:", x.Buffer[:length])

		t.id += uint64(h.endpoint[ep2i(ep)].transferCount)
		h.submitStreamTransferLocked(t)
	}
}

/* Parser callbacks. */

func (h *Host) StartIsoStream(id uint64, startIsoStream *redir.StartIsoStreamHeader) {
	ep := startIsoStream.Endpoint

	h.allocStream(id, ep, redir.TypeIso, int(startIsoStream.PktsPerTransfer),
		h.endpoint[ep2i(ep)].maxPacketSize, int(startIsoStream.TransferCount), true)
	h.flush()
}

func (h *Host) StopIsoStream(id uint64, stopIsoStream *redir.StopIsoStreamHeader) {
	h.stopStream(id, stopIsoStream.Endpoint)
}

func (h *Host) StartInterruptReceiving(id uint64, startInterruptReceiving *redir.StartInterruptReceivingHeader) {
	ep := startInterruptReceiving.Endpoint

	h.allocStream(id, ep, redir.TypeInterrupt, 1,
		h.endpoint[ep2i(ep)].maxPacketSize, interruptTransferCount, true)
	h.flush()
}

func (h *Host) StopInterruptReceiving(id uint64, stopInterruptReceiving *redir.StopInterruptReceivingHeader) {
	h.stopStream(id, stopInterruptReceiving.Endpoint)
}

func (h *Host) StartBulkReceiving(id uint64, startBulkReceiving *redir.StartBulkReceivingHeader) {
	ep := startBulkReceiving.Endpoint

	h.allocStream(id, ep, redir.TypeBulk, 1,
		int(startBulkReceiving.BytesPerTransfer), int(startBulkReceiving.NoTransfers), true)
	h.flush()
}

func (h *Host) StopBulkReceiving(id uint64, stopBulkReceiving *redir.StopBulkReceivingHeader) {
	h.stopStream(id, stopBulkReceiving.Endpoint)
}

func epMaskToEps(mask uint32) []uint8 {
	var eps []uint8
	for i := 0; i < maxEndpoints; i++ {
		if mask&(1<<uint(i)) != 0 {
			eps = append(eps, i2ep(i))
		}
	}
	return eps
}

func (h *Host) AllocBulkStreams(id uint64, allocBulkStreams *redir.AllocBulkStreamsHeader) {
	streamsStatus := redir.BulkStreamsStatusHeader{
		Endpoints: allocBulkStreams.Endpoints,
		NoStreams: allocBulkStreams.NoStreams,
		Status:    redir.StatusSuccess,
	}

	eps := epMaskToEps(allocBulkStreams.Endpoints)
	granted, err := h.dev.AllocStreams(allocBulkStreams.NoStreams, eps)
	if err != nil {
		h.log.Errorf("could not alloc bulk streams: %v", err)
		streamsStatus.Status = h.errToRedir(err)
	} else if uint32(granted) < allocBulkStreams.NoStreams {
		h.log.Errorf("tried to alloc %d bulk streams but got only %d",
			allocBulkStreams.NoStreams, granted)
		streamsStatus.Status = redir.StatusIOError
	}

	h.parser.SendBulkStreamsStatus(id, &streamsStatus)
	h.flush()
}

func (h *Host) FreeBulkStreams(id uint64, freeBulkStreams *redir.FreeBulkStreamsHeader) {
	streamsStatus := redir.BulkStreamsStatusHeader{
		Endpoints: freeBulkStreams.Endpoints,
		Status:    redir.StatusSuccess,
	}

	eps := epMaskToEps(freeBulkStreams.Endpoints)
	if err := h.dev.FreeStreams(eps); err != nil {
		h.log.Errorf("could not free bulk streams: %v", err)
		streamsStatus.Status = h.errToRedir(err)
	}

	h.parser.SendBulkStreamsStatus(id, &streamsStatus)
	h.flush()
}

// IsoPacket buffers guest data for an output iso stream. The stream is
// only started once half the ring is filled, trading latency against
// underruns.
func (h *Host) IsoPacket(id uint64, isoPacket *redir.IsoPacketHeader, data []byte) {
	ep := isoPacket.Endpoint
	status := uint8(redir.StatusSuccess)

	h.mu.Lock()

	slot := &h.endpoint[ep2i(ep)]
	switch {
	case h.disconnected:
		status = redir.StatusIOError
	case slot.typ != redir.TypeIso:
		h.log.Errorf("error received iso packet for non iso ep %02X", ep)
		status = redir.StatusInval
	case slot.transferCount == 0:
		h.log.Error("error received iso out packet for non started iso stream")
		status = redir.StatusInval
	case len(data) > slot.maxPacketSize:
		h.log.Error("error received iso out packet is larger than wMaxPacketSize")
		status = redir.StatusInval
	case slot.dropPackets > 0:
		slot.dropPackets--
	default:
		i := slot.outIdx
		t := slot.transfer[i]
		j := t.packetIdx
		if j == submittedIdx {
			h.log.Debugf("overflow of iso out queue on ep: %02X, dropping packet", ep)
			// Since the stream is interrupted anyway, drop enough
			// packets to get back to the target buffer size.
			slot.dropPackets = (slot.pktsPerTransfer * slot.transferCount) / 2
			break
		}

		// Store the id of the first packet in the transfer.
		if j == 0 {
			t.id = id
		}
		copy(t.x.IsoPacketBuffer(j), data)
		t.x.IsoPackets[j].Length = len(data)
		h.log.Debugf("iso-out queue ep %02X urb %d pkt %d len %d id %d",
			ep, i, j, len(data), t.id)

		j++
		t.packetIdx = j
		if j == slot.pktsPerTransfer {
			i = (i + 1) % slot.transferCount
			slot.outIdx = i
			j = 0
		}

		if slot.streamStarted {
			if t.packetIdx == slot.pktsPerTransfer {
				h.submitStreamTransferLocked(t)
			}
		} else {
			// The stream is not started yet; do so once half the
			// buffers are filled.
			available := i*slot.pktsPerTransfer + j
			needed := (slot.pktsPerTransfer * slot.transferCount) / 2
			if available == needed {
				h.log.Debugf("iso-out starting stream on ep %02X", ep)
				h.startStreamLocked(ep)
			}
		}
	}

	h.mu.Unlock()
	if status != redir.StatusSuccess {
		h.sendStreamStatus(id, ep, status)
	}
	h.flush()
}
