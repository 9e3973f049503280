package redirhost

import (
	"github.com/hanwen/go-usbredir/log"
	"github.com/hanwen/go-usbredir/redir"
)

// One-shot transfers: control, bulk and interrupt-out packets from the
// guest. Each lives on a doubly linked list keyed by its wire id until
// its completion (or cancellation) produces exactly one reply.

func (h *Host) addTransfer(newT *transfer) {
	h.mu.Lock()
	t := &h.transfersHead
	for t.next != nil {
		t = t.next
	}
	newT.prev = t
	t.next = newT
	h.mu.Unlock()
}

// Caller must hold the transfer lock.
func (h *Host) removeTransferLocked(t *transfer) {
	if t.next != nil {
		t.next.prev = t.prev
	}
	if t.prev != nil {
		t.prev.next = t.next
	}
	t.next = nil
	t.prev = nil
}

// CancelDataPacket cancels the one-shot with the given wire id and
// immediately synthesizes the cancelled reply, so the guest sees
// exactly one response per submission regardless of how the native
// cancel races with completion.
func (h *Host) CancelDataPacket(id uint64) {
	// The completion callback may run concurrently on another
	// goroutine; it removes the transfer from the list and, since the
	// transfer is marked cancelled, sends no reply of its own. Holding the lock across the native cancel keeps the
	// transfer alive meanwhile; the native layer does not hold its
	// transfer lock when invoking completions, so this cannot
	// deadlock.
	h.mu.Lock()
	var t *transfer
	for t = h.transfersHead.next; t != nil; t = t.next {
		// After cancellation the guest may re-use the id, so skip
		// already cancelled packets.
		if !t.cancelled && t.id == id {
			break
		}
	}

	// Not finding the transfer is not an error: it may have completed
	// by the time the cancel arrives.
	if t != nil {
		t.cancelled = true
		h.dev.CancelTransfer(t.x)
		switch hdr := t.hdr.(type) {
		case *redir.ControlPacketHeader:
			controlPacket := *hdr
			controlPacket.Status = redir.StatusCancelled
			controlPacket.Length = 0
			h.parser.SendControlPacket(t.id, &controlPacket, nil)
			h.log.Debugf("cancelled control packet ep %02x id %d",
				controlPacket.Endpoint, id)
		case *redir.BulkPacketHeader:
			bulkPacket := *hdr
			bulkPacket.Status = redir.StatusCancelled
			bulkPacket.Length = 0
			bulkPacket.LengthHigh = 0
			h.parser.SendBulkPacket(t.id, &bulkPacket, nil)
			h.log.Debugf("cancelled bulk packet ep %02x id %d",
				bulkPacket.Endpoint, id)
		case *redir.InterruptPacketHeader:
			interruptPacket := *hdr
			interruptPacket.Status = redir.StatusCancelled
			interruptPacket.Length = 0
			h.parser.SendInterruptPacket(t.id, &interruptPacket, nil)
			h.log.Debugf("cancelled interrupt packet ep %02x id %d",
				interruptPacket.Endpoint, id)
		}
	} else {
		h.log.Debugf("cancel packet id %d not found", id)
	}
	h.mu.Unlock()
	h.flush()
}

// finishControl sends the reply for a control one-shot and retires it.
// Runs for both native completions and submission failures.
func (h *Host) finishControl(t *transfer, status uint8, actualLength int) {
	h.mu.Lock()

	controlPacket := *t.hdr.(*redir.ControlPacketHeader)
	controlPacket.Status = status
	controlPacket.Length = uint16(actualLength)

	h.log.Debugf("control complete ep %02X status %d len %d id %d",
		controlPacket.Endpoint, controlPacket.Status, controlPacket.Length, t.id)

	if !t.cancelled {
		if controlPacket.Endpoint&0x80 != 0 {
			data := t.x.Buffer[controlSetupSize : controlSetupSize+actualLength]
			log.HexDump(h.dataLog, "ctrl data in:", data)
			h.parser.SendControlPacket(t.id, &controlPacket, data)
		} else {
			h.parser.SendControlPacket(t.id, &controlPacket, nil)
		}
	}

	h.removeTransferLocked(t)
	h.mu.Unlock()
	h.flush()
}

func (h *Host) sendControlStatus(id uint64, controlPacket *redir.ControlPacketHeader, status uint8) {
	controlPacket.Status = status
	controlPacket.Length = 0
	h.parser.SendControlPacket(id, controlPacket, nil)
}

func (h *Host) ControlPacket(id uint64, controlPacket *redir.ControlPacketHeader, data []byte) {
	ep := controlPacket.Endpoint

	h.log.Debugf("control submit ep %02X len %d id %d", ep, controlPacket.Length, id)

	if h.disconnected {
		h.sendControlStatus(id, controlPacket, redir.StatusIOError)
		h.flush()
		return
	}

	if h.endpoint[ep2i(ep)].typ != redir.TypeControl {
		h.log.Errorf("error control packet on non control ep %02X", ep)
		h.sendControlStatus(id, controlPacket, redir.StatusInval)
		h.flush()
		return
	}

	h.reset = false

	// A clear stall needs an actual clear halt rather than a forwarded
	// control packet, so that the usb stack of this side knows the
	// stall is cleared.
	const (
		recipientEndpoint   = 0x02
		requestClearFeature = 0x01
	)
	if controlPacket.RequestType == recipientEndpoint &&
		controlPacket.Request == requestClearFeature &&
		controlPacket.Value == 0 && len(data) == 0 {
		status := h.errToRedir(h.dev.ClearHalt(uint8(controlPacket.Index)))
		h.log.Debugf("clear halt ep %02X status %d", controlPacket.Index, status)
		h.sendControlStatus(id, controlPacket, status)
		h.flush()
		return
	}

	buffer := make([]byte, controlSetupSize+int(controlPacket.Length))
	fillControlSetup(buffer, controlPacket.RequestType, controlPacket.Request,
		controlPacket.Value, controlPacket.Index, controlPacket.Length)

	if ep&0x80 == 0 {
		log.HexDump(h.dataLog, "ctrl data out:", data)
		copy(buffer[controlSetupSize:], data)
	}

	t := h.allocTransfer(0)
	t.id = id
	hdr := *controlPacket
	t.hdr = &hdr
	t.x.Type = TransferTypeControl
	t.x.Endpoint = ep
	t.x.Buffer = buffer
	t.x.Timeout = ctrlTimeout
	t.x.Complete = func(x *Transfer) {
		h.finishControl(t, h.statusToRedir(x.Status), x.ActualLength)
	}

	h.addTransfer(t)

	if err := h.dev.Submit(t.x); err != nil {
		h.log.Errorf("error submitting control transfer on ep %02X: %v", ep, err)
		h.finishControl(t, h.errToRedir(err), 0)
	}
}

// finishBulk sends the reply for a bulk one-shot and retires it.
func (h *Host) finishBulk(t *transfer, status uint8, actualLength int) {
	h.mu.Lock()

	bulkPacket := *t.hdr.(*redir.BulkPacketHeader)
	bulkPacket.Status = status
	bulkPacket.Length = uint16(actualLength)
	bulkPacket.LengthHigh = uint16(actualLength >> 16)

	h.log.Debugf("bulk complete ep %02X status %d len %d id %d",
		bulkPacket.Endpoint, bulkPacket.Status, actualLength, t.id)

	if !t.cancelled {
		if bulkPacket.Endpoint&0x80 != 0 {
			data := t.x.Buffer[:actualLength]
			log.HexDump(h.dataLog, "bulk data in:", data)
			h.parser.SendBulkPacket(t.id, &bulkPacket, data)
		} else {
			h.parser.SendBulkPacket(t.id, &bulkPacket, nil)
		}
	}

	h.removeTransferLocked(t)
	h.mu.Unlock()
	h.flush()
}

func (h *Host) sendBulkStatus(id uint64, bulkPacket *redir.BulkPacketHeader, status uint8) {
	bulkPacket.Status = status
	bulkPacket.Length = 0
	bulkPacket.LengthHigh = 0
	h.parser.SendBulkPacket(id, bulkPacket, nil)
}

func (h *Host) BulkPacket(id uint64, bulkPacket *redir.BulkPacketHeader, data []byte) {
	ep := bulkPacket.Endpoint
	length := int(bulkPacket.LengthHigh)<<16 | int(bulkPacket.Length)

	h.log.Debugf("bulk submit ep %02X len %d id %d", ep, length, id)

	if h.disconnected {
		h.sendBulkStatus(id, bulkPacket, redir.StatusIOError)
		h.flush()
		return
	}

	if h.endpoint[ep2i(ep)].typ != redir.TypeBulk {
		h.log.Errorf("error bulk packet on non bulk ep %02X", ep)
		h.sendBulkStatus(id, bulkPacket, redir.StatusInval)
		h.flush()
		return
	}

	var buffer []byte
	if ep&0x80 != 0 {
		buffer = make([]byte, length)
	} else {
		log.HexDump(h.dataLog, "bulk data out:", data)
		// The payload buffer from the parser is ours; use it as the
		// transfer buffer directly.
		buffer = data
	}

	t := h.allocTransfer(0)
	h.reset = false

	t.id = id
	hdr := *bulkPacket
	t.hdr = &hdr
	t.x.Type = TransferTypeBulk
	if bulkPacket.StreamID != 0 {
		t.x.Type = TransferTypeBulkStream
		t.x.StreamID = bulkPacket.StreamID
	}
	t.x.Endpoint = ep
	t.x.Buffer = buffer
	t.x.Timeout = bulkTimeout
	t.x.Complete = func(x *Transfer) {
		h.finishBulk(t, h.statusToRedir(x.Status), x.ActualLength)
	}

	h.addTransfer(t)

	if err := h.dev.Submit(t.x); err != nil {
		h.log.Errorf("error submitting bulk transfer on ep %02X: %v", ep, err)
		h.finishBulk(t, h.errToRedir(err), 0)
	}
}

// finishInterrupt sends the reply for an interrupt-out one-shot and
// retires it.
func (h *Host) finishInterrupt(t *transfer, status uint8, actualLength int) {
	h.mu.Lock()

	interruptPacket := *t.hdr.(*redir.InterruptPacketHeader)
	interruptPacket.Status = status
	interruptPacket.Length = uint16(actualLength)

	h.log.Debugf("interrupt out complete ep %02X status %d len %d id %d",
		interruptPacket.Endpoint, interruptPacket.Status, interruptPacket.Length, t.id)

	if !t.cancelled {
		h.parser.SendInterruptPacket(t.id, &interruptPacket, nil)
	}

	h.removeTransferLocked(t)
	h.mu.Unlock()
	h.flush()
}

func (h *Host) sendInterruptStatus(id uint64, interruptPacket *redir.InterruptPacketHeader, status uint8) {
	interruptPacket.Status = status
	interruptPacket.Length = 0
	h.parser.SendInterruptPacket(id, interruptPacket, nil)
}

func (h *Host) InterruptPacket(id uint64, interruptPacket *redir.InterruptPacketHeader, data []byte) {
	ep := interruptPacket.Endpoint

	h.log.Debugf("interrupt submit ep %02X len %d id %d", ep, interruptPacket.Length, id)

	if h.disconnected {
		h.sendInterruptStatus(id, interruptPacket, redir.StatusIOError)
		h.flush()
		return
	}

	if h.endpoint[ep2i(ep)].typ != redir.TypeInterrupt {
		h.log.Errorf("error received interrupt packet for non interrupt ep %02X", ep)
		h.sendInterruptStatus(id, interruptPacket, redir.StatusInval)
		h.flush()
		return
	}

	if len(data) > h.endpoint[ep2i(ep)].maxPacketSize {
		h.log.Error("error received interrupt out packet is larger than wMaxPacketSize")
		h.sendInterruptStatus(id, interruptPacket, redir.StatusInval)
		h.flush()
		return
	}

	log.HexDump(h.dataLog, "interrupt data out:", data)

	t := h.allocTransfer(0)
	h.reset = false

	t.id = id
	hdr := *interruptPacket
	t.hdr = &hdr
	t.x.Type = TransferTypeInterrupt
	t.x.Endpoint = ep
	t.x.Buffer = data
	t.x.Timeout = interruptTimeout
	t.x.Complete = func(x *Transfer) {
		h.finishInterrupt(t, h.statusToRedir(x.Status), x.ActualLength)
	}

	h.addTransfer(t)

	if err := h.dev.Submit(t.x); err != nil {
		h.log.Errorf("error submitting interrupt transfer on ep %02X: %v", ep, err)
		h.finishInterrupt(t, h.errToRedir(err), 0)
	}
}
