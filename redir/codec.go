package redir

// Wire marshalling of the per-type headers. The in-memory structs always
// carry the widest layout; the number of bytes actually put on (or taken
// off) the wire depends on the negotiated capabilities and is decided by
// typeHeaderLen.

// typeHeaderLen returns the on-wire size of the type specific header for
// pktType, or -1 when the packet may not travel in this direction. The
// direction is derived from the parser's role and whether the packet is
// being sent or received.
func (p *Parser) typeHeaderLen(pktType uint32, send bool) int {
	commandForHost := p.flags&FlagUSBHost != 0
	if send {
		commandForHost = !commandForHost
	}

	switch pktType {
	case PktHello:
		return helloHeaderLen
	case PktDeviceConnect:
		if commandForHost {
			return -1
		}
		if p.hasCapBoth(CapConnectDeviceVersion) {
			return deviceConnectLen
		}
		return deviceConnectLenNoVersion
	case PktDeviceDisconnect:
		if commandForHost {
			return -1
		}
		return 0
	case PktReset:
		if !commandForHost {
			return -1
		}
		return 0
	case PktInterfaceInfo:
		if commandForHost {
			return -1
		}
		return interfaceInfoLen
	case PktEpInfo:
		if commandForHost {
			return -1
		}
		if p.hasCapBoth(CapBulkStreams) {
			return epInfoLen
		}
		if p.hasCapBoth(CapEpInfoMaxPacketSize) {
			return epInfoLenNoMaxStreams
		}
		return epInfoLenNoMaxPktSz
	case PktSetConfiguration:
		if !commandForHost {
			return -1 // should never be sent to a guest
		}
		return 1
	case PktGetConfiguration:
		if !commandForHost {
			return -1
		}
		return 0
	case PktConfigurationStatus:
		if commandForHost {
			return -1
		}
		return 2
	case PktSetAltSetting:
		if !commandForHost {
			return -1
		}
		return 2
	case PktGetAltSetting:
		if !commandForHost {
			return -1
		}
		return 1
	case PktAltSettingStatus:
		if commandForHost {
			return -1
		}
		return 3
	case PktStartIsoStream:
		if !commandForHost {
			return -1
		}
		return 3
	case PktStopIsoStream:
		if !commandForHost {
			return -1
		}
		return 1
	case PktIsoStreamStatus:
		if commandForHost {
			return -1
		}
		return 2
	case PktStartInterruptReceiving:
		if !commandForHost {
			return -1
		}
		return 1
	case PktStopInterruptReceiving:
		if !commandForHost {
			return -1
		}
		return 1
	case PktInterruptReceivingStatus:
		if commandForHost {
			return -1
		}
		return 2
	case PktAllocBulkStreams:
		if !commandForHost {
			return -1
		}
		return 8
	case PktFreeBulkStreams:
		if !commandForHost {
			return -1
		}
		return 4
	case PktBulkStreamsStatus:
		if commandForHost {
			return -1
		}
		return 9
	case PktCancelDataPacket:
		if !commandForHost {
			return -1
		}
		return 0
	case PktFilterReject:
		if !commandForHost {
			return -1
		}
		return 0
	case PktFilterFilter:
		return 0
	case PktDeviceDisconnectAck:
		if !commandForHost {
			return -1
		}
		return 0
	case PktStartBulkReceiving:
		if !commandForHost {
			return -1
		}
		return 10
	case PktStopBulkReceiving:
		if !commandForHost {
			return -1
		}
		return 5
	case PktBulkReceivingStatus:
		if commandForHost {
			return -1
		}
		return 6
	case PktControlPacket:
		return 10
	case PktBulkPacket:
		if p.hasCapBoth(Cap32BitsBulkLength) {
			return bulkPacketLen
		}
		return bulkPacketLen16BitLength
	case PktIsoPacket:
		return 4
	case PktInterruptPacket:
		return 4
	case PktBufferedBulkPacket:
		if commandForHost {
			return -1
		}
		return 10
	default:
		return -1
	}
}

// expectExtraData reports whether the packet type may carry payload at
// all. Whether payload is actually allowed for a given instance depends
// on the endpoint direction and is checked in verifyTypeHeader.
func expectExtraData(pktType uint32) bool {
	switch pktType {
	case PktHello, // for the variable length capabilities array
		PktFilterFilter,
		PktControlPacket,
		PktBulkPacket,
		PktIsoPacket,
		PktInterruptPacket,
		PktBufferedBulkPacket:
		return true
	default:
		return false
	}
}

// decodeTypeHeader parses raw, whose length was already fixed by
// typeHeaderLen, into the widest in-memory header for pktType. Fields
// absent from a narrower wire layout are left zero. Types without a
// header decode to nil.
func decodeTypeHeader(pktType uint32, raw []byte) interface{} {
	switch pktType {
	case PktHello:
		end := 0
		for end < len(raw) && raw[end] != 0 {
			end++
		}
		return &HelloHeader{Version: string(raw[:end])}
	case PktDeviceConnect:
		h := &DeviceConnectHeader{
			Speed:          raw[0],
			DeviceClass:    raw[1],
			DeviceSubclass: raw[2],
			DeviceProtocol: raw[3],
			VendorID:       le.Uint16(raw[4:]),
			ProductID:      le.Uint16(raw[6:]),
		}
		if len(raw) >= deviceConnectLen {
			h.DeviceVersionBCD = le.Uint16(raw[8:])
		}
		return h
	case PktInterfaceInfo:
		h := &InterfaceInfoHeader{InterfaceCount: le.Uint32(raw[0:])}
		copy(h.Interface[:], raw[4:36])
		copy(h.InterfaceClass[:], raw[36:68])
		copy(h.InterfaceSubclass[:], raw[68:100])
		copy(h.InterfaceProtocol[:], raw[100:132])
		return h
	case PktEpInfo:
		h := &EpInfoHeader{}
		copy(h.Type[:], raw[0:32])
		copy(h.Interval[:], raw[32:64])
		copy(h.Interface[:], raw[64:96])
		if len(raw) >= epInfoLenNoMaxStreams {
			for i := 0; i < 32; i++ {
				h.MaxPacketSize[i] = le.Uint16(raw[96+2*i:])
			}
		}
		if len(raw) >= epInfoLen {
			for i := 0; i < 32; i++ {
				h.MaxStreams[i] = le.Uint32(raw[160+4*i:])
			}
		}
		return h
	case PktSetConfiguration:
		return &SetConfigurationHeader{Configuration: raw[0]}
	case PktConfigurationStatus:
		return &ConfigurationStatusHeader{Status: raw[0], Configuration: raw[1]}
	case PktSetAltSetting:
		return &SetAltSettingHeader{Interface: raw[0], Alt: raw[1]}
	case PktGetAltSetting:
		return &GetAltSettingHeader{Interface: raw[0]}
	case PktAltSettingStatus:
		return &AltSettingStatusHeader{Status: raw[0], Interface: raw[1], Alt: raw[2]}
	case PktStartIsoStream:
		return &StartIsoStreamHeader{Endpoint: raw[0], PktsPerTransfer: raw[1], TransferCount: raw[2]}
	case PktStopIsoStream:
		return &StopIsoStreamHeader{Endpoint: raw[0]}
	case PktIsoStreamStatus:
		return &IsoStreamStatusHeader{Status: raw[0], Endpoint: raw[1]}
	case PktStartInterruptReceiving:
		return &StartInterruptReceivingHeader{Endpoint: raw[0]}
	case PktStopInterruptReceiving:
		return &StopInterruptReceivingHeader{Endpoint: raw[0]}
	case PktInterruptReceivingStatus:
		return &InterruptReceivingStatusHeader{Status: raw[0], Endpoint: raw[1]}
	case PktAllocBulkStreams:
		return &AllocBulkStreamsHeader{Endpoints: le.Uint32(raw[0:]), NoStreams: le.Uint32(raw[4:])}
	case PktFreeBulkStreams:
		return &FreeBulkStreamsHeader{Endpoints: le.Uint32(raw[0:])}
	case PktBulkStreamsStatus:
		return &BulkStreamsStatusHeader{
			Endpoints: le.Uint32(raw[0:]),
			NoStreams: le.Uint32(raw[4:]),
			Status:    raw[8],
		}
	case PktStartBulkReceiving:
		return &StartBulkReceivingHeader{
			StreamID:         le.Uint32(raw[0:]),
			BytesPerTransfer: le.Uint32(raw[4:]),
			Endpoint:         raw[8],
			NoTransfers:      raw[9],
		}
	case PktStopBulkReceiving:
		return &StopBulkReceivingHeader{StreamID: le.Uint32(raw[0:]), Endpoint: raw[4]}
	case PktBulkReceivingStatus:
		return &BulkReceivingStatusHeader{StreamID: le.Uint32(raw[0:]), Endpoint: raw[4], Status: raw[5]}
	case PktControlPacket:
		return &ControlPacketHeader{
			Endpoint:    raw[0],
			Request:     raw[1],
			RequestType: raw[2],
			Status:      raw[3],
			Value:       le.Uint16(raw[4:]),
			Index:       le.Uint16(raw[6:]),
			Length:      le.Uint16(raw[8:]),
		}
	case PktBulkPacket:
		h := &BulkPacketHeader{
			Endpoint: raw[0],
			Status:   raw[1],
			Length:   le.Uint16(raw[2:]),
			StreamID: le.Uint32(raw[4:]),
		}
		if len(raw) >= bulkPacketLen {
			h.LengthHigh = le.Uint16(raw[8:])
		}
		return h
	case PktIsoPacket:
		return &IsoPacketHeader{Endpoint: raw[0], Status: raw[1], Length: le.Uint16(raw[2:])}
	case PktInterruptPacket:
		return &InterruptPacketHeader{Endpoint: raw[0], Status: raw[1], Length: le.Uint16(raw[2:])}
	case PktBufferedBulkPacket:
		return &BufferedBulkPacketHeader{
			StreamID: le.Uint32(raw[0:]),
			Length:   le.Uint32(raw[4:]),
			Endpoint: raw[8],
			Status:   raw[9],
		}
	default:
		return nil
	}
}

// encodeTypeHeader writes hdr into buf. len(buf) was already fixed by
// typeHeaderLen; fields beyond the negotiated layout are not written.
// It returns false when hdr does not have the type pktType requires.
func encodeTypeHeader(pktType uint32, hdr interface{}, buf []byte) bool {
	switch pktType {
	case PktHello:
		h, ok := hdr.(*HelloHeader)
		if !ok {
			return false
		}
		for i := range buf {
			buf[i] = 0
		}
		v := h.Version
		if len(v) > helloHeaderLen-1 {
			v = v[:helloHeaderLen-1]
		}
		copy(buf, v)
	case PktDeviceConnect:
		h, ok := hdr.(*DeviceConnectHeader)
		if !ok {
			return false
		}
		buf[0] = h.Speed
		buf[1] = h.DeviceClass
		buf[2] = h.DeviceSubclass
		buf[3] = h.DeviceProtocol
		le.PutUint16(buf[4:], h.VendorID)
		le.PutUint16(buf[6:], h.ProductID)
		if len(buf) >= deviceConnectLen {
			le.PutUint16(buf[8:], h.DeviceVersionBCD)
		}
	case PktInterfaceInfo:
		h, ok := hdr.(*InterfaceInfoHeader)
		if !ok {
			return false
		}
		le.PutUint32(buf[0:], h.InterfaceCount)
		copy(buf[4:36], h.Interface[:])
		copy(buf[36:68], h.InterfaceClass[:])
		copy(buf[68:100], h.InterfaceSubclass[:])
		copy(buf[100:132], h.InterfaceProtocol[:])
	case PktEpInfo:
		h, ok := hdr.(*EpInfoHeader)
		if !ok {
			return false
		}
		copy(buf[0:32], h.Type[:])
		copy(buf[32:64], h.Interval[:])
		copy(buf[64:96], h.Interface[:])
		if len(buf) >= epInfoLenNoMaxStreams {
			for i := 0; i < 32; i++ {
				le.PutUint16(buf[96+2*i:], h.MaxPacketSize[i])
			}
		}
		if len(buf) >= epInfoLen {
			for i := 0; i < 32; i++ {
				le.PutUint32(buf[160+4*i:], h.MaxStreams[i])
			}
		}
	case PktSetConfiguration:
		h, ok := hdr.(*SetConfigurationHeader)
		if !ok {
			return false
		}
		buf[0] = h.Configuration
	case PktConfigurationStatus:
		h, ok := hdr.(*ConfigurationStatusHeader)
		if !ok {
			return false
		}
		buf[0] = h.Status
		buf[1] = h.Configuration
	case PktSetAltSetting:
		h, ok := hdr.(*SetAltSettingHeader)
		if !ok {
			return false
		}
		buf[0] = h.Interface
		buf[1] = h.Alt
	case PktGetAltSetting:
		h, ok := hdr.(*GetAltSettingHeader)
		if !ok {
			return false
		}
		buf[0] = h.Interface
	case PktAltSettingStatus:
		h, ok := hdr.(*AltSettingStatusHeader)
		if !ok {
			return false
		}
		buf[0] = h.Status
		buf[1] = h.Interface
		buf[2] = h.Alt
	case PktStartIsoStream:
		h, ok := hdr.(*StartIsoStreamHeader)
		if !ok {
			return false
		}
		buf[0] = h.Endpoint
		buf[1] = h.PktsPerTransfer
		buf[2] = h.TransferCount
	case PktStopIsoStream:
		h, ok := hdr.(*StopIsoStreamHeader)
		if !ok {
			return false
		}
		buf[0] = h.Endpoint
	case PktIsoStreamStatus:
		h, ok := hdr.(*IsoStreamStatusHeader)
		if !ok {
			return false
		}
		buf[0] = h.Status
		buf[1] = h.Endpoint
	case PktStartInterruptReceiving:
		h, ok := hdr.(*StartInterruptReceivingHeader)
		if !ok {
			return false
		}
		buf[0] = h.Endpoint
	case PktStopInterruptReceiving:
		h, ok := hdr.(*StopInterruptReceivingHeader)
		if !ok {
			return false
		}
		buf[0] = h.Endpoint
	case PktInterruptReceivingStatus:
		h, ok := hdr.(*InterruptReceivingStatusHeader)
		if !ok {
			return false
		}
		buf[0] = h.Status
		buf[1] = h.Endpoint
	case PktAllocBulkStreams:
		h, ok := hdr.(*AllocBulkStreamsHeader)
		if !ok {
			return false
		}
		le.PutUint32(buf[0:], h.Endpoints)
		le.PutUint32(buf[4:], h.NoStreams)
	case PktFreeBulkStreams:
		h, ok := hdr.(*FreeBulkStreamsHeader)
		if !ok {
			return false
		}
		le.PutUint32(buf[0:], h.Endpoints)
	case PktBulkStreamsStatus:
		h, ok := hdr.(*BulkStreamsStatusHeader)
		if !ok {
			return false
		}
		le.PutUint32(buf[0:], h.Endpoints)
		le.PutUint32(buf[4:], h.NoStreams)
		buf[8] = h.Status
	case PktStartBulkReceiving:
		h, ok := hdr.(*StartBulkReceivingHeader)
		if !ok {
			return false
		}
		le.PutUint32(buf[0:], h.StreamID)
		le.PutUint32(buf[4:], h.BytesPerTransfer)
		buf[8] = h.Endpoint
		buf[9] = h.NoTransfers
	case PktStopBulkReceiving:
		h, ok := hdr.(*StopBulkReceivingHeader)
		if !ok {
			return false
		}
		le.PutUint32(buf[0:], h.StreamID)
		buf[4] = h.Endpoint
	case PktBulkReceivingStatus:
		h, ok := hdr.(*BulkReceivingStatusHeader)
		if !ok {
			return false
		}
		le.PutUint32(buf[0:], h.StreamID)
		buf[4] = h.Endpoint
		buf[5] = h.Status
	case PktControlPacket:
		h, ok := hdr.(*ControlPacketHeader)
		if !ok {
			return false
		}
		buf[0] = h.Endpoint
		buf[1] = h.Request
		buf[2] = h.RequestType
		buf[3] = h.Status
		le.PutUint16(buf[4:], h.Value)
		le.PutUint16(buf[6:], h.Index)
		le.PutUint16(buf[8:], h.Length)
	case PktBulkPacket:
		h, ok := hdr.(*BulkPacketHeader)
		if !ok {
			return false
		}
		buf[0] = h.Endpoint
		buf[1] = h.Status
		le.PutUint16(buf[2:], h.Length)
		le.PutUint32(buf[4:], h.StreamID)
		if len(buf) >= bulkPacketLen {
			le.PutUint16(buf[8:], h.LengthHigh)
		}
	case PktIsoPacket:
		h, ok := hdr.(*IsoPacketHeader)
		if !ok {
			return false
		}
		buf[0] = h.Endpoint
		buf[1] = h.Status
		le.PutUint16(buf[2:], h.Length)
	case PktInterruptPacket:
		h, ok := hdr.(*InterruptPacketHeader)
		if !ok {
			return false
		}
		buf[0] = h.Endpoint
		buf[1] = h.Status
		le.PutUint16(buf[2:], h.Length)
	case PktBufferedBulkPacket:
		h, ok := hdr.(*BufferedBulkPacketHeader)
		if !ok {
			return false
		}
		le.PutUint32(buf[0:], h.StreamID)
		le.PutUint32(buf[4:], h.Length)
		buf[8] = h.Endpoint
		buf[9] = h.Status
	default:
		// No type specific header.
		if hdr != nil {
			return false
		}
	}
	return true
}
