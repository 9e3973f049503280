package redir

import "fmt"

// Serialization format, little-endian:
//	uint32 MAGIC: 0x55525031 ascii: URP1 (UsbRedirParser version 1)
//	uint32 len: length of the entire serialized state, including MAGIC
//	uint32 our_caps_len, uint32 our_caps[our_caps_len]
//	uint32 peer_caps_len, uint32 peer_caps[peer_caps_len]
//	uint32 to_skip
//	uint32 header_read, uint8 header[header_read]
//	uint32 type_header_read, uint8 type_header[type_header_read]
//	uint32 data_read, uint8 data[data_read]
//	uint32 write_buf_count, followed by write_buf_count times:
//		uint32 write_buf_len, uint8 write_buf_data[write_buf_len]

const SerializeMagic = 0x55525031

type serializer struct {
	buf []byte
}

func (s *serializer) writeInt(v uint32) {
	var b [4]byte
	le.PutUint32(b[:], v)
	s.buf = append(s.buf, b[:]...)
}

func (s *serializer) writeData(data []byte) {
	s.writeInt(uint32(len(data)))
	s.buf = append(s.buf, data...)
}

type unserializer struct {
	buf []byte
	pos int
}

func (u *unserializer) readInt() (uint32, error) {
	if u.pos+4 > len(u.buf) {
		return 0, fmt.Errorf("redir: buffer underrun while unserializing state")
	}
	v := le.Uint32(u.buf[u.pos:])
	u.pos += 4
	return v, nil
}

func (u *unserializer) readData(max int) ([]byte, error) {
	l, err := u.readInt()
	if err != nil {
		return nil, err
	}
	if u.pos+int(l) > len(u.buf) {
		return nil, fmt.Errorf("redir: buffer underrun while unserializing state")
	}
	if max >= 0 && int(l) > max {
		return nil, fmt.Errorf("redir: buffer overrun while unserializing state")
	}
	data := u.buf[u.pos : u.pos+int(l)]
	u.pos += int(l)
	return data, nil
}

// Serialize snapshots the complete parser state, the partially read
// frame and the queued writes included, into a byte blob that
// Unserialize can restore into a pristine parser on the other end of a
// connection handoff.
func (p *Parser) Serialize() []byte {
	s := &serializer{}

	s.writeInt(SerializeMagic)
	s.writeInt(0) // length, patched below

	caps := make([]byte, CapsSize*4)
	for i, w := range p.ourCaps {
		le.PutUint32(caps[4*i:], w)
	}
	s.writeData(caps)

	if p.havePeerCaps {
		for i, w := range p.peerCaps {
			le.PutUint32(caps[4*i:], w)
		}
		s.writeData(caps)
	} else {
		s.writeInt(0)
	}

	s.writeInt(uint32(p.toSkip))
	s.writeData(p.hdr[:p.hdrRead])
	s.writeData(p.typeHdr[:p.typeHdrRead])
	s.writeData(p.data[:p.dataRead])

	p.wq.mu.Lock()
	s.writeInt(uint32(len(p.wq.bufs)))
	for _, wbuf := range p.wq.bufs {
		s.writeData(wbuf.buf[wbuf.pos:])
	}
	p.wq.mu.Unlock()

	le.PutUint32(s.buf[4:], uint32(len(s.buf)))
	return s.buf
}

func (p *Parser) pristine() bool {
	return len(p.wq.bufs) == 0 && p.wq.size() == 0 &&
		p.data == nil && p.hdrRead == 0 &&
		p.typeHdrRead == 0 && p.dataRead == 0
}

// Unserialize restores state captured by Serialize. The target parser
// must be pristine (freshly created with FlagNoHello, no queued writes,
// no partial frame). A source missing some of our capabilities is
// accepted with a warning; a source with capabilities we lack is
// rejected.
func (p *Parser) Unserialize(state []byte) error {
	u := &unserializer{buf: state}

	magic, err := u.readInt()
	if err != nil {
		return err
	}
	if magic != SerializeMagic {
		return fmt.Errorf("redir: unserialize magic mismatch")
	}

	if !p.pristine() {
		return fmt.Errorf("redir: unserialization must use a pristine parser")
	}

	l, err := u.readInt()
	if err != nil {
		return err
	}
	if int(l) != len(state) {
		return fmt.Errorf("redir: unserialize length mismatch")
	}

	capsData, err := u.readData(CapsSize * 4)
	if err != nil {
		return err
	}
	var recvCaps [CapsSize]uint32
	for i := 0; i+4 <= len(capsData); i += 4 {
		recvCaps[i/4] = le.Uint32(capsData[i:])
	}
	for i := 0; i < CapsSize; i++ {
		if recvCaps[i] == p.ourCaps[i] {
			continue
		}
		// We want to allow restoring state from an older
		// implementation that is missing some of our features.
		if recvCaps[i]&^p.ourCaps[i] != 0 {
			return fmt.Errorf("redir: unserialize caps mismatch ours: %x recv: %x",
				p.ourCaps[i], recvCaps[i])
		}
		p.log.Warningf("unserialize missing some caps; ours: %x recv: %x",
			p.ourCaps[i], recvCaps[i])
	}
	p.ourCaps = recvCaps

	capsData, err = u.readData(CapsSize * 4)
	if err != nil {
		return err
	}
	for i := range p.peerCaps {
		p.peerCaps[i] = 0
	}
	for i := 0; i+4 <= len(capsData); i += 4 {
		p.peerCaps[i/4] = le.Uint32(capsData[i:])
	}
	if len(capsData) > 0 {
		p.havePeerCaps = true
	}

	skip, err := u.readInt()
	if err != nil {
		return err
	}
	p.toSkip = int(skip)

	headerLen := p.headerLen()
	hdrData, err := u.readData(headerLen)
	if err != nil {
		return err
	}
	copy(p.hdr[:], hdrData)
	p.hdrRead = len(hdrData)
	p.typeHdrLen = 0

	// Rederive the length fields from the header, if complete.
	if p.hdrRead == headerLen {
		if int64(p.hdrLength()) > MaxPacketSize {
			return fmt.Errorf("redir: packet length of %d larger than permitted %d bytes",
				p.hdrLength(), MaxPacketSize)
		}
		typeHdrLen := p.typeHeaderLen(p.hdrType(), false)
		if typeHdrLen < 0 ||
			int(p.hdrLength()) < typeHdrLen ||
			(int(p.hdrLength()) > typeHdrLen && !expectExtraData(p.hdrType())) {
			return fmt.Errorf("redir: unserialize packet header invalid")
		}
		p.typeHdrLen = typeHdrLen
	}

	typeHdrData, err := u.readData(p.typeHdrLen)
	if err != nil {
		return err
	}
	copy(p.typeHdr[:], typeHdrData)
	if p.hdrRead == headerLen {
		p.typeHdrRead = len(typeHdrData)
	}

	if p.typeHdrRead == p.typeHdrLen && p.hdrRead == headerLen {
		p.dataLen = int(p.hdrLength()) - p.typeHdrLen
	}
	data, err := u.readData(p.dataLen)
	if err != nil {
		return err
	}
	if p.dataLen > 0 {
		p.data = make([]byte, p.dataLen)
		copy(p.data, data)
		p.dataRead = len(data)
	}

	count, err := u.readInt()
	if err != nil {
		return err
	}
	for ; count > 0; count-- {
		buf, err := u.readData(-1)
		if err != nil {
			return err
		}
		if len(buf) == 0 {
			return fmt.Errorf("redir: write buffer %d is empty", count)
		}
		p.wq.push(append([]byte(nil), buf...))
	}

	if u.pos != len(state) {
		return fmt.Errorf("redir: unserialize %d bytes of extraneous state data",
			len(state)-u.pos)
	}

	return nil
}
