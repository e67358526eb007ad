package dhcp4

import (
	"fmt"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// minFrameLen is the fixed BOOTP header length, before the magic cookie and
// options.
const minFrameLen = 236

// magicCookie is the RFC 2131 magic cookie that must appear at offset 236.
var magicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

// bufSize is the size of a pooled receive/send buffer.  1500 covers the
// Ethernet MTU; DHCP frames never need more.
const bufSize = 1500

// bufferPool is the packet buffer pool referenced by the link capture and
// encode paths.  Buffers are not zero-initialized between uses: every
// consumer that writes a fixed-width field derived from a shorter value
// (sname, file) must zero-pad it itself.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, bufSize)

		return &buf
	},
}

// getBuffer returns a pooled buffer of bufSize bytes.  Its contents are not
// guaranteed to be zero.
func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// putBuffer returns buf to the pool.
func putBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}

// DecodeRequest validates and decodes a captured UDP payload into a DHCPv4
// message.  It returns [ErrShortFrame], [ErrBadMagic], or [ErrNotRequest] for
// the three failure kinds the pre-parse validation pass is responsible for;
// any other error comes from the underlying TLV option decode.
func DecodeRequest(buf []byte) (msg *layers.DHCPv4, err error) {
	if len(buf) < minFrameLen+len(magicCookie) {
		return nil, ErrShortFrame
	}

	var cookie [4]byte
	copy(cookie[:], buf[minFrameLen:minFrameLen+4])
	if cookie != magicCookie {
		return nil, ErrBadMagic
	}

	// op is byte 0.
	if buf[0] != byte(layers.DHCPOpRequest) {
		return nil, ErrNotRequest
	}

	msg = &layers.DHCPv4{}
	if err = msg.DecodeFromBytes(buf, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("decoding options: %w", err)
	}

	return msg, nil
}

// fixedField returns a zero-padded byte slice of exactly width bytes,
// containing s truncated to width if necessary.  The allocation is always
// zero-filled by Go, satisfying the requirement that sname/file be zeroed
// before write even though the capture buffer pool itself is not.
func fixedField(s string, width int) []byte {
	field := make([]byte, width)
	n := copy(field, s)
	_ = n

	return field
}

// EncodeReply serializes resp, a reply message already populated by the
// dispatcher, into wire bytes.  sname and file are passed as plain strings
// so that fixedField can guarantee the zero-padding testable property
// regardless of whatever the underlying serialize buffer previously held.
func EncodeReply(resp *layers.DHCPv4, sname, file string) (out []byte, err error) {
	resp.ServerName = fixedField(sname, 64)
	resp.File = fixedField(file, 128)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}

	if err = resp.SerializeTo(buf, opts); err != nil {
		return nil, fmt.Errorf("serializing reply: %w", err)
	}

	// Copy out of the serialize buffer: its backing array is reused across
	// calls made with the same gopacket.SerializeBuffer, but we return a
	// buffer owned by the caller.
	out = make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())

	return out, nil
}

// ResponseMessageType returns the message-type option (53) encoded in data,
// a byte stream previously produced by EncodeReply.  It is a pure function
// of the bytes, used by the dispatcher purely for metrics classification.
func ResponseMessageType(data []byte) (typ layers.DHCPMsgType, ok bool) {
	msg := &layers.DHCPv4{}
	if err := msg.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return 0, false
	}

	return msg4Type(msg)
}
