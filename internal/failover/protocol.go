// Package failover implements the ISC-compatible DHCP failover protocol: a
// long-lived, length-prefix-framed TCP session between two servers sharing a
// subnet's address pools, carrying connection handshake, heartbeat, binding
// replication, and bulk reconciliation messages.
package failover

import (
	"encoding/binary"
	"fmt"
	"net"
)

// MsgType is a failover wire message type.
type MsgType uint8

// Message types, numbered as on the wire.
const (
	MsgConnect    MsgType = 1
	MsgConnectAck MsgType = 2
	MsgState      MsgType = 3
	MsgContact    MsgType = 4
	MsgDisconnect MsgType = 5
	MsgBndUpd     MsgType = 6
	MsgBndAck     MsgType = 7
	MsgPoolReq    MsgType = 9
	MsgPoolResp   MsgType = 10
	MsgUpdReqAll  MsgType = 11
	MsgUpdDone    MsgType = 12
)

// frameHeaderLen is the 4-byte frame header: 2-byte length, 1-byte type,
// 1-byte reserved flags.
const frameHeaderLen = 4

// maxFrameLen is the largest total frame length the 2-byte length field can
// carry.
const maxFrameLen = 1<<16 - 1

// readFrame reads one length-prefixed frame from conn, returning its message
// type and payload.
func readFrame(conn net.Conn) (typ MsgType, payload []byte, err error) {
	var hdr [frameHeaderLen]byte
	if _, err = readFull(conn, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("reading frame header: %w", err)
	}

	total := binary.BigEndian.Uint16(hdr[0:2])
	if int(total) < frameHeaderLen {
		return 0, nil, fmt.Errorf("frame length %d shorter than header", total)
	}
	if int(total) > maxFrameLen {
		return 0, nil, fmt.Errorf("frame length %d exceeds maximum", total)
	}

	typ = MsgType(hdr[2])

	payload = make([]byte, int(total)-frameHeaderLen)
	if len(payload) > 0 {
		if _, err = readFull(conn, payload); err != nil {
			return 0, nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}

	return typ, payload, nil
}

// readFull reads exactly len(buf) bytes from conn.
func readFull(conn net.Conn, buf []byte) (n int, err error) {
	for n < len(buf) {
		var m int
		m, err = conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// writeFrame writes one length-prefixed frame to conn.
func writeFrame(conn net.Conn, typ MsgType, payload []byte) (err error) {
	total := frameHeaderLen + len(payload)
	if total > maxFrameLen {
		return fmt.Errorf("frame length %d exceeds maximum", total)
	}

	frame := make([]byte, total)
	binary.BigEndian.PutUint16(frame[0:2], uint16(total))
	frame[2] = byte(typ)
	frame[3] = 0
	copy(frame[frameHeaderLen:], payload)

	_, err = conn.Write(frame)

	return err
}

// ConnectPayload is the CONNECT message body.
type ConnectPayload struct {
	VersionMajor uint8
	VersionMinor uint8
	SendTime     uint32
	MCLT         uint32
	Split        uint8
	Role         uint8
	State        State
	LocalAddr    [4]byte
}

// connectPayloadLen is the fixed wire length of a CONNECT payload.
const connectPayloadLen = 1 + 1 + 4 + 4 + 1 + 1 + 1 + 4

// Encode serializes p.
func (p *ConnectPayload) Encode() (data []byte) {
	data = make([]byte, connectPayloadLen)
	data[0] = p.VersionMajor
	data[1] = p.VersionMinor
	binary.BigEndian.PutUint32(data[2:6], p.SendTime)
	binary.BigEndian.PutUint32(data[6:10], p.MCLT)
	data[10] = p.Split
	data[11] = p.Role
	data[12] = byte(p.State)
	copy(data[13:17], p.LocalAddr[:])

	return data
}

// DecodeConnectPayload parses a CONNECT payload.
func DecodeConnectPayload(data []byte) (p *ConnectPayload, err error) {
	if len(data) < 17 {
		return nil, fmt.Errorf("connect payload too short: %d bytes", len(data))
	}

	p = &ConnectPayload{
		VersionMajor: data[0],
		VersionMinor: data[1],
		SendTime:     binary.BigEndian.Uint32(data[2:6]),
		MCLT:         binary.BigEndian.Uint32(data[6:10]),
		Split:        data[10],
		Role:         data[11],
		State:        State(data[12]),
	}
	copy(p.LocalAddr[:], data[13:17])

	return p, nil
}

// ConnectAckPayload is the CONNECTACK message body.
type ConnectAckPayload struct {
	RejectReason uint8
	PeerState    State
}

// Encode serializes p.
func (p *ConnectAckPayload) Encode() (data []byte) {
	return []byte{p.RejectReason, byte(p.PeerState)}
}

// DecodeConnectAckPayload parses a CONNECTACK payload.
func DecodeConnectAckPayload(data []byte) (p *ConnectAckPayload, err error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("connectack payload too short: %d bytes", len(data))
	}

	return &ConnectAckPayload{RejectReason: data[0], PeerState: State(data[1])}, nil
}

// StatePayload is the STATE message body: the sender's current state.
type StatePayload struct {
	State State
}

// Encode serializes p.
func (p *StatePayload) Encode() (data []byte) { return []byte{byte(p.State)} }

// DecodeStatePayload parses a STATE payload.
func DecodeStatePayload(data []byte) (p *StatePayload, err error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("state payload too short")
	}

	return &StatePayload{State: State(data[0])}, nil
}

// BndUpdPayload is a BNDUPD binding update.
type BndUpdPayload struct {
	TxID         uint32
	Addr         [4]byte
	HWAddr       [6]byte
	BindingState uint8
	StartTime    uint32
	EndTime      uint32
}

// bndUpdLen is the fixed wire length of a BNDUPD payload.
const bndUpdLen = 4 + 4 + 6 + 1 + 4 + 4

// Encode serializes p.
func (p *BndUpdPayload) Encode() (data []byte) {
	data = make([]byte, bndUpdLen)
	binary.BigEndian.PutUint32(data[0:4], p.TxID)
	copy(data[4:8], p.Addr[:])
	copy(data[8:14], p.HWAddr[:])
	data[14] = p.BindingState
	binary.BigEndian.PutUint32(data[15:19], p.StartTime)
	binary.BigEndian.PutUint32(data[19:23], p.EndTime)

	return data
}

// DecodeBndUpdPayload parses a BNDUPD payload.
func DecodeBndUpdPayload(data []byte) (p *BndUpdPayload, err error) {
	if len(data) < bndUpdLen {
		return nil, fmt.Errorf("bndupd payload too short: %d bytes", len(data))
	}

	p = &BndUpdPayload{TxID: binary.BigEndian.Uint32(data[0:4])}
	copy(p.Addr[:], data[4:8])
	copy(p.HWAddr[:], data[8:14])
	p.BindingState = data[14]
	p.StartTime = binary.BigEndian.Uint32(data[15:19])
	p.EndTime = binary.BigEndian.Uint32(data[19:23])

	return p, nil
}

// BndAckPayload is a BNDACK acknowledgment.
type BndAckPayload struct {
	TxID   uint32
	Status uint8
}

// Encode serializes p.
func (p *BndAckPayload) Encode() (data []byte) {
	data = make([]byte, 5)
	binary.BigEndian.PutUint32(data[0:4], p.TxID)
	data[4] = p.Status

	return data
}

// DecodeBndAckPayload parses a BNDACK payload.
func DecodeBndAckPayload(data []byte) (p *BndAckPayload, err error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("bndack payload too short: %d bytes", len(data))
	}

	return &BndAckPayload{TxID: binary.BigEndian.Uint32(data[0:4]), Status: data[4]}, nil
}

// PoolReqPayload names the pool a POOLREQ asks about.
type PoolReqPayload struct {
	PoolID string
}

// Encode serializes p.
func (p *PoolReqPayload) Encode() (data []byte) { return []byte(p.PoolID) }

// DecodePoolReqPayload parses a POOLREQ payload.
func DecodePoolReqPayload(data []byte) (p *PoolReqPayload, err error) {
	return &PoolReqPayload{PoolID: string(data)}, nil
}

// PoolRespPayload answers a POOLREQ with a pool's current utilization.
//
// The distillation this protocol is drawn from lists only POOLREQ among the
// failover messages; POOLRESP is restored here from the underlying ISC
// failover draft as its symmetric response. Only the payload encoding is
// provided: the engine never sends POOLRESP, and the lease store keeps no
// per-pool free/total counts.
type PoolRespPayload struct {
	PoolID string
	Free   uint32
	Total  uint32
}

// Encode serializes p.
func (p *PoolRespPayload) Encode() (data []byte) {
	data = make([]byte, 8+len(p.PoolID))
	binary.BigEndian.PutUint32(data[0:4], p.Free)
	binary.BigEndian.PutUint32(data[4:8], p.Total)
	copy(data[8:], p.PoolID)

	return data
}

// DecodePoolRespPayload parses a POOLRESP payload.
func DecodePoolRespPayload(data []byte) (p *PoolRespPayload, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("poolresp payload too short: %d bytes", len(data))
	}

	return &PoolRespPayload{
		Free:   binary.BigEndian.Uint32(data[0:4]),
		Total:  binary.BigEndian.Uint32(data[4:8]),
		PoolID: string(data[8:]),
	}, nil
}
