package failover

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectPayload_RoundTrip(t *testing.T) {
	p := &ConnectPayload{
		VersionMajor: 1,
		VersionMinor: 0,
		SendTime:     1_700_000_000,
		MCLT:         3600,
		Split:        128,
		Role:         0,
		State:        StateNormal,
		LocalAddr:    [4]byte{192, 0, 2, 1},
	}

	decoded, err := DecodeConnectPayload(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestConnectPayload_TooShort(t *testing.T) {
	_, err := DecodeConnectPayload(make([]byte, 10))
	assert.Error(t, err)
}

func TestBndUpdPayload_RoundTrip(t *testing.T) {
	p := &BndUpdPayload{
		TxID:         42,
		Addr:         [4]byte{10, 0, 0, 5},
		HWAddr:       [6]byte{0, 1, 2, 3, 4, 5},
		BindingState: uint8(3),
		StartTime:    1_700_000_000,
		EndTime:      1_700_003_600,
	}

	decoded, err := DecodeBndUpdPayload(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestPoolRespPayload_RoundTrip(t *testing.T) {
	p := &PoolRespPayload{PoolID: "pool-a", Free: 10, Total: 254}

	decoded, err := DecodePoolRespPayload(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := (&BndAckPayload{TxID: 7, Status: 0}).Encode()

	go func() {
		_ = writeFrame(client, MsgBndAck, payload)
	}()

	typ, got, err := readFrame(server)
	require.NoError(t, err)
	assert.Equal(t, MsgBndAck, typ)
	assert.Equal(t, payload, got)
}

func TestReadFrame_RejectsLengthShorterThanHeader(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	hdr := []byte{0x00, 0x02, byte(MsgBndAck), 0}

	go func() {
		_, _ = client.Write(hdr)
	}()

	_, _, err := readFrame(server)
	assert.Error(t, err)
}
