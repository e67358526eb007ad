package failover

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/dhcpfailoverd/internal/dhcp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersister struct{}

func (fakePersister) ApplyBatch(context.Context, []dhcp4.BatchOp) error        { return nil }
func (fakePersister) LoadActiveLeases(context.Context) ([]*dhcp4.Lease, error) { return nil, nil }

func testEngine(t *testing.T) *Engine {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := dhcp4.NewLeaseStore(logger, fakePersister{}, nil, time.Hour)

	cfg := Config{Primary: true, Split: 128, MCLT: time.Hour, MaxUnackedUpdates: 4}

	return NewEngine(logger, cfg, store)
}

func TestEngine_ClampEndTime_NoPeerEcho(t *testing.T) {
	e := testEngine(t)

	hw := net.HardwareAddr{0, 1, 2, 3, 4, 5}
	lease := &dhcp4.Lease{
		HWAddr: hw,
		Start:  time.Now(),
		End:    time.Now().Add(2 * time.Hour),
	}

	assert.Equal(t, lease.End, e.clampEndTime(lease))
}

func TestEngine_ClampEndTime_BoundsByMCLT(t *testing.T) {
	e := testEngine(t)

	hw := net.HardwareAddr{0, 1, 2, 3, 4, 5}
	key, ok := dhcp4.NewHWKey(hw)
	require.True(t, ok)

	peerEnd := time.Now().Add(30 * time.Minute)
	e.peerEnd.Store(key, uint32(peerEnd.Unix()))

	lease := &dhcp4.Lease{
		HWAddr: hw,
		Start:  time.Now(),
		End:    peerEnd.Add(2 * time.Hour),
	}

	got := e.clampEndTime(lease)
	assert.True(t, got.Before(lease.End))
	assert.WithinDuration(t, peerEnd.Add(e.cfg.MCLT), got, time.Second)
}

func TestEngine_HandleBndUpd_ActiveUpsertsAndStale(t *testing.T) {
	e := testEngine(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	addr := netip.MustParseAddr("10.0.0.5")
	hw := [6]byte{0, 1, 2, 3, 4, 5}

	fresh := &BndUpdPayload{
		Addr: func() (a [4]byte) {
			copy(a[:], addr.AsSlice())
			return a
		}(),
		HWAddr:       hw,
		BindingState: uint8(dhcp4.BindingActive),
		StartTime:    uint32(time.Now().Unix()),
		EndTime:      uint32(time.Now().Add(time.Hour).Unix()),
	}

	ctx := context.Background()

	ackDone := make(chan struct{})
	go func() {
		_, _, _ = readFrame(client)
		close(ackDone)
	}()

	e.handleBndUpd(ctx, server, fresh.Encode())
	<-ackDone

	lease, ok := e.store.ByAddr(addr)
	require.True(t, ok)
	assert.Equal(t, fresh.EndTime, uint32(lease.End.Unix()))

	stale := *fresh
	stale.EndTime = uint32(time.Now().Add(10 * time.Minute).Unix())

	ackDone2 := make(chan struct{})
	go func() {
		_, _, _ = readFrame(client)
		close(ackDone2)
	}()

	e.handleBndUpd(ctx, server, stale.Encode())
	<-ackDone2

	lease, ok = e.store.ByAddr(addr)
	require.True(t, ok)
	assert.Equal(t, fresh.EndTime, uint32(lease.End.Unix()), "stale update must not overwrite")
}

func TestEngine_MayServe_RespectsStateAndSplit(t *testing.T) {
	e := testEngine(t)

	hw := net.HardwareAddr{0, 0, 0, 0, 0, 1}

	e.setState(StateStartup)
	assert.False(t, e.MayServe(hw))

	e.setState(StateNormal)
	e.balancer.Split = hashHW(hw) + 1
	e.balancer.Primary = true
	assert.True(t, e.MayServe(hw))
}
