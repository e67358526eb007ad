package failover

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/dhcpfailoverd/internal/dhcp4"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"golang.org/x/sync/errgroup"
)

// protocolVersionMajor and protocolVersionMinor are advertised in CONNECT.
const (
	protocolVersionMajor = 1
	protocolVersionMinor = 0
)

// ackTimeout bounds how long the sender waits for a BNDACK. An update
// counts against max_unacked_updates while it waits and leaves the count
// when the wait ends, acked or not.
const ackTimeout = 5 * time.Second

// contactInterval is the CONTACT heartbeat period.
const contactInterval = 10 * time.Second

// Config configures one side of a failover peer relationship.
type Config struct {
	// Primary is true when this server holds the primary role; the
	// primary side initiates the TCP connection.
	Primary bool

	// LocalAddr is this server's address, advertised in CONNECT.
	LocalAddr netip.Addr

	// PeerDialAddr is dialed when Primary is true.
	PeerDialAddr string

	// ListenAddr is listened on when Primary is false.
	ListenAddr string

	// Split is the load-balance split point (see Balancer).
	Split uint8

	// MCLT is the maximum client lead time: the cap on how far a lease's
	// end-time may run ahead of what the peer has acknowledged.
	MCLT time.Duration

	// MaxResponseDelay is how long to wait for any message from the peer
	// in Normal state before declaring CommunicationsInterrupted.
	MaxResponseDelay time.Duration

	// AutoPartnerDown is how long to remain in CommunicationsInterrupted
	// before assuming the peer is down entirely. Zero disables automatic
	// transition.
	AutoPartnerDown time.Duration

	// MaxUnackedUpdates bounds outstanding BNDUPDs: while that many are
	// outstanding, further updates are dropped rather than sent. Zero
	// disables the bound.
	MaxUnackedUpdates int
}

// Engine runs one side of a failover peer relationship: it maintains the
// TCP session, replicates bindings to the peer, applies bindings the peer
// replicates to it, and tracks the state machine that decides which
// clients this server may answer.
type Engine struct {
	logger *slog.Logger
	cfg    Config
	store  *dhcp4.LeaseStore

	balancer *Balancer
	backoff  *backoff

	mu          sync.RWMutex
	conn        net.Conn
	state       State
	peerState   State
	lastContact time.Time
	sinceCI     time.Time

	txMu    sync.Mutex
	nextTx  uint32
	pending map[uint32]chan uint8

	peerEnd sync.Map // dhcp4.HWKey -> uint32 unix seconds
}

// NewEngine constructs an Engine. store is the authoritative lease store
// that local BNDUPDs are drawn from and remote BNDUPDs are applied to.
func NewEngine(logger *slog.Logger, cfg Config, store *dhcp4.LeaseStore) (e *Engine) {
	return &Engine{
		logger:   logger,
		cfg:      cfg,
		store:    store,
		state:    StateStartup,
		balancer: &Balancer{Split: cfg.Split, Primary: cfg.Primary},
		backoff:  newBackoff(),
		pending:  make(map[uint32]chan uint8),
	}
}

// type check
var _ dhcp4.BindingReplicator = (*Engine)(nil)

// Run drives the connect/handshake/session/reconnect lifecycle until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) (err error) {
	for {
		if ctx.Err() != nil {
			e.setState(StateShutdown)

			return nil
		}

		conn, cerr := e.establish(ctx)
		if cerr != nil {
			e.logger.WarnContext(ctx, "failover connection failed", slogutil.KeyError, cerr)

			select {
			case <-time.After(e.backoff.Next()):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		e.backoff.Reset()

		if serr := e.runSession(ctx, conn); serr != nil {
			e.logger.WarnContext(ctx, "failover session ended", slogutil.KeyError, serr)
		}

		e.setState(StateCommsInterrupted)
		e.mu.Lock()
		e.sinceCI = time.Now()
		e.mu.Unlock()
	}
}

// establish opens the TCP connection, dialing if this server is primary and
// listening otherwise, then exchanges CONNECT/CONNECTACK.
func (e *Engine) establish(ctx context.Context) (conn net.Conn, err error) {
	if e.cfg.Primary {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", e.cfg.PeerDialAddr)
		if err != nil {
			return nil, fmt.Errorf("dialing peer: %w", err)
		}
	} else {
		lc := &net.ListenConfig{}
		ln, lerr := lc.Listen(ctx, "tcp", e.cfg.ListenAddr)
		if lerr != nil {
			return nil, fmt.Errorf("listening for peer: %w", lerr)
		}
		defer ln.Close()

		conn, err = ln.Accept()
		if err != nil {
			return nil, fmt.Errorf("accepting peer: %w", err)
		}
	}

	if err = e.handshake(conn); err != nil {
		conn.Close()

		return nil, err
	}

	return conn, nil
}

// handshake exchanges CONNECT and CONNECTACK.
func (e *Engine) handshake(conn net.Conn) (err error) {
	role := uint8(1)
	if e.cfg.Primary {
		role = 0
	}

	local := e.cfg.LocalAddr.As4()
	connect := &ConnectPayload{
		VersionMajor: protocolVersionMajor,
		VersionMinor: protocolVersionMinor,
		SendTime:     uint32(time.Now().Unix()),
		MCLT:         uint32(e.cfg.MCLT.Seconds()),
		Split:        e.cfg.Split,
		Role:         role,
		State:        e.getState(),
		LocalAddr:    local,
	}

	if err = writeFrame(conn, MsgConnect, connect.Encode()); err != nil {
		return fmt.Errorf("sending connect: %w", err)
	}

	typ, payload, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("reading handshake reply: %w", err)
	}

	switch typ {
	case MsgConnect:
		peerConnect, derr := DecodeConnectPayload(payload)
		if derr != nil {
			return fmt.Errorf("decoding peer connect: %w", derr)
		}

		e.setPeerState(peerConnect.State)

		ack := &ConnectAckPayload{RejectReason: 0, PeerState: e.getState()}
		if err = writeFrame(conn, MsgConnectAck, ack.Encode()); err != nil {
			return fmt.Errorf("sending connectack: %w", err)
		}
	case MsgConnectAck:
		ack, derr := DecodeConnectAckPayload(payload)
		if derr != nil {
			return fmt.Errorf("decoding connectack: %w", derr)
		}
		if ack.RejectReason != 0 {
			return fmt.Errorf("peer rejected connect: reason %d", ack.RejectReason)
		}

		e.setPeerState(ack.PeerState)
	default:
		return fmt.Errorf("unexpected handshake message type %d", typ)
	}

	e.mu.Lock()
	e.conn = conn
	e.lastContact = time.Now()
	e.mu.Unlock()

	e.setState(StateNormal)

	return nil
}

// runSession drives the read loop, the heartbeat loop, and the liveness
// watchdog concurrently until one of them fails or ctx is canceled.
func (e *Engine) runSession(ctx context.Context, conn net.Conn) (err error) {
	defer conn.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(sessCtx)

	g.Go(func() error { return e.readLoop(gctx, conn) })
	g.Go(func() error { return e.heartbeatLoop(gctx, conn) })
	g.Go(func() error { return e.livenessLoop(gctx) })

	err = g.Wait()

	e.mu.Lock()
	e.conn = nil
	e.mu.Unlock()

	if ctx.Err() != nil {
		e.sendDisconnect(conn)

		return nil
	}

	return err
}

// sendDisconnect best-effort notifies the peer of an orderly shutdown.
func (e *Engine) sendDisconnect(conn net.Conn) {
	_ = writeFrame(conn, MsgDisconnect, nil)
}

// readLoop reads and dispatches frames from the peer until the connection
// fails or ctx is canceled.
func (e *Engine) readLoop(ctx context.Context, conn net.Conn) (err error) {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		typ, payload, rerr := readFrame(conn)
		if rerr != nil {
			return fmt.Errorf("reading frame: %w", rerr)
		}

		e.mu.Lock()
		e.lastContact = time.Now()
		e.mu.Unlock()

		e.handleFrame(ctx, conn, typ, payload)
	}
}

// handleFrame applies one decoded inbound frame.
func (e *Engine) handleFrame(ctx context.Context, conn net.Conn, typ MsgType, payload []byte) {
	switch typ {
	case MsgContact:
		// heartbeat; lastContact already updated by readLoop.
	case MsgState:
		p, err := DecodeStatePayload(payload)
		if err != nil {
			e.logger.WarnContext(ctx, "decoding state message", slogutil.KeyError, err)

			return
		}

		e.setPeerState(p.State)
	case MsgBndUpd:
		e.handleBndUpd(ctx, conn, payload)
	case MsgBndAck:
		e.handleBndAck(payload)
	case MsgDisconnect:
		e.setPeerState(StateShutdown)
	case MsgUpdReqAll:
		e.sendAllBindings(ctx, conn)
	case MsgUpdDone:
		// reconciliation stream complete; nothing further to do.
	case MsgPoolReq, MsgPoolResp:
		// accepted and ignored; the engine does not answer POOLREQ.
	default:
		e.logger.WarnContext(ctx, "unknown failover message type", "type", typ)
	}
}

// handleBndUpd applies a peer's binding update idempotently and acks it.
func (e *Engine) handleBndUpd(ctx context.Context, conn net.Conn, payload []byte) {
	upd, err := DecodeBndUpdPayload(payload)
	if err != nil {
		e.logger.WarnContext(ctx, "decoding bndupd", slogutil.KeyError, err)

		return
	}

	status := uint8(0)

	addr := netip.AddrFrom4(upd.Addr)
	hw := net.HardwareAddr(upd.HWAddr[:])

	switch dhcp4.BindingState(upd.BindingState) {
	case dhcp4.BindingActive:
		lease := &dhcp4.Lease{
			HWAddr:  hw,
			Address: addr,
			Start:   time.Unix(int64(upd.StartTime), 0),
			End:     time.Unix(int64(upd.EndTime), 0),
		}

		if existing, ok := e.store.ByAddr(addr); !ok || existing.End.Unix() < int64(upd.EndTime) {
			// Overwrite only on a strictly greater end-time; otherwise the
			// incoming update is stale relative to what we already hold.
			e.store.Upsert(ctx, lease)
		}

		if key, ok := dhcp4.NewHWKey(hw); ok {
			e.peerEnd.Store(key, upd.EndTime)
		}
	case dhcp4.BindingFree, dhcp4.BindingReleased, dhcp4.BindingExpired, dhcp4.BindingAbandoned, dhcp4.BindingReset:
		e.store.DeleteByHW(ctx, hw)
	default:
		status = 1
	}

	ack := &BndAckPayload{TxID: upd.TxID, Status: status}
	if werr := writeFrame(conn, MsgBndAck, ack.Encode()); werr != nil {
		e.logger.WarnContext(ctx, "acking bndupd", slogutil.KeyError, werr)
	}
}

// handleBndAck resolves a pending ReplicateBinding/ReplicateRelease call
// waiting on this tx-id.
func (e *Engine) handleBndAck(payload []byte) {
	ack, err := DecodeBndAckPayload(payload)
	if err != nil {
		return
	}

	e.txMu.Lock()
	ch, ok := e.pending[ack.TxID]
	if ok {
		delete(e.pending, ack.TxID)
	}
	e.txMu.Unlock()

	if ok {
		ch <- ack.Status
	}
}

// sendAllBindings streams every binding the local store holds as BNDUPDs in
// response to UPDREQALL, followed by UPDDONE.
func (e *Engine) sendAllBindings(ctx context.Context, conn net.Conn) {
	for _, lease := range e.store.All() {
		upd := &BndUpdPayload{
			TxID:         e.nextTxID(),
			BindingState: uint8(dhcp4.BindingActive),
			StartTime:    uint32(lease.Start.Unix()),
			EndTime:      uint32(lease.End.Unix()),
		}
		copy(upd.Addr[:], lease.Address.AsSlice())
		copy(upd.HWAddr[:], lease.HWAddr)

		if err := writeFrame(conn, MsgBndUpd, upd.Encode()); err != nil {
			e.logger.WarnContext(ctx, "streaming bndupd", slogutil.KeyError, err)

			return
		}
	}

	if err := writeFrame(conn, MsgUpdDone, nil); err != nil {
		e.logger.WarnContext(ctx, "sending upddone", slogutil.KeyError, err)
	}
}

// heartbeatLoop sends CONTACT every contactInterval until ctx is canceled.
func (e *Engine) heartbeatLoop(ctx context.Context, conn net.Conn) (err error) {
	ticker := time.NewTicker(contactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if werr := writeFrame(conn, MsgContact, nil); werr != nil {
				return fmt.Errorf("sending contact: %w", werr)
			}
		}
	}
}

// livenessLoop watches the time since the peer's last message and drives
// the Normal -> CommunicationsInterrupted -> PartnerDown transitions.
func (e *Engine) livenessLoop(ctx context.Context) (err error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.checkLiveness()
		}
	}
}

func (e *Engine) checkLiveness() {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateNormal:
		if e.cfg.MaxResponseDelay > 0 && time.Since(e.lastContact) > e.cfg.MaxResponseDelay {
			e.state = StateCommsInterrupted
			e.sinceCI = time.Now()
			e.logger.Warn("failover peer unresponsive, entering communications-interrupted")
		}
	case StateCommsInterrupted:
		if e.cfg.AutoPartnerDown > 0 && time.Since(e.sinceCI) > e.cfg.AutoPartnerDown {
			e.state = StatePartnerDown
			e.logger.Warn("failover peer presumed down, assuming full responsibility")
		}
	}
}

// ReplicateBinding implements [dhcp4.BindingReplicator]. It sends a BNDUPD
// for lease, respecting the MCLT rule and max_unacked_updates, and blocks
// up to ackTimeout for the peer's BNDACK.
func (e *Engine) ReplicateBinding(ctx context.Context, lease *dhcp4.Lease) {
	end := e.clampEndTime(lease)

	upd := &BndUpdPayload{
		BindingState: uint8(dhcp4.BindingActive),
		StartTime:    uint32(lease.Start.Unix()),
		EndTime:      uint32(end.Unix()),
	}
	copy(upd.Addr[:], lease.Address.AsSlice())
	copy(upd.HWAddr[:], lease.HWAddr)

	e.send(ctx, upd)
}

// ReplicateRelease implements [dhcp4.BindingReplicator]. It sends a BNDUPD
// marking addr Released.
func (e *Engine) ReplicateRelease(ctx context.Context, addr netip.Addr, hw net.HardwareAddr) {
	upd := &BndUpdPayload{
		BindingState: uint8(dhcp4.BindingReleased),
		EndTime:      uint32(time.Now().Unix()),
	}
	copy(upd.Addr[:], addr.AsSlice())
	copy(upd.HWAddr[:], hw)

	e.send(ctx, upd)
}

// clampEndTime enforces the MCLT rule: a lease's end-time must not run
// ahead of what the peer has acknowledged by more than MCLT.
func (e *Engine) clampEndTime(lease *dhcp4.Lease) (end time.Time) {
	if e.cfg.MCLT <= 0 {
		return lease.End
	}

	key, ok := dhcp4.NewHWKey(lease.HWAddr)
	if !ok {
		return lease.End
	}

	v, ok := e.peerEnd.Load(key)
	if !ok {
		return lease.End
	}

	limit := time.Unix(int64(v.(uint32)), 0).Add(e.cfg.MCLT)
	if lease.End.After(limit) {
		return limit
	}

	return lease.End
}

// send writes upd as a BNDUPD and waits up to ackTimeout for its BNDACK,
// logging but not blocking the caller indefinitely on a dead connection.
func (e *Engine) send(ctx context.Context, upd *BndUpdPayload) {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return
	}

	upd.TxID = e.nextTxID()

	ch := make(chan uint8, 1)
	e.txMu.Lock()
	if len(e.pending) >= e.cfg.MaxUnackedUpdates && e.cfg.MaxUnackedUpdates > 0 {
		e.txMu.Unlock()
		e.logger.WarnContext(ctx, "max_unacked_updates reached, dropping replication", "tx_id", upd.TxID)

		return
	}
	e.pending[upd.TxID] = ch
	e.txMu.Unlock()

	if err := writeFrame(conn, MsgBndUpd, upd.Encode()); err != nil {
		e.logger.WarnContext(ctx, "sending bndupd", slogutil.KeyError, err)
		e.txMu.Lock()
		delete(e.pending, upd.TxID)
		e.txMu.Unlock()

		return
	}

	select {
	case <-ch:
	case <-time.After(ackTimeout):
		e.txMu.Lock()
		delete(e.pending, upd.TxID)
		e.txMu.Unlock()
		e.logger.WarnContext(ctx, "bndack timed out", "tx_id", upd.TxID)
	case <-ctx.Done():
	}
}

// MayServe implements [dhcp4.BindingReplicator].
func (e *Engine) MayServe(hw net.HardwareAddr) (yes bool) {
	state := e.getState()
	if !state.CanServe() {
		return false
	}

	return e.balancer.MayServe(state, hw, 0)
}

func (e *Engine) nextTxID() (id uint32) {
	e.txMu.Lock()
	defer e.txMu.Unlock()

	e.nextTx++

	return e.nextTx
}

func (e *Engine) getState() (s State) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = s
}

// PeerState returns the most recently reported state of the failover peer,
// for status reporting.
func (e *Engine) PeerState() (s State) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.peerState
}

// State returns this server's own current failover state, for status
// reporting.
func (e *Engine) State() (s State) {
	return e.getState()
}

func (e *Engine) setPeerState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.peerState = s
}

