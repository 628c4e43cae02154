// Package fixsession implements the per-connection protocol state
// machine (C4): sequence-number discipline, the administrative message
// family, and the single-owner-goroutine concurrency model spec.md §5
// describes — one read task, one write task, one timer task per
// session, all state changes serialized through the session's own
// mutex.
package fixsession

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coreline/goldfix/internal/flog"
	"github.com/coreline/goldfix/pkg/fix"
	"github.com/coreline/goldfix/pkg/fixstore"
	"github.com/coreline/goldfix/pkg/fixtransport"
)

const timerTick = 200 * time.Millisecond

// outboundJob is one item on the session's single outbound queue.
// Normal application/admin sends draw a fresh sequence number and are
// persisted before transmission; replays (ResendRequest responses)
// already hold a previously-assigned number and are neither
// renumbered nor re-persisted.
type outboundJob struct {
	msg      *fix.Message // nil for a raw replay
	raw      []byte       // pre-encoded bytes for a raw replay
	isReplay bool
}

// Session is one live (or not-yet-started, or torn-down) connection
// between this engine and a single counterparty, identified by its
// SessionID. A Session is created once and is not reused across
// reconnects; pkg/fixengine owns reconnection by constructing a new
// one per attempt.
type Session struct {
	cfg     Config
	id      SessionID
	store   *fixstore.Store
	handler Handler
	log     flog.Logger

	mu    sync.Mutex
	state State

	conn *fixtransport.Connection

	outbox chan outboundJob

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connectedOnce sync.Once
	connectedCh   chan struct{}
	fatalCh       chan error

	disconnectOnce sync.Once

	recoverUpTo uint64

	// testReqSentAt is the time the currently-pending TestRequest (if
	// any) was sent. The unanswered-TestRequest disconnect boundary in
	// checkTimers measures from this, not from LastInbound, so the
	// peer gets the full HeartBtInt spec.md §4.4 promises to answer in
	// — not whatever time was left over after idle detection already
	// consumed hb+hb/5 of it.
	testReqSentAt time.Time

	// weInitiatedLogout is read by handleLogout (always on this
	// session's own readLoop goroutine) and written by Stop (called
	// from whatever goroutine owns the Session handle, e.g. an
	// Engine's shutdown goroutine) — it is cross-goroutine state and
	// must go through s.mu like the rest of State, per spec.md §5's
	// "other tasks observe [session state] via ... a guarded
	// operation".
	weInitiatedLogout bool
}

func (s *Session) setWeInitiatedLogout(v bool) {
	s.mu.Lock()
	s.weInitiatedLogout = v
	s.mu.Unlock()
}

func (s *Session) didWeInitiateLogout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weInitiatedLogout
}

// New validates cfg and returns a Session in StatusCreated, ready for
// Start (initiator) or Accept (acceptor).
func New(cfg Config, store *fixstore.Store, handler Handler, log flog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		handler = NopHandler{}
	}
	if log == nil {
		log = flog.Nop{}
	}
	return &Session{
		cfg:         cfg,
		id:          cfg.ID(),
		store:       store,
		handler:     handler,
		log:         log,
		state:       State{Status: StatusCreated, NextIn: 1, NextOut: 1},
		outbox:      make(chan outboundJob, 64),
		connectedCh: make(chan struct{}),
		fatalCh:     make(chan error, 1),
	}, nil
}

// ID returns the session's identity.
func (s *Session) ID() SessionID { return s.id }

// SetReconnectAttempts records how many prior connection attempts an
// owning Engine has already made for this SessionID, so State() (and
// anything observing it, like internal/httpadmin) reports a real
// count instead of always reading 0 on a freshly constructed Session.
func (s *Session) SetReconnectAttempts(n int) {
	s.mu.Lock()
	s.state.ReconnectAttempts = n
	s.mu.Unlock()
}

// State returns a point-in-time snapshot of the session's mutable
// record.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.state.Status = st
	s.mu.Unlock()
}

func (s *Session) snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start dials out and performs the initiator side of the Logon
// handshake. It blocks until the session reaches Connected, a fatal
// error occurs, the logon timeout elapses, or ctx is canceled.
func (s *Session) Start(ctx context.Context) error {
	if s.cfg.Role != RoleInitiator {
		return sessionErrf(nil, "Start is for initiator sessions; use Accept for an acceptor")
	}
	s.setStatus(StatusConnecting)
	conn, err := fixtransport.Dial(ctx, s.cfg.TargetAddr, s.cfg.Transport, s.log)
	if err != nil {
		s.setStatus(StatusError)
		return sessionErrf(err, "dialing %s", s.cfg.TargetAddr)
	}
	s.conn = conn
	s.setStatus(StatusInitiateLogon)
	s.startGoroutines()

	if err := s.enqueue(outboundJob{msg: s.buildLogon()}); err != nil {
		s.fail(err)
		return err
	}
	return s.awaitConnected(ctx)
}

// Accept performs the acceptor side of the Logon handshake over an
// already-accepted net.Conn (listener lifecycle belongs to the caller,
// per spec.md's non-goals). It blocks the same way Start does.
func (s *Session) Accept(ctx context.Context, raw net.Conn) error {
	if s.cfg.Role != RoleAcceptor {
		return sessionErrf(nil, "Accept is for acceptor sessions; use Start for an initiator")
	}
	conn, err := fixtransport.Accept(ctx, raw, s.cfg.Transport, s.log)
	if err != nil {
		s.setStatus(StatusError)
		return sessionErrf(err, "accepting connection")
	}
	s.conn = conn
	s.setStatus(StatusAwaitLogon)
	s.startGoroutines()
	return s.awaitConnected(ctx)
}

func (s *Session) awaitConnected(ctx context.Context) error {
	select {
	case <-s.connectedCh:
		return nil
	case err := <-s.fatalCh:
		return err
	case <-time.After(s.cfg.logonTimeout()):
		err := sessionErrf(nil, "logon handshake timed out after %s", s.cfg.logonTimeout())
		s.fail(err)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) startGoroutines() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(3)
	go s.readLoop()
	go s.writeLoop()
	go s.timerLoop()
}

// Stop performs a graceful logout: it sends Logout, gives the writer a
// short grace period to flush it, then tears down the connection and
// goroutines. Safe to call more than once.
func (s *Session) Stop(ctx context.Context) error {
	snap := s.snapshot()
	if snap.Status == StatusDisconnected || snap.Status == StatusCreated || snap.Status == StatusError || s.ctx == nil {
		return nil
	}
	s.setWeInitiatedLogout(true)
	s.setStatus(StatusDisconnecting)
	_ = s.enqueue(outboundJob{msg: s.buildLogout("")})

	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
	}
	s.teardown()
	return nil
}

func (s *Session) teardown() {
	s.disconnectOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.conn != nil {
			s.conn.Close()
		}
	})
	s.wg.Wait()
	if s.cfg.ResetOnDisconnect {
		if err := s.store.ResetSeq(s.id); err != nil {
			s.log.Log(flog.LevelWarn, "reset_on_disconnect failed", "session", s.id.String(), "err", err)
		} else {
			s.mu.Lock()
			s.state.NextIn = 1
			s.state.NextOut = 1
			s.mu.Unlock()
		}
	}
	s.setStatus(StatusDisconnected)
	s.handler.OnLogout(s.id)
}

// fail transitions the session to Error, attempts a best-effort
// Logout, tears down, and delivers err to whichever of Start/Accept is
// still waiting.
func (s *Session) fail(err error) {
	s.mu.Lock()
	already := s.state.Status == StatusError || s.state.Status == StatusDisconnecting || s.state.Status == StatusDisconnected
	s.state.Status = StatusError
	s.mu.Unlock()
	if already {
		return
	}
	s.log.Log(flog.LevelError, "session failed", "session", s.id.String(), "err", err)
	if s.conn != nil {
		logout := s.buildLogout(err.Error())
		if seq, serr := s.store.NextSeq(s.id); serr == nil {
			logout.Set(fix.TagMsgSeqNum, fmt.Sprintf("%d", seq))
		}
		logout.Set(fix.TagSendingTime, nowStamp())
		_ = s.conn.Send(context.Background(), mustEncode(logout))
	}
	select {
	case s.fatalCh <- err:
	default:
	}
	go s.teardown()
}

func mustEncode(m *fix.Message) []byte {
	raw, err := fix.Encode(m)
	if err != nil {
		return nil
	}
	return raw
}

// Send enqueues an application message for delivery. It returns an
// error only if the session cannot accept outbound work at all
// (not yet connected, or already tearing down); transport failures
// surface asynchronously via the session's eventual Disconnected
// transition, since the message stays durably queued for resend.
func (s *Session) Send(msg *fix.Message) error {
	snap := s.snapshot()
	if snap.Status != StatusConnected && snap.Status != StatusRecovering {
		return sessionErrf(nil, "session is not connected (status %s)", snap.Status)
	}
	return s.enqueue(outboundJob{msg: msg})
}

func (s *Session) enqueue(job outboundJob) error {
	select {
	case s.outbox <- job:
		return nil
	case <-s.ctx.Done():
		return sessionErrf(s.ctx.Err(), "session is shutting down")
	}
}

func (s *Session) setLastOutbound(t time.Time) {
	s.mu.Lock()
	s.state.LastOutbound = t
	s.mu.Unlock()
}

func (s *Session) setLastInbound(t time.Time) {
	s.mu.Lock()
	s.state.LastInbound = t
	s.mu.Unlock()
}

// writeLoop is the sole writer of every outbound frame, admin or
// application, in FIFO order (spec.md §4.4), except the best-effort
// Logout that fail sends directly on the connection.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case job, ok := <-s.outbox:
			if !ok {
				return
			}
			s.sendJob(job)
		}
	}
}

func (s *Session) sendJob(job outboundJob) {
	if job.isReplay {
		if err := s.conn.Send(s.ctx, job.raw); err != nil {
			s.log.Log(flog.LevelWarn, "replay send failed", "session", s.id.String(), "err", err)
			return
		}
		s.setLastOutbound(time.Now())
		return
	}

	seq, err := s.store.NextSeq(s.id)
	if err != nil {
		s.fail(sessionErrf(err, "drawing next outbound sequence number"))
		return
	}
	msg := job.msg
	msg.Set(fix.TagMsgSeqNum, fmt.Sprintf("%d", seq))
	msg.Set(fix.TagSendingTime, nowStamp())

	raw, err := fix.Encode(msg)
	if err != nil {
		s.fail(sessionErrf(err, "encoding outbound message"))
		return
	}

	if err := s.store.BeginTx(s.id); err != nil {
		s.fail(sessionErrf(err, "opening outbound transaction"))
		return
	}
	if err := s.store.StoreMsg(s.id, seq, raw); err != nil {
		_ = s.store.RollbackTx(s.id)
		s.fail(sessionErrf(err, "persisting outbound message"))
		return
	}
	if err := s.store.CommitTx(s.id); err != nil {
		s.fail(sessionErrf(err, "committing outbound message"))
		return
	}
	s.mu.Lock()
	s.state.NextOut = seq + 1
	s.mu.Unlock()

	if err := s.conn.Send(s.ctx, raw); err != nil {
		// The frame is already durable; a future resend cycle (ours or
		// the peer's) delivers it. A send failure here means the
		// transport itself is gone.
		s.log.Log(flog.LevelWarn, "send failed, message remains durable for resend", "session", s.id.String(), "seq", seq, "err", err)
		if errors.Is(err, fixtransport.ErrClosed) {
			go s.teardown()
		}
		return
	}
	s.setLastOutbound(time.Now())
}

// readLoop is the sole reader: it polls Recv with a short deadline so
// it can observe ctx cancellation promptly, and dispatches every
// complete inbound frame through the sequence-number state machine.
func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		msg, raw, err := s.conn.Recv(time.Now().Add(timerTick))
		switch {
		case errors.Is(err, fixtransport.ErrTimeout):
			continue
		case errors.Is(err, fixtransport.ErrClosed):
			go s.teardown()
			return
		case err != nil:
			s.fail(sessionErrf(err, "reading inbound frame"))
			return
		}
		s.handleInbound(msg, raw)
	}
}

func (s *Session) handleInbound(msg *fix.Message, raw []byte) {
	if reason, ok := s.validateHeader(msg); !ok {
		n, _ := msgSeqNum(msg)
		if msg.MsgType == fix.MsgTypeLogon {
			s.fail(sessionErrf(nil, "invalid Logon: %s", reason))
			return
		}
		_ = s.enqueue(outboundJob{msg: s.buildReject(n, reason)})
		return
	}

	n, ok := msgSeqNum(msg)
	if !ok {
		s.fail(sessionErrf(nil, "inbound message has no parsable MsgSeqNum"))
		return
	}

	snap := s.snapshot()
	switch {
	case n == snap.NextIn:
		s.acceptAtNextIn(msg, raw, n)
		s.drainRecoveredGap()
	case n > snap.NextIn:
		s.bufferGap(msg, raw, n, snap.NextIn)
	default: // n < snap.NextIn
		if hasPossDup(msg) {
			s.log.Log(flog.LevelDebug, "duplicate inbound message ignored", "session", s.id.String(), "seq", n)
			return
		}
		s.fail(sessionErrf(nil, "inbound MsgSeqNum %d is below expected %d without PossDupFlag", n, snap.NextIn))
	}
}

// acceptAtNextIn persists, advances NextIn, and dispatches a message
// that arrived exactly in sequence.
func (s *Session) acceptAtNextIn(msg *fix.Message, raw []byte, n uint64) {
	if err := s.store.StoreMsg(s.id, n, raw); err != nil {
		s.fail(sessionErrf(err, "persisting inbound message %d", n))
		return
	}
	s.mu.Lock()
	s.state.NextIn = n + 1
	s.state.LastInbound = time.Now()
	s.mu.Unlock()
	s.dispatch(msg)
}

// drainRecoveredGap releases any messages that were gap-buffered
// earlier and are now contiguous, exiting Recovering once the buffer
// catches up to the highest seqNum seen during the gap.
func (s *Session) drainRecoveredGap() {
	for {
		snap := s.snapshot()
		if snap.Status != StatusRecovering {
			return
		}
		stored, found, err := s.store.Get(s.id, snap.NextIn)
		if err != nil || !found {
			return
		}
		msg, _, err := fix.Extract(stored.Raw)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.state.NextIn = snap.NextIn + 1
		s.mu.Unlock()
		s.dispatch(msg)

		snap = s.snapshot()
		if snap.NextIn > s.recoverUpTo {
			s.setStatus(StatusConnected)
			return
		}
	}
}

// bufferGap persists an out-of-order message without advancing
// NextIn, requests a resend of the missing range, and enters
// Recovering.
func (s *Session) bufferGap(msg *fix.Message, raw []byte, n, nextIn uint64) {
	if err := s.store.BeginTx(s.id); err != nil {
		s.fail(sessionErrf(err, "opening gap-buffer transaction"))
		return
	}
	if err := s.store.StoreMsg(s.id, n, raw); err != nil {
		_ = s.store.RollbackTx(s.id)
		s.fail(sessionErrf(err, "buffering out-of-order message %d", n))
		return
	}
	if err := s.store.CommitTx(s.id); err != nil {
		s.fail(sessionErrf(err, "committing gap-buffered message %d", n))
		return
	}
	if n > s.recoverUpTo {
		s.recoverUpTo = n
	}
	s.setStatus(StatusRecovering)
	_ = s.enqueue(outboundJob{msg: s.buildResendRequest(nextIn, n-1)})
}

// dispatch routes a message that has just been accepted in sequence
// to either the internal admin handling or the caller's Handler.
func (s *Session) dispatch(msg *fix.Message) {
	switch msg.MsgType {
	case fix.MsgTypeLogon:
		s.handleLogon(msg)
	case fix.MsgTypeLogout:
		s.handleLogout(msg)
	case fix.MsgTypeHeartbeat:
		s.handleHeartbeat(msg)
	case fix.MsgTypeTestRequest:
		s.handleTestRequest(msg)
	case fix.MsgTypeResendRequest:
		s.handleResendRequest(msg)
	case fix.MsgTypeSequenceReset:
		s.handleSequenceReset(msg)
	case fix.MsgTypeReject:
		s.handler.OnReject(s.id, msg)
	default:
		s.handler.OnApp(s.id, msg)
	}
}

func (s *Session) handleLogon(msg *fix.Message) {
	if s.cfg.ResetOnLogon {
		if err := s.store.ResetSeq(s.id); err != nil {
			s.fail(sessionErrf(err, "applying reset_on_logon"))
			return
		}
		s.mu.Lock()
		s.state.NextIn = 1
		s.state.NextOut = 1
		s.mu.Unlock()
	}

	snap := s.snapshot()
	if s.cfg.Role == RoleAcceptor && snap.Status == StatusAwaitLogon {
		if err := s.enqueue(outboundJob{msg: s.buildLogon()}); err != nil {
			s.fail(err)
			return
		}
	}
	s.setStatus(StatusConnected)
	s.connectedOnce.Do(func() { close(s.connectedCh) })
	s.handler.OnLogon(s.id)
}

func (s *Session) handleLogout(msg *fix.Message) {
	if !s.didWeInitiateLogout() {
		_ = s.enqueue(outboundJob{msg: s.buildLogout("")})
	}
	if s.cfg.ResetOnLogout {
		_ = s.store.ResetSeq(s.id)
	}
	s.setStatus(StatusDisconnecting)
	go s.teardown()
}

func (s *Session) handleHeartbeat(msg *fix.Message) {
	id, _ := msg.GetString(fix.TagTestReqID)
	snap := s.snapshot()
	if id != "" && id == snap.PendingTestReqID {
		s.mu.Lock()
		s.state.PendingTestReqID = ""
		s.testReqSentAt = time.Time{}
		s.mu.Unlock()
	}
}

func (s *Session) handleTestRequest(msg *fix.Message) {
	id, _ := msg.GetString(fix.TagTestReqID)
	_ = s.enqueue(outboundJob{msg: s.buildHeartbeat(id)})
}

// handleSequenceReset applies GapFill (advance forward only) or Reset
// (force to an arbitrary higher value) semantics on top of the normal
// advance this message's own MsgSeqNum already performed.
func (s *Session) handleSequenceReset(msg *fix.Message) {
	newSeqStr, ok := msg.GetString(fix.TagNewSeqNo)
	if !ok {
		return
	}
	var newSeq uint64
	if _, err := fmt.Sscanf(newSeqStr, "%d", &newSeq); err != nil {
		return
	}
	gapFill := false
	if v, ok := msg.GetString(fix.TagGapFillFlag); ok && v == "Y" {
		gapFill = true
	}

	snap := s.snapshot()
	if gapFill {
		if newSeq <= snap.NextIn {
			return
		}
		s.mu.Lock()
		s.state.NextIn = newSeq
		s.mu.Unlock()
		return
	}
	if newSeq <= snap.NextIn {
		n, _ := msgSeqNum(msg)
		_ = s.enqueue(outboundJob{msg: s.buildReject(n, "NewSeqNo in SequenceReset must exceed current expected sequence number")})
		return
	}
	s.mu.Lock()
	s.state.NextIn = newSeq
	s.mu.Unlock()
}

// handleResendRequest replays the requested range, substituting a
// single GapFill for any contiguous run of administrative messages
// rather than replaying them verbatim (spec.md §4.4).
func (s *Session) handleResendRequest(msg *fix.Message) {
	beginStr, _ := msg.GetString(fix.TagBeginSeqNo)
	endStr, _ := msg.GetString(fix.TagEndSeqNo)
	var begin, end uint64
	fmt.Sscanf(beginStr, "%d", &begin)
	fmt.Sscanf(endStr, "%d", &end)

	snap := s.snapshot()
	if end == 0 || end >= snap.NextOut {
		if snap.NextOut == 0 {
			return
		}
		end = snap.NextOut - 1
	}
	if begin == 0 || begin > end {
		return
	}

	gapStart := uint64(0)
	flushGap := func(upTo uint64) {
		if gapStart == 0 {
			return
		}
		// The GapFill stands in for the first replaced message, so it
		// carries that MsgSeqNum rather than drawing a new one.
		gf := s.buildGapFill(upTo + 1)
		gf.Set(fix.TagMsgSeqNum, fmt.Sprintf("%d", gapStart))
		gf.Set(fix.TagPossDupFlag, "Y")
		gf.Set(fix.TagSendingTime, nowStamp())
		if raw, err := fix.Encode(gf); err == nil {
			_ = s.enqueue(outboundJob{raw: raw, isReplay: true})
		}
		gapStart = 0
	}

	for seq := begin; seq <= end; seq++ {
		stored, found, err := s.store.Get(s.id, seq)
		if err != nil || !found {
			continue
		}
		orig, _, err := fix.Extract(stored.Raw)
		if err != nil {
			continue
		}
		if isAdminMsgType(orig.MsgType) {
			if gapStart == 0 {
				gapStart = seq
			}
			continue
		}
		flushGap(seq - 1)

		replay := orig.Clone()
		replay.Set(fix.TagPossDupFlag, "Y")
		if origSending, ok := replay.GetString(fix.TagSendingTime); ok {
			replay.Set(fix.TagOrigSendingTm, origSending)
		}
		raw, err := fix.Encode(replay)
		if err != nil {
			continue
		}
		_ = s.enqueue(outboundJob{raw: raw, isReplay: true})
	}
	flushGap(end)
}

// timerLoop drives the idle-time heartbeat and test-request logic
// spec.md §4.4 describes: an outbound Heartbeat when the connection
// has been quiet for HeartBtInt, and a TestRequest — followed by
// disconnect if unanswered — when the peer has gone quiet for longer.
func (s *Session) timerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(timerTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkTimers()
		}
	}
}

func (s *Session) checkTimers() {
	snap := s.snapshot()
	if snap.Status != StatusConnected && snap.Status != StatusRecovering {
		return
	}
	now := time.Now()
	hb := s.cfg.HeartBtInt

	if !snap.LastOutbound.IsZero() && now.Sub(snap.LastOutbound) >= hb {
		_ = s.enqueue(outboundJob{msg: s.buildHeartbeat("")})
	}

	idle := now.Sub(snap.LastInbound)
	switch {
	case snap.PendingTestReqID == "" && idle >= hb+hb/5:
		id := newTestReqID()
		s.mu.Lock()
		s.state.PendingTestReqID = id
		s.testReqSentAt = now
		s.mu.Unlock()
		_ = s.enqueue(outboundJob{msg: s.buildTestRequest(id)})
	case snap.PendingTestReqID != "":
		s.mu.Lock()
		sentAt := s.testReqSentAt
		s.mu.Unlock()
		if !sentAt.IsZero() && now.Sub(sentAt) >= hb {
			s.fail(sessionErrf(nil, "peer did not answer TestRequest within %s", hb))
		}
	}
}
