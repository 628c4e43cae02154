package fixsession

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreline/goldfix/pkg/fix"
	"github.com/coreline/goldfix/pkg/fixstore"
	"github.com/coreline/goldfix/pkg/fixtransport"
)

// recordingHandler captures every callback invocation for assertions.
type recordingHandler struct {
	mu      sync.Mutex
	logons  []SessionID
	logouts []SessionID
	apps    []*fix.Message
	rejects []*fix.Message
}

func (h *recordingHandler) OnLogon(id SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logons = append(h.logons, id)
}

func (h *recordingHandler) OnLogout(id SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logouts = append(h.logouts, id)
}

func (h *recordingHandler) OnApp(id SessionID, msg *fix.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.apps = append(h.apps, msg)
}

func (h *recordingHandler) OnReject(id SessionID, msg *fix.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejects = append(h.rejects, msg)
}

func (h *recordingHandler) logonCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.logons)
}

// rawPeer drives the raw FIX wire directly, standing in for a
// counterparty that does not go through fixsession at all — this is
// what lets the gap/resend scenario force an out-of-order MsgSeqNum
// that a real Session would never produce on its own.
type rawPeer struct {
	conn net.Conn
	buf  []byte
}

func (p *rawPeer) send(t *testing.T, m *fix.Message) {
	t.Helper()
	raw, err := fix.Encode(m)
	require.NoError(t, err)
	_, err = p.conn.Write(raw)
	require.NoError(t, err)
}

func (p *rawPeer) recv(t *testing.T, timeout time.Duration) *fix.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if msg, n, err := fix.Extract(p.buf); err == nil {
			p.buf = p.buf[n:]
			return msg
		} else if err != fix.ErrNeedMore {
			t.Fatalf("rawPeer.recv: parse error: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("rawPeer.recv: timed out waiting for a frame")
		}
		p.conn.SetReadDeadline(deadline)
		chunk := make([]byte, 4096)
		n, err := p.conn.Read(chunk)
		if n > 0 {
			p.buf = append(p.buf, chunk[:n]...)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.Fatalf("rawPeer.recv: timed out waiting for a frame")
			}
			t.Fatalf("rawPeer.recv: %v", err)
		}
	}
}

// recvLoose is recv without the fatal-on-error/timeout behavior: it
// returns (nil, nil) on a plain timeout and (nil, err) if the
// connection was closed out from under it — for tests that expect the
// session to tear the connection down partway through.
func (p *rawPeer) recvLoose(timeout time.Duration) (*fix.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		if msg, n, err := fix.Extract(p.buf); err == nil {
			p.buf = p.buf[n:]
			return msg, nil
		} else if err != fix.ErrNeedMore {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		p.conn.SetReadDeadline(deadline)
		chunk := make([]byte, 4096)
		n, err := p.conn.Read(chunk)
		if n > 0 {
			p.buf = append(p.buf, chunk[:n]...)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, nil
			}
			return nil, err
		}
	}
}

func peerLogon(beginString, sender, target string, seq uint64) *fix.Message {
	m := fix.New(beginString, fix.MsgTypeLogon)
	m.Set(fix.TagMsgSeqNum, fmt.Sprintf("%d", seq))
	m.Set(fix.TagSenderCompID, sender)
	m.Set(fix.TagTargetCompID, target)
	m.Set(fix.TagSendingTime, nowStamp())
	m.Set(fix.TagEncryptMethod, "0")
	m.Set(fix.TagHeartBtInt, "30")
	return m
}

func peerHeartbeat(beginString, sender, target string, seq uint64) *fix.Message {
	m := fix.New(beginString, fix.MsgTypeHeartbeat)
	m.Set(fix.TagMsgSeqNum, fmt.Sprintf("%d", seq))
	m.Set(fix.TagSenderCompID, sender)
	m.Set(fix.TagTargetCompID, target)
	m.Set(fix.TagSendingTime, nowStamp())
	return m
}

// peerSequenceReset builds a Reset-mode SequenceReset (no GapFill
// flag): newSeqNo is the 36= value being proposed.
func peerSequenceReset(beginString, sender, target string, seq, newSeqNo uint64) *fix.Message {
	m := fix.New(beginString, fix.MsgTypeSequenceReset)
	m.Set(fix.TagMsgSeqNum, fmt.Sprintf("%d", seq))
	m.Set(fix.TagSenderCompID, sender)
	m.Set(fix.TagTargetCompID, target)
	m.Set(fix.TagSendingTime, nowStamp())
	m.Set(fix.TagNewSeqNo, fmt.Sprintf("%d", newSeqNo))
	return m
}

// acceptorFixture stands up a real acceptor Session listening on a
// loopback port and returns it alongside a rawPeer already dialed in
// (but not yet logged on).
func acceptorFixture(t *testing.T) (*Session, *recordingHandler, *rawPeer, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	store, err := fixstore.Open(t.TempDir(), nil)
	require.NoError(t, err)

	h := &recordingHandler{}
	cfg := Config{
		BeginString:  "FIX.4.2",
		SenderCompID: "ACCEPTOR",
		TargetCompID: "INITIATOR",
		HeartBtInt:   60 * time.Millisecond,
		Role:         RoleAcceptor,
		ListenAddr:   ln.Addr().String(),
		Transport:    fixtransport.Options{},
	}
	sess, err := New(cfg, store, h, nil)
	require.NoError(t, err)

	acceptDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptDone <- err
			return
		}
		acceptDone <- sess.Accept(context.Background(), conn)
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	peer := &rawPeer{conn: raw}

	cleanup := func() {
		raw.Close()
		ln.Close()
	}
	return sess, h, peer, cleanup
}

func waitForStatus(t *testing.T, sess *Session, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sess.State().Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached status %s (last seen %s)", want, sess.State().Status)
}

func TestLogonHandshakeAcceptor(t *testing.T) {
	sess, h, peer, cleanup := acceptorFixture(t)
	defer cleanup()

	peer.send(t, peerLogon("FIX.4.2", "INITIATOR", "ACCEPTOR", 1))

	reply := peer.recv(t, 2*time.Second)
	require.Equal(t, fix.MsgTypeLogon, reply.MsgType)

	waitForStatus(t, sess, StatusConnected, 2*time.Second)
	require.Equal(t, 1, h.logonCount())
	require.Equal(t, uint64(2), sess.State().NextIn)
}

func TestHeartbeatCycleAcceptor(t *testing.T) {
	sess, _, peer, cleanup := acceptorFixture(t)
	defer cleanup()

	peer.send(t, peerLogon("FIX.4.2", "INITIATOR", "ACCEPTOR", 1))
	peer.recv(t, 2*time.Second) // response Logon
	waitForStatus(t, sess, StatusConnected, 2*time.Second)

	msg := peer.recv(t, 2*time.Second)
	require.Equal(t, fix.MsgTypeHeartbeat, msg.MsgType)
}

func TestResendOnGapAcceptor(t *testing.T) {
	sess, _, peer, cleanup := acceptorFixture(t)
	defer cleanup()

	peer.send(t, peerLogon("FIX.4.2", "INITIATOR", "ACCEPTOR", 1))
	peer.recv(t, 2*time.Second) // response Logon
	waitForStatus(t, sess, StatusConnected, 2*time.Second)

	// Peer jumps straight to seqNum 3, skipping 2.
	peer.send(t, peerHeartbeat("FIX.4.2", "INITIATOR", "ACCEPTOR", 3))

	resendReq := peer.recv(t, 2*time.Second)
	require.Equal(t, fix.MsgTypeResendRequest, resendReq.MsgType)
	begin, _ := resendReq.GetString(fix.TagBeginSeqNo)
	end, _ := resendReq.GetString(fix.TagEndSeqNo)
	require.Equal(t, "2", begin)
	require.Equal(t, "2", end)

	require.Equal(t, StatusRecovering, sess.State().Status)

	replay := peerHeartbeat("FIX.4.2", "INITIATOR", "ACCEPTOR", 2)
	replay.Set(fix.TagPossDupFlag, "Y")
	peer.send(t, replay)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := sess.State()
		if st.NextIn == 4 && st.Status == StatusConnected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session did not recover from the gap: state=%+v", sess.State())
}

func TestResetOnLogonAcceptor(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	store, err := fixstore.Open(t.TempDir(), nil)
	require.NoError(t, err)

	cfg := Config{
		BeginString:  "FIX.4.2",
		SenderCompID: "ACCEPTOR",
		TargetCompID: "INITIATOR",
		HeartBtInt:   60 * time.Millisecond,
		Role:         RoleAcceptor,
		ListenAddr:   ln.Addr().String(),
	}

	// Seed the store with prior outbound history, as if an earlier
	// connection on this SessionID had already advanced past seqNum 1.
	for i := 0; i < 10; i++ {
		_, err := store.NextSeq(cfg.ID())
		require.NoError(t, err)
	}

	cfg.ResetOnLogon = true
	h := &recordingHandler{}
	sess, err := New(cfg, store, h, nil)
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			sess.Accept(context.Background(), conn)
		}
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	peer := &rawPeer{conn: raw}

	peer.send(t, peerLogon("FIX.4.2", "INITIATOR", "ACCEPTOR", 1))
	peer.recv(t, 2*time.Second)

	waitForStatus(t, sess, StatusConnected, 2*time.Second)

	// reset_on_logon zeroes the store's outbound counter before the
	// response Logon consumes seqNum 1, so NextOut should settle at 2
	// (not 12: ten seeded sends left the counter at 11, which the
	// response Logon would otherwise consume).
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State().NextOut == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("NextOut did not settle at 2 after reset_on_logon, got %d", sess.State().NextOut)
}

// TestSequenceResetRejectsNewSeqNoNotExceedingNextIn covers spec.md
// §8's boundary behavior: "SequenceReset-Reset with NewSeqNo <=
// currentNextIn yields Reject, not state change."
func TestSequenceResetRejectsNewSeqNoNotExceedingNextIn(t *testing.T) {
	sess, _, peer, cleanup := acceptorFixture(t)
	defer cleanup()

	peer.send(t, peerLogon("FIX.4.2", "INITIATOR", "ACCEPTOR", 1))
	peer.recv(t, 2*time.Second) // response Logon
	waitForStatus(t, sess, StatusConnected, 2*time.Second)
	require.EqualValues(t, 2, sess.State().NextIn)

	// This SequenceReset arrives in-sequence (MsgSeqNum=2), so NextIn
	// advances to 3 before the Reset-mode check runs; its NewSeqNo (2)
	// does not exceed that, so it must be rejected rather than applied.
	peer.send(t, peerSequenceReset("FIX.4.2", "INITIATOR", "ACCEPTOR", 2, 2))

	reject := peer.recv(t, 2*time.Second)
	require.Equal(t, fix.MsgTypeReject, reject.MsgType)
	refSeqNum, _ := reject.GetString(fix.TagRefSeqNum)
	require.Equal(t, "2", refSeqNum)

	require.EqualValues(t, 3, sess.State().NextIn)
}

// TestTestRequestUnansweredDisconnects covers spec.md §8's boundary
// behavior: "TestRequest with no matching Heartbeat within HeartBtInt
// yields disconnect."
func TestTestRequestUnansweredDisconnects(t *testing.T) {
	sess, _, peer, cleanup := acceptorFixture(t)
	defer cleanup()

	peer.send(t, peerLogon("FIX.4.2", "INITIATOR", "ACCEPTOR", 1))
	peer.recv(t, 2*time.Second) // response Logon
	waitForStatus(t, sess, StatusConnected, 2*time.Second)

	// The peer never answers anything again: every outbound Heartbeat
	// and the eventual TestRequest go unacknowledged, so the session
	// must give up and disconnect once the TestRequest's own answer
	// window elapses. The connection itself goes away partway through
	// (the session's teardown), so frames are drained with recvLoose
	// rather than the fatal-on-close recv.
	sawTestRequest := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := peer.recvLoose(300 * time.Millisecond)
		if err != nil {
			break // connection torn down by the session
		}
		if msg != nil && msg.MsgType == fix.MsgTypeTestRequest {
			sawTestRequest = true
		}
		if st := sess.State().Status; st == StatusDisconnected || st == StatusError {
			break
		}
	}
	require.True(t, sawTestRequest, "session never sent a TestRequest before disconnecting")
	waitForStatus(t, sess, StatusDisconnected, 3*time.Second)
}
