package session_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simplexmq/simplexmq/agent/client"
	"github.com/simplexmq/simplexmq/agent/session"
	"github.com/simplexmq/simplexmq/agent/store"
	xlog "github.com/simplexmq/simplexmq/core/log"
	"github.com/simplexmq/simplexmq/smp/wire"
)

var testAddr = wire.ServerAddress{Host: "broker", Port: 5223}

type recordedEvent struct {
	alias string
	ev    session.Event
}

func newTestStore(t *testing.T) *store.Store {
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestManager(t *testing.T, broker *fakeBroker, events chan recordedEvent) (*session.Manager, *store.Store) {
	st := newTestStore(t)
	lb, err := xlog.New("", "ERROR", true)
	require.NoError(t, err)
	mgr := session.NewManager(st, lb.GetLogger("test"), true, func(alias string, ev session.Event) {
		events <- recordedEvent{alias: alias, ev: ev}
	}, client.WithDialFn(broker.dialFn()))
	t.Cleanup(mgr.Close)
	return mgr, st
}

func waitForEvent(t *testing.T, events chan recordedEvent, alias string, kind session.EventKind) recordedEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.alias == alias && e.ev.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v on %s", kind, alias)
		}
	}
}

// TestHandshakeAndMessageExchange drives a full initiator/joiner
// handshake over the fake broker, including the reply queue, then
// exchanges an application message in each direction once both sides
// report Active.
func TestHandshakeAndMessageExchange(t *testing.T) {
	broker, err := newFakeBroker()
	require.NoError(t, err)

	events := make(chan recordedEvent, 64)
	aliceMgr, aliceSt := newTestManager(t, broker, events)
	bobMgr, bobSt := newTestManager(t, broker, events)

	info, err := aliceMgr.CreateInvitation("alice", testAddr, session.AckAuto)
	require.NoError(t, err)

	require.NoError(t, bobMgr.JoinConnection("bob", info, session.ReplyMode{Enabled: true}, session.AckAuto))

	waitForEvent(t, events, "alice", session.EventConnected)
	waitForEvent(t, events, "bob", session.EventConnected)

	aliceConn, err := aliceSt.GetConnection("alice")
	require.NoError(t, err)
	require.Equal(t, store.StatusActive, aliceConn.Status)
	bobConn, err := bobSt.GetConnection("bob")
	require.NoError(t, err)
	require.Equal(t, store.StatusActive, bobConn.Status)

	_, err = aliceMgr.SendMessage("alice", []byte("hello bob"))
	require.NoError(t, err)
	got := waitForEvent(t, events, "bob", session.EventMessage)
	require.Equal(t, []byte("hello bob"), got.ev.Body)

	_, err = bobMgr.SendMessage("bob", []byte("hello alice"))
	require.NoError(t, err)
	got = waitForEvent(t, events, "alice", session.EventMessage)
	require.Equal(t, []byte("hello alice"), got.ev.Body)

	// Auto-ack mode marks every inbound application message delivered
	// as soon as it is emitted, so nothing should be left pending.
	msgs, err := bobSt.UndeliveredMessages("bob")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

// TestManualAckLeavesMessagePending exercises AckManual: the received
// message stays undelivered until AckMessage is called explicitly.
func TestManualAckLeavesMessagePending(t *testing.T) {
	broker, err := newFakeBroker()
	require.NoError(t, err)

	events := make(chan recordedEvent, 64)
	aliceMgr, _ := newTestManager(t, broker, events)
	bobMgr, bobSt := newTestManager(t, broker, events)

	info, err := aliceMgr.CreateInvitation("alice", testAddr, session.AckAuto)
	require.NoError(t, err)
	require.NoError(t, bobMgr.JoinConnection("bob", info, session.ReplyMode{Enabled: true}, session.AckManual))

	waitForEvent(t, events, "alice", session.EventConnected)
	waitForEvent(t, events, "bob", session.EventConnected)

	_, err = aliceMgr.SendMessage("alice", []byte("please ack me"))
	require.NoError(t, err)
	waitForEvent(t, events, "bob", session.EventMessage)

	var msgs []*store.Message
	require.Eventually(t, func() bool {
		msgs, err = bobSt.UndeliveredMessages("bob")
		return err == nil && len(msgs) == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, []byte("please ack me"), msgs[0].Body)

	require.NoError(t, bobMgr.AckMessage("bob", msgs[0].ID))

	msgs, err = bobSt.UndeliveredMessages("bob")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

// TestSendMessageRequiresActive rejects sends on a connection that has
// not finished its handshake yet.
func TestSendMessageRequiresActive(t *testing.T) {
	broker, err := newFakeBroker()
	require.NoError(t, err)
	events := make(chan recordedEvent, 8)
	aliceMgr, aliceSt := newTestManager(t, broker, events)

	_, err = aliceSt.CreateConnection("pending", store.RoleInitiator, int(session.AckAuto))
	require.NoError(t, err)

	_, err = aliceMgr.SendMessage("pending", []byte("too soon"))
	require.ErrorIs(t, err, session.ErrNotActive)
}

// TestResumeResubscribesKnownConnections checks that Resume does not
// error when re-subscribing an already-Active connection's recv queue
// after a fresh Manager is built against the same store.
func TestResumeResubscribesKnownConnections(t *testing.T) {
	broker, err := newFakeBroker()
	require.NoError(t, err)

	events := make(chan recordedEvent, 64)
	aliceMgr, aliceSt := newTestManager(t, broker, events)
	bobMgr, _ := newTestManager(t, broker, events)

	info, err := aliceMgr.CreateInvitation("alice", testAddr, session.AckAuto)
	require.NoError(t, err)
	require.NoError(t, bobMgr.JoinConnection("bob", info, session.ReplyMode{Enabled: true}, session.AckAuto))
	waitForEvent(t, events, "alice", session.EventConnected)

	lb, err := xlog.New("", "ERROR", true)
	require.NoError(t, err)
	resumed := session.NewManager(aliceSt, lb.GetLogger("test2"), true, nil, client.WithDialFn(broker.dialFn()))
	t.Cleanup(resumed.Close)
	require.NoError(t, resumed.Resume())
}
