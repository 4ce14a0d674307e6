package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simplexmq/simplexmq/agent/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConnectionLifecycle(t *testing.T) {
	s := openTestStore(t)

	c, err := s.CreateConnection("alice-bob", store.RoleInitiator, 0)
	require.NoError(t, err)
	require.Equal(t, store.StatusNew, c.Status)

	require.NoError(t, s.UpdateKeys("alice-bob", []byte("ratchet"), []byte("peer")))
	require.NoError(t, s.UpdateStatus("alice-bob", store.StatusActive))

	got, err := s.GetConnection("alice-bob")
	require.NoError(t, err)
	require.Equal(t, store.StatusActive, got.Status)
	require.Equal(t, []byte("ratchet"), got.RatchetKey)
	require.Equal(t, []byte("peer"), got.PeerKey)

	require.NoError(t, s.UpdateHashChain("alice-bob", store.DirIncoming, []byte("h1")))
	got, err = s.GetConnection("alice-bob")
	require.NoError(t, err)
	require.Equal(t, []byte("h1"), got.LastRecvHash)
	require.Nil(t, got.LastSendHash)
}

func TestConnectionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetConnection("nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueuePutGet(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateConnection("alice-bob", store.RoleInitiator, 0)
	require.NoError(t, err)

	q := &store.Queue{
		Alias: "alice-bob", Role: store.QueueRecv, Server: "smp://x@relay:5223",
		RecipientID: []byte("rid"), VerifyKey: []byte("vk"), EncryptionKey: []byte("ek"),
	}
	require.NoError(t, s.PutQueue(q))

	got, err := s.GetQueue("alice-bob", store.QueueRecv)
	require.NoError(t, err)
	require.Equal(t, q.RecipientID, got.RecipientID)

	// Upsert changes the encryption key in place.
	q.EncryptionKey = []byte("ek2")
	require.NoError(t, s.PutQueue(q))
	got, err = s.GetQueue("alice-bob", store.QueueRecv)
	require.NoError(t, err)
	require.Equal(t, []byte("ek2"), got.EncryptionKey)
}

func TestAppendMessageAndMaxAgentMsgID(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateConnection("alice-bob", store.RoleInitiator, 0)
	require.NoError(t, err)

	max, err := s.MaxAgentMsgID("alice-bob", store.DirOutgoing)
	require.NoError(t, err)
	require.Zero(t, max)

	m1 := &store.Message{Alias: "alice-bob", Direction: store.DirOutgoing, AgentMsgID: 1, Body: []byte("hi")}
	require.NoError(t, s.AppendMessage(m1))
	require.NotZero(t, m1.ID)

	m2 := &store.Message{Alias: "alice-bob", Direction: store.DirOutgoing, AgentMsgID: 2, Body: []byte("there")}
	require.NoError(t, s.AppendMessage(m2))

	max, err = s.MaxAgentMsgID("alice-bob", store.DirOutgoing)
	require.NoError(t, err)
	require.Equal(t, uint64(2), max)
}

func TestUndeliveredMessages(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateConnection("alice-bob", store.RoleInitiator, 0)
	require.NoError(t, err)

	m1 := &store.Message{Alias: "alice-bob", Direction: store.DirIncoming, AgentMsgID: 1, Body: []byte("m1")}
	require.NoError(t, s.AppendMessage(m1))
	m2 := &store.Message{Alias: "alice-bob", Direction: store.DirIncoming, AgentMsgID: 2, Body: []byte("m2")}
	require.NoError(t, s.AppendMessage(m2))

	undelivered, err := s.UndeliveredMessages("alice-bob")
	require.NoError(t, err)
	require.Len(t, undelivered, 2)

	require.NoError(t, s.MarkDelivered(m1.ID))
	undelivered, err = s.UndeliveredMessages("alice-bob")
	require.NoError(t, err)
	require.Len(t, undelivered, 1)
	require.Equal(t, m2.ID, undelivered[0].ID)
}

func TestListConnections(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateConnection("a", store.RoleInitiator, 0)
	require.NoError(t, err)
	_, err = s.CreateConnection("b", store.RoleJoiner, 0)
	require.NoError(t, err)

	conns, err := s.ListConnections()
	require.NoError(t, err)
	require.Len(t, conns, 2)
}
