package queuestore_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simplexmq/simplexmq/smp/queuestore"
)

func openTestStore(t *testing.T, quota int) *queuestore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := queuestore.Open(filepath.Join(dir, "queues.db"), quota)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateSecureLifecycle(t *testing.T) {
	s := openTestStore(t, 0)

	recv, send, key := []byte("recv-id-1234567890123456"), []byte("send-id-1234567890123456"), []byte("recv-verify-key")
	q, err := s.Create(recv, send, key)
	require.NoError(t, err)
	require.Equal(t, queuestore.New, q.Status)

	got, err := s.GetByRecipient(recv)
	require.NoError(t, err)
	require.Equal(t, queuestore.New, got.Status)
	require.Nil(t, got.SenderVerifyKey)

	require.NoError(t, s.Secure(recv, []byte("sender-verify-key")))
	got, err = s.GetByRecipient(recv)
	require.NoError(t, err)
	require.Equal(t, queuestore.Secured, got.Status)
	require.Equal(t, []byte("sender-verify-key"), got.SenderVerifyKey)

	require.NoError(t, s.MarkActive(recv))
	got, err = s.GetByRecipient(recv)
	require.NoError(t, err)
	require.Equal(t, queuestore.Active, got.Status)

	require.NoError(t, s.Disable(recv))
	got, err = s.GetByRecipient(recv)
	require.NoError(t, err)
	require.Equal(t, queuestore.Disabled, got.Status)

	require.NoError(t, s.Delete(recv))
	_, err = s.GetByRecipient(recv)
	require.ErrorIs(t, err, queuestore.ErrNotFound)
}

func TestSecureTwiceFails(t *testing.T) {
	s := openTestStore(t, 0)
	recv := []byte("recv-id-1234567890123456")
	_, err := s.Create(recv, []byte("send-id-1234567890123456"), []byte("k"))
	require.NoError(t, err)
	require.NoError(t, s.Secure(recv, []byte("sk1")))
	require.ErrorIs(t, s.Secure(recv, []byte("sk2")), queuestore.ErrNotFound)
}

func TestGetBySender(t *testing.T) {
	s := openTestStore(t, 0)
	recv, send := []byte("recv-id-1234567890123456"), []byte("send-id-1234567890123456")
	_, err := s.Create(recv, send, []byte("k"))
	require.NoError(t, err)

	q, err := s.GetBySender(send)
	require.NoError(t, err)
	require.Equal(t, recv, q.RecipientID)
}

func TestEnqueuePeekAck(t *testing.T) {
	s := openTestStore(t, 2)
	recv := []byte("recv-id-1234567890123456")
	_, err := s.Create(recv, []byte("send-id-1234567890123456"), []byte("k"))
	require.NoError(t, err)

	_, err = s.Enqueue(recv, []byte("m1"))
	require.NoError(t, err)
	_, err = s.Enqueue(recv, []byte("m2"))
	require.NoError(t, err)

	_, err = s.Enqueue(recv, []byte("m3"))
	require.ErrorIs(t, err, queuestore.ErrQuotaExceeded)

	msg, err := s.Peek(recv)
	require.NoError(t, err)
	require.Equal(t, []byte("m1"), msg.Body)

	require.NoError(t, s.Ack(recv))
	msg, err = s.Peek(recv)
	require.NoError(t, err)
	require.Equal(t, []byte("m2"), msg.Body)

	require.NoError(t, s.Ack(recv))
	_, err = s.Peek(recv)
	require.ErrorIs(t, err, queuestore.ErrEmpty)
}

func TestEnqueueUnknownQueue(t *testing.T) {
	s := openTestStore(t, 0)
	_, err := s.Enqueue([]byte("nope"), []byte("m"))
	require.ErrorIs(t, err, queuestore.ErrNotFound)
}

func TestBufferSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queues.db")
	recv := []byte("recv-id-1234567890123456")

	s1, err := queuestore.Open(path, 0)
	require.NoError(t, err)
	_, err = s1.Create(recv, []byte("send-id-1234567890123456"), []byte("k"))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := queuestore.Open(path, 0)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetByRecipient(recv)
	require.NoError(t, err)
	require.Equal(t, queuestore.New, got.Status)

	_, err = s2.Enqueue(recv, []byte("after-restart"))
	require.NoError(t, err)
	msg, err := s2.Peek(recv)
	require.NoError(t, err)
	require.Equal(t, []byte("after-restart"), msg.Body)
}
