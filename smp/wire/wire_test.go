package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simplexmq/simplexmq/core/crypto/box"
	"github.com/simplexmq/simplexmq/smp/wire"
)

// memConn is a minimal in-memory LineReader/LineWriter used to test the
// codec without a real transport, mirroring how the teacher's
// wire/commands_test.go exercises ToBytes/FromBytes pairs directly.
type memConn struct {
	buf bytes.Buffer
}

func (m *memConn) PutLine(b []byte) error {
	m.buf.Write(b)
	m.buf.WriteByte('\n')
	return nil
}

func (m *memConn) PutBytes(b []byte) error {
	m.buf.Write(b)
	m.buf.WriteByte('\n')
	return nil
}

func (m *memConn) GetLine() ([]byte, error) {
	line, err := m.buf.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return line[:len(line)-1], nil
}

func (m *memConn) GetBytes(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := m.buf.Read(out); err != nil {
		return nil, err
	}
	// consume the trailing LF
	if _, err := m.buf.ReadByte(); err != nil {
		return nil, err
	}
	return out, nil
}

func TestTransmissionRoundTrip(t *testing.T) {
	cases := []wire.ServerCommand{
		&wire.NewQueue{RecvKey: []byte("recv-key-bytes")},
		&wire.Subscribe{},
		&wire.SetSenderKey{SenderKey: []byte("sender-key-bytes")},
		&wire.Ack{},
		&wire.Off{},
		&wire.Del{},
		&wire.Send{Body: []byte("hello")},
		&wire.Ping{},
	}

	for _, cmd := range cases {
		tx := &wire.Transmission{
			Sig:           []byte("sig-bytes"),
			CorrelationID: []byte("corr-id-1234"),
			QueueID:       []byte("queue-id-123456789012345"),
			Command:       cmd,
		}
		conn := &memConn{}
		require.NoError(t, wire.WriteTransmission(conn, tx))

		got, err := wire.ReadTransmission(conn)
		require.NoError(t, err)
		require.Equal(t, tx.Sig, got.Sig)
		require.Equal(t, tx.CorrelationID, got.CorrelationID)
		require.Equal(t, tx.QueueID, got.QueueID)
		require.Equal(t, cmd, got.Command)
	}
}

func TestTransmissionEmptyQueueAndSig(t *testing.T) {
	tx := &wire.Transmission{
		CorrelationID: []byte("corr"),
		Command:       &wire.NewQueue{RecvKey: []byte("k")},
	}
	conn := &memConn{}
	require.NoError(t, wire.WriteTransmission(conn, tx))
	got, err := wire.ReadTransmission(conn)
	require.NoError(t, err)
	require.Empty(t, got.Sig)
	require.Empty(t, got.QueueID)
	require.Equal(t, tx.CorrelationID, got.CorrelationID)
}

func TestResponseRoundTrip(t *testing.T) {
	cases := []wire.ServerResponse{
		&wire.Ids{RecipientID: []byte("rid"), SenderID: []byte("sid")},
		&wire.Msg{MsgID: 7, BrokerTimestamp: 123456789, Body: []byte("payload")},
		&wire.End{},
		&wire.OK{},
		&wire.Err{Code: wire.ErrQuota},
		&wire.Err{Code: wire.ErrCmdNoAuth},
		&wire.Pong{},
	}
	for _, resp := range cases {
		rt := &wire.ResponseTransmission{
			CorrelationID: []byte("corr"),
			QueueID:       []byte("queue-id"),
			Response:      resp,
		}
		conn := &memConn{}
		require.NoError(t, wire.WriteResponse(conn, rt))
		got, err := wire.ReadResponse(conn)
		require.NoError(t, err)
		require.Equal(t, resp, got.Response)
	}
}

func TestBadCommandSyntax(t *testing.T) {
	_, _, err := wire.ParseServerCommand("BOGUS 1 2 3")
	require.Error(t, err)
	var synErr *wire.SyntaxError
	require.ErrorAs(t, err, &synErr)
	require.Equal(t, wire.BadCommand, synErr.Code)
}

func TestServerAddressRoundTrip(t *testing.T) {
	addr := wire.ServerAddress{KeyHash: []byte("0123456789012345678901234567890X")[:32], Host: "smp.example.com", Port: 5223}
	parsed, err := wire.ParseServerAddress(addr.String())
	require.NoError(t, err)
	require.Equal(t, addr.Host, parsed.Host)
	require.Equal(t, addr.Port, parsed.Port)
	require.Equal(t, addr.KeyHash, parsed.KeyHash)
}

func TestQueueInfoRoundTrip(t *testing.T) {
	pub, _, err := box.GenerateKeypair()
	require.NoError(t, err)
	qi := wire.QueueInfo{
		Server:        wire.ServerAddress{Host: "relay.example.com", Port: 5223},
		SenderID:      []byte("sender-id-2345678901234"),
		EncryptionKey: pub,
	}
	parsed, err := wire.ParseQueueInfo(qi.String())
	require.NoError(t, err)
	require.Equal(t, qi.Server.Host, parsed.Server.Host)
	require.Equal(t, qi.SenderID, parsed.SenderID)
	require.Equal(t, qi.EncryptionKey, parsed.EncryptionKey)
}
