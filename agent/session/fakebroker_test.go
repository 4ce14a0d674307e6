package session_test

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"net"
	"sync"

	"github.com/simplexmq/simplexmq/internal/testtls"
	"github.com/simplexmq/simplexmq/smp/transport"
	"github.com/simplexmq/simplexmq/smp/wire"
)

// fakeBroker is a minimal in-process stand-in for the real SMP broker,
// grounded on agent/client's own fakeServer test pattern (a
// net.Pipe-backed DialContextFn): it implements just enough of
// NEW/SUB/KEY/ACK/SEND to drive agent/session.Manager through a real
// handshake and message exchange. It does not verify signatures —
// that authentication behavior belongs to smp/server and is already
// covered there.
//
// transport.Dial always negotiates TLS 1.3 on top of whatever raw
// conn its DialContextFn returns, regardless of the insecure flag, so
// the server side of the pipe needs a real (if self-signed) TLS
// handshake to answer it.
type fakeBroker struct {
	mu          sync.Mutex
	byRecipient map[string]*fakeQueue
	bySender    map[string]*fakeQueue
	tlsCfg      *tls.Config
}

type fakeQueue struct {
	recipientID, senderID []byte
	senderKey             []byte
	subscriber            *connWriter
	buffer                []bufMsg
	nextMsgID             uint64
}

type bufMsg struct {
	id   uint64
	body []byte
}

type connWriter struct {
	conn transport.Conn
	mu   sync.Mutex
}

func (w *connWriter) write(rt *wire.ResponseTransmission) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return wire.WriteResponse(w.conn, rt)
}

func newFakeBroker() (*fakeBroker, error) {
	cfg, err := testtls.ServerConfig()
	if err != nil {
		return nil, err
	}
	return &fakeBroker{
		byRecipient: make(map[string]*fakeQueue),
		bySender:    make(map[string]*fakeQueue),
		tlsCfg:      cfg,
	}, nil
}

func (b *fakeBroker) dialFn() transport.DialContextFn {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		clientSide, serverSide := net.Pipe()
		go b.serve(transport.WrapConn(tls.Server(serverSide, b.tlsCfg)))
		return clientSide, nil
	}
}

func (b *fakeBroker) serve(conn transport.Conn) {
	w := &connWriter{conn: conn}
	for {
		tx, err := wire.ReadTransmission(conn)
		if err != nil {
			return
		}
		resp := b.handle(tx, w)
		if err := w.write(&wire.ResponseTransmission{CorrelationID: tx.CorrelationID, Response: resp}); err != nil {
			return
		}
	}
}

func (b *fakeBroker) handle(tx *wire.Transmission, w *connWriter) wire.ServerResponse {
	switch cmd := tx.Command.(type) {
	case *wire.NewQueue:
		return b.handleNew()
	case *wire.Subscribe:
		return b.handleSub(tx.QueueID, w)
	case *wire.SetSenderKey:
		return b.handleKey(tx.QueueID, cmd)
	case *wire.Ack:
		return b.handleAck(tx.QueueID)
	case *wire.Send:
		return b.handleSend(tx.QueueID, cmd)
	case *wire.Ping:
		return &wire.Pong{}
	default:
		return &wire.Err{Code: wire.ErrCmdSyntax}
	}
}

func (b *fakeBroker) handleNew() wire.ServerResponse {
	q := &fakeQueue{recipientID: randID(), senderID: randID()}
	b.mu.Lock()
	b.byRecipient[string(q.recipientID)] = q
	b.bySender[string(q.senderID)] = q
	b.mu.Unlock()
	return &wire.Ids{RecipientID: q.recipientID, SenderID: q.senderID}
}

func (b *fakeBroker) handleSub(recipientID []byte, w *connWriter) wire.ServerResponse {
	b.mu.Lock()
	q, ok := b.byRecipient[string(recipientID)]
	if !ok {
		b.mu.Unlock()
		return &wire.Err{Code: wire.ErrCmdNoQueue}
	}
	q.subscriber = w
	pending := append([]bufMsg(nil), q.buffer...)
	b.mu.Unlock()
	for _, m := range pending {
		_ = w.write(&wire.ResponseTransmission{QueueID: recipientID, Response: &wire.Msg{MsgID: m.id, Body: m.body}})
	}
	return &wire.OK{}
}

func (b *fakeBroker) handleKey(recipientID []byte, cmd *wire.SetSenderKey) wire.ServerResponse {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.byRecipient[string(recipientID)]
	if !ok {
		return &wire.Err{Code: wire.ErrCmdNoQueue}
	}
	q.senderKey = cmd.SenderKey
	return &wire.OK{}
}

func (b *fakeBroker) handleAck(recipientID []byte) wire.ServerResponse {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.byRecipient[string(recipientID)]
	if !ok {
		return &wire.Err{Code: wire.ErrCmdNoQueue}
	}
	if len(q.buffer) > 0 {
		q.buffer = q.buffer[1:]
	}
	return &wire.OK{}
}

func (b *fakeBroker) handleSend(senderID []byte, cmd *wire.Send) wire.ServerResponse {
	b.mu.Lock()
	q, ok := b.bySender[string(senderID)]
	if !ok {
		b.mu.Unlock()
		return &wire.Err{Code: wire.ErrCmdNoQueue}
	}
	q.nextMsgID++
	id := q.nextMsgID
	q.buffer = append(q.buffer, bufMsg{id: id, body: cmd.Body})
	sub, rid := q.subscriber, q.recipientID
	b.mu.Unlock()
	if sub != nil {
		_ = sub.write(&wire.ResponseTransmission{QueueID: rid, Response: &wire.Msg{MsgID: id, Body: cmd.Body}})
	}
	return &wire.OK{}
}

func randID() []byte {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return b
}
