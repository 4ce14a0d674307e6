package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/simplexmq/simplexmq/core/crypto/sign"
	"github.com/simplexmq/simplexmq/smp/queuestore"
	"github.com/simplexmq/simplexmq/smp/transport"
	"github.com/simplexmq/simplexmq/smp/wire"
)

var sessionSeq uint64

// session is one accepted client connection: it owns the read-dispatch-
// write loop and, if it holds a subscription, is the subscription.Handle
// that receives that queue's pushes. It follows the shape of the
// teacher's incomingConn: one goroutine, blocking reads, an id for
// logging, and cooperative teardown on I/O error.
type session struct {
	id   string
	srv  *Server
	conn transport.Conn
	log  *logging.Logger

	mu           sync.Mutex
	subscribedTo [][]byte
}

func newSession(srv *Server, conn transport.Conn) *session {
	sessionSeq++
	id := fmt.Sprintf("sess-%d", sessionSeq)
	return &session{
		id:   id,
		srv:  srv,
		conn: conn,
		log:  srv.log,
	}
}

func (s *session) ID() string { return s.id }

// Push implements subscription.Handle: send an unsolicited MSG or END.
func (s *session) Push(resp *wire.ResponseTransmission) {
	if err := wire.WriteResponse(s.conn, resp); err != nil {
		s.log.Debugf("%s: push failed: %v", s.id, err)
	}
}

func (s *session) run() {
	defer s.teardown()
	s.log.Debugf("%s: accepted from %v", s.id, s.conn.RemoteAddr())

	idleTimeout := time.Duration(s.srv.cfg.Server.IdleTimeoutMS) * time.Millisecond
	for {
		if idleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		tx, err := wire.ReadTransmission(s.conn)
		if err != nil {
			var synErr *wire.SyntaxError
			if errors.As(err, &synErr) {
				_ = wire.WriteResponse(s.conn, &wire.ResponseTransmission{Response: &wire.Err{Code: wire.ErrCmdSyntax}})
				continue
			}
			s.log.Debugf("%s: read failed, closing: %v", s.id, err)
			return
		}
		resp := s.dispatch(tx)
		if err := wire.WriteResponse(s.conn, &wire.ResponseTransmission{CorrelationID: tx.CorrelationID, Response: resp}); err != nil {
			s.log.Debugf("%s: write failed, closing: %v", s.id, err)
			return
		}
	}
}

func (s *session) teardown() {
	s.srv.subs.UnsubscribeAll(s)
	s.conn.Close()
	s.log.Debugf("%s: closed", s.id)
}

// dispatch handles one command, returning the correlated response.
// Per spec.md §4.3, every command except NEW, PING and the unsigned
// bootstrap SEND on a queue with no sender key yet (see withSenderAuth)
// is authenticated against a verify key already on file for the queue
// addressed by tx.QueueID; NEW is authenticated as proof-of-possession
// of the recipient key it is registering.
func (s *session) dispatch(tx *wire.Transmission) wire.ServerResponse {
	switch cmd := tx.Command.(type) {
	case *wire.NewQueue:
		return s.handleNew(tx, cmd)
	case *wire.Ping:
		return &wire.Pong{}
	case *wire.Subscribe:
		return s.withRecipientAuth(tx, func(q *queuestore.Queue) wire.ServerResponse {
			return s.handleSubscribe(q)
		})
	case *wire.SetSenderKey:
		return s.withRecipientAuth(tx, func(q *queuestore.Queue) wire.ServerResponse {
			return s.handleSetSenderKey(q, cmd)
		})
	case *wire.Ack:
		return s.withRecipientAuth(tx, func(q *queuestore.Queue) wire.ServerResponse {
			return s.handleAck(q)
		})
	case *wire.Off:
		return s.withRecipientAuth(tx, func(q *queuestore.Queue) wire.ServerResponse {
			return s.handleOff(q)
		})
	case *wire.Del:
		return s.withRecipientAuth(tx, func(q *queuestore.Queue) wire.ServerResponse {
			return s.handleDel(q)
		})
	case *wire.Send:
		return s.withSenderAuth(tx, func(q *queuestore.Queue) wire.ServerResponse {
			return s.handleSend(q, cmd)
		})
	default:
		return &wire.Err{Code: wire.ErrCmdSyntax}
	}
}

func (s *session) handleNew(tx *wire.Transmission, cmd *wire.NewQueue) wire.ServerResponse {
	pub, err := verifyKeyFromBytes(cmd.RecvKey)
	if err != nil {
		return &wire.Err{Code: wire.ErrCmdSyntax}
	}
	if !verifySignature(pub, tx) {
		return &wire.Err{Code: wire.ErrAuth}
	}
	if max := s.srv.cfg.Server.MaxActiveQueues; max > 0 {
		n, err := s.srv.store.Count()
		if err != nil {
			s.log.Errorf("%s: count queues failed: %v", s.id, err)
			return &wire.Err{Code: wire.ErrInternal}
		}
		if n >= max {
			return &wire.Err{Code: wire.ErrQuota}
		}
	}
	recipientID, err := randomID()
	if err != nil {
		return &wire.Err{Code: wire.ErrInternal}
	}
	senderID, err := randomID()
	if err != nil {
		return &wire.Err{Code: wire.ErrInternal}
	}
	if _, err := s.srv.store.Create(recipientID, senderID, cmd.RecvKey); err != nil {
		s.log.Errorf("%s: create queue failed: %v", s.id, err)
		return &wire.Err{Code: wire.ErrInternal}
	}
	return &wire.Ids{RecipientID: recipientID, SenderID: senderID}
}

func (s *session) withRecipientAuth(tx *wire.Transmission, fn func(*queuestore.Queue) wire.ServerResponse) wire.ServerResponse {
	q, err := s.srv.store.GetByRecipient(tx.QueueID)
	if err != nil {
		return &wire.Err{Code: wire.ErrCmdNoQueue}
	}
	pub, err := verifyKeyFromBytes(q.RecipientVerifyKey)
	if err != nil || !verifySignature(pub, tx) {
		return &wire.Err{Code: wire.ErrAuth}
	}
	return fn(q)
}

func (s *session) withSenderAuth(tx *wire.Transmission, fn func(*queuestore.Queue) wire.ServerResponse) wire.ServerResponse {
	q, err := s.srv.store.GetBySender(tx.QueueID)
	if err != nil {
		return &wire.Err{Code: wire.ErrCmdNoQueue}
	}
	if q.SenderVerifyKey == nil {
		// No sender key on file yet: the recipient hasn't secured the
		// queue with KEY. An unsigned SEND is accepted only while the
		// queue's buffer is empty, which admits the agent's first
		// SMPConfirmation (spec.md §4.9) — it by construction carries no
		// signature to check — and refuses any further SEND with AUTH
		// until KEY has set the sender key.
		if q.Status != queuestore.New {
			return &wire.Err{Code: wire.ErrCmdProhibited}
		}
		if s.srv.store.Len(q.RecipientID) > 0 {
			return &wire.Err{Code: wire.ErrAuth}
		}
		return fn(q)
	}
	pub, err := verifyKeyFromBytes(q.SenderVerifyKey)
	if err != nil || !verifySignature(pub, tx) {
		return &wire.Err{Code: wire.ErrAuth}
	}
	return fn(q)
}

func verifySignature(pub *sign.PublicKey, tx *wire.Transmission) bool {
	if len(tx.Sig) == 0 {
		return false
	}
	return pub.Verify(wire.SignedPayload(tx), tx.Sig) == nil
}

func (s *session) handleSubscribe(q *queuestore.Queue) wire.ServerResponse {
	s.srv.subs.Subscribe(q.RecipientID, s)
	s.mu.Lock()
	s.subscribedTo = append(s.subscribedTo, q.RecipientID)
	s.mu.Unlock()

	// The buffered head, if any, is pushed ahead of the OK reply.
	if msg, err := s.srv.store.Peek(q.RecipientID); err == nil {
		s.Push(&wire.ResponseTransmission{QueueID: q.RecipientID, Response: &wire.Msg{MsgID: msg.ID, BrokerTimestamp: msg.BrokerTimestamp.UnixNano(), Body: msg.Body}})
	}
	return &wire.OK{}
}

func (s *session) handleSetSenderKey(q *queuestore.Queue, cmd *wire.SetSenderKey) wire.ServerResponse {
	if err := s.srv.store.Secure(q.RecipientID, cmd.SenderKey); err != nil {
		if errors.Is(err, queuestore.ErrNotFound) {
			return &wire.Err{Code: wire.ErrCmdHasAuth}
		}
		return &wire.Err{Code: wire.ErrInternal}
	}
	return &wire.OK{}
}

func (s *session) handleAck(q *queuestore.Queue) wire.ServerResponse {
	if err := s.srv.store.Ack(q.RecipientID); err != nil {
		if errors.Is(err, queuestore.ErrEmpty) {
			return &wire.Err{Code: wire.ErrNoMsg}
		}
		return &wire.Err{Code: wire.ErrInternal}
	}
	if msg, err := s.srv.store.Peek(q.RecipientID); err == nil {
		s.srv.subs.Deliver(q.RecipientID, &wire.ResponseTransmission{
			QueueID:  q.RecipientID,
			Response: &wire.Msg{MsgID: msg.ID, BrokerTimestamp: msg.BrokerTimestamp.UnixNano(), Body: msg.Body},
		})
	}
	return &wire.OK{}
}

func (s *session) handleOff(q *queuestore.Queue) wire.ServerResponse {
	if err := s.srv.store.Disable(q.RecipientID); err != nil {
		return &wire.Err{Code: wire.ErrInternal}
	}
	return &wire.OK{}
}

func (s *session) handleDel(q *queuestore.Queue) wire.ServerResponse {
	if err := s.srv.store.Delete(q.RecipientID); err != nil {
		return &wire.Err{Code: wire.ErrInternal}
	}
	s.srv.subs.Unsubscribe(q.RecipientID, s)
	return &wire.OK{}
}

func (s *session) handleSend(q *queuestore.Queue, cmd *wire.Send) wire.ServerResponse {
	if q.Status == queuestore.Disabled {
		return &wire.Err{Code: wire.ErrCmdProhibited}
	}
	if len(cmd.Body) == 0 || len(cmd.Body) > transport.MaxBody {
		return &wire.Err{Code: wire.ErrCmdSyntax}
	}
	msg, err := s.srv.store.Enqueue(q.RecipientID, cmd.Body)
	if err != nil {
		if errors.Is(err, queuestore.ErrQuotaExceeded) {
			return &wire.Err{Code: wire.ErrQuota}
		}
		return &wire.Err{Code: wire.ErrInternal}
	}
	_ = s.srv.store.MarkActive(q.RecipientID)
	delivered := s.srv.subs.Deliver(q.RecipientID, &wire.ResponseTransmission{
		QueueID:  q.RecipientID,
		Response: &wire.Msg{MsgID: msg.ID, BrokerTimestamp: msg.BrokerTimestamp.UnixNano(), Body: msg.Body},
	})
	if delivered {
		s.log.Debugf("%s: delivered msg %d immediately", s.id, msg.ID)
	}
	return &wire.OK{}
}
