package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/simplexmq/simplexmq/agent/client"
	"github.com/simplexmq/simplexmq/agent/store"
	"github.com/simplexmq/simplexmq/core/crypto/box"
	"github.com/simplexmq/simplexmq/core/crypto/hash"
	"github.com/simplexmq/simplexmq/core/crypto/sign"
	"github.com/simplexmq/simplexmq/smp/wire"
)

// ReplyMode controls whether JoinConnection provisions a recv queue for
// the reverse direction, and if so on which server (spec.md §4.9's
// JOIN reply_mode: ReplyOff is the zero value, ReplyOn sets Enabled
// with a nil Server to reuse the inviter's server, ReplyVia names a
// different one).
type ReplyMode struct {
	Enabled bool
	Server  *wire.ServerAddress
}

// EventKind distinguishes the callbacks a Manager delivers to its owner.
type EventKind int

const (
	// EventConnected fires once a connection reaches Active.
	EventConnected EventKind = iota
	// EventMessage fires for every inbound application message, and
	// for sequencing anomalies (skipped id, hash mismatch) on any
	// inbound message.
	EventMessage
	// EventDisabled fires when a connection is permanently disabled.
	EventDisabled
)

// Event is delivered to a Manager's EventHandler. Handlers run on
// whichever goroutine is processing the triggering push and must not
// block.
type Event struct {
	Kind       EventKind
	AgentMsgID uint64
	Body       []byte
	Err        error
}

// EventHandler receives connection lifecycle and message events, keyed
// by connection alias.
type EventHandler func(alias string, ev Event)

var (
	// ErrUnknownConnection is returned for operations on an alias the
	// store has no record of.
	ErrUnknownConnection = errors.New("session: unknown connection")
	// ErrNotActive is returned by SendMessage before the handshake has
	// reached Active.
	ErrNotActive = errors.New("session: connection not active")
)

const (
	helloRetries    = 5
	helloRetryBase  = 200 * time.Millisecond
	dialWaitTimeout = 30 * time.Second
	// commandTimeout bounds a single command/response round trip once
	// the transport is already connected (spec.md §5): if the broker
	// never answers within this window, the waiter fails
	// BROKER(tcp_connection) rather than hanging on the outer dial
	// wait. It is deliberately much shorter than dialWaitTimeout,
	// which only bounds establishing the connection itself.
	commandTimeout = 5 * time.Second
)

// Manager drives every local agent connection: it owns one
// reconnecting agent/client.Client per distinct SMP server, routes
// inbound pushes to the right connection by recipient_id, and
// implements the C9 handshake and message sequencing state machine
// (spec.md §4.9) on top of them.
type Manager struct {
	store    *store.Store
	log      *logging.Logger
	insecure bool
	onEvent  EventHandler

	clientOpts []client.Option

	mu          sync.Mutex
	clients     map[string]*client.Client
	byRecipient map[string]string // string(recipient_id) -> alias
	connLocks   map[string]*sync.Mutex
}

// NewManager constructs a Manager backed by st. onEvent may be nil.
// clientOpts are forwarded to every agent/client.Client the Manager
// opens, e.g. client.WithDialFn in tests.
func NewManager(st *store.Store, log *logging.Logger, insecure bool, onEvent EventHandler, clientOpts ...client.Option) *Manager {
	return &Manager{
		store:       st,
		log:         log,
		insecure:    insecure,
		onEvent:     onEvent,
		clientOpts:  clientOpts,
		clients:     make(map[string]*client.Client),
		byRecipient: make(map[string]string),
		connLocks:   make(map[string]*sync.Mutex),
	}
}

// Close halts every server client the Manager opened.
func (m *Manager) Close() {
	m.mu.Lock()
	clients := make([]*client.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

func (m *Manager) emit(alias string, ev Event) {
	if m.onEvent != nil {
		m.onEvent(alias, ev)
	}
}

func (m *Manager) lockFor(alias string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.connLocks[alias]
	if !ok {
		l = &sync.Mutex{}
		m.connLocks[alias] = l
	}
	return l
}

// withAlias serializes every handshake/message step for one connection
// against every other, so concurrent pushes and local sends can never
// race on its agent_msg_id sequence or hash chain.
func (m *Manager) withAlias(alias string, fn func() error) error {
	l := m.lockFor(alias)
	l.Lock()
	defer l.Unlock()
	return fn()
}

func (m *Manager) clientFor(addr wire.ServerAddress) *client.Client {
	key := addr.HostPort() + "#" + string(addr.KeyHash)
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[key]; ok {
		return c
	}
	c := client.New(addr.HostPort(), addr.KeyHash, m.insecure, m.log, m.handlePush, m.clientOpts...)
	m.clients[key] = c
	return c
}

func (m *Manager) clientForServer(s string) *client.Client {
	addr, err := wire.ParseServerAddress(s)
	if err != nil {
		m.log.Errorf("session: bad stored server address %q: %v", s, err)
		return nil
	}
	return m.clientFor(addr)
}

func (m *Manager) registerRecipient(recipientID []byte, alias string) {
	m.mu.Lock()
	m.byRecipient[string(recipientID)] = alias
	m.mu.Unlock()
}

// handlePush is the PushHandler passed to every agent/client.Client: it
// routes an unsolicited MSG (or END) by recipient_id to the connection
// that owns it.
func (m *Manager) handlePush(resp *wire.ResponseTransmission) {
	m.mu.Lock()
	alias, ok := m.byRecipient[string(resp.QueueID)]
	m.mu.Unlock()
	if !ok {
		m.log.Warningf("session: push for unknown recipient %x", resp.QueueID)
		return
	}
	switch r := resp.Response.(type) {
	case *wire.Msg:
		if err := m.withAlias(alias, func() error { return m.handleRecvMessage(alias, r) }); err != nil {
			m.log.Warningf("session: %s: %v", alias, err)
		}
	case *wire.End:
		m.log.Noticef("session: %s: subscription evicted", alias)
	}
}

func sendAndCheck(ctx context.Context, c *client.Client, queueID []byte, cmd wire.ServerCommand, signer *sign.PrivateKey) (wire.ServerResponse, error) {
	var signFn func(tx *wire.Transmission) []byte
	if signer != nil {
		signFn = func(tx *wire.Transmission) []byte {
			sig, err := signer.Sign(wire.SignedPayload(tx))
			if err != nil {
				return nil
			}
			return sig
		}
	}
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	rt, err := c.SendCommand(cctx, queueID, cmd, signFn)
	if err != nil {
		return nil, err
	}
	if e, ok := rt.Response.(*wire.Err); ok {
		return nil, client.SMPError(e.Code)
	}
	return rt.Response, nil
}

// CreateInvitation starts a connection as its initiator: it provisions
// a recv queue on addr and returns the invitation the joiner needs.
func (m *Manager) CreateInvitation(alias string, addr wire.ServerAddress, ackMode AckMode) (*wire.QueueInfo, error) {
	if _, err := m.store.CreateConnection(alias, store.RoleInitiator, int(ackMode)); err != nil {
		return nil, fmt.Errorf("session: create connection: %w", err)
	}
	info, err := m.provisionRecvQueue(alias, addr)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return info, nil
}

// provisionRecvQueue creates and subscribes to a fresh recv queue for
// alias on addr, shared by the initial invitation (CreateInvitation)
// and a reply queue attached mid-connection (attachReplyQueue).
func (m *Manager) provisionRecvQueue(alias string, addr wire.ServerAddress) (*wire.QueueInfo, error) {
	recvPriv, recvPub, err := sign.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	boxPub, boxPriv, err := box.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	recvPrivBytes, err := recvPriv.Bytes()
	if err != nil {
		return nil, err
	}

	c := m.clientFor(addr)
	ctx, cancel := context.WithTimeout(context.Background(), dialWaitTimeout)
	defer cancel()
	if err := c.WaitConnected(ctx); err != nil {
		return nil, fmt.Errorf("dial %v: %w", addr, err)
	}

	resp, err := sendAndCheck(ctx, c, nil, &wire.NewQueue{RecvKey: recvPub.Bytes()}, recvPriv)
	if err != nil {
		return nil, fmt.Errorf("NEW: %w", err)
	}
	ids, ok := resp.(*wire.Ids)
	if !ok {
		return nil, fmt.Errorf("NEW: unexpected response %T", resp)
	}

	q := &store.Queue{
		Alias: alias, Role: store.QueueRecv, Server: addr.String(),
		RecipientID: ids.RecipientID, VerifyKey: recvPrivBytes, EncryptionKey: boxPriv.Bytes(),
	}
	if err := m.store.PutQueue(q); err != nil {
		return nil, err
	}
	m.registerRecipient(ids.RecipientID, alias)

	if _, err := sendAndCheck(ctx, c, ids.RecipientID, &wire.Subscribe{}, recvPriv); err != nil {
		return nil, fmt.Errorf("SUB: %w", err)
	}

	return &wire.QueueInfo{Server: addr, SenderID: ids.SenderID, EncryptionKey: boxPub}, nil
}

// JoinConnection starts a connection as its joiner: it provisions a
// send queue pointed at info, sends the SMP confirmation followed by
// HELLO, and, if mode.Enabled, provisions its own recv queue and sends
// REPLY so the inviter can attach a send queue for the reverse
// direction (spec.md §4.9).
func (m *Manager) JoinConnection(alias string, info *wire.QueueInfo, mode ReplyMode, ackMode AckMode) error {
	if _, err := m.store.CreateConnection(alias, store.RoleJoiner, int(ackMode)); err != nil {
		return fmt.Errorf("session: create connection: %w", err)
	}

	senderPriv, _, err := sign.GenerateKeypair()
	if err != nil {
		return err
	}
	senderPrivBytes, err := senderPriv.Bytes()
	if err != nil {
		return err
	}
	sendQueue := &store.Queue{
		Alias: alias, Role: store.QueueSend, Server: info.Server.String(),
		SenderID: info.SenderID, VerifyKey: senderPrivBytes, EncryptionKey: info.EncryptionKey.Bytes(),
	}
	if err := m.store.PutQueue(sendQueue); err != nil {
		return err
	}

	var replyInfo *wire.QueueInfo
	if mode.Enabled {
		replyServer := info.Server
		if mode.Server != nil {
			replyServer = *mode.Server
		}
		ri, err := m.provisionRecvQueue(alias, replyServer)
		if err != nil {
			return fmt.Errorf("session: reply queue: %w", err)
		}
		replyInfo = ri
	}

	return m.attachSendQueue(alias, info.Server, senderPriv, replyInfo)
}

// attachReplyQueue is the initiator-side counterpart of JoinConnection's
// reply path: on receiving REPLY over its original recv queue, it
// provisions a send queue pointed at the joiner's reply recv queue and
// runs the same confirmation/HELLO bootstrap, completing the duplex
// connection.
func (m *Manager) attachReplyQueue(alias string, info *wire.QueueInfo) error {
	if _, err := m.store.GetConnection(alias); err != nil {
		return err
	}
	senderPriv, _, err := sign.GenerateKeypair()
	if err != nil {
		return err
	}
	senderPrivBytes, err := senderPriv.Bytes()
	if err != nil {
		return err
	}
	sendQueue := &store.Queue{
		Alias: alias, Role: store.QueueSend, Server: info.Server.String(),
		SenderID: info.SenderID, VerifyKey: senderPrivBytes, EncryptionKey: info.EncryptionKey.Bytes(),
	}
	if err := m.store.PutQueue(sendQueue); err != nil {
		return err
	}
	return m.attachSendQueue(alias, info.Server, senderPriv, nil)
}

// attachSendQueue runs the bootstrap every newly attached send queue
// needs: an unsigned SMPConfirmation announcing senderPriv's public
// half, then a signed HELLO once the peer has secured the queue with
// KEY, then an optional REPLY carrying this side's own invitation.
func (m *Manager) attachSendQueue(alias string, addr wire.ServerAddress, senderPriv *sign.PrivateKey, replyInfo *wire.QueueInfo) error {
	q, err := m.store.GetQueue(alias, store.QueueSend)
	if err != nil {
		return err
	}
	conn, err := m.store.GetConnection(alias)
	if err != nil {
		return err
	}
	peerBoxPub, err := box.PublicKeyFromBytes(q.EncryptionKey)
	if err != nil {
		return err
	}
	senderPub, err := senderPriv.Public()
	if err != nil {
		return err
	}

	c := m.clientFor(addr)
	ctx, cancel := context.WithTimeout(context.Background(), dialWaitTimeout)
	defer cancel()
	if err := c.WaitConnected(ctx); err != nil {
		return fmt.Errorf("dial %v: %w", addr, err)
	}

	conf := &Confirmation{SenderVerifyKey: senderPub.Bytes()}
	sealedConf, err := box.SealAnon(conf.Encode(), peerBoxPub)
	if err != nil {
		return err
	}
	if _, err := sendAndCheck(ctx, c, q.SenderID, &wire.Send{Body: sealedConf}, nil); err != nil {
		return fmt.Errorf("SEND confirmation: %w", err)
	}
	if err := m.store.UpdateStatus(alias, store.StatusJoined); err != nil {
		return err
	}

	helloEnv, err := m.nextOutgoingEnvelope(alias, &Hello{VerifyKey: senderPub.Bytes(), AckMode: AckMode(conn.AckMode)})
	if err != nil {
		return err
	}
	sealedHello, err := box.SealAnon(helloEnv.bytes, peerBoxPub)
	if err != nil {
		return err
	}
	// HELLO can only succeed once the peer has called KEY in response
	// to the confirmation just sent above; that is a race the peer
	// loses by construction the first time, so retry with backoff
	// instead of treating the first AUTH failure as fatal.
	if err := m.sendWithBootstrapRetry(ctx, c, q.SenderID, sealedHello, senderPriv); err != nil {
		_ = m.store.UpdateStatus(alias, store.StatusDisabled)
		m.emit(alias, Event{Kind: EventDisabled, Err: err})
		return fmt.Errorf("SEND hello: %w", err)
	}
	m.commitOutgoingEnvelope(alias, helloEnv)

	if replyInfo != nil {
		replyEnv, err := m.nextOutgoingEnvelope(alias, &Reply{QueueInfo: *replyInfo})
		if err != nil {
			return err
		}
		sealedReply, err := box.SealAnon(replyEnv.bytes, peerBoxPub)
		if err != nil {
			return err
		}
		if _, err := sendAndCheck(ctx, c, q.SenderID, &wire.Send{Body: sealedReply}, senderPriv); err != nil {
			return fmt.Errorf("SEND reply: %w", err)
		}
		m.commitOutgoingEnvelope(alias, replyEnv)
	}

	return m.maybeActivate(alias)
}

func (m *Manager) sendWithBootstrapRetry(ctx context.Context, c *client.Client, queueID []byte, sealed []byte, signer *sign.PrivateKey) error {
	delay := helloRetryBase
	var lastErr error
	for attempt := 0; attempt < helloRetries; attempt++ {
		_, err := sendAndCheck(ctx, c, queueID, &wire.Send{Body: sealed}, signer)
		if err == nil {
			return nil
		}
		var agentErr *client.Error
		if !errors.As(err, &agentErr) || agentErr.Kind != client.KindSMP || agentErr.Reason != string(wire.ErrAuth) {
			return err
		}
		lastErr = err
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("queue never secured after %d attempts: %w", helloRetries, lastErr)
}

type outgoingEnvelope struct {
	msg   *SMPMessage
	bytes []byte
}

func (m *Manager) nextOutgoingEnvelope(alias string, inner InnerMessage) (*outgoingEnvelope, error) {
	conn, err := m.store.GetConnection(alias)
	if err != nil {
		return nil, err
	}
	lastID, err := m.store.MaxAgentMsgID(alias, store.DirOutgoing)
	if err != nil {
		return nil, err
	}
	var prevHash hash.Sum
	copy(prevHash[:], conn.LastSendHash)
	smsg := &SMPMessage{
		AgentMsgID:     lastID + 1,
		AgentTimestamp: time.Now().UTC(),
		PrevMsgHash:    prevHash,
		Inner:          inner,
	}
	return &outgoingEnvelope{msg: smsg, bytes: smsg.Encode()}, nil
}

// commitOutgoingEnvelope persists an envelope after its SEND has been
// acknowledged by the server: it advances the send hash chain and logs
// the message, so a restart resumes the sequence rather than reusing
// an id the peer may already have seen.
func (m *Manager) commitOutgoingEnvelope(alias string, env *outgoingEnvelope) {
	tip := hash.Sum256(env.bytes)
	if err := m.store.UpdateHashChain(alias, store.DirOutgoing, tip.Bytes()); err != nil {
		m.log.Warningf("session: %s: update send hash chain: %v", alias, err)
	}
	dm := &store.Message{Alias: alias, Direction: store.DirOutgoing, AgentMsgID: env.msg.AgentMsgID, Delivered: true}
	if am, ok := env.msg.Inner.(*AMsg); ok {
		dm.Body = am.Body
	}
	if err := m.store.AppendMessage(dm); err != nil {
		m.log.Warningf("session: %s: log outgoing message: %v", alias, err)
	}
}

// maybeActivate promotes a connection to Active once both sides'
// bootstrap HELLO have been seen: this side's own (tracked by its
// outgoing sequence) and, if the connection has a recv queue at all,
// the peer's (tracked by the incoming sequence).
func (m *Manager) maybeActivate(alias string) error {
	conn, err := m.store.GetConnection(alias)
	if err != nil {
		return err
	}
	if conn.Status == store.StatusActive || conn.Status == store.StatusDisabled {
		return nil
	}
	sentHello, err := m.store.MaxAgentMsgID(alias, store.DirOutgoing)
	if err != nil {
		return err
	}
	if sentHello < 1 {
		return nil
	}
	if _, err := m.store.GetQueue(alias, store.QueueRecv); err == nil {
		recvHello, err := m.store.MaxAgentMsgID(alias, store.DirIncoming)
		if err != nil {
			return err
		}
		if recvHello < 1 {
			return nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := m.store.UpdateStatus(alias, store.StatusActive); err != nil {
		return err
	}
	m.emit(alias, Event{Kind: EventConnected})
	return nil
}

func (m *Manager) ownVerifyKeyBytes(alias string) ([]byte, error) {
	q, err := m.store.GetQueue(alias, store.QueueRecv)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	priv, err := sign.PrivateKeyFromBytes(q.VerifyKey)
	if err != nil {
		return nil, err
	}
	pub, err := priv.Public()
	if err != nil {
		return nil, err
	}
	return pub.Bytes(), nil
}

func (m *Manager) ackRecv(ctx context.Context, c *client.Client, recipientID []byte, recvPriv *sign.PrivateKey) error {
	_, err := sendAndCheck(ctx, c, recipientID, &wire.Ack{}, recvPriv)
	return err
}

// handleRecvMessage processes one inbound MSG push on alias's recv
// queue: it opens the body, decodes the envelope, and dispatches to
// the confirmation or sequenced-message handler.
func (m *Manager) handleRecvMessage(alias string, msg *wire.Msg) error {
	conn, err := m.store.GetConnection(alias)
	if err != nil {
		return err
	}
	if conn.Status == store.StatusDisabled {
		return nil
	}
	q, err := m.store.GetQueue(alias, store.QueueRecv)
	if err != nil {
		return err
	}
	c := m.clientForServer(q.Server)
	if c == nil {
		return fmt.Errorf("%s: no client for %s", alias, q.Server)
	}
	recvPriv, err := sign.PrivateKeyFromBytes(q.VerifyKey)
	if err != nil {
		return err
	}
	boxPriv, err := box.PrivateKeyFromBytes(q.EncryptionKey)
	if err != nil {
		return err
	}
	boxPub := boxPriv.Public()

	ctx, cancel := context.WithTimeout(context.Background(), dialWaitTimeout)
	defer cancel()

	plain, err := box.OpenAnon(msg.Body, boxPub, boxPriv)
	if err != nil {
		m.log.Warningf("session: %s: failed to open inbound message: %v", alias, err)
		return m.ackRecv(ctx, c, q.RecipientID, recvPriv)
	}
	env, err := DecodeEnvelope(plain)
	if err != nil {
		m.log.Warningf("session: %s: bad envelope: %v", alias, err)
		return m.ackRecv(ctx, c, q.RecipientID, recvPriv)
	}

	switch e := env.(type) {
	case *Confirmation:
		return m.handleConfirmation(ctx, alias, q, c, recvPriv, e)
	case *SMPMessage:
		return m.handleSequencedMessage(ctx, alias, q, c, recvPriv, e)
	default:
		return m.ackRecv(ctx, c, q.RecipientID, recvPriv)
	}
}

// handleConfirmation secures the queue with the sender's verify key
// (spec.md §4.9's KEY call) and acks the bootstrap confirmation.
func (m *Manager) handleConfirmation(ctx context.Context, alias string, q *store.Queue, c *client.Client, recvPriv *sign.PrivateKey, conf *Confirmation) error {
	if _, err := sendAndCheck(ctx, c, q.RecipientID, &wire.SetSenderKey{SenderKey: conf.SenderVerifyKey}, recvPriv); err != nil {
		return fmt.Errorf("KEY: %w", err)
	}
	if err := m.store.UpdateStatus(alias, store.StatusConfirmed); err != nil {
		return err
	}
	return m.ackRecv(ctx, c, q.RecipientID, recvPriv)
}

// handleSequencedMessage processes one sequenced HELLO/REPLY/AMsg,
// applying the hash-chain and ordering policy before dispatch: a
// mismatched PrevMsgHash or a gap in AgentMsgID is surfaced as an
// annotation but never blocks delivery, while an exact duplicate
// AgentMsgID is dropped without being re-stored or re-emitted.
func (m *Manager) handleSequencedMessage(ctx context.Context, alias string, q *store.Queue, c *client.Client, recvPriv *sign.PrivateKey, smsg *SMPMessage) error {
	conn, err := m.store.GetConnection(alias)
	if err != nil {
		return err
	}

	lastID, err := m.store.MaxAgentMsgID(alias, store.DirIncoming)
	if err != nil {
		return err
	}
	if smsg.AgentMsgID <= lastID {
		return m.ackRecv(ctx, c, q.RecipientID, recvPriv)
	}
	if smsg.AgentMsgID > lastID+1 {
		m.emit(alias, Event{Kind: EventMessage, AgentMsgID: smsg.AgentMsgID,
			Err: fmt.Errorf("session: %s: message sequence skipped %d to %d", alias, lastID+1, smsg.AgentMsgID)})
	}

	var lastHash hash.Sum
	copy(lastHash[:], conn.LastRecvHash)
	if !lastHash.Empty() && smsg.PrevMsgHash != lastHash {
		m.emit(alias, Event{Kind: EventMessage, AgentMsgID: smsg.AgentMsgID,
			Err: fmt.Errorf("session: %s: message hash chain mismatch at %d", alias, smsg.AgentMsgID)})
	}
	tip := hash.Sum256(smsg.Encode())
	if err := m.store.UpdateHashChain(alias, store.DirIncoming, tip.Bytes()); err != nil {
		return err
	}

	dm := &store.Message{Alias: alias, Direction: store.DirIncoming, AgentMsgID: smsg.AgentMsgID}
	if am, ok := smsg.Inner.(*AMsg); ok {
		dm.Body = am.Body
	} else {
		dm.Delivered = true
	}
	if err := m.store.AppendMessage(dm); err != nil {
		return err
	}

	switch inner := smsg.Inner.(type) {
	case *Hello:
		own, err := m.ownVerifyKeyBytes(alias)
		if err != nil {
			return err
		}
		if err := m.store.UpdateKeys(alias, own, inner.VerifyKey); err != nil {
			return err
		}
		if err := m.ackRecv(ctx, c, q.RecipientID, recvPriv); err != nil {
			return err
		}
		return m.maybeActivate(alias)
	case *Reply:
		if err := m.ackRecv(ctx, c, q.RecipientID, recvPriv); err != nil {
			return err
		}
		if _, err := m.store.GetQueue(alias, store.QueueSend); errors.Is(err, store.ErrNotFound) {
			return m.attachReplyQueue(alias, &inner.QueueInfo)
		}
		return nil
	case *AMsg:
		m.emit(alias, Event{Kind: EventMessage, AgentMsgID: smsg.AgentMsgID, Body: inner.Body})
		if AckMode(conn.AckMode) == AckAuto {
			if err := m.store.MarkDelivered(dm.ID); err != nil {
				return err
			}
			return m.ackRecv(ctx, c, q.RecipientID, recvPriv)
		}
		return nil
	default:
		return m.ackRecv(ctx, c, q.RecipientID, recvPriv)
	}
}

// SendMessage sends an application message body on alias's connection,
// assigning it the next agent_msg_id in the outgoing hash chain.
// Returns the assigned agent_msg_id.
func (m *Manager) SendMessage(alias string, body []byte) (uint64, error) {
	var msgID uint64
	err := m.withAlias(alias, func() error {
		conn, err := m.store.GetConnection(alias)
		if err != nil {
			return err
		}
		if conn.Status != store.StatusActive {
			return ErrNotActive
		}
		q, err := m.store.GetQueue(alias, store.QueueSend)
		if err != nil {
			return err
		}
		senderPriv, err := sign.PrivateKeyFromBytes(q.VerifyKey)
		if err != nil {
			return err
		}
		peerBoxPub, err := box.PublicKeyFromBytes(q.EncryptionKey)
		if err != nil {
			return err
		}
		c := m.clientForServer(q.Server)
		if c == nil {
			return fmt.Errorf("%s: no client for %s", alias, q.Server)
		}
		ctx, cancel := context.WithTimeout(context.Background(), dialWaitTimeout)
		defer cancel()
		if err := c.WaitConnected(ctx); err != nil {
			return err
		}

		env, err := m.nextOutgoingEnvelope(alias, &AMsg{Body: body})
		if err != nil {
			return err
		}
		sealed, err := box.SealAnon(env.bytes, peerBoxPub)
		if err != nil {
			return err
		}
		if _, err := sendAndCheck(ctx, c, q.SenderID, &wire.Send{Body: sealed}, senderPriv); err != nil {
			return fmt.Errorf("SEND: %w", err)
		}
		m.commitOutgoingEnvelope(alias, env)
		msgID = env.msg.AgentMsgID
		return nil
	})
	return msgID, err
}

// Resume reloads every known connection's recv queue, registers its
// push routing, and re-subscribes it. A freshly dialed connection
// carries no memory of previous subscriptions, so this must run once
// at process startup before any push can be routed.
func (m *Manager) Resume() error {
	conns, err := m.store.ListConnections()
	if err != nil {
		return err
	}
	for _, conn := range conns {
		if conn.Status == store.StatusDisabled {
			continue
		}
		q, err := m.store.GetQueue(conn.Alias, store.QueueRecv)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		recvPriv, err := sign.PrivateKeyFromBytes(q.VerifyKey)
		if err != nil {
			return err
		}
		addr, err := wire.ParseServerAddress(q.Server)
		if err != nil {
			return err
		}
		c := m.clientFor(addr)
		m.registerRecipient(q.RecipientID, conn.Alias)
		go m.resubscribe(conn.Alias, q, c, recvPriv)
	}
	return nil
}

func (m *Manager) resubscribe(alias string, q *store.Queue, c *client.Client, recvPriv *sign.PrivateKey) {
	ctx, cancel := context.WithTimeout(context.Background(), dialWaitTimeout)
	defer cancel()
	if err := c.WaitConnected(ctx); err != nil {
		m.log.Warningf("session: %s: resume dial: %v", alias, err)
		return
	}
	if _, err := sendAndCheck(ctx, c, q.RecipientID, &wire.Subscribe{}, recvPriv); err != nil {
		m.log.Warningf("session: %s: resume SUB: %v", alias, err)
	}
}

// AckMessage acknowledges a previously received AckManual message: it
// flags the local record delivered and ACKs the underlying SMP queue
// so the server drops it from the buffer.
func (m *Manager) AckMessage(alias string, storeMsgID int64) error {
	return m.withAlias(alias, func() error {
		q, err := m.store.GetQueue(alias, store.QueueRecv)
		if err != nil {
			return err
		}
		recvPriv, err := sign.PrivateKeyFromBytes(q.VerifyKey)
		if err != nil {
			return err
		}
		c := m.clientForServer(q.Server)
		if c == nil {
			return fmt.Errorf("%s: no client for %s", alias, q.Server)
		}
		ctx, cancel := context.WithTimeout(context.Background(), dialWaitTimeout)
		defer cancel()
		if err := m.store.MarkDelivered(storeMsgID); err != nil {
			return err
		}
		return m.ackRecv(ctx, c, q.RecipientID, recvPriv)
	})
}
