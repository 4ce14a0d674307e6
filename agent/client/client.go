// Package client implements the agent's SMP server client (spec.md
// §4.8): one long-lived, reconnecting transport per (host, port,
// key_hash), correlation-id based request/response matching, and MSG
// push routing by recipient_id. Its reconnect loop is grounded on the
// teacher's client2.connection: an exponential backoff delay capped at
// a maximum, driven by a worker.Worker goroutine.
package client

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/simplexmq/simplexmq/core/worker"
	"github.com/simplexmq/simplexmq/smp/transport"
	"github.com/simplexmq/simplexmq/smp/wire"
)

const (
	retryIncrement = 2 * time.Second
	maxRetryDelay  = 2 * time.Minute
)

var (
	// ErrShutdown is returned by in-flight requests when Close is called.
	ErrShutdown = errors.New("client: shutdown requested")
	// ErrNotConnected is returned by SendCommand while disconnected.
	ErrNotConnected = errors.New("client: not connected")
	// ErrTimeout is returned when a correlated response never arrives.
	ErrTimeout = errors.New("client: request timed out")
)

// PushHandler is invoked for every unsolicited MSG/END push the server
// sends, keyed by the recipient_id in ResponseTransmission.QueueID.
type PushHandler func(resp *wire.ResponseTransmission)

// Client is one persistent connection to a single SMP server, shared
// by every local queue hosted on that server.
type Client struct {
	worker.Worker

	addr     string
	keyHash  []byte
	insecure bool
	log      *logging.Logger

	onPush PushHandler

	mu          sync.Mutex
	conn        transport.Conn
	connected   bool
	connectedCh chan struct{} // closed when connected becomes true; replaced on disconnect
	pending     map[string]chan *wire.ResponseTransmission

	retryDelay int64 // atomic-free: only touched from the reconnect goroutine

	dialFn transport.DialContextFn
}

// Option customizes a Client at construction time.
type Option func(*Client)

// WithDialFn overrides the transport-level dial function, for tests
// that need to substitute an in-memory net.Pipe for a real dial.
func WithDialFn(fn transport.DialContextFn) Option {
	return func(c *Client) { c.dialFn = fn }
}

// New constructs a Client for the SMP server at addr (host:port),
// pinned against keyHash, and starts its connect loop. onPush is
// called for every unsolicited push, in arrival order, from a goroutine
// separate from the read loop, so it may send commands through this
// Client; pushes that arrive while it runs wait in a bounded backlog.
func New(addr string, keyHash []byte, insecure bool, log *logging.Logger, onPush PushHandler, opts ...Option) *Client {
	c := &Client{
		addr:     addr,
		keyHash:  keyHash,
		insecure: insecure,
		log:      log,
		onPush:   onPush,
		pending:     make(map[string]chan *wire.ResponseTransmission),
		dialFn:      transport.DefaultDialContextFn,
		connectedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Go(c.connectLoop)
	// Closing the live connection on Halt is what actually unblocks a
	// goroutine parked in a blocking read inside readLoop; the halt
	// channel alone only stops the loop between connections.
	c.Go(func() {
		<-c.HaltCh()
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	return c
}

func (c *Client) connectLoop() {
	for {
		select {
		case <-c.HaltCh():
			return
		default:
		}
		c.doConnect()
	}
}

func (c *Client) doConnect() {
	select {
	case <-time.After(time.Duration(c.retryDelay)):
	case <-c.HaltCh():
		return
	}
	if c.retryDelay == 0 {
		c.retryDelay = int64(retryIncrement)
	} else {
		c.retryDelay *= 2
	}
	if c.retryDelay > int64(maxRetryDelay) {
		c.retryDelay = int64(maxRetryDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, c.dialFn, c.addr, c.keyHash, c.insecure)
	if err != nil {
		c.log.Warningf("client: dial %v failed: %v", c.addr, err)
		return
	}
	c.log.Noticef("client: connected to %v", c.addr)
	c.retryDelay = int64(retryIncrement)

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	close(c.connectedCh)
	c.mu.Unlock()

	c.readLoop(conn)

	c.mu.Lock()
	c.connected = false
	c.connectedCh = make(chan struct{})
	c.failPending()
	c.mu.Unlock()
}

func (c *Client) readLoop(conn transport.Conn) {
	defer conn.Close()
	pushes := make(chan *wire.ResponseTransmission, 64)
	defer close(pushes)
	go func() {
		for rt := range pushes {
			if c.onPush != nil {
				c.onPush(rt)
			}
		}
	}()
	for {
		rt, err := wire.ReadResponse(conn)
		if err != nil {
			c.log.Debugf("client: read failed, reconnecting: %v", err)
			return
		}
		if len(rt.CorrelationID) == 0 {
			pushes <- rt
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[string(rt.CorrelationID)]
		if ok {
			delete(c.pending, string(rt.CorrelationID))
		}
		c.mu.Unlock()
		if ok {
			ch <- rt
		}
	}
}

func (c *Client) failPending() {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// SendCommand writes cmd addressed at queueID, signed by sig (computed
// by the caller over wire.SignedPayload so this package stays free of
// key material), and waits for the correlated response or ctx's
// cancellation.
func (c *Client) SendCommand(ctx context.Context, queueID []byte, cmd wire.ServerCommand, sign func(tx *wire.Transmission) []byte) (*wire.ResponseTransmission, error) {
	corrID, err := randomCorrelationID()
	if err != nil {
		return nil, err
	}
	tx := &wire.Transmission{CorrelationID: corrID, QueueID: queueID, Command: cmd}
	if sign != nil {
		tx.Sig = sign(tx)
	}

	respCh := make(chan *wire.ResponseTransmission, 1)

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.pending[string(corrID)] = respCh
	c.mu.Unlock()

	if err := wire.WriteTransmission(conn, tx); err != nil {
		c.mu.Lock()
		delete(c.pending, string(corrID))
		c.mu.Unlock()
		return nil, fmt.Errorf("client: write: %w", err)
	}

	select {
	case rt, ok := <-respCh:
		if !ok {
			return nil, brokerError(ErrShutdown)
		}
		return rt, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, string(corrID))
		c.mu.Unlock()
		return nil, brokerError(ErrTimeout)
	case <-c.HaltCh():
		return nil, brokerError(ErrShutdown)
	}
}

// Connected reports whether the client currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// WaitConnected blocks until the client has a live connection, ctx is
// done, or the client is closed.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.connected {
			c.mu.Unlock()
			return nil
		}
		ch := c.connectedCh
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.HaltCh():
			return ErrShutdown
		}
	}
}

// Close halts the reconnect loop and closes the current connection.
func (c *Client) Close() {
	c.Halt()
	c.mu.Lock()
	c.failPending()
	c.mu.Unlock()
}

func randomCorrelationID() ([]byte, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
