// Package server implements the SMP server (spec.md §4.4-§4.6): the
// per-session command dispatch loop, wired to a queuestore.Store and a
// subscription.Manager. Its shape follows the teacher's
// server/internal/incoming package — a listener that spawns one
// goroutine per accepted connection, each running a blocking
// read-dispatch-write loop until the connection closes.
package server

import (
	"crypto/rand"
	"crypto/tls"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/simplexmq/simplexmq/core/crypto/sign"
	"github.com/simplexmq/simplexmq/core/log"
	"github.com/simplexmq/simplexmq/core/worker"
	"github.com/simplexmq/simplexmq/smp/queuestore"
	"github.com/simplexmq/simplexmq/smp/server/config"
	"github.com/simplexmq/simplexmq/smp/subscription"
	"github.com/simplexmq/simplexmq/smp/transport"
)

// queueIDSize is the byte length of generated recipient_id/sender_id
// values, chosen to give each id 192 bits of entropy against guessing
// (spec.md §4.4's "ids must not be enumerable").
const queueIDSize = 24

// Server ties together the queue store, the subscription manager and
// the transport listeners into a running SMP broker instance.
type Server struct {
	worker.Worker

	cfg *config.Config
	log *logging.Logger
	lb  *log.Backend

	store *queuestore.Store
	subs  *subscription.Manager

	ln   *transport.Listener
	wsLn *transport.WSListener
}

// New constructs a Server from cfg but does not yet start listening.
func New(cfg *config.Config) (*Server, error) {
	lb, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, fmt.Errorf("server: log: %w", err)
	}
	store, err := queuestore.Open(cfg.Server.DataDir+"/queues.db", cfg.Server.QueueQuota)
	if err != nil {
		return nil, fmt.Errorf("server: queuestore: %w", err)
	}
	s := &Server{
		cfg:   cfg,
		log:   lb.GetLogger("server"),
		lb:    lb,
		store: store,
		subs:  subscription.New(),
	}
	return s, nil
}

// Start opens the TLS listener (and, if configured, the WebSocket
// listener) and begins accepting sessions.
func (s *Server) Start() error {
	cert, err := tls.LoadX509KeyPair(s.cfg.Server.CertFile, s.cfg.Server.KeyFile)
	if err != nil {
		return fmt.Errorf("server: load cert: %w", err)
	}
	ln, err := transport.ListenTLS(s.cfg.Server.Address, cert, s.log, s.handleConn)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.ln = ln

	if s.cfg.Server.WebSocketAddress != "" {
		wsLn, err := transport.ListenWebSocket(s.cfg.Server.WebSocketAddress, "/smp", cert, s.log, s.handleConn)
		if err != nil {
			ln.Halt()
			return fmt.Errorf("server: listen websocket: %w", err)
		}
		s.wsLn = wsLn
	}
	return nil
}

func (s *Server) handleConn(conn transport.Conn) {
	sess := newSession(s, conn)
	sess.run()
}

// Shutdown stops accepting new connections, waits for the sessions
// already running on the TLS listener to end, and closes the queue
// store. It does not close open sessions itself.
func (s *Server) Shutdown() {
	if s.ln != nil {
		s.ln.Halt()
	}
	if s.wsLn != nil {
		s.wsLn.Halt()
	}
	s.store.Close()
}

// RotateLog reopens the log file, for SIGHUP handling in cmd/smp-server.
func (s *Server) RotateLog() {
	if err := s.lb.Rotate(s.cfg.Logging.File); err != nil {
		s.log.Errorf("log rotation failed: %v", err)
	}
}

func randomID() ([]byte, error) {
	b := make([]byte, queueIDSize)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func verifyKeyFromBytes(b []byte) (*sign.PublicKey, error) {
	return sign.PublicKeyFromBytes(b)
}
