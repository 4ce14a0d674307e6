package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/simplexmq/simplexmq/core/worker"
)

// Listener accepts incoming SMP client connections over TLS 1.3,
// handing each accepted Conn to a handler goroutine. Its accept loop
// follows the teacher's listener.worker idiom: a single blocking
// Accept loop guarded by the embedded worker.Worker's halt channel.
type Listener struct {
	worker.Worker

	log *logging.Logger

	ln net.Listener

	handler func(Conn)

	wg sync.WaitGroup
}

// ListenTLS starts a TLS 1.3 listener on addr, presenting cert for the
// handshake. handler is invoked in its own goroutine per accepted
// connection and must call Conn.Close when done.
func ListenTLS(addr string, cert tls.Certificate, log *logging.Logger, handler func(Conn)) (*Listener, error) {
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	l := &Listener{log: log, ln: ln, handler: handler}
	l.Go(l.worker)
	return l, nil
}

func (l *Listener) worker() {
	addr := l.ln.Addr()
	l.log.Noticef("listening on %v", addr)
	defer func() {
		l.log.Noticef("stopped listening on %v", addr)
		l.ln.Close()
	}()
	for {
		select {
		case <-l.HaltCh():
			return
		default:
		}
		conn, err := l.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && !ne.Temporary() {
				l.log.Errorf("accept failure: %v", err)
				return
			}
			continue
		}
		if tcpConn, ok := conn.(interface{ SetKeepAlive(bool) error }); ok {
			_ = tcpConn.SetKeepAlive(true)
		}
		l.log.Debugf("accepted connection: %v", conn.RemoteAddr())
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handler(newTCPConn(conn))
		}()
	}
}

// Halt closes the listener and waits for in-flight handlers to return.
func (l *Listener) Halt() {
	l.ln.Close()
	l.Worker.Halt()
	l.wg.Wait()
}

// WSListener serves the WebSocket transport variant by wrapping an
// http.Server; it is used by the agent-facing endpoint where browser
// clients cannot open raw TCP sockets.
type WSListener struct {
	srv      *http.Server
	upgrader websocket.Upgrader
	handler  func(Conn)
	log      *logging.Logger
}

// ListenWebSocket starts an HTTPS server on addr that upgrades every
// request on path to a WebSocket SMP connection.
func ListenWebSocket(addr, path string, cert tls.Certificate, log *logging.Logger, handler func(Conn)) (*WSListener, error) {
	l := &WSListener{
		upgrader: websocket.Upgrader{ReadBufferSize: MaxLine, WriteBufferSize: MaxLine},
		handler:  handler,
		log:      log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.serveWS)
	l.srv = &http.Server{
		Addr:      addr,
		Handler:   mux,
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS13, Certificates: []tls.Certificate{cert}},
	}
	go func() {
		if err := l.srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			l.log.Errorf("websocket listener exited: %v", err)
		}
	}()
	return l, nil
}

func (l *WSListener) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warningf("websocket upgrade failed: %v", err)
		return
	}
	l.log.Debugf("accepted websocket connection: %v", r.RemoteAddr)
	go l.handler(newWSConn(ws))
}

// Halt gracefully shuts down the HTTPS server.
func (l *WSListener) Halt() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = l.srv.Shutdown(ctx)
}
