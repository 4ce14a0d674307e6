package client

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xlog "github.com/simplexmq/simplexmq/core/log"
	"github.com/simplexmq/simplexmq/internal/testtls"
	"github.com/simplexmq/simplexmq/smp/transport"
	"github.com/simplexmq/simplexmq/smp/wire"
)

// fakeServer accepts one dial per call from a test-controlled dialFn and
// echoes back OK for every command it receives, optionally pushing
// unsolicited messages on demand.
//
// transport.Dial always negotiates TLS 1.3 on top of the raw conn its
// DialContextFn returns, regardless of the insecure flag, so the
// server side of the pipe has to answer with a real (self-signed)
// handshake rather than the bare line protocol.
type fakeServer struct {
	mu     sync.Mutex
	conns  []net.Conn
	tlsCfg *tls.Config
}

func newFakeServer(t *testing.T) *fakeServer {
	cfg, err := testtls.ServerConfig()
	require.NoError(t, err)
	return &fakeServer{tlsCfg: cfg}
}

func (f *fakeServer) dialFn() transport.DialContextFn {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		clientSide, serverSide := net.Pipe()
		tlsServerSide := tls.Server(serverSide, f.tlsCfg)
		f.mu.Lock()
		f.conns = append(f.conns, tlsServerSide)
		f.mu.Unlock()
		go f.serve(tlsServerSide)
		return clientSide, nil
	}
}

func (f *fakeServer) serve(raw net.Conn) {
	conn := transport.WrapConn(raw)
	for {
		tx, err := wire.ReadTransmission(conn)
		if err != nil {
			return
		}
		resp := &wire.ResponseTransmission{CorrelationID: tx.CorrelationID, Response: &wire.OK{}}
		if err := wire.WriteResponse(conn, resp); err != nil {
			return
		}
	}
}

func newTestLogger(t *testing.T) *testLoggerBundle {
	lb, err := xlog.New("", "ERROR", true)
	require.NoError(t, err)
	return &testLoggerBundle{lb: lb}
}

type testLoggerBundle struct{ lb *xlog.Backend }

func TestSendCommandRoundTrip(t *testing.T) {
	srv := newFakeServer(t)
	lb := newTestLogger(t)
	c := New("relay:5223", nil, true, lb.lb.GetLogger("test"), nil, WithDialFn(srv.dialFn()))
	defer c.Close()

	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rt, err := c.SendCommand(ctx, []byte("qid"), &wire.Ping{}, nil)
	require.NoError(t, err)
	require.IsType(t, &wire.OK{}, rt.Response)
}

func TestPushRouting(t *testing.T) {
	srv := newFakeServer(t)
	var pushed int32
	var gotResp *wire.ResponseTransmission
	var mu sync.Mutex

	lb := newTestLogger(t)
	c := New("relay:5223", nil, true, lb.lb.GetLogger("test"), func(resp *wire.ResponseTransmission) {
		atomic.AddInt32(&pushed, 1)
		mu.Lock()
		gotResp = resp
		mu.Unlock()
	}, WithDialFn(srv.dialFn()))
	defer c.Close()

	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	srv.mu.Lock()
	serverConn := transport.WrapConn(srv.conns[len(srv.conns)-1])
	srv.mu.Unlock()
	_ = conn

	require.NoError(t, wire.WriteResponse(serverConn, &wire.ResponseTransmission{
		QueueID:  []byte("recipient-1"),
		Response: &wire.Msg{MsgID: 1, Body: []byte("push")},
	}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&pushed) == 1 }, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	require.Equal(t, []byte("recipient-1"), gotResp.QueueID)
	mu.Unlock()
}

// silentServer accepts the TLS handshake like fakeServer but never
// answers a command, modeling a broker that is reachable at the TCP
// level yet stalls indefinitely (spec.md §5's command timeout, S6).
type silentServer struct{ tlsCfg *tls.Config }

func newSilentServer(t *testing.T) *silentServer {
	cfg, err := testtls.ServerConfig()
	require.NoError(t, err)
	return &silentServer{tlsCfg: cfg}
}

func (s *silentServer) dialFn() transport.DialContextFn {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		clientSide, serverSide := net.Pipe()
		tlsServerSide := tls.Server(serverSide, s.tlsCfg)
		go func() {
			conn := transport.WrapConn(tlsServerSide)
			for {
				if _, err := wire.ReadTransmission(conn); err != nil {
					return
				}
			}
		}()
		return clientSide, nil
	}
}

func TestSendCommandTimeoutSurfacesBrokerError(t *testing.T) {
	srv := newSilentServer(t)
	lb := newTestLogger(t)
	c := New("relay:5223", nil, true, lb.lb.GetLogger("test"), nil, WithDialFn(srv.dialFn()))
	defer c.Close()

	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.SendCommand(ctx, []byte("qid"), &wire.Ping{}, nil)

	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	require.Equal(t, KindBroker, agentErr.Kind)
	require.Equal(t, "tcp_connection", agentErr.Reason)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestReconnectAfterServerCloses(t *testing.T) {
	srv := newFakeServer(t)
	lb := newTestLogger(t)
	c := New("relay:5223", nil, true, lb.lb.GetLogger("test"), nil, WithDialFn(srv.dialFn()))
	defer c.Close()

	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	srv.mu.Lock()
	conn := srv.conns[len(srv.conns)-1]
	srv.mu.Unlock()
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rt, err := c.SendCommand(ctx, []byte("qid"), &wire.Ping{}, nil)
	require.NoError(t, err)
	require.IsType(t, &wire.OK{}, rt.Response)
}

func TestSendCommandNotConnectedBeforeFirstDial(t *testing.T) {
	lb := newTestLogger(t)
	c := &Client{
		addr:    "unused:0",
		log:     lb.lb.GetLogger("test"),
		pending: make(map[string]chan *wire.ResponseTransmission),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.SendCommand(ctx, []byte("q"), &wire.Ping{}, nil)
	require.ErrorIs(t, err, ErrNotConnected)
}
