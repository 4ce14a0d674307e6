// Package transport implements the SMP transport layer (spec.md §4.1):
// TLS 1.3 over TCP and WebSocket framings that carry the line-oriented
// wire.Transmission grammar, plus server-cert pinning against a
// server's advertised key_hash.
package transport

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// MaxLine bounds a single line read from a peer, per spec.md §4.1. A
// client or server that exceeds it is protocol-abusive, not merely
// malformed, and the connection is dropped rather than answered.
const MaxLine = 16 * 1024

// MaxBody bounds a single message body (the SEND/MSG payload), per
// spec.md §3's MSG_SIZE_MAX.
const MaxBody = 16 * 1024

var (
	// ErrConnClosed is returned by Conn operations after Close.
	ErrConnClosed = errors.New("transport: connection closed")
	// ErrLineTooLong is returned when a peer's line exceeds MaxLine.
	ErrLineTooLong = errors.New("transport: line too long")
	// ErrBadBlockSize is returned when a declared body length is negative
	// or exceeds MaxBody.
	ErrBadBlockSize = errors.New("transport: bad block size")
	// ErrTLS wraps a TLS handshake or cert-pinning failure.
	ErrTLS = errors.New("transport: tls error")
)

// Conn is a bidirectional, line-oriented transport connection. It
// satisfies wire.LineReader and wire.LineWriter without importing the
// wire package, the same structural-typing split the codec package
// documents.
type Conn interface {
	GetLine() ([]byte, error)
	GetBytes(n int) ([]byte, error)
	PutLine([]byte) error
	PutBytes([]byte) error
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
	Close() error
}

// tcpConn implements Conn over a TLS 1.3 byte stream, LF-delimited.
type tcpConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newTCPConn(conn net.Conn) *tcpConn {
	return &tcpConn{conn: conn, reader: bufio.NewReaderSize(conn, MaxLine)}
}

// WrapConn adapts an already-established net.Conn to the line-oriented
// Conn framing without performing a TLS handshake. Production callers
// reach it only via Dial/ListenTLS; tests use it directly to drive the
// codec over a net.Pipe without standing up real TLS.
func WrapConn(conn net.Conn) Conn {
	return newTCPConn(conn)
}

func (c *tcpConn) GetLine() ([]byte, error) {
	line, err := c.reader.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, ErrLineTooLong
		}
		return nil, err
	}
	if len(line) > MaxLine {
		return nil, ErrLineTooLong
	}
	out := make([]byte, len(line)-1)
	copy(out, line[:len(line)-1])
	return out, nil
}

func (c *tcpConn) GetBytes(n int) ([]byte, error) {
	if n < 0 || n > MaxBody {
		return nil, ErrBadBlockSize
	}
	buf := make([]byte, n+1) // +1 for the trailing LF
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, err
	}
	if buf[n] != '\n' {
		return nil, ErrBadBlockSize
	}
	return buf[:n], nil
}

func (c *tcpConn) PutLine(b []byte) error {
	if len(b) > MaxLine {
		return ErrLineTooLong
	}
	_, err := c.conn.Write(append(append([]byte{}, b...), '\n'))
	return err
}

func (c *tcpConn) PutBytes(b []byte) error {
	if len(b) > MaxBody {
		return ErrBadBlockSize
	}
	_, err := c.conn.Write(append(append([]byte{}, b...), '\n'))
	return err
}

func (c *tcpConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *tcpConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

func (c *tcpConn) Close() error { return c.conn.Close() }

// wsConn implements Conn over a gorilla/websocket connection, one line
// or one body per binary frame — the framing the browser-facing agent
// clients use (spec.md §4.1's "WebSocket" transport).
type wsConn struct {
	ws      *websocket.Conn
	pending []byte
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) readFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if len(data) > MaxLine {
		return nil, ErrLineTooLong
	}
	return data, nil
}

func (c *wsConn) GetLine() ([]byte, error) { return c.readFrame() }

func (c *wsConn) GetBytes(n int) ([]byte, error) {
	if n < 0 || n > MaxBody {
		return nil, ErrBadBlockSize
	}
	data, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, ErrBadBlockSize
	}
	return data, nil
}

func (c *wsConn) PutLine(b []byte) error {
	if len(b) > MaxLine {
		return ErrLineTooLong
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsConn) PutBytes(b []byte) error {
	if len(b) > MaxBody {
		return ErrBadBlockSize
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }

func (c *wsConn) Close() error { return c.ws.Close() }

// PinnedTLSConfig builds a *tls.Config that accepts the peer certificate
// only if its SubjectPublicKeyInfo SHA-256 digest matches keyHash, per
// spec.md §4.1's server-identity model: the server's identity is its
// key, not a CA-issued name.
func PinnedTLSConfig(keyHash []byte, insecureSkipPin bool) *tls.Config {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, // we verify the pin ourselves below
	}
	if insecureSkipPin {
		return cfg
	}
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("%w: no peer certificate", ErrTLS)
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTLS, err)
		}
		digest, err := SPKIFingerprint(cert)
		if err != nil {
			return err
		}
		if !equalHash(digest, keyHash) {
			return fmt.Errorf("%w: cert key_hash mismatch", ErrTLS)
		}
		return nil
	}
	return cfg
}

// SPKIFingerprint returns the SHA-256 digest of cert's
// SubjectPublicKeyInfo — the key_hash spec.md §4.1's server identity
// model pins against. PinnedTLSConfig's own pin check and the
// `smp-server keys` CLI command both compute it this same way, so a
// freshly generated certificate's printed key_hash always matches what
// a client dialing it with that key_hash will accept.
func SPKIFingerprint(cert *x509.Certificate) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTLS, err)
	}
	digest := sha256.Sum256(spki)
	return digest[:], nil
}

func equalHash(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DialContextFn dials the raw (pre-TLS) transport-layer connection. Tests
// substitute an in-memory net.Pipe dialer here instead of a real TCP
// listener, the same seam the teacher's client2.Config.Callbacks.DialContextFn
// provides.
type DialContextFn func(ctx context.Context, network, addr string) (net.Conn, error)

// DefaultDialContextFn dials a real TCP connection.
func DefaultDialContextFn(ctx context.Context, network, addr string) (net.Conn, error) {
	return (&net.Dialer{}).DialContext(ctx, network, addr)
}

// Dial connects to addr over TLS 1.3 and pins the peer cert against
// keyHash (empty keyHash disables pinning, test mode only).
func Dial(ctx context.Context, dialFn DialContextFn, addr string, keyHash []byte, insecure bool) (Conn, error) {
	if dialFn == nil {
		dialFn = DefaultDialContextFn
	}
	rawConn, err := dialFn(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	cfg := PinnedTLSConfig(keyHash, insecure)
	tlsConn := tls.Client(rawConn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("%w: %v", ErrTLS, err)
	}
	return newTCPConn(tlsConn), nil
}

// DialWebSocket connects to a wss:// URL and pins the server cert the
// same way Dial does, for the browser-facing transport variant.
func DialWebSocket(ctx context.Context, url string, keyHash []byte, insecure bool) (Conn, error) {
	dialer := &websocket.Dialer{
		TLSClientConfig:  PinnedTLSConfig(keyHash, insecure),
		HandshakeTimeout: 30 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTLS, err)
	}
	return newWSConn(ws), nil
}
