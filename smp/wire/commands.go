// Package wire implements the SMP wire codec (spec.md §4.2): the textual,
// line-oriented transmission grammar exchanged between SMP clients
// (recipients and senders) and the SMP server.
//
// The codec never performs I/O of its own; it is driven by the small
// LineReader/LineWriter interfaces below, which smp/transport.Conn
// satisfies. This keeps command (de)serialization a deterministic,
// side-effect-free transformation over bytes that have already been
// delimited by the transport's line/length-prefixed framing, matching
// spec.md's "the codec is a pure function".
package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/simplexmq/simplexmq/core/b64"
)

// LineReader reads LF-delimited lines and fixed-length bodies from a
// transport connection.
type LineReader interface {
	GetLine() ([]byte, error)
	GetBytes(n int) ([]byte, error)
}

// LineWriter writes LF-delimited lines and fixed-length bodies to a
// transport connection.
type LineWriter interface {
	PutLine([]byte) error
	PutBytes([]byte) error
}

// ServerCommand is a command sent by a recipient or sender client to the
// SMP server.
type ServerCommand interface {
	commandLine() string
	body() []byte
}

// NewQueue is the NEW command: a recipient requests a new queue, offering
// the public key the server will record as the queue's recipient_verify_key.
type NewQueue struct {
	RecvKey []byte // SPKI-encoded public key
}

func (c *NewQueue) commandLine() string { return "NEW " + b64.EncodeURL(c.RecvKey) }
func (c *NewQueue) body() []byte        { return nil }

// Subscribe is the SUB command.
type Subscribe struct{}

func (c *Subscribe) commandLine() string { return "SUB" }
func (c *Subscribe) body() []byte        { return nil }

// SetSenderKey is the KEY command: the recipient supplies the sender's
// verify key, securing the queue.
type SetSenderKey struct {
	SenderKey []byte
}

func (c *SetSenderKey) commandLine() string { return "KEY " + b64.EncodeURL(c.SenderKey) }
func (c *SetSenderKey) body() []byte        { return nil }

// Ack is the ACK command: delete the head of the message buffer.
type Ack struct{}

func (c *Ack) commandLine() string { return "ACK" }
func (c *Ack) body() []byte        { return nil }

// Off is the OFF command: disable the queue.
type Off struct{}

func (c *Off) commandLine() string { return "OFF" }
func (c *Off) body() []byte        { return nil }

// Del is the DEL command: delete the queue and its buffer.
type Del struct{}

func (c *Del) commandLine() string { return "DEL" }
func (c *Del) body() []byte        { return nil }

// Send is the SEND command, carrying an opaque message body.
type Send struct {
	Body []byte
}

func (c *Send) commandLine() string { return fmt.Sprintf("SEND %d", len(c.Body)) }
func (c *Send) body() []byte        { return c.Body }

// Ping is the PING command, used for idle keepalive.
type Ping struct{}

func (c *Ping) commandLine() string { return "PING" }
func (c *Ping) body() []byte        { return nil }

// ParseServerCommand parses a command line (without its body, if any) into
// a ServerCommand and reports the body length the caller must still read
// via LineReader.GetBytes, if any.
func ParseServerCommand(line string) (ServerCommand, int, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, 0, ErrSyntax(BadCommand)
	}
	switch fields[0] {
	case "NEW":
		if len(fields) != 2 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		key, err := b64.DecodeURL(fields[1])
		if err != nil {
			return nil, 0, ErrSyntax(BadEncoding)
		}
		return &NewQueue{RecvKey: key}, 0, nil
	case "SUB":
		if len(fields) != 1 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		return &Subscribe{}, 0, nil
	case "KEY":
		if len(fields) != 2 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		key, err := b64.DecodeURL(fields[1])
		if err != nil {
			return nil, 0, ErrSyntax(BadEncoding)
		}
		return &SetSenderKey{SenderKey: key}, 0, nil
	case "ACK":
		if len(fields) != 1 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		return &Ack{}, 0, nil
	case "OFF":
		if len(fields) != 1 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		return &Off{}, 0, nil
	case "DEL":
		if len(fields) != 1 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		return &Del{}, 0, nil
	case "SEND":
		if len(fields) != 2 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		return &Send{}, n, nil
	case "PING":
		if len(fields) != 1 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		return &Ping{}, 0, nil
	default:
		return nil, 0, ErrSyntax(BadCommand)
	}
}

// ServerResponse is a response or push sent by the SMP server to a client.
type ServerResponse interface {
	responseLine() string
	responseBody() []byte
}

// Ids is the IDS response to NEW.
type Ids struct {
	RecipientID []byte
	SenderID    []byte
}

func (r *Ids) responseLine() string {
	return "IDS " + b64.EncodeURL(r.RecipientID) + " " + b64.EncodeURL(r.SenderID)
}
func (r *Ids) responseBody() []byte { return nil }

// Msg is the MSG response/push delivering one buffered message.
type Msg struct {
	MsgID            uint64
	BrokerTimestamp  int64 // unix nanoseconds
	Body             []byte
}

func (r *Msg) responseLine() string {
	return fmt.Sprintf("MSG %d %d %d", r.MsgID, r.BrokerTimestamp, len(r.Body))
}
func (r *Msg) responseBody() []byte { return r.Body }

// End signals that a session's subscription was evicted by another
// subscriber.
type End struct{}

func (r *End) responseLine() string { return "END" }
func (r *End) responseBody() []byte { return nil }

// OK is the generic success response.
type OK struct{}

func (r *OK) responseLine() string { return "OK" }
func (r *OK) responseBody() []byte { return nil }

// Err is an error response, per spec.md §7.
type Err struct {
	Code ErrorCode
}

func (r *Err) responseLine() string { return "ERR " + string(r.Code) }
func (r *Err) responseBody() []byte { return nil }

// Pong is the PING keepalive reply.
type Pong struct{}

func (r *Pong) responseLine() string { return "PONG" }
func (r *Pong) responseBody() []byte { return nil }

// ParseServerResponse parses a response line into a ServerResponse and
// reports the body length the caller must still read, if any.
func ParseServerResponse(line string) (ServerResponse, int, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, 0, ErrSyntax(BadCommand)
	}
	switch fields[0] {
	case "IDS":
		if len(fields) != 3 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		rid, err := b64.DecodeURL(fields[1])
		if err != nil {
			return nil, 0, ErrSyntax(BadEncoding)
		}
		sid, err := b64.DecodeURL(fields[2])
		if err != nil {
			return nil, 0, ErrSyntax(BadEncoding)
		}
		return &Ids{RecipientID: rid, SenderID: sid}, 0, nil
	case "MSG":
		if len(fields) != 4 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, 0, ErrSyntax(BadCommand)
		}
		ts, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, 0, ErrSyntax(BadCommand)
		}
		n, err := strconv.Atoi(fields[3])
		if err != nil || n < 0 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		return &Msg{MsgID: id, BrokerTimestamp: ts}, n, nil
	case "END":
		if len(fields) != 1 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		return &End{}, 0, nil
	case "OK":
		if len(fields) != 1 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		return &OK{}, 0, nil
	case "ERR":
		if len(fields) < 2 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		return &Err{Code: ErrorCode(strings.Join(fields[1:], " "))}, 0, nil
	case "PONG":
		if len(fields) != 1 {
			return nil, 0, ErrSyntax(BadCommand)
		}
		return &Pong{}, 0, nil
	default:
		return nil, 0, ErrSyntax(BadCommand)
	}
}
