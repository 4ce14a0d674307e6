// Package session implements the SMP agent's per-connection state
// machine (spec.md §4.9): the handshake that turns a pair of one-way
// SMP queues into a duplex connection, and the ordered, hash-chained
// delivery of application messages over it once established.
//
// The agent-layer envelope carried as the plaintext of every SMP SEND
// body follows the same textual, line-oriented grammar as smp/wire's
// broker commands, parsed the same way (fields on a line, an explicit
// length before any binary payload) so the two codecs read as one
// family rather than two.
package session

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/simplexmq/simplexmq/core/b64"
	"github.com/simplexmq/simplexmq/core/crypto/hash"
	"github.com/simplexmq/simplexmq/smp/wire"
)

// AckMode is a side's own inbound policy: whether it surfaces each
// delivered message to its local client for explicit acknowledgement,
// or acknowledges automatically. Each side announces its mode in HELLO,
// per spec.md §4.9; the mode a peer announces is not stored or used.
type AckMode int

const (
	AckAuto AckMode = iota
	AckManual
)

// Envelope is the agent-layer message carried, encrypted, as the body
// of an SMP SEND. It is either the very first message ever placed on a
// freshly joined queue (Confirmation) or a sequenced, hash-chained
// SMPMessage.
type Envelope interface {
	Encode() []byte
}

// Confirmation is SMPConfirmation(sender_verify_key): the joiner's
// first message on the inviter's queue, carrying the verify key the
// inviter must KEY onto the queue to secure it.
type Confirmation struct {
	SenderVerifyKey []byte
}

// Encode implements Envelope.
func (c *Confirmation) Encode() []byte {
	return []byte("CONF " + b64.EncodeURL(c.SenderVerifyKey) + "\n")
}

// InnerMessage is the payload of a sequenced SMPMessage: HELLO, REPLY,
// or an application message body.
type InnerMessage interface {
	kind() string
	encode() []byte
}

// Hello announces this side's verify key and requested ack mode. Sent
// once by each side as its connection reaches Active (spec.md §4.9).
type Hello struct {
	VerifyKey []byte
	AckMode   AckMode
}

func (h *Hello) kind() string { return "HELLO" }
func (h *Hello) encode() []byte {
	return []byte(b64.EncodeURL(h.VerifyKey) + " " + strconv.Itoa(int(h.AckMode)) + "\n")
}

// Reply carries this side's own recv-queue invitation so the peer can
// attach a send queue for the reverse direction.
type Reply struct {
	QueueInfo wire.QueueInfo
}

func (r *Reply) kind() string { return "REPLY" }
func (r *Reply) encode() []byte {
	return []byte(r.QueueInfo.String() + "\n")
}

// AMsg is an application message body.
type AMsg struct {
	Body []byte
}

func (a *AMsg) kind() string { return "A_MSG" }
func (a *AMsg) encode() []byte {
	return []byte(fmt.Sprintf("%d\n%s", len(a.Body), a.Body))
}

// SMPMessage is a sequenced, hash-chained agent message (spec.md §4.9):
// a monotonic per-direction id, a timestamp, the hash of the previous
// message this side sent on this connection, and one inner payload.
type SMPMessage struct {
	AgentMsgID     uint64
	AgentTimestamp time.Time
	PrevMsgHash    hash.Sum
	Inner          InnerMessage
}

// Encode implements Envelope.
func (m *SMPMessage) Encode() []byte {
	header := fmt.Sprintf("MSG %d %d %s %s\n",
		m.AgentMsgID, m.AgentTimestamp.UnixNano(), b64.EncodeURL(m.PrevMsgHash.Bytes()), m.Inner.kind())
	return append([]byte(header), m.Inner.encode()...)
}

// DecodeEnvelope parses a plaintext envelope produced by Encode, after
// it has been opened from its SMP SEND body.
func DecodeEnvelope(plain []byte) (Envelope, error) {
	r := bufio.NewReader(bytes.NewReader(plain))
	line, err := readLine(r)
	if err != nil {
		return nil, wire.ErrSyntax(wire.BadMessage)
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, wire.ErrSyntax(wire.BadMessage)
	}
	switch fields[0] {
	case "CONF":
		if len(fields) != 2 {
			return nil, wire.ErrSyntax(wire.BadMessage)
		}
		key, err := b64.DecodeURL(fields[1])
		if err != nil {
			return nil, wire.ErrSyntax(wire.BadEncoding)
		}
		return &Confirmation{SenderVerifyKey: key}, nil
	case "MSG":
		return decodeSMPMessage(fields, r)
	default:
		return nil, wire.ErrSyntax(wire.BadMessage)
	}
}

func decodeSMPMessage(fields []string, r *bufio.Reader) (*SMPMessage, error) {
	if len(fields) != 5 {
		return nil, wire.ErrSyntax(wire.BadMessage)
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, wire.ErrSyntax(wire.BadMessage)
	}
	tsNano, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, wire.ErrSyntax(wire.BadMessage)
	}
	prevHashBytes, err := b64.DecodeURL(fields[3])
	if err != nil {
		return nil, wire.ErrSyntax(wire.BadEncoding)
	}
	var prevHash hash.Sum
	if len(prevHashBytes) != len(prevHash) {
		return nil, wire.ErrSyntax(wire.BadMessage)
	}
	copy(prevHash[:], prevHashBytes)

	inner, err := decodeInner(fields[4], r)
	if err != nil {
		return nil, err
	}
	return &SMPMessage{
		AgentMsgID:     id,
		AgentTimestamp: time.Unix(0, tsNano).UTC(),
		PrevMsgHash:    prevHash,
		Inner:          inner,
	}, nil
}

func decodeInner(kind string, r *bufio.Reader) (InnerMessage, error) {
	switch kind {
	case "HELLO":
		line, err := readLine(r)
		if err != nil {
			return nil, wire.ErrSyntax(wire.BadMessage)
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, wire.ErrSyntax(wire.BadMessage)
		}
		key, err := b64.DecodeURL(fields[0])
		if err != nil {
			return nil, wire.ErrSyntax(wire.BadEncoding)
		}
		mode, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, wire.ErrSyntax(wire.BadMessage)
		}
		return &Hello{VerifyKey: key, AckMode: AckMode(mode)}, nil
	case "REPLY":
		line, err := readLine(r)
		if err != nil {
			return nil, wire.ErrSyntax(wire.BadMessage)
		}
		qi, err := wire.ParseQueueInfo(line)
		if err != nil {
			return nil, err
		}
		return &Reply{QueueInfo: *qi}, nil
	case "A_MSG":
		line, err := readLine(r)
		if err != nil {
			return nil, wire.ErrSyntax(wire.BadMessage)
		}
		n, err := strconv.Atoi(line)
		if err != nil || n < 0 {
			return nil, wire.ErrSyntax(wire.BadMessage)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, wire.ErrSyntax(wire.BadMessage)
		}
		return &AMsg{Body: body}, nil
	default:
		return nil, wire.ErrSyntax(wire.BadMessage)
	}
}

// readLine reads one LF-terminated line, tolerating a missing trailing
// newline on the buffer's final line.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return line, nil
		}
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}
