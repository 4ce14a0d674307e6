package wire

import (
	"github.com/simplexmq/simplexmq/core/b64"
)

// Transmission is a client-to-server transmission: a signature, a
// correlation id, a queue (or alias) id, and a command — the grammar of
// spec.md §6.
type Transmission struct {
	Sig           []byte // raw signature bytes, nil/empty when absent
	CorrelationID []byte
	QueueID       []byte
	Command       ServerCommand
}

// SignedPayload returns the canonical bytes a client signs to
// authenticate a transmission: correlation id, queue id, and the
// command line, joined by spaces, plus the command body if any. The
// server recomputes and verifies the same bytes against the queue's
// recorded verify key (spec.md §4.3).
func SignedPayload(t *Transmission) []byte {
	line := b64.EncodeURL(t.CorrelationID) + " " + b64.EncodeURL(t.QueueID) + " " + t.Command.commandLine()
	payload := []byte(line)
	if b := t.Command.body(); b != nil {
		payload = append(payload, '\n')
		payload = append(payload, b...)
	}
	return payload
}

// WriteTransmission serializes and writes t to w.
func WriteTransmission(w LineWriter, t *Transmission) error {
	if err := w.PutLine([]byte(b64.EncodeURL(t.Sig))); err != nil {
		return err
	}
	if err := w.PutLine([]byte(b64.EncodeURL(t.CorrelationID))); err != nil {
		return err
	}
	if err := w.PutLine([]byte(b64.EncodeURL(t.QueueID))); err != nil {
		return err
	}
	if err := w.PutLine([]byte(t.Command.commandLine())); err != nil {
		return err
	}
	if b := t.Command.body(); b != nil {
		if err := w.PutBytes(b); err != nil {
			return err
		}
	}
	return nil
}

// ReadTransmission reads and parses one transmission from r.
func ReadTransmission(r LineReader) (*Transmission, error) {
	sigLine, err := r.GetLine()
	if err != nil {
		return nil, err
	}
	sig, err := decodeMaybeEmpty(sigLine)
	if err != nil {
		return nil, ErrSyntax(BadEncoding)
	}

	corrLine, err := r.GetLine()
	if err != nil {
		return nil, err
	}
	corr, err := decodeMaybeEmpty(corrLine)
	if err != nil {
		return nil, ErrSyntax(BadEncoding)
	}

	queueLine, err := r.GetLine()
	if err != nil {
		return nil, err
	}
	queue, err := decodeMaybeEmpty(queueLine)
	if err != nil {
		return nil, ErrSyntax(BadEncoding)
	}

	cmdLine, err := r.GetLine()
	if err != nil {
		return nil, err
	}
	cmd, bodyLen, err := ParseServerCommand(string(cmdLine))
	if err != nil {
		return nil, err
	}
	if bodyLen > 0 {
		body, err := r.GetBytes(bodyLen)
		if err != nil {
			return nil, err
		}
		if send, ok := cmd.(*Send); ok {
			send.Body = body
		}
	}

	return &Transmission{Sig: sig, CorrelationID: corr, QueueID: queue, Command: cmd}, nil
}

// ResponseTransmission is a server-to-client transmission: a correlated
// response (IDS/OK/ERR/PONG, matched to the triggering command by
// CorrelationID) or an unsolicited push (MSG/END, identified by QueueID,
// the recipient_id the message belongs to).
type ResponseTransmission struct {
	CorrelationID []byte // empty for unsolicited pushes
	QueueID       []byte // recipient_id; empty when not a push
	Response      ServerResponse
}

// WriteResponse serializes and writes r to w.
func WriteResponse(w LineWriter, rt *ResponseTransmission) error {
	if err := w.PutLine([]byte(b64.EncodeURL(rt.CorrelationID))); err != nil {
		return err
	}
	if err := w.PutLine([]byte(b64.EncodeURL(rt.QueueID))); err != nil {
		return err
	}
	if err := w.PutLine([]byte(rt.Response.responseLine())); err != nil {
		return err
	}
	if b := rt.Response.responseBody(); b != nil {
		if err := w.PutBytes(b); err != nil {
			return err
		}
	}
	return nil
}

// ReadResponse reads and parses one response transmission from r.
func ReadResponse(r LineReader) (*ResponseTransmission, error) {
	corrLine, err := r.GetLine()
	if err != nil {
		return nil, err
	}
	corr, err := decodeMaybeEmpty(corrLine)
	if err != nil {
		return nil, ErrSyntax(BadEncoding)
	}

	queueLine, err := r.GetLine()
	if err != nil {
		return nil, err
	}
	queue, err := decodeMaybeEmpty(queueLine)
	if err != nil {
		return nil, ErrSyntax(BadEncoding)
	}

	respLine, err := r.GetLine()
	if err != nil {
		return nil, err
	}
	resp, bodyLen, err := ParseServerResponse(string(respLine))
	if err != nil {
		return nil, err
	}
	if bodyLen > 0 {
		body, err := r.GetBytes(bodyLen)
		if err != nil {
			return nil, err
		}
		if msg, ok := resp.(*Msg); ok {
			msg.Body = body
		}
	}

	return &ResponseTransmission{CorrelationID: corr, QueueID: queue, Response: resp}, nil
}

func decodeMaybeEmpty(line []byte) ([]byte, error) {
	if len(line) == 0 {
		return nil, nil
	}
	return b64.DecodeURL(string(line))
}
