package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func pipeConns() (*tcpConn, *tcpConn) {
	a, b := net.Pipe()
	return newTCPConn(a), newTCPConn(b)
}

func TestTCPConnLineRoundTrip(t *testing.T) {
	a, b := pipeConns()
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() { done <- a.PutLine([]byte("SUB")) }()

	line, err := b.GetLine()
	require.NoError(t, err)
	require.Equal(t, "SUB", string(line))
	require.NoError(t, <-done)
}

func TestTCPConnBodyRoundTrip(t *testing.T) {
	a, b := pipeConns()
	defer a.Close()
	defer b.Close()

	body := []byte("hello world")
	done := make(chan error, 1)
	go func() { done <- a.PutBytes(body) }()

	got, err := b.GetBytes(len(body))
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.NoError(t, <-done)
}

func TestTCPConnLineTooLong(t *testing.T) {
	a, b := pipeConns()
	defer a.Close()
	defer b.Close()

	huge := make([]byte, MaxLine+1)
	for i := range huge {
		huge[i] = 'x'
	}
	// PutLine refuses an over-long line, so write it raw to exercise
	// the reading side's limit.
	go func() { _, _ = a.conn.Write(append(huge, '\n')) }()

	_, err := b.GetLine()
	require.Error(t, err)
}

func TestTCPConnBadBlockSize(t *testing.T) {
	a, b := pipeConns()
	defer a.Close()
	defer b.Close()

	_, err := b.GetBytes(MaxBody + 1)
	require.ErrorIs(t, err, ErrBadBlockSize)
}
