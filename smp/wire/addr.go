package wire

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/simplexmq/simplexmq/core/b64"
	"github.com/simplexmq/simplexmq/core/crypto/box"
)

// ServerAddress identifies an SMP server, per spec.md §6:
// smp://<key_hash_base64url>@<host>[:<port>]. An empty KeyHash means the
// server is untrusted (test mode only).
type ServerAddress struct {
	KeyHash []byte
	Host    string
	Port    int
}

// String renders the full smp:// URI form, used in configuration and CLI
// output.
func (a ServerAddress) String() string {
	return fmt.Sprintf("smp://%s@%s", b64.EncodeURL(a.KeyHash), a.HostPort())
}

// HostPort renders the bare host[:port] dial target, with no key_hash,
// for use as a transport-level dial address.
func (a ServerAddress) HostPort() string {
	if a.Port != 0 {
		return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
	}
	return a.Host
}

// Compact renders the host[:port][#key_hash] form used embedded inside
// queue info strings (spec.md §4.2).
func (a ServerAddress) Compact() string {
	hostport := a.HostPort()
	if len(a.KeyHash) == 0 {
		return hostport
	}
	return hostport + "#" + b64.EncodeURL(a.KeyHash)
}

// UnmarshalText implements encoding.TextUnmarshaler so a ServerAddress
// can be decoded directly out of a TOML/JSON string field — e.g.
// agent/config.Agent's KnownServers list — without a separate
// string-then-parse pass at every call site.
func (a *ServerAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseServerAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseServerAddress parses either the smp:// URI form or the compact
// host[:port][#key_hash] form.
func ParseServerAddress(s string) (ServerAddress, error) {
	if strings.HasPrefix(s, "smp://") {
		return parseServerURI(s)
	}
	return parseServerCompact(s)
}

func parseServerURI(s string) (ServerAddress, error) {
	rest := strings.TrimPrefix(s, "smp://")
	at := strings.Index(rest, "@")
	if at < 0 {
		return ServerAddress{}, ErrSyntax(BadServer)
	}
	keyHashStr, hostport := rest[:at], rest[at+1:]
	var keyHash []byte
	if keyHashStr != "" {
		var err error
		keyHash, err = b64.DecodeURL(keyHashStr)
		if err != nil {
			return ServerAddress{}, ErrSyntax(BadServer)
		}
	}
	host, port, err := splitHostPort(hostport)
	if err != nil {
		return ServerAddress{}, err
	}
	return ServerAddress{KeyHash: keyHash, Host: host, Port: port}, nil
}

func parseServerCompact(s string) (ServerAddress, error) {
	hostport := s
	var keyHash []byte
	if hash := strings.Index(s, "#"); hash >= 0 {
		hostport = s[:hash]
		var err error
		keyHash, err = b64.DecodeURL(s[hash+1:])
		if err != nil {
			return ServerAddress{}, ErrSyntax(BadServer)
		}
	}
	host, port, err := splitHostPort(hostport)
	if err != nil {
		return ServerAddress{}, err
	}
	return ServerAddress{KeyHash: keyHash, Host: host, Port: port}, nil
}

func splitHostPort(hostport string) (string, int, error) {
	if !strings.Contains(hostport, ":") {
		if hostport == "" {
			return "", 0, ErrSyntax(BadServer)
		}
		return hostport, 0, nil
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, ErrSyntax(BadServer)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, ErrSyntax(BadServer)
	}
	return host, port, nil
}

// QueueInfo is an invitation: the credentials a joining party needs to
// reach the inviter's recv queue as a sender (spec.md §3/§6).
type QueueInfo struct {
	Server         ServerAddress
	SenderID       []byte
	EncryptionKey  *box.PublicKey
}

// String serializes the invitation as smp::<server>::<sender_id>::<key>.
func (q QueueInfo) String() string {
	return fmt.Sprintf("smp::%s::%s::%s",
		q.Server.Compact(),
		b64.EncodeURL(q.SenderID),
		b64.EncodeURL(q.EncryptionKey.Bytes()))
}

// ParseQueueInfo parses the smp::<server>::<sender_id>::<key> invitation
// grammar.
func ParseQueueInfo(s string) (*QueueInfo, error) {
	if !strings.HasPrefix(s, "smp::") {
		return nil, ErrSyntax(BadInvitation)
	}
	parts := strings.Split(strings.TrimPrefix(s, "smp::"), "::")
	if len(parts) != 3 {
		return nil, ErrSyntax(BadInvitation)
	}
	server, err := parseServerCompact(parts[0])
	if err != nil {
		return nil, ErrSyntax(BadInvitation)
	}
	senderID, err := b64.DecodeURL(parts[1])
	if err != nil {
		return nil, ErrSyntax(BadInvitation)
	}
	keyBytes, err := b64.DecodeURL(parts[2])
	if err != nil {
		return nil, ErrSyntax(BadInvitation)
	}
	key, err := box.PublicKeyFromBytes(keyBytes)
	if err != nil {
		return nil, ErrSyntax(BadInvitation)
	}
	return &QueueInfo{Server: server, SenderID: senderID, EncryptionKey: key}, nil
}
