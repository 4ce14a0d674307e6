// Package store implements the SMP agent's local persistence (spec.md
// §4.7): durable connection records, the SMP queues each connection
// owns, and the ordered message log exchanged over it. It follows the
// same modernc.org/sqlite idiom as smp/queuestore, generalized from
// one table to the agent's richer schema.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ConnStatus is a duplex connection's handshake state (spec.md §4.8).
type ConnStatus int

const (
	StatusNew ConnStatus = iota
	StatusJoined
	StatusConfirmed
	StatusActive
	StatusDisabled
)

func (s ConnStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusJoined:
		return "joined"
	case StatusConfirmed:
		return "confirmed"
	case StatusActive:
		return "active"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Role distinguishes the party that started the connection from the
// party that joined it, since the two run different handshake paths.
type Role int

const (
	RoleInitiator Role = iota
	RoleJoiner
)

var (
	ErrNotFound = errors.New("store: not found")
)

// Connection is a durable duplex-connection record: an alias the local
// user refers to it by, its handshake role and status, and the public
// verify keys and hash-chain tips recorded during the handshake.
type Connection struct {
	Alias        string
	Role         Role
	Status       ConnStatus
	AckMode      int    // agent/session.AckMode, this side's own inbound-ack policy
	RatchetKey   []byte // this side's own recv-queue verify key, derived from that queue's signing key
	PeerKey      []byte // peer's HELLO verify key, learned from its HELLO
	LastRecvHash []byte // hash chain tip for received messages
	LastSendHash []byte // hash chain tip for sent messages
	CreatedAt    time.Time
}

// QueueRole distinguishes a connection's two SMP queues.
type QueueRole int

const (
	QueueRecv QueueRole = iota
	QueueSend
)

// Queue is one of the two SMP queues backing a duplex connection.
type Queue struct {
	Alias         string
	Role          QueueRole
	Server        string // ServerAddress.String()
	RecipientID   []byte // set for QueueRecv
	SenderID      []byte // set for QueueSend
	VerifyKey     []byte // this side's sign.PrivateKey bytes for the queue
	EncryptionKey []byte // box key bytes used to open/seal message bodies
}

// Direction distinguishes a logged message's origin.
type Direction int

const (
	DirOutgoing Direction = iota
	DirIncoming
)

// Message is one entry in a connection's ordered message log.
type Message struct {
	ID        int64
	Alias     string
	Direction Direction
	AgentMsgID uint64 // monotonic per-direction id, spec.md §4.8
	Body      []byte
	Delivered bool
	CreatedAt time.Time
}

// Store is the agent's local database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite-backed agent store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: configure: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS connections (
			alias          TEXT PRIMARY KEY,
			role           INTEGER NOT NULL,
			status         INTEGER NOT NULL,
			ack_mode       INTEGER NOT NULL DEFAULT 0,
			ratchet_key    BLOB,
			peer_key       BLOB,
			last_recv_hash BLOB,
			last_send_hash BLOB,
			created_at     DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS queues (
			alias          TEXT NOT NULL REFERENCES connections(alias) ON DELETE CASCADE,
			role           INTEGER NOT NULL,
			server         TEXT NOT NULL,
			recipient_id   BLOB,
			sender_id      BLOB,
			verify_key     BLOB NOT NULL,
			encryption_key BLOB NOT NULL,
			PRIMARY KEY (alias, role)
		);
		CREATE TABLE IF NOT EXISTS messages (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			alias        TEXT NOT NULL REFERENCES connections(alias) ON DELETE CASCADE,
			direction    INTEGER NOT NULL,
			agent_msg_id INTEGER NOT NULL,
			body         BLOB NOT NULL,
			delivered    INTEGER NOT NULL DEFAULT 0,
			created_at   DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_alias ON messages(alias, direction, agent_msg_id);
	`)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateConnection inserts a new connection record in status New, with
// ackMode fixing this side's own inbound-ack policy for the
// connection's whole lifetime.
func (s *Store) CreateConnection(alias string, role Role, ackMode int) (*Connection, error) {
	c := &Connection{Alias: alias, Role: role, Status: StatusNew, AckMode: ackMode, CreatedAt: time.Now()}
	_, err := s.db.Exec(
		`INSERT INTO connections (alias, role, status, ack_mode, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.Alias, int(c.Role), int(c.Status), c.AckMode, c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: create connection: %w", err)
	}
	return c, nil
}

// GetConnection loads a connection record by alias.
func (s *Store) GetConnection(alias string) (*Connection, error) {
	row := s.db.QueryRow(
		`SELECT alias, role, status, ack_mode, ratchet_key, peer_key, last_recv_hash, last_send_hash, created_at FROM connections WHERE alias = ?`,
		alias,
	)
	c := &Connection{}
	var role, status, ackMode int
	var ratchetKey, peerKey, lastRecvHash, lastSendHash sql.NullString
	if err := row.Scan(&c.Alias, &role, &status, &ackMode, &ratchetKey, &peerKey, &lastRecvHash, &lastSendHash, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get connection: %w", err)
	}
	c.Role, c.Status, c.AckMode = Role(role), ConnStatus(status), ackMode
	c.RatchetKey = nullBytes(ratchetKey)
	c.PeerKey = nullBytes(peerKey)
	c.LastRecvHash = nullBytes(lastRecvHash)
	c.LastSendHash = nullBytes(lastSendHash)
	return c, nil
}

func nullBytes(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}

// UpdateStatus advances a connection's handshake state.
func (s *Store) UpdateStatus(alias string, status ConnStatus) error {
	res, err := s.db.Exec(`UPDATE connections SET status = ? WHERE alias = ?`, int(status), alias)
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	return requireRowsAffected(res)
}

// UpdateKeys records the handshake's negotiated key material.
func (s *Store) UpdateKeys(alias string, ratchetKey, peerKey []byte) error {
	res, err := s.db.Exec(`UPDATE connections SET ratchet_key = ?, peer_key = ? WHERE alias = ?`, ratchetKey, peerKey, alias)
	if err != nil {
		return fmt.Errorf("store: update keys: %w", err)
	}
	return requireRowsAffected(res)
}

// UpdateHashChain records the tip of the send or receive hash chain.
func (s *Store) UpdateHashChain(alias string, dir Direction, hash []byte) error {
	col := "last_send_hash"
	if dir == DirIncoming {
		col = "last_recv_hash"
	}
	res, err := s.db.Exec(fmt.Sprintf(`UPDATE connections SET %s = ? WHERE alias = ?`, col), hash, alias)
	if err != nil {
		return fmt.Errorf("store: update hash chain: %w", err)
	}
	return requireRowsAffected(res)
}

// DeleteConnection removes a connection and its queues/messages.
func (s *Store) DeleteConnection(alias string) error {
	res, err := s.db.Exec(`DELETE FROM connections WHERE alias = ?`, alias)
	if err != nil {
		return fmt.Errorf("store: delete connection: %w", err)
	}
	return requireRowsAffected(res)
}

// ListConnections returns every known connection alias and status, for
// the CLI's `list` view and the session manager's Resume.
func (s *Store) ListConnections() ([]*Connection, error) {
	rows, err := s.db.Query(`SELECT alias, role, status, ack_mode, created_at FROM connections ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list connections: %w", err)
	}
	defer rows.Close()
	var out []*Connection
	for rows.Next() {
		c := &Connection{}
		var role, status, ackMode int
		if err := rows.Scan(&c.Alias, &role, &status, &ackMode, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Role, c.Status, c.AckMode = Role(role), ConnStatus(status), ackMode
		out = append(out, c)
	}
	return out, rows.Err()
}

// PutQueue upserts one of a connection's two SMP queue records.
func (s *Store) PutQueue(q *Queue) error {
	_, err := s.db.Exec(
		`INSERT INTO queues (alias, role, server, recipient_id, sender_id, verify_key, encryption_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(alias, role) DO UPDATE SET
		   server = excluded.server, recipient_id = excluded.recipient_id,
		   sender_id = excluded.sender_id, verify_key = excluded.verify_key,
		   encryption_key = excluded.encryption_key`,
		q.Alias, int(q.Role), q.Server, q.RecipientID, q.SenderID, q.VerifyKey, q.EncryptionKey,
	)
	if err != nil {
		return fmt.Errorf("store: put queue: %w", err)
	}
	return nil
}

// GetQueue loads one of a connection's queue records.
func (s *Store) GetQueue(alias string, role QueueRole) (*Queue, error) {
	row := s.db.QueryRow(
		`SELECT alias, role, server, recipient_id, sender_id, verify_key, encryption_key FROM queues WHERE alias = ? AND role = ?`,
		alias, int(role),
	)
	q := &Queue{}
	var r int
	if err := row.Scan(&q.Alias, &r, &q.Server, &q.RecipientID, &q.SenderID, &q.VerifyKey, &q.EncryptionKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get queue: %w", err)
	}
	q.Role = QueueRole(r)
	return q, nil
}

// AppendMessage records a message in the ordered log, atomically with
// the caller's monotonic id assignment (the caller holds the
// per-connection lock that makes AgentMsgID assignment monotonic; see
// agent/session).
func (s *Store) AppendMessage(m *Message) error {
	m.CreatedAt = time.Now()
	body := m.Body
	if body == nil {
		body = []byte{} // HELLO/REPLY carry no body; the column is NOT NULL
	}
	res, err := s.db.Exec(
		`INSERT INTO messages (alias, direction, agent_msg_id, body, delivered, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.Alias, int(m.Direction), m.AgentMsgID, body, m.Delivered, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

// MaxAgentMsgID returns the highest agent_msg_id logged so far in dir
// for alias, or 0 if none, so a resumed session can continue the
// monotonic sequence rather than restart it at 1.
func (s *Store) MaxAgentMsgID(alias string, dir Direction) (uint64, error) {
	row := s.db.QueryRow(`SELECT COALESCE(MAX(agent_msg_id), 0) FROM messages WHERE alias = ? AND direction = ?`, alias, int(dir))
	var max uint64
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("store: max agent msg id: %w", err)
	}
	return max, nil
}

// MarkDelivered flags an incoming message as delivered to the local
// user (surfaced by the CLI's `inbox` command).
func (s *Store) MarkDelivered(id int64) error {
	res, err := s.db.Exec(`UPDATE messages SET delivered = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: mark delivered: %w", err)
	}
	return requireRowsAffected(res)
}

// UndeliveredMessages returns alias's incoming messages not yet marked
// delivered, oldest first.
func (s *Store) UndeliveredMessages(alias string) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT id, alias, direction, agent_msg_id, body, delivered, created_at FROM messages
		 WHERE alias = ? AND direction = ? AND delivered = 0 ORDER BY agent_msg_id`,
		alias, int(DirIncoming),
	)
	if err != nil {
		return nil, fmt.Errorf("store: undelivered: %w", err)
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m := &Message{}
		var dir int
		if err := rows.Scan(&m.ID, &m.Alias, &dir, &m.AgentMsgID, &m.Body, &m.Delivered, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Direction = Direction(dir)
		out = append(out, m)
	}
	return out, rows.Err()
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
