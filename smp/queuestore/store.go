// Package queuestore implements the SMP server's queue store (spec.md
// §4.4): the durable record of each queue's identifiers and keys, and
// the bounded in-memory message buffer each queue carries. The durable
// half follows the teacher's sqldb package
// in spirit — SQL-backed state behind a narrow interface — adapted
// from pgx to modernc.org/sqlite the way the rest of the pack favors
// an embedded, dependency-free database file.
package queuestore

import (
	"container/list"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Status is a queue's lifecycle state, per spec.md §3.
type Status int

const (
	New      Status = iota // recipient created it, no sender key yet
	Secured                // KEY has been set; sender may SEND
	Active                 // at least one message has been sent or received
	Disabled               // OFF has been issued; SEND is rejected
)

func (s Status) String() string {
	switch s {
	case New:
		return "new"
	case Secured:
		return "secured"
	case Active:
		return "active"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// DefaultQuota is the per-queue message buffer bound (spec.md §3's
// MSG_QUEUE_QUOTA), beyond which SEND is rejected with QUOTA.
const DefaultQuota = 128

var (
	// ErrNotFound is returned when a queue id has no matching record.
	ErrNotFound = errors.New("queuestore: queue not found")
	// ErrQuotaExceeded is returned by Enqueue when the buffer is full.
	ErrQuotaExceeded = errors.New("queuestore: quota exceeded")
	// ErrEmpty is returned by Peek/Ack when the buffer has no messages.
	ErrEmpty = errors.New("queuestore: buffer empty")
)

// Queue is a durable queue record.
type Queue struct {
	RecipientID        []byte
	SenderID            []byte
	RecipientVerifyKey  []byte // SPKI-encoded public key
	SenderVerifyKey     []byte // nil until secured
	NotifierID          []byte // nil unless notifications were requested
	Status              Status
	CreatedAt           time.Time
}

// Message is one buffered, opaque message body awaiting delivery.
type Message struct {
	ID              uint64
	BrokerTimestamp time.Time
	Body            []byte
}

// Store is the queue store: durable queue records in SQLite plus a
// bounded in-memory message buffer per queue. The buffer is
// deliberately not persisted — spec.md §9 treats undelivered messages
// as best-effort, lost on server restart, the same tradeoff the
// teacher's in-memory queue_mem.go makes for its scheduler queue.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	buffers map[string]*buffer // keyed by string(RecipientID)
	nextID  uint64
	quota   int
}

type buffer struct {
	msgs *list.List // of *Message
}

// Open opens (creating if needed) the SQLite-backed queue store at
// path and applies its schema migrations.
func Open(path string, quota int) (*Store, error) {
	if quota <= 0 {
		quota = DefaultQuota
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queuestore: open: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("queuestore: configure: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, buffers: make(map[string]*buffer), quota: quota}
	return s, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queues (
			recipient_id         BLOB PRIMARY KEY,
			sender_id            BLOB NOT NULL UNIQUE,
			recipient_verify_key BLOB NOT NULL,
			sender_verify_key    BLOB,
			notifier_id          BLOB,
			status               INTEGER NOT NULL,
			created_at           DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_queues_sender_id ON queues(sender_id);
	`)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Create inserts a new queue in status New.
func (s *Store) Create(recipientID, senderID, recipientVerifyKey []byte) (*Queue, error) {
	q := &Queue{
		RecipientID:        recipientID,
		SenderID:           senderID,
		RecipientVerifyKey: recipientVerifyKey,
		Status:             New,
		CreatedAt:          time.Now(),
	}
	_, err := s.db.Exec(
		`INSERT INTO queues (recipient_id, sender_id, recipient_verify_key, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		q.RecipientID, q.SenderID, q.RecipientVerifyKey, int(q.Status), q.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("queuestore: create: %w", err)
	}
	s.mu.Lock()
	s.buffers[string(recipientID)] = &buffer{msgs: list.New()}
	s.mu.Unlock()
	return q, nil
}

// Secure records the sender's verify key and advances the queue to
// Secured, per the KEY command (spec.md §4.2/§4.4).
func (s *Store) Secure(recipientID, senderVerifyKey []byte) error {
	res, err := s.db.Exec(
		`UPDATE queues SET sender_verify_key = ?, status = ? WHERE recipient_id = ? AND status = ?`,
		senderVerifyKey, int(Secured), recipientID, int(New),
	)
	if err != nil {
		return fmt.Errorf("queuestore: secure: %w", err)
	}
	return requireRowsAffected(res)
}

// MarkActive advances a Secured queue to Active on its first SEND.
func (s *Store) MarkActive(recipientID []byte) error {
	_, err := s.db.Exec(
		`UPDATE queues SET status = ? WHERE recipient_id = ? AND status IN (?, ?)`,
		int(Active), recipientID, int(Secured), int(Active),
	)
	return err
}

// Disable implements OFF: the queue stops accepting SEND but keeps its
// buffered messages available to SUB/ACK.
func (s *Store) Disable(recipientID []byte) error {
	res, err := s.db.Exec(`UPDATE queues SET status = ? WHERE recipient_id = ?`, int(Disabled), recipientID)
	if err != nil {
		return fmt.Errorf("queuestore: disable: %w", err)
	}
	return requireRowsAffected(res)
}

// Delete implements DEL: removes the queue record and drops its buffer.
func (s *Store) Delete(recipientID []byte) error {
	res, err := s.db.Exec(`DELETE FROM queues WHERE recipient_id = ?`, recipientID)
	if err != nil {
		return fmt.Errorf("queuestore: delete: %w", err)
	}
	if err := requireRowsAffected(res); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.buffers, string(recipientID))
	s.mu.Unlock()
	return nil
}

// Count reports how many queues currently exist, for enforcing
// max_active_queues (spec.md §6) before a NEW is allowed to add one more.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM queues`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queuestore: count: %w", err)
	}
	return n, nil
}

// GetByRecipient looks up a queue by its recipient_id.
func (s *Store) GetByRecipient(recipientID []byte) (*Queue, error) {
	return s.scanOne(`SELECT recipient_id, sender_id, recipient_verify_key, sender_verify_key, notifier_id, status, created_at FROM queues WHERE recipient_id = ?`, recipientID)
}

// GetBySender looks up a queue by its sender_id.
func (s *Store) GetBySender(senderID []byte) (*Queue, error) {
	return s.scanOne(`SELECT recipient_id, sender_id, recipient_verify_key, sender_verify_key, notifier_id, status, created_at FROM queues WHERE sender_id = ?`, senderID)
}

func (s *Store) scanOne(query string, arg []byte) (*Queue, error) {
	row := s.db.QueryRow(query, arg)
	q := &Queue{}
	var status int
	var senderKey, notifierID sql.NullString
	if err := row.Scan(&q.RecipientID, &q.SenderID, &q.RecipientVerifyKey, &senderKey, &notifierID, &status, &q.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queuestore: scan: %w", err)
	}
	if senderKey.Valid {
		q.SenderVerifyKey = []byte(senderKey.String)
	}
	if notifierID.Valid {
		q.NotifierID = []byte(notifierID.String)
	}
	q.Status = Status(status)
	return q, nil
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

// bufferFor returns recipientID's in-memory buffer, creating an empty
// one on first touch after process start if the queue still exists in
// the database — buffers themselves are not persisted (see Store's
// doc comment), so a restart finds every existing queue's buffer
// empty rather than missing.
func (s *Store) bufferFor(recipientID []byte) (*buffer, error) {
	key := string(recipientID)
	if buf, ok := s.buffers[key]; ok {
		return buf, nil
	}
	row := s.db.QueryRow(`SELECT 1 FROM queues WHERE recipient_id = ?`, recipientID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queuestore: lookup: %w", err)
	}
	buf := &buffer{msgs: list.New()}
	s.buffers[key] = buf
	return buf, nil
}

// Enqueue appends msg to recipientID's buffer, rejecting with
// ErrQuotaExceeded once the buffer holds quota messages (spec.md §3,
// §7: the server-side QUOTA error).
func (s *Store) Enqueue(recipientID, body []byte) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, err := s.bufferFor(recipientID)
	if err != nil {
		return nil, err
	}
	if buf.msgs.Len() >= s.quota {
		return nil, ErrQuotaExceeded
	}
	s.nextID++
	msg := &Message{ID: s.nextID, BrokerTimestamp: time.Now(), Body: body}
	buf.msgs.PushBack(msg)
	return msg, nil
}

// Peek returns the oldest undelivered message without removing it.
func (s *Store) Peek(recipientID []byte) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, err := s.bufferFor(recipientID)
	if err != nil {
		return nil, err
	}
	front := buf.msgs.Front()
	if front == nil {
		return nil, ErrEmpty
	}
	return front.Value.(*Message), nil
}

// Ack removes the oldest message from the buffer, per the ACK command.
func (s *Store) Ack(recipientID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, err := s.bufferFor(recipientID)
	if err != nil {
		return err
	}
	front := buf.msgs.Front()
	if front == nil {
		return ErrEmpty
	}
	buf.msgs.Remove(front)
	return nil
}

// Len reports how many messages are currently buffered for recipientID.
func (s *Store) Len(recipientID []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[string(recipientID)]
	if !ok {
		return 0
	}
	return buf.msgs.Len()
}
