package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/queue"
)

// Schema creates the delivery queue table. It is applied on every open.
const Schema = `
CREATE TABLE IF NOT EXISTS deliveries (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	recipient_id TEXT    NOT NULL,
	message_id   TEXT    NOT NULL,
	room_id      TEXT    NOT NULL,
	sender_id    TEXT    NOT NULL,
	payload      BLOB,
	sent_at      INTEGER NOT NULL,
	enqueued_at  INTEGER NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	UNIQUE (recipient_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_deliveries_recipient ON deliveries (recipient_id, seq);
CREATE TABLE IF NOT EXISTS dead_deliveries (
	seq          INTEGER PRIMARY KEY,
	recipient_id TEXT    NOT NULL,
	message_id   TEXT    NOT NULL,
	payload      BLOB,
	error        TEXT    NOT NULL,
	dead_at      INTEGER NOT NULL
);
`

const defaultPageSize = 64

// SQLiteStore is a delivery queue for single-node deployments.
type SQLiteStore struct {
	db       *sql.DB
	pageSize int
	now      func() time.Time
}

// New opens the database at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, nil)
}

// NewWithSetup opens the database, applies the schema and then runs setup.
// Tests use it with ":memory:" to seed rows.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; ":memory:" requires it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db, pageSize: defaultPageSize, now: time.Now}, nil
}

// SetPageSize changes how many rows a drain reads per query.
func (s *SQLiteStore) SetPageSize(n int) {
	if n > 0 {
		s.pageSize = n
	}
}

// SetClock replaces the time source used for enqueued_at.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func queueErr(op string, err error) error {
	return fmt.Errorf("sqlite %s: %w: %w", op, core.ErrQueueUnavailable, err)
}

// Enqueue inserts the delivery; a duplicate (recipient, message) pair is ignored.
func (s *SQLiteStore) Enqueue(ctx context.Context, recipientID string, msg core.Message) error {
	query := `
		INSERT OR IGNORE INTO deliveries
			(recipient_id, message_id, room_id, sender_id, payload, sent_at, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		recipientID,
		msg.ID,
		msg.RoomID,
		msg.SenderID,
		[]byte(msg.Payload),
		msg.SentAt.UnixNano(),
		s.now().UnixNano(),
	)
	if err != nil {
		return queueErr("enqueue", err)
	}
	return nil
}

type row struct {
	seq     int64
	d       core.QueuedDelivery
	corrupt error
}

// Drain reads whole pages before yielding so that the single connection is
// free for Acknowledge calls made by the consumer.
func (s *SQLiteStore) Drain(ctx context.Context, recipientID string) iter.Seq2[core.QueuedDelivery, error] {
	return func(yield func(core.QueuedDelivery, error) bool) {
		var after int64
		for {
			page, err := s.page(ctx, recipientID, after)
			if err != nil {
				yield(core.QueuedDelivery{}, err)
				return
			}
			for _, r := range page {
				if r.corrupt != nil {
					if err := s.park(ctx, r); err != nil {
						yield(core.QueuedDelivery{}, err)
						return
					}
					if !yield(core.QueuedDelivery{}, r.corrupt) {
						return
					}
					continue
				}
				if _, err := s.db.ExecContext(ctx,
					`UPDATE deliveries SET attempts = attempts + 1 WHERE seq = ?`, r.seq); err != nil {
					yield(core.QueuedDelivery{}, queueErr("drain", err))
					return
				}
				r.d.Attempts++
				if !yield(r.d, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			after = page[len(page)-1].seq
		}
	}
}

func (s *SQLiteStore) page(ctx context.Context, recipientID string, after int64) ([]row, error) {
	query := `
		SELECT seq, message_id, room_id, sender_id, payload, sent_at, enqueued_at, attempts
		FROM deliveries
		WHERE recipient_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, recipientID, after, s.pageSize)
	if err != nil {
		return nil, queueErr("drain", err)
	}
	defer rows.Close()

	var page []row
	for rows.Next() {
		var (
			r                  row
			payload            []byte
			sentAt, enqueuedAt int64
		)
		r.d.RecipientID = recipientID
		if err := rows.Scan(&r.seq, &r.d.Message.ID, &r.d.Message.RoomID, &r.d.Message.SenderID,
			&payload, &sentAt, &enqueuedAt, &r.d.Attempts); err != nil {
			return nil, queueErr("drain", err)
		}
		if len(payload) > 0 && !json.Valid(payload) {
			r.corrupt = fmt.Errorf("queue drain: row %d: %w: payload is not valid JSON", r.seq, queue.ErrCorruptEntry)
		}
		r.d.Message.Payload = payload
		r.d.Message.SentAt = time.Unix(0, sentAt).UTC()
		r.d.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
		page = append(page, r)
	}
	if err := rows.Err(); err != nil {
		return nil, queueErr("drain", err)
	}
	return page, nil
}

// park moves an undecodable row into dead_deliveries.
func (s *SQLiteStore) park(ctx context.Context, r row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return queueErr("dead-letter", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO dead_deliveries (seq, recipient_id, message_id, payload, error, dead_at)
		SELECT seq, recipient_id, message_id, payload, ?, ? FROM deliveries WHERE seq = ?
	`, r.corrupt.Error(), s.now().UnixNano(), r.seq); err != nil {
		return queueErr("dead-letter", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deliveries WHERE seq = ?`, r.seq); err != nil {
		return queueErr("dead-letter", err)
	}
	if err := tx.Commit(); err != nil {
		return queueErr("dead-letter", err)
	}
	return nil
}

// Acknowledge deletes the delivery if it exists.
func (s *SQLiteStore) Acknowledge(ctx context.Context, recipientID, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE recipient_id = ? AND message_id = ?`, recipientID, messageID)
	if err != nil {
		return queueErr("acknowledge", err)
	}
	return nil
}

// Pending counts the recipient's deliveries.
func (s *SQLiteStore) Pending(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE recipient_id = ?`, recipientID).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, queueErr("pending", err)
	}
	return n, nil
}
