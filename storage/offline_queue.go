// Copyright 2025 The go-acp Authors
// This file is part of the go-acp library.
//
// The go-acp library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-acp library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-acp library. If not, see <http://www.gnu.org/licenses/>.

package storage

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/acp-project/go-acp/errs"
)

// Queued message states.
const (
	QueueStatusPending   = "pending"
	QueueStatusDelivered = "delivered"
	QueueStatusFailed    = "failed"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS offline_messages (
	msg_id        TEXT NOT NULL,
	recipient_id  TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	envelope      BLOB NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	PRIMARY KEY (msg_id)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_offline_recipient ON offline_messages (recipient_id, status);
CREATE INDEX IF NOT EXISTS idx_offline_retry ON offline_messages (next_retry_at, status);
`

// QueuedMessage is one entry of the offline message queue.
type QueuedMessage struct {
	MsgID       string
	RecipientID string
	Status      string
	Envelope    []byte
	Attempts    int
	NextRetryAt time.Time
	CreatedAt   time.Time
}

// OfflineQueue stores wire envelopes for recipients that are currently
// unreachable. Delivery retries are scheduled through next_retry_at.
type OfflineQueue struct {
	db *sql.DB
}

// OpenOfflineQueue opens (and if needed initializes) the queue database.
func OpenOfflineQueue(path string) (*OfflineQueue, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errs.New(errs.PersistenceError, "cannot open offline queue: %v", err)
	}
	if _, err := db.Exec(queueSchema); err != nil {
		db.Close()
		return nil, errs.New(errs.PersistenceError, "cannot init offline queue schema: %v", err)
	}
	return &OfflineQueue{db: db}, nil
}

// Close releases the database handle.
func (q *OfflineQueue) Close() error {
	return q.db.Close()
}

// Enqueue inserts a pending envelope for later delivery.
func (q *OfflineQueue) Enqueue(msgID, recipientID string, envelope []byte, nextRetry time.Time) error {
	_, err := q.db.Exec(
		`INSERT OR IGNORE INTO offline_messages (msg_id, recipient_id, status, envelope, attempts, next_retry_at, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		msgID, recipientID, QueueStatusPending, envelope, nextRetry.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return errs.New(errs.PersistenceError, "enqueue failed: %v", err)
	}
	return nil
}

// Due returns up to limit pending messages whose retry time has passed.
func (q *OfflineQueue) Due(now time.Time, limit int) ([]*QueuedMessage, error) {
	rows, err := q.db.Query(
		`SELECT msg_id, recipient_id, status, envelope, attempts, next_retry_at, created_at
		 FROM offline_messages
		 WHERE status = ? AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC LIMIT ?`,
		QueueStatusPending, now.Unix(), limit,
	)
	if err != nil {
		return nil, errs.New(errs.PersistenceError, "queue scan failed: %v", err)
	}
	defer rows.Close()
	return scanQueued(rows)
}

// ForRecipient returns all pending messages queued for one recipient.
func (q *OfflineQueue) ForRecipient(recipientID string) ([]*QueuedMessage, error) {
	rows, err := q.db.Query(
		`SELECT msg_id, recipient_id, status, envelope, attempts, next_retry_at, created_at
		 FROM offline_messages
		 WHERE recipient_id = ? AND status = ?
		 ORDER BY created_at ASC`,
		recipientID, QueueStatusPending,
	)
	if err != nil {
		return nil, errs.New(errs.PersistenceError, "queue scan failed: %v", err)
	}
	defer rows.Close()
	return scanQueued(rows)
}

// MarkDelivered finalizes a message after successful delivery.
func (q *OfflineQueue) MarkDelivered(msgID string) error {
	_, err := q.db.Exec(`UPDATE offline_messages SET status = ? WHERE msg_id = ?`, QueueStatusDelivered, msgID)
	if err != nil {
		return errs.New(errs.PersistenceError, "queue update failed: %v", err)
	}
	return nil
}

// Reschedule bumps the attempt counter and moves the retry time forward. When
// maxAttempts is exceeded the message is marked failed instead.
func (q *OfflineQueue) Reschedule(msgID string, nextRetry time.Time, maxAttempts int) error {
	res, err := q.db.Exec(
		`UPDATE offline_messages SET attempts = attempts + 1, next_retry_at = ?
		 WHERE msg_id = ? AND status = ? AND attempts + 1 < ?`,
		nextRetry.Unix(), msgID, QueueStatusPending, maxAttempts,
	)
	if err != nil {
		return errs.New(errs.PersistenceError, "queue update failed: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = q.db.Exec(
			`UPDATE offline_messages SET status = ? WHERE msg_id = ? AND status = ?`,
			QueueStatusFailed, msgID, QueueStatusPending,
		)
		if err != nil {
			return errs.New(errs.PersistenceError, "queue update failed: %v", err)
		}
	}
	return nil
}

// PendingCount returns the number of undelivered messages.
func (q *OfflineQueue) PendingCount() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM offline_messages WHERE status = ?`, QueueStatusPending).Scan(&n)
	if err != nil {
		return 0, errs.New(errs.PersistenceError, "queue count failed: %v", err)
	}
	return n, nil
}

func scanQueued(rows *sql.Rows) ([]*QueuedMessage, error) {
	var out []*QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		var retryAt, createdAt int64
		if err := rows.Scan(&m.MsgID, &m.RecipientID, &m.Status, &m.Envelope, &m.Attempts, &retryAt, &createdAt); err != nil {
			return nil, errs.New(errs.PersistenceError, "queue scan failed: %v", err)
		}
		m.NextRetryAt = time.Unix(retryAt, 0)
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &m)
	}
	return out, rows.Err()
}
