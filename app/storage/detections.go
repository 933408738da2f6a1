// Package storage keeps a log of classification decisions in sqlite.
package storage

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver loaded here

	"github.com/akudrin/mailsieve/lib/classifier"
)

// Detections is a storage for classification results. Sqlite needs locking,
// the mutex guards all writes.
type Detections struct {
	db   *sqlx.DB
	lock sync.RWMutex
}

// Detection is a single recorded classification.
type Detection struct {
	ID        int64     `db:"id" json:"id"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	Text      string    `db:"text" json:"text"`
	Verdict   string    `db:"verdict" json:"verdict"`
}

const detectionsSchema = `
CREATE TABLE IF NOT EXISTS detections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
	text TEXT NOT NULL,
	verdict TEXT CHECK (verdict IN ('ham', 'spam'))
);
CREATE INDEX IF NOT EXISTS idx_detections_verdict ON detections(verdict);
CREATE INDEX IF NOT EXISTS idx_detections_timestamp ON detections(timestamp);
`

// NewDetections creates detections storage in the given sqlite file,
// creating the table and indexes if needed.
func NewDetections(ctx context.Context, file string) (*Detections, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", file)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", file, err)
	}
	if _, err := db.ExecContext(ctx, detectionsSchema); err != nil {
		return nil, fmt.Errorf("failed to init detections storage: %w", err)
	}
	return &Detections{db: db}, nil
}

// Add records a classification decision.
func (d *Detections) Add(ctx context.Context, text string, verdict classifier.Label) error {
	dbgMsg := text
	if len(dbgMsg) > 1024 {
		dbgMsg = dbgMsg[:1024] + "..."
	}
	log.Printf("[DEBUG] adding detection: %s, %q", verdict, dbgMsg)

	if verdict != classifier.Spam && verdict != classifier.Ham {
		return fmt.Errorf("invalid verdict %q", verdict)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	if _, err := d.db.ExecContext(ctx, "INSERT INTO detections (timestamp, text, verdict) VALUES (?, ?, ?)",
		time.Now(), text, string(verdict)); err != nil {
		return fmt.Errorf("failed to add detection: %w", err)
	}
	return nil
}

// Counts returns the number of recorded spam and ham decisions.
func (d *Detections) Counts(ctx context.Context) (spam, ham int, err error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	if err = d.db.GetContext(ctx, &spam,
		"SELECT COUNT(*) FROM detections WHERE verdict = ?", string(classifier.Spam)); err != nil {
		return 0, 0, fmt.Errorf("failed to count spam detections: %w", err)
	}
	if err = d.db.GetContext(ctx, &ham,
		"SELECT COUNT(*) FROM detections WHERE verdict = ?", string(classifier.Ham)); err != nil {
		return 0, 0, fmt.Errorf("failed to count ham detections: %w", err)
	}
	return spam, ham, nil
}

// Last returns up to limit most recent detections, newest first.
func (d *Detections) Last(ctx context.Context, limit int) ([]Detection, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	res := []Detection{}
	err := d.db.SelectContext(ctx, &res,
		"SELECT id, timestamp, text, verdict FROM detections ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get detections: %w", err)
	}
	for i, detection := range res {
		res[i].Timestamp = detection.Timestamp.Local()
	}
	return res, nil
}

// Close closes the underlying database.
func (d *Detections) Close() error {
	return d.db.Close()
}
