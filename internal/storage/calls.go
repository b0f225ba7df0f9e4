package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/signaling"
)

// ErrRecordNotFound is returned when ending a call that was never begun.
var ErrRecordNotFound = errors.New("storage: call record not found")

// CallRecord is one row of the call history.
type CallRecord struct {
	CallID          string     `json:"call_id"`
	CallerID        string     `json:"caller_id"`
	CalleeID        string     `json:"callee_id"`
	CallType        string     `json:"call_type"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds uint32     `json:"duration_seconds"`
}

// BeginCall inserts the record for a call entering Connecting. A second
// insert for the same call is ignored.
func (d *DB) BeginCall(ctx context.Context, r call.Record) error {
	if r.CallID == "" {
		return errors.New("storage: call id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO call_records (call_id, caller_id, callee_id, call_type, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO NOTHING`,
		r.CallID, r.CallerID, r.CalleeID, string(r.CallType), r.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		log.Debugf("STORAGE: call %s already recorded", r.CallID)
	}
	return nil
}

// EndCall stamps the end time and connected duration.
func (d *DB) EndCall(ctx context.Context, callID string, endedAt time.Time, durationSeconds uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `
		UPDATE call_records SET ended_at = ?, duration_seconds = ?
		WHERE call_id = ?`,
		endedAt.UnixMilli(), durationSeconds, callID,
	)
	if err != nil {
		return fmt.Errorf("update call record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, callID)
	}
	return nil
}

// GetCall returns one record, or false if unknown.
func (d *DB) GetCall(ctx context.Context, callID string) (CallRecord, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRowContext(ctx, `
		SELECT call_id, caller_id, callee_id, call_type, started_at, ended_at, duration_seconds
		FROM call_records WHERE call_id = ?`, callID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, false, nil
	}
	if err != nil {
		return CallRecord{}, false, err
	}
	return r, true, nil
}

// RecentCalls returns up to limit records, newest first.
func (d *DB) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT call_id, caller_id, callee_id, call_type, started_at, ended_at, duration_seconds
		FROM call_records ORDER BY started_at DESC, call_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (CallRecord, error) {
	var (
		r        CallRecord
		started  int64
		ended    sql.NullInt64
		duration int64
	)
	if err := s.Scan(&r.CallID, &r.CallerID, &r.CalleeID, &r.CallType, &started, &ended, &duration); err != nil {
		return CallRecord{}, err
	}
	r.StartedAt = time.UnixMilli(started).UTC()
	if ended.Valid {
		t := time.UnixMilli(ended.Int64).UTC()
		r.EndedAt = &t
	}
	r.DurationSeconds = uint32(duration)
	return r, nil
}

// IsVideo reports whether the record is a video call.
func (r CallRecord) IsVideo() bool {
	return r.CallType == string(signaling.CallTypeVideo)
}
