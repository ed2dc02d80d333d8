package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/stepmachine/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence and fills in Sequence, ID and a missing Timestamp.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	if event.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no execution id")
	}
	var data any
	if len(event.Data) > 0 {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "event data is not serializable").WithCause(err)
		}
		data = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin event tx", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write forces
	// the lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return storeError("acquire write lock", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return storeError("release write lock", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq); err != nil {
		return storeError("next event sequence", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, chain_id, step_id, event_type, data, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.ChainID), nullStr(event.StepID), event.Type, data, event.Timestamp, seq,
	)
	if err != nil {
		return storeError("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit event", err)
	}

	event.Sequence = seq
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, chain_id, step_id, event_type, data, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, storeError("get events", err)
	}
	defer rows.Close()

	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var chainID, stepID, data sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &chainID, &stepID, &e.Type, &data, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeError("scan event", err)
		}
		e.ChainID = chainID.String
		e.StepID = stepID.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, storeError(fmt.Sprintf("decode event %d data", e.ID), err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// SummarizeSteps replays an execution's events into per-step attempt counts,
// in first-seen order. Returns STORE_ERROR if the sequence has gaps.
func SummarizeSteps(events []*schema.Event) ([]StepSummary, error) {
	index := make(map[string]int)
	var out []StepSummary

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", e.ExecutionID, expected, e.Sequence)
		}
		if e.StepID == "" {
			continue
		}
		switch e.Type {
		case schema.EventStepAttempted, schema.EventStepRetrying:
		default:
			continue
		}

		pos, ok := index[e.StepID]
		if !ok {
			pos = len(out)
			index[e.StepID] = pos
			out = append(out, StepSummary{StepID: e.StepID})
		}
		summary := &out[pos]
		if e.Type == schema.EventStepRetrying {
			summary.Retries++
			continue
		}
		summary.Attempts++
		if outcome, ok := e.Data["outcome"].(string); ok {
			summary.LastOutcome = outcome
		}
	}
	return out, nil
}
