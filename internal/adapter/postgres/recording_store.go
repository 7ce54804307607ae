package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/CodePair/internal/domain/event"
	"github.com/Strob0t/CodePair/internal/domain/recording"
)

// RecordingStore implements recordingstore.Store using PostgreSQL. A
// recording is one row in session_recordings plus its events, in order, in
// recording_events.
type RecordingStore struct {
	pool *pgxpool.Pool
}

// NewRecordingStore creates a RecordingStore backed by the given connection pool.
func NewRecordingStore(pool *pgxpool.Pool) *RecordingStore {
	return &RecordingStore{pool: pool}
}

const recordingColumns = `id, session_id, start_time, end_time, participant_count, event_count, duration_ms, stopped_reason, labels`

func scanSummary(row scannable) (recording.Summary, error) {
	var (
		s        recording.Summary
		end      *time.Time
		duration int64
		labels   []byte
	)
	err := row.Scan(&s.ID, &s.SessionID, &s.StartTime, &end,
		&s.Metadata.ParticipantCount, &s.Metadata.EventCount, &duration,
		&s.Metadata.StoppedReason, &labels)
	if err != nil {
		return s, err
	}
	if end != nil {
		s.EndTime = *end
	}
	s.Metadata.Duration = time.Duration(duration) * time.Millisecond
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &s.Metadata.Labels); err != nil {
			return s, fmt.Errorf("decode labels: %w", err)
		}
	}
	return s, nil
}

// Save replaces the recording row and all of its events in one transaction.
func (s *RecordingStore) Save(ctx context.Context, rec *recording.SessionRecording) error {
	labels, err := json.Marshal(rec.Metadata.Labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	if rec.Metadata.Labels == nil {
		labels = []byte("{}")
	}
	var end any
	if !rec.EndTime.IsZero() {
		end = rec.EndTime
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save recording %s: %w", rec.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO session_recordings (`+recordingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   end_time = EXCLUDED.end_time,
		   participant_count = EXCLUDED.participant_count,
		   event_count = EXCLUDED.event_count,
		   duration_ms = EXCLUDED.duration_ms,
		   stopped_reason = EXCLUDED.stopped_reason,
		   labels = EXCLUDED.labels`,
		rec.ID, rec.SessionID, rec.StartTime, end,
		rec.Metadata.ParticipantCount, rec.Metadata.EventCount, rec.Metadata.Duration.Milliseconds(),
		rec.Metadata.StoppedReason, labels)
	if err != nil {
		return fmt.Errorf("upsert recording %s: %w", rec.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM recording_events WHERE recording_id = $1`, rec.ID); err != nil {
		return fmt.Errorf("clear events of recording %s: %w", rec.ID, err)
	}

	rows := make([][]any, 0, len(rec.Events))
	for i := range rec.Events {
		ev := &rec.Events[i]
		var meta any
		if len(ev.Metadata) > 0 {
			raw, err := json.Marshal(ev.Metadata)
			if err != nil {
				return fmt.Errorf("encode event metadata: %w", err)
			}
			meta = raw
		}
		rows = append(rows, []any{
			rec.ID, i, ev.ID, string(ev.Type), ev.SessionID, ev.ParticipantID,
			ev.Timestamp, int64(ev.Seq), nullJSON(ev.Data), meta, //nolint:gosec // seq fits int64
		})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"recording_events"},
		[]string{"recording_id", "position", "event_id", "event_type", "session_id", "participant_id", "ts", "seq", "data", "metadata"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy events of recording %s: %w", rec.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit recording %s: %w", rec.ID, err)
	}
	return nil
}

// Load returns a recording with its events in recorded order.
func (s *RecordingStore) Load(ctx context.Context, id string) (*recording.SessionRecording, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordingColumns+` FROM session_recordings WHERE id = $1`, id)
	sum, err := scanSummary(row)
	if err != nil {
		return nil, notFoundWrap(err, "load recording %s", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT event_id, event_type, session_id, participant_id, ts, seq, data, metadata
		 FROM recording_events WHERE recording_id = $1 ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load events of recording %s: %w", id, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var (
			ev   event.Event
			typ  string
			seq  int64
			data []byte
			meta []byte
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.SessionID, &ev.ParticipantID, &ev.Timestamp, &seq, &data, &meta); err != nil {
			return nil, fmt.Errorf("scan recording event: %w", err)
		}
		ev.Type = event.Type(typ)
		ev.Seq = uint64(seq) //nolint:gosec // stored from a uint64
		if len(data) > 0 {
			ev.Data = json.RawMessage(data)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events of recording %s: %w", id, err)
	}

	return &recording.SessionRecording{
		ID:        sum.ID,
		SessionID: sum.SessionID,
		StartTime: sum.StartTime,
		EndTime:   sum.EndTime,
		Events:    orEmpty(events),
		Metadata:  sum.Metadata,
	}, nil
}

// List returns the summaries of all recordings, newest first.
func (s *RecordingStore) List(ctx context.Context) ([]recording.Summary, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordingColumns+` FROM session_recordings ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var out []recording.Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		out = append(out, sum)
	}
	return orEmpty(out), rows.Err()
}

// Delete removes a recording and, by cascade, its events.
func (s *RecordingStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM session_recordings WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete recording %s", id)
}
