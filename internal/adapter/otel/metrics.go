package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "codepair"

// Metrics holds all CodePair metric instruments.
type Metrics struct {
	SessionsCreated     metric.Int64Counter
	SessionsEnded       metric.Int64Counter
	ParticipantsJoined  metric.Int64Counter
	EventsPublished     metric.Int64Counter
	ConflictsDetected   metric.Int64Counter
	ConflictsResolved   metric.Int64Counter
	RecordingsPersisted metric.Int64Counter
	RecordingFailures   metric.Int64Counter
	SessionDuration     metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.SessionsCreated, err = meter.Int64Counter("codepair.sessions.created",
		metric.WithDescription("Number of sessions created"))
	if err != nil {
		return nil, err
	}

	m.SessionsEnded, err = meter.Int64Counter("codepair.sessions.ended",
		metric.WithDescription("Number of sessions ended"))
	if err != nil {
		return nil, err
	}

	m.ParticipantsJoined, err = meter.Int64Counter("codepair.participants.joined",
		metric.WithDescription("Number of participant joins, reconnects included"))
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("codepair.events.published",
		metric.WithDescription("Number of events published on the event bus"))
	if err != nil {
		return nil, err
	}

	m.ConflictsDetected, err = meter.Int64Counter("codepair.conflicts.detected",
		metric.WithDescription("Number of conflicts detected"))
	if err != nil {
		return nil, err
	}

	m.ConflictsResolved, err = meter.Int64Counter("codepair.conflicts.resolved",
		metric.WithDescription("Number of conflict resolution attempts by outcome"))
	if err != nil {
		return nil, err
	}

	m.RecordingsPersisted, err = meter.Int64Counter("codepair.recordings.persisted",
		metric.WithDescription("Number of recordings written to the store"))
	if err != nil {
		return nil, err
	}

	m.RecordingFailures, err = meter.Int64Counter("codepair.recordings.failed",
		metric.WithDescription("Number of recording persistence failures"))
	if err != nil {
		return nil, err
	}

	m.SessionDuration, err = meter.Float64Histogram("codepair.session.duration_seconds",
		metric.WithDescription("Session duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
