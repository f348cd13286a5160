package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"carebrain/internal/domain"
	"carebrain/internal/repo"
)

// Recorder appends timeline events. It never updates or deletes them.
type Recorder struct {
	Repo repo.Repo
	Now  func() time.Time
}

type Payload map[string]any

// Event is a timeline entry to be recorded.
type Event struct {
	// Key makes Record idempotent. Defaults to table:id:type.
	Key           string
	CorrelationID string
	ResidentID    string
	Actor         domain.Actor
	Type          string
	SourceTable   string
	SourceID      string
	OccurredAt    time.Time
	Payload       Payload
}

var ErrInvalidEvent = errors.New("invalid timeline event")

func Key(sourceTable, sourceID, evtType string) string {
	return fmt.Sprintf("%s:%s:%s", sourceTable, sourceID, evtType)
}

// Record appends ev inside q and returns the stored event. Recording the
// same key twice returns the first event unchanged.
func (r Recorder) Record(ctx context.Context, q repo.DBTX, ev Event) (domain.TimelineEvent, error) {
	if ev.CorrelationID == "" || ev.Actor.Type == "" || ev.Actor.ID == "" || ev.Type == "" || ev.SourceTable == "" || ev.SourceID == "" {
		return domain.TimelineEvent{}, fmt.Errorf("%w: correlation, actor, type and source are required", ErrInvalidEvent)
	}
	if ev.Key == "" {
		ev.Key = Key(ev.SourceTable, ev.SourceID, ev.Type)
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = r.now()
	}
	if ev.Payload == nil {
		ev.Payload = Payload{}
	}
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return domain.TimelineEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}
	te := domain.TimelineEvent{
		ID:            uuid.NewString(),
		EventKey:      ev.Key,
		CorrelationID: ev.CorrelationID,
		ResidentID:    ev.ResidentID,
		ActorType:     ev.Actor.Type,
		ActorID:       ev.Actor.ID,
		EventType:     ev.Type,
		SourceTable:   ev.SourceTable,
		SourceID:      ev.SourceID,
		OccurredAt:    at.UTC(),
		Payload:       data,
	}
	if _, err := r.Repo.InsertTimelineEvent(ctx, q, te); err != nil {
		return domain.TimelineEvent{}, fmt.Errorf("append timeline event: %w", err)
	}
	return r.Repo.GetTimelineEventByKey(ctx, q, ev.Key)
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
