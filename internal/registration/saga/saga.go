// Package saga creates a registration's dependent entities one at a time, in
// a fixed order, recording each outcome on the session's progress.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"memberhub/internal/apperrors"
	"memberhub/internal/registration/progress"
	"memberhub/internal/registration/session"
)

// Link carries the cross-entity references injected into every creation call.
type Link struct {
	SessionID      string
	OwnerID        string
	OrganizationID string
	MembershipYear int
	// CategoryID is the id produced by the category entity, empty until it exists.
	CategoryID string
}

// Creator is the collaborator that creates one entity type.
type Creator interface {
	Create(ctx context.Context, link Link, payload session.Payload) (string, error)
	Exists(ctx context.Context, ownerID string, year int) (bool, error)
}

// Creators maps each entity type to its collaborator.
type Creators map[progress.EntityType]Creator

// StepRecord is one audited creation attempt.
type StepRecord struct {
	SessionID  string
	EntityType progress.EntityType
	Attempt    int
	Status     progress.EntityStatus
	EntityID   string
	Error      string
	Retryable  bool
	Duration   time.Duration
	At         time.Time
}

// Recorder receives an audit record for every attempt.
type Recorder interface {
	RecordStep(ctx context.Context, rec StepRecord) error
}

// Outcome describes what a single invocation did.
type Outcome struct {
	Entity    progress.EntityType
	Attempted bool
	// Blocked is set when the entity could not be attempted because the
	// category it depends on does not exist yet.
	Blocked   bool
	EntityID  string
	Err       error
	Retryable bool
	Duration  time.Duration
}

// Succeeded reports whether the invocation created its entity.
func (o Outcome) Succeeded() bool {
	return o.Attempted && o.Err == nil
}

// Config bounds each creation call.
type Config struct {
	Timeout time.Duration
}

// Saga executes entity creation steps. It never persists the session.
type Saga struct {
	creators Creators
	cfg      Config
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Saga.
func New(creators Creators, cfg Config, logger *slog.Logger) (*Saga, error) {
	if len(creators) == 0 {
		return nil, errors.New("entity creators are required")
	}
	for t := range creators {
		if !t.Valid() {
			return nil, fmt.Errorf("unknown entity type %q", t)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Saga{creators: creators, cfg: cfg, logger: logger, now: time.Now}, nil
}

// WithRecorder attaches an audit recorder.
func (g *Saga) WithRecorder(r Recorder) *Saga {
	g.recorder = r
	return g
}

// Creator returns the collaborator for t.
func (g *Saga) Creator(t progress.EntityType) (Creator, bool) {
	c, ok := g.creators[t]
	return c, ok && c != nil
}

// Step attempts the next pending entity. It issues at most one creation call.
func (g *Saga) Step(ctx context.Context, s session.Session, now time.Time) (session.Session, Outcome) {
	t, ok := progress.NextEntity(s.Progress)
	if !ok {
		return s, Outcome{}
	}
	return g.attempt(ctx, s, t, now)
}

// Retry re-attempts a failed entity.
func (g *Saga) Retry(ctx context.Context, s session.Session, t progress.EntityType, now time.Time) (session.Session, Outcome, error) {
	if !s.Progress.IsFailed(t) {
		return s, Outcome{}, apperrors.New(apperrors.CodeValidation,
			fmt.Sprintf("entity %s is not in a failed state", t))
	}
	next, out := g.attempt(ctx, s, t, now)
	return next, out, nil
}

func (g *Saga) attempt(ctx context.Context, s session.Session, t progress.EntityType, now time.Time) (session.Session, Outcome) {
	out := Outcome{Entity: t}
	if t != progress.Category && !s.Progress.IsCompleted(progress.Category) {
		out.Blocked = true
		return s, out
	}

	detail, _ := s.Progress.Detail(t)
	attempt := detail.RetryCount + 1
	next := s.Clone()
	next.Progress = progress.MarkCreating(next.Progress, t)

	link := Link{
		SessionID:      s.ID,
		OwnerID:        s.OwnerID,
		OrganizationID: s.OrganizationID,
		MembershipYear: s.MembershipYear,
		CategoryID:     s.CategoryEntityID,
	}

	out.Attempted = true
	start := g.now()
	id, err := g.create(ctx, t, link, Extract(s.Data, t))
	out.Duration = g.now().Sub(start)

	rec := StepRecord{SessionID: s.ID, EntityType: t, Attempt: attempt, Duration: out.Duration, At: now.UTC()}
	if err != nil {
		out.Err = err
		out.Retryable = Classify(err)
		next.Progress = progress.WithFailure(next.Progress, t, err.Error(), now)
		rec.Status = progress.StatusFailed
		rec.Error = err.Error()
		rec.Retryable = out.Retryable
		g.logger.WarnContext(ctx, "entity creation failed",
			"session_id", s.ID, "entity_type", t, "attempt", attempt, "retryable", out.Retryable, "error", err)
	} else {
		out.EntityID = id
		next.Progress = progress.WithSuccess(next.Progress, t, id, now)
		if t == progress.Category {
			next.CategoryEntityID = id
		}
		rec.Status = progress.StatusCompleted
		rec.EntityID = id
		g.logger.InfoContext(ctx, "entity created",
			"session_id", s.ID, "entity_type", t, "entity_id", id, "attempt", attempt)
	}
	next.UpdatedAt = now.UTC()

	if g.recorder != nil {
		if err := g.recorder.RecordStep(ctx, rec); err != nil {
			g.logger.WarnContext(ctx, "saga step not recorded", "session_id", s.ID, "entity_type", t, "error", err)
		}
	}
	return next, out
}

func (g *Saga) create(ctx context.Context, t progress.EntityType, link Link, payload session.Payload) (string, error) {
	creator, ok := g.Creator(t)
	if !ok {
		return "", Permanent(fmt.Errorf("no creator registered for %s", t))
	}
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	id, err := creator.Create(ctx, link, payload)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", Retryable(fmt.Errorf("%s creator returned an empty id", t))
	}
	return id, nil
}
