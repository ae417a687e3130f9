package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"memberhub/internal/apperrors"
	"memberhub/internal/registration/session"
)

// operation is the state shared by one locked read-modify-write of a
// session. prev always holds the last persisted copy.
type operation struct {
	svc  *Service
	now  time.Time
	prev session.Session
}

// checkpoint persists an intermediate state so that a crash mid-operation
// resumes from the last completed step.
func (op *operation) checkpoint(ctx context.Context, next session.Session) (session.Session, error) {
	saved, err := op.svc.persist(ctx, op.prev, next, op.now)
	if err != nil {
		return op.prev, err
	}
	op.prev = saved
	return saved, nil
}

// mutation computes the next state of a session. save reports whether the
// returned session should be persisted; a non-nil error alongside save is
// recorded as the session's LastError.
type mutation func(ctx context.Context, op *operation, s session.Session) (next session.Session, save bool, err error)

func (svc *Service) mutate(ctx context.Context, id string, fn mutation) (session.Session, error) {
	unlock := svc.locks.lock(id)
	defer unlock()

	current, err := svc.load(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	now := svc.now()
	if current.Expired(now) {
		svc.expire(ctx, current, now)
		return session.Session{}, apperrors.New(apperrors.CodeSessionExpired,
			fmt.Sprintf("registration session %s expired at %s", id, current.ExpiresAt.UTC().Format(time.RFC3339)))
	}

	op := &operation{svc: svc, now: now, prev: current}
	next, save, ferr := fn(ctx, op, current)
	if !save {
		if ferr != nil {
			return session.Session{}, ferr
		}
		return op.prev, nil
	}
	if ferr != nil {
		next = next.RecordError(ferr, now)
	}
	saved, err := svc.persist(ctx, op.prev, next, now)
	if err != nil {
		return session.Session{}, errors.Join(ferr, err)
	}
	return saved, ferr
}

func (svc *Service) load(ctx context.Context, id string) (session.Session, error) {
	s, err := svc.store.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return session.Session{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("registration session %s not found", id))
	}
	if err != nil {
		return session.Session{}, apperrors.Wrap(apperrors.CodeInternal, "load session", err).WithRecoverable(true)
	}
	return s, nil
}

// expire moves a non-terminal session to expired. Persisting is best effort;
// the expired copy is returned either way.
func (svc *Service) expire(ctx context.Context, s session.Session, now time.Time) session.Session {
	if s.Status.Terminal() {
		return s
	}
	next, err := s.Transition(session.StatusExpired, "session ttl elapsed", now)
	if err != nil {
		return s
	}
	if next.Payment != nil && next.Payment.Status == session.PaymentPending {
		next.Payment.Status = session.PaymentCancelled
	}
	saved, err := svc.persist(ctx, s, next, now)
	if err != nil {
		svc.logger.WarnContext(ctx, "expired session not persisted", "session_id", s.ID, "error", err)
		return next
	}
	return saved
}

// persist saves next over prev and emits the resulting transitions. The save
// outlives the caller's context so that created entity ids are never lost.
func (svc *Service) persist(ctx context.Context, prev, next session.Session, now time.Time) (session.Session, error) {
	ctx = context.WithoutCancel(ctx)
	next.Version = prev.Version
	next.UpdatedAt = now.UTC()

	saved, err := svc.store.Save(ctx, next, svc.ttlFor(next, now))
	if errors.Is(err, session.ErrVersionConflict) {
		return next, apperrors.Wrap(apperrors.CodeConflict, "session was modified concurrently", err).WithRecoverable(true)
	}
	if err != nil {
		return next, apperrors.Wrap(apperrors.CodeInternal, "save session", err).WithRecoverable(true)
	}

	if len(saved.History) > len(prev.History) {
		for _, ch := range saved.History[len(prev.History):] {
			svc.metrics.ObserveTransition(string(ch.From), string(ch.To))
		}
	}
	svc.notifier.Publish(ctx, eventFor(saved))
	return saved, nil
}

// ttlFor keeps live sessions readable for TerminalRetention past their
// expiry so that status reads can report the expiry.
func (svc *Service) ttlFor(s session.Session, now time.Time) time.Duration {
	if s.Status.Terminal() {
		return svc.cfg.TerminalRetention
	}
	remaining := s.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining + svc.cfg.TerminalRetention
}
