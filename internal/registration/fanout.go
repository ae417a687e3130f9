package registration

import (
	"context"
	"log/slog"
)

// FanoutNotifier forwards each event to every wrapped notifier in order.
type FanoutNotifier struct {
	notifiers []Notifier
}

// NewFanoutNotifier constructs a FanoutNotifier. Nil notifiers are skipped.
func NewFanoutNotifier(notifiers ...Notifier) *FanoutNotifier {
	f := &FanoutNotifier{}
	for _, n := range notifiers {
		if n != nil {
			f.notifiers = append(f.notifiers, n)
		}
	}
	return f
}

func (f *FanoutNotifier) Publish(ctx context.Context, ev Event) {
	for _, n := range f.notifiers {
		n.Publish(ctx, ev)
	}
}

// LogNotifier writes every session event to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier constructs a LogNotifier. A nil logger uses slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Publish(ctx context.Context, ev Event) {
	attrs := []any{
		"session_id", ev.SessionID,
		"status", ev.Status,
		"percentage", ev.Percentage,
	}
	if ev.Current != "" {
		attrs = append(attrs, "current_step", ev.Current)
	}
	if ev.LastError != nil {
		attrs = append(attrs, "error_code", ev.LastError.Code, "recoverable", ev.LastError.Recoverable)
		n.logger.WarnContext(ctx, "registration session updated", attrs...)
		return
	}
	n.logger.InfoContext(ctx, "registration session updated", attrs...)
}
