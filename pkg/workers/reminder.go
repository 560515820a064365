package workers

import (
	"context"
	"log/slog"
	"time"
)

// ReminderSource is satisfied by *circulation.Engine.
type ReminderSource interface {
	SendReminders(ctx context.Context, windowDays int) (int, error)
}

// Reminder queues due-soon and overdue reminders on a fixed interval.
type Reminder struct {
	Source     ReminderSource
	WindowDays int
	Interval   time.Duration
	Log        *slog.Logger
}

func NewReminder(source ReminderSource, windowDays int, interval time.Duration, log *slog.Logger) *Reminder {
	if log == nil {
		log = slog.Default()
	}
	return &Reminder{Source: source, WindowDays: windowDays, Interval: interval, Log: log}
}

// Run checks once immediately, then on every tick until ctx is cancelled.
func (r *Reminder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Check(ctx)
		}
	}
}

func (r *Reminder) Check(ctx context.Context) {
	r.Log.Info("checking for due and overdue loans", "window_days", r.WindowDays)
	sent, err := r.Source.SendReminders(ctx, r.WindowDays)
	if err != nil {
		r.Log.Error("reminder run failed", "err", err)
		return
	}
	r.Log.Info("reminder run finished", "queued", sent)
}
