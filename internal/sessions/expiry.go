package sessions

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultIdleExpiry is how long a session may sit idle before the
// sweeper deletes it.
const DefaultIdleExpiry = 24 * time.Hour

// expirySchedule runs the sweep once a minute.
const expirySchedule = "@every 1m"

// Expiry deletes idle sessions on a cron schedule. Busy sessions are
// never removed; deletion goes through the manager so session.deleted
// fires as usual.
type Expiry struct {
	manager    *Manager
	idleExpiry time.Duration
	logger     *slog.Logger
	cron       *cron.Cron
	nowFunc    func() time.Time
}

// NewExpiry creates a sweeper. idleExpiry <= 0 uses the default.
func NewExpiry(manager *Manager, idleExpiry time.Duration, logger *slog.Logger) *Expiry {
	if idleExpiry <= 0 {
		idleExpiry = DefaultIdleExpiry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Expiry{
		manager:    manager,
		idleExpiry: idleExpiry,
		logger:     logger.With("component", "session_expiry"),
		cron:       cron.New(),
		nowFunc:    time.Now,
	}
}

// Start schedules the sweep.
func (e *Expiry) Start() error {
	if _, err := e.cron.AddFunc(expirySchedule, func() { e.Sweep() }); err != nil {
		return err
	}
	e.cron.Start()
	return nil
}

// Stop halts the schedule. Running sweeps finish.
func (e *Expiry) Stop() {
	ctx := e.cron.Stop()
	<-ctx.Done()
}

// Sweep deletes every session idle for longer than the expiry window
// and returns how many were removed.
func (e *Expiry) Sweep() int {
	now := e.nowFunc()
	removed := 0
	for _, sess := range e.manager.List() {
		if e.manager.Queue().IsBusy(sess.ID) {
			continue
		}
		if now.Sub(sess.UpdatedAt) <= e.idleExpiry {
			continue
		}
		if err := e.manager.Delete(sess.ID); err != nil {
			e.logger.Warn("failed to expire session", "session_id", sess.ID, "error", err)
			continue
		}
		e.logger.Info("expired idle session",
			"session_id", sess.ID,
			"idle", now.Sub(sess.UpdatedAt).Round(time.Second))
		removed++
	}
	return removed
}
