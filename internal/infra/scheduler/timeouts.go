package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// onceSchedule fires a single time at the given instant.
type onceSchedule struct {
	at time.Time
}

// Next returns the zero time once the instant has passed, which cron treats as "never".
func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

// Timeouts arms one-shot callbacks on the shared cron engine.
type Timeouts struct {
	engine *cron.Cron
	logger *logrus.Entry
	now    func() time.Time

	mu      sync.Mutex
	pending map[cron.EntryID]time.Time
}

func NewTimeouts(engine *cron.Cron, logger *logrus.Entry) *Timeouts {
	return &Timeouts{
		engine:  engine,
		logger:  logger,
		now:     time.Now,
		pending: make(map[cron.EntryID]time.Time),
	}
}

// ScheduleOnce runs fn at the given instant on a cron goroutine. An instant that already
// passed runs fn right away. The returned cancel is idempotent.
func (t *Timeouts) ScheduleOnce(at time.Time, fn func()) func() {
	if !at.After(t.now()) {
		go fn()
		return func() {}
	}

	var id cron.EntryID
	// Held across Schedule so a fast-firing job cannot release before id is recorded.
	t.mu.Lock()
	id = t.engine.Schedule(onceSchedule{at: at}, cron.FuncJob(func() {
		if t.release(&id) {
			fn()
		}
	}))
	t.pending[id] = at
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{"entry_id": id, "at": at.Format(time.RFC3339)}).Debug("Timeout armed")
	return func() {
		if t.release(&id) {
			t.logger.WithField("entry_id", id).Debug("Timeout cancelled")
		}
	}
}

// release removes the entry and reports whether it was still pending.
func (t *Timeouts) release(id *cron.EntryID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[*id]; !ok {
		return false
	}
	delete(t.pending, *id)
	t.engine.Remove(*id)
	return true
}

// Pending is the number of armed, not yet fired timeouts.
func (t *Timeouts) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
