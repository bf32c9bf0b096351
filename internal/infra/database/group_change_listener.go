package database

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// GroupChangesChannel is notified by triggers on the groups and members tables.
const GroupChangesChannel = "group_changes"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
	defaultDebounce      = 2 * time.Second
)

// GroupChangeListener calls onChange after group or member rows change. Bursts of
// notifications within the debounce window produce one call.
type GroupChangeListener struct {
	dsn      string
	onChange func(ctx context.Context) (int, error)
	logger   *logrus.Entry
	debounce time.Duration
}

func NewGroupChangeListener(dsn string, onChange func(ctx context.Context) (int, error), logger *logrus.Entry) *GroupChangeListener {
	return &GroupChangeListener{
		dsn:      dsn,
		onChange: onChange,
		logger:   logger,
		debounce: defaultDebounce,
	}
}

// Run blocks until ctx is cancelled.
func (l *GroupChangeListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, listenerMinReconnect, listenerMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.WithError(err).WithField("event", ev).Warn("Group change listener connection event")
		}
	})
	defer listener.Close()

	if err := listener.Listen(GroupChangesChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", GroupChangesChannel, err)
	}
	l.logger.WithField("channel", GroupChangesChannel).Info("Listening for group changes")

	var fire <-chan time.Time
	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Group change listener stopped")
			return nil
		case n := <-listener.Notify:
			// A nil notification means the connection was re-established and events may have been missed.
			if n != nil {
				l.logger.WithField("table", n.Extra).Debug("Group change notification received")
			} else {
				l.logger.Info("Group change listener reconnected, scheduling rebuild")
			}
			if fire == nil {
				fire = time.After(l.debounce)
			}
		case <-fire:
			fire = nil
			n, err := l.onChange(ctx)
			if err != nil {
				l.logger.WithError(err).Error("Schedule rebuild after group change failed")
				continue
			}
			l.logger.WithField("groups", n).Info("Schedules rebuilt after group change")
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				l.logger.WithError(err).Warn("Group change listener ping failed")
			}
		}
	}
}
