package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"daily_standup_bot/internal/app"
	"daily_standup_bot/internal/domain/group"
	"daily_standup_bot/internal/infra/metrics"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const defaultStartTimeout = 5 * time.Minute

type registryEntry struct {
	entryID cron.EntryID
	name    string
	spec    string
}

// GroupScheduler keeps exactly one recurring trigger per active group on the shared engine.
type GroupScheduler struct {
	cronEngine   *cron.Cron
	timeouts     *Timeouts
	directory    group.Directory
	cycles       app.CycleService
	metrics      *metrics.Metrics
	logger       *logrus.Entry
	startTimeout time.Duration

	mu      sync.Mutex // Registry lock, held for the whole of a rebuild
	entries map[int64]registryEntry
}

func NewGroupScheduler(
	cronEngine *cron.Cron,
	timeouts *Timeouts,
	directory group.Directory,
	cycles app.CycleService,
	m *metrics.Metrics,
	logger *logrus.Entry,
) *GroupScheduler {
	return &GroupScheduler{
		cronEngine:   cronEngine,
		timeouts:     timeouts,
		directory:    directory,
		cycles:       cycles,
		metrics:      m,
		logger:       logger,
		startTimeout: defaultStartTimeout,
		entries:      make(map[int64]registryEntry),
	}
}

// Start loads the active groups and starts the engine. A directory failure leaves the registry empty
// until the next rebuild.
func (s *GroupScheduler) Start(ctx context.Context) {
	s.logger.Info("Starting group scheduler...")
	if _, err := s.RebuildFromDirectory(ctx); err != nil {
		s.logger.WithError(err).Error("Initial schedule load failed")
	}
	s.cronEngine.Start()
	s.logger.Info("Group scheduler started")
}

// Stop stops firing new jobs and waits for running ones.
func (s *GroupScheduler) Stop() {
	s.logger.Info("Stopping group scheduler...")
	ctx := s.cronEngine.Stop()
	<-ctx.Done()
	s.logger.Info("Group scheduler gracefully stopped")
}

// RebuildFromDirectory reloads active groups and rebuilds the registry. On a directory error the
// current registry is kept.
func (s *GroupScheduler) RebuildFromDirectory(ctx context.Context) (int, error) {
	groups, err := s.directory.ListActiveGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active groups: %w", err)
	}
	return s.Rebuild(groups), nil
}

// Rebuild replaces every trigger with one per active group in groups. Groups with an invalid
// schedule are logged and skipped. Returns the number of groups scheduled.
func (s *GroupScheduler) Rebuild(groups []*group.Group) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for groupID, entry := range s.entries {
		s.cronEngine.Remove(entry.entryID)
		delete(s.entries, groupID)
	}

	for _, g := range groups {
		if !g.IsActive {
			continue
		}
		logCtx := s.logger.WithFields(logrus.Fields{"group_id": g.ID, "group_name": g.Name})
		if _, dup := s.entries[g.ID]; dup {
			logCtx.Warn("Group listed twice, keeping the first trigger")
			continue
		}
		spec, err := CronSpec(g.Schedule)
		if err != nil {
			logCtx.WithError(err).Error("Invalid group schedule, group not scheduled")
			continue
		}
		groupID := g.ID
		entryID, err := s.cronEngine.AddFunc(spec, func() { s.onFire(groupID) })
		if err != nil {
			logCtx.WithError(err).WithField("spec", spec).Error("Could not add group trigger")
			continue
		}
		s.entries[g.ID] = registryEntry{entryID: entryID, name: g.Name, spec: spec}
		logCtx.WithField("spec", spec).Debug("Group trigger registered")
	}

	s.metrics.ScheduleRebuilt(len(s.entries))
	s.logger.WithField("groups", len(s.entries)).Info("Group schedules rebuilt")
	return len(s.entries)
}

// onFire re-reads the group so a deactivation between rebuilds is honoured.
func (s *GroupScheduler) onFire(groupID int64) {
	logCtx := s.logger.WithField("group_id", groupID)
	ctx, cancel := context.WithTimeout(context.Background(), s.startTimeout)
	defer cancel()

	g, err := s.directory.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, group.ErrGroupNotFound) {
			logCtx.Info("Trigger fired for a group that no longer exists, skipping")
			return
		}
		logCtx.WithError(err).Error("Failed to load group for trigger")
		return
	}
	if !g.IsActive {
		logCtx.Info("Trigger fired for an inactive group, skipping")
		return
	}

	logCtx.Info("Group trigger fired, starting daily cycle")
	if err := s.cycles.Start(ctx, g); err != nil {
		logCtx.WithError(err).Error("Failed to start daily cycle")
	}
}

// Jobs lists the registered triggers ordered by group ID.
func (s *GroupScheduler) Jobs() []app.ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]app.ScheduledJob, 0, len(s.entries))
	for groupID, entry := range s.entries {
		jobs = append(jobs, app.ScheduledJob{
			GroupID:   groupID,
			GroupName: entry.name,
			Spec:      entry.spec,
			Next:      s.cronEngine.Entry(entry.entryID).Next,
		})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].GroupID < jobs[j].GroupID })
	return jobs
}

func (s *GroupScheduler) PendingTimeouts() int {
	if s.timeouts == nil {
		return 0
	}
	return s.timeouts.Pending()
}

// CronSpec renders a schedule as a cron spec in the group's timezone,
// e.g. "CRON_TZ=Asia/Bishkek 30 17 * * 1,2,3,4,5".
func CronSpec(sch group.Schedule) (string, error) {
	if err := sch.Validate(); err != nil {
		return "", err
	}
	tz := sch.Timezone
	if tz == "" {
		tz = group.DefaultTimezone
	}
	days := make([]string, 0, len(sch.Days))
	for _, d := range sch.Days {
		days = append(days, strconv.Itoa(int(d)))
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * %s", tz, sch.Minute, sch.Hour, strings.Join(days, ",")), nil
}
