package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"daily_standup_bot/internal/app"
	"daily_standup_bot/internal/domain/group"
	"daily_standup_bot/internal/infra/metrics"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type stubDirectory struct {
	mu     sync.Mutex
	groups map[int64]*group.Group
	err    error
}

func (d *stubDirectory) ListActiveGroups(ctx context.Context) ([]*group.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var out []*group.Group
	for _, g := range d.groups {
		if g.IsActive {
			out = append(out, g)
		}
	}
	return out, nil
}

func (d *stubDirectory) GetGroup(ctx context.Context, id int64) (*group.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	g, ok := d.groups[id]
	if !ok {
		return nil, group.ErrGroupNotFound
	}
	return g, nil
}

func (d *stubDirectory) ListRoster(ctx context.Context, groupID int64) ([]*group.Member, error) {
	return nil, nil
}

func (d *stubDirectory) GetMemberByTelegramID(ctx context.Context, telegramID int64) (*group.Member, error) {
	return nil, group.ErrMemberNotFound
}

func (d *stubDirectory) AdminTelegramID(ctx context.Context, groupID int64) (int64, error) {
	return 0, nil
}

// recordingCycles records which groups were started.
type recordingCycles struct {
	mu      sync.Mutex
	started []int64
}

func (c *recordingCycles) Start(ctx context.Context, g *group.Group) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, g.ID)
	return nil
}

func (c *recordingCycles) OnResponse(ctx context.Context, telegramID int64, text string) (app.ResponseOutcome, error) {
	return app.ResponseOutcome{}, nil
}

func (c *recordingCycles) OnEditRequest(ctx context.Context, telegramID int64) (string, error) {
	return "", nil
}

func (c *recordingCycles) OnTimeout(groupID int64, cycleID uuid.UUID) {}

func (c *recordingCycles) RemindPending(ctx context.Context, groupID int64) (int, int, error) {
	return 0, 0, nil
}

func (c *recordingCycles) Snapshot(groupID int64) (*app.CycleSnapshot, bool) { return nil, false }

func (c *recordingCycles) Wait() {}

func (c *recordingCycles) startedGroups() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.started...)
}

func weekdays() []time.Weekday {
	return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
}

func activeGroup(id int64, hour, minute int) *group.Group {
	return &group.Group{
		ID:       id,
		Name:     fmt.Sprintf("Team %d", id),
		IsActive: true,
		Schedule: group.Schedule{Hour: hour, Minute: minute, Timezone: "Asia/Bishkek", Days: weekdays()},
	}
}

func newTestScheduler(dir *stubDirectory, cycles *recordingCycles) (*GroupScheduler, *metrics.Metrics) {
	engine := NewEngine(testLogger())
	m := metrics.New(prometheus.NewRegistry())
	return NewGroupScheduler(engine, NewTimeouts(engine, testLogger()), dir, cycles, m, testLogger()), m
}

func TestCronSpec(t *testing.T) {
	spec, err := CronSpec(group.Schedule{Hour: 17, Minute: 30, Timezone: "Asia/Bishkek", Days: weekdays()})
	if err != nil {
		t.Fatalf("CronSpec: %v", err)
	}
	if want := "CRON_TZ=Asia/Bishkek 30 17 * * 1,2,3,4,5"; spec != want {
		t.Errorf("spec = %q, want %q", spec, want)
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		t.Errorf("spec does not parse: %v", err)
	}

	spec, err = CronSpec(group.Schedule{Hour: 9, Minute: 0, Days: group.ParseDays("5,6")})
	if err != nil {
		t.Fatalf("CronSpec with default timezone: %v", err)
	}
	if want := "CRON_TZ=Asia/Bishkek 0 9 * * 6,0"; spec != want {
		t.Errorf("weekend spec = %q, want %q", spec, want)
	}

	bad := []group.Schedule{
		{Hour: 24, Minute: 0, Days: weekdays()},
		{Hour: 10, Minute: 60, Days: weekdays()},
		{Hour: 10, Minute: 0},
		{Hour: 10, Minute: 0, Timezone: "Mars/Olympus", Days: weekdays()},
	}
	for _, s := range bad {
		if _, err := CronSpec(s); err == nil {
			t.Errorf("CronSpec(%+v) succeeded, want error", s)
		}
	}
}

func TestRebuildKeepsOneTriggerPerActiveGroup(t *testing.T) {
	dir := &stubDirectory{groups: map[int64]*group.Group{}}
	s, m := newTestScheduler(dir, &recordingCycles{})

	inactive := activeGroup(3, 10, 0)
	inactive.IsActive = false
	invalid := activeGroup(4, 10, 0)
	invalid.Schedule.Timezone = "Not/AZone"

	n := s.Rebuild([]*group.Group{activeGroup(1, 17, 30), activeGroup(2, 9, 15), inactive, invalid, activeGroup(1, 8, 0)})
	if n != 2 {
		t.Fatalf("scheduled = %d, want 2", n)
	}
	jobs := s.Jobs()
	if len(jobs) != 2 || jobs[0].GroupID != 1 || jobs[1].GroupID != 2 {
		t.Fatalf("jobs = %+v", jobs)
	}
	if jobs[0].Spec != "CRON_TZ=Asia/Bishkek 30 17 * * 1,2,3,4,5" {
		t.Errorf("duplicate group replaced the first trigger: %q", jobs[0].Spec)
	}
	if got := len(s.cronEngine.Entries()); got != 2 {
		t.Errorf("engine entries = %d, want 2", got)
	}

	// A second rebuild replaces everything rather than accumulating.
	changed := activeGroup(2, 11, 45)
	n = s.Rebuild([]*group.Group{changed})
	if n != 1 || len(s.cronEngine.Entries()) != 1 {
		t.Fatalf("after rebuild: scheduled %d, entries %d, want 1/1", n, len(s.cronEngine.Entries()))
	}
	if spec := s.Jobs()[0].Spec; spec != "CRON_TZ=Asia/Bishkek 45 11 * * 1,2,3,4,5" {
		t.Errorf("spec after rebuild = %q", spec)
	}
	if got := testutil.ToFloat64(m.ScheduledGroups); got != 1 {
		t.Errorf("scheduled_groups = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ScheduleRebuilds); got != 2 {
		t.Errorf("schedule_rebuilds_total = %v, want 2", got)
	}
}

func TestRebuildFromDirectoryKeepsRegistryOnError(t *testing.T) {
	dir := &stubDirectory{groups: map[int64]*group.Group{1: activeGroup(1, 17, 30)}}
	s, _ := newTestScheduler(dir, &recordingCycles{})

	if n, err := s.RebuildFromDirectory(context.Background()); err != nil || n != 1 {
		t.Fatalf("RebuildFromDirectory = %d, %v", n, err)
	}
	dir.err = fmt.Errorf("connection reset")
	if _, err := s.RebuildFromDirectory(context.Background()); err == nil {
		t.Fatalf("expected directory error")
	}
	if got := len(s.Jobs()); got != 1 {
		t.Errorf("registry lost entries on directory error: %d jobs", got)
	}
}

func TestOnFireStartsOnlyActiveExistingGroups(t *testing.T) {
	paused := activeGroup(2, 10, 0)
	paused.IsActive = false
	dir := &stubDirectory{groups: map[int64]*group.Group{1: activeGroup(1, 17, 30), 2: paused}}
	cycles := &recordingCycles{}
	s, _ := newTestScheduler(dir, cycles)

	s.onFire(1)
	s.onFire(2)  // deactivated since the last rebuild
	s.onFire(99) // deleted since the last rebuild

	started := cycles.startedGroups()
	if len(started) != 1 || started[0] != 1 {
		t.Errorf("started = %v, want [1]", started)
	}
}

func TestPendingTimeoutsReportsArmedEntries(t *testing.T) {
	engine := NewEngine(testLogger())
	timeouts := NewTimeouts(engine, testLogger())
	s := NewGroupScheduler(engine, timeouts, &stubDirectory{}, &recordingCycles{}, nil, testLogger())

	cancel := timeouts.ScheduleOnce(time.Now().Add(time.Hour), func() {})
	if got := s.PendingTimeouts(); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
	cancel()
	if got := s.PendingTimeouts(); got != 0 {
		t.Errorf("pending after cancel = %d, want 0", got)
	}
}
