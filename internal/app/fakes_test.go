package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"daily_standup_bot/internal/domain/cycle"
	"daily_standup_bot/internal/domain/group"
	"daily_standup_bot/internal/infra/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// fakeDirectory is an in-memory group.Directory.
type fakeDirectory struct {
	mu      sync.Mutex
	groups  map[int64]*group.Group
	rosters map[int64][]*group.Member
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		groups:  make(map[int64]*group.Group),
		rosters: make(map[int64][]*group.Member),
	}
}

func (d *fakeDirectory) addGroup(g *group.Group, members ...*group.Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[g.ID] = g
	d.rosters[g.ID] = append(d.rosters[g.ID], members...)
}

func (d *fakeDirectory) ListActiveGroups(ctx context.Context) ([]*group.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*group.Group, 0, len(d.groups))
	for _, g := range d.groups {
		if g.IsActive {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *fakeDirectory) GetGroup(ctx context.Context, id int64) (*group.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[id]
	if !ok {
		return nil, group.ErrGroupNotFound
	}
	return g, nil
}

func (d *fakeDirectory) ListRoster(ctx context.Context, groupID int64) ([]*group.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*group.Member(nil), d.rosters[groupID]...), nil
}

func (d *fakeDirectory) GetMemberByTelegramID(ctx context.Context, telegramID int64) (*group.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, roster := range d.rosters {
		for _, m := range roster {
			if m.TelegramID == telegramID {
				return m, nil
			}
		}
	}
	return nil, group.ErrMemberNotFound
}

func (d *fakeDirectory) AdminTelegramID(ctx context.Context, groupID int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[groupID]
	if !ok {
		return 0, group.ErrGroupNotFound
	}
	return g.AdminTelegramID, nil
}

// fakeCycleRepo records persisted state; err makes every call fail.
type fakeCycleRepo struct {
	mu        sync.Mutex
	err       error
	cycles    map[string]cycle.Cycle
	states    map[string]cycle.MemberState
	responses map[string]cycle.ResponseRecord
	history   []cycle.ResponseRecord
}

func newFakeCycleRepo() *fakeCycleRepo {
	return &fakeCycleRepo{
		cycles:    make(map[string]cycle.Cycle),
		states:    make(map[string]cycle.MemberState),
		responses: make(map[string]cycle.ResponseRecord),
	}
}

func stateKey(c fmt.Stringer, memberID int64) string {
	return fmt.Sprintf("%s/%d", c, memberID)
}

func (r *fakeCycleRepo) CreateCycle(ctx context.Context, c *cycle.Cycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.cycles[c.ID.String()] = *c
	return nil
}

func (r *fakeCycleRepo) UpdateCycleStatus(ctx context.Context, c *cycle.Cycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.cycles[c.ID.String()] = *c
	return nil
}

func (r *fakeCycleRepo) BulkSaveMemberStates(ctx context.Context, states []*cycle.MemberState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	for _, st := range states {
		r.states[stateKey(st.CycleID, st.MemberID)] = *st
	}
	return nil
}

func (r *fakeCycleRepo) SaveMemberState(ctx context.Context, st *cycle.MemberState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.states[stateKey(st.CycleID, st.MemberID)] = *st
	return nil
}

func (r *fakeCycleRepo) SaveCurrentResponse(ctx context.Context, rec *cycle.ResponseRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.responses[stateKey(rec.CycleID, rec.MemberID)] = *rec
	return nil
}

func (r *fakeCycleRepo) AppendHistory(ctx context.Context, rec *cycle.ResponseRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.history = append(r.history, *rec)
	return nil
}

func (r *fakeCycleRepo) historyLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}

type sentMessage struct {
	to   int64
	text string
}

// fakeTelegram records outgoing messages; recipients in failFor get an error.
type fakeTelegram struct {
	mu      sync.Mutex
	sent    []sentMessage
	failFor map[int64]bool
}

func newFakeTelegram() *fakeTelegram {
	return &fakeTelegram{failFor: make(map[int64]bool)}
}

func (f *fakeTelegram) SendMessage(recipientChatID int64, text string, options *telebot.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[recipientChatID] {
		return fmt.Errorf("telegram: bot was blocked by the user")
	}
	f.sent = append(f.sent, sentMessage{to: recipientChatID, text: text})
	return nil
}

func (f *fakeTelegram) messagesTo(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.to == id {
			out = append(out, m.text)
		}
	}
	return out
}

// fakeGenerator answers through fn and counts calls.
type fakeGenerator struct {
	calls atomic.Int32
	fn    func(ctx context.Context, prompt string) (string, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.calls.Add(1)
	return g.fn(ctx, prompt)
}

func acceptingJudge() *fakeGenerator {
	return &fakeGenerator{fn: func(ctx context.Context, prompt string) (string, error) {
		return "ACCEPTABLE: YES\nFEEDBACK:\nREASON: concrete tasks", nil
	}}
}

func rejectingJudge(feedback string) *fakeGenerator {
	return &fakeGenerator{fn: func(ctx context.Context, prompt string) (string, error) {
		return "ACCEPTABLE: NO\nFEEDBACK: " + feedback + "\nREASON: vague", nil
	}}
}

func failingGenerator() *fakeGenerator {
	return &fakeGenerator{fn: func(ctx context.Context, prompt string) (string, error) {
		return "", fmt.Errorf("backend down")
	}}
}

type armedTimeout struct {
	at        time.Time
	fn        func()
	cancelled bool
}

// fakeTimeouts keeps armed callbacks for the test to fire by hand.
type fakeTimeouts struct {
	mu    sync.Mutex
	armed []*armedTimeout
}

func (f *fakeTimeouts) ScheduleOnce(at time.Time, fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &armedTimeout{at: at, fn: fn}
	f.armed = append(f.armed, t)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		t.cancelled = true
	}
}

func (f *fakeTimeouts) last() *armedTimeout {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.armed) == 0 {
		return nil
	}
	return f.armed[len(f.armed)-1]
}

func (f *fakeTimeouts) isCancelled(t *armedTimeout) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return t.cancelled
}

func (f *fakeTimeouts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.armed)
}

// harness wires a CycleServiceImpl with fakes.
type harness struct {
	dir      *fakeDirectory
	repo     *fakeCycleRepo
	tg       *fakeTelegram
	judge    *fakeGenerator
	summ     *fakeGenerator
	timeouts *fakeTimeouts
	metrics  *metrics.Metrics
	svc      *CycleServiceImpl
}

const testAdminID int64 = 9000

func newHarness(judge, summarizer *fakeGenerator) *harness {
	h := &harness{
		dir:      newFakeDirectory(),
		repo:     newFakeCycleRepo(),
		tg:       newFakeTelegram(),
		judge:    judge,
		summ:     summarizer,
		timeouts: &fakeTimeouts{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	log := testLogger()
	gate := NewQualityGate(judge, h.metrics, log)
	composer := NewSummaryComposer(summarizer, h.dir, h.tg, h.metrics, log)
	h.svc = NewCycleService(CycleServiceDeps{
		Directory: h.dir,
		Repo:      h.repo,
		Telegram:  h.tg,
		Gate:      gate,
		Composer:  composer,
		Timeouts:  h.timeouts,
		Metrics:   h.metrics,
		Logger:    log,
		Window:    time.Hour,
	})
	return h
}

func testGroup(id int64) *group.Group {
	return &group.Group{
		ID:              id,
		Name:            fmt.Sprintf("Team %d", id),
		AdminTelegramID: testAdminID,
		IsActive:        true,
		Schedule: group.Schedule{
			Hour:     17,
			Minute:   30,
			Timezone: "UTC",
			Days:     []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		},
	}
}

func testMember(id int64, groupID int64, name string) *group.Member {
	return &group.Member{
		ID:            id,
		TelegramID:    1000 + id,
		GroupID:       groupID,
		FullName:      name,
		IsVerified:    true,
		IsActive:      true,
		IsGroupMember: true,
	}
}

// summaries returns the messages the admin received that look like a report.
func (h *harness) summaries() []string {
	var out []string
	for _, msg := range h.tg.messagesTo(testAdminID) {
		if strings.Contains(msg, "Сводка планов") {
			out = append(out, msg)
		}
	}
	return out
}

func (f *fakeTimeouts) cancelledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.armed {
		if t.cancelled {
			n++
		}
	}
	return n
}
