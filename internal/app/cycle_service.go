package app

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"daily_standup_bot/internal/domain/cycle"
	"daily_standup_bot/internal/domain/group"
	domainTelegram "daily_standup_bot/internal/domain/telegram"
	"daily_standup_bot/internal/infra/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCollectionWindow = time.Hour
	defaultDispatchTimeout  = 5 * time.Minute
	defaultStoreTimeout     = 10 * time.Second
	promptConcurrency       = 8
)

const (
	DailyQuestion  = "🌅 Поздравляю с успешным завершением рабочего дня! Мне нужно знать, какие задачи сегодня получилось решить и какой план на завтра. Какие сложности возникли?"
	reminderBanner = "🔄 Повторное напоминание от администратора!\n\n"
	reminderFooter = "\n\n📝 Пожалуйста, отправьте ваш отчет."
)

var ErrNoActiveCycle = fmt.Errorf("no open collection window")
var ErrNotInRoster = fmt.Errorf("member is not on the roster of the current cycle")
var ErrNothingToEdit = fmt.Errorf("member has no accepted response in the current cycle")

// TimeoutScheduler arms one-shot callbacks on the shared scheduler.
// Cancellation is best effort: fn may still run after cancel returns.
type TimeoutScheduler interface {
	ScheduleOnce(at time.Time, fn func()) (cancel func())
}

// CycleService drives the per-group daily collection cycle.
type CycleService interface {
	// Start opens today's cycle for the group, snapshotting its roster.
	Start(ctx context.Context, g *group.Group) error
	// OnResponse ingests a member's message. The outcome carries the reply for the member.
	OnResponse(ctx context.Context, telegramID int64, text string) (ResponseOutcome, error)
	// OnEditRequest arms replacement of the member's accepted response.
	OnEditRequest(ctx context.Context, telegramID int64) (string, error)
	// OnTimeout closes the cycle if it is still collecting.
	OnTimeout(groupID int64, cycleID uuid.UUID)
	// RemindPending re-sends the prompt to roster members who have not responded yet.
	RemindPending(ctx context.Context, groupID int64) (sent int, total int, err error)
	Snapshot(groupID int64) (*CycleSnapshot, bool)
	// Wait blocks until in-flight summary dispatches finish.
	Wait()
}

// OutcomeKind classifies what happened to a submission.
type OutcomeKind string

const (
	OutcomeAccepted      OutcomeKind = "accepted"
	OutcomeForceAccepted OutcomeKind = "force_accepted"
	OutcomeRejected      OutcomeKind = "rejected"
	OutcomeDuplicate     OutcomeKind = "already_recorded"
	OutcomeReplaced      OutcomeKind = "replaced"
)

type ResponseOutcome struct {
	Kind     OutcomeKind
	Reply    string
	Feedback string
	// Resolved is set when this submission completed the roster.
	Resolved bool
}

// CycleSnapshot is a read-only view of a group's latest cycle.
type CycleSnapshot struct {
	CycleID    uuid.UUID
	GroupID    int64
	GroupName  string
	Status     cycle.Status
	Resolution cycle.ResolutionKind
	StartedAt  time.Time
	Deadline   time.Time
	RosterSize int
	Responded  int
	Pending    []string
}

// activeCycle is the in-memory state of one cycle. All mutable fields are guarded by mu.
// roster, members and byTelegram are fixed at construction.
type activeCycle struct {
	mu            sync.Mutex
	cycle         *cycle.Cycle
	group         *group.Group
	roster        []*group.Member
	members       map[int64]*group.Member // by member ID
	byTelegram    map[int64]*group.Member
	states        map[int64]*cycle.MemberState
	records       map[int64]*cycle.ResponseRecord
	cancelTimeout func()
}

func newActiveCycle(c *cycle.Cycle, g *group.Group, roster []*group.Member) *activeCycle {
	ac := &activeCycle{
		cycle:      c,
		group:      g,
		roster:     roster,
		members:    make(map[int64]*group.Member, len(roster)),
		byTelegram: make(map[int64]*group.Member, len(roster)),
		states:     make(map[int64]*cycle.MemberState, len(roster)),
		records:    make(map[int64]*cycle.ResponseRecord, len(roster)),
	}
	for _, m := range roster {
		ac.members[m.ID] = m
		ac.byTelegram[m.TelegramID] = m
		ac.states[m.ID] = &cycle.MemberState{
			CycleID:    c.ID,
			MemberID:   m.ID,
			EditIntent: cycle.EditIntentNone,
			UpdatedAt:  c.StartedAt,
		}
	}
	return ac
}

// CycleServiceDeps are the collaborators of CycleServiceImpl, built once at process start.
type CycleServiceDeps struct {
	Directory group.Directory
	Repo      cycle.Repository
	Telegram  domainTelegram.Client
	Gate      *QualityGate
	Composer  *SummaryComposer
	Timeouts  TimeoutScheduler
	Metrics   *metrics.Metrics
	Logger    *logrus.Entry
	Window    time.Duration // Deadline offset from start; DefaultCollectionWindow when zero
}

// CycleServiceImpl implements CycleService. Cycles of different groups share nothing but the maps below.
type CycleServiceImpl struct {
	directory       group.Directory
	repo            cycle.Repository
	telegram        domainTelegram.Client
	gate            *QualityGate
	composer        *SummaryComposer
	timeouts        TimeoutScheduler
	metrics         *metrics.Metrics
	logger          *logrus.Entry
	window          time.Duration
	dispatchTimeout time.Duration
	now             func() time.Time

	mu          sync.RWMutex
	cycles      map[int64]*activeCycle // group ID -> latest cycle
	memberIndex map[int64]int64        // telegram ID -> group ID of an open cycle
	starting    map[int64]*sync.Mutex  // group ID -> serializes Start; taken before mu

	dispatches sync.WaitGroup
}

func NewCycleService(deps CycleServiceDeps) *CycleServiceImpl {
	window := deps.Window
	if window <= 0 {
		window = DefaultCollectionWindow
	}
	return &CycleServiceImpl{
		directory:       deps.Directory,
		repo:            deps.Repo,
		telegram:        deps.Telegram,
		gate:            deps.Gate,
		composer:        deps.Composer,
		timeouts:        deps.Timeouts,
		metrics:         deps.Metrics,
		logger:          deps.Logger,
		window:          window,
		dispatchTimeout: defaultDispatchTimeout,
		now:             time.Now,
		cycles:          make(map[int64]*activeCycle),
		memberIndex:     make(map[int64]int64),
		starting:        make(map[int64]*sync.Mutex),
	}
}

func (s *CycleServiceImpl) startLock(groupID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.starting[groupID]
	if !ok {
		l = &sync.Mutex{}
		s.starting[groupID] = l
	}
	return l
}

// Start opens a new cycle for g. A previous cycle of the group that is still open is timed out first.
// Starts of the same group are serialized, so at most one of its cycles is open at a time.
func (s *CycleServiceImpl) Start(ctx context.Context, g *group.Group) error {
	logCtx := s.logger.WithFields(logrus.Fields{"group_id": g.ID, "group_name": g.Name})

	lock := s.startLock(g.ID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	prev := s.cycles[g.ID]
	s.mu.RUnlock()
	if prev != nil {
		s.expire(prev)
	}

	members, err := s.directory.ListRoster(ctx, g.ID)
	if err != nil {
		logCtx.WithError(err).Error("Failed to load roster, cycle not started")
		return fmt.Errorf("failed to load roster for group %d: %w", g.ID, err)
	}
	roster := make([]*group.Member, 0, len(members))
	for _, m := range members {
		if m.Eligible() {
			roster = append(roster, m)
		}
	}

	now := s.now()
	local := now
	if loc, err := g.Schedule.Location(); err == nil {
		local = now.In(loc)
	}
	rosterIDs := make([]int64, 0, len(roster))
	for _, m := range roster {
		rosterIDs = append(rosterIDs, m.ID)
	}
	c := &cycle.Cycle{
		ID:        uuid.New(),
		GroupID:   g.ID,
		CycleDate: time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location()),
		Roster:    rosterIDs,
		StartedAt: now,
		Deadline:  now.Add(s.window),
		Status:    cycle.StatusAnnounced,
	}
	logCtx = logCtx.WithField("cycle_id", c.ID)
	s.metrics.CycleStarted()
	ac := newActiveCycle(c, g, roster)

	if len(roster) == 0 {
		c.Status = cycle.StatusResolved
		c.Resolution = cycle.ResolutionEmpty
		c.ResolvedAt = sql.NullTime{Time: now, Valid: true}
		s.store(ctx, logCtx, "create cycle", func(ctx context.Context) error { return s.repo.CreateCycle(ctx, c) })
		s.mu.Lock()
		s.cycles[g.ID] = ac
		s.mu.Unlock()
		s.metrics.CycleResolved(string(cycle.ResolutionEmpty))
		logCtx.Info("No eligible members, cycle resolved as empty")
		return nil
	}

	s.store(ctx, logCtx, "create cycle", func(ctx context.Context) error { return s.repo.CreateCycle(ctx, c) })
	states := make([]*cycle.MemberState, 0, len(roster))
	for _, m := range roster {
		st := *ac.states[m.ID]
		states = append(states, &st)
	}
	s.store(ctx, logCtx, "reset member states", func(ctx context.Context) error { return s.repo.BulkSaveMemberStates(ctx, states) })

	s.mu.Lock()
	s.cycles[g.ID] = ac
	for _, m := range roster {
		s.memberIndex[m.TelegramID] = g.ID
	}
	s.mu.Unlock()

	ac.mu.Lock()
	ac.cycle.Status = cycle.StatusCollecting
	ac.cancelTimeout = s.timeouts.ScheduleOnce(c.Deadline, func() { s.OnTimeout(g.ID, c.ID) })
	snapshot := *ac.cycle
	ac.mu.Unlock()
	s.store(ctx, logCtx, "update cycle status", func(ctx context.Context) error { return s.repo.UpdateCycleStatus(ctx, &snapshot) })

	sent := s.sendPrompts(ctx, g, roster, DailyQuestion)
	logCtx.WithFields(logrus.Fields{
		"sent":     sent,
		"roster":   len(roster),
		"deadline": c.Deadline.Format(time.RFC3339),
	}).Info("Daily cycle started")
	return nil
}

// OnResponse applies the submission rules of the open cycle the member belongs to.
func (s *CycleServiceImpl) OnResponse(ctx context.Context, telegramID int64, text string) (ResponseOutcome, error) {
	ac, member, err := s.lookup(ctx, telegramID)
	if err != nil {
		return ResponseOutcome{}, err
	}
	logCtx := s.logger.WithFields(logrus.Fields{
		"group_id":  ac.group.ID,
		"cycle_id":  ac.cycle.ID,
		"member_id": member.ID,
	})

	ac.mu.Lock()
	if !ac.cycle.Status.Open() {
		ac.mu.Unlock()
		return ResponseOutcome{}, ErrNoActiveCycle
	}
	st := ac.states[member.ID]
	if st.EditIntent == cycle.EditIntentReplace {
		return s.replaceLocked(ctx, logCtx, ac, member, text)
	}
	if st.RespondedToday {
		return s.duplicateLocked(ctx, logCtx, ac, member, text)
	}
	retryCount := st.RetryCount
	ac.mu.Unlock()

	// The judge may take seconds; the cycle stays unlocked meanwhile and the state is re-checked below.
	verdict := s.gate.Evaluate(ctx, text, retryCount)

	ac.mu.Lock()
	if !ac.cycle.Status.Open() {
		ac.mu.Unlock()
		logCtx.Info("Cycle resolved while the response was being evaluated, response ignored")
		return ResponseOutcome{}, ErrNoActiveCycle
	}
	if st.RespondedToday {
		return s.duplicateLocked(ctx, logCtx, ac, member, text)
	}

	now := s.now()
	if !verdict.Accept {
		if st.RetryCount < MaxQualityRetries {
			st.RetryCount++
		}
		st.UpdatedAt = now
		remaining := MaxQualityRetries - st.RetryCount
		stCopy := *st
		ac.mu.Unlock()

		rec := &cycle.ResponseRecord{CycleID: ac.cycle.ID, MemberID: member.ID, Text: text, Accepted: false, Kind: cycle.SubmissionAnswer, SubmittedAt: now}
		s.store(ctx, logCtx, "append history", func(ctx context.Context) error { return s.repo.AppendHistory(ctx, rec) })
		s.store(ctx, logCtx, "save member state", func(ctx context.Context) error { return s.repo.SaveMemberState(ctx, &stCopy) })
		s.metrics.ResponseHandled(string(OutcomeRejected))
		logCtx.WithFields(logrus.Fields{"reason": verdict.Reason, "retry_count": stCopy.RetryCount}).Info("Response rejected by quality gate")
		return ResponseOutcome{Kind: OutcomeRejected, Feedback: verdict.Feedback, Reply: rejectionReply(verdict.Feedback, remaining)}, nil
	}

	rec := &cycle.ResponseRecord{CycleID: ac.cycle.ID, MemberID: member.ID, Text: text, Accepted: true, Kind: cycle.SubmissionAnswer, SubmittedAt: now}
	ac.records[member.ID] = rec
	hadRetries := st.RetryCount > 0
	st.RespondedToday = true
	st.RetryCount = 0
	st.UpdatedAt = now
	stCopy := *st
	won := s.resolveIfCompleteLocked(ac)
	ac.mu.Unlock()

	s.store(ctx, logCtx, "save response", func(ctx context.Context) error { return s.repo.SaveCurrentResponse(ctx, rec) })
	s.store(ctx, logCtx, "append history", func(ctx context.Context) error { return s.repo.AppendHistory(ctx, rec) })
	s.store(ctx, logCtx, "save member state", func(ctx context.Context) error { return s.repo.SaveMemberState(ctx, &stCopy) })
	if won {
		s.afterResolution(ac)
	}

	kind := OutcomeAccepted
	if verdict.Forced {
		kind = OutcomeForceAccepted
	}
	s.metrics.ResponseHandled(string(kind))
	logCtx.WithField("forced", verdict.Forced).Info("Response accepted")
	return ResponseOutcome{Kind: kind, Reply: acceptanceReply(member.DisplayName(), hadRetries), Resolved: won}, nil
}

// replaceLocked swaps the member's record without consulting the quality gate. Called with ac.mu held; unlocks it.
func (s *CycleServiceImpl) replaceLocked(ctx context.Context, logCtx *logrus.Entry, ac *activeCycle, member *group.Member, text string) (ResponseOutcome, error) {
	now := s.now()
	st := ac.states[member.ID]
	previous := ac.records[member.ID]
	rec := &cycle.ResponseRecord{CycleID: ac.cycle.ID, MemberID: member.ID, Text: text, Accepted: true, Kind: cycle.SubmissionEdit, SubmittedAt: now}
	ac.records[member.ID] = rec
	st.EditIntent = cycle.EditIntentNone
	st.RespondedToday = true
	st.RetryCount = 0
	st.UpdatedAt = now
	stCopy := *st
	won := s.resolveIfCompleteLocked(ac)
	ac.mu.Unlock()

	s.store(ctx, logCtx, "save response", func(ctx context.Context) error { return s.repo.SaveCurrentResponse(ctx, rec) })
	s.store(ctx, logCtx, "append history", func(ctx context.Context) error { return s.repo.AppendHistory(ctx, rec) })
	s.store(ctx, logCtx, "save member state", func(ctx context.Context) error { return s.repo.SaveMemberState(ctx, &stCopy) })
	if won {
		s.afterResolution(ac)
	}

	oldPreview := ""
	if previous != nil {
		oldPreview = truncate(previous.Text, 50)
	}
	s.metrics.ResponseHandled(string(OutcomeReplaced))
	logCtx.WithFields(logrus.Fields{"old": oldPreview, "new": truncate(text, 50)}).Info("Response replaced")
	return ResponseOutcome{Kind: OutcomeReplaced, Reply: replacementReply(member.DisplayName()), Resolved: won}, nil
}

// duplicateLocked answers a member who already has an accepted response. Called with ac.mu held; unlocks it.
func (s *CycleServiceImpl) duplicateLocked(ctx context.Context, logCtx *logrus.Entry, ac *activeCycle, member *group.Member, text string) (ResponseOutcome, error) {
	now := s.now()
	st := ac.states[member.ID]
	if st.RetryCount < MaxQualityRetries {
		st.RetryCount++
	}
	st.UpdatedAt = now
	stCopy := *st
	ac.mu.Unlock()

	rec := &cycle.ResponseRecord{CycleID: ac.cycle.ID, MemberID: member.ID, Text: text, Accepted: false, Kind: cycle.SubmissionDuplicate, SubmittedAt: now}
	s.store(ctx, logCtx, "append history", func(ctx context.Context) error { return s.repo.AppendHistory(ctx, rec) })
	s.store(ctx, logCtx, "save member state", func(ctx context.Context) error { return s.repo.SaveMemberState(ctx, &stCopy) })
	s.metrics.ResponseHandled(string(OutcomeDuplicate))
	logCtx.Debug("Member already responded, submission not recorded")
	return ResponseOutcome{Kind: OutcomeDuplicate, Reply: duplicateReply(member.DisplayName())}, nil
}

// OnEditRequest sets the member's edit intent if they have an accepted response in the open cycle.
func (s *CycleServiceImpl) OnEditRequest(ctx context.Context, telegramID int64) (string, error) {
	ac, member, err := s.lookup(ctx, telegramID)
	if err != nil {
		return "", err
	}
	logCtx := s.logger.WithFields(logrus.Fields{
		"group_id":  ac.group.ID,
		"cycle_id":  ac.cycle.ID,
		"member_id": member.ID,
	})

	ac.mu.Lock()
	if !ac.cycle.Status.Open() {
		ac.mu.Unlock()
		return "", ErrNoActiveCycle
	}
	st := ac.states[member.ID]
	rec := ac.records[member.ID]
	if !st.RespondedToday || rec == nil || !rec.Accepted {
		ac.mu.Unlock()
		return "", ErrNothingToEdit
	}
	st.EditIntent = cycle.EditIntentReplace
	st.UpdatedAt = s.now()
	stCopy := *st
	current := rec.Text
	ac.mu.Unlock()

	s.store(ctx, logCtx, "save member state", func(ctx context.Context) error { return s.repo.SaveMemberState(ctx, &stCopy) })
	logCtx.Info("Member requested to edit the response")
	return editPromptReply(current), nil
}

// OnTimeout resolves the cycle as timed out unless it was already resolved or replaced.
func (s *CycleServiceImpl) OnTimeout(groupID int64, cycleID uuid.UUID) {
	logCtx := s.logger.WithFields(logrus.Fields{"group_id": groupID, "cycle_id": cycleID})

	s.mu.RLock()
	ac := s.cycles[groupID]
	s.mu.RUnlock()
	if ac == nil || ac.cycle.ID != cycleID {
		logCtx.Debug("Timeout for a cycle that is no longer current, ignoring")
		return
	}

	ac.mu.Lock()
	won := s.resolveLocked(ac, cycle.ResolutionTimedOut)
	ac.mu.Unlock()
	if !won {
		logCtx.Debug("Timeout fired after the cycle was resolved, ignoring")
		return
	}
	s.afterResolution(ac)
}

// expire closes a cycle that is being superseded by a new start.
func (s *CycleServiceImpl) expire(ac *activeCycle) {
	ac.mu.Lock()
	won := s.resolveLocked(ac, cycle.ResolutionTimedOut)
	ac.mu.Unlock()
	if won {
		s.logger.WithFields(logrus.Fields{"group_id": ac.group.ID, "cycle_id": ac.cycle.ID}).
			Warn("Previous cycle was still open at the next start, timed out")
		s.afterResolution(ac)
	}
}

// resolveLocked is the single guarded transition out of the collecting states.
// It reports whether this call performed the transition.
func (s *CycleServiceImpl) resolveLocked(ac *activeCycle, kind cycle.ResolutionKind) bool {
	if !ac.cycle.Status.Open() {
		return false
	}
	ac.cycle.Status = cycle.StatusResolved
	ac.cycle.Resolution = kind
	ac.cycle.ResolvedAt = sql.NullTime{Time: s.now(), Valid: true}
	return true
}

func (s *CycleServiceImpl) resolveIfCompleteLocked(ac *activeCycle) bool {
	for _, m := range ac.roster {
		if !ac.states[m.ID].RespondedToday {
			return false
		}
	}
	return s.resolveLocked(ac, cycle.ResolutionEarlyComplete)
}

// afterResolution runs once per cycle, by whichever caller won resolveLocked.
func (s *CycleServiceImpl) afterResolution(ac *activeCycle) {
	ac.mu.Lock()
	cancel := ac.cancelTimeout
	ac.cancelTimeout = nil
	snapshot := *ac.cycle
	records := make(map[int64]*cycle.ResponseRecord, len(ac.records))
	for id, rec := range ac.records {
		recCopy := *rec
		records[id] = &recCopy
	}
	ac.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	if s.cycles[ac.group.ID] == ac {
		for _, m := range ac.roster {
			if s.memberIndex[m.TelegramID] == ac.group.ID {
				delete(s.memberIndex, m.TelegramID)
			}
		}
	}
	s.mu.Unlock()

	logCtx := s.logger.WithFields(logrus.Fields{
		"group_id":   ac.group.ID,
		"cycle_id":   snapshot.ID,
		"resolution": snapshot.Resolution,
		"responded":  len(records),
		"roster":     len(ac.roster),
	})
	s.metrics.CycleResolved(string(snapshot.Resolution))
	s.store(context.Background(), logCtx, "update cycle status", func(ctx context.Context) error { return s.repo.UpdateCycleStatus(ctx, &snapshot) })
	logCtx.Info("Cycle resolved, dispatching summary")

	s.dispatches.Add(1)
	go func() {
		defer s.dispatches.Done()
		s.dispatch(logCtx, ac, records)
	}()
}

func (s *CycleServiceImpl) dispatch(logCtx *logrus.Entry, ac *activeCycle, records map[int64]*cycle.ResponseRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.dispatchTimeout)
	defer cancel()

	if err := s.composer.Dispatch(ctx, ac.group, ac.cycle.CycleDate, ac.roster, records); err != nil {
		logCtx.WithError(err).Error("Summary dispatch failed")
	}

	ac.mu.Lock()
	ac.cycle.Status = cycle.StatusDispatched
	ac.cycle.DispatchedAt = sql.NullTime{Time: s.now(), Valid: true}
	snapshot := *ac.cycle
	ac.mu.Unlock()
	s.store(ctx, logCtx, "update cycle status", func(ctx context.Context) error { return s.repo.UpdateCycleStatus(ctx, &snapshot) })
}

// RemindPending re-prompts roster members of the group's open cycle who have not responded.
func (s *CycleServiceImpl) RemindPending(ctx context.Context, groupID int64) (int, int, error) {
	s.mu.RLock()
	ac := s.cycles[groupID]
	s.mu.RUnlock()
	if ac == nil {
		return 0, 0, ErrNoActiveCycle
	}

	ac.mu.Lock()
	if !ac.cycle.Status.Open() {
		ac.mu.Unlock()
		return 0, 0, ErrNoActiveCycle
	}
	pending := make([]*group.Member, 0, len(ac.roster))
	for _, m := range ac.roster {
		if !ac.states[m.ID].RespondedToday {
			pending = append(pending, m)
		}
	}
	ac.mu.Unlock()

	sent := s.sendPrompts(ctx, ac.group, pending, reminderBanner+DailyQuestion+reminderFooter)
	s.logger.WithFields(logrus.Fields{"group_id": groupID, "sent": sent, "pending": len(pending)}).Info("Reminder sent to pending members")
	return sent, len(pending), nil
}

// Snapshot returns the state of the group's latest cycle.
func (s *CycleServiceImpl) Snapshot(groupID int64) (*CycleSnapshot, bool) {
	s.mu.RLock()
	ac := s.cycles[groupID]
	s.mu.RUnlock()
	if ac == nil {
		return nil, false
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()
	snap := &CycleSnapshot{
		CycleID:    ac.cycle.ID,
		GroupID:    ac.group.ID,
		GroupName:  ac.group.Name,
		Status:     ac.cycle.Status,
		Resolution: ac.cycle.Resolution,
		StartedAt:  ac.cycle.StartedAt,
		Deadline:   ac.cycle.Deadline,
		RosterSize: len(ac.roster),
	}
	for _, m := range ac.roster {
		if ac.states[m.ID].RespondedToday {
			snap.Responded++
		} else {
			snap.Pending = append(snap.Pending, m.DisplayName())
		}
	}
	return snap, true
}

func (s *CycleServiceImpl) Wait() {
	s.dispatches.Wait()
}

// lookup finds the open cycle whose roster holds the sender. Members who joined their group
// after its cycle started get ErrNotInRoster.
func (s *CycleServiceImpl) lookup(ctx context.Context, telegramID int64) (*activeCycle, *group.Member, error) {
	s.mu.RLock()
	groupID, ok := s.memberIndex[telegramID]
	ac := s.cycles[groupID]
	s.mu.RUnlock()
	if ok && ac != nil {
		if member, ok := ac.byTelegram[telegramID]; ok {
			return ac, member, nil
		}
	}

	member, err := s.directory.GetMemberByTelegramID(ctx, telegramID)
	if err != nil || member.GroupID == 0 {
		return nil, nil, ErrNoActiveCycle
	}
	s.mu.RLock()
	ac = s.cycles[member.GroupID]
	s.mu.RUnlock()
	if ac == nil {
		return nil, nil, ErrNoActiveCycle
	}
	ac.mu.Lock()
	open := ac.cycle.Status.Open()
	ac.mu.Unlock()
	if open {
		return nil, nil, ErrNotInRoster
	}
	return nil, nil, ErrNoActiveCycle
}

// sendPrompts delivers text to every member independently. A failed delivery is logged and skipped.
func (s *CycleServiceImpl) sendPrompts(ctx context.Context, g *group.Group, members []*group.Member, text string) int {
	var (
		wg   sync.WaitGroup
		sent atomic.Int64
	)
	sem := make(chan struct{}, promptConcurrency)
	for _, m := range members {
		if ctx.Err() != nil {
			s.logger.WithError(ctx.Err()).WithField("group_id", g.ID).Warn("Prompt fan-out interrupted")
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(m *group.Member) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.telegram.SendMessage(m.TelegramID, text, nil); err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"group_id":    g.ID,
					"member_id":   m.ID,
					"telegram_id": m.TelegramID,
				}).Error("Failed to send daily prompt")
				s.metrics.PromptDelivered(false)
				return
			}
			sent.Add(1)
			s.metrics.PromptDelivered(true)
		}(m)
	}
	wg.Wait()
	return int(sent.Load())
}

// store runs a persistence call with its own deadline. Failures are logged: the in-memory cycle stays authoritative.
func (s *CycleServiceImpl) store(ctx context.Context, logCtx *logrus.Entry, what string, fn func(ctx context.Context) error) {
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	storeCtx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()
	if err := fn(storeCtx); err != nil {
		logCtx.WithError(err).Errorf("Failed to %s", what)
	}
}

func rejectionReply(feedback string, remaining int) string {
	reply := fmt.Sprintf("🤔 %s\n\n", feedback)
	if remaining > 0 {
		reply += "💡 Попробуйте указать конкретные задачи, проекты или цели.\n\n"
		reply += fmt.Sprintf("⏳ Осталось попыток: %d", remaining)
	} else {
		reply += "✅ Следующий ответ будет принят в любом случае."
	}
	return reply
}

func acceptanceReply(name string, afterRetries bool) string {
	reply := fmt.Sprintf("✅ Спасибо, %s! Ваш план принят.\n\n", name)
	if afterRetries {
		reply = fmt.Sprintf("✅ Отлично, %s! Теперь ваш план принят и понятен.\n\n", name)
	}
	return reply + "📝 Когда все участники команды ответят, администратор получит общую сводку планов."
}

func duplicateReply(name string) string {
	return fmt.Sprintf("✅ %s, вы уже предоставили план на сегодня!\n\n"+
		"📝 Ваш ответ уже учтен в сводке команды.\n"+
		"🔄 Для изменения плана используйте команду /change", name)
}

func replacementReply(name string) string {
	return fmt.Sprintf("✅ %s, ваш план успешно изменен!\n\n"+
		"📝 Новый план сохранен и будет включен в сводку команды.", name)
}

func editPromptReply(current string) string {
	return fmt.Sprintf("🔄 Редактирование плана на сегодня\n\n"+
		"📝 Ваш текущий план:\n%s\n\n"+
		"✏️ Отправьте новый план для замены.\n"+
		"Следующее сообщение заменит ваш текущий план на сегодня.", truncate(current, 200))
}
