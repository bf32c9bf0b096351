package cycle

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Cycle is one group's collection window for one calendar day.
// Corresponds to the 'daily_cycles' table.
type Cycle struct {
	ID           uuid.UUID
	GroupID      int64
	CycleDate    time.Time // Date in the group's timezone
	Roster       []int64   // Member IDs snapshotted at start, never changed afterwards
	StartedAt    time.Time
	Deadline     time.Time
	Status       Status
	Resolution   ResolutionKind
	ResolvedAt   sql.NullTime
	DispatchedAt sql.NullTime
}

// MemberState holds the per-cycle transient flags of a roster member.
// Corresponds to the 'member_cycle_states' table.
type MemberState struct {
	CycleID        uuid.UUID
	MemberID       int64
	RespondedToday bool
	RetryCount     int // 0..MaxQualityRetries
	EditIntent     EditIntent
	UpdatedAt      time.Time
}

// ResponseRecord is a member's submission. The current accepted record per member is
// kept in 'cycle_responses'; every raw submission also lands in 'response_history'.
type ResponseRecord struct {
	CycleID     uuid.UUID
	MemberID    int64
	Text        string
	Accepted    bool
	Kind        SubmissionKind
	SubmittedAt time.Time
}
