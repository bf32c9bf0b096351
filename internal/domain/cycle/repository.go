package cycle

import (
	"context"
)

// Repository persists cycle state for audit and inspection.
type Repository interface {
	CreateCycle(ctx context.Context, c *Cycle) error
	UpdateCycleStatus(ctx context.Context, c *Cycle) error
	BulkSaveMemberStates(ctx context.Context, states []*MemberState) error // For initializing a cycle
	SaveMemberState(ctx context.Context, st *MemberState) error
	// SaveCurrentResponse replaces the member's current record for the cycle.
	SaveCurrentResponse(ctx context.Context, r *ResponseRecord) error
	AppendHistory(ctx context.Context, r *ResponseRecord) error
}
