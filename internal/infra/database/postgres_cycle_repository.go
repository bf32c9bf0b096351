package database

import (
	"context"
	"database/sql"
	"fmt"

	"daily_standup_bot/internal/domain/cycle"

	"github.com/lib/pq" // For pq.Array
)

var ErrCycleNotFound = fmt.Errorf("daily cycle not found")

// PostgresCycleRepository implements cycle.Repository.
type PostgresCycleRepository struct {
	db *sql.DB
}

func NewPostgresCycleRepository(db *sql.DB) *PostgresCycleRepository {
	return &PostgresCycleRepository{db: db}
}

func (r *PostgresCycleRepository) CreateCycle(ctx context.Context, c *cycle.Cycle) error {
	query := `INSERT INTO daily_cycles (id, group_id, cycle_date, roster, started_at, deadline, status, resolution, resolved_at, dispatched_at)
               VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.GroupID, c.CycleDate, pq.Array(c.Roster), c.StartedAt, c.Deadline,
		string(c.Status), string(c.Resolution), c.ResolvedAt, c.DispatchedAt)
	if err != nil {
		return fmt.Errorf("error creating daily cycle: %w", err)
	}
	return nil
}

func (r *PostgresCycleRepository) UpdateCycleStatus(ctx context.Context, c *cycle.Cycle) error {
	query := `UPDATE daily_cycles
               SET status = $1, resolution = NULLIF($2, ''), resolved_at = $3, dispatched_at = $4
               WHERE id = $5`
	res, err := r.db.ExecContext(ctx, query, string(c.Status), string(c.Resolution), c.ResolvedAt, c.DispatchedAt, c.ID)
	if err != nil {
		return fmt.Errorf("error updating daily cycle status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading affected rows: %w", err)
	}
	if n == 0 {
		return ErrCycleNotFound
	}
	return nil
}

const upsertMemberStateQuery = `INSERT INTO member_cycle_states (cycle_id, member_id, responded_today, retry_count, edit_intent, updated_at)
               VALUES ($1, $2, $3, $4, $5, $6)
               ON CONFLICT (cycle_id, member_id) DO UPDATE
               SET responded_today = EXCLUDED.responded_today,
                   retry_count = EXCLUDED.retry_count,
                   edit_intent = EXCLUDED.edit_intent,
                   updated_at = EXCLUDED.updated_at`

// BulkSaveMemberStates writes the initial per-member states of a cycle in one transaction.
func (r *PostgresCycleRepository) BulkSaveMemberStates(ctx context.Context, states []*cycle.MemberState) error {
	if len(states) == 0 {
		return nil
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for bulk save: %w", err)
	}
	defer txn.Rollback() // Rollback if not committed

	stmt, err := txn.PrepareContext(ctx, upsertMemberStateQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare statement for bulk save: %w", err)
	}
	defer stmt.Close()

	for _, st := range states {
		_, err := stmt.ExecContext(ctx, st.CycleID, st.MemberID, st.RespondedToday, st.RetryCount, string(st.EditIntent), st.UpdatedAt)
		if err != nil {
			return fmt.Errorf("error executing statement for bulk save (member %d, cycle %s): %w", st.MemberID, st.CycleID, err)
		}
	}

	return txn.Commit()
}

func (r *PostgresCycleRepository) SaveMemberState(ctx context.Context, st *cycle.MemberState) error {
	_, err := r.db.ExecContext(ctx, upsertMemberStateQuery,
		st.CycleID, st.MemberID, st.RespondedToday, st.RetryCount, string(st.EditIntent), st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error saving member state: %w", err)
	}
	return nil
}

func (r *PostgresCycleRepository) SaveCurrentResponse(ctx context.Context, rec *cycle.ResponseRecord) error {
	query := `INSERT INTO cycle_responses (cycle_id, member_id, response, kind, submitted_at)
               VALUES ($1, $2, $3, $4, $5)
               ON CONFLICT (cycle_id, member_id) DO UPDATE
               SET response = EXCLUDED.response, kind = EXCLUDED.kind, submitted_at = EXCLUDED.submitted_at`
	_, err := r.db.ExecContext(ctx, query, rec.CycleID, rec.MemberID, rec.Text, string(rec.Kind), rec.SubmittedAt)
	if err != nil {
		return fmt.Errorf("error saving current response: %w", err)
	}
	return nil
}

func (r *PostgresCycleRepository) AppendHistory(ctx context.Context, rec *cycle.ResponseRecord) error {
	query := `INSERT INTO response_history (cycle_id, member_id, response, accepted, kind, submitted_at)
               VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, rec.CycleID, rec.MemberID, rec.Text, rec.Accepted, string(rec.Kind), rec.SubmittedAt)
	if err != nil {
		return fmt.Errorf("error appending response history: %w", err)
	}
	return nil
}
