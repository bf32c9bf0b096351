package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"daily_standup_bot/internal/domain/group"
)

const groupColumns = `id, name, admin_telegram_id, is_active, schedule_hour, schedule_minute, timezone, days_of_week,
               COALESCE(activation_token, ''), created_at, updated_at`

const memberColumns = `id, telegram_id, group_id, COALESCE(username, ''), COALESCE(full_name, ''),
               is_verified, is_active, is_group_member, created_at, updated_at`

// PostgresGroupRepository implements group.Directory.
type PostgresGroupRepository struct {
	db *sql.DB
}

func NewPostgresGroupRepository(db *sql.DB) *PostgresGroupRepository {
	return &PostgresGroupRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGroup(row rowScanner) (*group.Group, error) {
	g := &group.Group{}
	var days string
	err := row.Scan(&g.ID, &g.Name, &g.AdminTelegramID, &g.IsActive,
		&g.Schedule.Hour, &g.Schedule.Minute, &g.Schedule.Timezone, &days,
		&g.ActivationToken, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	g.Schedule.Days = group.ParseDays(days)
	return g, nil
}

func scanMember(row rowScanner) (*group.Member, error) {
	m := &group.Member{}
	var groupID sql.NullInt64
	err := row.Scan(&m.ID, &m.TelegramID, &groupID, &m.Username, &m.FullName,
		&m.IsVerified, &m.IsActive, &m.IsGroupMember, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.GroupID = groupID.Int64
	return m, nil
}

func (r *PostgresGroupRepository) ListActiveGroups(ctx context.Context) ([]*group.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups WHERE is_active = TRUE ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying active groups: %w", err)
	}
	defer rows.Close()

	groups := make([]*group.Group, 0)
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning group row: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group rows: %w", err)
	}
	return groups, nil
}

func (r *PostgresGroupRepository) GetGroup(ctx context.Context, id int64) (*group.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups WHERE id = $1`
	g, err := scanGroup(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, group.ErrGroupNotFound
		}
		return nil, fmt.Errorf("error getting group by ID: %w", err)
	}
	return g, nil
}

// ListRoster returns members eligible for a cycle, ordered by display name.
func (r *PostgresGroupRepository) ListRoster(ctx context.Context, groupID int64) ([]*group.Member, error) {
	query := `SELECT ` + memberColumns + `
               FROM members
               WHERE group_id = $1 AND is_active = TRUE AND is_verified = TRUE AND is_group_member = TRUE
               ORDER BY COALESCE(NULLIF(full_name, ''), username, telegram_id::text)`
	rows, err := r.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("error querying roster: %w", err)
	}
	defer rows.Close()

	members := make([]*group.Member, 0)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning member row: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating member rows: %w", err)
	}
	return members, nil
}

func (r *PostgresGroupRepository) GetMemberByTelegramID(ctx context.Context, telegramID int64) (*group.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE telegram_id = $1`
	m, err := scanMember(r.db.QueryRowContext(ctx, query, telegramID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, group.ErrMemberNotFound
		}
		return nil, fmt.Errorf("error getting member by Telegram ID: %w", err)
	}
	return m, nil
}

// AdminTelegramID reads the current administrator, which may have changed since the cycle started.
func (r *PostgresGroupRepository) AdminTelegramID(ctx context.Context, groupID int64) (int64, error) {
	var adminID int64
	err := r.db.QueryRowContext(ctx, `SELECT admin_telegram_id FROM groups WHERE id = $1`, groupID).Scan(&adminID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, group.ErrGroupNotFound
		}
		return 0, fmt.Errorf("error getting group administrator: %w", err)
	}
	return adminID, nil
}

// ActivateMember implements group.Registrar. The member row is created or re-attached in one transaction.
func (r *PostgresGroupRepository) ActivateMember(ctx context.Context, token string, p group.Profile) (*group.Group, *group.Member, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil, group.ErrInvalidActivationToken
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction for activation: %w", err)
	}
	defer txn.Rollback() // Rollback if not committed

	g, err := scanGroup(txn.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM groups WHERE activation_token = $1 AND is_active = TRUE`, token))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, group.ErrInvalidActivationToken
		}
		return nil, nil, fmt.Errorf("error getting group by activation token: %w", err)
	}

	existing, err := scanMember(txn.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE telegram_id = $1 FOR UPDATE`, p.TelegramID))
	switch {
	case err == nil && existing.IsVerified:
		return g, existing, group.ErrAlreadyActivated
	case err != nil && err != sql.ErrNoRows:
		return nil, nil, fmt.Errorf("error getting member by Telegram ID: %w", err)
	}

	query := `INSERT INTO members (telegram_id, group_id, username, full_name, is_verified, is_active, is_group_member)
               VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), TRUE, TRUE, TRUE)
               ON CONFLICT (telegram_id) DO UPDATE
               SET group_id = EXCLUDED.group_id,
                   username = COALESCE(EXCLUDED.username, members.username),
                   full_name = COALESCE(EXCLUDED.full_name, members.full_name),
                   is_verified = TRUE,
                   is_active = TRUE,
                   updated_at = NOW()
               RETURNING ` + memberColumns
	m, err := scanMember(txn.QueryRowContext(ctx, query, p.TelegramID, g.ID, p.Username, p.FullName))
	if err != nil {
		return nil, nil, fmt.Errorf("error activating member: %w", err)
	}

	if err := txn.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit activation: %w", err)
	}
	return g, m, nil
}
