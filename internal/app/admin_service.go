package app

import (
	"context"
	"fmt"
	"time"

	"daily_standup_bot/internal/domain/group"
)

var ErrAdminNotAuthorized = fmt.Errorf("performing user is not authorized as an admin")
var ErrNoActivationToken = fmt.Errorf("group has no activation token")

// ScheduledJob describes one registered group trigger.
type ScheduledJob struct {
	GroupID   int64
	GroupName string
	Spec      string
	Next      time.Time // Zero until the engine is running
}

// ScheduleRegistry is the admin view of the group schedule registry.
type ScheduleRegistry interface {
	RebuildFromDirectory(ctx context.Context) (int, error)
	Jobs() []ScheduledJob
	PendingTimeouts() int
}

// AdminService authorizes and executes operator commands. The super-administrator may act on
// any group; a group's own administrator only on that group.
type AdminService struct {
	directory       group.Directory
	cycles          CycleService
	registry        ScheduleRegistry
	adminTelegramID int64
}

func NewAdminService(directory group.Directory, cycles CycleService, registry ScheduleRegistry, adminID int64) *AdminService {
	return &AdminService{
		directory:       directory,
		cycles:          cycles,
		registry:        registry,
		adminTelegramID: adminID,
	}
}

func (s *AdminService) IsSuperAdmin(telegramID int64) bool {
	return telegramID == s.adminTelegramID
}

// ReloadSchedules rebuilds every group trigger from the directory.
func (s *AdminService) ReloadSchedules(ctx context.Context, performingAdminID int64) (int, error) {
	if !s.IsSuperAdmin(performingAdminID) {
		return 0, ErrAdminNotAuthorized
	}
	n, err := s.registry.RebuildFromDirectory(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to rebuild schedules: %w", err)
	}
	return n, nil
}

// ListJobs returns the registered triggers and the number of armed cycle timeouts.
func (s *AdminService) ListJobs(ctx context.Context, performingAdminID int64) ([]ScheduledJob, int, error) {
	if !s.IsSuperAdmin(performingAdminID) {
		return nil, 0, ErrAdminNotAuthorized
	}
	return s.registry.Jobs(), s.registry.PendingTimeouts(), nil
}

// CycleStatus returns the group and a snapshot of its latest cycle. The snapshot is nil
// when no cycle ran since the process started.
func (s *AdminService) CycleStatus(ctx context.Context, performingAdminID int64, groupID int64) (*group.Group, *CycleSnapshot, error) {
	g, err := s.authorizeGroup(ctx, performingAdminID, groupID)
	if err != nil {
		return nil, nil, err
	}
	snap, ok := s.cycles.Snapshot(groupID)
	if !ok {
		return g, nil, nil
	}
	return g, snap, nil
}

// RemindPending re-sends the daily question to members who have not answered yet.
func (s *AdminService) RemindPending(ctx context.Context, performingAdminID int64, groupID int64) (int, int, error) {
	if _, err := s.authorizeGroup(ctx, performingAdminID, groupID); err != nil {
		return 0, 0, err
	}
	return s.cycles.RemindPending(ctx, groupID)
}

// InviteToken returns the activation token members use to join the group.
func (s *AdminService) InviteToken(ctx context.Context, performingAdminID int64, groupID int64) (*group.Group, string, error) {
	g, err := s.authorizeGroup(ctx, performingAdminID, groupID)
	if err != nil {
		return nil, "", err
	}
	if g.ActivationToken == "" {
		return g, "", ErrNoActivationToken
	}
	return g, g.ActivationToken, nil
}

func (s *AdminService) authorizeGroup(ctx context.Context, performingAdminID int64, groupID int64) (*group.Group, error) {
	g, err := s.directory.GetGroup(ctx, groupID)
	if err != nil {
		if err == group.ErrGroupNotFound {
			if !s.IsSuperAdmin(performingAdminID) {
				// Don't reveal which group IDs exist.
				return nil, ErrAdminNotAuthorized
			}
			return nil, group.ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to get group %d: %w", groupID, err)
	}
	if !s.IsSuperAdmin(performingAdminID) && g.AdminTelegramID != performingAdminID {
		return nil, ErrAdminNotAuthorized
	}
	return g, nil
}
