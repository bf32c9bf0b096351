package group

import (
	"context"
	"fmt"
)

var ErrGroupNotFound = fmt.Errorf("group not found")
var ErrMemberNotFound = fmt.Errorf("member not found")
var ErrInvalidActivationToken = fmt.Errorf("activation token does not match an active group")
var ErrAlreadyActivated = fmt.Errorf("member is already activated")

// Directory is the read-only view of groups and members maintained by the admin layer.
type Directory interface {
	ListActiveGroups(ctx context.Context) ([]*Group, error)
	GetGroup(ctx context.Context, id int64) (*Group, error)
	// ListRoster returns active, verified group members ordered by display name.
	ListRoster(ctx context.Context, groupID int64) ([]*Member, error)
	GetMemberByTelegramID(ctx context.Context, telegramID int64) (*Member, error)
	AdminTelegramID(ctx context.Context, groupID int64) (int64, error)
}

// Profile is what Telegram tells us about a user opening an invitation link.
type Profile struct {
	TelegramID int64
	Username   string
	FullName   string
}

// Registrar attaches Telegram users to groups through invitation links.
type Registrar interface {
	// ActivateMember verifies the user and attaches them to the active group owning token.
	// A user who is already verified gets ErrAlreadyActivated together with their group and record.
	ActivateMember(ctx context.Context, token string, p Profile) (*Group, *Member, error)
}
