package group

import (
	"fmt"
	"time"
)

// Member is a Telegram user attached to a group.
// Corresponds to the 'members' table.
type Member struct {
	ID            int64
	TelegramID    int64
	GroupID       int64
	Username      string
	FullName      string
	IsVerified    bool // Activated through the group's invitation link
	IsActive      bool
	IsGroupMember bool // False for administrators that only receive summaries
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Eligible reports whether the member belongs on a cycle roster.
func (m *Member) Eligible() bool {
	return m.IsActive && m.IsVerified && m.IsGroupMember
}

// DisplayName prefers the full name, then @username, then the Telegram ID.
func (m *Member) DisplayName() string {
	if m.FullName != "" {
		return m.FullName
	}
	if m.Username != "" {
		return "@" + m.Username
	}
	return fmt.Sprintf("ID:%d", m.TelegramID)
}
