// Package storage is the persisted account/group/lead store.
//
// The sqlite implementation is the only one; the Store interface exists so
// services can be handed a store without caring about the backing file and so
// the contract stays visible in one place. Tracker increments are a targeted
// atomic upsert, never a read-modify-write of the whole account.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
)

type Role string

const (
	RoleSender  Role = "sender"
	RoleMonitor Role = "monitor"
)

// DefaultMsgPerDay is the per-group daily quota applied when none is set.
const DefaultMsgPerDay = 5

// DateKey formats a moment as the calendar-day key trackers are stored under.
func DateKey(t time.Time) string { return t.Format("2006-01-02") }

// DailyTracker is the per-group, per-calendar-day send state.
// LastSentAt is zero when nothing has been sent yet that day.
type DailyTracker struct {
	Date         string
	MessageCount int
	LastSentAt   time.Time
}

// Group is one destination an account posts into.
type Group struct {
	ID        string
	Name      string
	Link      string
	Username  string
	MsgPerDay int
	Trackers  []DailyTracker
}

// Tracker returns the tracker entry for the given date, or nil.
// Entries for other dates are inert and must not drive scheduling.
func (g *Group) Tracker(date string) *DailyTracker {
	for i := range g.Trackers {
		if g.Trackers[i].Date == date {
			return &g.Trackers[i]
		}
	}
	return nil
}

// Quota returns the effective daily quota for the group.
func (g *Group) Quota() int {
	if g.MsgPerDay <= 0 {
		return DefaultMsgPerDay
	}
	return g.MsgPerDay
}

// Account is one messaging-platform identity. The session credential is
// owned exclusively by this account and never shared.
type Account struct {
	Number         string
	Username       string
	Role           Role
	OperatorID     int64 // bot-side user id to notify, 0 if none
	Session        string
	TemplateCursor int
	Groups         []Group
}

// Label is the human-readable handle used in logs and notifications.
func (a *Account) Label() string {
	if a.Username != "" {
		return "@" + a.Username
	}
	return a.Number
}

type LeadKind string

const (
	LeadDM      LeadKind = "dm"
	LeadReply   LeadKind = "reply"
	LeadKeyword LeadKind = "keyword"
)

// Lead is one recorded prospect, keyed by sender id: each sender is recorded
// at most once across all monitors.
type Lead struct {
	UserID        string
	Username      string
	Kind          LeadKind
	Content       string
	AccountNumber string
	GroupID       string
	Done          bool
	CreatedAt     time.Time
}

// Forward is a keyword match forwarded to the configured destination,
// kept so the "Completed" control can later resolve it.
type Forward struct {
	ID              int64
	ChatID          int64
	MessageID       int
	SourceChatID    string
	SourceMessageID int
	Link            string
	SenderID        string
	Preview         string
	Done            bool
}

type Operator struct {
	UserID   int64
	Username string
}

// Settings is the system configuration singleton. A zero ForwardChatID
// disables keyword forwarding entirely.
type Settings struct {
	ForwardChatID int64
	ReportChatID  int64
}

type Store interface {
	// Accounts lists accounts, optionally filtered by role (empty = all),
	// in stable creation order with groups in stored order.
	Accounts(ctx context.Context, role Role) ([]Account, error)
	Account(ctx context.Context, number string) (*Account, error)
	// PutAccount upserts an account with its full group list.
	PutAccount(ctx context.Context, a *Account) error
	// ReplaceGroups swaps an account's group list wholesale.
	ReplaceGroups(ctx context.Context, number string, groups []Group) error
	// DeleteAccount removes an account and everything it owns.
	// Deleting an absent account is a no-op.
	DeleteAccount(ctx context.Context, number string) error
	SetTemplateCursor(ctx context.Context, number string, cursor int) error

	// IncrementTracker atomically bumps today's tracker for (account, group),
	// creating the entry if absent.
	IncrementTracker(ctx context.Context, number, groupID, date string, at time.Time) error
	// PruneTrackers deletes tracker entries for dates before keepDate.
	PruneTrackers(ctx context.Context, keepDate string) (int64, error)

	// CreateLead records a lead unless the sender is already known.
	// Reports whether a new record was created.
	CreateLead(ctx context.Context, l Lead) (bool, error)
	LeadExists(ctx context.Context, userID string) (bool, error)
	CompleteLead(ctx context.Context, userID string) error

	CreateForward(ctx context.Context, f *Forward) error
	Forward(ctx context.Context, id int64) (*Forward, error)
	CompleteForward(ctx context.Context, id int64) error

	// OperatorIDs is the union of session-less operators and accounts that
	// carry an operator user id.
	OperatorIDs(ctx context.Context) ([]int64, error)
	PutOperator(ctx context.Context, op Operator) error

	Settings(ctx context.Context) (Settings, error)
	SetSettings(ctx context.Context, s Settings) error

	Close() error
}

// validateAccount is applied on every account write, not only on creation.
func validateAccount(a *Account) error {
	if a == nil {
		return errors.New("storage: nil account")
	}
	if strings.TrimSpace(a.Number) == "" {
		return errors.New("storage: account number is required")
	}
	switch a.Role {
	case RoleSender, RoleMonitor:
	default:
		return fmt.Errorf("storage: invalid role %q", a.Role)
	}
	return validateGroups(a.Groups)
}

func validateGroups(groups []Group) error {
	seen := make(map[string]struct{}, len(groups))
	for i := range groups {
		g := &groups[i]
		if strings.TrimSpace(g.ID) == "" {
			return fmt.Errorf("storage: group %d: id is required", i)
		}
		if _, dup := seen[g.ID]; dup {
			return fmt.Errorf("storage: duplicate group id %q", g.ID)
		}
		seen[g.ID] = struct{}{}
		if g.MsgPerDay < 0 {
			return fmt.Errorf("storage: group %q: msg_per_day must be >= 0", g.ID)
		}
	}
	return nil
}
