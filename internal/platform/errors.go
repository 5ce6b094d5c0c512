package platform

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Resolve/ResolveID/MessageByID when the platform
// has no entity or message for the given reference.
var ErrNotFound = errors.New("platform: not found")

// Error is a classified platform failure. Code follows the platform's HTTP-ish
// convention (400 bad request, 401 unauthorized, 420 flood); Message carries
// the platform's SCREAMING_SNAKE error tag.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("platform: %s (code %d)", e.Message, e.Code)
	}
	return "platform: " + e.Message
}

// Class is the scheduling-relevant classification of a platform failure.
// It is the single taxonomy consulted by the dispatcher and the monitor.
type Class int

const (
	// ClassOther is an unclassified failure. Callers advance scheduling
	// state anyway to guarantee forward progress.
	ClassOther Class = iota
	// ClassGroup is scoped to one destination: skip the group, account
	// stays alive, tracker untouched.
	ClassGroup
	// ClassFlood is platform-level throttling: pause briefly, retry later.
	ClassFlood
	// ClassCritical means the session credential can never work again:
	// notify operators, delete the account, stop its cycle.
	ClassCritical
)

func (c Class) String() string {
	switch c {
	case ClassGroup:
		return "group"
	case ClassFlood:
		return "flood"
	case ClassCritical:
		return "critical"
	default:
		return "other"
	}
}

// Error tags scoped to a single destination.
var groupErrorTags = []string{
	"CHAT_WRITE_FORBIDDEN",
	"CHAT_ADMIN_REQUIRED",
	"USER_BANNED_IN_CHANNEL",
	"CHAT_SEND_",
	"SLOWMODE_WAIT_",
	"CHANNEL_INVALID",
	"CHANNEL_PRIVATE",
	"MSG_ID_INVALID",
	"PEER_ID_INVALID",
}

// Classify maps a raw platform failure into a Class. Anything that is not a
// *platform.Error (wrapped or not) is ClassOther.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}

	var pe *Error
	if !errors.As(err, &pe) {
		return ClassOther
	}

	msg := strings.ToUpper(pe.Message)

	for _, tag := range groupErrorTags {
		if strings.Contains(msg, tag) {
			return ClassGroup
		}
	}

	if pe.Code == 420 || strings.Contains(msg, "FLOOD_WAIT") {
		return ClassFlood
	}

	if pe.Code == 401 && (strings.Contains(msg, "AUTH_KEY_UNREGISTERED") || strings.Contains(msg, "SESSION_REVOKED")) {
		return ClassCritical
	}
	if pe.Code == 400 && strings.Contains(msg, "AUTH_BYTES_INVALID") {
		return ClassCritical
	}
	if strings.Contains(msg, "USER_DEACTIVATED") {
		return ClassCritical
	}

	return ClassOther
}
