package relay

import "time"

// ---------------------------------------------
// Wire Models
// ---------------------------------------------

// Message types accepted from clients. Anything else is dropped.
const (
	TypeGlobal  = "global"
	TypePrivate = "private"
	TypeGroup   = "group"
	TypeJoin    = "group.join"
	TypeLeave   = "group.leave"

	// TypeSystem marks server-generated frames (greetings, join/leave notices).
	// Clients never send it; if they do, it falls through to "unrecognized".
	TypeSystem = "system"
)

// Exchange names. Declared durable once at gateway start.
const (
	ExchangeGlobal  = "relay.global"  // fanout
	ExchangePrivate = "relay.private" // direct
	ExchangeGroup   = "relay.group"   // topic
)

// UserKey builds the routing key for one identity's private queue.
func UserKey(identity string) string { return "user." + identity }

// GroupKey builds the routing key for a group's shared queue.
func GroupKey(groupID string) string { return "group." + groupID }

// Envelope is the JSON frame exchanged with clients and carried through the
// broker. From, Role and Timestamp are always server-assigned; whatever the
// client put there is discarded before publish.
type Envelope struct {
	Type      string    `json:"type"`
	From      string    `json:"from,omitempty"`
	Role      string    `json:"role,omitempty"`
	To        string    `json:"to,omitempty"`
	Group     string    `json:"group,omitempty"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// joinedNotice is the synthetic frame published to a group when a member arrives.
func joinedNotice(identity, role, groupID string) Envelope {
	return Envelope{
		Type:      TypeSystem,
		From:      identity,
		Role:      role,
		Group:     groupID,
		Content:   identity + " joined",
		Timestamp: time.Now().UTC(),
	}
}

// leftNotice is the synthetic frame published to a group when a member departs.
func leftNotice(identity, role, groupID string) Envelope {
	return Envelope{
		Type:      TypeSystem,
		From:      identity,
		Role:      role,
		Group:     groupID,
		Content:   identity + " left",
		Timestamp: time.Now().UTC(),
	}
}
