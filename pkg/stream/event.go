package stream

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ChatEvent represents a single immutable record on a tenant's chat stream.
// Events are appended by the inbound duty cycle (text messages) and by the
// presence tracker (join/leave announcements), and are read back in append
// order by tailing clients.
type ChatEvent struct {
	EntryID  string `json:"entry_id,omitempty"` // Stream ID assigned by Redis; set only on events read from the log
	Type     string `json:"type"`               // "text" or "announcement"
	Username string `json:"username"`           // Author (text) or subject (announcement)
	Message  string `json:"message,omitempty"`  // Body for text events, human-readable line for announcements
	Action   string `json:"action,omitempty"`   // "connected" or "disconnected" (announcements only)
	Users    string `json:"users,omitempty"`    // Comma-joined membership snapshot (announcements only)
	Inbox    string `json:"inbox"`              // Inbox identifier, for client-side routing
}

// Event types.
const (
	TypeText         = "text"
	TypeAnnouncement = "announcement"
)

// Announcement actions.
const (
	ActionConnected    = "connected"
	ActionDisconnected = "disconnected"
)

// Validate checks that the event is well-formed for its type.
// EntryID is intentionally not checked: it is absent on events that have not
// been appended yet.
func (e *ChatEvent) Validate() error {
	if e.Username == "" {
		return fmt.Errorf("event username cannot be empty")
	}
	if e.Inbox == "" {
		return fmt.Errorf("event inbox cannot be empty")
	}
	switch e.Type {
	case TypeText:
		if e.Message == "" {
			return fmt.Errorf("text event message cannot be empty")
		}
	case TypeAnnouncement:
		if e.Action != ActionConnected && e.Action != ActionDisconnected {
			return fmt.Errorf("invalid announcement action: %q", e.Action)
		}
	default:
		return fmt.Errorf("invalid event type: %q", e.Type)
	}
	return nil
}

// ToValues converts the event to the field map stored in the stream entry.
// EntryID is excluded - Redis assigns it on XADD.
func (e *ChatEvent) ToValues() map[string]interface{} {
	values := map[string]interface{}{
		"type":     e.Type,
		"username": e.Username,
		"inbox":    e.Inbox,
	}
	if e.Message != "" {
		values["message"] = e.Message
	}
	if e.Action != "" {
		values["action"] = e.Action
	}
	if e.Users != "" {
		values["users"] = e.Users
	}
	return values
}

// eventFromMessage reconstructs a ChatEvent from a raw stream entry.
// Unknown fields are ignored so readers tolerate schema additions.
func eventFromMessage(msg redis.XMessage) ChatEvent {
	ev := ChatEvent{EntryID: msg.ID}
	for field, raw := range msg.Values {
		value, ok := raw.(string)
		if !ok {
			continue
		}
		switch field {
		case "type":
			ev.Type = value
		case "username":
			ev.Username = value
		case "message":
			ev.Message = value
		case "action":
			ev.Action = value
		case "users":
			ev.Users = value
		case "inbox":
			ev.Inbox = value
		}
	}
	return ev
}
