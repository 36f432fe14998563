package domain

import (
	"fmt"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole validates a stored or submitted role name.
func ParseRole(v string) (Role, error) {
	switch r := Role(v); r {
	case RoleUser, RoleAssistant, RoleSystem:
		return r, nil
	}
	return "", fmt.Errorf("domain: unknown role %q", v)
}

// ConversationThread groups the messages of a single story. There is at most
// one thread per story.
type ConversationThread struct {
	ID        string
	StoryID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single append-only conversation entry.
type Message struct {
	ID        string
	StoryID   string
	Role      Role
	Content   string
	CreatedAt time.Time
}
