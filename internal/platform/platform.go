// Package platform defines the outward channel to the community platform and
// a Discord REST implementation of it.
//
// The loops only depend on the interfaces here. Every call may block on the
// shared rate limiter or fail; callers treat the channel as a slow, lossy
// resource and never assume ordering across goroutines.
package platform

import (
	"context"
	"slices"
	"time"
)

// Member statuses. REST-only transports report every member as online.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Member is a connected identity on the platform.
type Member struct {
	ID     string
	Name   string
	Status string
	Bot    bool
	// Roles holds the ids of the roles the member currently has, including
	// the platform's default role.
	Roles []string
}

// Online reports whether the member should be processed this tick.
func (m Member) Online() bool { return m.Status != StatusOffline }

// HasRole reports whether the member currently holds roleID.
func (m Member) HasRole(roleID string) bool { return slices.Contains(m.Roles, roleID) }

// Role is a platform role handle.
type Role struct {
	ID       string
	Name     string
	Position int
}

// Channel is a platform text channel handle.
type Channel struct {
	ID   string
	Name string
	Type int
}

// Message is an inbound message read from a channel.
type Message struct {
	ID        string
	ChannelID string
	AuthorID  string
	Content   string
	Timestamp time.Time
}

// DirectMessage identifies a message sent to a member's private channel.
type DirectMessage struct {
	ChannelID string
	MessageID string
}

// Outbound is the rate-limited channel shared by every loop.
type Outbound interface {
	// GrantRoles adds roles to m in a single call.
	GrantRoles(ctx context.Context, m Member, roles []Role) error
	// RevokeRoles removes roles from m in a single call.
	RevokeRoles(ctx context.Context, m Member, roles []Role) error
	// Send posts text to a channel.
	Send(ctx context.Context, channelID, text string) error
}

// Session is an authenticated connection to one community (guild).
type Session interface {
	Outbound
	Self(ctx context.Context) (Member, error)
	Members(ctx context.Context) ([]Member, error)
	// Roles lists every role and returns the id of the default role every
	// member implicitly holds.
	Roles(ctx context.Context) ([]Role, string, error)
	Channels(ctx context.Context) ([]Channel, error)
	OpenDirect(ctx context.Context, userID string) (DirectMessage, error)
	SendDirect(ctx context.Context, userID, text string) (DirectMessage, error)
	// Messages returns messages newer than afterID in ascending order.
	Messages(ctx context.Context, channelID, afterID string) ([]Message, error)
}
