// Package broadcast tails the ping log and fans new entries out to the
// channels mapped to each destination group.
package broadcast

import (
	"context"
	"strings"
	"time"

	"warden.org/internal/platform"
)

// EveryoneMarker prefixes forwarded messages so they reach every member.
const EveryoneMarker = "@everyone"

// Message is one entry of the append-only ping log.
type Message struct {
	ID        int64
	Origin    string
	Timestamp time.Time
	Text      string
	Group     string
	// Forward is computed per batch; false marks a consecutive duplicate.
	Forward bool
}

// Feed reads the ping log.
type Feed interface {
	// NewMessages returns entries with id > lastID ordered by timestamp.
	NewMessages(ctx context.Context, lastID int64) ([]Message, error)
	MaxMessageID(ctx context.Context) (int64, error)
}

// Sender posts text to a channel.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
}

// Destinations maps a group key to the channels it is forwarded to. Built once
// per session and read-only afterwards.
type Destinations map[string][]platform.Channel

// BuildDestinations resolves group->channel references (channel names or ids)
// against the guild's channels. References that match nothing are returned so
// the caller can log them.
func BuildDestinations(groups map[string][]string, channels []platform.Channel) (Destinations, []string) {
	byID := make(map[string]platform.Channel, len(channels))
	byName := make(map[string]platform.Channel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
		name := strings.TrimPrefix(ch.Name, "#")
		if _, dup := byName[name]; !dup {
			byName[name] = ch
		}
	}
	out := make(Destinations, len(groups))
	var unresolved []string
	for group, refs := range groups {
		for _, ref := range refs {
			ch, ok := byID[ref]
			if !ok {
				ch, ok = byName[strings.TrimPrefix(ref, "#")]
			}
			if !ok {
				unresolved = append(unresolved, group+"->"+ref)
				continue
			}
			out[group] = appendUnique(out[group], ch)
		}
	}
	return out, unresolved
}

func appendUnique(chs []platform.Channel, ch platform.Channel) []platform.Channel {
	for _, c := range chs {
		if c.ID == ch.ID {
			return chs
		}
	}
	return append(chs, ch)
}

// Format renders m as it is posted to a destination channel.
func Format(m Message) string {
	if m.Origin == "" {
		return EveryoneMarker + " " + m.Text
	}
	return EveryoneMarker + " " + m.Origin + ": " + m.Text
}
