package verify

import (
	"context"
	"strings"

	"warden.org/internal/platform"
)

// Request is one direct message addressed to the agent.
type Request struct {
	Member  string
	Channel string
	Text    string
	// Args is Text with the command prefix removed and trimmed.
	Args string
}

// Handler answers a request. An empty reply sends nothing.
type Handler func(ctx context.Context, req Request) (reply string, err error)

// Command binds a message prefix to a handler.
type Command struct {
	Prefix  string
	Help    string
	Handler Handler
}

// Registry is an ordered, static command table. The first matching prefix
// wins, so longer prefixes must come first.
type Registry []Command

// Lookup finds the command for text.
func (r Registry) Lookup(text string) (Command, string, bool) {
	text = strings.TrimSpace(text)
	for _, c := range r {
		if !strings.HasPrefix(text, c.Prefix) {
			continue
		}
		rest := text[len(c.Prefix):]
		// "!uptimex" is not "!uptime"
		if strings.HasPrefix(c.Prefix, "!") && rest != "" && !strings.HasPrefix(rest, " ") {
			continue
		}
		return c, strings.TrimSpace(rest), true
	}
	return Command{}, "", false
}

func mention(memberID string) string { return "<@" + memberID + ">" }

func requestFrom(conv Conversation, m platform.Message) Request {
	return Request{Member: conv.MemberID, Channel: conv.ChannelID, Text: m.Content}
}
