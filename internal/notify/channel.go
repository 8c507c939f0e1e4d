package notify

import (
	"context"
	"fmt"
)

// DebugPrefix marks every message posted to the debug channel.
const DebugPrefix = "DEBUG: "

// Sender posts a message to a platform channel.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
}

// Channel posts events to the operators' debug channel.
type Channel struct {
	sender    Sender
	channelID string
}

// NewChannel returns a sink for channelID. An empty id disables the sink.
func NewChannel(s Sender, channelID string) *Channel {
	return &Channel{sender: s, channelID: channelID}
}

func (*Channel) Name() string { return "channel" }

func (c *Channel) Notify(ctx context.Context, ev Event) error {
	if c.channelID == "" {
		return nil
	}
	ev, err := prepare(ctx, ev)
	if err != nil {
		return err
	}
	text := ev.Text
	if ev.Level == LevelError {
		text = "ERROR " + text
	}
	if err := c.sender.Send(ctx, c.channelID, DebugPrefix+text); err != nil {
		return fmt.Errorf("notify: debug channel: %w", err)
	}
	return nil
}
