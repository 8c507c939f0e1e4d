// Package verify runs the direct-message exchange that links a platform
// member to an internal account.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"warden.org/internal/authz"
	"warden.org/internal/clock"
	"warden.org/internal/notify"
	"warden.org/internal/obs"
	"warden.org/internal/platform"
)

// Replies sent to members.
const (
	msgPrompt          = "Hi! You need to authenticate to be able to use this Discord server.\nPlease go to %s to obtain your authorization token, and then just message it to me!"
	msgWelcome         = "Hello %s! Your corp is %s!"
	msgUnknownCode     = "Sorry, I did not recognize the auth code you sent me!"
	msgAlreadyLinked   = "ERROR: You are trying to auth, but you already authed before..."
	msgNotUnderstood   = "I am sorry, I did not understand what you said."
	msgThrottled       = "Too many attempts. Please wait a few minutes and try again."
	msgUnknownYou      = "%s I am sorry, I do not know you!"
	msgKnownAs         = "%s is also known as %s (%s)"
	msgUptime          = "I'm up since %s"
	msgWindowSet       = "Your ping window is now %s."
	msgWindowUsage     = "Usage: !window <start> <stop> (hours 0-24) or !window always"
	msgWindowNotLinked = "You need to authenticate before you can set a ping window."
)

// Messenger is the part of the platform session the exchange uses.
type Messenger interface {
	OpenDirect(ctx context.Context, userID string) (platform.DirectMessage, error)
	SendDirect(ctx context.Context, userID, text string) (platform.DirectMessage, error)
	Messages(ctx context.Context, channelID, afterID string) ([]platform.Message, error)
	Send(ctx context.Context, channelID, text string) error
}

// Store is the account side of the exchange.
type Store interface {
	authz.Linker
	authz.WindowStore
}

// Conversation is an open DM channel with a member.
type Conversation struct {
	MemberID      string
	MemberName    string
	ChannelID     string
	LastMessageID string
	Since         time.Time
	// Persistent conversations stay open until Forget. Prompted ones expire
	// after PendingTTL.
	Persistent bool
}

type Config struct {
	AuthWebsite   string
	SelfID        string
	Interval      time.Duration
	PendingTTL    time.Duration
	MaxAttempts   int
	AttemptWindow time.Duration
	// OnVerified runs after a member redeems a code.
	OnVerified func(memberID string)
}

// Service prompts unknown members and answers direct messages from every
// member it has a conversation with.
type Service struct {
	cfg      Config
	dm       Messenger
	store    Store
	sink     notify.Sink
	clock    clock.Clock
	log      *zap.Logger
	started  time.Time
	pending  *cache.Cache
	attempts *cache.Cache
	commands Registry
}

func NewService(cfg Config, dm Messenger, store Store, sink notify.Sink, c clock.Clock) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.AttemptWindow <= 0 {
		cfg.AttemptWindow = 10 * time.Minute
	}
	if c == nil {
		c = clock.Real()
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	s := &Service{
		cfg:      cfg,
		dm:       dm,
		store:    store,
		sink:     sink,
		clock:    c,
		log:      obs.Named("verify"),
		started:  c.Now(),
		pending:  cache.New(cfg.PendingTTL, cfg.PendingTTL/2),
		attempts: cache.New(cfg.AttemptWindow, cfg.AttemptWindow),
	}
	s.commands = Registry{
		{Prefix: "auth=", Help: "link your account", Handler: s.handleAuth},
		{Prefix: "!whoami", Help: "show your linked character", Handler: s.handleWhoami},
		{Prefix: "!uptime", Help: "show agent uptime", Handler: s.handleUptime},
		{Prefix: "!window", Help: "set your ping window", Handler: s.handleWindow},
	}
	return s
}

// Prompt sends the onboarding message to m and opens a conversation.
func (s *Service) Prompt(ctx context.Context, m platform.Member) error {
	dm, err := s.dm.SendDirect(ctx, m.ID, fmt.Sprintf(msgPrompt, s.cfg.AuthWebsite))
	if err != nil {
		return fmt.Errorf("verify: prompt %s: %w", m.ID, err)
	}
	s.save(Conversation{
		MemberID:      m.ID,
		MemberName:    m.Name,
		ChannelID:     dm.ChannelID,
		LastMessageID: dm.MessageID,
		Since:         s.clock.Now(),
	})
	notify.Safe(ctx, s.sink, notify.Info(notify.KindOnboarding, "User %s just connected, asking user to auth...", m.Name).With("member_id", m.ID))
	return nil
}

// Listen opens a conversation with a linked member without messaging them,
// so their commands are answered. Messages already in the channel are ignored.
func (s *Service) Listen(ctx context.Context, m platform.Member) error {
	if _, ok := s.pending.Get(m.ID); ok {
		return nil
	}
	dm, err := s.dm.OpenDirect(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("verify: open dm %s: %w", m.ID, err)
	}
	s.save(Conversation{
		MemberID:      m.ID,
		MemberName:    m.Name,
		ChannelID:     dm.ChannelID,
		LastMessageID: dm.MessageID,
		Since:         s.clock.Now(),
		Persistent:    true,
	})
	return nil
}

// Forget closes the conversation with memberID, if any.
func (s *Service) Forget(memberID string) { s.pending.Delete(memberID) }

// keep turns the conversation with memberID into a persistent one.
func (s *Service) keep(memberID string) {
	v, ok := s.pending.Get(memberID)
	if !ok {
		return
	}
	if conv, ok := v.(Conversation); ok {
		conv.Persistent = true
		s.save(conv)
	}
}

func (s *Service) save(conv Conversation) {
	if conv.Persistent {
		s.pending.Set(conv.MemberID, conv, cache.NoExpiration)
		return
	}
	s.pending.SetDefault(conv.MemberID, conv)
}

// Pending returns the number of open conversations.
func (s *Service) Pending() int { return s.pending.ItemCount() }

// Run polls open conversations until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("verification poller started", zap.Duration("interval", s.cfg.Interval))
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if platform.IsSessionLost(err) {
				return err
			}
			s.log.Warn("verification poll failed", obs.Err(err))
		}
		if err := clock.Sleep(ctx, s.clock, s.cfg.Interval); err != nil {
			return nil
		}
	}
}

// Poll reads new replies in every open conversation and answers them.
func (s *Service) Poll(ctx context.Context) error {
	var errs []error
	for id, item := range s.pending.Items() {
		conv, ok := item.Object.(Conversation)
		if !ok {
			s.pending.Delete(id)
			continue
		}
		if err := s.pollConversation(ctx, conv); err != nil {
			if platform.IsSessionLost(err) || ctx.Err() != nil {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) pollConversation(ctx context.Context, conv Conversation) error {
	msgs, err := s.dm.Messages(ctx, conv.ChannelID, conv.LastMessageID)
	if err != nil {
		return fmt.Errorf("verify: read %s: %w", conv.MemberID, err)
	}
	if len(msgs) == 0 {
		return nil
	}
	if _, ok := s.pending.Get(conv.MemberID); !ok {
		// forgotten while reading
		return nil
	}
	// advance first so a failing reply is not answered twice
	conv.LastMessageID = msgs[len(msgs)-1].ID
	s.save(conv)

	for _, m := range msgs {
		if m.AuthorID == s.cfg.SelfID || m.AuthorID != conv.MemberID {
			continue
		}
		if err := s.handle(ctx, conv, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handle(ctx context.Context, conv Conversation, m platform.Message) error {
	log := s.log.With(obs.MemberID(conv.MemberID), obs.MemberName(conv.MemberName))
	ctx = obs.WithLogger(ctx, log)
	log.Info("direct message received", zap.String("text", m.Content))

	req := requestFrom(conv, m)
	reply := msgNotUnderstood
	if cmd, args, ok := s.commands.Lookup(m.Content); ok {
		req.Args = args
		var err error
		reply, err = cmd.Handler(ctx, req)
		if err != nil {
			if platform.IsSessionLost(err) {
				return err
			}
			log.Error("command failed", zap.String("command", cmd.Prefix), obs.Err(err))
			notify.Safe(ctx, s.sink, notify.Error(notify.KindVerification, err, "%s failed for %s", cmd.Prefix, conv.MemberName))
			return nil
		}
	}
	if reply == "" {
		return nil
	}
	if err := s.dm.Send(ctx, conv.ChannelID, reply); err != nil {
		return fmt.Errorf("verify: reply to %s: %w", conv.MemberID, err)
	}
	return nil
}

// throttled counts an attempt and reports whether the member is over budget.
func (s *Service) throttled(memberID string) bool {
	if err := s.attempts.Add(memberID, 1, cache.DefaultExpiration); err == nil {
		return false
	}
	n, err := s.attempts.IncrementInt(memberID, 1)
	if err != nil {
		return false
	}
	return n > s.cfg.MaxAttempts
}
