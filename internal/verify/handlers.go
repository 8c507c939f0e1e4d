package verify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"warden.org/internal/authz"
	"warden.org/internal/notify"
	"warden.org/internal/obs"
)

func (s *Service) handleAuth(ctx context.Context, req Request) (string, error) {
	log := obs.FromContext(ctx)
	name := s.memberName(req.Member)

	if s.throttled(req.Member) {
		log.Warn("auth attempts throttled")
		return msgThrottled, nil
	}
	linked, err := s.store.IsLinked(ctx, req.Member)
	if err != nil {
		return "", err
	}
	if linked {
		log.Error("member tried to auth twice")
		notify.Safe(ctx, s.sink, notify.Info(notify.KindVerification, "ERROR User %s (id: %s) tried to auth twice...", name, req.Member))
		return msgAlreadyLinked, nil
	}
	notify.Safe(ctx, s.sink, notify.Info(notify.KindVerification, "User %s just entered an auth token, verifying...", name))

	code := req.Args
	if code == "" {
		return msgUnknownCode, nil
	}
	if err := s.store.RedeemAuthCode(ctx, code, req.Member); err != nil {
		if errors.Is(err, authz.ErrUnknownCode) {
			log.Info("auth code not recognised")
			return msgUnknownCode, nil
		}
		return "", err
	}

	char, err := s.store.Character(ctx, req.Member)
	if err != nil {
		return "", fmt.Errorf("verify: character for %s: %w", req.Member, err)
	}
	s.attempts.Delete(req.Member)
	s.keep(req.Member)
	log.Info("member verified", zap.String("character", char.Name))
	notify.Safe(ctx, s.sink, notify.Info(notify.KindVerification,
		"User %s just authed as %s (corp %s, char id %d)", name, char.Name, char.Corp, char.ID).
		With("member_id", req.Member))
	if s.cfg.OnVerified != nil {
		s.cfg.OnVerified(req.Member)
	}
	return fmt.Sprintf(msgWelcome, char.Name, char.Corp), nil
}

func (s *Service) handleWhoami(ctx context.Context, req Request) (string, error) {
	char, err := s.store.Character(ctx, req.Member)
	if errors.Is(err, authz.ErrNotFound) {
		return fmt.Sprintf(msgUnknownYou, mention(req.Member)), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(msgKnownAs, mention(req.Member), char.Name, char.Corp), nil
}

func (s *Service) handleUptime(context.Context, Request) (string, error) {
	return fmt.Sprintf(msgUptime, s.started.Format("2006-01-02 15:04:05 MST")), nil
}

func (s *Service) handleWindow(ctx context.Context, req Request) (string, error) {
	w, ok := parseWindowArgs(req.Args)
	if !ok {
		return msgWindowUsage, nil
	}
	linked, err := s.store.IsLinked(ctx, req.Member)
	if err != nil {
		return "", err
	}
	if !linked {
		return msgWindowNotLinked, nil
	}
	if err := s.store.UpdatePingWindow(ctx, req.Member, w); err != nil {
		return "", err
	}
	return fmt.Sprintf(msgWindowSet, w), nil
}

// parseWindowArgs accepts "always", "<start> <stop>" or "<start>-<stop>".
func parseWindowArgs(args string) (authz.Window, bool) {
	args = strings.TrimSpace(args)
	if strings.EqualFold(args, "always") {
		return authz.Window{}, true
	}
	fields := strings.FieldsFunc(args, func(r rune) bool { return r == ' ' || r == '-' })
	if len(fields) != 2 {
		return authz.Window{}, false
	}
	start, err1 := strconv.Atoi(fields[0])
	stop, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil {
		return authz.Window{}, false
	}
	w, err := authz.NewWindow(start, stop)
	return w, err == nil
}

func (s *Service) memberName(memberID string) string {
	if v, ok := s.pending.Get(memberID); ok {
		if conv, ok := v.(Conversation); ok && conv.MemberName != "" {
			return conv.MemberName
		}
	}
	return memberID
}
