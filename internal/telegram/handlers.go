package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"chatgate/internal/chat"
	"chatgate/internal/providers"
	"chatgate/internal/quota"
	"chatgate/internal/storage"
)

const maxReplyRunes = 4000

var errNotLinked = errors.New("telegram account not linked")

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	text := strings.Join([]string{
		"Commands:",
		"/help",
		"/ask <text> (or just send text in private chat)",
		"/new [title] - start a new conversation",
		"/use <session_id> - continue an earlier conversation",
		"/sessions",
		"/provider [id] - list providers or pick one",
		"/usage",
	}, "\n")
	return s.reply(ctx, b, text)
}

func (s *Service) ask(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveUser == nil {
		return nil
	}
	prompt := strings.TrimSpace(commandRemainder(msg.GetText()))
	if prompt == "" {
		return s.reply(ctx, b, "Usage: /ask <text>")
	}
	return s.answer(b, ctx, prompt)
}

func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	text := strings.TrimSpace(ctx.EffectiveMessage.GetText())
	if text == "" {
		return nil
	}
	return s.answer(b, ctx, text)
}

func (s *Service) answer(b *gotgbot.Bot, ctx *ext.Context, text string) error {
	if !s.allowRate(ctx.EffectiveUser.Id, b, ctx) {
		return nil
	}
	if ctx.EffectiveChat != nil {
		_, _ = b.SendChatAction(ctx.EffectiveChat.Id, "typing", nil)
	}

	cctx, cancel := context.WithTimeout(context.Background(), s.replyTimeout)
	defer cancel()
	return s.reply(ctx, b, s.converse(cctx, ctx.EffectiveUser.Id, text))
}

// converse runs one exchange for a telegram account and returns the text to
// send back. Failures are reported to the user, never to the dispatcher.
func (s *Service) converse(ctx context.Context, telegramID int64, text string) string {
	log := s.logger.With().Int64("telegram_id", telegramID).Logger()

	user, err := s.resolveUser(ctx, telegramID)
	if err != nil {
		if errors.Is(err, errNotLinked) {
			return "This telegram account is not linked to a chatgate user."
		}
		log.Error().Err(err).Msg("resolve telegram user failed")
		return "Something went wrong. Try again later."
	}

	state, err := s.state.Get(ctx, telegramID)
	if err != nil {
		log.Warn().Err(err).Msg("chat state unavailable, starting fresh")
		state = chatState{}
	}
	providerID := state.ProviderConfigID
	if providerID == 0 {
		providerID = s.defaultProviderID
	}
	if providerID == 0 {
		return "No provider selected. Pick one with /provider <id>."
	}

	req := chat.SendRequest{
		UserID:           user.ID,
		ProviderConfigID: providerID,
		Content:          text,
		SessionTitle:     state.PendingTitle,
	}
	if state.SessionID != 0 {
		id := state.SessionID
		req.SessionID = &id
	}

	res, err := s.chat.SendMessage(ctx, req)
	if errors.Is(err, chat.ErrSessionForbidden) && req.SessionID != nil {
		log.Info().Int64("session_id", *req.SessionID).Msg("stored session is gone, starting a new one")
		req.SessionID = nil
		res, err = s.chat.SendMessage(ctx, req)
	}
	if err != nil {
		return s.describeError(log, err)
	}

	state.SessionID = res.SessionID
	state.PendingTitle = ""
	if err := s.state.Set(ctx, telegramID, state); err != nil {
		log.Warn().Err(err).Msg("failed to save chat state")
	}
	return truncateRunes(res.Content, maxReplyRunes)
}

func (s *Service) resolveUser(ctx context.Context, telegramID int64) (storage.User, error) {
	u, err := s.directory.GetUserByTelegramID(ctx, telegramID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, err
	}
	if !s.autoRegister {
		return storage.User{}, errNotLinked
	}

	tgID := telegramID
	u = storage.User{
		Username:   fmt.Sprintf("tg_%d", telegramID),
		TelegramID: &tgID,
		QuotaLimit: s.defaultQuota,
	}
	id, err := s.directory.CreateUser(ctx, u)
	if err != nil {
		// a concurrent update may have registered the account first
		if existing, getErr := s.directory.GetUserByTelegramID(ctx, telegramID); getErr == nil {
			return existing, nil
		}
		return storage.User{}, fmt.Errorf("register telegram user: %w", err)
	}
	u.ID = id
	s.logger.Info().Int64("telegram_id", telegramID).Int64("user_id", id).Msg("registered telegram user")
	return u, nil
}

func (s *Service) describeError(log zerolog.Logger, err error) string {
	var provErr *providers.ProviderError
	var parseErr *providers.ParseError
	switch {
	case errors.Is(err, quota.ErrExceeded):
		return "Daily quota reached. It resets at midnight, see /usage."
	case errors.Is(err, chat.ErrInvalidProvider):
		return "The selected provider is unavailable. Pick another with /provider."
	case errors.Is(err, chat.ErrSessionForbidden):
		return "That conversation is not available. Start a new one with /new."
	case errors.Is(err, chat.ErrEmptyContent):
		return "Send some text."
	case errors.As(err, &provErr), errors.As(err, &parseErr):
		return chat.ApologyText
	}
	log.Error().Err(err).Msg("chat exchange failed")
	return "Something went wrong. Try again later."
}

func (s *Service) newSession(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	title := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if err := s.updateState(ctx.EffectiveUser.Id, func(st *chatState) {
		st.SessionID = 0
		st.PendingTitle = title
	}); err != nil {
		return s.reply(ctx, b, "Failed to start a new conversation right now.")
	}
	return s.reply(ctx, b, "New conversation started. Send your first message.")
}

func (s *Service) useSession(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText())), 10, 64)
	if err != nil || id <= 0 {
		return s.reply(ctx, b, "Usage: /use <session_id>")
	}
	if err := s.updateState(ctx.EffectiveUser.Id, func(st *chatState) {
		st.SessionID = id
		st.PendingTitle = ""
	}); err != nil {
		return s.reply(ctx, b, "Failed to switch conversation right now.")
	}
	return s.reply(ctx, b, fmt.Sprintf("Continuing conversation %d.", id))
}

func (s *Service) provider(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	bg := context.Background()
	items, err := s.directory.ListProviderConfigs(bg, true)
	if err != nil {
		s.logger.Error().Err(err).Msg("list providers failed")
		return s.reply(ctx, b, "Failed to list providers.")
	}

	arg := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if arg == "" {
		return s.reply(ctx, b, formatProviders(items))
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || !containsProvider(items, id) {
		return s.reply(ctx, b, "Unknown provider. Use /provider to list them.")
	}
	if err := s.updateState(ctx.EffectiveUser.Id, func(st *chatState) { st.ProviderConfigID = id }); err != nil {
		return s.reply(ctx, b, "Failed to save provider choice.")
	}
	return s.reply(ctx, b, fmt.Sprintf("Provider %d selected.", id))
}

func (s *Service) sessions(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	bg := context.Background()
	user, err := s.resolveUser(bg, ctx.EffectiveUser.Id)
	if err != nil {
		return s.reply(ctx, b, "This telegram account is not linked to a chatgate user.")
	}
	items, err := s.chat.ListSessions(bg, user.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("list sessions failed")
		return s.reply(ctx, b, "Failed to list conversations.")
	}
	return s.reply(ctx, b, formatSessions(items))
}

func (s *Service) usage(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	bg := context.Background()
	user, err := s.resolveUser(bg, ctx.EffectiveUser.Id)
	if err != nil {
		return s.reply(ctx, b, "This telegram account is not linked to a chatgate user.")
	}
	u, err := s.chat.Usage(bg, user.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("quota usage failed")
		return s.reply(ctx, b, "Failed to read quota usage.")
	}
	return s.reply(ctx, b, fmt.Sprintf("Used %d of %d today (%d left). Resets %s.",
		u.Used, u.Limit, u.Remaining, u.ResetAt.Format("2006-01-02 15:04 MST")))
}

func (s *Service) updateState(telegramID int64, mutate func(*chatState)) error {
	bg := context.Background()
	st, err := s.state.Get(bg, telegramID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("telegram_id", telegramID).Msg("chat state unavailable")
		st = chatState{}
	}
	mutate(&st)
	if err := s.state.Set(bg, telegramID, st); err != nil {
		s.logger.Error().Err(err).Int64("telegram_id", telegramID).Msg("failed to save chat state")
		return err
	}
	return nil
}

func (s *Service) allowRate(userID int64, b *gotgbot.Bot, ctx *ext.Context) bool {
	if userID == 0 || s.rateLimiter == nil {
		return true
	}
	ok, _, resetAt, err := s.rateLimiter.Allow(context.Background(), userID, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if ok {
		return true
	}
	s.metrics.RateLimited.Inc()
	_ = s.reply(ctx, b, "Rate limit exceeded. Try again after "+resetAt.Format("15:04:05 UTC"))
	return false
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func formatProviders(items []storage.ProviderConfig) string {
	if len(items) == 0 {
		return "No providers configured."
	}
	lines := []string{"Providers:"}
	for _, p := range items {
		lines = append(lines, fmt.Sprintf("%d. %s [%s] %s", p.ID, p.Name, p.Family, p.Model))
	}
	return strings.Join(lines, "\n")
}

func formatSessions(items []storage.Session) string {
	if len(items) == 0 {
		return "No conversations yet."
	}
	lines := []string{"Conversations:"}
	for _, sess := range items {
		line := fmt.Sprintf("%d. %s (%d messages)", sess.ID, sess.Title, sess.MessageCount)
		if sess.Status != storage.SessionActive {
			line += " [" + strings.ToLower(sess.Status) + "]"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func containsProvider(items []storage.ProviderConfig, id int64) bool {
	for _, p := range items {
		if p.ID == id {
			return true
		}
	}
	return false
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
