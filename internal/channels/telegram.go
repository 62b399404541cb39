package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/taskclaw/internal/apperr"
	"github.com/basket/taskclaw/internal/engine"
	"github.com/basket/taskclaw/internal/persistence"
)

const (
	telegramName = "telegram"
	// maxTelegramText is Telegram's limit for one message, in characters.
	maxTelegramText = 4096
)

const helpText = `Tell me what you need to do, for example "remind me to buy milk" or "what's on my list?".
/new starts a fresh conversation.`

// sender is the part of tgbotapi.BotAPI used for replies.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel bridges Telegram chats to the turn pipeline. Each Telegram
// user maps to user id "telegram:<id>" and each chat keeps its current
// conversation in a persisted binding.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	turns      TurnRunner
	bindings   BindingStore
	logger     *slog.Logger
	bot        sender
}

// NewTelegramChannel creates a new Telegram channel. Only senders listed in
// allowedIDs are served.
func NewTelegramChannel(token string, allowedIDs []int64, turns TurnRunner, bindings BindingStore, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		turns:      turns,
		bindings:   bindings,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string {
	return telegramName
}

// UserID returns the task owner id for a Telegram user.
func UserID(telegramUserID int64) string {
	return "telegram:" + strconv.FormatInt(telegramUserID, 10)
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	if len(t.allowedIDs) == 0 {
		t.logger.Warn("telegram allowlist is empty; all messages will be ignored")
	}
	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or nothing
// arrives within 2.5x the long-poll timeout. It returns nil only on
// cancellation.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			msg := update.Message
			if msg == nil || msg.From == nil {
				continue
			}
			if !t.allowed(msg.From.ID) {
				t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
				continue
			}
			t.handleMessage(ctx, msg.Chat.ID, msg.From.ID, msg.Text)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) allowed(id int64) bool {
	_, ok := t.allowedIDs[id]
	return ok
}

// handleMessage runs one turn for a chat message and replies with the
// outcome. Turns for a chat run one at a time, in arrival order.
func (t *TelegramChannel) handleMessage(ctx context.Context, chatID, fromID int64, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	externalID := strconv.FormatInt(chatID, 10)
	userID := UserID(fromID)
	log := t.logger.With("chat_id", chatID, "user_id", userID)

	switch command(text) {
	case "start", "help":
		t.reply(chatID, helpText)
		return
	case "new":
		if err := t.bindings.PutBinding(ctx, persistence.Binding{
			Channel: telegramName, ExternalID: externalID, UserID: userID,
		}); err != nil {
			log.Error("reset telegram binding", "error", err)
			t.reply(chatID, "Sorry, I could not start a new conversation.")
			return
		}
		t.reply(chatID, "Started a new conversation.")
		return
	}

	convID := ""
	b, err := t.bindings.GetBinding(ctx, telegramName, externalID)
	switch {
	case err == nil && b.UserID == userID:
		convID = b.ConversationID
	case err != nil && !errors.Is(err, persistence.ErrNotFound):
		log.Error("load telegram binding", "error", err)
	}

	res, err := t.turns.RunTurn(ctx, engine.TurnRequest{ConversationID: convID, UserID: userID, Message: text})
	if err != nil && convID != "" && apperr.Is(err, apperr.CodeNotFound) {
		// The bound conversation is gone; start over.
		convID = ""
		res, err = t.turns.RunTurn(ctx, engine.TurnRequest{UserID: userID, Message: text})
	}
	if err != nil {
		pub := apperr.From(err)
		log.Warn("telegram turn failed", "error_code", pub.Code, "error", err)
		t.reply(chatID, "Sorry: "+pub.Message)
		return
	}

	if res.ConversationID != convID {
		if err := t.bindings.PutBinding(ctx, persistence.Binding{
			Channel: telegramName, ExternalID: externalID, UserID: userID, ConversationID: res.ConversationID,
		}); err != nil {
			log.Error("save telegram binding", "error", err)
		}
	}
	t.reply(chatID, res.AssistantMessage)
}

// command returns the bot command in text without the leading slash or a
// trailing @botname, or "" when text is not a command.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := strings.Fields(text)[0][1:]
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if t.bot == nil {
		return
	}
	for _, part := range splitMessage(text, maxTelegramText) {
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			t.logger.Error("failed to send telegram reply", "error", err)
			return
		}
	}
}

// splitMessage cuts text into pieces of at most limit characters, preferring
// line breaks.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
