// Package telegram bridges Telegram chats to the gateway. Each chat gets its
// own thread, and answers are streamed into a single message that is edited
// as text arrives.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/user/askstream/internal/gateway"
	"github.com/user/askstream/internal/render"
	"github.com/user/askstream/internal/turn"
	"github.com/user/askstream/internal/types"
)

const (
	maxTelegramMessage = 4096
	source             = "telegram"
	placeholder        = "…"
)

// botAPI is the part of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithEditInterval sets the minimum time between two edits of a streaming
// reply.
func WithEditInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.editInterval = d
		}
	}
}

// WithAllowedChats restricts the bot to the given chat ids. An empty list
// allows every chat.
func WithAllowedChats(ids []int64) Option {
	return func(a *Adapter) {
		for _, id := range ids {
			a.allowed[id] = true
		}
	}
}

// WithLogger sets the logger the adapter reports send and command failures
// to. It defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// Adapter bridges Telegram to the gateway.
type Adapter struct {
	bot          botAPI
	gateway      *gateway.Gateway
	transcripts  types.TranscriptStore
	editInterval time.Duration
	allowed      map[int64]bool
	logger       *slog.Logger
}

// New creates a Telegram adapter.
func New(token string, gw *gateway.Gateway, transcripts types.TranscriptStore, opts ...Option) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return newAdapter(bot, gw, transcripts, opts...), nil
}

func newAdapter(bot botAPI, gw *gateway.Gateway, transcripts types.TranscriptStore, opts ...Option) *Adapter {
	a := &Adapter{
		bot:          bot,
		gateway:      gw,
		transcripts:  transcripts,
		editInterval: time.Second,
		allowed:      make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("component", "telegram")
	return a
}

// Start begins long-polling for Telegram updates. It returns when ctx ends.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

// Send delivers text to the chat a thread key belongs to. It is registered
// with the delivery registry for the "telegram" prefix.
func (a *Adapter) Send(_ context.Context, key types.ThreadKey, text string) error {
	chatID, err := chatFromKey(key)
	if err != nil {
		return err
	}
	for _, part := range splitMessage(text) {
		if _, err := a.send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("send to chat %d: %w", chatID, err)
		}
	}
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if len(a.allowed) > 0 && !a.allowed[chatID] {
		a.logger.Warn("message from chat not allowed", "chat_id", chatID)
		return
	}
	if msg.From == nil {
		return
	}

	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	key := buildThreadKey(msg.From.ID, chatID)
	reply := a.newReply(chatID)
	query := &types.InboundQuery{
		Source:    source,
		ThreadKey: key,
		UserID:    strconv.FormatInt(msg.From.ID, 10),
		Text:      msg.Text,
	}
	err := a.gateway.HandleInbound(ctx, query,
		gateway.WithOnUpdate(reply.update),
		gateway.WithOnComplete(reply.finish),
	)
	if err != nil {
		a.logger.Error("handle inbound", "thread_key", string(key), "error", err)
		a.reply(chatID, "Sorry, I could not take your question right now.")
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	key := buildThreadKey(msg.From.ID, chatID)

	switch msg.Command() {
	case "start":
		a.reply(chatID, "Hello! Ask me anything and I will search and answer. Follow-up questions continue the conversation; /new starts over.")

	case "new":
		if err := a.gateway.NewConversation(ctx, key); err != nil {
			a.logger.Error("new conversation", "thread_key", string(key), "error", err)
			a.reply(chatID, "Could not start a new conversation.")
			return
		}
		a.reply(chatID, "Starting a new conversation.")

	case "retry":
		reply := a.newReply(chatID)
		err := a.gateway.Retry(ctx, key, source,
			gateway.WithOnUpdate(reply.update),
			gateway.WithOnComplete(reply.finish),
		)
		if errors.Is(err, gateway.ErrNothingToRetry) {
			reply.finishText("Nothing to retry yet.")
			return
		}
		if err != nil {
			a.logger.Error("retry", "thread_key", string(key), "error", err)
			reply.finishText("Could not retry.")
		}

	case "cancel":
		a.gateway.Cancel(key)

	case "status":
		a.reply(chatID, a.status(ctx, key))

	default:
		a.reply(chatID, "Unknown command. Available: /start, /new, /retry, /cancel, /status")
	}
}

func (a *Adapter) status(ctx context.Context, key types.ThreadKey) string {
	th, err := a.gateway.Thread(ctx, key, source)
	if err != nil {
		a.logger.Error("status", "thread_key", string(key), "error", err)
		return "Error fetching status."
	}
	count, err := a.transcripts.Count(ctx, th.Index.ThreadID)
	if err != nil {
		a.logger.Error("status", "thread_key", string(key), "error", err)
		return "Error fetching status."
	}
	conv, ok := th.Machine.Continuity().Get()
	if !ok {
		conv = "(new)"
	}
	return fmt.Sprintf("Thread: %s\nConversation: %s\nTurns: %d\nState: %s",
		th.Index.ThreadID, conv, count, th.Machine.Snapshot().Phase)
}

// reply sends text, trying Markdown first and falling back to plain text.
func (a *Adapter) reply(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		if _, err := a.send(tgbotapi.NewMessage(chatID, part)); err != nil {
			a.logger.Error("send message", "chat_id", chatID, "error", err)
		}
	}
}

func (a *Adapter) send(msg tgbotapi.MessageConfig) (tgbotapi.Message, error) {
	msg.ParseMode = tgbotapi.ModeMarkdown
	sent, err := a.bot.Send(msg)
	if err == nil {
		return sent, nil
	}
	msg.ParseMode = ""
	return a.bot.Send(msg)
}

func (a *Adapter) edit(chatID int64, messageID int, text string) error {
	cfg := tgbotapi.NewEditMessageText(chatID, messageID, text)
	cfg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := a.bot.Send(cfg); err == nil {
		return nil
	}
	cfg.ParseMode = ""
	_, err := a.bot.Send(cfg)
	return err
}

// liveReply is the message an answer is streamed into. Edits are throttled
// by limiter; the final edit always goes through.
type liveReply struct {
	a       *Adapter
	chatID  int64
	limiter *rate.Limiter

	mu        sync.Mutex
	messageID int
	shown     string
	done      bool
}

func (a *Adapter) newReply(chatID int64) *liveReply {
	return &liveReply{
		a:       a,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Every(a.editInterval), 1),
	}
}

func (r *liveReply) update(snap turn.Snapshot) {
	text := preview(snap)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done || text == r.shown {
		return
	}
	if r.messageID != 0 && !r.limiter.Allow() {
		return
	}
	r.show(text)
}

func (r *liveReply) finish(snap turn.Snapshot) {
	r.finishText(render.Reply(snap))
}

func (r *liveReply) finishText(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true

	parts := splitMessage(text)
	r.show(parts[0])
	for _, part := range parts[1:] {
		if _, err := r.a.send(tgbotapi.NewMessage(r.chatID, part)); err != nil {
			r.a.logger.Error("send message", "chat_id", r.chatID, "error", err)
		}
	}
}

// show puts text on screen, sending the message on first use and editing
// it afterwards. The caller holds r.mu.
func (r *liveReply) show(text string) {
	if text == r.shown {
		return
	}
	if r.messageID == 0 {
		sent, err := r.a.send(tgbotapi.NewMessage(r.chatID, text))
		if err != nil {
			r.a.logger.Error("send message", "chat_id", r.chatID, "error", err)
			return
		}
		r.messageID = sent.MessageID
	} else if err := r.a.edit(r.chatID, r.messageID, text); err != nil {
		r.a.logger.Warn("edit message", "chat_id", r.chatID, "error", err)
		return
	}
	r.shown = text
}

// preview is the in-flight form of a reply: the text so far, or the status
// hint before any text has arrived.
func preview(snap turn.Snapshot) string {
	text := snap.DisplayText
	if text == "" {
		if snap.Status != nil {
			return render.StatusText(*snap.Status) + placeholder
		}
		return placeholder
	}
	if len(text) > maxTelegramMessage-len(placeholder) {
		text = truncate(text, maxTelegramMessage-len(placeholder))
	}
	return text + placeholder
}

func truncate(text string, n int) string {
	for n > 0 && n < len(text) && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

// splitMessage cuts text into chunks Telegram accepts, preferring line
// breaks and never splitting a UTF-8 sequence.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > maxTelegramMessage {
		end := strings.LastIndexByte(text[:maxTelegramMessage], '\n')
		if end <= 0 {
			end = len(truncate(text, maxTelegramMessage))
		}
		parts = append(parts, text[:end])
		text = strings.TrimPrefix(text[end:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

func buildThreadKey(userID, chatID int64) types.ThreadKey {
	return types.NewThreadKey(source,
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}

func chatFromKey(key types.ThreadKey) (int64, error) {
	parts := strings.Split(string(key), ":")
	if len(parts) != 3 || parts[0] != source {
		return 0, fmt.Errorf("not a telegram thread key: %q", key)
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id: %w", err)
	}
	return id, nil
}
