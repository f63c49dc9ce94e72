package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	// PollerUnit is the name of the long-poll goroutine.
	PollerUnit = "Telegram Poller"

	defaultPollTimeout = 30
	maxPollFailures    = 5
)

// Spawner starts named goroutines whose liveness is observed externally.
type Spawner interface {
	Go(name string, fn func())
}

// Handler receives inbound Telegram events.
type Handler interface {
	OnMessage(ctx context.Context, msg *Message)
	OnReaction(ctx context.Context, r *MessageReactionUpdate)
}

type Options struct {
	Token       string
	APIEndpoint string
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int
	Logger      *slog.Logger
	Units       Spawner
}

// ReactionResult reports how a reaction was delivered.
type ReactionResult struct {
	// Applied is true when the native reaction was set.
	Applied bool
	// FallbackMessageID is the text message sent instead, when the reaction was refused.
	FallbackMessageID int
}

// Connection is the Telegram bot transport.
type Connection struct {
	bot     *tgbotapi.BotAPI
	log     *slog.Logger
	units   Spawner
	timeout int
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc

	offsetLock sync.Mutex
	offset     int

	exit atomic.Bool
}

// ctxClient binds every API request to the connection context so Shutdown
// aborts an in-flight long poll.
type ctxClient struct {
	ctx    context.Context
	client *http.Client
}

func (c *ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

func New(opts Options) (*Connection, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Units == nil {
		return nil, errors.New("telegram connection needs a goroutine spawner")
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.APIEndpoint == "" {
		opts.APIEndpoint = tgbotapi.APIEndpoint
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &ctxClient{
		ctx:    ctx,
		client: &http.Client{Timeout: time.Duration(opts.PollTimeout+15) * time.Second},
	}
	bot, err := tgbotapi.NewBotAPIWithClient(opts.Token, opts.APIEndpoint, client)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("telegram login: %w", err)
	}

	c := &Connection{
		bot:     bot,
		log:     opts.Logger.With("component", "telegram"),
		units:   opts.Units,
		timeout: opts.PollTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.log.Info("telegram bot authorized", "username", bot.Self.UserName)
	return c, nil
}

func (c *Connection) SetHandler(h Handler) {
	c.handler = h
}

// BotID is the user ID of the bot itself.
func (c *Connection) BotID() int64 {
	return c.bot.Self.ID
}

func (c *Connection) Run() error {
	if c.exit.Load() {
		return errors.New("telegram connection already shut down")
	}
	c.units.Go(PollerUnit, c.pollLoop)
	return nil
}

func (c *Connection) Exited() bool {
	return c.exit.Load()
}

func (c *Connection) Shutdown() {
	c.exit.Store(true)
	c.cancel()
}

func (c *Connection) pollLoop() {
	failures := 0
	for !c.exit.Load() {
		updates, err := c.poll()
		if err != nil {
			if c.exit.Load() {
				return
			}
			failures++
			c.log.Warn("telegram poll failed", "error", err, "failures", failures)
			if failures >= maxPollFailures {
				c.log.Error("too many telegram poll failures, stopping poller")
				return
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}
		failures = 0
		for i := range updates {
			c.dispatch(&updates[i])
		}
	}
}

func (c *Connection) poll() ([]Update, error) {
	c.offsetLock.Lock()
	offset := c.offset
	c.offsetLock.Unlock()

	params := tgbotapi.Params{}
	params.AddNonZero("offset", offset)
	params.AddNonZero("timeout", c.timeout)
	if err := params.AddInterface("allowed_updates", []string{"message", "message_reaction"}); err != nil {
		return nil, err
	}

	resp, err := c.bot.MakeRequest("getUpdates", params)
	if err != nil {
		return nil, err
	}
	updates, skipped, err := DecodeUpdates(resp.Result)
	if err != nil {
		return nil, err
	}

	c.offsetLock.Lock()
	defer c.offsetLock.Unlock()
	for _, u := range updates {
		c.advanceOffset(u.UpdateID)
	}
	for _, s := range skipped {
		c.log.Warn("skipping undecodable telegram update", "update", s.UpdateID, "error", s.Err)
		c.advanceOffset(s.UpdateID)
	}
	return updates, nil
}

// advanceOffset must be called with offsetLock held.
func (c *Connection) advanceOffset(updateID int) {
	if updateID >= c.offset {
		c.offset = updateID + 1
	}
}

func (c *Connection) dispatch(u *Update) {
	if c.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("telegram handler panicked", "update", u.UpdateID, "panic", r)
		}
	}()

	switch {
	case u.MessageReaction != nil:
		c.handler.OnReaction(c.ctx, u.MessageReaction)
	case u.Message != nil:
		c.handler.OnMessage(c.ctx, u.Message)
	}
}

// SendMessage sends text to chatID, optionally as a reply, returning the new message ID.
func (c *Connection) SendMessage(ctx context.Context, chatID int64, text string, replyTo int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if replyTo != 0 {
		msg.ReplyToMessageID = replyTo
		msg.AllowSendingWithoutReply = true
	}
	sent, err := c.bot.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// SendReaction sets emoji as a reaction on a message. When Telegram refuses
// the emoji and fallbackText is set, fallbackText is sent as a reply instead.
func (c *Connection) SendReaction(ctx context.Context, chatID int64, messageID int, emoji, fallbackText string) (ReactionResult, error) {
	if err := ctx.Err(); err != nil {
		return ReactionResult{}, err
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	if err := params.AddInterface("reaction", []ReactionType{{Type: "emoji", Emoji: emoji}}); err != nil {
		return ReactionResult{}, err
	}

	_, err := c.bot.MakeRequest("setMessageReaction", params)
	if err == nil {
		return ReactionResult{Applied: true}, nil
	}
	if !isAPIError(err) || fallbackText == "" {
		return ReactionResult{}, err
	}

	c.log.Debug("reaction refused, sending fallback", "chat", chatID, "message", messageID, "error", err)
	id, err := c.SendMessage(ctx, chatID, fallbackText, messageID)
	if err != nil {
		return ReactionResult{}, err
	}
	return ReactionResult{FallbackMessageID: id}, nil
}

// isAPIError is true for errors reported by Telegram itself, as opposed to transport failures.
func isAPIError(err error) bool {
	var ptrErr *tgbotapi.Error
	if errors.As(err, &ptrErr) {
		return true
	}
	var valErr tgbotapi.Error
	return errors.As(err, &valErr)
}
