package channel

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/driftwatch/driftwatch/internal/bus"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/convo"
)

const telegramChannelName = "telegram"

// Outbound sends are bounded so a stalled telegram API call cannot hold the
// dispatcher. The poll client must outlive the 30s long-poll window.
const (
	telegramSendTimeout = 10 * time.Second
	telegramPollTimeout = 40 * time.Second
)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel delivers escalations to a fixed chat and polls for replies.
// Replies are recorded in the conversation store and reported to OnInbound so
// the server can treat them as proof of life.
type TelegramChannel struct {
	BaseChannel
	token      string
	chatID     int64
	bot        TelegramBot
	pollBot    TelegramBot
	proxy      string
	store      *convo.Store
	cancel     context.CancelFunc
	botFactory BotFactory

	// OnInbound fires for every accepted reply. Optional.
	OnInbound func(senderID, text string)
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.Bus, store *convo.Store) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, store, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.Bus, store *convo.Store, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", cfg.ChatID, err)
	}

	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		chatID:      chatID,
		proxy:       cfg.Proxy,
		store:       store,
		botFactory:  factory,
	}, nil
}

func (t *TelegramChannel) initBot() error {
	transport := http.DefaultTransport
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint,
		&http.Client{Timeout: telegramSendTimeout, Transport: transport})
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	pollBot, err := t.botFactory(t.token, tgbotapi.APIEndpoint,
		&http.Client{Timeout: telegramPollTimeout, Transport: transport})
	if err != nil {
		return fmt.Errorf("create telegram poll bot: %w", err)
	}

	t.bot, t.pollBot = bot, pollBot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.bot == nil {
		if err := t.initBot(); err != nil {
			return err
		}
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.pollBot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if !t.IsAllowed(senderID) {
		log.Printf("[telegram] rejected message from %s (%s)", senderID, msg.From.UserName)
		return
	}

	content := msg.Text
	if content == "" {
		return
	}

	if err := t.store.Append("user", content); err != nil {
		log.Printf("[telegram] record reply: %v", err)
	}
	if t.OnInbound != nil {
		t.OnInbound(senderID, content)
	}
}

func (t *TelegramChannel) Send(e bus.Escalation) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	text := e.Message
	if e.Title != "" {
		text = fmt.Sprintf("%s\n(seen: %s)", e.Message, e.Title)
	}

	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.pollBot != nil {
		t.pollBot.StopReceivingUpdates()
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets both bots (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
	t.pollBot = bot
}
