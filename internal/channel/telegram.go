package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"miabot/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramMaxMedia       = 20 << 20
)

// Telegram implements domain.Transport for the Telegram Bot API using long polling.
type Telegram struct {
	token        string
	pollTimeout  int
	apiEndpoint  string
	fileEndpoint string

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	client *http.Client
	logger *slog.Logger
}

type TelegramChannelConfig struct {
	Token       string
	PollTimeout int
	// Endpoints in tgbotapi format ("https://api.telegram.org/bot%s/%s"),
	// overridable in tests.
	APIEndpoint  string
	FileEndpoint string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func NewTelegram(cfg TelegramChannelConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60
	}
	return &Telegram{
		token:        cfg.Token,
		pollTimeout:  cfg.PollTimeout,
		apiEndpoint:  cfg.APIEndpoint,
		fileEndpoint: cfg.FileEndpoint,
		client:       cfg.HTTPClient,
		logger:       cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Connect authenticates the bot. Start calls it when needed.
func (t *Telegram) Connect() error {
	if t.bot != nil {
		return nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.apiEndpoint, t.client)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return nil
}

// Start polls for updates and blocks until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus
	if err := t.Connect(); err != nil {
		return err
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.pollTimeout
	updates := t.bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			if in, ok := telegramInbound(update.Message); ok {
				t.logger.Info("telegram message received", "sender", in.Sender, "modality", in.Modality)
				t.bus.Publish(in)
			}
		}
	}
}

// Stop is a no-op: StopReceivingUpdates panics when called twice and Start
// already calls it on cancellation.
func (t *Telegram) Stop() error { return nil }

// telegramInbound maps a Telegram message onto the inbound shape. Group and
// supergroup chats get the group suffix so the pipeline ignores them.
func telegramInbound(msg *tgbotapi.Message) (domain.InboundMessage, bool) {
	if msg.Chat == nil {
		return domain.InboundMessage{}, false
	}
	sender := strconv.FormatInt(msg.Chat.ID, 10)
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		sender += domain.GroupSuffix
	}

	in := domain.InboundMessage{
		ID:        strconv.Itoa(msg.MessageID),
		Channel:   "telegram",
		Sender:    sender,
		Modality:  domain.ModalityUnknown,
		Caption:   msg.Caption,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	switch {
	case msg.Text != "":
		in.Modality = domain.ModalityText
		in.Text = msg.Text
	case len(msg.Photo) > 0:
		// sizes are listed smallest first
		in.Modality = domain.ModalityImage
		in.MediaRef = msg.Photo[len(msg.Photo)-1].FileID
		in.MimeType = "image/jpeg"
	case msg.Voice != nil:
		in.Modality = domain.ModalityAudio
		in.MediaRef = msg.Voice.FileID
		in.MimeType = msg.Voice.MimeType
	case msg.Audio != nil:
		in.Modality = domain.ModalityAudio
		in.MediaRef = msg.Audio.FileID
		in.MimeType = msg.Audio.MimeType
	}
	return in, true
}

func parseChatID(to string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSuffix(to, domain.GroupSuffix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat ID %q: %w", to, err)
	}
	return id, nil
}

func (t *Telegram) Send(ctx context.Context, to string, text string) error {
	chatID, err := parseChatID(to)
	if err != nil {
		return err
	}
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) SendMedia(ctx context.Context, to string, data []byte, caption string) error {
	chatID, err := parseChatID(to)
	if err != nil {
		return err
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "image.png", Bytes: data})
	photo.Caption = caption
	if _, err := t.bot.Send(photo); err != nil {
		return fmt.Errorf("telegram send photo: %w", err)
	}
	return nil
}

// SetPresence sends the typing action. Telegram clears it by itself, so
// "available" needs no call.
func (t *Telegram) SetPresence(ctx context.Context, to string, state domain.Presence) error {
	if state != domain.PresenceComposing {
		return nil
	}
	chatID, err := parseChatID(to)
	if err != nil {
		return err
	}
	if _, err := t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("telegram chat action: %w", err)
	}
	return nil
}

// DownloadMedia resolves a file ID through getFile and fetches the content.
func (t *Telegram) DownloadMedia(ctx context.Context, ref string) ([]byte, error) {
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: ref})
	if err != nil {
		return nil, fmt.Errorf("telegram get file: %w", err)
	}
	url := fmt.Sprintf(t.fileEndpoint, t.token, file.FilePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, telegramMaxMedia))
	if err != nil {
		return nil, fmt.Errorf("telegram download: %w", err)
	}
	return data, nil
}

// sendChunk sends one chunk, backing off on rate limits and transient errors.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		_, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return nil
		}
		lastErr = err

		backoff := time.Duration(attempt+1) * time.Second
		errStr := err.Error()
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			backoff = time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
		} else {
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	t.logger.Error("telegram send failed after retries", "err", lastErr, "attempts", telegramMaxSendRetries+1)
	return fmt.Errorf("telegram send: %w", lastErr)
}
