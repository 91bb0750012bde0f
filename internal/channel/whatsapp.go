package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"miabot/internal/config"
	"miabot/internal/domain"
)

const (
	whatsappGraphBase   = "https://graph.facebook.com"
	whatsappMaxMsgLen   = 4096
	whatsappMaxMedia    = 16 << 20
	whatsappMaxBodySize = 1 << 20
)

// WhatsApp implements domain.Transport on the WhatsApp Business Cloud API.
// Inbound messages arrive on a webhook mounted by the HTTP server.
type WhatsApp struct {
	cfg     config.WhatsAppConfig
	apiBase string
	bus     domain.MessageBus
	logger  *slog.Logger
	client  *http.Client

	// last inbound message ID per sender, needed for read receipts
	mu      sync.Mutex
	lastMsg map[string]string
}

type WhatsAppChannelConfig struct {
	Config     config.WhatsAppConfig
	APIBase    string // Graph API root, overridable in tests
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewWhatsApp(cfg WhatsAppChannelConfig) *WhatsApp {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.APIBase == "" {
		cfg.APIBase = whatsappGraphBase
	}
	version := cfg.Config.APIVersion
	if version == "" {
		version = "v21.0"
	}
	if cfg.Config.WebhookPath == "" {
		cfg.Config.WebhookPath = "/webhook/whatsapp"
	}
	return &WhatsApp{
		cfg:     cfg.Config,
		apiBase: strings.TrimRight(cfg.APIBase, "/") + "/" + version,
		logger:  cfg.Logger,
		client:  cfg.HTTPClient,
		lastMsg: make(map[string]string),
	}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

// Start only records the bus: the webhook handlers do the receiving.
func (w *WhatsApp) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus
	w.logger.Info("whatsapp channel ready", "webhook", w.cfg.WebhookPath, "phone_number_id", w.cfg.PhoneNumberID)
	return nil
}

func (w *WhatsApp) Stop() error { return nil }

// Routes mounts the verification and delivery endpoints of the webhook.
func (w *WhatsApp) Routes(r *mux.Router) {
	r.HandleFunc(w.cfg.WebhookPath, w.handleVerification).Methods(http.MethodGet)
	r.HandleFunc(w.cfg.WebhookPath, w.handleIncoming).Methods(http.MethodPost)
}

// --- Webhook handlers ---

func (w *WhatsApp) handleVerification(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	if mode == "subscribe" && w.cfg.VerifyToken != "" && q.Get("hub.verify_token") == w.cfg.VerifyToken {
		w.logger.Info("whatsapp webhook verified")
		rw.Header().Set("Content-Type", "text/plain")
		rw.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(rw, q.Get("hub.challenge"))
		return
	}
	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

func (w *WhatsApp) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, whatsappMaxBodySize))
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}
	if w.cfg.AppSecret != "" && !verifyHMAC(body, w.cfg.AppSecret, r.Header.Get("X-Hub-Signature-256")) {
		w.logger.Warn("whatsapp invalid signature")
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				w.publish(msg)
			}
		}
	}
	// Meta retries any non-2xx delivery, so unknown payloads are still acknowledged.
	rw.WriteHeader(http.StatusOK)
}

func (w *WhatsApp) publish(msg waMessage) {
	if w.bus == nil {
		w.logger.Warn("whatsapp message before start, dropped", "id", msg.ID)
		return
	}
	in := domain.InboundMessage{
		ID:        msg.ID,
		Channel:   w.Name(),
		Sender:    msg.From,
		Modality:  domain.ModalityUnknown,
		Timestamp: parseUnix(msg.Timestamp),
	}
	switch {
	case msg.Type == "text" && msg.Text != nil:
		in.Modality = domain.ModalityText
		in.Text = msg.Text.Body
	case msg.Type == "image" && msg.Image != nil:
		in.Modality = domain.ModalityImage
		in.MediaRef = msg.Image.ID
		in.MimeType = msg.Image.MimeType
		in.Caption = msg.Image.Caption
	case msg.Type == "audio" && msg.Audio != nil:
		in.Modality = domain.ModalityAudio
		in.MediaRef = msg.Audio.ID
		in.MimeType = msg.Audio.MimeType
	}

	w.mu.Lock()
	w.lastMsg[msg.From] = msg.ID
	w.mu.Unlock()

	w.logger.Info("whatsapp message received", "sender", msg.From, "type", msg.Type)
	w.bus.Publish(in)
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec == 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}

// --- Outbound ---

// Send delivers text, split into chunks the API accepts.
func (w *WhatsApp) Send(ctx context.Context, to, text string) error {
	for _, chunk := range splitMessage(text, whatsappMaxMsgLen) {
		if err := w.postMessage(ctx, map[string]any{
			"messaging_product": "whatsapp",
			"recipient_type":    "individual",
			"to":                to,
			"type":              "text",
			"text":              map[string]any{"body": chunk, "preview_url": false},
		}); err != nil {
			return err
		}
	}
	return nil
}

// SendMedia uploads an image and sends it with caption.
func (w *WhatsApp) SendMedia(ctx context.Context, to string, data []byte, caption string) error {
	mediaID, err := w.uploadMedia(ctx, data)
	if err != nil {
		return err
	}
	image := map[string]any{"id": mediaID}
	if caption != "" {
		image["caption"] = caption
	}
	return w.postMessage(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "image",
		"image":             image,
	})
}

// SetPresence shows the typing indicator, which the Cloud API ties to a read
// receipt of the sender's last message. The indicator clears itself when the
// reply arrives, so "available" needs no call.
func (w *WhatsApp) SetPresence(ctx context.Context, to string, state domain.Presence) error {
	if state != domain.PresenceComposing {
		return nil
	}
	w.mu.Lock()
	msgID := w.lastMsg[to]
	w.mu.Unlock()
	if msgID == "" {
		return nil
	}
	return w.postMessage(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        msgID,
		"typing_indicator":  map[string]string{"type": "text"},
	})
}

type waMediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// DownloadMedia resolves a media ID to its URL, then fetches the bytes.
func (w *WhatsApp) DownloadMedia(ctx context.Context, ref string) ([]byte, error) {
	raw, err := w.do(ctx, http.MethodGet, w.apiBase+"/"+ref, nil, "")
	if err != nil {
		return nil, fmt.Errorf("whatsapp media lookup: %w", err)
	}
	var info waMediaInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("whatsapp media lookup: %w", err)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("whatsapp media %s has no url", ref)
	}
	if info.FileSize > whatsappMaxMedia {
		return nil, fmt.Errorf("whatsapp media %s too large: %d bytes", ref, info.FileSize)
	}
	data, err := w.do(ctx, http.MethodGet, info.URL, nil, "")
	if err != nil {
		return nil, fmt.Errorf("whatsapp media download: %w", err)
	}
	return data, nil
}

type waUploadResult struct {
	ID string `json:"id"`
}

func (w *WhatsApp) uploadMedia(ctx context.Context, data []byte) (string, error) {
	mimeType := http.DetectContentType(data)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("messaging_product", "whatsapp")
	_ = mw.WriteField("type", mimeType)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image"`)
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	url := fmt.Sprintf("%s/%s/media", w.apiBase, w.cfg.PhoneNumberID)
	raw, err := w.do(ctx, http.MethodPost, url, &body, mw.FormDataContentType())
	if err != nil {
		return "", fmt.Errorf("whatsapp media upload: %w", err)
	}
	var res waUploadResult
	if err := json.Unmarshal(raw, &res); err != nil || res.ID == "" {
		return "", fmt.Errorf("whatsapp media upload: unexpected response %q", truncate(string(raw), 200))
	}
	return res.ID, nil
}

func (w *WhatsApp) postMessage(ctx context.Context, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	url := fmt.Sprintf("%s/%s/messages", w.apiBase, w.cfg.PhoneNumberID)
	if _, err := w.do(ctx, http.MethodPost, url, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	return nil
}

func (w *WhatsApp) do(ctx context.Context, method, url string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, whatsappMaxMedia))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}
	return raw, nil
}

// --- WhatsApp webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Messages         []waMessage `json:"messages"`
}

type waMessage struct {
	From      string   `json:"from"`
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"`
	Type      string   `json:"type"`
	Text      *waText  `json:"text,omitempty"`
	Image     *waMedia `json:"image,omitempty"`
	Audio     *waMedia `json:"audio,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}
