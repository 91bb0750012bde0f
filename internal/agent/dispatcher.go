package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"miabot/internal/bus"
	"miabot/internal/classify"
	"miabot/internal/domain"
	"miabot/internal/queue"
)

const defaultContextTurns = 20

// AbuseGate decides whether a sender may be served.
type AbuseGate interface {
	IsBanned(ctx context.Context, sender string) bool
	CheckRateLimit(ctx context.Context, sender string) bool
}

// Answerer produces replies from provider calls. *Orchestrator implements it.
type Answerer interface {
	GenerateResponse(ctx context.Context, text string, turns []domain.ConversationTurn, language string) string
	AnalyzeImage(ctx context.Context, image []byte) string
	TranscribeAudio(ctx context.Context, audio []byte) (string, bool)
	GenerateImage(ctx context.Context, prompt string) ([]byte, bool)
}

// Dispatcher drives one inbound message through the pipeline and replies on
// the transport the message came from.
type Dispatcher struct {
	bus             domain.MessageBus
	queue           *queue.Queue
	gate            AbuseGate
	answers         Answerer
	store           domain.Store
	events          *bus.EventBus
	logger          *slog.Logger
	defaultLanguage string
	contextTurns    int

	mu         sync.RWMutex
	transports map[string]domain.Transport
}

type DispatcherConfig struct {
	Bus             domain.MessageBus
	Queue           *queue.Queue
	Gate            AbuseGate
	Answers         Answerer
	Store           domain.Store
	Events          *bus.EventBus
	Logger          *slog.Logger
	DefaultLanguage string
	ContextTurns    int
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = defaultContextTurns
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = defaultOrchestratorLang
	}
	return &Dispatcher{
		bus:             cfg.Bus,
		queue:           cfg.Queue,
		gate:            cfg.Gate,
		answers:         cfg.Answers,
		store:           cfg.Store,
		events:          cfg.Events,
		logger:          cfg.Logger,
		defaultLanguage: cfg.DefaultLanguage,
		contextTurns:    cfg.ContextTurns,
		transports:      make(map[string]domain.Transport),
	}
}

// Register makes a transport available for replies to its messages.
func (d *Dispatcher) Register(t domain.Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports[t.Name()] = t
}

func (d *Dispatcher) transport(name string) (domain.Transport, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.transports[name]
	return t, ok
}

// Run consumes the bus until ctx ends or the bus closes, enqueueing one task
// per message.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started")
	inbound := d.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping", "pending", d.queue.Len())
			return
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound bus closed, dispatcher stopping")
				return
			}
			d.queue.Add(func(ctx context.Context) error {
				d.Handle(ctx, msg)
				return nil
			})
		}
	}
}

// Handle runs the pipeline for msg. Errors and panics stop here: they are
// logged and answered with the generic apology.
func (d *Dispatcher) Handle(ctx context.Context, msg domain.InboundMessage) {
	t, ok := d.transport(msg.Channel)
	if !ok {
		d.logger.Error("no transport for message", "channel", msg.Channel, "sender", msg.Sender)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while handling message",
				"sender", msg.Sender,
				"modality", msg.Modality,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			d.pipelineError(msg, fmt.Errorf("panic: %v", r))
			d.send(ctx, t, msg.Sender, ReplyGenericError)
		}
	}()

	if err := d.process(ctx, t, msg); err != nil {
		d.logger.Error("message handling failed",
			"sender", msg.Sender,
			"modality", msg.Modality,
			"channel", msg.Channel,
			"err", err,
		)
		d.pipelineError(msg, err)
		d.send(ctx, t, msg.Sender, ReplyGenericError)
	}
}

func (d *Dispatcher) process(ctx context.Context, t domain.Transport, msg domain.InboundMessage) error {
	if domain.IsGroupAddress(msg.Sender) {
		d.dropped(msg, "group")
		return nil
	}
	if d.gate.IsBanned(ctx, msg.Sender) {
		d.dropped(msg, "banned")
		return nil
	}
	if !d.gate.CheckRateLimit(ctx, msg.Sender) {
		d.logger.Info("rate limited", "sender", msg.Sender, "channel", msg.Channel)
		d.emit(bus.EventRateLimited, msg, nil)
		d.send(ctx, t, msg.Sender, ReplyRateLimited)
		return nil
	}

	d.emit(bus.EventMessageReceived, msg, nil)
	if msg.Modality != domain.ModalityText && msg.Modality != domain.ModalityImage && msg.Modality != domain.ModalityAudio {
		d.send(ctx, t, msg.Sender, ReplyUnsupported)
		return nil
	}

	d.presence(ctx, t, msg.Sender, domain.PresenceComposing)

	var err error
	switch msg.Modality {
	case domain.ModalityText:
		err = d.handleText(ctx, t, msg)
	case domain.ModalityImage:
		err = d.handleImage(ctx, t, msg)
	case domain.ModalityAudio:
		err = d.handleAudio(ctx, t, msg)
	}

	d.presence(ctx, t, msg.Sender, domain.PresenceAvailable)
	if statErr := d.store.RecordDailyStat(ctx, statMessagesReceived); statErr != nil {
		d.logger.Debug("daily stat not recorded", "err", statErr)
	}
	return err
}

func (d *Dispatcher) handleText(ctx context.Context, t domain.Transport, msg domain.InboundMessage) error {
	if msg.Text == "" {
		return nil
	}
	if d.blocked(ctx, t, msg, msg.Text) {
		return nil
	}

	if classify.DetectIntent(msg.Text) == classify.IntentGenerateImage {
		prompt := classify.ExtractImagePrompt(msg.Text)
		d.send(ctx, t, msg.Sender, ReplyGenerating)

		img, ok := d.answers.GenerateImage(ctx, prompt)
		if !ok {
			d.send(ctx, t, msg.Sender, ReplyGenerateFailed)
			return nil
		}
		if err := t.SendMedia(ctx, msg.Sender, img, generatedCaption(prompt)); err != nil {
			return fmt.Errorf("send generated image: %w", err)
		}
		d.emit(bus.EventMessageReplied, msg, map[string]any{"kind": "image"})
		return nil
	}

	return d.chat(ctx, t, msg, msg.Text)
}

func (d *Dispatcher) handleImage(ctx context.Context, t domain.Transport, msg domain.InboundMessage) error {
	d.send(ctx, t, msg.Sender, ReplyAnalyzing)

	data, err := t.DownloadMedia(ctx, msg.MediaRef)
	if err != nil {
		d.logger.Warn("image download failed", "sender", msg.Sender, "err", err)
		d.send(ctx, t, msg.Sender, ReplyAnalyzeFailed)
		return nil
	}

	analysis := d.answers.AnalyzeImage(ctx, data)
	user := d.user(ctx, msg.Sender)
	d.appendTurn(ctx, user.ID, domain.RoleUser, imageTurn(msg.Caption))
	d.appendTurn(ctx, user.ID, domain.RoleAssistant, analysis)

	d.send(ctx, t, msg.Sender, analysis)
	d.emit(bus.EventMessageReplied, msg, map[string]any{"kind": "analysis"})
	return nil
}

func (d *Dispatcher) handleAudio(ctx context.Context, t domain.Transport, msg domain.InboundMessage) error {
	d.send(ctx, t, msg.Sender, ReplyTranscribing)

	data, err := t.DownloadMedia(ctx, msg.MediaRef)
	if err != nil {
		d.logger.Warn("audio download failed", "sender", msg.Sender, "err", err)
		d.send(ctx, t, msg.Sender, ReplyVoiceNoteFailed)
		return nil
	}

	text, ok := d.answers.TranscribeAudio(ctx, data)
	if !ok {
		d.send(ctx, t, msg.Sender, ReplyNotUnderstood)
		return nil
	}
	d.send(ctx, t, msg.Sender, transcriptEcho(text))

	if d.blocked(ctx, t, msg, text) {
		return nil
	}
	return d.chat(ctx, t, msg, text)
}

// chat is the conversational path shared by text and transcribed audio.
func (d *Dispatcher) chat(ctx context.Context, t domain.Transport, msg domain.InboundMessage, text string) error {
	user := d.user(ctx, msg.Sender)

	turns, err := d.store.GetRecentTurns(ctx, user.ID, d.contextTurns)
	if err != nil {
		d.logger.Warn("context unavailable, answering without it", "sender", msg.Sender, "err", err)
		turns = nil
	}

	language := user.Language
	if language == "" {
		language = d.defaultLanguage
	}
	reply := d.answers.GenerateResponse(ctx, text, turns, language)

	d.appendTurn(ctx, user.ID, domain.RoleUser, text)
	d.appendTurn(ctx, user.ID, domain.RoleAssistant, reply)

	if err := t.Send(ctx, msg.Sender, reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	d.emit(bus.EventMessageReplied, msg, map[string]any{"kind": "chat"})
	return nil
}

// user falls back to a transient record when the store is unavailable.
func (d *Dispatcher) user(ctx context.Context, sender string) *domain.UserRecord {
	u, err := d.store.GetOrCreateUser(ctx, sender)
	if err != nil || u == nil {
		d.logger.Warn("user lookup failed, using transient user", "sender", sender, "err", err)
		return &domain.UserRecord{ID: sender, Sender: sender, Language: d.defaultLanguage}
	}
	return u
}

func (d *Dispatcher) appendTurn(ctx context.Context, userID, role, content string) {
	if err := d.store.AppendTurn(ctx, userID, role, content); err != nil {
		d.logger.Warn("turn not saved", "user_id", userID, "role", role, "err", err)
	}
}

func (d *Dispatcher) blocked(ctx context.Context, t domain.Transport, msg domain.InboundMessage, text string) bool {
	res := classify.FilterContent(text)
	if !res.Blocked {
		return false
	}
	d.logger.Info("content blocked", "sender", msg.Sender, "category", res.Category)
	d.emit(bus.EventContentBlocked, msg, map[string]any{"category": res.Category})
	d.send(ctx, t, msg.Sender, res.Reason)
	return true
}

// send logs delivery failures instead of returning them; a notice that
// cannot be delivered must not abort the pipeline.
func (d *Dispatcher) send(ctx context.Context, t domain.Transport, to, text string) {
	if err := t.Send(ctx, to, text); err != nil {
		d.logger.Warn("send failed", "channel", t.Name(), "sender", to, "err", err)
	}
}

func (d *Dispatcher) presence(ctx context.Context, t domain.Transport, to string, state domain.Presence) {
	if err := t.SetPresence(ctx, to, state); err != nil {
		d.logger.Debug("presence update failed", "channel", t.Name(), "sender", to, "state", state, "err", err)
	}
}

func (d *Dispatcher) dropped(msg domain.InboundMessage, reason string) {
	d.logger.Debug("message dropped", "sender", msg.Sender, "channel", msg.Channel, "reason", reason)
	d.emit(bus.EventMessageDropped, msg, map[string]any{"reason": reason})
}

func (d *Dispatcher) pipelineError(msg domain.InboundMessage, err error) {
	d.emit(bus.EventPipelineError, msg, map[string]any{"err": err.Error()})
}

func (d *Dispatcher) emit(eventType string, msg domain.InboundMessage, extra map[string]any) {
	payload := map[string]any{
		"channel":  msg.Channel,
		"sender":   msg.Sender,
		"modality": string(msg.Modality),
	}
	for k, v := range extra {
		payload[k] = v
	}
	d.events.Emit(bus.Event{Type: eventType, Source: "dispatcher", Payload: payload})
}
