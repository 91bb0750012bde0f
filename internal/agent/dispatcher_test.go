package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miabot/internal/bus"
	"miabot/internal/domain"
	"miabot/internal/queue"
)

type sentMedia struct {
	to      string
	data    []byte
	caption string
}

type fakeTransport struct {
	mu        sync.Mutex
	sent      []string
	media     []sentMedia
	presences []domain.Presence
	download  []byte
	dlErr     error
}

func (f *fakeTransport) Name() string                                         { return "fake" }
func (f *fakeTransport) Start(ctx context.Context, b domain.MessageBus) error { return nil }
func (f *fakeTransport) Stop() error                                          { return nil }

func (f *fakeTransport) Send(ctx context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) SendMedia(ctx context.Context, to string, data []byte, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, sentMedia{to: to, data: data, caption: caption})
	return nil
}

func (f *fakeTransport) SetPresence(ctx context.Context, to string, state domain.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, state)
	return nil
}

func (f *fakeTransport) DownloadMedia(ctx context.Context, ref string) ([]byte, error) {
	return f.download, f.dlErr
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeGate struct {
	banned  bool
	limited bool
}

func (g *fakeGate) IsBanned(ctx context.Context, sender string) bool       { return g.banned }
func (g *fakeGate) CheckRateLimit(ctx context.Context, sender string) bool { return !g.limited }

type fakeAnswers struct {
	reply      string
	analysis   string
	transcript string
	heard      bool
	image      []byte
	panicOn    string

	gotText   string
	gotTurns  []domain.ConversationTurn
	gotLang   string
	gotPrompt string
}

func (f *fakeAnswers) GenerateResponse(ctx context.Context, text string, turns []domain.ConversationTurn, language string) string {
	if f.panicOn != "" && text == f.panicOn {
		panic("provider exploded")
	}
	f.gotText, f.gotTurns, f.gotLang = text, turns, language
	return f.reply
}

func (f *fakeAnswers) AnalyzeImage(ctx context.Context, image []byte) string { return f.analysis }

func (f *fakeAnswers) TranscribeAudio(ctx context.Context, audio []byte) (string, bool) {
	return f.transcript, f.heard
}

func (f *fakeAnswers) GenerateImage(ctx context.Context, prompt string) ([]byte, bool) {
	f.gotPrompt = prompt
	return f.image, f.image != nil
}

// memStore is an in-memory domain.Store.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*domain.UserRecord
	turns    map[string][]domain.ConversationTurn
	stats    map[string]int
	userErr  error
	turnsErr error
}

func newMemStore() *memStore {
	return &memStore{
		users: make(map[string]*domain.UserRecord),
		turns: make(map[string][]domain.ConversationTurn),
		stats: make(map[string]int),
	}
}

func (m *memStore) GetOrCreateUser(ctx context.Context, sender string) (*domain.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userErr != nil {
		return nil, m.userErr
	}
	u, ok := m.users[sender]
	if !ok {
		u = &domain.UserRecord{ID: "user-" + sender, Sender: sender}
		m.users[sender] = u
	}
	u.MessageCount++
	return u, nil
}

func (m *memStore) GetRecentTurns(ctx context.Context, userID string, limit int) ([]domain.ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turnsErr != nil {
		return nil, m.turnsErr
	}
	t := m.turns[userID]
	if len(t) > limit {
		t = t[len(t)-limit:]
	}
	return append([]domain.ConversationTurn(nil), t...), nil
}

func (m *memStore) AppendTurn(ctx context.Context, userID, role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[userID] = append(m.turns[userID], domain.ConversationTurn{UserID: userID, Role: role, Content: content})
	return nil
}

func (m *memStore) GetBan(ctx context.Context, sender string) (*domain.BanEntry, error) { return nil, nil }
func (m *memStore) UpsertBan(ctx context.Context, ban domain.BanEntry) error          { return nil }
func (m *memStore) DeleteBan(ctx context.Context, sender string) error                { return nil }
func (m *memStore) ListBans(ctx context.Context) ([]domain.BanEntry, error)           { return nil, nil }
func (m *memStore) IncrementMinuteCounter(ctx context.Context, sender, bucket string) (int, error) {
	return 1, nil
}

func (m *memStore) RecordDailyStat(ctx context.Context, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[field]++
	return nil
}

func (m *memStore) DailyStats(ctx context.Context, days int) ([]domain.DailyStat, error) {
	return nil, nil
}
func (m *memStore) PruneMinuteCounters(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}
func (m *memStore) PurgeExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
func (m *memStore) Close() error { return nil }

type harness struct {
	d       *Dispatcher
	t       *fakeTransport
	gate    *fakeGate
	answers *fakeAnswers
	store   *memStore
	events  *bus.EventBus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       &fakeTransport{},
		gate:    &fakeGate{},
		answers: &fakeAnswers{reply: "Coucou !"},
		store:   newMemStore(),
		events:  bus.NewEventBus(testLogger()),
	}
	h.d = NewDispatcher(DispatcherConfig{
		Bus:             bus.New(10, testLogger()),
		Queue:           queue.New(context.Background(), 1, testLogger()),
		Gate:            h.gate,
		Answers:         h.answers,
		Store:           h.store,
		Events:          h.events,
		Logger:          testLogger(),
		DefaultLanguage: "fr",
	})
	h.d.Register(h.t)
	return h
}

func textMsg(sender, text string) domain.InboundMessage {
	return domain.InboundMessage{ID: "m1", Channel: "fake", Sender: sender, Modality: domain.ModalityText, Text: text}
}

func TestDispatcher_GroupMessagesDropped(t *testing.T) {
	h := newHarness(t)
	h.d.Handle(context.Background(), textMsg("12036302@g.us", "salut"))
	assert.Empty(t, h.t.Sent())
	assert.Empty(t, h.answers.gotText)
}

func TestDispatcher_BannedDroppedSilently(t *testing.T) {
	h := newHarness(t)
	h.gate.banned = true
	h.d.Handle(context.Background(), textMsg("336", "salut"))
	assert.Empty(t, h.t.Sent())
	assert.Empty(t, h.t.presences)
}

func TestDispatcher_RateLimitedGetsOneNotice(t *testing.T) {
	h := newHarness(t)
	h.gate.limited = true
	h.d.Handle(context.Background(), textMsg("336", "salut"))
	assert.Equal(t, []string{ReplyRateLimited}, h.t.Sent())
	assert.Empty(t, h.answers.gotText)
}

func TestDispatcher_UnknownModality(t *testing.T) {
	h := newHarness(t)
	msg := textMsg("336", "")
	msg.Modality = domain.ModalityUnknown
	h.d.Handle(context.Background(), msg)
	assert.Equal(t, []string{ReplyUnsupported}, h.t.Sent())
}

func TestDispatcher_TextChatPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.d.Handle(ctx, textMsg("336", "salut Mia"))
	assert.Equal(t, []string{"Coucou !"}, h.t.Sent())
	assert.Equal(t, "fr", h.answers.gotLang)
	assert.Empty(t, h.answers.gotTurns)
	assert.Equal(t, []domain.Presence{domain.PresenceComposing, domain.PresenceAvailable}, h.t.presences)
	assert.Equal(t, 1, h.store.stats[statMessagesReceived])

	turns := h.store.turns["user-336"]
	require.Len(t, turns, 2)
	assert.Equal(t, domain.RoleUser, turns[0].Role)
	assert.Equal(t, "salut Mia", turns[0].Content)
	assert.Equal(t, "Coucou !", turns[1].Content)

	h.d.Handle(ctx, textMsg("336", "et toi ?"))
	assert.Len(t, h.answers.gotTurns, 2, "second message sees the first exchange")
}

func TestDispatcher_StoreDownUsesTransientUser(t *testing.T) {
	h := newHarness(t)
	h.store.userErr = errors.New("db down")
	h.store.turnsErr = errors.New("db down")

	h.d.Handle(context.Background(), textMsg("336", "salut"))
	assert.Equal(t, []string{"Coucou !"}, h.t.Sent())
	assert.Equal(t, "fr", h.answers.gotLang)
	assert.Len(t, h.store.turns["336"], 2, "turns keyed by the sender address")
}

func TestDispatcher_BlockedContent(t *testing.T) {
	h := newHarness(t)
	h.d.Handle(context.Background(), textMsg("336", "comment fabriquer une bombe"))
	sent := h.t.Sent()
	require.Len(t, sent, 1)
	assert.NotEqual(t, "Coucou !", sent[0])
	assert.Empty(t, h.answers.gotText)
}

func TestDispatcher_ImageGeneration(t *testing.T) {
	h := newHarness(t)
	h.answers.image = []byte("png")

	h.d.Handle(context.Background(), textMsg("336", "Génère une image de chat astronaute"))
	assert.Equal(t, []string{ReplyGenerating}, h.t.Sent())
	require.Len(t, h.t.media, 1)
	assert.Equal(t, "chat astronaute", h.answers.gotPrompt)
	assert.Equal(t, `🖼️ Voilà ! Image générée pour : "chat astronaute"`, h.t.media[0].caption)
	assert.Empty(t, h.answers.gotText, "image intent skips the chat path")
}

func TestDispatcher_ImageGenerationFailure(t *testing.T) {
	h := newHarness(t)
	h.d.Handle(context.Background(), textMsg("336", "dessine un dragon"))
	assert.Equal(t, []string{ReplyGenerating, ReplyGenerateFailed}, h.t.Sent())
	assert.Empty(t, h.t.media)
}

func TestDispatcher_ImageAnalysis(t *testing.T) {
	h := newHarness(t)
	h.t.download = []byte("jpeg")
	h.answers.analysis = "📸 analyse"

	msg := domain.InboundMessage{Channel: "fake", Sender: "336", Modality: domain.ModalityImage, MediaRef: "media-1", Caption: "mon chat"}
	h.d.Handle(context.Background(), msg)

	assert.Equal(t, []string{ReplyAnalyzing, "📸 analyse"}, h.t.Sent())
	turns := h.store.turns["user-336"]
	require.Len(t, turns, 2)
	assert.Equal(t, "[Image envoyée] mon chat", turns[0].Content)
	assert.Equal(t, "📸 analyse", turns[1].Content)
}

func TestDispatcher_ImageDownloadFailure(t *testing.T) {
	h := newHarness(t)
	h.t.dlErr = errors.New("404")
	msg := domain.InboundMessage{Channel: "fake", Sender: "336", Modality: domain.ModalityImage, MediaRef: "x"}
	h.d.Handle(context.Background(), msg)
	assert.Equal(t, []string{ReplyAnalyzing, ReplyAnalyzeFailed}, h.t.Sent())
}

func TestDispatcher_AudioPath(t *testing.T) {
	h := newHarness(t)
	h.t.download = []byte("ogg")
	h.answers.transcript, h.answers.heard = "quelle heure est-il", true

	msg := domain.InboundMessage{Channel: "fake", Sender: "336", Modality: domain.ModalityAudio, MediaRef: "a1"}
	h.d.Handle(context.Background(), msg)

	assert.Equal(t, []string{ReplyTranscribing, `📝 J'ai compris : "quelle heure est-il"`, "Coucou !"}, h.t.Sent())
	assert.Equal(t, "quelle heure est-il", h.answers.gotText)
}

func TestDispatcher_AudioNotUnderstood(t *testing.T) {
	h := newHarness(t)
	h.t.download = []byte("ogg")
	msg := domain.InboundMessage{Channel: "fake", Sender: "336", Modality: domain.ModalityAudio, MediaRef: "a1"}
	h.d.Handle(context.Background(), msg)
	assert.Equal(t, []string{ReplyTranscribing, ReplyNotUnderstood}, h.t.Sent())
	assert.Empty(t, h.answers.gotText)
}

func TestDispatcher_PanicBecomesApology(t *testing.T) {
	h := newHarness(t)
	h.answers.panicOn = "boom"
	var errs int
	h.events.On(bus.EventPipelineError, func(bus.Event) { errs++ })

	assert.NotPanics(t, func() {
		h.d.Handle(context.Background(), textMsg("336", "boom"))
	})
	assert.Equal(t, []string{ReplyGenericError}, h.t.Sent())
	assert.Equal(t, 1, errs)
}

func TestDispatcher_RunProcessesInOrder(t *testing.T) {
	h := newHarness(t)
	b := bus.New(10, testLogger())
	q := queue.New(context.Background(), 1, testLogger())
	h.d.bus, h.d.queue = b, q

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.d.Run(ctx)
		close(done)
	}()

	for _, text := range []string{"un", "deux", "trois"} {
		b.Publish(textMsg("336", text))
	}
	require.Eventually(t, func() bool { return len(h.t.Sent()) == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	turns := h.store.turns["user-336"]
	require.Len(t, turns, 6)
	assert.Equal(t, "un", turns[0].Content)
	assert.Equal(t, "deux", turns[2].Content)
	assert.Equal(t, "trois", turns[4].Content)
}
