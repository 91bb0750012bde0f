package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miabot/internal/config"
	"miabot/internal/domain"
)

// fakeGraph records Graph API calls.
type fakeGraph struct {
	mu       sync.Mutex
	messages []map[string]any
	uploads  int
	srv      *httptest.Server
}

func newFakeGraph(t *testing.T) *fakeGraph {
	g := &fakeGraph{}
	r := mux.NewRouter()
	r.HandleFunc("/v21.0/PHONE/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		g.mu.Lock()
		g.messages = append(g.messages, body)
		g.mu.Unlock()
		_, _ = io.WriteString(w, `{"messages":[{"id":"wamid.out"}]}`)
	}).Methods(http.MethodPost)
	r.HandleFunc("/v21.0/PHONE/media", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whatsapp", r.FormValue("messaging_product"))
		_, _, err := r.FormFile("file")
		assert.NoError(t, err)
		g.mu.Lock()
		g.uploads++
		g.mu.Unlock()
		_, _ = io.WriteString(w, `{"id":"media-up"}`)
	}).Methods(http.MethodPost)
	r.HandleFunc("/v21.0/media-in", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"url":"%s/cdn/media-in","mime_type":"image/jpeg","file_size":4}`, g.srv.URL)
	}).Methods(http.MethodGet)
	r.HandleFunc("/cdn/media-in", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte{0xff, 0xd8, 0xff, 0xe0})
	}).Methods(http.MethodGet)
	g.srv = httptest.NewServer(r)
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGraph) Messages() []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]map[string]any(nil), g.messages...)
}

func newTestWhatsApp(t *testing.T, apiBase string) (*WhatsApp, *captureBus, *mux.Router) {
	t.Helper()
	wa := NewWhatsApp(WhatsAppChannelConfig{
		Config: config.WhatsAppConfig{
			Enabled:       true,
			AccessToken:   "token",
			AppSecret:     "appsecret",
			VerifyToken:   "verify-me",
			PhoneNumberID: "PHONE",
		},
		APIBase: apiBase,
		Logger:  testLogger(),
	})
	b := newCaptureBus()
	require.NoError(t, wa.Start(context.Background(), b))
	r := mux.NewRouter()
	wa.Routes(r)
	return wa, b, r
}

func postWebhook(r http.Handler, body, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(body))
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", signBody([]byte(body), secret))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

const waTextPayload = `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{"messaging_product":"whatsapp","messages":[
 {"from":"33600000001","id":"wamid.1","timestamp":"1714570630","type":"text","text":{"body":"Salut Mia"}},
 {"from":"33600000002","id":"wamid.2","timestamp":"1714570631","type":"image","image":{"id":"media-in","mime_type":"image/jpeg","caption":"regarde"}},
 {"from":"33600000003","id":"wamid.3","timestamp":"1714570632","type":"audio","audio":{"id":"aud-1","mime_type":"audio/ogg; codecs=opus","voice":true}},
 {"from":"33600000004","id":"wamid.4","timestamp":"1714570633","type":"sticker","sticker":{"id":"st-1"}}
]}}]}]}`

func TestWhatsApp_Verification(t *testing.T) {
	_, _, r := newTestWhatsApp(t, "http://unused")

	req := httptest.NewRequest(http.MethodGet, "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWhatsApp_IncomingParsesModalities(t *testing.T) {
	_, b, r := newTestWhatsApp(t, "http://unused")

	rec := postWebhook(r, waTextPayload, "appsecret")
	require.Equal(t, http.StatusOK, rec.Code)

	msgs := b.Messages()
	require.Len(t, msgs, 4)

	assert.Equal(t, domain.ModalityText, msgs[0].Modality)
	assert.Equal(t, "Salut Mia", msgs[0].Text)
	assert.Equal(t, "33600000001", msgs[0].Sender)
	assert.Equal(t, "whatsapp", msgs[0].Channel)
	assert.Equal(t, int64(1714570630), msgs[0].Timestamp.Unix())

	assert.Equal(t, domain.ModalityImage, msgs[1].Modality)
	assert.Equal(t, "media-in", msgs[1].MediaRef)
	assert.Equal(t, "regarde", msgs[1].Caption)

	assert.Equal(t, domain.ModalityAudio, msgs[2].Modality)
	assert.Equal(t, "aud-1", msgs[2].MediaRef)

	assert.Equal(t, domain.ModalityUnknown, msgs[3].Modality)
}

func TestWhatsApp_RejectsBadSignature(t *testing.T) {
	_, b, r := newTestWhatsApp(t, "http://unused")

	assert.Equal(t, http.StatusForbidden, postWebhook(r, waTextPayload, "wrong").Code)
	assert.Equal(t, http.StatusForbidden, postWebhook(r, waTextPayload, "").Code)
	assert.Empty(t, b.Messages())
}

func TestWhatsApp_BadJSON(t *testing.T) {
	_, _, r := newTestWhatsApp(t, "http://unused")
	assert.Equal(t, http.StatusBadRequest, postWebhook(r, "{not json", "appsecret").Code)
}

func TestWhatsApp_SendText(t *testing.T) {
	g := newFakeGraph(t)
	wa, _, _ := newTestWhatsApp(t, g.srv.URL)

	require.NoError(t, wa.Send(context.Background(), "33600000001", "Coucou"))

	msgs := g.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "33600000001", msgs[0]["to"])
	assert.Equal(t, "text", msgs[0]["type"])
	assert.Equal(t, "Coucou", msgs[0]["text"].(map[string]any)["body"])
}

func TestWhatsApp_SendMediaUploadsThenSends(t *testing.T) {
	g := newFakeGraph(t)
	wa, _, _ := newTestWhatsApp(t, g.srv.URL)

	png := []byte("\x89PNG\r\n\x1a\nrest")
	require.NoError(t, wa.SendMedia(context.Background(), "33600000001", png, "Voici"))

	g.mu.Lock()
	assert.Equal(t, 1, g.uploads)
	g.mu.Unlock()
	msgs := g.Messages()
	require.Len(t, msgs, 1)
	image := msgs[0]["image"].(map[string]any)
	assert.Equal(t, "media-up", image["id"])
	assert.Equal(t, "Voici", image["caption"])
}

func TestWhatsApp_PresenceUsesLastMessage(t *testing.T) {
	g := newFakeGraph(t)
	wa, _, r := newTestWhatsApp(t, g.srv.URL)
	ctx := context.Background()

	// no inbound message yet: nothing to mark as read
	require.NoError(t, wa.SetPresence(ctx, "33600000001", domain.PresenceComposing))
	assert.Empty(t, g.Messages())

	require.Equal(t, http.StatusOK, postWebhook(r, waTextPayload, "appsecret").Code)
	require.NoError(t, wa.SetPresence(ctx, "33600000001", domain.PresenceComposing))
	require.NoError(t, wa.SetPresence(ctx, "33600000001", domain.PresenceAvailable))

	msgs := g.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "read", msgs[0]["status"])
	assert.Equal(t, "wamid.1", msgs[0]["message_id"])
}

func TestWhatsApp_DownloadMedia(t *testing.T) {
	g := newFakeGraph(t)
	wa, _, _ := newTestWhatsApp(t, g.srv.URL)

	data, err := wa.DownloadMedia(context.Background(), "media-in")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff, 0xe0}, data)

	_, err = wa.DownloadMedia(context.Background(), "missing")
	assert.Error(t, err)
}

func TestWhatsApp_SendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad token"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()
	wa, _, _ := newTestWhatsApp(t, srv.URL)

	err := wa.Send(context.Background(), "33600000001", "Coucou")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
