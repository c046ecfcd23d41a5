package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"wagate/internal/domain"
	"wagate/internal/metrics"
	"wagate/internal/session"
	"wagate/internal/upload"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- stubs ---

type sendCall struct {
	ChatID  string
	Text    string
	Path    string
	Caption string
	Existed bool // whether Path was on disk when the send ran
}

// stubMessenger implements domain.Messenger and records every send.
type stubMessenger struct {
	mu     sync.Mutex
	calls  []sendCall
	failOn int  // 1-based call index that fails; 0 = never
	hang   bool // block until ctx is done
}

func (m *stubMessenger) Name() string                    { return "stub" }
func (m *stubMessenger) Start(ctx context.Context) error { return nil }
func (m *stubMessenger) Stop(ctx context.Context) error  { return nil }

func (m *stubMessenger) SendText(ctx context.Context, chatID, text string) error {
	return m.do(ctx, sendCall{ChatID: chatID, Text: text})
}

func (m *stubMessenger) SendMedia(ctx context.Context, chatID, path, caption string) error {
	_, err := os.Stat(path)
	return m.do(ctx, sendCall{ChatID: chatID, Path: path, Caption: caption, Existed: err == nil})
}

func (m *stubMessenger) do(ctx context.Context, c sendCall) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.calls = append(m.calls, c)
	n := len(m.calls)
	m.mu.Unlock()

	if m.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.failOn == n {
		return errors.New("send failed")
	}
	return nil
}

func (m *stubMessenger) Calls() []sendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sendCall(nil), m.calls...)
}

type memoryRecorder struct {
	mu         sync.Mutex
	deliveries []domain.Delivery
}

func (r *memoryRecorder) Record(ctx context.Context, d domain.Delivery) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.ID = int64(len(r.deliveries) + 1)
	r.deliveries = append(r.deliveries, d)
	return d.ID, nil
}

func (r *memoryRecorder) Recent(ctx context.Context, limit int) ([]domain.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Delivery
	for i := len(r.deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.deliveries[i])
	}
	return out, nil
}

type fixedSession session.State

func (f fixedSession) State() (session.State, time.Time) { return session.State(f), time.Now() }

// --- helpers ---

type testEnv struct {
	server    *Server
	handler   http.Handler
	messenger *stubMessenger
	history   *memoryRecorder
	dir       string
}

func newTestEnv(t *testing.T, m *stubMessenger, mutate ...func(*Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	stager, err := upload.NewStager(upload.Config{
		Dir:          dir,
		MaxFileBytes: 1024,
		MaxFiles:     5,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	history := &memoryRecorder{}
	cfg := Config{
		Messenger:   m,
		Stager:      stager,
		History:     history,
		Session:     fixedSession(session.StateReady),
		SendTimeout: 5 * time.Second,
		Logger:      testLogger(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	srv := NewServer(cfg)
	return &testEnv{server: srv, handler: srv.Handler(), messenger: m, history: history, dir: dir}
}

func (e *testEnv) do(req *http.Request) (*httptest.ResponseRecorder, Envelope) {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	var env Envelope
	json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func (e *testEnv) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, en := range entries {
			names = append(names, en.Name())
		}
		t.Errorf("scratch dir not empty: %v", names)
	}
}

func jsonRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

type part struct {
	field, filename string
	data            []byte
}

func imagesRequest(t *testing.T, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		if p.filename == "" {
			if err := mw.WriteField(p.field, string(p.data)); err != nil {
				t.Fatal(err)
			}
			continue
		}
		fw, err := mw.CreateFormFile(p.field, p.filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(p.data)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/send-images", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func field(name, value string) part { return part{field: name, data: []byte(value)} }

func image(name string, size int) part {
	return part{field: "file[]", filename: name, data: bytes.Repeat([]byte{0xFF}, size)}
}

// --- envelope ---

func TestNewEnvelope_SuccessFollowsStatus(t *testing.T) {
	for code := 100; code < 600; code++ {
		env := NewEnvelope(code, "m", nil)
		want := code >= 200 && code <= 299
		if env.Success != want {
			t.Errorf("code %d: success = %v, want %v", code, env.Success, want)
		}
	}
}

func TestRender_DefaultsDataToObject(t *testing.T) {
	rec := httptest.NewRecorder()
	Render(rec, http.StatusBadRequest, "nope")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content type = %q", ct)
	}
	got := strings.TrimSpace(rec.Body.String())
	if got != `{"success":false,"message":"nope","data":{}}` {
		t.Errorf("body = %s", got)
	}
}

// --- /send ---

func TestSend_EmptyObject(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	rec, body := env.do(jsonRequest(`{}`))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body.Success || !strings.Contains(body.Message, "Missing or empty fields") {
		t.Errorf("unexpected envelope: %+v", body)
	}
	if len(env.messenger.Calls()) != 0 {
		t.Error("messenger should not be called")
	}
}

func TestSend_EmptyBody(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	rec, body := env.do(jsonRequest(``))
	if rec.Code != http.StatusBadRequest || !strings.Contains(body.Message, "Missing or empty fields") {
		t.Errorf("got %d %+v", rec.Code, body)
	}
}

func TestSend_EmptyMessage(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	rec, _ := env.do(jsonRequest(`{"number":"123","message":""}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSend_InvalidJSON(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	rec, body := env.do(jsonRequest(`{"number":`))
	if rec.Code != http.StatusBadRequest || body.Message != "Invalid JSON body" {
		t.Errorf("got %d %+v", rec.Code, body)
	}
}

func TestSend_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	big := `{"number":"1","message":"` + strings.Repeat("a", maxJSONBodyBytes) + `"}`
	rec, _ := env.do(jsonRequest(big))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestSend_Success(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	rec, body := env.do(jsonRequest(`{"number":"123","message":"hi"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !body.Success || body.Message != "Sent message successfully" {
		t.Errorf("unexpected envelope: %+v", body)
	}

	calls := env.messenger.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one send, got %d", len(calls))
	}
	if calls[0].ChatID != "123@c.us" || calls[0].Text != "hi" {
		t.Errorf("unexpected call: %+v", calls[0])
	}
}

func TestSend_NumericNumber(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	rec, _ := env.do(jsonRequest(`{"number":4915112345678,"message":"hi"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := env.messenger.Calls()[0].ChatID; got != "4915112345678@c.us" {
		t.Errorf("chat id = %q", got)
	}
}

func TestSend_Failure(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{failOn: 1})
	rec, body := env.do(jsonRequest(`{"number":"123","message":"hi"}`))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if body.Success || body.Message != "Failed to send message" {
		t.Errorf("unexpected envelope: %+v", body)
	}
	if strings.Contains(rec.Body.String(), "send failed") {
		t.Error("raw messenger error leaked to the client")
	}
}

func TestSend_Timeout(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{hang: true}, func(c *Config) {
		c.SendTimeout = 50 * time.Millisecond
	})
	rec, _ := env.do(jsonRequest(`{"number":"123","message":"hi"}`))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if len(env.history.deliveries) != 1 || env.history.deliveries[0].Status != domain.DeliveryTimeout {
		t.Errorf("expected one timeout delivery, got %+v", env.history.deliveries)
	}
}

func TestSend_ClientCancelDoesNotAbortSend(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, _ := env.do(jsonRequest(`{"number":"123","message":"hi"}`).WithContext(ctx))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestSend_RecordsDeliveryWithRequestID(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	req := jsonRequest(`{"number":"123","message":"hi"}`)
	req.Header.Set("X-Request-Id", "req-42")
	rec, _ := env.do(req)

	if rec.Header().Get("X-Request-Id") != "req-42" {
		t.Errorf("request id not echoed: %q", rec.Header().Get("X-Request-Id"))
	}
	if len(env.history.deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(env.history.deliveries))
	}
	d := env.history.deliveries[0]
	if d.RequestID != "req-42" || d.ChatID != "123@c.us" || d.Kind != domain.DeliveryText || d.Status != domain.DeliverySent {
		t.Errorf("unexpected delivery: %+v", d)
	}
}

func TestSend_GeneratesRequestID(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	rec, _ := env.do(jsonRequest(`{}`))
	if len(rec.Header().Get("X-Request-Id")) != 36 {
		t.Errorf("expected a UUID request id, got %q", rec.Header().Get("X-Request-Id"))
	}
}

// --- /send-images ---

func TestSendImages_NoFiles(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	rec, body := env.do(imagesRequest(t, field("number", "123")))

	if rec.Code != http.StatusBadRequest || body.Message != "No images uploaded" {
		t.Errorf("got %d %+v", rec.Code, body)
	}
	if len(env.messenger.Calls()) != 0 {
		t.Error("messenger should not be called")
	}
}

func TestSendImages_MissingNumber(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	rec, body := env.do(imagesRequest(t, image("a.jpg", 10)))

	if rec.Code != http.StatusBadRequest || body.Message != "Missing field: number" {
		t.Errorf("got %d %+v", rec.Code, body)
	}
	env.assertScratchEmpty(t)
}

func TestSendImages_ThreeImages(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	rec, body := env.do(imagesRequest(t,
		field("number", "123"),
		field("caption", "look"),
		image("a.jpg", 100),
		image("b.jpg", 200),
		image("c.jpg", 300),
	))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !body.Success || body.Message != "Sent 3 image(s) successfully" {
		t.Errorf("unexpected envelope: %+v", body)
	}
	if data, ok := body.Data.(map[string]any); !ok || data["count"] != float64(3) {
		t.Errorf("unexpected data: %#v", body.Data)
	}

	calls := env.messenger.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(calls))
	}
	for i, c := range calls {
		if c.ChatID != "123@c.us" || c.Caption != "look" {
			t.Errorf("call %d: %+v", i, c)
		}
		if !c.Existed {
			t.Errorf("call %d: staged file missing during send", i)
		}
	}
	env.assertScratchEmpty(t)
}

func TestSendImages_SecondFails(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{failOn: 2})
	rec, body := env.do(imagesRequest(t,
		field("number", "123"),
		image("a.jpg", 10),
		image("b.jpg", 10),
		image("c.jpg", 10),
	))

	if rec.Code != http.StatusInternalServerError || body.Message != "Failed to send images" {
		t.Fatalf("got %d %+v", rec.Code, body)
	}
	if n := len(env.messenger.Calls()); n != 2 {
		t.Errorf("expected sending to stop after the failure, got %d calls", n)
	}
	env.assertScratchEmpty(t)

	if len(env.history.deliveries) != 2 || env.history.deliveries[1].Status != domain.DeliveryFailed {
		t.Errorf("unexpected deliveries: %+v", env.history.deliveries)
	}
}

func TestSendImages_FileTooLarge(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	rec, body := env.do(imagesRequest(t,
		field("number", "123"),
		image("ok.jpg", 10),
		image("big.jpg", 4096),
	))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if body.Success || !strings.HasPrefix(body.Message, "File too large") {
		t.Errorf("unexpected envelope: %+v", body)
	}
	if len(env.messenger.Calls()) != 0 {
		t.Error("nothing should be sent when the upload is rejected")
	}
	env.assertScratchEmpty(t)
}

func TestSendImages_TooManyFiles(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	parts := []part{field("number", "123")}
	for i := 0; i < 6; i++ {
		parts = append(parts, image("x.jpg", 1))
	}
	rec, _ := env.do(imagesRequest(t, parts...))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	env.assertScratchEmpty(t)
}

func TestSendImages_NotMultipart(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	req := httptest.NewRequest(http.MethodPost, "/send-images", strings.NewReader(`{"number":"1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec, body := env.do(req)
	if rec.Code != http.StatusBadRequest || body.Message != "Invalid multipart form" {
		t.Errorf("got %d %+v", rec.Code, body)
	}
}

// --- other routes ---

func TestHealth(t *testing.T) {
	ready := newTestEnv(t, &stubMessenger{})
	rec, body := ready.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !body.Success {
		t.Errorf("ready: got %d %+v", rec.Code, body)
	}

	qr := newTestEnv(t, &stubMessenger{}, func(c *Config) { c.Session = fixedSession(session.StateQR) })
	rec, body = qr.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable || body.Success {
		t.Errorf("qr: got %d %+v", rec.Code, body)
	}
	if data, _ := body.Data.(map[string]any); data["session"] != "qr" {
		t.Errorf("expected session=qr in data, got %#v", body.Data)
	}
}

func TestDeliveries(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	env.do(jsonRequest(`{"number":"1","message":"a"}`))
	env.do(jsonRequest(`{"number":"2","message":"b"}`))

	rec, body := env.do(httptest.NewRequest(http.MethodGet, "/deliveries?limit=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data, _ := body.Data.(map[string]any)
	list, _ := data["deliveries"].([]any)
	if len(list) != 1 {
		t.Fatalf("expected 1 delivery, got %#v", data)
	}
	if first, _ := list[0].(map[string]any); first["chatId"] != "2@c.us" {
		t.Errorf("expected newest first, got %#v", first)
	}

	rec, _ = env.do(httptest.NewRequest(http.MethodGet, "/deliveries?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid limit: status = %d", rec.Code)
	}
}

func TestDeliveries_Disabled(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{}, func(c *Config) { c.History = nil })
	rec, _ := env.do(httptest.NewRequest(http.MethodGet, "/deliveries", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	// Sends still work without history.
	if rec, _ := env.do(jsonRequest(`{"number":"1","message":"a"}`)); rec.Code != http.StatusOK {
		t.Errorf("send without history: status = %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{}, func(c *Config) { c.Metrics = metrics.NewCollector() })
	env.do(jsonRequest(`{"number":"1","message":"a"}`))

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK || !strings.Contains(string(body), `wagate_sends_total{kind="text",result="sent"} 1`) {
		t.Errorf("unexpected metrics response %d:\n%s", rec.Code, body)
	}
}

func TestMetricsRoute_Disabled(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	rec, body := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound || body.Success {
		t.Errorf("got %d %+v", rec.Code, body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	rec, body := env.do(httptest.NewRequest(http.MethodGet, "/send", nil))
	if rec.Code != http.StatusMethodNotAllowed || body.Success {
		t.Errorf("got %d %+v", rec.Code, body)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Errorf("Allow = %q", rec.Header().Get("Allow"))
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, &stubMessenger{})
	rec, body := env.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound || body.Success || body.Message != "Not found" {
		t.Errorf("got %d %+v", rec.Code, body)
	}
}

func TestRecoverer(t *testing.T) {
	h := recoverer(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var body Envelope
	json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusInternalServerError || body.Success {
		t.Errorf("got %d %+v", rec.Code, body)
	}
}

func TestFlexString(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{`"123"`, "123", false},
		{`123`, "123", false},
		{`4915112345678`, "4915112345678", false},
		{`null`, "", false},
		{`true`, "", true},
		{`{}`, "", true},
	}
	for _, tt := range tests {
		var f flexString
		err := json.Unmarshal([]byte(tt.in), &f)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if string(f) != tt.want {
			t.Errorf("%s: got %q, want %q", tt.in, f, tt.want)
		}
	}
}

func TestHumanBytes(t *testing.T) {
	if got := humanBytes(20 * 1024 * 1024); got != "20 MB" {
		t.Errorf("got %q", got)
	}
	if got := humanBytes(1500); got != "1500 bytes" {
		t.Errorf("got %q", got)
	}
}
