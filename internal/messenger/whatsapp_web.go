package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"wagate/internal/browser"
	"wagate/internal/domain"
)

const (
	openChatTimeout = 45 * time.Second
	deliverTimeout  = 30 * time.Second
	pollStep        = 500 * time.Millisecond
)

// WhatsAppWeb implements domain.Messenger by driving web.whatsapp.com in
// Chrome. The linked session lives in the bridge's profile directory.
type WhatsAppWeb struct {
	bridge       *browser.Bridge
	selectors    browser.SelectorSet
	logger       *slog.Logger
	onEvent      domain.SessionEventHandler
	qrImagePath  string
	pollInterval time.Duration

	mu       sync.Mutex // guards the fields below; never held across a browser call
	starting *launch    // set while Start is launching Chrome
	tab      context.Context
	cancel   context.CancelFunc
	watcher  chan struct{}
	ready    bool
	lastQR   string

	// page serializes use of the single WhatsApp tab.
	page sync.Mutex
}

type WhatsAppWebConfig struct {
	Bridge       *browser.Bridge
	Selectors    map[string]string // Override default selectors
	QRImagePath  string            // where the pairing QR is saved as PNG
	PollInterval time.Duration
	OnEvent      domain.SessionEventHandler
	Logger       *slog.Logger
}

func NewWhatsAppWeb(cfg WhatsAppWebConfig) *WhatsAppWeb {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(domain.SessionEvent) {}
	}
	return &WhatsAppWeb{
		bridge:       cfg.Bridge,
		selectors:    browser.WhatsAppSelectors().WithOverrides(cfg.Selectors),
		logger:       cfg.Logger,
		onEvent:      cfg.OnEvent,
		qrImagePath:  cfg.QRImagePath,
		pollInterval: cfg.PollInterval,
	}
}

func (w *WhatsAppWeb) Name() string { return "whatsapp-web" }

// Start launches Chrome, opens WhatsApp Web and begins watching the session.
// Cancelling ctx before the page has loaded aborts the launch. Sends made
// while the launch is under way fail fast with ErrSessionNotReady.
func (w *WhatsAppWeb) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.tab != nil || w.starting != nil {
		w.mu.Unlock()
		return nil
	}
	tab, cancel := w.bridge.NewContext(context.Background())
	l := &launch{cancel: cancel}
	w.starting = l
	w.mu.Unlock()

	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(tab, chromedp.Navigate(w.selectors.URL))
	if !stop() && err == nil {
		err = ctx.Err()
	}

	w.mu.Lock()
	if w.starting != l && err == nil {
		err = errStoppedDuringStart
	}
	if w.starting == l {
		w.starting = nil
	}
	if err != nil {
		w.mu.Unlock()
		cancel()
		return fmt.Errorf("open whatsapp web: %w", err)
	}
	w.tab = tab
	w.cancel = cancel
	w.watcher = make(chan struct{})
	go w.watch(tab, w.watcher)
	w.mu.Unlock()

	w.logger.Info("whatsapp web opened", "profile", w.bridge.ProfileDir())
	return nil
}

var errStoppedDuringStart = errors.New("stopped while starting")

type launch struct {
	cancel context.CancelFunc
}

// Stop closes the browser, or aborts a launch still in progress. It gives up
// when ctx expires.
func (w *WhatsAppWeb) Stop(ctx context.Context) error {
	w.mu.Lock()
	abort := w.starting
	tab, cancel, watcher := w.tab, w.cancel, w.watcher
	w.starting = nil
	w.tab, w.cancel, w.watcher = nil, nil, nil
	w.ready = false
	w.mu.Unlock()

	if abort != nil {
		abort.cancel()
	}
	if tab == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		err := chromedp.Cancel(tab)
		cancel()
		<-watcher
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("close browser: %w", err)
		}
		return nil
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("close browser: %w", ctx.Err())
	}
}

// SendText opens the chat for chatID with text prefilled and sends it.
func (w *WhatsAppWeb) SendText(ctx context.Context, chatID, text string) error {
	phone, err := phoneFromChatID(chatID)
	if err != nil {
		return err
	}
	tab, err := w.readyTab()
	if err != nil {
		return err
	}

	w.page.Lock()
	defer w.page.Unlock()

	runCtx, cancel := w.runContext(ctx, tab)
	defer cancel()

	if err := w.openChat(runCtx, sendURL(w.selectors.URL, phone, text), w.selectors.SendButton); err != nil {
		return err
	}
	if err := chromedp.Run(runCtx, chromedp.Click(w.selectors.SendButton, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click send: %w", err)
	}
	return w.waitDelivered(runCtx)
}

// SendMedia opens the chat for chatID, attaches the file at path and sends
// it with an optional caption.
func (w *WhatsAppWeb) SendMedia(ctx context.Context, chatID, path, caption string) error {
	phone, err := phoneFromChatID(chatID)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve media path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("media file: %w", err)
	}
	tab, err := w.readyTab()
	if err != nil {
		return err
	}

	w.page.Lock()
	defer w.page.Unlock()

	runCtx, cancel := w.runContext(ctx, tab)
	defer cancel()

	if err := w.openChat(runCtx, sendURL(w.selectors.URL, phone, ""), w.selectors.ComposeBox); err != nil {
		return err
	}

	err = chromedp.Run(runCtx,
		chromedp.Click(w.selectors.AttachButton, chromedp.ByQuery),
		chromedp.SetUploadFiles(w.selectors.MediaInput, []string{abs}, chromedp.ByQuery),
		chromedp.WaitVisible(w.selectors.MediaSendButton, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("attach media: %w", err)
	}

	if caption != "" {
		err = chromedp.Run(runCtx,
			chromedp.Click(w.selectors.CaptionInput, chromedp.ByQuery),
			chromedp.SendKeys(w.selectors.CaptionInput, caption, chromedp.ByQuery),
		)
		if err != nil {
			return fmt.Errorf("type caption: %w", err)
		}
	}

	if err := chromedp.Run(runCtx, chromedp.Click(w.selectors.MediaSendButton, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click send: %w", err)
	}
	return w.waitDelivered(runCtx)
}

// Login opens a visible browser on the session profile for pairing.
func (w *WhatsAppWeb) Login(ctx context.Context) error {
	return w.bridge.Login(ctx, w.selectors.URL)
}

func (w *WhatsAppWeb) readyTab() (context.Context, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.starting != nil {
		return nil, fmt.Errorf("%w: browser still starting", domain.ErrSessionNotReady)
	}
	if w.tab == nil {
		return nil, domain.ErrNotStarted
	}
	if !w.ready {
		return nil, domain.ErrSessionNotReady
	}
	return w.tab, nil
}

// runContext derives a context bound to the tab that is also cancelled with ctx.
func (w *WhatsAppWeb) runContext(ctx context.Context, tab context.Context) (context.Context, context.CancelFunc) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(tab, deadline)
	} else {
		runCtx, cancel = context.WithCancel(tab)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// openChat navigates to target and waits until either want is visible or
// WhatsApp reports the number as invalid.
func (w *WhatsAppWeb) openChat(ctx context.Context, target, want string) error {
	if err := chromedp.Run(ctx, chromedp.Navigate(target)); err != nil {
		return fmt.Errorf("open chat: %w", err)
	}

	deadline := time.Now().Add(openChatTimeout)
	expr := fmt.Sprintf(`(function() {
		if (document.querySelector(%q)) return "ok";
		if (document.querySelector(%q)) return "invalid";
		return "";
	})()`, want, w.selectors.InvalidNumber)

	for time.Now().Before(deadline) {
		var state string
		if err := chromedp.Run(ctx, chromedp.Evaluate(expr, &state)); err != nil {
			return fmt.Errorf("open chat: %w", err)
		}
		switch state {
		case "ok":
			return nil
		case "invalid":
			return fmt.Errorf("%w: number is not on WhatsApp", domain.ErrInvalidRecipient)
		}
		if err := sleepCtx(ctx, pollStep); err != nil {
			return fmt.Errorf("open chat: %w", err)
		}
	}
	return fmt.Errorf("open chat: timed out after %s", openChatTimeout)
}

// waitDelivered waits until no outgoing message in the open chat shows the
// pending clock icon.
func (w *WhatsAppWeb) waitDelivered(ctx context.Context) error {
	expr := fmt.Sprintf(`document.querySelector(%q) !== null`, w.selectors.Pending)
	deadline := time.Now().Add(deliverTimeout)

	// Give the page a moment to render the outgoing bubble.
	if err := sleepCtx(ctx, pollStep); err != nil {
		return err
	}
	for time.Now().Before(deadline) {
		var pending bool
		if err := chromedp.Run(ctx, chromedp.Evaluate(expr, &pending)); err != nil {
			return fmt.Errorf("check delivery: %w", err)
		}
		if !pending {
			return nil
		}
		if err := sleepCtx(ctx, pollStep); err != nil {
			return err
		}
	}
	return fmt.Errorf("message still pending after %s", deliverTimeout)
}

// pageState is what the watcher reads from the page on each poll.
type pageState struct {
	Ready bool   `json:"ready"`
	QR    string `json:"qr"`
}

func (w *WhatsAppWeb) watch(tab context.Context, done chan struct{}) {
	defer close(done)

	expr := fmt.Sprintf(`(function() {
		var q = document.querySelector(%q);
		return {
			ready: document.querySelector(%q) !== null,
			qr: q ? (q.getAttribute("data-ref") || "") : ""
		};
	})()`, w.selectors.QRCode, w.selectors.Ready)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tab.Done():
			w.lost("browser closed")
			return
		case <-ticker.C:
		}

		// A send is using the tab; its navigation would make the readiness check flap.
		if !w.page.TryLock() {
			continue
		}
		var (
			st     pageState
			events []domain.SessionEvent
			qrPath string
		)
		err := chromedp.Run(tab, chromedp.Evaluate(expr, &st))
		if err == nil {
			events = w.observe(st)
			for _, ev := range events {
				if ev.Type == domain.SessionQR {
					qrPath = w.saveQR(tab)
				}
			}
		}
		w.page.Unlock()

		if err != nil {
			if tab.Err() == nil {
				w.logger.Debug("whatsapp web readiness check failed", "err", err)
			}
			continue
		}
		for _, ev := range events {
			if ev.Type == domain.SessionQR {
				ev.ImagePath = qrPath
			}
			w.onEvent(ev)
		}
	}
}

// observe updates the session state from one page reading and returns the
// transitions it caused.
func (w *WhatsAppWeb) observe(st pageState) []domain.SessionEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	var events []domain.SessionEvent
	switch {
	case st.Ready:
		if !w.ready {
			if w.lastQR != "" {
				events = append(events, domain.SessionEvent{Type: domain.SessionAuthenticated})
			}
			events = append(events, domain.SessionEvent{Type: domain.SessionReady})
			w.ready = true
			w.lastQR = ""
		}
	case st.QR != "":
		if w.ready {
			events = append(events, domain.SessionEvent{Type: domain.SessionDisconnected, Reason: "logged out"})
			w.ready = false
		}
		if st.QR != w.lastQR {
			events = append(events, domain.SessionEvent{Type: domain.SessionQR, QR: st.QR})
			w.lastQR = st.QR
		}
	}
	return events
}

// lost marks the session as gone after the browser went away underneath us.
func (w *WhatsAppWeb) lost(reason string) {
	w.mu.Lock()
	wasReady := w.ready
	w.ready = false
	w.mu.Unlock()
	if wasReady {
		w.onEvent(domain.SessionEvent{Type: domain.SessionDisconnected, Reason: reason})
	}
}

func (w *WhatsAppWeb) saveQR(tab context.Context) string {
	if w.qrImagePath == "" {
		return ""
	}
	var buf []byte
	if err := chromedp.Run(tab, chromedp.Screenshot(w.selectors.QRCanvas, &buf, chromedp.ByQuery)); err != nil {
		w.logger.Warn("capture QR code failed", "err", err)
		return ""
	}
	if err := os.MkdirAll(filepath.Dir(w.qrImagePath), 0o700); err != nil {
		w.logger.Warn("save QR code failed", "err", err)
		return ""
	}
	if err := os.WriteFile(w.qrImagePath, buf, 0o600); err != nil {
		w.logger.Warn("save QR code failed", "err", err)
		return ""
	}
	return w.qrImagePath
}

// phoneFromChatID extracts the phone number from a "<digits>@c.us" chat ID.
func phoneFromChatID(chatID string) (string, error) {
	phone, ok := strings.CutSuffix(chatID, domain.ChatSuffix)
	if !ok {
		return "", fmt.Errorf("%w: unsupported chat id %q", domain.ErrInvalidRecipient, chatID)
	}
	phone = strings.TrimPrefix(phone, "+")
	if phone == "" {
		return "", fmt.Errorf("%w: empty phone number", domain.ErrInvalidRecipient)
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: phone number must be digits, got %q", domain.ErrInvalidRecipient, phone)
		}
	}
	return phone, nil
}

func sendURL(base, phone, text string) string {
	q := url.Values{}
	q.Set("phone", phone)
	if text != "" {
		q.Set("text", text)
	}
	return strings.TrimRight(base, "/") + "/send?" + q.Encode()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
