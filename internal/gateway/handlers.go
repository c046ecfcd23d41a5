package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wagate/internal/domain"
	"wagate/internal/session"
	"wagate/internal/store"
)

// flexString accepts a JSON string or number, so {"number": 4915112345678}
// works as well as {"number": "4915112345678"}.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("must be a string or number")
	}
	*f = flexString(n.String())
	return nil
}

type sendRequest struct {
	Number  flexString `json:"number"`
	Message string     `json:"message"`
}

// handleSend is POST /send.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var req sendRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Render(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		Render(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	number := strings.TrimSpace(string(req.Number))
	if number == "" || req.Message == "" {
		Render(w, http.StatusBadRequest, "Missing or empty fields (number, message)")
		return
	}

	chatID := domain.ChatID(number)
	ctx, cancel := s.sendContext(r)
	defer cancel()

	started := time.Now()
	err = s.messenger.SendText(ctx, chatID, req.Message)
	s.record(r, domain.Delivery{ChatID: chatID, Kind: domain.DeliveryText}, started, err)
	if err != nil {
		s.logSendError("failed to send message", r, chatID, err)
		Render(w, http.StatusInternalServerError, "Failed to send message")
		return
	}

	Render(w, http.StatusOK, "Sent message successfully")
}

// handleSendImages is POST /send-images.
func (s *Server) handleSendImages(w http.ResponseWriter, r *http.Request) {
	batch, err := s.stager.Stage(r)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPayloadTooLarge):
			s.reject(w, r, http.StatusRequestEntityTooLarge, "too_large",
				fmt.Sprintf("File too large (max %s)", humanBytes(s.stager.MaxFileBytes())), err)
		case errors.Is(err, domain.ErrTooManyFiles):
			s.reject(w, r, http.StatusBadRequest, "too_many_files", "Too many files", err)
		case errors.Is(err, domain.ErrInvalidRequest):
			s.reject(w, r, http.StatusBadRequest, "invalid_form", "Invalid multipart form", err)
		default:
			s.logger.Error("failed to stage upload", "rid", RequestIDFromContext(r.Context()), "err", err)
			s.metrics.UploadRejected("staging_error")
			Render(w, http.StatusInternalServerError, "Failed to store upload")
		}
		return
	}
	s.metrics.FilesStaged(len(batch.Files))
	defer s.stager.ReleaseAll(batch.Files)

	number := strings.TrimSpace(batch.Value("number"))
	if number == "" {
		s.reject(w, r, http.StatusBadRequest, "missing_number", "Missing field: number", nil)
		return
	}
	if len(batch.Files) == 0 {
		s.reject(w, r, http.StatusBadRequest, "no_files", "No images uploaded", nil)
		return
	}

	chatID := domain.ChatID(number)
	caption := batch.Value("caption")

	for _, f := range batch.Files {
		ctx, cancel := s.sendContext(r)
		started := time.Now()
		err := s.messenger.SendMedia(ctx, chatID, f.StoredPath, caption)
		cancel()
		s.stager.Release(f)
		s.record(r, domain.Delivery{ChatID: chatID, Kind: domain.DeliveryMedia, FileName: f.OriginalName}, started, err)

		if err != nil {
			s.logSendError("failed to send images", r, chatID, err, "file", f.OriginalName)
			Render(w, http.StatusInternalServerError, "Failed to send images")
			return
		}
	}

	n := len(batch.Files)
	Render(w, http.StatusOK, fmt.Sprintf("Sent %d image(s) successfully", n), map[string]any{"count": n})
}

// handleHealth is GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state, since := session.StateStarting, s.startTime
	if s.session != nil {
		state, since = s.session.State()
	}
	data := map[string]any{
		"session":       state,
		"since":         since.UTC().Format(time.RFC3339),
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
	}
	if state != session.StateReady {
		Render(w, http.StatusServiceUnavailable, "WhatsApp client not ready", data)
		return
	}
	Render(w, http.StatusOK, "WhatsApp client ready", data)
}

// handleDeliveries is GET /deliveries?limit=N.
func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		Render(w, http.StatusServiceUnavailable, "Delivery history is disabled")
		return
	}

	limit := store.DefaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			Render(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, store.MaxRecentLimit)
	}

	deliveries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read delivery history", "rid", RequestIDFromContext(r.Context()), "err", err)
		Render(w, http.StatusInternalServerError, "Failed to read delivery history")
		return
	}
	Render(w, http.StatusOK, fmt.Sprintf("%d deliveries", len(deliveries)), map[string]any{
		"deliveries": deliveries,
	})
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, code int, reason, message string, err error) {
	s.metrics.UploadRejected(reason)
	if err != nil {
		s.logger.Warn("upload rejected", "rid", RequestIDFromContext(r.Context()), "reason", reason, "err", err)
	}
	Render(w, code, message)
}

func (s *Server) logSendError(msg string, r *http.Request, chatID string, err error, attrs ...any) {
	args := []any{"rid", RequestIDFromContext(r.Context()), "chat", chatID, "err", err}
	if errors.Is(err, context.DeadlineExceeded) {
		args = append(args, "timeout", s.sendTimeout)
	}
	s.logger.Error(msg, append(args, attrs...)...)
}

// humanBytes formats n in whole MB when it divides evenly, bytes otherwise.
func humanBytes(n int64) string {
	const mb = 1024 * 1024
	if n%mb == 0 {
		return fmt.Sprintf("%d MB", n/mb)
	}
	return fmt.Sprintf("%d bytes", n)
}
