package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"decider/api/internal/cart"
	"decider/api/internal/export"
	"decider/api/internal/search"
)

// SessionHeader selects the durable-storage session of a request.
const SessionHeader = "X-Decider-Session"

const maxImportBytes = 1 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{}
		for name, err := range s.service.Ready(ctx) {
			if err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks[name] = map[string]any{"status": "error", "error": err.Error()}
				continue
			}
			checks[name] = map[string]any{"status": "ok"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	sessionID := strings.TrimSpace(r.Header.Get(SessionHeader))

	switch parts[1] {
	case "versions":
		var (
			versions []string
			err      error
		)
		switch {
		case r.Method == http.MethodGet && len(parts) == 2:
			versions, err = s.service.Versions(r.Context())
		case r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "refresh":
			versions, err = s.service.RefreshVersions(r.Context())
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
		return
	case "pipeline":
		s.handlePipeline(w, r, sessionID, parts[2:])
		return
	case "cart":
		s.handleCart(w, r, sessionID, parts[2:])
		return
	case "exports":
		s.handleExports(w, r, sessionID, parts[2:])
		return
	case "prefs":
		s.handlePrefs(w, r, sessionID, parts[2:])
		return
	case "saved-carts":
		s.handleSavedCarts(w, r, sessionID, parts[2:])
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePipeline(w http.ResponseWriter, r *http.Request, sessionID string, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodPost:
		var node search.Node
		if err := decodeBody(r, &node); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.OpenNode(r.Context(), sessionID, node)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case len(parts) == 0 && r.Method == http.MethodPatch:
		var patch PipelinePatch
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.UpdatePipeline(r.Context(), sessionID, patch)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case len(parts) == 2 && parts[0] == "pages" && r.Method == http.MethodGet:
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_PAGE", "Page must be a number", nil)
			return
		}
		items, err := s.service.PipelinePage(r.Context(), sessionID, n)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"page": n, "items": items})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCart(w http.ResponseWriter, r *http.Request, sessionID string, parts []string) {
	ctx := r.Context()
	route := strings.Join(parts, "/")

	switch {
	case route == "" && r.Method == http.MethodGet:
		view, err := s.service.Cart(ctx, sessionID)
		s.respondCart(w, r, http.StatusOK, view, err)

	case route == "" && r.Method == http.MethodDelete:
		view, err := s.service.ClearCart(ctx, sessionID)
		s.respondCart(w, r, http.StatusOK, view, err)

	case route == "entries" && r.Method == http.MethodPost:
		var body AddEntryInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		entry, view, err := s.service.AddEntry(ctx, sessionID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"entry": entry, "cart": view})

	case len(parts) == 2 && parts[0] == "entries" && r.Method == http.MethodDelete:
		view, err := s.service.RemoveEntry(ctx, sessionID, parts[1])
		s.respondCart(w, r, http.StatusOK, view, err)

	case len(parts) == 3 && parts[0] == "entries" && parts[2] == "notes" && r.Method == http.MethodPut:
		var body struct {
			Notes string `json:"notes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.UpdateNotes(ctx, sessionID, parts[1], body.Notes)
		s.respondCart(w, r, http.StatusOK, view, err)

	case route == "title" && r.Method == http.MethodPut:
		var body struct {
			Title string `json:"title"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.Rename(ctx, sessionID, body.Title)
		s.respondCart(w, r, http.StatusOK, view, err)

	case route == "version" && r.Method == http.MethodPut:
		var body struct {
			Version string `json:"version"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.SetActiveVersion(ctx, sessionID, body.Version)
		s.respondCart(w, r, http.StatusOK, view, err)

	case route == "import" && r.Method == http.MethodPost:
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Cart file is too large", nil)
			return
		}
		view, err := s.service.ImportCart(ctx, sessionID, payload)
		s.respondCart(w, r, http.StatusOK, view, err)

	case route == "export" && r.Method == http.MethodGet:
		shape, err := cart.ParseShape(r.URL.Query().Get("shape"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		data, err := s.service.ExportCart(ctx, sessionID, shape)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)

	case route == "resolve" && r.Method == http.MethodPost:
		var body struct {
			Choice cart.Choice `json:"choice"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.Resolve(ctx, sessionID, body.Choice)
		s.respondCart(w, r, http.StatusOK, view, err)

	case route == "sync" && r.Method == http.MethodPost:
		view, err := s.service.SyncCart(ctx, sessionID)
		s.respondCart(w, r, http.StatusOK, view, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleExports(w http.ResponseWriter, r *http.Request, sessionID string, parts []string) {
	if len(parts) != 1 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	kind, err := export.ParseKind(parts[0])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	persist, _ := strconv.ParseBool(r.URL.Query().Get("store"))

	artifact, location, err := s.service.Export(r.Context(), sessionID, kind, persist)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if persist {
		writeJSON(w, http.StatusCreated, map[string]any{
			"kind":     artifact.Kind,
			"filename": artifact.Filename,
			"location": location,
		})
		return
	}
	w.Header().Set("Content-Type", artifact.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Data)
}

func (s *HTTPServer) handlePrefs(w http.ResponseWriter, r *http.Request, sessionID string, parts []string) {
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	key := parts[0]
	switch r.Method {
	case http.MethodGet:
		value, err := s.service.Pref(r.Context(), sessionID, key)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
	case http.MethodPut:
		var body struct {
			Value bool `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetPref(r.Context(), sessionID, key, body.Value); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": body.Value})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSavedCarts(w http.ResponseWriter, r *http.Request, sessionID string, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		carts, err := s.service.ListSavedCarts(ctx, sessionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"carts": carts})
	case len(parts) == 0 && r.Method == http.MethodPost:
		if err := s.service.SaveCart(ctx, sessionID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
	case len(parts) == 2 && parts[1] == "load" && r.Method == http.MethodPost:
		view, err := s.service.LoadSavedCart(ctx, sessionID, parts[0])
		s.respondCart(w, r, http.StatusOK, view, err)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteSavedCart(ctx, sessionID, parts[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// respondCart writes the cart view, or the error with the view as details so
// the client can still render the unchanged cart and its status.
func (s *HTTPServer) respondCart(w http.ResponseWriter, r *http.Request, status int, view CartView, err error) {
	if err == nil {
		writeJSON(w, status, view)
		return
	}
	code, errCode, message, details := mapError(err)
	if details == nil && view.Status.Kind != "" {
		details = map[string]any{"cart": view}
	}
	s.logFailure(r, code, err)
	writeError(w, code, errCode, message, details)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	s.logFailure(r, status, err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) logFailure(r *http.Request, status int, err error) {
	if status < http.StatusInternalServerError {
		return
	}
	s.logger.Error("request failed",
		zap.String("request_id", requestID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, "+SessionHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
