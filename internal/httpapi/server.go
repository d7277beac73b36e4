// Package httpapi exposes the intake service over HTTP: a password
// gate, the chat turn endpoint, sheet inspection and transfer, and
// asynchronous inference runs.
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/spotsepsis/intake/internal/intakeerr"
	"github.com/spotsepsis/intake/internal/schema"
	"github.com/spotsepsis/intake/internal/session"
	"github.com/spotsepsis/intake/internal/sheet"
)

// PDFRenderer prints a markdown document to PDF. Nil disables the
// report.pdf endpoint.
type PDFRenderer interface {
	Render(ctx context.Context, markdown string) ([]byte, error)
}

type Server struct {
	manager  *session.Manager
	renderer PDFRenderer

	username string
	password string

	mu     sync.RWMutex
	tokens map[string]struct{}
}

// NewServer builds the handler. Credentials come from INTAKE_USER and
// INTAKE_PASS; when both are empty the API runs without a login gate,
// which is only sensible for local development.
func NewServer(manager *session.Manager, renderer PDFRenderer, webDir string) http.Handler {
	s := &Server{
		manager:  manager,
		renderer: renderer,
		username: strings.TrimSpace(os.Getenv("INTAKE_USER")),
		password: strings.TrimSpace(os.Getenv("INTAKE_PASS")),
		tokens:   map[string]struct{}{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/login", s.handleLogin)
	mux.HandleFunc("/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("/v1/sessions/resume", s.handleResume)
	mux.HandleFunc("/v1/sessions/", s.handleSession)
	mux.HandleFunc("/v1/fields", s.handleFields)
	mux.HandleFunc("/v1/health", s.handleHealth)
	if webDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(webDir)))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	var ie *intakeerr.Error
	if errors.As(err, &ie) {
		payload := map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":      ie.Code,
				"message":   ie.Message,
				"transient": ie.Transient,
			},
		}
		if ie.RetryAfter > 0 {
			payload["error"].(map[string]any)["retry_after"] = ie.RetryAfter
			w.Header().Set("Retry-After", strconv.Itoa(ie.RetryAfter))
		}
		writeJSON(w, ie.Status, payload)
		return
	}
	writeJSON(w, 500, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":      intakeerr.CodeInternal,
			"message":   err.Error(),
			"transient": true,
		},
	})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte("{}"), nil
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return blob, nil
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func newToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (s *Server) authRequired() bool {
	return s.username != "" || s.password != ""
}

func (s *Server) authorize(r *http.Request) error {
	if !s.authRequired() {
		return nil
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
	if token == "" {
		return intakeerr.NewUnauthorized("bearer token required")
	}
	s.mu.RLock()
	_, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return intakeerr.NewUnauthorized("invalid or expired token")
	}
	return nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeError(w, intakeerr.NewValidationJSON(err))
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(blob, &req); err != nil {
		writeError(w, intakeerr.NewValidationJSON(err))
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.username))
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.password))
	if userOK&passOK != 1 {
		writeError(w, intakeerr.NewUnauthorized("invalid credentials"))
		return
	}

	token := newToken()
	s.mu.Lock()
	s.tokens[token] = struct{}{}
	s.mu.Unlock()
	writeJSON(w, 200, map[string]any{"ok": true, "token": token})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	if err := s.authorize(r); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.manager.Create()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "session_id": sess.ID})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	if err := s.authorize(r); err != nil {
		writeError(w, err)
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeError(w, intakeerr.NewValidationJSON(err))
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(blob, &req); err != nil {
		writeError(w, intakeerr.NewValidationJSON(err))
		return
	}
	view, err := s.manager.ViewOf(strings.TrimSpace(req.SessionID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "session": view})
}

// handleSession dispatches /v1/sessions/{id}/... subresources.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		writeError(w, err)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "turns":
		s.handleTurn(w, r, id)
	case len(parts) == 2 && parts[1] == "fields":
		s.handleSetField(w, r, id)
	case len(parts) == 2 && parts[1] == "sheet":
		s.handleSheet(w, r, id)
	case len(parts) == 3 && parts[1] == "sheet" && parts[2] == "export":
		s.handleExport(w, r, id)
	case len(parts) == 3 && parts[1] == "sheet" && parts[2] == "import":
		s.handleImport(w, r, id)
	case len(parts) == 2 && parts[1] == "runs":
		s.handleStartRun(w, r, id)
	case len(parts) == 3 && parts[1] == "runs":
		s.handleGetRun(w, r, id, parts[2])
	case len(parts) == 2 && parts[1] == "report.pdf":
		s.handleReportPDF(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request, id string) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeError(w, intakeerr.NewValidationJSON(err))
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(blob, &req); err != nil {
		writeError(w, intakeerr.NewValidationJSON(err))
		return
	}
	res, err := s.manager.Turn(r.Context(), id, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "result": res})
}

func (s *Server) handleSetField(w http.ResponseWriter, r *http.Request, id string) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeError(w, intakeerr.NewValidationJSON(err))
		return
	}
	var req struct {
		Field string `json:"field"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(blob, &req); err != nil {
		writeError(w, intakeerr.NewValidationJSON(err))
		return
	}
	outcome, err := s.manager.SetField(id, strings.TrimSpace(req.Field), req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "outcome": outcome})
}

func (s *Server) handleSheet(w http.ResponseWriter, r *http.Request, id string) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	view, err := s.manager.ViewOf(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "session": view})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, id string) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	snap, err := s.manager.Snapshot(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, snap)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, id string) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeError(w, intakeerr.NewValidationJSON(err))
		return
	}
	snap, err := sheet.DecodeSnapshot(blob)
	if err != nil {
		writeError(w, intakeerr.NewValidation(err.Error()))
		return
	}
	outcomes, err := s.manager.Import(id, snap)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "outcomes": outcomes})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request, id string) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeError(w, intakeerr.NewValidationJSON(err))
		return
	}
	var req struct {
		Stage string `json:"stage"`
	}
	if err := json.Unmarshal(blob, &req); err != nil {
		writeError(w, intakeerr.NewValidationJSON(err))
		return
	}
	rec, err := s.manager.StartRun(r.Context(), id, schema.Stage(strings.ToUpper(strings.TrimSpace(req.Stage))))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "run": rec})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, id, seqRaw string) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	seq, err := strconv.Atoi(seqRaw)
	if err != nil {
		writeError(w, intakeerr.NewValidation("run seq must be an integer"))
		return
	}
	rec, err := s.manager.GetRun(id, seq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "run": rec})
}

func (s *Server) handleReportPDF(w http.ResponseWriter, r *http.Request, id string) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	if s.renderer == nil {
		writeError(w, intakeerr.NewUpstream("pdf rendering not available on this deployment", 0))
		return
	}
	md, err := s.manager.ReportMarkdown(id)
	if err != nil {
		writeError(w, err)
		return
	}
	pdf, err := s.renderer.Render(r.Context(), md)
	if err != nil {
		writeError(w, intakeerr.NewInternal("render pdf: "+err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="intake-sheet.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

// handleFields describes the declared fields so the web UI can render
// the sheet form without hardcoding the schema.
func (s *Server) handleFields(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	type fieldInfo struct {
		Name       string         `json:"name"`
		Label      string         `json:"label"`
		Type       string         `json:"type"`
		Unit       string         `json:"unit,omitempty"`
		Min        float64        `json:"min,omitempty"`
		Max        float64        `json:"max,omitempty"`
		RequiredBy []schema.Stage `json:"required_by,omitempty"`
		Prompt     string         `json:"prompt,omitempty"`
	}
	var fields []fieldInfo
	for _, f := range s.manager.Registry().Fields() {
		fields = append(fields, fieldInfo{
			Name:       f.Name,
			Label:      f.Label,
			Type:       string(f.Type),
			Unit:       f.Unit,
			Min:        f.Min,
			Max:        f.Max,
			RequiredBy: f.RequiredBy,
			Prompt:     f.Prompt,
		})
	}
	writeJSON(w, 200, map[string]any{"fields": fields})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, map[string]any{
		"ok":            true,
		"auth_required": s.authRequired(),
	})
}
