// Package ipc is the loopback control surface. The server binds a
// random port on 127.0.0.1, writes {port, token, pid} to
// data/.ipc-port with owner-only permissions, and requires the bearer
// token on everything except /healthz. Operator tools discover the
// daemon through the port file.
package ipc

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jholhewres/aide/pkg/aide/cron"
	"github.com/jholhewres/aide/pkg/aide/goals"
	"github.com/jholhewres/aide/pkg/aide/store"
	"github.com/jholhewres/aide/pkg/aide/workflow"
)

// maxBodyBytes caps request bodies; oversized requests are dropped.
const maxBodyBytes = 64 * 1024

// PortFile is the discovery record written to data/.ipc-port.
type PortFile struct {
	Port  int    `json:"port"`
	Token string `json:"token"`
	PID   int    `json:"pid"`
}

// StatusFunc renders the daemon status document.
type StatusFunc func() any

// Deps are the components the surface exposes.
type Deps struct {
	Cron      *cron.Scheduler
	Goals     *goals.Store
	Workflows *workflow.Engine
	Status    StatusFunc
	// Metrics renders the plain-text counter dump.
	Metrics func() string
	// Clear resets the conversation session.
	Clear func() error
	// Healthy reports false to degrade /healthz.
	Healthy func() bool
}

// Server is the loopback HTTP+WS listener.
type Server struct {
	deps     Deps
	dataDir  string
	token    string
	logger   *slog.Logger
	listener net.Listener
	http     *http.Server
	hub      *wsHub
}

// NewServer prepares the surface; Start binds the port.
func NewServer(dataDir string, deps Deps, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	s := &Server{
		deps:    deps,
		dataDir: dataDir,
		token:   hex.EncodeToString(buf),
		logger:  logger.With("component", "ipc"),
	}
	s.hub = newWSHub(s.snapshot, s.logger)
	return s, nil
}

// Start binds a random loopback port, writes the port file, and serves
// until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("binding loopback: %w", err)
	}
	s.listener = ln
	port := ln.Addr().(*net.TCPAddr).Port

	pf := PortFile{Port: port, Token: s.token, PID: os.Getpid()}
	data, _ := json.Marshal(pf)
	if err := store.WriteFileAtomic(s.portPath(), data, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("writing port file: %w", err)
	}

	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ipc server stopped", "error", err)
		}
	}()
	s.hub.start()
	s.logger.Info("ipc listening", "port", port)
	return nil
}

// Stop closes the listener and removes the port file.
func (s *Server) Stop() {
	s.hub.stopHub()
	if s.http != nil {
		s.http.Close()
	}
	os.Remove(s.portPath())
}

// Publish pushes an event to subscribed WebSocket clients.
func (s *Server) Publish(event string, payload any) {
	s.hub.publish(event, payload)
}

// ReadPortFile loads the discovery record (used by CLI subcommands).
func ReadPortFile(dataDir string) (PortFile, error) {
	var pf PortFile
	err := store.LoadJSON(filepath.Join(dataDir, ".ipc-port"), &pf)
	if err == nil && pf.Port == 0 {
		err = fmt.Errorf("daemon not running (no port file)")
	}
	return pf, err
}

func (s *Server) portPath() string {
	return filepath.Join(s.dataDir, ".ipc-port")
}

// ── routing ──

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	auth := func(h http.HandlerFunc) http.HandlerFunc { return s.requireAuth(h) }
	mux.HandleFunc("GET /status", auth(s.handleStatus))
	mux.HandleFunc("GET /metrics", auth(s.handleMetrics))
	mux.HandleFunc("POST /clear", auth(s.handleClear))

	mux.HandleFunc("GET /crons", auth(s.handleCronList))
	mux.HandleFunc("POST /crons", auth(s.handleCronAdd))
	mux.HandleFunc("POST /crons/{id}/{action}", auth(s.handleCronAction))

	mux.HandleFunc("GET /goals", auth(s.handleGoalList))
	mux.HandleFunc("POST /goals", auth(s.handleGoalAdd))
	mux.HandleFunc("POST /goals/{id}/{action}", auth(s.handleGoalAction))

	mux.HandleFunc("GET /workflows", auth(s.handleWorkflowList))
	mux.HandleFunc("POST /workflows", auth(s.handleWorkflowCreate))
	mux.HandleFunc("POST /workflows/{id}/{action}", auth(s.handleWorkflowAction))

	mux.HandleFunc("GET /ws", s.handleWS) // token via query param, checked inside
	return mux
}

func (s *Server) requireAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.logger.Warn("unauthorized request", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		h(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(header, "Bearer "); ok {
		return tok == s.token
	}
	return false
}

// ── handlers ──

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := "ok"
	if s.deps.Healthy != nil && !s.deps.Healthy() {
		state = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": state})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var doc any
	if s.deps.Status != nil {
		doc = s.deps.Status()
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.deps.Metrics != nil {
		io.WriteString(w, s.deps.Metrics())
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Clear == nil {
		http.Error(w, "not supported", http.StatusNotImplemented)
		return
	}
	if err := s.deps.Clear(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleCronList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cron.List())
}

func (s *Server) handleCronAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Schedule string `json:"schedule"`
		Prompt   string `json:"prompt"`
		Delivery string `json:"delivery"`
		Model    string `json:"model"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.deps.Cron.Add(req.Name, req.Schedule, req.Prompt, cron.Delivery(req.Delivery), req.Model)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Publish("cron_added", job)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleCronAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var err error
	switch r.PathValue("action") {
	case "delete":
		err = s.deps.Cron.Delete(id)
	case "toggle":
		_, err = s.deps.Cron.Toggle(id)
	case "run":
		err = s.deps.Cron.RunNow(id)
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGoalList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Goals.List())
}

func (s *Server) handleGoalAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
		Notes string `json:"notes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		http.Error(w, "title required", http.StatusBadRequest)
		return
	}
	g := s.deps.Goals.Add(req.Title, req.Notes)
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGoalAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.PathValue("action") {
	case "update":
		var req struct {
			Title  string `json:"title"`
			Notes  string `json:"notes"`
			Status string `json:"status"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		ok := s.deps.Goals.Update(id, func(g *goals.Goal) {
			if req.Title != "" {
				g.Title = req.Title
			}
			if req.Notes != "" {
				g.Notes = req.Notes
			}
			if req.Status != "" {
				g.Status = goals.Status(req.Status)
			}
		})
		if !ok {
			http.Error(w, "no such goal", http.StatusNotFound)
			return
		}
	case "delete":
		if !s.deps.Goals.Delete(id) {
			http.Error(w, "no such goal", http.StatusNotFound)
			return
		}
	case "milestone-add":
		var req struct {
			Title string `json:"title"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		m, ok := s.deps.Goals.AddMilestone(id, req.Title)
		if !ok {
			http.Error(w, "no such goal", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusCreated, m)
		return
	case "milestone-complete":
		var req struct {
			MilestoneID string `json:"milestone_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if !s.deps.Goals.CompleteMilestone(id, req.MilestoneID) {
			http.Error(w, "no such milestone", http.StatusNotFound)
			return
		}
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Workflows.List())
}

func (s *Server) handleWorkflowCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string           `json:"name"`
		Peer           string           `json:"peer"`
		Steps          []*workflow.Step `json:"steps"`
		MaxDurationSec int              `json:"max_duration_sec"`
		Start          bool             `json:"start"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	wf, err := s.deps.Workflows.Create(req.Name, req.Peer, req.Steps, req.MaxDurationSec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Start {
		if err := s.deps.Workflows.StartWorkflow(wf.ID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	s.Publish("workflow_created", map[string]string{"id": wf.ID, "name": wf.Name})
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleWorkflowAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var err error
	switch action := r.PathValue("action"); action {
	case "start":
		err = s.deps.Workflows.StartWorkflow(id)
	case "pause":
		err = s.deps.Workflows.Pause(id)
	case "resume":
		err = s.deps.Workflows.Resume(id)
	case "cancel":
		err = s.deps.Workflows.Cancel(id)
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Publish("workflow_transitioned", map[string]string{"id": id, "action": r.PathValue("action")})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// snapshot builds the periodic WS state document.
func (s *Server) snapshot() any {
	doc := map[string]any{}
	if s.deps.Status != nil {
		doc["status"] = s.deps.Status()
	}
	if s.deps.Cron != nil {
		doc["crons"] = s.deps.Cron.List()
	}
	if s.deps.Workflows != nil {
		doc["workflows"] = s.deps.Workflows.List()
	}
	return doc
}

// ── helpers ──

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}
