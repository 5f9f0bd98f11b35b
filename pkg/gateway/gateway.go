// Package gateway exposes the printer over HTTP : job control, machine
// status and manual G-code injection.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/PS-3D/3dprintd/pkg/executor"
	"github.com/PS-3D/3dprintd/pkg/gcode"
)

type Server struct {
	exec     *executor.Executor
	serveMux *http.ServeMux
	mu       sync.Mutex
	parser   *gcode.Parser // for manual line injection
	jobFile  *os.File
}

func NewServer(exec *executor.Executor) *Server {
	s := &Server{exec: exec, serveMux: http.NewServeMux()}
	s.serveMux.HandleFunc("POST /print/start", s.handleStart)
	s.serveMux.HandleFunc("POST /print/pause", s.handlePause)
	s.serveMux.HandleFunc("POST /print/resume", s.handleResume)
	s.serveMux.HandleFunc("POST /print/stop", s.handleStop)
	s.serveMux.HandleFunc("GET /status", s.handleStatus)
	s.serveMux.HandleFunc("POST /gcode", s.handleGcode)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.serveMux.ServeHTTP(w, r)
}

// Process server, blocking
func (s *Server) ListenAndServe(addr string) error {
	log.Infof("[GATEWAY] listening on %s", addr)
	return http.ListenAndServe(addr, s.serveMux)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil || params.Path == "" {
		writeError(w, http.StatusBadRequest, errors.New("expecting body {\"path\": ...}"))
		return
	}
	file, err := os.Open(params.Path)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if err := s.exec.Start(file); err != nil {
		file.Close()
		status := http.StatusInternalServerError
		if errors.Is(err, executor.ErrNotStopped) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	s.mu.Lock()
	if s.jobFile != nil {
		s.jobFile.Close()
	}
	s.jobFile = file
	s.mu.Unlock()
	log.Infof("[GATEWAY] printing %s", params.Path)
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.exec.Pause(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.exec.Resume(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.exec.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Status())
}

// handleGcode executes one manually injected G-code line. Only
// possible while no job is running.
func (s *Server) handleGcode(w http.ResponseWriter, r *http.Request) {
	var params struct {
		Line string `json:"line"`
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("expecting body {\"line\": ...}"))
		return
	}
	s.mu.Lock()
	if s.parser == nil {
		s.parser = gcode.NewParser(nil)
	}
	cmd, err := s.parser.ParseLine(params.Line)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if cmd == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if err := s.exec.Exec(cmd); err != nil {
		status := http.StatusConflict
		if errors.Is(err, executor.ErrFatalHalt) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}
