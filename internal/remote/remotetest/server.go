// Package remotetest provides an in-memory stand-in for the remote record
// store, speaking the same REST dialect as remote.Client.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"
)

// Call records one request received by the fake.
type Call struct {
	Method string
	Table  string
	ID     string
	Body   map[string]any
}

type scriptedFailure struct {
	status  int
	code    string
	message string
}

// Server is a fake remote store backed by maps.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	tables   map[string]map[string]map[string]any
	seq      int
	offline  bool
	failures []scriptedFailure
	calls    []Call
}

// NewServer starts a fake remote store. Close it with Close.
func NewServer() *Server {
	s := &Server{tables: make(map[string]map[string]map[string]any)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// SetOffline makes every request fail at the transport level.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailNext makes the next request return a structured error with status.
func (s *Server) FailNext(status int, code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, scriptedFailure{status: status, code: code, message: message})
}

// Seed stores a row directly and returns its id.
func (s *Server) Seed(table string, row map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(table, row)
}

// Rows returns a copy of the stored rows of a table ordered by id sequence.
func (s *Server) Rows(table string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]any, 0, len(s.tables[table]))
	for _, row := range s.tables[table] {
		out = append(out, copyRow(row))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["seq"].(int) < out[j]["seq"].(int)
	})
	return out
}

// Calls returns the mutating requests received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		dropConnection(w)
		return
	}
	if len(s.failures) > 0 {
		f := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		writeJSON(w, f.status, map[string]string{"code": f.code, "message": f.message})
		return
	}
	s.mu.Unlock()

	table := strings.Trim(strings.TrimPrefix(r.URL.Path, "/rest/v1"), "/")
	if table == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	id := strings.TrimPrefix(r.URL.Query().Get("id"), "eq.")

	var body map[string]any
	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPatch) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "PGRST102", "message": "invalid body"})
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Method != http.MethodGet {
		s.calls = append(s.calls, Call{Method: r.Method, Table: table, ID: id, Body: body})
	}

	switch r.Method {
	case http.MethodGet:
		rows := make([]map[string]any, 0, len(s.tables[table]))
		for _, row := range s.tables[table] {
			rows = append(rows, copyRow(row))
		}
		writeJSON(w, http.StatusOK, rows)
	case http.MethodPost:
		newID := s.insertLocked(table, body)
		writeJSON(w, http.StatusCreated, []map[string]any{copyRow(s.tables[table][newID])})
	case http.MethodPatch:
		row, ok := s.tables[table][id]
		if !ok {
			writeJSON(w, http.StatusOK, []map[string]any{})
			return
		}
		for k, v := range body {
			row[k] = v
		}
		writeJSON(w, http.StatusOK, []map[string]any{copyRow(row)})
	case http.MethodDelete:
		row, ok := s.tables[table][id]
		if !ok {
			writeJSON(w, http.StatusOK, []map[string]any{})
			return
		}
		delete(s.tables[table], id)
		writeJSON(w, http.StatusOK, []map[string]any{copyRow(row)})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": "method not allowed"})
	}
}

func (s *Server) insertLocked(table string, row map[string]any) string {
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]map[string]any)
	}
	s.seq++
	stored := copyRow(row)
	id, _ := stored["id"].(string)
	if id == "" {
		id = fmt.Sprintf("%s-%d", table, s.seq)
	}
	stored["id"] = id
	stored["seq"] = s.seq
	stored["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	s.tables[table][id] = stored
	return id
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("remotetest: response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
