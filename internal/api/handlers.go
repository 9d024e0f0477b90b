// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/hooks"
)

// Status is the body of GET /v1/hooks.
type Status struct {
	Mode     string  `json:"mode"`
	Registry string  `json:"registry"`
	Strategy string  `json:"strategy"`
	Ready    bool    `json:"ready"`
	Scopes   []Scope `json:"scopes"`
}

// Scope is one registration scope: the global table, or one namespace.
type Scope struct {
	Scope     string `json:"scope"`
	Namespace string `json:"namespace,omitempty"`
	Hooks     []Hook `json:"hooks"`
}

// Hook is one registered hook.
type Hook struct {
	Name       string    `json:"name"`
	Point      string    `json:"point"`
	Family     string    `json:"family"`
	Priority   int32     `json:"priority"`
	AttachedAt time.Time `json:"attached_at"`
}

// NewScope converts a registry snapshot.
func NewScope(scope string, ns fastpath.NamespaceID, attached []hooks.AttachedHook) Scope {
	s := Scope{Scope: scope, Hooks: make([]Hook, 0, len(attached))}
	if !ns.IsZero() {
		s.Namespace = ns.String()
	}
	for _, h := range attached {
		s.Hooks = append(s.Hooks, Hook{
			Name:       h.Ops.Name,
			Point:      h.Ops.Hook.String(),
			Family:     h.Ops.Family.String(),
			Priority:   h.Ops.Priority,
			AttachedAt: h.AttachedAt.UTC(),
		})
	}
	return s
}

func (s *Server) currentStatus() (Status, bool) {
	if s.status == nil {
		return Status{}, false
	}
	return s.status.Status(), true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, ok := s.currentStatus()
	body := map[string]any{
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if !ok || !st.Ready {
		body["status"] = "unavailable"
		respondWithJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ok"
	body["scopes"] = len(st.Scopes)
	respondWithJSON(w, http.StatusOK, body)
}

func (s *Server) handleHooks(w http.ResponseWriter, r *http.Request) {
	st, ok := s.currentStatus()
	if !ok {
		respondWithError(w, http.StatusServiceUnavailable, "status not available")
		return
	}
	if st.Scopes == nil {
		st.Scopes = []Scope{}
	}
	respondWithJSON(w, http.StatusOK, st)
}

// handleHook lists the scopes that have the named hook point registered.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	point, err := fastpath.ParseHookPoint(mux.Vars(r)["hook"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, ok := s.currentStatus()
	if !ok {
		respondWithError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	name := point.String()
	scopes := []Scope{}
	for _, sc := range st.Scopes {
		var matched []Hook
		for _, h := range sc.Hooks {
			if h.Point == name {
				matched = append(matched, h)
			}
		}
		if len(matched) > 0 {
			sc.Hooks = matched
			scopes = append(scopes, sc)
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"point":  name,
		"scopes": scopes,
		"count":  len(scopes),
	})
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
