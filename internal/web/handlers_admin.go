package web

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/asheshgoplani/wa-deck/internal/logging"
	"github.com/asheshgoplani/wa-deck/internal/session"
)

const (
	defaultLogTailBytes = 64 << 10
	maxLogTailBytes     = 10 << 20
)

type killResponse struct {
	Removed []string                `json:"removed"`
	Active  map[string]session.Info `json:"active"`
	Errors  map[string]string       `json:"errors,omitempty"`
}

func infoMap(list []session.Info) map[string]session.Info {
	out := make(map[string]session.Info, len(list))
	for _, in := range list {
		out[in.ClientID] = in
	}
	return out
}

// formList reads a comma separated list from the form body or query.
func formList(r *http.Request, key string) []string {
	raw := r.FormValue(key)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDeleteForm makes a form-encoded DELETE body visible to FormValue;
// net/http only parses bodies for POST, PUT and PATCH.
func parseDeleteForm(r *http.Request) {
	if r.Method != http.MethodDelete || !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return
	}
	if err := r.ParseForm(); err != nil {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return
	}
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return
	}
	for k, vs := range vals {
		r.Form[k] = append(r.Form[k], vs...)
	}
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, infoMap(s.manager.ListActive(r.Context())))
}

func (s *Server) handleRunClients(w http.ResponseWriter, r *http.Request) {
	clients := formList(r, "clients")
	if len(clients) == 0 {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "no clients provided")
		return
	}
	writeJSON(w, http.StatusOK, s.manager.ForceEnsure(r.Context(), clients))
}

func (s *Server) handleKillClients(w http.ResponseWriter, r *http.Request) {
	parseDeleteForm(r)
	clients := formList(r, "clients")
	killDead := parseBool(r.FormValue("kill_dead"), false)
	if len(clients) == 0 && !killDead {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "no clients provided")
		return
	}

	res := s.manager.ForceKill(r.Context(), clients, killDead)
	removed := res.Removed
	if removed == nil {
		removed = []string{}
	}
	writeJSON(w, http.StatusOK, killResponse{
		Removed: removed,
		Active:  infoMap(res.Active),
		Errors:  res.Errors,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogTailBytes
	if v := r.URL.Query().Get("bytes"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "bytes must be a positive integer")
			return
		}
		n = min(parsed, maxLogTailBytes)
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(logging.RecentLogs(n))
}
