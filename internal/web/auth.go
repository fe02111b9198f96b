package web

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// credentialSources are the places a request may carry the API key, in
// lookup order.
var credentialSources = []struct {
	name    string
	extract func(*http.Request) string
}{
	{"auth-key", func(r *http.Request) string { return strings.TrimSpace(r.Header.Get("auth-key")) }},
	{"bearer", func(r *http.Request) string { return bearerToken(r.Header.Get("Authorization")) }},
	{"query", func(r *http.Request) string { return strings.TrimSpace(r.URL.Query().Get("token")) }},
}

// authorizeRequest reports whether r carries the current API key. Rejections
// are logged with the sources that held a credential, never the value.
func (s *Server) authorizeRequest(r *http.Request) bool {
	key := *s.apiKey.Load()
	if key == "" {
		return true
	}

	var presented []string
	for _, src := range credentialSources {
		v := src.extract(r)
		if v == "" {
			continue
		}
		if secureEqual(v, key) {
			return true
		}
		presented = append(presented, src.name)
	}

	webLog.Warn("auth_rejected",
		slog.String("path", r.URL.Path),
		slog.String("remote", r.RemoteAddr),
		slog.Any("presented", presented),
		slog.String("request_id", requestID(r)))
	return false
}

func bearerToken(authHeader string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authHeader), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// secureEqual compares SHA-256 digests of a and b in constant time.
func secureEqual(a, b string) bool {
	ha, hb := sha256.Sum256([]byte(a)), sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// clientID resolves the client from the client-id header or the client_id
// query parameter.
func clientID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("client-id")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("client_id"))
}
