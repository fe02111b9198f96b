package web

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/asheshgoplani/wa-deck/internal/driver"
	"github.com/asheshgoplani/wa-deck/internal/media"
	"github.com/asheshgoplani/wa-deck/internal/session"
)

const maxUploadBytes = 64 << 20

type successResponse struct {
	Success bool          `json:"success"`
	Client  *session.Info `json:"client,omitempty"`
}

func writePNG(w http.ResponseWriter, png []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	png, err := sess.Handle.Screenshot(r.Context())
	if err != nil {
		s.writeError(w, session.CommandError("screenshot", err))
		return
	}
	writePNG(w, png)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	png, err := sess.Handle.QRCode(r.Context())
	if err != nil {
		s.writeError(w, session.CommandError("qr", err))
		return
	}
	writePNG(w, png)
}

func (s *Server) handleQRPlain(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	qr, err := sess.Handle.QRPlain(r.Context())
	if err != nil {
		s.writeError(w, session.CommandError("qr_plain", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"qr": qr})
}

func (s *Server) handleOpenHere(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := sess.Handle.OpenHere(r.Context()); err != nil {
		s.writeError(w, session.CommandError("open_here", err))
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// handleCreateClient does nothing beyond what the gate already did: the
// session exists once the request is admitted.
func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	info := sess.Info()
	writeJSON(w, http.StatusOK, successResponse{Success: s.manager.Registry().Has(sess.ID), Client: &info})
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	preserve := parseBool(r.URL.Query().Get("preserve_cache"), false)
	if err := sess.Remove(r.Context(), preserve); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	number := digitsOnly(r.FormValue("number"))
	if number == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "phone number is mandatory")
		return
	}
	if number[0] == '0' {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "use country code")
		return
	}

	chat, err := sess.Handle.ChatByPhone(r.Context(), number, true)
	if err != nil {
		s.writeError(w, session.CommandError("chat_by_phone", err))
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	chats, err := sess.Handle.Chats(r.Context())
	if err != nil {
		s.writeError(w, session.CommandError("chats", err))
		return
	}
	if chats == nil {
		chats = []driver.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	chatID := r.PathValue("chatID")
	q := r.URL.Query()
	query := driver.MessageQuery{
		IncludeMe:            parseBool(q.Get("include_me"), false),
		IncludeNotifications: parseBool(q.Get("include_notifications"), false),
	}

	msgs, err := sess.Handle.Messages(r.Context(), chatID, query)
	if err != nil {
		s.writeError(w, session.CommandError("messages", err))
		return
	}
	if msgs == nil {
		msgs = []driver.Message{}
	}

	if parseBool(q.Get("mark_seen"), true) && len(msgs) > 0 {
		if err := sess.Handle.MarkSeen(r.Context(), chatID); err != nil {
			webLog.Debug("mark_seen_failed",
				slog.String("client_id", sess.ID),
				slog.String("chat_id", chatID),
				slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleSendMessage sends every uploaded file with the message as caption,
// or the message alone as text when nothing was uploaded.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	chatID := r.PathValue("chatID")

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid multipart body")
			return
		}
	}

	if r.MultipartForm != nil && len(r.MultipartForm.File) > 0 {
		s.sendMedia(w, r, sess, chatID)
		return
	}

	message := r.FormValue("message")
	if message == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "message is mandatory")
		return
	}
	res, err := sess.Handle.SendText(r.Context(), chatID, message)
	if err != nil {
		s.writeError(w, session.CommandError("send_text", err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) sendMedia(w http.ResponseWriter, r *http.Request, sess *session.Session, chatID string) {
	fields := make([]string, 0, len(r.MultipartForm.File))
	for field := range r.MultipartForm.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	// Stage everything first so a bad file fails the request before any send.
	var paths []string
	staged := make(map[string]bool)
	for _, field := range fields {
		for _, fh := range r.MultipartForm.File[field] {
			f, err := fh.Open()
			if err != nil {
				writeAPIError(w, http.StatusBadRequest, "INVALID_MEDIA", "unreadable upload")
				return
			}
			name := fh.Filename
			if clean := media.SanitizeName(name); clean != "" {
				name = media.UniqueName(clean, staged)
			}
			path, err := s.cfg.Media.Save(sess.ID, name, f)
			_ = f.Close()
			if err != nil {
				s.writeError(w, err)
				return
			}
			paths = append(paths, path)
		}
	}

	caption := r.FormValue("message")
	results := make([]driver.SendResult, 0, len(paths))
	for _, path := range paths {
		res, err := sess.Handle.SendMedia(r.Context(), chatID, path, caption)
		if err != nil {
			s.writeError(w, session.CommandError("send_media", err))
			return
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, results)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
