package handlers

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
)

type homePageData struct {
	Theme           models.Theme
	Sessions        []sessionView
	ActiveSessionID string
	Messages        []messageView
}

// HandleHome renders the page of the active session. A "session_id" query parameter naming a known
// session selects it first; unknown ids are ignored.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if id := r.URL.Query().Get("session_id"); id != "" {
		m.store.SelectSession(id)
	}

	activeID, ok := m.store.ActiveSession()
	if !ok {
		activeID = m.store.CreateSession()
	}

	messages, err := m.store.Messages(activeID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("sessionID", activeID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]messageView, len(messages))
	for i, msg := range messages {
		views[i], err = m.messageView(activeID, msg)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	data := homePageData{
		Theme:           m.prefs.LoadTheme(r.Context()),
		Sessions:        m.sessionViews(),
		ActiveSessionID: activeID,
		Messages:        views,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSessions creates a new session, which becomes the active one, and redirects to it.
func (m Main) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := m.store.CreateSession()
	http.Redirect(w, r, "/?session_id="+url.QueryEscape(id), http.StatusSeeOther)
}

// HandleTheme stores the display theme given by the "theme" form field, or toggles the current
// one when the field is empty.
func (m Main) HandleTheme(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	theme := models.Theme(r.FormValue("theme"))
	switch {
	case theme == "":
		theme = models.ThemeDark
		if m.prefs.LoadTheme(r.Context()) == models.ThemeDark {
			theme = models.ThemeLight
		}
	case !theme.Valid():
		http.Error(w, "Unknown theme", http.StatusBadRequest)
		return
	}

	m.prefs.SaveTheme(r.Context(), theme)

	redirect := "/"
	if id := r.FormValue("session_id"); id != "" {
		redirect += "?session_id=" + url.QueryEscape(id)
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}
