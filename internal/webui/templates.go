// ABOUTME: Template loading and rendering for the board UI
// ABOUTME: Pages share the base layout; message partials double as SSE payloads

package webui

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/2389/coven-board/internal/store"
)

// Template data types
type loginData struct {
	Title     string
	CSRFToken string
}

type dashboardData struct {
	Title     string
	User      string
	Messages  []*store.Message
	CSRFToken string
}

// templates holds every parsed page and the shared partial set.
type templates struct {
	pages    map[string]*template.Template
	partials *template.Template
}

// newMarkdown returns the converter used for message bodies. Raw HTML in
// content is escaped, not passed through.
func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
}

func (u *UI) funcs() template.FuncMap {
	return template.FuncMap{
		"markdown": u.markdown,
		"stamp": func(t time.Time) string {
			return t.UTC().Format("2006-01-02 15:04")
		},
		"rfc3339": func(t time.Time) string {
			return t.UTC().Format(time.RFC3339)
		},
	}
}

func (u *UI) loadTemplates() (*templates, error) {
	partials, err := template.New("partials").Funcs(u.funcs()).ParseFS(templateFS, "templates/partials/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing partials: %w", err)
	}

	t := &templates{pages: make(map[string]*template.Template), partials: partials}
	for _, page := range []string{"login", "dashboard"} {
		tmpl, err := template.New(page).Funcs(u.funcs()).ParseFS(templateFS,
			"templates/base.html",
			"templates/"+page+".html",
			"templates/partials/*.html")
		if err != nil {
			return nil, fmt.Errorf("parsing %s page: %w", page, err)
		}
		t.pages[page] = tmpl
	}
	return t, nil
}

// markdown converts message content to HTML. On failure the escaped source
// is shown instead.
func (u *UI) markdown(src string) template.HTML {
	var buf bytes.Buffer
	if err := u.md.Convert([]byte(src), &buf); err != nil {
		u.logger.Error("failed to convert markdown", "error", err)
		return template.HTML("<p>" + template.HTMLEscapeString(src) + "</p>")
	}
	return template.HTML(buf.String())
}

// RenderMessage writes the message fragment that SSE clients swap in.
func (u *UI) RenderMessage(w io.Writer, msg *store.Message) error {
	return u.tmpl.partials.ExecuteTemplate(w, "message", msg)
}

func (u *UI) renderPage(w http.ResponseWriter, page string, data any) {
	var buf bytes.Buffer
	if err := u.tmpl.pages[page].ExecuteTemplate(&buf, "base", data); err != nil {
		u.logger.Error("failed to render page", "page", page, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (u *UI) renderPartial(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := u.tmpl.partials.ExecuteTemplate(&buf, name, data); err != nil {
		u.logger.Error("failed to render partial", "partial", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
