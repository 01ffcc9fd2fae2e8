package http

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"lingogate/internal/session"
	"lingogate/internal/translation"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	pageHome     = "home"
	pageLogin    = "login"
	pageForgot   = "forgot"
	pageReset    = "reset"
	pageNotFound = "notfound"
)

type languageLink struct {
	Code    string
	Label   string
	Href    string
	Current bool
}

// pageData is what every page template renders from. I18n is the translation
// instance of the request, so templates call {{.I18n.T "key"}} directly.
type pageData struct {
	Locale          string
	I18n            *translation.Instance
	User            *session.Claims
	Languages       []languageLink
	CurrentLanguage string
	SignedInAs      string

	Register   bool
	Email      string
	Error      string
	Notice     string
	ShowResend bool
	Sent       bool
	Google     bool
	// Token is the password reset token carried by the reset form.
	Token string
}

type errorData struct {
	Locale  string
	Message string
}

type templates struct {
	pages map[string]*template.Template
	error *template.Template
}

func parseTemplates() (*templates, error) {
	t := &templates{pages: make(map[string]*template.Template)}

	for _, name := range []string{pageHome, pageLogin, pageForgot, pageReset, pageNotFound} {
		tmpl, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
		}
		t.pages[name] = tmpl
	}

	errTmpl, err := template.ParseFS(templateFS, "templates/error.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse error template: %w", err)
	}
	t.error = errTmpl

	return t, nil
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data *pageData) {
	var buf bytes.Buffer
	if err := s.templates.pages[name].ExecuteTemplate(&buf, "layout", data); err != nil {
		s.logger.Error("Failed to render page", zap.String("page", name), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeHTML(w, status, &buf)
}

// renderTranslationError shows the panel used when no translations could be loaded.
func (s *Server) renderTranslationError(w http.ResponseWriter, locale string, err error) {
	var buf bytes.Buffer
	data := errorData{Locale: locale, Message: "Error loading translations: " + err.Error()}
	if execErr := s.templates.error.ExecuteTemplate(&buf, "error", data); execErr != nil {
		s.logger.Error("Failed to render error panel", zap.Error(execErr))
		http.Error(w, data.Message, http.StatusInternalServerError)
		return
	}
	writeHTML(w, http.StatusInternalServerError, &buf)
}

func writeHTML(w http.ResponseWriter, status int, buf *bytes.Buffer) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
