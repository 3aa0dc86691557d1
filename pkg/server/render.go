// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"html/template"
	"net/http"

	"github.com/stacklok/authbridge/pkg/upstream/linking"
)

// Renderer turns link page decisions into a response body. Deployments
// with their own frontend replace this with their templates.
type Renderer interface {
	LinkPage(w http.ResponseWriter, view *linking.LinkView, csrfToken string) error
}

// htmlRenderer is the built-in minimal renderer.
type htmlRenderer struct {
	tmpl *template.Template
}

// NewHTMLRenderer returns the default renderer with a bare-bones form per
// decision.
func NewHTMLRenderer() Renderer {
	return &htmlRenderer{tmpl: template.Must(template.New("link").Parse(linkPageTemplate))}
}

type linkPageData struct {
	View      *linking.LinkView
	CSRFToken string
}

func (r *htmlRenderer) LinkPage(w http.ResponseWriter, view *linking.LinkView, csrfToken string) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return r.tmpl.Execute(w, linkPageData{View: view, CSRFToken: csrfToken})
}

const linkPageTemplate = `<!DOCTYPE html>
<html>
<head><title>Account link</title></head>
<body>
{{- if eq .View.Decision "already-linked" }}
<p>You are signed in.</p>
{{- else if eq .View.Decision "link-mismatch" }}
<p>This upstream account is already linked to {{ .View.User.Username }}.</p>
{{- else if eq .View.Decision "suggest-link" }}
<form method="post">
  <input type="hidden" name="csrf_token" value="{{ .CSRFToken }}">
  <button type="submit" name="action" value="link">Link to your account</button>
</form>
{{- else if eq .View.Decision "do-login" }}
<p>This upstream account belongs to {{ .View.User.Username }}.</p>
<form method="post">
  <input type="hidden" name="csrf_token" value="{{ .CSRFToken }}">
  <button type="submit" name="action" value="login">Sign in as {{ .View.User.Username }}</button>
</form>
{{- else if eq .View.Decision "do-register" }}
<form method="post">
  <input type="hidden" name="csrf_token" value="{{ .CSRFToken }}">
  <label>Username <input type="text" name="username"></label>
  <button type="submit" name="action" value="register">Create account</button>
</form>
{{- end }}
</body>
</html>
`
