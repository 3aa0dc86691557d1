// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server wires the authbridge services into an HTTP router: the
// upstream linking flow for browsers, the compat token endpoints for Matrix
// clients, and local session login/logout.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/stacklok/authbridge/pkg/compat"
	"github.com/stacklok/authbridge/pkg/cookie"
	"github.com/stacklok/authbridge/pkg/logger"
	"github.com/stacklok/authbridge/pkg/storage"
	"github.com/stacklok/authbridge/pkg/upstream/linking"
)

const requestTimeout = 60 * time.Second

// PasswordVerifier checks a password candidate against a stored hash. The
// hash format is opaque to authbridge.
type PasswordVerifier interface {
	Verify(ctx context.Context, version int, hashed, candidate string) error
}

// Server is the HTTP surface of authbridge.
type Server struct {
	store     storage.Store
	linking   *linking.Service
	compat    *compat.Handler
	pending   *cookie.Codec
	sessions  *cookie.SessionCodec
	renderer  Renderer
	passwords PasswordVerifier

	router chi.Router
}

// Options carries the dependencies of a Server.
type Options struct {
	Store            storage.Store
	Linking          *linking.Service
	Compat           *compat.Handler
	PendingCookies   *cookie.Codec
	SessionCookies   *cookie.SessionCodec
	Renderer         Renderer
	PasswordVerifier PasswordVerifier
}

// New builds the server and its routes.
func New(opts Options) *Server {
	s := &Server{
		store:     opts.Store,
		linking:   opts.Linking,
		compat:    opts.Compat,
		pending:   opts.PendingCookies,
		sessions:  opts.SessionCookies,
		renderer:  opts.Renderer,
		passwords: opts.PasswordVerifier,
	}
	if s.renderer == nil {
		s.renderer = NewHTMLRenderer()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/upstream/authorize/{providerID}", s.startUpstream)
	r.Get("/upstream/callback/{providerID}", s.upstreamCallback)
	r.Get("/upstream/link/{linkID}", s.linkPage)
	r.Post("/upstream/link/{linkID}", s.submitLink)

	r.Post("/login", s.login)
	r.Post("/logout", s.logout)

	r.Post("/_matrix/client/v3/refresh", s.compat.Refresh)

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// startUpstream begins an authorization attempt and redirects the browser
// to the upstream provider.
func (s *Server) startUpstream(w http.ResponseWriter, r *http.Request) {
	providerID, err := uuid.Parse(chi.URLParam(r, "providerID"))
	if err != nil {
		http.Error(w, "invalid provider id", http.StatusBadRequest)
		return
	}

	set := s.pending.Load(r)
	redirect, set, err := s.linking.Start(r.Context(), providerID, set, r.URL.Query().Get("next"))
	if err != nil {
		s.linkError(w, err)
		return
	}

	if err := s.pending.Save(w, set); err != nil {
		s.internalError(w, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// upstreamCallback validates the provider callback and redirects to the
// link decision page.
func (s *Server) upstreamCallback(w http.ResponseWriter, r *http.Request) {
	providerID, err := uuid.Parse(chi.URLParam(r, "providerID"))
	if err != nil {
		http.Error(w, "invalid provider id", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	params := linking.CallbackParams{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		ErrorURI:         q.Get("error_uri"),
	}

	set := s.pending.Load(r)
	linkID, set, err := s.linking.Callback(r.Context(), providerID, set, params)
	if err != nil {
		s.linkError(w, err)
		return
	}

	if err := s.pending.Save(w, set); err != nil {
		s.internalError(w, err)
		return
	}
	http.Redirect(w, r, "/upstream/link/"+linkID.String(), http.StatusSeeOther)
}

// linkPage shows the link decision page, or completes the flow outright
// when the link already belongs to the logged-in user.
func (s *Server) linkPage(w http.ResponseWriter, r *http.Request) {
	linkID, err := uuid.Parse(chi.URLParam(r, "linkID"))
	if err != nil {
		http.Error(w, "invalid link id", http.StatusBadRequest)
		return
	}

	browserSession, err := s.loadBrowserSession(r)
	if err != nil {
		s.internalError(w, err)
		return
	}

	set := s.pending.Load(r)
	view, set, err := s.linking.LinkPage(r.Context(), linkID, set, browserSession)
	if err != nil {
		s.linkError(w, err)
		return
	}

	if view.Decision == linking.DecisionAlreadyLinked {
		if err := s.pending.Save(w, set); err != nil {
			s.internalError(w, err)
			return
		}
		if err := s.sessions.Save(w, view.BrowserSession.ID); err != nil {
			s.internalError(w, err)
			return
		}
	}

	if err := s.renderer.LinkPage(w, view, s.csrfToken(w, r)); err != nil {
		logger.Errorw("rendering link page", "error", err)
	}
}

// submitLink applies the user's decision from the link page form.
func (s *Server) submitLink(w http.ResponseWriter, r *http.Request) {
	linkID, err := uuid.Parse(chi.URLParam(r, "linkID"))
	if err != nil {
		http.Error(w, "invalid link id", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if !s.verifyCSRF(r) {
		http.Error(w, "csrf token mismatch", http.StatusForbidden)
		return
	}

	browserSession, err := s.loadBrowserSession(r)
	if err != nil {
		s.internalError(w, err)
		return
	}

	form := linking.FormData{
		Action:   linking.FormAction(r.PostFormValue("action")),
		Username: r.PostFormValue("username"),
	}

	set := s.pending.Load(r)
	session, postAuthAction, set, err := s.linking.SubmitLink(r.Context(), linkID, set, browserSession, form)
	if err != nil {
		s.linkError(w, err)
		return
	}

	if err := s.pending.Save(w, set); err != nil {
		s.internalError(w, err)
		return
	}
	if err := s.sessions.Save(w, session.ID); err != nil {
		s.internalError(w, err)
		return
	}
	http.Redirect(w, r, safeRedirect(postAuthAction), http.StatusSeeOther)
}

// login authenticates a username/password form and starts a browser session.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if s.passwords == nil {
		http.Error(w, "password login disabled", http.StatusNotFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if !s.verifyCSRF(r) {
		http.Error(w, "csrf token mismatch", http.StatusForbidden)
		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	tx, err := s.store.Begin(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	defer rollbackTx(tx)

	// Unknown user, no password set, and wrong password all look alike.
	user, err := tx.LookupUserByUsername(r.Context(), username)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}

	pw, err := tx.LookupUserPassword(r.Context(), user)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}

	if err := s.passwords.Verify(r.Context(), pw.Version, pw.Hashed, password); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	session, err := tx.StartBrowserSession(r.Context(), user)
	if err == nil {
		_, err = tx.AuthenticateSessionWithPassword(r.Context(), session, pw)
	}
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		s.internalError(w, err)
		return
	}

	if err := s.sessions.Save(w, session.ID); err != nil {
		s.internalError(w, err)
		return
	}
	http.Redirect(w, r, safeRedirect(r.PostFormValue("next")), http.StatusSeeOther)
}

// logout ends the browser session named by the cookie.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.sessions.Load(r)
	if ok {
		if err := s.endBrowserSession(r.Context(), sessionID); err != nil {
			s.internalError(w, err)
			return
		}
	}

	s.sessions.Clear(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) endBrowserSession(ctx context.Context, sessionID uuid.UUID) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer rollbackTx(tx)

	session, err := tx.LookupActiveBrowserSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		// Already ended or never existed; clearing the cookie is enough.
		return nil
	}
	if err != nil {
		return err
	}

	if err := tx.EndBrowserSession(ctx, session); err != nil {
		if errors.Is(err, storage.ErrInconsistency) {
			// Lost a logout race; the session is gone either way.
			return nil
		}
		return err
	}
	return tx.Commit()
}

// loadBrowserSession resolves the session cookie against the store. A
// missing or stale cookie reads as not logged in.
func (s *Server) loadBrowserSession(r *http.Request) (*storage.BrowserSession, error) {
	sessionID, ok := s.sessions.Load(r)
	if !ok {
		return nil, nil
	}

	tx, err := s.store.Begin(r.Context())
	if err != nil {
		return nil, err
	}
	defer rollbackTx(tx)

	session, err := tx.LookupActiveBrowserSession(r.Context(), sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func rollbackTx(tx storage.Tx) {
	if err := tx.Rollback(); err != nil {
		logger.Warnw("rolling back transaction", "error", err)
	}
}

// linkError maps linking flow errors onto HTTP statuses.
func (s *Server) linkError(w http.ResponseWriter, err error) {
	var clientErr *linking.ClientError
	var invalidIDToken *linking.InvalidIDTokenError

	switch {
	case errors.Is(err, linking.ErrLinkNotFound),
		errors.Is(err, linking.ErrSessionNotFound),
		errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)

	case errors.Is(err, linking.ErrMissingCookie),
		errors.Is(err, linking.ErrProviderMismatch),
		errors.Is(err, linking.ErrStateMismatch),
		errors.Is(err, linking.ErrAlreadyCompleted),
		errors.Is(err, linking.ErrMissingIDToken),
		errors.Is(err, linking.ErrInvalidFormAction),
		errors.Is(err, linking.ErrUserExists),
		errors.As(err, &clientErr),
		errors.As(err, &invalidIDToken):
		http.Error(w, err.Error(), http.StatusBadRequest)

	case errors.Is(err, linking.ErrSessionConsumed):
		http.Error(w, err.Error(), http.StatusConflict)

	default:
		s.internalError(w, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	logger.Errorw("internal error", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// safeRedirect keeps post-auth redirects on this origin. Browsers treat a
// backslash after the leading slash like a second slash, so "/\" is as
// scheme-relative as "//" and both are rejected.
func safeRedirect(target string) string {
	if len(target) < 2 || target[0] != '/' || target[1] == '/' || target[1] == '\\' {
		return "/"
	}
	return target
}
