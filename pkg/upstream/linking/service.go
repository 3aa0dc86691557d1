// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package linking drives the upstream authorization attempt through its
// lifecycle: start a pending session, validate the provider callback,
// resolve the resulting link to a local user. All HTTP and rendering
// concerns stay in the server layer; this package works on store
// transactions and pending-session cookie values.
package linking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stacklok/authbridge/pkg/cookie"
	"github.com/stacklok/authbridge/pkg/crypto"
	"github.com/stacklok/authbridge/pkg/logger"
	"github.com/stacklok/authbridge/pkg/storage"
	"github.com/stacklok/authbridge/pkg/upstream"
)

// ProviderClient is the slice of the upstream client the linking flow needs.
type ProviderClient interface {
	AuthorizationURL(state, nonce, pkceChallenge string) string
	ExchangeCode(ctx context.Context, code, pkceVerifier string) (string, error)
	VerifyIDToken(ctx context.Context, rawIDToken, nonce string) (string, error)
}

// ClientResolver returns the client configured for a provider.
type ClientResolver interface {
	For(ctx context.Context, provider *storage.UpstreamProvider) (ProviderClient, error)
}

// ClientResolverFunc adapts a function to the ClientResolver interface.
type ClientResolverFunc func(ctx context.Context, provider *storage.UpstreamProvider) (ProviderClient, error)

// For implements ClientResolver.
func (f ClientResolverFunc) For(ctx context.Context, provider *storage.UpstreamProvider) (ProviderClient, error) {
	return f(ctx, provider)
}

// Service implements the linking state machine over a store and a set of
// upstream provider clients.
type Service struct {
	store   storage.Store
	clients ClientResolver
}

// NewService builds a linking service.
func NewService(store storage.Store, clients ClientResolver) *Service {
	return &Service{store: store, clients: clients}
}

func rollback(tx storage.Tx) {
	if err := tx.Rollback(); err != nil {
		logger.Warnw("rolling back transaction", "error", err)
	}
}

// Start begins an authorization attempt against the provider: it records a
// pending upstream session, adds the matching cookie entry, and returns the
// URL to redirect the browser to.
func (s *Service) Start(
	ctx context.Context, providerID uuid.UUID, set cookie.PendingSet, postAuthAction string,
) (string, cookie.PendingSet, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return "", set, err
	}
	defer rollback(tx)

	provider, err := tx.LookupProvider(ctx, providerID)
	if err != nil {
		return "", set, fmt.Errorf("looking up provider %s: %w", providerID, err)
	}

	client, err := s.clients.For(ctx, provider)
	if err != nil {
		return "", set, fmt.Errorf("resolving client for provider %s: %w", providerID, err)
	}

	state := crypto.RandomState()
	nonce := crypto.RandomNonce()
	verifier := crypto.GeneratePKCEVerifier()

	session, err := tx.AddUpstreamSession(ctx, provider, state, nonce, verifier)
	if err != nil {
		return "", set, err
	}
	if err := tx.Commit(); err != nil {
		return "", set, err
	}

	logger.Infow("started upstream authorization attempt",
		"provider_id", provider.ID,
		"session_id", session.ID,
	)

	set = set.AddPending(provider.ID, session.ID, state, postAuthAction)
	return client.AuthorizationURL(state, nonce, crypto.ComputePKCEChallenge(verifier)), set, nil
}

// CallbackParams is the query half of the provider callback: either a code
// or an error relayed by the provider.
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
	ErrorURI         string
}

// Callback validates the provider callback and resolves it to a link. The
// checks run in order: the cookie must hold an entry for (provider, state),
// the session must exist, its provider and state must match the request, and
// it must not have been completed before. All four must pass; the order only
// affects which error the caller sees.
func (s *Service) Callback(
	ctx context.Context, providerID uuid.UUID, set cookie.PendingSet, params CallbackParams,
) (uuid.UUID, cookie.PendingSet, error) {
	sessionID, _, ok := set.Find(providerID, params.State)
	if !ok {
		return uuid.Nil, set, ErrMissingCookie
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return uuid.Nil, set, err
	}
	defer rollback(tx)

	provider, session, err := tx.LookupUpstreamSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return uuid.Nil, set, ErrSessionNotFound
	}
	if err != nil {
		return uuid.Nil, set, err
	}

	if provider.ID != providerID {
		return uuid.Nil, set, ErrProviderMismatch
	}
	if params.State != session.State {
		return uuid.Nil, set, ErrStateMismatch
	}
	if session.Completed() {
		return uuid.Nil, set, ErrAlreadyCompleted
	}

	if params.Error != "" {
		return uuid.Nil, set, &ClientError{
			Code:        params.Error,
			Description: params.ErrorDescription,
			URI:         params.ErrorURI,
		}
	}

	client, err := s.clients.For(ctx, provider)
	if err != nil {
		return uuid.Nil, set, fmt.Errorf("resolving client for provider %s: %w", provider.ID, err)
	}

	rawIDToken, err := client.ExchangeCode(ctx, params.Code, session.PKCEVerifier)
	if errors.Is(err, upstream.ErrMissingIDToken) {
		return uuid.Nil, set, ErrMissingIDToken
	}
	if err != nil {
		return uuid.Nil, set, err
	}

	subject, err := client.VerifyIDToken(ctx, rawIDToken, session.Nonce)
	if err != nil {
		return uuid.Nil, set, &InvalidIDTokenError{Err: err}
	}

	link, err := s.lookupOrCreateLink(ctx, tx, provider, subject)
	if err != nil {
		return uuid.Nil, set, err
	}

	session, err = tx.CompleteUpstreamSession(ctx, session, link, rawIDToken)
	if errors.Is(err, storage.ErrInconsistency) {
		// Another callback for the same session won the race.
		return uuid.Nil, set, ErrAlreadyCompleted
	}
	if err != nil {
		return uuid.Nil, set, err
	}
	if err := tx.Commit(); err != nil {
		return uuid.Nil, set, err
	}

	logger.Infow("upstream callback resolved",
		"provider_id", provider.ID,
		"session_id", session.ID,
		"link_id", link.ID,
	)

	return link.ID, set.ResolveLink(session.ID, link.ID), nil
}

// lookupOrCreateLink finds the link for (provider, subject), creating it on
// first sight. Losing the creation race to a concurrent callback is fine;
// the unique constraint arbitrates and the loser retries as a lookup.
func (s *Service) lookupOrCreateLink(
	ctx context.Context, tx storage.Tx, provider *storage.UpstreamProvider, subject string,
) (*storage.UpstreamLink, error) {
	link, err := tx.LookupLinkBySubject(ctx, provider, subject)
	if err == nil {
		return link, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	link, err = tx.AddLink(ctx, provider, subject)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return tx.LookupLinkBySubject(ctx, provider, subject)
	}
	return link, err
}

// Decision says what the link page should show for the current combination
// of browser session and link ownership.
type Decision string

// The five outcomes of the link decision table.
const (
	// DecisionAlreadyLinked: the link belongs to the logged-in user; the
	// session was consumed and the authentication renewed.
	DecisionAlreadyLinked Decision = "already-linked"
	// DecisionLinkMismatch: the link belongs to a different user than the
	// logged-in one.
	DecisionLinkMismatch Decision = "link-mismatch"
	// DecisionSuggestLink: logged in, link unbound; offer to link.
	DecisionSuggestLink Decision = "suggest-link"
	// DecisionDoLogin: not logged in, link bound; offer to log in.
	DecisionDoLogin Decision = "do-login"
	// DecisionDoRegister: not logged in, link unbound; offer to register.
	DecisionDoRegister Decision = "do-register"
)

// LinkView is what the link page renders.
type LinkView struct {
	Decision Decision
	Link     *storage.UpstreamLink
	// User is the link's owner for DecisionLinkMismatch and DecisionDoLogin.
	User *storage.User
	// BrowserSession is the renewed session for DecisionAlreadyLinked.
	BrowserSession *storage.BrowserSession
	PostAuthAction string
}

// checkedLink is the validated context shared by LinkPage and SubmitLink.
type checkedLink struct {
	sessionID       uuid.UUID
	postAuthAction  string
	link            *storage.UpstreamLink
	upstreamSession *storage.UpstreamSession
}

// checkLink re-runs the browser-continuity and consumption checks both the
// GET and POST halves of the link page need.
func (s *Service) checkLink(
	ctx context.Context, tx storage.Tx, linkID uuid.UUID, set cookie.PendingSet,
) (*checkedLink, error) {
	sessionID, postAuthAction, ok := set.LookupLink(linkID)
	if !ok {
		return nil, ErrMissingCookie
	}

	link, err := tx.LookupLink(ctx, linkID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrLinkNotFound
	}
	if err != nil {
		return nil, err
	}

	// The upstream session must have been started in this browser and must
	// resolve through this link.
	session, err := tx.LookupSessionOnLink(ctx, link, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if session.Consumed() {
		return nil, ErrSessionConsumed
	}

	return &checkedLink{
		sessionID:       sessionID,
		postAuthAction:  postAuthAction,
		link:            link,
		upstreamSession: session,
	}, nil
}

// LinkPage evaluates the decision table for the link page. browserSession is
// the active local session, or nil when nobody is logged in. When the link
// already belongs to the logged-in user the session is consumed and the
// authentication renewed here; every other combination waits for the user's
// form submission.
func (s *Service) LinkPage(
	ctx context.Context, linkID uuid.UUID, set cookie.PendingSet, browserSession *storage.BrowserSession,
) (*LinkView, cookie.PendingSet, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, set, err
	}
	defer rollback(tx)

	checked, err := s.checkLink(ctx, tx, linkID, set)
	if err != nil {
		return nil, set, err
	}
	link := checked.link

	view := &LinkView{Link: link, PostAuthAction: checked.postAuthAction}

	switch {
	case browserSession != nil && link.UserID != nil && browserSession.User.ID == *link.UserID:
		if _, err := tx.ConsumeUpstreamSession(ctx, checked.upstreamSession); err != nil {
			if errors.Is(err, storage.ErrInconsistency) {
				return nil, set, ErrSessionConsumed
			}
			return nil, set, err
		}
		if _, err := tx.AuthenticateSessionWithUpstream(ctx, browserSession, link); err != nil {
			return nil, set, err
		}
		if err := tx.Commit(); err != nil {
			return nil, set, err
		}
		view.Decision = DecisionAlreadyLinked
		view.BrowserSession = browserSession
		set = set.Consume(checked.sessionID)

	case browserSession != nil && link.UserID != nil:
		owner, err := tx.LookupUser(ctx, *link.UserID)
		if err != nil {
			return nil, set, err
		}
		view.Decision = DecisionLinkMismatch
		view.User = owner

	case browserSession != nil:
		view.Decision = DecisionSuggestLink

	case link.UserID != nil:
		owner, err := tx.LookupUser(ctx, *link.UserID)
		if err != nil {
			return nil, set, err
		}
		view.Decision = DecisionDoLogin
		view.User = owner

	default:
		view.Decision = DecisionDoRegister
	}

	return view, set, nil
}

// FormAction is the user's decision on the link page.
type FormAction string

// The three valid form actions.
const (
	ActionRegister FormAction = "register"
	ActionLink     FormAction = "link"
	ActionLogin    FormAction = "login"
)

// FormData is the link page form submission.
type FormData struct {
	Action   FormAction
	Username string
}

// SubmitLink applies the user's decision: register a new account and bind
// the link, bind the link to the logged-in user, or log in as the link's
// owner. Exactly one combination of (logged in, link bound, action) is valid
// for each action; everything else is ErrInvalidFormAction. On success the
// upstream session is consumed exactly once and the returned browser
// session carries a fresh upstream authentication.
func (s *Service) SubmitLink(
	ctx context.Context,
	linkID uuid.UUID,
	set cookie.PendingSet,
	browserSession *storage.BrowserSession,
	form FormData,
) (*storage.BrowserSession, string, cookie.PendingSet, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, "", set, err
	}
	defer rollback(tx)

	checked, err := s.checkLink(ctx, tx, linkID, set)
	if err != nil {
		return nil, "", set, err
	}
	link := checked.link

	var session *storage.BrowserSession
	switch {
	case browserSession != nil && link.UserID == nil && form.Action == ActionLink:
		if err := tx.AssociateLinkToUser(ctx, link, &browserSession.User); err != nil {
			return nil, "", set, err
		}
		session = browserSession

	case browserSession == nil && link.UserID != nil && form.Action == ActionLogin:
		owner, err := tx.LookupUser(ctx, *link.UserID)
		if err != nil {
			return nil, "", set, err
		}
		session, err = tx.StartBrowserSession(ctx, owner)
		if err != nil {
			return nil, "", set, err
		}

	case browserSession == nil && link.UserID == nil && form.Action == ActionRegister:
		if form.Username == "" {
			return nil, "", set, ErrInvalidFormAction
		}
		// Pre-check for a friendlier error; the unique constraint on AddUser
		// stays the arbiter under a registration race.
		taken, err := tx.UsernameExists(ctx, form.Username)
		if err != nil {
			return nil, "", set, err
		}
		if taken {
			return nil, "", set, ErrUserExists
		}
		user, err := tx.AddUser(ctx, form.Username)
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, "", set, ErrUserExists
		}
		if err != nil {
			return nil, "", set, err
		}
		if err := tx.AssociateLinkToUser(ctx, link, user); err != nil {
			return nil, "", set, err
		}
		session, err = tx.StartBrowserSession(ctx, user)
		if err != nil {
			return nil, "", set, err
		}

	default:
		return nil, "", set, ErrInvalidFormAction
	}

	if _, err := tx.ConsumeUpstreamSession(ctx, checked.upstreamSession); err != nil {
		if errors.Is(err, storage.ErrInconsistency) {
			return nil, "", set, ErrSessionConsumed
		}
		return nil, "", set, err
	}
	if _, err := tx.AuthenticateSessionWithUpstream(ctx, session, link); err != nil {
		return nil, "", set, err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", set, err
	}

	logger.Infow("upstream link resolved",
		"link_id", link.ID,
		"user_id", session.User.ID,
		"action", form.Action,
	)

	return session, checked.postAuthAction, set.Consume(checked.sessionID), nil
}
