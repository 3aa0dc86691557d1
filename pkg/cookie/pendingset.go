// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cookie tracks in-flight upstream authorization attempts in an
// encrypted browser cookie. The set is advisory browser-continuity state;
// the database remains the source of truth for session validity.
package cookie

import (
	"github.com/google/uuid"
)

// PendingSet is the value carried by the upstream-sessions cookie: one entry
// per authorization attempt that has not been consumed yet. It is a value
// type transformed by pure methods; callers Load it, query or transform it,
// and Save the result back.
type PendingSet struct {
	entries []entry
}

// entry is a single authorization attempt. LinkID is nil while the attempt
// is still pending at the upstream provider and set once the callback has
// resolved it to a link awaiting the user's decision.
type entry struct {
	ProviderID     uuid.UUID  `json:"provider_id"`
	SessionID      uuid.UUID  `json:"session_id"`
	State          string     `json:"state"`
	LinkID         *uuid.UUID `json:"link_id,omitempty"`
	PostAuthAction string     `json:"post_auth_action,omitempty"`
}

// maxEntries bounds the cookie size; the oldest attempts are dropped first.
const maxEntries = 5

// AddPending records a new authorization attempt.
func (s PendingSet) AddPending(providerID, sessionID uuid.UUID, state, postAuthAction string) PendingSet {
	entries := append(s.cloneEntries(), entry{
		ProviderID:     providerID,
		SessionID:      sessionID,
		State:          state,
		PostAuthAction: postAuthAction,
	})
	if len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}
	return PendingSet{entries: entries}
}

// Find returns the session recorded for (providerID, state). A miss means
// the callback did not originate from a flow this browser started.
func (s PendingSet) Find(providerID uuid.UUID, state string) (sessionID uuid.UUID, postAuthAction string, ok bool) {
	for _, e := range s.entries {
		if e.ProviderID == providerID && e.State == state {
			return e.SessionID, e.PostAuthAction, true
		}
	}
	return uuid.Nil, "", false
}

// ResolveLink marks the attempt for sessionID as resolved to linkID. It is
// a no-op when the session is not in the set.
func (s PendingSet) ResolveLink(sessionID, linkID uuid.UUID) PendingSet {
	entries := s.cloneEntries()
	for i := range entries {
		if entries[i].SessionID == sessionID {
			id := linkID
			entries[i].LinkID = &id
		}
	}
	return PendingSet{entries: entries}
}

// LookupLink returns the session whose attempt resolved to linkID.
func (s PendingSet) LookupLink(linkID uuid.UUID) (sessionID uuid.UUID, postAuthAction string, ok bool) {
	for _, e := range s.entries {
		if e.LinkID != nil && *e.LinkID == linkID {
			return e.SessionID, e.PostAuthAction, true
		}
	}
	return uuid.Nil, "", false
}

// Consume removes the attempt for sessionID from the set.
func (s PendingSet) Consume(sessionID uuid.UUID) PendingSet {
	entries := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.SessionID != sessionID {
			entries = append(entries, e)
		}
	}
	return PendingSet{entries: entries}
}

// Empty reports whether the set has no entries.
func (s PendingSet) Empty() bool {
	return len(s.entries) == 0
}

func (s PendingSet) cloneEntries() []entry {
	entries := make([]entry, len(s.entries))
	copy(entries, s.entries)
	return entries
}
