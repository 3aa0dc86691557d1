// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package compat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stacklok/authbridge/pkg/logger"
)

// matrixError is the Matrix client-server API error body.
type matrixError struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

// Matrix error codes used by the compat endpoints.
const (
	errCodeUnknownToken = "M_UNKNOWN_TOKEN"
	errCodeNotJSON      = "M_NOT_JSON"
	errCodeUnknown      = "M_UNKNOWN"
)

// Handler exposes the compat token endpoints.
type Handler struct {
	svc *Service
}

// NewHandler builds a handler over the compat service.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresInMS  int64  `json:"expires_in_ms"`
}

// Refresh handles POST /_matrix/client/v3/refresh.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMatrixError(w, http.StatusBadRequest, errCodeNotJSON, "Invalid JSON body")
		return
	}

	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if errors.Is(err, ErrInvalidToken) {
		writeMatrixError(w, http.StatusUnauthorized, errCodeUnknownToken, "Invalid refresh token")
		return
	}
	if err != nil {
		logger.Errorw("refreshing compat token pair", "error", err)
		writeMatrixError(w, http.StatusInternalServerError, errCodeUnknown, "Internal error")
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresInMS:  pair.ExpiresIn.Milliseconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("writing response body", "error", err)
	}
}

func writeMatrixError(w http.ResponseWriter, status int, errcode, message string) {
	writeJSON(w, status, matrixError{ErrCode: errcode, Error: message})
}
