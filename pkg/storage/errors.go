// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when an insert hits a uniqueness
	// constraint. Callers racing on lookup-then-create must treat this as
	// a signal to retry the lookup.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrInconsistency is returned when a guarded update affects an
	// unexpected number of rows. It indicates either a storage bug or a
	// concurrent writer that won a compare-and-set race; it is never
	// equivalent to ErrNotFound.
	ErrInconsistency = errors.New("storage inconsistency")
)
