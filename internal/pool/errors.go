// SPDX-License-Identifier: MIT

package pool

import "errors"

var (
	// ErrAcquireTimeout is returned when Acquire waits longer than the
	// configured acquire timeout. The pool keeps operating.
	ErrAcquireTimeout = errors.New("pool: acquire timed out")

	// ErrPoolClosing rejects waiters and new acquires once Close has begun.
	ErrPoolClosing = errors.New("pool: closing")

	// ErrResourceValidation surfaces only when borrow-validation retries are
	// exhausted without producing a usable resource.
	ErrResourceValidation = errors.New("pool: resource validation failed")
)
