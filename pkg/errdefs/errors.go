/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package errdefs

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotFound means a blob is not present on a storage backend.
	ErrNotFound = errors.New("not found")
	// ErrInvalidConfig means an option set can not drive a build, for
	// example an unrecognized conversion type or mismatched override
	// array lengths.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrInconsistent means the source bootstraps disagree with each
	// other, for example on chunk size.
	ErrInconsistent = errors.New("inconsistent metadata")
	// ErrOverflow means a RAFS on-disk limit was exceeded: 2^24-1 chunks
	// per blob, 256 blobs per image, or a layer index above 65535.
	ErrOverflow = errors.New("limit overflow")
	// ErrBackendFailure means IO against a storage backend failed.
	ErrBackendFailure = errors.New("storage backend failure")
	// ErrCorruptMetadata means a source bootstrap failed validation.
	ErrCorruptMetadata = errors.New("corrupted metadata")
)

// IsNotFound returns true if the error is due to a missing blob.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidConfig returns true if the error is due to invalid configuration.
func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// IsInconsistent returns true if the error is due to inconsistent source metadata.
func IsInconsistent(err error) bool {
	return errors.Is(err, ErrInconsistent)
}

// IsOverflow returns true if the error is due to an on-disk limit overflow.
func IsOverflow(err error) bool {
	return errors.Is(err, ErrOverflow)
}

// IsBackendFailure returns true if the error is due to storage backend IO.
func IsBackendFailure(err error) bool {
	return errors.Is(err, ErrBackendFailure)
}

// IsCorruptMetadata returns true if the error is due to a corrupted bootstrap.
func IsCorruptMetadata(err error) bool {
	return errors.Is(err, ErrCorruptMetadata)
}
