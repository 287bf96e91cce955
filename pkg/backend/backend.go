/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package backend

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
)

var logger = logrus.WithField("module", "backend")

const (
	BackendTypeLocalFS  = "localfs"
	BackendTypeOSS      = "oss"
	BackendTypeS3       = "s3"
	BackendTypeRegistry = "registry"
)

// Reader reads a named blob stored on a backend.
type Reader interface {
	// BlobSize returns the total size of the blob in bytes.
	BlobSize() (int64, error)
	// ReadAt reads len(p) bytes of the blob starting at offset off.
	// Transient failures are retried up to the backend retry limit
	// before the error is surfaced.
	ReadAt(p []byte, off int64) (int, error)
}

// Backend gives access to blobs stored on a local directory, an OSS or
// S3 bucket, or an image registry.
type Backend interface {
	// Reader returns a reader to access blob `blobID`.
	Reader(blobID string) (Reader, error)
	Type() string
}

// New creates a storage backend from a JSON configuration blob.
func New(backendType string, rawConfig []byte) (Backend, error) {
	switch backendType {
	case BackendTypeLocalFS:
		return newLocalFSBackend(rawConfig)
	case BackendTypeOSS:
		return newOSSBackend(rawConfig)
	case BackendTypeS3:
		return newS3Backend(rawConfig)
	case BackendTypeRegistry:
		return newRegistryBackend(rawConfig)
	}
	return nil, errors.Wrapf(errdefs.ErrInvalidConfig, "unsupported backend type %s", backendType)
}

// withRetry runs op and retries it up to limit extra times on failure.
func withRetry(limit int, op func() error) error {
	var err error
	for retry := limit; ; retry-- {
		if err = op(); err == nil {
			return nil
		}
		if retry <= 0 {
			return errors.Wrap(errdefs.ErrBackendFailure, err.Error())
		}
		logger.WithError(err).Warnf("read from backend failed, %d retries left", retry)
	}
}
