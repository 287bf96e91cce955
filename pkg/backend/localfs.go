/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/pkg/errors"

	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
)

type LocalFSBackend struct {
	dir string
}

func newLocalFSBackend(rawConfig []byte) (*LocalFSBackend, error) {
	var configMap map[string]string
	if err := json.Unmarshal(rawConfig, &configMap); err != nil {
		return nil, errors.Wrap(err, "parse LocalFS storage backend configuration")
	}

	dir, ok := configMap["dir"]
	if !ok {
		return nil, fmt.Errorf("no `dir` option is specified")
	}

	return &LocalFSBackend{dir: dir}, nil
}

func (b *LocalFSBackend) Reader(blobID string) (Reader, error) {
	blobPath := path.Join(b.dir, blobID)

	info, err := os.Stat(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.ErrNotFound
		}
		return nil, errors.Wrapf(err, "stat blob %s", blobPath)
	}
	if info.IsDir() {
		return nil, errdefs.ErrNotFound
	}

	return &localFSReader{path: blobPath, size: info.Size()}, nil
}

func (b *LocalFSBackend) Type() string {
	return BackendTypeLocalFS
}

type localFSReader struct {
	path string
	size int64
}

func (r *localFSReader) BlobSize() (int64, error) {
	return r.size, nil
}

func (r *localFSReader) ReadAt(p []byte, off int64) (int, error) {
	file, err := os.Open(r.path)
	if err != nil {
		return 0, errors.Wrapf(err, "open blob %s", r.path)
	}
	defer file.Close()

	return file.ReadAt(p, off)
}
