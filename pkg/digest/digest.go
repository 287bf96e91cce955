/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package digest

import (
	godigest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Algorithm identifies the digest algorithm for inodes and chunks.
type Algorithm int

const (
	SHA256 Algorithm = iota
)

func FromString(s string) (Algorithm, error) {
	switch s {
	case "sha256":
		return SHA256, nil
	}
	return SHA256, errors.Errorf("unsupported digest algorithm %s", s)
}

func (a Algorithm) String() string {
	switch a {
	case SHA256:
		return "sha256"
	}
	return "unknown"
}

// HashData digests data and returns the raw 32 byte digest value.
func (a Algorithm) HashData(data []byte) [32]byte {
	h := godigest.SHA256.Hash()
	h.Write(data)
	var value [32]byte
	copy(value[:], h.Sum(nil))
	return value
}
