/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package compression

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Algorithm is the compression algorithm applied to data chunks inside a blob.
type Algorithm int

const (
	None Algorithm = iota
	GZip
	Zstd
)

// Default is the algorithm used when a build does not specify one.
const Default = Zstd

func FromString(s string) (Algorithm, error) {
	switch s {
	case "none":
		return None, nil
	case "gzip":
		return GZip, nil
	case "zstd":
		return Zstd, nil
	}
	return None, errors.Errorf("unsupported compression algorithm %s", s)
}

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case GZip:
		return "gzip"
	case Zstd:
		return "zstd"
	}
	return "unknown"
}

// Compress returns the compressed form of data and whether compression
// was applied. The None algorithm passes data through untouched.
func Compress(data []byte, algorithm Algorithm) ([]byte, bool, error) {
	switch algorithm {
	case None:
		return data, false, nil
	case GZip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, false, errors.Wrap(err, "compress with gzip")
		}
		if err := w.Close(); err != nil {
			return nil, false, errors.Wrap(err, "close gzip writer")
		}
		return buf.Bytes(), true, nil
	case Zstd:
		w, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, false, errors.Wrap(err, "create zstd encoder")
		}
		defer w.Close()
		return w.EncodeAll(data, nil), true, nil
	}
	return nil, false, errors.Errorf("unsupported compression algorithm %d", algorithm)
}

// Decompress wraps r with a decompressor for the given algorithm.
func Decompress(r io.Reader, algorithm Algorithm) (io.ReadCloser, error) {
	switch algorithm {
	case None:
		return io.NopCloser(r), nil
	case GZip:
		dr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "create gzip reader")
		}
		return dr, nil
	case Zstd:
		dr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "create zstd decoder")
		}
		return dr.IOReadCloser(), nil
	}
	return nil, errors.Errorf("unsupported compression algorithm %d", algorithm)
}
