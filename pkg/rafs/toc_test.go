/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package rafs

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
)

// memBlobReader serves a blob from memory for TOC parsing tests.
type memBlobReader struct {
	data []byte
}

func (r *memBlobReader) BlobSize() (int64, error) {
	return int64(len(r.data)), nil
}

func (r *memBlobReader) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, r.data[off:]), nil
}

func tocEntryBytes(t *testing.T, name string, compressedOffset, compressedSize uint64) []byte {
	var buf bytes.Buffer
	var rawName [64]byte
	copy(rawName[:], name)

	require.NoError(t, binary.Write(&buf, binary.LittleEndian, rawName))
	for _, v := range []interface{}{
		uint32(0), uint32(0), compressedOffset, compressedSize, compressedSize * 4,
	} {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	}
	buf.Write(make([]byte, 32))
	require.Equal(t, tocEntrySize, buf.Len())
	return buf.Bytes()
}

func TestReadTocFromBlob(t *testing.T) {
	payload := bytes.Repeat([]byte{0xbb}, 1000)
	toc := append(tocEntryBytes(t, "blob.meta", 0, 500), tocEntryBytes(t, "blob.digest", 500, 500)...)

	var header bytes.Buffer
	tw := tar.NewWriter(&header)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Format:   tar.FormatGNU,
		Name:     TocEntryName,
		Size:     int64(len(toc)),
		Mode:     0444,
		Typeflag: tar.TypeReg,
	}))

	blob := append(append(payload, toc...), header.Bytes()...)
	list, err := ReadTocFromBlob(&memBlobReader{data: blob})
	require.NoError(t, err)

	require.Len(t, list.Entries, 2)
	assert.Equal(t, "blob.meta", list.Entries[0].Name)
	assert.Equal(t, uint64(500), list.Entries[1].CompressedOffset)
	assert.Equal(t, uint32(len(toc)), list.TocSize())

	hash := sha256.New()
	hash.Write(toc)
	hash.Write(header.Bytes())
	var expected [32]byte
	copy(expected[:], hash.Sum(nil))
	assert.Equal(t, expected, list.TocDigest())
}

func TestReadTocFromBlobRejectsForeignTail(t *testing.T) {
	var header bytes.Buffer
	tw := tar.NewWriter(&header)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Format:   tar.FormatGNU,
		Name:     "something-else",
		Size:     128,
		Typeflag: tar.TypeReg,
	}))

	blob := append(make([]byte, 128), header.Bytes()...)
	_, err := ReadTocFromBlob(&memBlobReader{data: blob})
	require.Error(t, err)
	assert.True(t, errdefs.IsCorruptMetadata(err))

	_, err = ReadTocFromBlob(&memBlobReader{data: []byte{1, 2, 3}})
	require.Error(t, err)
	assert.True(t, errdefs.IsCorruptMetadata(err))
}
