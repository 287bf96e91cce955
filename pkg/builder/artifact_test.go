/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package builder

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactWriterFileDirFinalize(t *testing.T) {
	dir := t.TempDir()

	writer, err := NewArtifactWriter(FileDirStorage(dir), false)
	require.NoError(t, err)

	_, err = writer.Write([]byte("blob-content"))
	require.NoError(t, err)
	assert.Equal(t, uint64(len("blob-content")), writer.Pos())

	require.NoError(t, writer.Finalize("blob-1"))
	require.NoError(t, writer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "blob-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("blob-content"), data)

	// No temp file is left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestArtifactWriterFileDirFirstWriterWins(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "blob-1")
	require.NoError(t, os.WriteFile(existing, []byte("original"), 0644))

	writer, err := NewArtifactWriter(FileDirStorage(dir), false)
	require.NoError(t, err)
	_, err = writer.Write([]byte("duplicate"))
	require.NoError(t, err)
	require.NoError(t, writer.Finalize("blob-1"))
	require.NoError(t, writer.Close())

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestArtifactWriterSingleFileFinalizeEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")

	writer, err := NewArtifactWriter(SingleFileStorage(path), false)
	require.NoError(t, err)

	// No chunk was written, the builder drops the empty blob.
	require.NoError(t, writer.Finalize(""))
	require.NoError(t, writer.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestArtifactWriterTarFraming(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")

	writer, err := NewArtifactWriter(SingleFileStorage(path), false)
	require.NoError(t, err)

	payload := []byte("bootstrap-payload")
	_, err = writer.Write(payload)
	require.NoError(t, err)
	_, err = writer.WriteTarHeader("image.boot", uint64(len(payload)))
	require.NoError(t, err)
	require.NoError(t, writer.Finalize("blob"))
	require.NoError(t, writer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, len(payload)+512, len(data))

	// The trailing header labels the preceding payload.
	hdr, err := tar.NewReader(bytes.NewReader(data[len(payload):])).Next()
	require.NoError(t, err)
	assert.Equal(t, "image.boot", hdr.Name)
	assert.Equal(t, int64(len(payload)), hdr.Size)
	assert.Equal(t, byte(tar.TypeReg), hdr.Typeflag)
}

func TestArtifactMemoryWriter(t *testing.T) {
	writer := NewArtifactMemoryWriter()

	_, err := writer.Write([]byte("hello world"))
	require.NoError(t, err)

	_, err = writer.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = writer.Write([]byte("H"))
	require.NoError(t, err)

	data, err := writer.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello world"), data)

	assert.NoError(t, writer.Finalize("ignored"))
}

func TestArtifactFileWriterSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap")

	inner, err := NewArtifactWriter(SingleFileStorage(path), false)
	require.NoError(t, err)
	writer := NewArtifactFileWriter(inner)

	_, err = writer.Seek(8, io.SeekStart)
	require.NoError(t, err)
	_, err = writer.Write([]byte("tail"))
	require.NoError(t, err)

	data, err := writer.Bytes()
	require.NoError(t, err)
	assert.Equal(t, append(make([]byte, 8), []byte("tail")...), data)

	require.NoError(t, writer.Finalize("bootstrap"))
	require.NoError(t, writer.Close())
}
