/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package builder

import (
	"archive/tar"
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/orcaman/writerseeker"
	"github.com/pkg/errors"
)

const bufWriterCapacity = 2 << 17

// ArtifactStorage tags the sink location of a build artifact: either a
// fully qualified output path, or a directory in which the output is
// named at finalize.
type ArtifactStorage struct {
	Path  string
	IsDir bool
}

// SingleFileStorage names the output up front, the file is never renamed.
func SingleFileStorage(path string) ArtifactStorage {
	return ArtifactStorage{Path: path}
}

// FileDirStorage writes to a temp file which is renamed at finalize.
func FileDirStorage(path string) ArtifactStorage {
	return ArtifactStorage{Path: path, IsDir: true}
}

func (s ArtifactStorage) Display() string {
	return s.Path
}

// BootstrapWriter is the sink contract consumed by the bootstrap
// serializer: writeable, seekable, snapshotable and finalizable.
type BootstrapWriter interface {
	io.Writer
	io.Seeker
	// Bytes returns everything written so far.
	Bytes() ([]byte, error)
	// Finalize names the output, an empty name drops it.
	Finalize(name string) error
	Close() error
}

// ArtifactWriter provides a buffered writer to emit bootstrap or blob
// data to a single file or into a directory.
type ArtifactWriter struct {
	pos     uint64
	file    *bufio.Writer
	raw     *os.File
	reader  *os.File
	storage ArtifactStorage
	// tmpPath is removed at Close unless finalize renamed it first.
	tmpPath string
}

func NewArtifactWriter(storage ArtifactStorage, fifo bool) (*ArtifactWriter, error) {
	if storage.IsDir {
		tmp, err := os.CreateTemp(storage.Path, ".tmp-artifact-")
		if err != nil {
			return nil, errors.Wrapf(err, "create temp file in %s", storage.Path)
		}
		reader, err := os.Open(tmp.Name())
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, errors.Wrapf(err, "open file %s", tmp.Name())
		}
		return &ArtifactWriter{
			file:    bufio.NewWriterSize(tmp, bufWriterCapacity),
			raw:     tmp,
			reader:  reader,
			storage: storage,
			tmpPath: tmp.Name(),
		}, nil
	}

	flags := os.O_WRONLY | os.O_CREATE
	// The writer side of a FIFO must not truncate, the node has been
	// created by the reader side already.
	if !fifo {
		flags |= os.O_TRUNC
	}
	raw, err := os.OpenFile(storage.Path, flags, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open file %s", storage.Path)
	}
	reader, err := os.Open(storage.Path)
	if err != nil {
		raw.Close()
		return nil, errors.Wrapf(err, "open file %s", storage.Path)
	}
	return &ArtifactWriter{
		file:    bufio.NewWriterSize(raw, bufWriterCapacity),
		raw:     raw,
		reader:  reader,
		storage: storage,
	}, nil
}

func (w *ArtifactWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.pos += uint64(n)
	return n, err
}

// Pos returns the byte cursor of written data, which may be ahead of
// the file due to buffering.
func (w *ArtifactWriter) Pos() uint64 {
	return w.pos
}

func (w *ArtifactWriter) Flush() error {
	return w.file.Flush()
}

// WriteTarHeader emits a GNU tar header declaring `name` as a regular
// file of `size`. The header is written after the data it labels, so
// that unknown-length payloads can be streamed to a FIFO, readers
// locate trailing headers by scanning backward from EOF.
func (w *ArtifactWriter) WriteTarHeader(name string, size uint64) ([]byte, error) {
	header, err := makeTarHeader(name, size)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(header); err != nil {
		return nil, errors.Wrapf(err, "write tar header for %s", name)
	}
	return header, nil
}

// makeTarHeader serializes a single GNU tar header block. The checksum
// must be set so third-party tar readers can parse the header, the
// stdlib writer computes it.
func makeTarHeader(name string, size uint64) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Format:   tar.FormatGNU,
		Name:     name,
		Size:     int64(size),
		Mode:     0444,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return nil, errors.Wrapf(err, "serialize tar header for %s", name)
	}
	// No Close here: the declared payload precedes the header in the
	// stream, WriteHeader has already emitted the raw 512 byte block.
	return buf.Bytes(), nil
}

// Finalize flushes the writer and settles the output name.
//
// An empty name means the artifact is empty and should be dropped.
func (w *ArtifactWriter) Finalize(name string) error {
	if err := w.file.Flush(); err != nil {
		return errors.Wrap(err, "flush artifact")
	}

	if name != "" {
		if w.storage.IsDir {
			path := filepath.Join(w.storage.Path, name)
			// First writer wins. Chunk dedup means identical blobs
			// resolve to identical ids, duplicates are dropped.
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if w.tmpPath != "" {
					if err := os.Rename(w.tmpPath, path); err != nil {
						return errors.Wrapf(err, "rename blob %s to %s", w.tmpPath, path)
					}
					w.tmpPath = ""
				}
			}
		}
	} else if !w.storage.IsDir {
		if info, err := os.Stat(w.storage.Path); err == nil && info.Mode().IsRegular() {
			if err := os.Remove(w.storage.Path); err != nil {
				return errors.Wrapf(err, "remove blob %s", w.storage.Path)
			}
		}
	}

	return nil
}

// Close releases the file handles and reaps a temp file which was
// never renamed.
func (w *ArtifactWriter) Close() error {
	w.file.Flush()
	w.reader.Close()
	err := w.raw.Close()
	if w.tmpPath != "" {
		os.Remove(w.tmpPath)
		w.tmpPath = ""
	}
	return err
}

// ArtifactMemoryWriter buffers a bootstrap in memory.
type ArtifactMemoryWriter struct {
	buf writerseeker.WriterSeeker
}

func NewArtifactMemoryWriter() *ArtifactMemoryWriter {
	return &ArtifactMemoryWriter{}
}

func (w *ArtifactMemoryWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *ArtifactMemoryWriter) Seek(offset int64, whence int) (int64, error) {
	return w.buf.Seek(offset, whence)
}

func (w *ArtifactMemoryWriter) Bytes() ([]byte, error) {
	return io.ReadAll(w.buf.BytesReader())
}

func (w *ArtifactMemoryWriter) Finalize(name string) error {
	return nil
}

func (w *ArtifactMemoryWriter) Close() error {
	return w.buf.Close()
}

// ArtifactFileWriter spills a bootstrap to an ArtifactWriter backed
// file.
type ArtifactFileWriter struct {
	writer *ArtifactWriter
}

func NewArtifactFileWriter(writer *ArtifactWriter) *ArtifactFileWriter {
	return &ArtifactFileWriter{writer: writer}
}

func (w *ArtifactFileWriter) Write(p []byte) (int, error) {
	return w.writer.Write(p)
}

func (w *ArtifactFileWriter) Seek(offset int64, whence int) (int64, error) {
	if err := w.writer.file.Flush(); err != nil {
		return 0, errors.Wrap(err, "flush before seek")
	}
	pos, err := w.writer.raw.Seek(offset, whence)
	if err == nil && pos > int64(w.writer.pos) {
		w.writer.pos = uint64(pos)
	}
	return pos, err
}

func (w *ArtifactFileWriter) Bytes() ([]byte, error) {
	if err := w.writer.file.Flush(); err != nil {
		return nil, errors.Wrap(err, "flush artifact")
	}
	if _, err := w.writer.reader.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seek to artifact start")
	}
	return io.ReadAll(w.writer.reader)
}

func (w *ArtifactFileWriter) Finalize(name string) error {
	return w.writer.Finalize(name)
}

func (w *ArtifactFileWriter) Close() error {
	return w.writer.Close()
}
