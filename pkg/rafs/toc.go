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

	"github.com/pkg/errors"

	"github.com/nydusaccelerator/nydus-builder/pkg/backend"
	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
)

// TocEntryName is the tar entry name labelling the table of contents
// at the tail of a referenced blob.
const TocEntryName = "rafs.blob.toc"

const tocEntrySize = 128

// TocEntry is one table-of-contents record: a named section of a blob
// with its location and digest.
type TocEntry struct {
	Name             string
	Type             uint32
	Compressor       uint32
	CompressedOffset uint64
	CompressedSize   uint64
	UncompressedSize uint64
	Digest           [32]byte
}

// TocEntryList is the parsed table of contents of a blob, with the
// digest covering the TOC content and its trailing tar header.
type TocEntryList struct {
	Entries   []TocEntry
	tocDigest [32]byte
	tocSize   uint32
}

func (l *TocEntryList) TocDigest() [32]byte {
	return l.tocDigest
}

func (l *TocEntryList) TocSize() uint32 {
	return l.tocSize
}

// ReadTocFromBlob locates and parses the table of contents at the tail
// of a blob: `toc_content | toc_tar_header` with the tar header naming
// the content size.
func ReadTocFromBlob(reader backend.Reader) (*TocEntryList, error) {
	blobSize, err := reader.BlobSize()
	if err != nil {
		return nil, errors.Wrap(err, "get blob size")
	}
	const headerSize = 512
	if blobSize < headerSize {
		return nil, errors.Wrapf(errdefs.ErrCorruptMetadata, "blob too small for a TOC: %d", blobSize)
	}

	headerData := make([]byte, headerSize)
	if _, err := reader.ReadAt(headerData, blobSize-headerSize); err != nil {
		return nil, errors.Wrap(err, "read TOC tar header")
	}

	hdr, err := tar.NewReader(bytes.NewReader(headerData)).Next()
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrCorruptMetadata, "parse TOC tar header: %v", err)
	}
	if hdr.Name != TocEntryName {
		return nil, errors.Wrapf(errdefs.ErrCorruptMetadata, "unexpected TOC entry name %s", hdr.Name)
	}
	tocSize := hdr.Size
	if tocSize <= 0 || tocSize%tocEntrySize != 0 || tocSize > blobSize-headerSize {
		return nil, errors.Wrapf(errdefs.ErrCorruptMetadata, "invalid TOC size %d", tocSize)
	}

	tocData := make([]byte, tocSize)
	if _, err := reader.ReadAt(tocData, blobSize-headerSize-tocSize); err != nil {
		return nil, errors.Wrap(err, "read TOC content")
	}

	list := &TocEntryList{
		tocSize: uint32(tocSize),
	}
	hash := sha256.New()
	hash.Write(tocData)
	hash.Write(headerData)
	copy(list.tocDigest[:], hash.Sum(nil))

	r := bytes.NewReader(tocData)
	for count := tocSize / tocEntrySize; count > 0; count-- {
		var raw struct {
			Name             [64]byte
			Type             uint32
			Compressor       uint32
			CompressedOffset uint64
			CompressedSize   uint64
			UncompressedSize uint64
			Digest           [32]byte
		}
		if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
			return nil, errors.Wrapf(errdefs.ErrCorruptMetadata, "parse TOC entry: %v", err)
		}
		entry := TocEntry{
			Type:             raw.Type,
			Compressor:       raw.Compressor,
			CompressedOffset: raw.CompressedOffset,
			CompressedSize:   raw.CompressedSize,
			UncompressedSize: raw.UncompressedSize,
			Digest:           raw.Digest,
		}
		entry.Name = string(bytes.TrimRight(raw.Name[:], "\x00"))
		list.Entries = append(list.Entries, entry)
	}

	return list, nil
}
