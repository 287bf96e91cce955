/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package rafs

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// BlobTable is the ordered list of blobs referenced by a bootstrap.
// The v5 dialect records identity, sizes and superblock flags only,
// the v6 dialect adds the referenced-blob and TOC digests plus the
// full chunk metadata header.
type BlobTable struct {
	version Version
	Blobs   []*BlobInfo
}

func NewBlobTable(version Version) *BlobTable {
	return &BlobTable{version: version}
}

func (t *BlobTable) Version() Version {
	return t.version
}

func (t *BlobTable) Add(blob *BlobInfo) {
	blob.BlobIndex = uint32(len(t.Blobs))
	t.Blobs = append(t.Blobs, blob)
}

// Marshal encodes the table in its dialect.
func (t *BlobTable) Marshal() ([]byte, error) {
	var buf bytes.Buffer

	writeString := func(s string) error {
		if len(s) > 0xffff {
			return errors.Errorf("blob id too long: %d", len(s))
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint16(len(s))); err != nil {
			return err
		}
		_, err := buf.WriteString(s)
		return err
	}

	for _, blob := range t.Blobs {
		if err := writeString(blob.BlobID); err != nil {
			return nil, err
		}
		for _, v := range []interface{}{
			uint32(blob.Features), uint64(blob.Flags),
			blob.ChunkSize, blob.ChunkCount,
			blob.CompressedSize, blob.UncompressedSize,
			blob.PrefetchSize, blob.ReadaheadOffset,
		} {
			if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
				return nil, err
			}
		}
		if t.version == V6 {
			if err := writeString(blob.ReferenceBlobID); err != nil {
				return nil, err
			}
			buf.Write(blob.RafsBlobDigest[:])
			buf.Write(blob.TocDigest[:])
			for _, v := range []interface{}{
				blob.RafsBlobSize, blob.TocSize,
				blob.Meta.Flags, blob.Meta.CICompressor, blob.Meta.CIEntries,
				blob.Meta.CICompressedOffset, blob.Meta.CICompressedSize,
				blob.Meta.CIUncompressedSize,
			} {
				if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
					return nil, err
				}
			}
		}
	}

	return buf.Bytes(), nil
}

// UnmarshalBlobTable decodes count entries of the given dialect.
func UnmarshalBlobTable(version Version, count uint32, data []byte) (*BlobTable, error) {
	r := bytes.NewReader(data)
	table := NewBlobTable(version)

	readString := func() (string, error) {
		var size uint16
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return "", err
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	}

	for idx := uint32(0); idx < count; idx++ {
		blob := &BlobInfo{}

		id, err := readString()
		if err != nil {
			return nil, errors.Wrap(err, "read blob id")
		}
		blob.BlobID = id
		blob.RawBlobID = id

		var features uint32
		var flags uint64
		for _, v := range []interface{}{
			&features, &flags,
			&blob.ChunkSize, &blob.ChunkCount,
			&blob.CompressedSize, &blob.UncompressedSize,
			&blob.PrefetchSize, &blob.ReadaheadOffset,
		} {
			if err := binary.Read(r, binary.LittleEndian, v); err != nil {
				return nil, errors.Wrap(err, "read blob table entry")
			}
		}
		blob.Features = BlobFeature(features)
		blob.Flags = SuperFlags(flags)
		blob.Compressor = blob.Flags.Compressor()
		blob.Digester = blob.Flags.Digester()

		if version == V6 {
			if blob.ReferenceBlobID, err = readString(); err != nil {
				return nil, errors.Wrap(err, "read reference blob id")
			}
			if _, err := io.ReadFull(r, blob.RafsBlobDigest[:]); err != nil {
				return nil, errors.Wrap(err, "read rafs blob digest")
			}
			if _, err := io.ReadFull(r, blob.TocDigest[:]); err != nil {
				return nil, errors.Wrap(err, "read toc digest")
			}
			for _, v := range []interface{}{
				&blob.RafsBlobSize, &blob.TocSize,
				&blob.Meta.Flags, &blob.Meta.CICompressor, &blob.Meta.CIEntries,
				&blob.Meta.CICompressedOffset, &blob.Meta.CICompressedSize,
				&blob.Meta.CIUncompressedSize,
			} {
				if err := binary.Read(r, binary.LittleEndian, v); err != nil {
					return nil, errors.Wrap(err, "read v6 blob table entry")
				}
			}
		}

		table.Add(blob)
	}

	return table, nil
}
