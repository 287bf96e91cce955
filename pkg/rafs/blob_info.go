/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package rafs

import (
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/nydusaccelerator/nydus-builder/pkg/compression"
	"github.com/nydusaccelerator/nydus-builder/pkg/digest"
)

// BlobInfo describes one blob referenced by a bootstrap. It is both
// the in-memory form of a blob table entry and the import source when
// extending a build from a parent bootstrap or a chunk dictionary.
type BlobInfo struct {
	// BlobID addresses the blob on a storage backend. For blobs with
	// inlined meta this may have been rewritten at load time.
	BlobID string
	// RawBlobID is the id as recorded in the source bootstrap.
	RawBlobID string
	// BlobIndex is the index of this blob inside its own bootstrap.
	BlobIndex uint32
	// ReferenceBlobID names the external tar blob for ZRAN sources.
	ReferenceBlobID string

	Features   BlobFeature
	Flags      SuperFlags
	Compressor compression.Algorithm
	Digester   digest.Algorithm

	ChunkSize  uint32
	ChunkCount uint32

	CompressedSize   uint64
	UncompressedSize uint64
	PrefetchSize     uint32
	ReadaheadOffset  uint32

	// Meta locates the chunk metadata of the blob.
	Meta MetaHeader

	// RafsBlobDigest and RafsBlobSize describe the referenced RAFS
	// blob for ZRAN sources, all zero otherwise.
	RafsBlobDigest [32]byte
	RafsBlobSize   uint64
	// TocDigest and TocSize describe the blob table of contents, all
	// zero for blobs with inlined meta.
	TocDigest [32]byte
	TocSize   uint32
}

func (b *BlobInfo) HasFeature(feature BlobFeature) bool {
	return b.Features.Has(feature)
}

// MetaCIValid returns true if the blob advertises a usable chunk
// metadata location.
func (b *BlobInfo) MetaCIValid() bool {
	return b.Meta.CIEntries > 0 && b.Meta.CIUncompressedSize > 0
}

// GetRafsBlobID returns the id of the referenced external blob for
// ZRAN sources.
func (b *BlobInfo) GetRafsBlobID() (string, error) {
	if b.ReferenceBlobID == "" {
		return "", errors.New("blob has no referenced RAFS blob")
	}
	return b.ReferenceBlobID, nil
}

// BlobIDFromMetaPath derives a blob id from the path of a layer
// bootstrap. Per-layer bootstraps are content addressed, the file name
// is the hex digest of the whole tar blob the layer was built from.
func BlobIDFromMetaPath(metaPath string) (string, error) {
	name := filepath.Base(metaPath)
	if idx := strings.Index(name, "."); idx >= 0 {
		name = name[:idx]
	}
	if len(name) != 64 {
		return "", errors.Errorf("invalid blob id in bootstrap path %s", metaPath)
	}
	if _, err := hex.DecodeString(name); err != nil {
		return "", errors.Wrapf(err, "invalid blob id in bootstrap path %s", metaPath)
	}
	return name, nil
}
