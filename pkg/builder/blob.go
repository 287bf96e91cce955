/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package builder

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/pkg/errors"

	"github.com/nydusaccelerator/nydus-builder/pkg/compression"
	"github.com/nydusaccelerator/nydus-builder/pkg/digest"
	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
	"github.com/nydusaccelerator/nydus-builder/pkg/rafs"
)

// BlobContext holds the blob accounting of one layer during build:
// identity, rolling hash, cursors, and the per-chunk metadata arrays.
type BlobContext struct {
	// BlobID is user specified or the hash of the blob content.
	BlobID   string
	blobHash hash.Hash

	Compressor compression.Algorithm
	Digester   digest.Algorithm

	PrefetchSize uint64

	// MetaInfoEnabled arms the chunk metadata arrays, v6 only.
	MetaInfoEnabled bool
	// Exactly one of the two dialect arrays is active for the blob's
	// lifetime, chosen by the ChunkInfoV2 feature at creation.
	metaV1     []rafs.ChunkMetaV1
	metaV2     []rafs.ChunkMetaV2
	metaIsV2   bool
	MetaHeader rafs.MetaHeader

	ChunkDigests [][32]byte

	CompressedBlobSize   uint64
	UncompressedBlobSize uint64

	// Cursors for writing chunk data to the blob file.
	CompressedOffset   uint64
	UncompressedOffset uint64

	ChunkCount  uint32
	ChunkSize   uint32
	ChunkSource ChunkSource

	Features rafs.BlobFeature

	// BlobMetaDigest and BlobMetaSize describe the separate meta blob
	// for blobs with the Separate feature.
	BlobMetaDigest [32]byte
	BlobMetaSize   uint64

	// TocDigest covers the blob table of contents including its tar
	// header, all zero for blobs with inlined meta.
	TocDigest [32]byte
	TocSize   uint32
	// RafsBlobDigest and RafsBlobSize describe the referenced RAFS
	// blob for ZRAN sources.
	RafsBlobDigest [32]byte
	RafsBlobSize   uint64

	EntryList *rafs.TocEntryList
}

// NewBlobContext creates the accounting state of a fresh blob.
func NewBlobContext(blobID string, blobOffset uint64, features rafs.BlobFeature,
	compressor compression.Algorithm, digester digest.Algorithm) *BlobContext {
	blobCtx := &BlobContext{
		BlobID:           blobID,
		blobHash:         sha256.New(),
		Compressor:       compressor,
		Digester:         digester,
		CompressedOffset: blobOffset,
		ChunkSize:        rafs.DefaultChunkSize,
		ChunkSource:      ChunkSourceBuild,
		Features:         features,
		metaIsV2:         features.Has(rafs.BlobFeatureChunkInfoV2),
	}

	blobCtx.MetaHeader.Set4KAligned(features.Has(rafs.BlobFeatureAligned))
	blobCtx.MetaHeader.SetInlinedMeta(features.Has(rafs.BlobFeatureInlinedMeta))
	blobCtx.MetaHeader.SetChunkInfoV2(features.Has(rafs.BlobFeatureChunkInfoV2))
	blobCtx.MetaHeader.SetCIZran(features.Has(rafs.BlobFeatureZRan))
	blobCtx.MetaHeader.SetInlinedChunkDigest(features.Has(rafs.BlobFeatureInlinedChunkDigest))

	return blobCtx
}

// BlobContextFromInfo imports a blob known to a parent bootstrap or a
// chunk dictionary.
//
// Blobs with inlined meta have no side-car metadata to reuse, so the
// feature is cleared and the identity, size and TOC location are
// re-materialized by fetching the blob through the configured backend.
// A failed fixup is fatal for the merge.
func BlobContextFromInfo(ctx *BuildContext, blob *rafs.BlobInfo, source ChunkSource) (*BlobContext, error) {
	compressedBlobSize := blob.CompressedSize
	rafsBlobSize := blob.RafsBlobSize
	tocSize := blob.TocSize
	rafsBlobDigest := blob.RafsBlobDigest
	tocDigest := blob.TocDigest
	blobID := blob.RawBlobID
	features := blob.Features

	if features.Has(rafs.BlobFeatureInlinedMeta) &&
		(source == ChunkSourceDict || source == ChunkSourceParent) {
		bknd, err := ctx.Backend()
		if err != nil {
			return nil, errors.Wrap(err, "get backend storage configuration")
		}

		if features.Has(rafs.BlobFeatureZRan) {
			refID, err := blob.GetRafsBlobID()
			if err == nil {
				reader, err := bknd.Reader(refID)
				if err != nil {
					return nil, errors.Wrapf(err, "get reader for blob %s", refID)
				}
				size, err := reader.BlobSize()
				if err != nil {
					return nil, errors.Wrapf(err, "get size of blob %s", refID)
				}
				if raw, err := hex.DecodeString(refID); err == nil && len(raw) == 32 {
					copy(rafsBlobDigest[:], raw)
					rafsBlobSize = uint64(size)
				}
				if toc, err := rafs.ReadTocFromBlob(reader); err == nil {
					tocDigest = toc.TocDigest()
					tocSize = toc.TocSize()
				}
			}
		} else {
			blobID = blob.BlobID
			reader, err := bknd.Reader(blobID)
			if err != nil {
				return nil, errors.Wrapf(err, "get reader for blob %s", blobID)
			}
			size, err := reader.BlobSize()
			if err != nil {
				return nil, errors.Wrapf(err, "get size of blob %s", blobID)
			}
			compressedBlobSize = uint64(size)
			if toc, err := rafs.ReadTocFromBlob(reader); err == nil {
				tocDigest = toc.TocDigest()
				tocSize = toc.TocSize()
			}
		}
		features &^= rafs.BlobFeatureInlinedMeta
	}

	blobCtx := NewBlobContext(blobID, 0, features, blob.Compressor, blob.Digester)

	blobCtx.PrefetchSize = uint64(blob.PrefetchSize)
	blobCtx.ChunkCount = blob.ChunkCount
	blobCtx.UncompressedBlobSize = blob.UncompressedSize
	blobCtx.CompressedBlobSize = compressedBlobSize
	blobCtx.ChunkSize = blob.ChunkSize
	blobCtx.ChunkSource = source
	blobCtx.RafsBlobDigest = rafsBlobDigest
	blobCtx.RafsBlobSize = rafsBlobSize
	blobCtx.TocDigest = tocDigest
	blobCtx.TocSize = tocSize

	if blob.MetaCIValid() {
		blobCtx.MetaHeader.CICompressor = blob.Meta.CICompressor
		blobCtx.MetaHeader.CIEntries = blob.ChunkCount
		blobCtx.MetaHeader.CICompressedOffset = blob.Meta.CICompressedOffset
		blobCtx.MetaHeader.CICompressedSize = blob.Meta.CICompressedSize
		blobCtx.MetaHeader.CIUncompressedSize = blob.Meta.CIUncompressedSize
		blobCtx.MetaInfoEnabled = true
	}

	return blobCtx, nil
}

func (b *BlobContext) SetChunkSize(chunkSize uint32) {
	b.ChunkSize = chunkSize
}

func (b *BlobContext) SetMetaInfoEnabled(enable bool) {
	b.MetaInfoEnabled = enable
}

// SetBlobPrefetchSize zeroes the advertised prefetch size unless the
// build prefetches whole blobs and the blob has content.
func (b *BlobContext) SetBlobPrefetchSize(ctx *BuildContext) {
	hasContent := b.CompressedBlobSize > 0 ||
		(ctx.ConversionType == EStargzIndexToRef && b.BlobID != "")
	if !hasContent || ctx.Prefetch.Policy != PrefetchPolicyBlob {
		b.PrefetchSize = 0
	}
}

// AllocChunkIndex hands out blob-local chunk indices sequentially.
func (b *BlobContext) AllocChunkIndex() (uint32, error) {
	index := b.ChunkCount

	// RAFS v6 only supports 24 bit chunk indices.
	if index >= rafs.MaxChunkCount {
		return 0, errors.Wrap(errdefs.ErrOverflow, "too many chunks in blob")
	}
	b.ChunkCount++
	return index, nil
}

// MetaLen is the number of chunk metadata entries recorded so far.
func (b *BlobContext) MetaLen() int {
	if b.metaIsV2 {
		return len(b.metaV2)
	}
	return len(b.metaV1)
}

// AddChunkMetaInfo appends the metadata record and digest of a chunk.
// The chunk index must equal the current array length, chunks are
// strictly append-only.
func (b *BlobContext) AddChunkMetaInfo(chunk *rafs.ChunkInfo, chunkInfo *rafs.ChunkMetaV2) error {
	if !b.MetaInfoEnabled {
		return nil
	}
	if int(chunk.Index) != b.MetaLen() {
		return errors.Wrapf(errdefs.ErrInconsistent,
			"chunk index %d does not match meta array length %d", chunk.Index, b.MetaLen())
	}

	if b.metaIsV2 {
		if chunkInfo != nil {
			info := *chunkInfo
			info.UncompressedOffset = chunk.UncompressedOffset
			b.metaV2 = append(b.metaV2, info)
		} else {
			b.metaV2 = append(b.metaV2, rafs.ChunkMetaV2{
				CompressedOffset:   chunk.CompressedOffset,
				CompressedSize:     chunk.CompressedSize,
				UncompressedOffset: chunk.UncompressedOffset,
				UncompressedSize:   chunk.UncompressedSize,
				Compressed:         chunk.Compressed,
			})
		}
	} else {
		b.metaV1 = append(b.metaV1, rafs.ChunkMetaV1{
			CompressedOffset:   chunk.CompressedOffset,
			CompressedSize:     chunk.CompressedSize,
			UncompressedOffset: chunk.UncompressedOffset,
			UncompressedSize:   chunk.UncompressedSize,
		})
	}
	b.ChunkDigests = append(b.ChunkDigests, chunk.Digest)

	return nil
}

// GetBlobID returns the blob id if the blob has content.
func (b *BlobContext) GetBlobID() (string, bool) {
	if b.CompressedBlobSize > 0 {
		return b.BlobID, true
	}
	return "", false
}

// WriteData appends chunk data to the blob and folds it into the
// rolling blob hash.
func (b *BlobContext) WriteData(writer *ArtifactWriter, data []byte) error {
	if _, err := writer.Write(data); err != nil {
		return errors.Wrap(err, "write blob data")
	}
	b.blobHash.Write(data)
	return nil
}

// WriteTarHeader emits a trailing tar header to the blob and folds it
// into the rolling blob hash.
func (b *BlobContext) WriteTarHeader(writer *ArtifactWriter, name string, size uint64) error {
	header, err := writer.WriteTarHeader(name, size)
	if err != nil {
		return err
	}
	b.blobHash.Write(header)
	return nil
}

// HashHex returns the current rolling hash of the blob content.
func (b *BlobContext) HashHex() string {
	return hex.EncodeToString(b.blobHash.Sum(nil))
}
