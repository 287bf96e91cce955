/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package builder

import (
	"github.com/pkg/errors"

	"github.com/nydusaccelerator/nydus-builder/pkg/digest"
	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
	"github.com/nydusaccelerator/nydus-builder/pkg/rafs"
)

// BlobManager stores all blob state of a build. Blob indices are dense
// and stable: once assigned, a blob keeps its position in the final
// blob table.
type BlobManager struct {
	blobs            []*BlobContext
	currentBlobIndex *uint32

	// globalChunkDict deduplicates chunks against an extra chunk dict
	// image shared between builds.
	globalChunkDict ChunkDict
	// layeredChunkDict deduplicates chunks between the layers of this
	// build.
	layeredChunkDict *HashChunkDict
}

func NewBlobManager(digester digest.Algorithm) *BlobManager {
	return &BlobManager{
		layeredChunkDict: NewHashChunkDict(digester),
	}
}

func newBlobContextFromBuild(ctx *BuildContext) *BlobContext {
	blobCtx := NewBlobContext(ctx.BlobID, ctx.BlobOffset, ctx.BlobFeatures, ctx.Compressor, ctx.Digester)
	blobCtx.SetChunkSize(ctx.ChunkSize)
	blobCtx.SetMetaInfoEnabled(ctx.FsVersion == rafs.V6)
	return blobCtx
}

// GetOrCreateCurrentBlob lazily creates the blob receiving the chunks
// of the active output layer.
func (m *BlobManager) GetOrCreateCurrentBlob(ctx *BuildContext) (uint32, *BlobContext, error) {
	if m.currentBlobIndex == nil {
		idx, err := m.AllocIndex()
		if err != nil {
			return 0, nil, err
		}
		m.currentBlobIndex = &idx
		m.Add(newBlobContextFromBuild(ctx))
	}
	idx, blobCtx := m.GetCurrentBlob()
	return idx, blobCtx, nil
}

// GetCurrentBlob returns the active blob, nil if none was created yet.
func (m *BlobManager) GetCurrentBlob() (uint32, *BlobContext) {
	if m.currentBlobIndex == nil {
		return 0, nil
	}
	return *m.currentBlobIndex, m.blobs[*m.currentBlobIndex]
}

func (m *BlobManager) SetChunkDict(dict ChunkDict) {
	m.globalChunkDict = dict
}

func (m *BlobManager) GetChunkDict() ChunkDict {
	return m.globalChunkDict
}

func (m *BlobManager) LayeredChunkDict() *HashChunkDict {
	return m.layeredChunkDict
}

// AllocIndex hands out blob indices sequentially. It must be paired
// with Add to keep indices dense.
func (m *BlobManager) AllocIndex() (uint32, error) {
	// RAFS v6 only supports 256 blobs.
	if len(m.blobs) >= rafs.MaxBlobCount {
		return 0, errors.Wrap(errdefs.ErrOverflow, "too many blobs")
	}
	return uint32(len(m.blobs)), nil
}

// Add appends a blob context. It must be paired with AllocIndex.
func (m *BlobManager) Add(blobCtx *BlobContext) {
	m.blobs = append(m.blobs, blobCtx)
}

func (m *BlobManager) Len() int {
	return len(m.blobs)
}

// GetBlobs returns every blob context, including blobs without content.
func (m *BlobManager) GetBlobs() []*BlobContext {
	return m.blobs
}

func (m *BlobManager) GetBlob(idx int) *BlobContext {
	if idx < 0 || idx >= len(m.blobs) {
		return nil
	}
	return m.blobs[idx]
}

// TakeBlob removes and returns the blob at idx. Later blobs shift
// down, so this is only safe before any chunk references the table.
func (m *BlobManager) TakeBlob(idx int) *BlobContext {
	if idx < 0 || idx >= len(m.blobs) {
		return nil
	}
	blobCtx := m.blobs[idx]
	m.blobs = append(m.blobs[:idx], m.blobs[idx+1:]...)
	return blobCtx
}

func (m *BlobManager) GetLastBlob() *BlobContext {
	if len(m.blobs) == 0 {
		return nil
	}
	return m.blobs[len(m.blobs)-1]
}

func (m *BlobManager) GetBlobIdxByID(id string) (uint32, bool) {
	for idx, blob := range m.blobs {
		if blob.BlobID == id {
			return uint32(idx), true
		}
	}
	return 0, false
}

func (m *BlobManager) GetBlobIDs() []string {
	ids := make([]string, 0, len(m.blobs))
	for _, blob := range m.blobs {
		ids = append(ids, blob.BlobID)
	}
	return ids
}

// ExtendFromBlobTable prepends all blobs of a parent bootstrap, so
// chunks imported from the parent keep their blob indices. The current
// blob index, if set, is shifted by the number prepended.
func (m *BlobManager) ExtendFromBlobTable(ctx *BuildContext, blobTable []*rafs.BlobInfo) error {
	blobs := make([]*BlobContext, 0, len(blobTable)+len(m.blobs))
	for _, blob := range blobTable {
		blobCtx, err := BlobContextFromInfo(ctx, blob, ChunkSourceParent)
		if err != nil {
			return err
		}
		blobs = append(blobs, blobCtx)
	}

	if m.currentBlobIndex != nil {
		shifted := *m.currentBlobIndex + uint32(len(blobs))
		m.currentBlobIndex = &shifted
	} else if len(m.blobs) > 0 {
		return errors.Wrap(errdefs.ErrInconsistent,
			"import from parent blob table while blob manager is not empty")
	}
	m.blobs = append(blobs, m.blobs...)

	return nil
}

// ExtendFromChunkDict imports every blob known to the global chunk
// dictionary and records the mapping from dictionary-internal indices
// to real indices.
//
// The order of imports matters: all blobs from a parent bootstrap must
// be imported first, otherwise blob indices of parent chunks would
// need fixing.
func (m *BlobManager) ExtendFromChunkDict(ctx *BuildContext) error {
	if m.globalChunkDict == nil {
		return nil
	}

	for _, blob := range m.globalChunkDict.GetBlobs() {
		if realIdx, ok := m.GetBlobIdxByID(blob.BlobID); ok {
			m.globalChunkDict.SetRealBlobIdx(blob.BlobIndex, realIdx)
			continue
		}
		idx, err := m.AllocIndex()
		if err != nil {
			return err
		}
		blobCtx, err := BlobContextFromInfo(ctx, blob, ChunkSourceDict)
		if err != nil {
			return err
		}
		m.Add(blobCtx)
		m.globalChunkDict.SetRealBlobIdx(blob.BlobIndex, idx)
	}

	return nil
}

// ToBlobTable emits the final blob table in the dialect selected by
// the build's filesystem version.
func (m *BlobManager) ToBlobTable(ctx *BuildContext) (*rafs.BlobTable, error) {
	table := rafs.NewBlobTable(ctx.FsVersion)

	for _, blobCtx := range m.blobs {
		if blobCtx.PrefetchSize > 0xffff_ffff {
			return nil, errors.Wrap(errdefs.ErrOverflow, "blob prefetch size exceeds 32 bits")
		}
		flags := rafs.FlagsFromCompressor(blobCtx.Compressor) |
			rafs.FlagsFromDigester(blobCtx.Digester)

		entry := &rafs.BlobInfo{
			BlobID:           blobCtx.BlobID,
			RawBlobID:        blobCtx.BlobID,
			Features:         blobCtx.Features,
			Flags:            flags,
			Compressor:       blobCtx.Compressor,
			Digester:         blobCtx.Digester,
			ChunkSize:        blobCtx.ChunkSize,
			ChunkCount:       blobCtx.ChunkCount,
			CompressedSize:   blobCtx.CompressedBlobSize,
			UncompressedSize: blobCtx.UncompressedBlobSize,
			PrefetchSize:     uint32(blobCtx.PrefetchSize),
			ReadaheadOffset:  0,
		}
		if ctx.FsVersion == rafs.V6 {
			entry.RafsBlobDigest = blobCtx.RafsBlobDigest
			entry.RafsBlobSize = blobCtx.RafsBlobSize
			entry.TocDigest = blobCtx.TocDigest
			entry.TocSize = blobCtx.TocSize
			entry.Meta = blobCtx.MetaHeader
		}
		table.Add(entry)
	}

	return table, nil
}
