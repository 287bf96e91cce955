/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package builder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nydusaccelerator/nydus-builder/pkg/compression"
	"github.com/nydusaccelerator/nydus-builder/pkg/digest"
	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
	"github.com/nydusaccelerator/nydus-builder/pkg/rafs"
)

func newImportBlobInfo(id string, index uint32) *rafs.BlobInfo {
	return &rafs.BlobInfo{
		BlobID:     id,
		RawBlobID:  id,
		BlobIndex:  index,
		Compressor: compression.Zstd,
		Digester:   digest.SHA256,
		ChunkSize:  rafs.DefaultChunkSize,
	}
}

func TestParentThenDictImport(t *testing.T) {
	ctx := DefaultBuildContext()
	blobMgr := NewBlobManager(ctx.Digester)

	parentTable := []*rafs.BlobInfo{
		newImportBlobInfo("blob-a", 0),
		newImportBlobInfo("blob-b", 1),
	}
	require.NoError(t, blobMgr.ExtendFromBlobTable(ctx, parentTable))

	dict := NewHashChunkDict(ctx.Digester)
	dict.AddBlob(newImportBlobInfo("blob-b", 0))
	dict.AddBlob(newImportBlobInfo("blob-c", 1))
	blobMgr.SetChunkDict(dict)
	require.NoError(t, blobMgr.ExtendFromChunkDict(ctx))

	assert.Equal(t, []string{"blob-a", "blob-b", "blob-c"}, blobMgr.GetBlobIDs())

	// The dictionary maps its internal indices to the real ones.
	realIdx, ok := dict.GetRealBlobIdx(0)
	require.True(t, ok)
	assert.Equal(t, uint32(1), realIdx)
	realIdx, ok = dict.GetRealBlobIdx(1)
	require.True(t, ok)
	assert.Equal(t, uint32(2), realIdx)

	// Every id appears exactly once.
	seen := map[string]int{}
	for _, id := range blobMgr.GetBlobIDs() {
		seen[id]++
	}
	for id, count := range seen {
		assert.Equalf(t, 1, count, "blob %s duplicated", id)
	}
	assert.LessOrEqual(t, blobMgr.Len(), rafs.MaxBlobCount)
}

func TestParentImportShiftsCurrentBlob(t *testing.T) {
	ctx := DefaultBuildContext()
	ctx.BlobID = "upper-blob"
	blobMgr := NewBlobManager(ctx.Digester)

	idx, blobCtx, err := blobMgr.GetOrCreateCurrentBlob(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), idx)
	assert.Equal(t, "upper-blob", blobCtx.BlobID)

	parentTable := []*rafs.BlobInfo{
		newImportBlobInfo("blob-a", 0),
		newImportBlobInfo("blob-b", 1),
	}
	require.NoError(t, blobMgr.ExtendFromBlobTable(ctx, parentTable))

	// Parent blobs occupy the lowest indices, the current blob moved up.
	assert.Equal(t, []string{"blob-a", "blob-b", "upper-blob"}, blobMgr.GetBlobIDs())
	idx, blobCtx = blobMgr.GetCurrentBlob()
	require.NotNil(t, blobCtx)
	assert.Equal(t, uint32(2), idx)
	assert.Equal(t, "upper-blob", blobCtx.BlobID)
}

func TestParentImportRequiresEmptyManager(t *testing.T) {
	ctx := DefaultBuildContext()
	blobMgr := NewBlobManager(ctx.Digester)

	// A blob added without a current-blob cursor leaves indexing
	// undefined for a parent import.
	idx, err := blobMgr.AllocIndex()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), idx)
	blobMgr.Add(newTestBlobContext(0))

	err = blobMgr.ExtendFromBlobTable(ctx, []*rafs.BlobInfo{newImportBlobInfo("blob-a", 0)})
	require.Error(t, err)
	assert.True(t, errdefs.IsInconsistent(err))
}

func TestAllocIndexOverflow(t *testing.T) {
	blobMgr := NewBlobManager(digest.SHA256)

	for count := 0; count < rafs.MaxBlobCount; count++ {
		_, err := blobMgr.AllocIndex()
		require.NoError(t, err)
		blobMgr.Add(newTestBlobContext(0))
	}

	_, err := blobMgr.AllocIndex()
	require.Error(t, err)
	assert.True(t, errdefs.IsOverflow(err))
}

func TestToBlobTableDialects(t *testing.T) {
	ctx := DefaultBuildContext()
	ctx.BlobID = "blob-1"
	blobMgr := NewBlobManager(ctx.Digester)

	_, blobCtx, err := blobMgr.GetOrCreateCurrentBlob(ctx)
	require.NoError(t, err)
	blobCtx.CompressedBlobSize = 123
	blobCtx.UncompressedBlobSize = 456
	blobCtx.ChunkCount = 7
	blobCtx.TocSize = 64

	ctx.FsVersion = rafs.V5
	table, err := blobMgr.ToBlobTable(ctx)
	require.NoError(t, err)
	require.Len(t, table.Blobs, 1)
	assert.Equal(t, rafs.V5, table.Version())
	entry := table.Blobs[0]
	assert.Equal(t, "blob-1", entry.BlobID)
	assert.Equal(t, uint64(123), entry.CompressedSize)
	assert.True(t, entry.Flags.Has(rafs.FlagCompressZstd))
	// The v5 dialect does not carry TOC info.
	assert.Equal(t, uint32(0), entry.TocSize)

	ctx.FsVersion = rafs.V6
	table, err = blobMgr.ToBlobTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, rafs.V6, table.Version())
	assert.Equal(t, uint32(64), table.Blobs[0].TocSize)
}

func TestBuildOutput(t *testing.T) {
	ctx := DefaultBuildContext()
	blobMgr := NewBlobManager(ctx.Digester)

	// A build with no blob reports no blob size.
	storage := SingleFileStorage("/tmp/bootstrap")
	output := NewBuildOutput(blobMgr, &storage)
	assert.Nil(t, output.BlobSize)
	assert.Equal(t,
		"meta blob path: /tmp/bootstrap\ndata blob size: 0x0\ndata blobs: []",
		output.String())

	ctx.BlobID = "blob-1"
	_, blobCtx, err := blobMgr.GetOrCreateCurrentBlob(ctx)
	require.NoError(t, err)
	blobCtx.CompressedBlobSize = 0xff00

	output = NewBuildOutput(blobMgr, &storage)
	require.NotNil(t, output.BlobSize)
	assert.Equal(t, uint64(0xff00), *output.BlobSize)
	assert.Equal(t,
		"meta blob path: /tmp/bootstrap\ndata blob size: 0xff00\ndata blobs: [blob-1]",
		output.String())

	dirStorage := FileDirStorage("/tmp")
	output = NewBuildOutput(blobMgr, &dirStorage)
	assert.Equal(t, "", output.BootstrapPath)
}
