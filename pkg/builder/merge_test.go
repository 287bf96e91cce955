/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package builder

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
	"github.com/nydusaccelerator/nydus-builder/pkg/rafs"
)

// dumpTestBootstrap writes a small bootstrap referencing the given
// blobs, the way a per-layer build would.
func dumpTestBootstrap(t *testing.T, bootstrapPath string, blobIDs []string, chunkSize uint32, inodes []rafs.Inode) {
	ctx := DefaultBuildContext()
	ctx.ChunkSize = chunkSize

	blobMgr := NewBlobManager(ctx.Digester)
	for _, blobID := range blobIDs {
		_, err := blobMgr.AllocIndex()
		require.NoError(t, err)
		blobCtx := NewBlobContext(blobID, 0, 0, ctx.Compressor, ctx.Digester)
		blobCtx.SetChunkSize(chunkSize)
		blobCtx.CompressedBlobSize = 1024
		blobCtx.UncompressedBlobSize = 4096
		blobMgr.Add(blobCtx)
	}

	tree := NewTree(dirNode("/"))
	dirs := map[string]*Tree{"/": tree}
	for idx := range inodes {
		node := NewNode(inodes[idx])
		parent := dirs[path.Dir(node.Path)]
		require.NotNilf(t, parent, "missing parent of %s", node.Path)
		child := NewTree(node)
		parent.Children = append(parent.Children, child)
		if node.IsDir() {
			dirs[node.Path] = child
		}
	}

	storage := SingleFileStorage(bootstrapPath)
	bootstrapCtx, err := NewBootstrapContext(&storage, false, false)
	require.NoError(t, err)
	defer bootstrapCtx.Writer.Close()

	bootstrap := NewBootstrap()
	require.NoError(t, bootstrap.Build(ctx, bootstrapCtx, tree))
	table, err := blobMgr.ToBlobTable(ctx)
	require.NoError(t, err)
	_, err = bootstrap.Dump(ctx, &storage, bootstrapCtx, table)
	require.NoError(t, err)
}

func findInode(t *testing.T, super *rafs.Super, path string) *rafs.Inode {
	for _, inode := range super.Inodes {
		if inode.Path == path {
			return inode
		}
	}
	return nil
}

func regInode(path string, blobIndex uint32) rafs.Inode {
	return rafs.Inode{
		Path: path,
		Mode: rafs.SIfreg | 0644,
		Chunks: []rafs.ChunkInfo{{
			BlobIndex:        blobIndex,
			CompressedSize:   1024,
			UncompressedSize: 4096,
		}},
	}
}

func dirInode(path string) rafs.Inode {
	return rafs.Inode{Path: path, Mode: rafs.SIfdir | 0755}
}

func TestMergeTwoLayers(t *testing.T) {
	dir := t.TempDir()
	lowerPath := filepath.Join(dir, strings.Repeat("a", 64))
	upperPath := filepath.Join(dir, strings.Repeat("b", 64))

	dumpTestBootstrap(t, lowerPath, []string{"layer1-blob"}, rafs.DefaultChunkSize, []rafs.Inode{
		dirInode("/a"),
		regInode("/a/b", 0),
	})
	dumpTestBootstrap(t, upperPath, []string{"layer2-blob"}, rafs.DefaultChunkSize, []rafs.Inode{
		regInode("/top", 0),
	})

	target := filepath.Join(dir, "merged")
	ctx := DefaultBuildContext()
	output, err := NewMerger().Merge(ctx, MergeOption{
		Sources: []string{lowerPath, upperPath},
		Target:  SingleFileStorage(target),
	})
	require.NoError(t, err)

	// Blob ids were rewritten to the per-layer bootstrap hashes, in
	// lower-first order.
	assert.Equal(t, []string{strings.Repeat("a", 64), strings.Repeat("b", 64)}, output.Blobs)
	assert.Equal(t, target, output.BootstrapPath)

	merged, err := rafs.LoadSuper(target)
	require.NoError(t, err)
	require.Len(t, merged.Blobs, 2)

	lowerFile := findInode(t, merged, "/a/b")
	require.NotNil(t, lowerFile)
	assert.Equal(t, uint32(0), lowerFile.Chunks[0].BlobIndex)

	// The upper layer's chunk was remapped into the merged blob table.
	upperFile := findInode(t, merged, "/top")
	require.NotNil(t, upperFile)
	assert.Equal(t, uint32(1), upperFile.Chunks[0].BlobIndex)
}

func TestMergeWithWhiteout(t *testing.T) {
	dir := t.TempDir()
	lowerPath := filepath.Join(dir, strings.Repeat("a", 64))
	upperPath := filepath.Join(dir, strings.Repeat("b", 64))

	dumpTestBootstrap(t, lowerPath, []string{"layer1-blob"}, rafs.DefaultChunkSize, []rafs.Inode{
		dirInode("/a"),
		regInode("/a/b", 0),
		regInode("/a/keep", 0),
	})
	// The upper layer deletes /a/b and adds /a/fresh. The whiteout is
	// applied before the additions of its own layer.
	dumpTestBootstrap(t, upperPath, []string{"layer2-blob"}, rafs.DefaultChunkSize, []rafs.Inode{
		dirInode("/a"),
		regInode("/a/fresh", 0),
		{Path: "/a/.wh.b", Mode: rafs.SIfreg | 0644},
	})

	target := filepath.Join(dir, "merged")
	ctx := DefaultBuildContext()
	_, err := NewMerger().Merge(ctx, MergeOption{
		Sources: []string{lowerPath, upperPath},
		Target:  SingleFileStorage(target),
	})
	require.NoError(t, err)

	merged, err := rafs.LoadSuper(target)
	require.NoError(t, err)

	assert.Nil(t, findInode(t, merged, "/a/b"))
	assert.Nil(t, findInode(t, merged, "/a/.wh.b"))
	assert.NotNil(t, findInode(t, merged, "/a/keep"))
	assert.NotNil(t, findInode(t, merged, "/a/fresh"))
}

func TestMergeMismatchedChunkSize(t *testing.T) {
	dir := t.TempDir()
	lowerPath := filepath.Join(dir, strings.Repeat("a", 64))
	upperPath := filepath.Join(dir, strings.Repeat("b", 64))

	dumpTestBootstrap(t, lowerPath, []string{"layer1-blob"}, 0x100000, []rafs.Inode{
		regInode("/foo", 0),
	})
	dumpTestBootstrap(t, upperPath, []string{"layer2-blob"}, 0x80000, []rafs.Inode{
		regInode("/bar", 0),
	})

	target := filepath.Join(dir, "merged")
	ctx := DefaultBuildContext()
	_, err := NewMerger().Merge(ctx, MergeOption{
		Sources: []string{lowerPath, upperPath},
		Target:  SingleFileStorage(target),
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsInconsistent(err))

	// The merge failed before any output was produced.
	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestMergeRequiresSources(t *testing.T) {
	ctx := DefaultBuildContext()
	_, err := NewMerger().Merge(ctx, MergeOption{
		Target: SingleFileStorage(filepath.Join(t.TempDir(), "merged")),
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidConfig(err))
}

func TestMergeRejectsMismatchedOverrides(t *testing.T) {
	dir := t.TempDir()
	lowerPath := filepath.Join(dir, strings.Repeat("a", 64))
	dumpTestBootstrap(t, lowerPath, []string{"layer1-blob"}, rafs.DefaultChunkSize, []rafs.Inode{
		regInode("/foo", 0),
	})

	ctx := DefaultBuildContext()
	_, err := NewMerger().Merge(ctx, MergeOption{
		Sources:   []string{lowerPath},
		BlobSizes: []uint64{1, 2},
		Target:    SingleFileStorage(filepath.Join(dir, "merged")),
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidConfig(err))
}

func TestMergeRejectsMultipleUpperBlobs(t *testing.T) {
	dir := t.TempDir()
	lowerPath := filepath.Join(dir, strings.Repeat("a", 64))

	// Two blobs in one layer and no chunk dict: the layer has more
	// than one blob of its own.
	dumpTestBootstrap(t, lowerPath, []string{"blob-1", "blob-2"}, rafs.DefaultChunkSize, []rafs.Inode{
		regInode("/foo", 0),
		regInode("/bar", 1),
	})

	ctx := DefaultBuildContext()
	_, err := NewMerger().Merge(ctx, MergeOption{
		Sources: []string{lowerPath},
		Target:  SingleFileStorage(filepath.Join(dir, "merged")),
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsInconsistent(err))
}

func TestMergeWithChunkDict(t *testing.T) {
	dir := t.TempDir()
	dictPath := filepath.Join(dir, strings.Repeat("d", 64))
	lowerPath := filepath.Join(dir, strings.Repeat("a", 64))
	upperPath := filepath.Join(dir, strings.Repeat("b", 64))

	dumpTestBootstrap(t, dictPath, []string{"dict-blob"}, rafs.DefaultChunkSize, []rafs.Inode{
		regInode("/shared", 0),
	})
	// Both layers deduplicated against the dict: their tables carry
	// the dict blob plus at most one blob of their own.
	dumpTestBootstrap(t, lowerPath, []string{"dict-blob", "layer1-blob"}, rafs.DefaultChunkSize, []rafs.Inode{
		regInode("/shared", 0),
		regInode("/foo", 1),
	})
	dumpTestBootstrap(t, upperPath, []string{"dict-blob", "layer2-blob"}, rafs.DefaultChunkSize, []rafs.Inode{
		regInode("/bar", 1),
	})

	target := filepath.Join(dir, "merged")
	ctx := DefaultBuildContext()
	output, err := NewMerger().Merge(ctx, MergeOption{
		Sources:       []string{lowerPath, upperPath},
		Target:        SingleFileStorage(target),
		ChunkDictPath: dictPath,
	})
	require.NoError(t, err)

	// The dict blob appears once, own blobs follow in layer order.
	assert.Equal(t, []string{
		"dict-blob",
		strings.Repeat("a", 64),
		strings.Repeat("b", 64),
	}, output.Blobs)

	merged, err := rafs.LoadSuper(target)
	require.NoError(t, err)

	shared := findInode(t, merged, "/shared")
	require.NotNil(t, shared)
	assert.Equal(t, uint32(0), shared.Chunks[0].BlobIndex)
	upper := findInode(t, merged, "/bar")
	require.NotNil(t, upper)
	assert.Equal(t, uint32(2), upper.Chunks[0].BlobIndex)
}

func TestMergeWithOverrides(t *testing.T) {
	dir := t.TempDir()
	lowerPath := filepath.Join(dir, strings.Repeat("a", 64))
	dumpTestBootstrap(t, lowerPath, []string{"layer1-blob"}, rafs.DefaultChunkSize, []rafs.Inode{
		regInode("/foo", 0),
	})

	overrideDigest := strings.Repeat("0123", 16)
	target := filepath.Join(dir, "merged")
	ctx := DefaultBuildContext()
	output, err := NewMerger().Merge(ctx, MergeOption{
		Sources:     []string{lowerPath},
		BlobDigests: []string{overrideDigest},
		BlobSizes:   []uint64{0x4000},
		Target:      SingleFileStorage(target),
	})
	require.NoError(t, err)

	// Without the Separate feature the override replaces the payload
	// blob identity and compressed size.
	assert.Equal(t, []string{overrideDigest}, output.Blobs)
	require.NotNil(t, output.BlobSize)
	assert.Equal(t, uint64(0x4000), *output.BlobSize)
}
