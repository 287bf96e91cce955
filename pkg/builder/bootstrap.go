/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package builder

import (
	"encoding/binary"
	"io"
	"path/filepath"

	godigest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/nydusaccelerator/nydus-builder/pkg/rafs"
)

type inodeKey struct {
	layerIdx uint16
	ino      uint64
	dev      uint64
}

// BootstrapContext holds the in-memory state of one bootstrap while it
// is built: the node list in inode order, the hardlink map, the write
// offset, and the allocator of not-fully-used blocks.
type BootstrapContext struct {
	// Layered is true when the build stacks on a parent bootstrap.
	Layered bool
	// InodeMap lists, per (layer, inode, device), the positions of
	// nodes that are hardlinks of one underlying inode.
	InodeMap map[inodeKey][]uint64
	// Nodes in ascending inode order, node i has inode index i+1.
	Nodes []*Node
	// Offset is the next write position, always past the superblock
	// block and re-aligned via AlignOffset.
	Offset uint64
	Writer BootstrapWriter

	// v6AvailableBlocks[i] queues offsets of blocks with exactly
	// i slots free at their tail.
	v6AvailableBlocks [][]uint64
}

func NewBootstrapContext(storage *ArtifactStorage, layered, fifo bool) (*BootstrapContext, error) {
	var writer BootstrapWriter
	if storage != nil {
		artifactWriter, err := NewArtifactWriter(*storage, fifo)
		if err != nil {
			return nil, err
		}
		writer = NewArtifactFileWriter(artifactWriter)
	} else {
		writer = NewArtifactMemoryWriter()
	}

	return &BootstrapContext{
		Layered:           layered,
		InodeMap:          map[inodeKey][]uint64{},
		Offset:            rafs.EROFSBlockSize,
		Writer:            writer,
		v6AvailableBlocks: make([][]uint64, rafs.EROFSBlockSize/rafs.EROFSInodeSlotSize),
	}, nil
}

// AlignOffset rounds the write offset up to the next multiple of
// alignSize.
func (c *BootstrapContext) AlignOffset(alignSize uint64) {
	if c.Offset%alignSize > 0 {
		c.Offset = divRoundUp(c.Offset, alignSize) * alignSize
	}
}

// AllocateAvailableBlock looks for a partially used block with at
// least size bytes free at its tail and returns the write position
// inside it, re-queueing the shrunk remainder. Zero means no block
// fits and a fresh one must be used.
//
// Only metadata records smaller than a block are placed this way.
func (c *BootstrapContext) AllocateAvailableBlock(size uint64) uint64 {
	if size >= rafs.EROFSBlockSize {
		return 0
	}

	minIdx := divRoundUp(size, rafs.EROFSInodeSlotSize)
	maxIdx := divRoundUp(rafs.EROFSBlockSize, rafs.EROFSInodeSlotSize)

	for idx := minIdx; idx < maxIdx; idx++ {
		queue := c.v6AvailableBlocks[idx]
		if len(queue) == 0 {
			continue
		}
		offset := queue[0]
		c.v6AvailableBlocks[idx] = queue[1:]
		offset += rafs.EROFSBlockSize - idx*rafs.EROFSInodeSlotSize
		c.AppendAvailableBlock(offset + minIdx*rafs.EROFSInodeSlotSize)
		return offset
	}

	return 0
}

// AppendAvailableBlock queues the block `offset` belongs to under its
// free tail size.
func (c *BootstrapContext) AppendAvailableBlock(offset uint64) {
	if offset%rafs.EROFSBlockSize != 0 {
		avail := rafs.EROFSBlockSize - offset%rafs.EROFSBlockSize
		idx := avail / rafs.EROFSInodeSlotSize
		c.v6AvailableBlocks[idx] = append(c.v6AvailableBlocks[idx], roundDown4K(offset))
	}
}

// BootstrapManager holds the parent bootstrap path and creates the
// per-layer bootstrap contexts.
type BootstrapManager struct {
	FParentPath      string
	BootstrapStorage *ArtifactStorage
}

func NewBootstrapManager(storage *ArtifactStorage, parentPath string) *BootstrapManager {
	return &BootstrapManager{
		FParentPath:      parentPath,
		BootstrapStorage: storage,
	}
}

func (m *BootstrapManager) CreateContext(fifo bool) (*BootstrapContext, error) {
	return NewBootstrapContext(m.BootstrapStorage, m.FParentPath != "", fifo)
}

// Bootstrap drives the serialization of a finalized tree into a
// bootstrap sink.
type Bootstrap struct{}

func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Build flattens the tree into the context's node list in directory
// walk order and coalesces hardlinks.
func (b *Bootstrap) Build(ctx *BuildContext, bctx *BootstrapContext, tree *Tree) error {
	bctx.Nodes = bctx.Nodes[:0]

	var walk func(t *Tree) error
	walk = func(t *Tree) error {
		node := t.Node
		pos := uint64(len(bctx.Nodes))
		bctx.Nodes = append(bctx.Nodes, node)

		if !node.IsDir() && node.Ino != 0 {
			key := inodeKey{layerIdx: node.LayerIdx, ino: node.Ino, dev: node.Dev}
			links := bctx.InodeMap[key]
			if len(links) > 0 {
				// Hardlink of an earlier node, share its chunks.
				node.Chunks = bctx.Nodes[links[0]].Chunks
			}
			bctx.InodeMap[key] = append(links, pos)
		}

		for _, child := range t.Children {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}

	return walk(tree)
}

// Dump serializes the built node list and the blob table through the
// bootstrap writer and finalizes the sink. It returns the digest of
// the bootstrap content, which also names the output of directory
// sinks.
func (b *Bootstrap) Dump(ctx *BuildContext, storage *ArtifactStorage, bctx *BootstrapContext,
	table *rafs.BlobTable) (string, error) {
	writer := bctx.Writer

	// Inode records, sharing block tails where they fit.
	offsets := make([]uint64, len(bctx.Nodes))
	for idx, node := range bctx.Nodes {
		record, err := node.Inode.Marshal()
		if err != nil {
			return "", errors.Wrapf(err, "encode inode %s", node.Path)
		}
		size := uint64(len(record))

		pos := bctx.AllocateAvailableBlock(size)
		if pos == 0 {
			bctx.AlignOffset(rafs.EROFSInodeSlotSize)
			pos = bctx.Offset
			bctx.Offset += size
			bctx.AppendAvailableBlock(bctx.Offset)
		}
		if _, err := writer.Seek(int64(pos), io.SeekStart); err != nil {
			return "", errors.Wrap(err, "seek to inode record")
		}
		if _, err := writer.Write(record); err != nil {
			return "", errors.Wrap(err, "write inode record")
		}
		offsets[idx] = pos
	}

	// Blob table on a block boundary after the inode area.
	bctx.AlignOffset(rafs.EROFSBlockSize)
	tableOffset := bctx.Offset
	tableData, err := table.Marshal()
	if err != nil {
		return "", errors.Wrap(err, "encode blob table")
	}
	if _, err := writer.Seek(int64(tableOffset), io.SeekStart); err != nil {
		return "", errors.Wrap(err, "seek to blob table")
	}
	if _, err := writer.Write(tableData); err != nil {
		return "", errors.Wrap(err, "write blob table")
	}
	bctx.Offset += uint64(len(tableData))

	// Inode index.
	bctx.AlignOffset(8)
	indexOffset := bctx.Offset
	indexData := make([]byte, 8*len(offsets))
	for idx, offset := range offsets {
		binary.LittleEndian.PutUint64(indexData[idx*8:], offset)
	}
	if _, err := writer.Seek(int64(indexOffset), io.SeekStart); err != nil {
		return "", errors.Wrap(err, "seek to inode index")
	}
	if _, err := writer.Write(indexData); err != nil {
		return "", errors.Wrap(err, "write inode index")
	}
	bctx.Offset += uint64(len(indexData))

	// Superblock last, it locates everything else.
	flags := rafs.FlagsFromCompressor(ctx.Compressor) | rafs.FlagsFromDigester(ctx.Digester)
	if ctx.ExplicitUIDGID {
		flags |= rafs.FlagExplicitUIDGID
	}
	if ctx.HasXattr {
		flags |= rafs.FlagHasXattr
	}
	header := rafs.SuperHeader{
		Magic:           rafs.SuperMagic,
		VersionMarker:   ctx.FsVersion.Marker(),
		Flags:           uint64(flags),
		ChunkSize:       ctx.ChunkSize,
		BlobCount:       uint32(len(table.Blobs)),
		InodeCount:      uint32(len(bctx.Nodes)),
		BlobTableOffset: tableOffset,
		BlobTableSize:   uint32(len(tableData)),
		IndexOffset:     indexOffset,
		IndexSize:       uint32(len(indexData)),
	}
	headerData, err := header.Marshal()
	if err != nil {
		return "", err
	}
	if _, err := writer.Seek(0, io.SeekStart); err != nil {
		return "", errors.Wrap(err, "seek to superblock")
	}
	if _, err := writer.Write(headerData); err != nil {
		return "", errors.Wrap(err, "write superblock")
	}

	content, err := writer.Bytes()
	if err != nil {
		return "", errors.Wrap(err, "snapshot bootstrap")
	}
	bootstrapDigest := godigest.FromBytes(content).Hex()

	name := bootstrapDigest
	if storage != nil && !storage.IsDir {
		name = filepath.Base(storage.Path)
	}
	if err := writer.Finalize(name); err != nil {
		return "", errors.Wrap(err, "finalize bootstrap")
	}

	return bootstrapDigest, nil
}
