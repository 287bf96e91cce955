/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package builder

import (
	"github.com/pkg/errors"

	"github.com/nydusaccelerator/nydus-builder/pkg/digest"
	"github.com/nydusaccelerator/nydus-builder/pkg/rafs"
)

// ChunkDict is a lookup of already-known chunks keyed by digest, used
// to deduplicate chunk data across layers and images.
type ChunkDict interface {
	AddChunk(chunk *rafs.ChunkInfo)
	GetChunk(digest [32]byte, uncompressedSize uint32) *rafs.ChunkInfo
	AddBlob(blob *rafs.BlobInfo)
	GetBlobs() []*rafs.BlobInfo
	// SetRealBlobIdx records the blob index a dictionary-internal
	// index was mapped to in the final blob table.
	SetRealBlobIdx(innerIdx, realIdx uint32)
	GetRealBlobIdx(innerIdx uint32) (uint32, bool)
}

// HashChunkDict is the digest-keyed ChunkDict.
type HashChunkDict struct {
	digester digest.Algorithm
	chunks   map[[32]byte]*rafs.ChunkInfo
	blobs    []*rafs.BlobInfo
	realIdx  map[uint32]uint32
}

func NewHashChunkDict(digester digest.Algorithm) *HashChunkDict {
	return &HashChunkDict{
		digester: digester,
		chunks:   map[[32]byte]*rafs.ChunkInfo{},
		realIdx:  map[uint32]uint32{},
	}
}

func (d *HashChunkDict) AddChunk(chunk *rafs.ChunkInfo) {
	if _, ok := d.chunks[chunk.Digest]; !ok {
		d.chunks[chunk.Digest] = chunk
	}
}

func (d *HashChunkDict) GetChunk(digest [32]byte, uncompressedSize uint32) *rafs.ChunkInfo {
	if chunk, ok := d.chunks[digest]; ok && chunk.UncompressedSize == uncompressedSize {
		return chunk
	}
	return nil
}

func (d *HashChunkDict) AddBlob(blob *rafs.BlobInfo) {
	d.blobs = append(d.blobs, blob)
}

func (d *HashChunkDict) GetBlobs() []*rafs.BlobInfo {
	return d.blobs
}

func (d *HashChunkDict) SetRealBlobIdx(innerIdx, realIdx uint32) {
	d.realIdx[innerIdx] = realIdx
}

func (d *HashChunkDict) GetRealBlobIdx(innerIdx uint32) (uint32, bool) {
	realIdx, ok := d.realIdx[innerIdx]
	return realIdx, ok
}

// ChunkDictFromBootstrap loads a prebuilt bootstrap as a chunk
// dictionary: its blobs are imported, its chunks become lookup hits.
func ChunkDictFromBootstrap(path string) (*HashChunkDict, *rafs.Super, error) {
	super, err := rafs.LoadSuper(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "load chunk dict bootstrap %s", path)
	}

	dict := NewHashChunkDict(super.Meta.GetDigester())
	for _, blob := range super.Blobs {
		dict.AddBlob(blob)
	}
	err = super.WalkInodes(func(inode *rafs.Inode) error {
		for idx := range inode.Chunks {
			dict.AddChunk(&inode.Chunks[idx])
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return dict, super, nil
}
