/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package rafs

// ChunkInfo describes one data chunk of a file: where its compressed
// form lives inside a blob and where it lands when decompressed.
type ChunkInfo struct {
	// BlobIndex points into the blob table of the bootstrap.
	BlobIndex uint32
	// Index is the 24 bit blob-local chunk index.
	Index uint32

	CompressedOffset   uint64
	CompressedSize     uint32
	UncompressedOffset uint64
	UncompressedSize   uint32

	Compressed bool
	Digest     [32]byte
}

// ChunkMetaV1 is the V1 on-disk chunk metadata record: offsets and
// sizes only.
type ChunkMetaV1 struct {
	CompressedOffset   uint64
	CompressedSize     uint32
	UncompressedOffset uint64
	UncompressedSize   uint32
}

// ChunkMetaV2 is the V2 on-disk chunk metadata record, carrying an
// explicit uncompressed offset and a compressed flag.
type ChunkMetaV2 struct {
	CompressedOffset   uint64
	CompressedSize     uint32
	UncompressedOffset uint64
	UncompressedSize   uint32
	Compressed         bool
	Data               uint64
}
