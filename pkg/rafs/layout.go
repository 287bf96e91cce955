/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package rafs

import (
	"github.com/pkg/errors"

	"github.com/nydusaccelerator/nydus-builder/pkg/compression"
	"github.com/nydusaccelerator/nydus-builder/pkg/digest"
)

const (
	// EROFSBlockSize is the metadata layout unit of a bootstrap.
	EROFSBlockSize = 4096
	// EROFSInodeSlotSize is the alignment of inode records inside a block.
	EROFSInodeSlotSize = 32

	// MaxChunkCount bounds the number of chunks per blob, the on-disk
	// chunk index is 24 bit.
	MaxChunkCount = 0xff_ffff
	// MaxBlobCount bounds the number of blobs per image, the on-disk
	// blob index is 8 bit.
	MaxBlobCount = 256

	// DefaultChunkSize is the chunk slice size used when a build does
	// not specify one.
	DefaultChunkSize = 0x100000

	// SuperMagic marks the first block of a bootstrap.
	SuperMagic = 0x52414653
	// SuperVersionV5 and SuperVersionV6 are the supported metadata dialects.
	SuperVersionV5 = 0x500
	SuperVersionV6 = 0x600
)

// Version is the RAFS metadata version of a bootstrap and its blobs.
type Version int

const (
	V5 Version = 5
	V6 Version = 6
)

func ParseVersion(s string) (Version, error) {
	switch s {
	case "5":
		return V5, nil
	case "6":
		return V6, nil
	}
	return V6, errors.Errorf("unsupported RAFS version %s", s)
}

func (v Version) String() string {
	switch v {
	case V5:
		return "5"
	case V6:
		return "6"
	}
	return "unknown"
}

func (v Version) Marker() uint32 {
	if v == V5 {
		return SuperVersionV5
	}
	return SuperVersionV6
}

func VersionFromMarker(marker uint32) (Version, error) {
	switch marker {
	case SuperVersionV5:
		return V5, nil
	case SuperVersionV6:
		return V6, nil
	}
	return V6, errors.Errorf("unknown RAFS version marker 0x%x", marker)
}

// BlobFeature describes the on-disk capabilities of a single blob.
type BlobFeature uint32

const (
	// BlobFeatureAligned means chunks are 4k aligned inside the blob.
	BlobFeatureAligned BlobFeature = 1 << iota
	// BlobFeatureInlinedMeta means the chunk metadata lives at the blob
	// tail instead of a side-car.
	BlobFeatureInlinedMeta
	// BlobFeatureChunkInfoV2 selects the V2 chunk metadata dialect.
	BlobFeatureChunkInfoV2
	// BlobFeatureZRan means chunks reference an external tar.gz blob.
	BlobFeatureZRan
	// BlobFeatureSeparate means blob meta is stored in a separate blob.
	BlobFeatureSeparate
	// BlobFeatureInlinedChunkDigest means chunk digests are stored in the blob.
	BlobFeatureInlinedChunkDigest
	// BlobFeatureHasTOC means the blob ends with a table of contents.
	BlobFeatureHasTOC
)

func (f BlobFeature) Has(feature BlobFeature) bool {
	return f&feature == feature
}

// SuperFlags is the feature bitmask recorded in the superblock and the
// v5 blob table entries.
type SuperFlags uint64

const (
	FlagCompressNone SuperFlags = 1 << iota
	FlagCompressGzip
	FlagCompressZstd
	FlagDigestSHA256
	FlagExplicitUIDGID
	FlagHasXattr
)

func (f SuperFlags) Has(flag SuperFlags) bool {
	return f&flag == flag
}

func FlagsFromCompressor(c compression.Algorithm) SuperFlags {
	switch c {
	case compression.GZip:
		return FlagCompressGzip
	case compression.Zstd:
		return FlagCompressZstd
	}
	return FlagCompressNone
}

func (f SuperFlags) Compressor() compression.Algorithm {
	switch {
	case f.Has(FlagCompressGzip):
		return compression.GZip
	case f.Has(FlagCompressZstd):
		return compression.Zstd
	}
	return compression.None
}

func FlagsFromDigester(d digest.Algorithm) SuperFlags {
	return FlagDigestSHA256
}

func (f SuperFlags) Digester() digest.Algorithm {
	return digest.SHA256
}

// MetaHeader is the on-disk metadata header block preceding the chunk
// metadata array of a blob.
type MetaHeader struct {
	Flags              uint32
	CICompressor       uint32
	CIEntries          uint32
	CICompressedOffset uint64
	CICompressedSize   uint64
	CIUncompressedSize uint64
}

const (
	metaHeader4KAligned = 1 << iota
	metaHeaderInlinedMeta
	metaHeaderChunkInfoV2
	metaHeaderCIZran
	metaHeaderInlinedChunkDigest
)

func (h *MetaHeader) set(flag uint32, enable bool) {
	if enable {
		h.Flags |= flag
	} else {
		h.Flags &^= flag
	}
}

func (h *MetaHeader) Set4KAligned(enable bool)          { h.set(metaHeader4KAligned, enable) }
func (h *MetaHeader) SetInlinedMeta(enable bool)        { h.set(metaHeaderInlinedMeta, enable) }
func (h *MetaHeader) SetChunkInfoV2(enable bool)        { h.set(metaHeaderChunkInfoV2, enable) }
func (h *MetaHeader) SetCIZran(enable bool)             { h.set(metaHeaderCIZran, enable) }
func (h *MetaHeader) SetInlinedChunkDigest(enable bool) { h.set(metaHeaderInlinedChunkDigest, enable) }

func (h *MetaHeader) Is4KAligned() bool   { return h.Flags&metaHeader4KAligned != 0 }
func (h *MetaHeader) IsChunkInfoV2() bool { return h.Flags&metaHeaderChunkInfoV2 != 0 }
