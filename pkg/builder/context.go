/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package builder

import (
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/nydusaccelerator/nydus-builder/pkg/backend"
	"github.com/nydusaccelerator/nydus-builder/pkg/compression"
	"github.com/nydusaccelerator/nydus-builder/pkg/digest"
	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
	"github.com/nydusaccelerator/nydus-builder/pkg/rafs"
)

// ConversionType names the source format and the output flavour of a
// build.
type ConversionType int

const (
	DirectoryToRafs ConversionType = iota
	DirectoryToStargz
	DirectoryToTargz
	EStargzToRafs
	EStargzToRef
	EStargzIndexToRef
	TargzToRafs
	TargzToStargz
	TargzToRef
	TarToRafs
	TarToStargz
	TarToRef
)

func ParseConversionType(s string) (ConversionType, error) {
	switch s {
	case "dir-rafs":
		return DirectoryToRafs, nil
	case "dir-stargz":
		return DirectoryToStargz, nil
	case "dir-targz":
		return DirectoryToTargz, nil
	case "estargz-rafs":
		return EStargzToRafs, nil
	case "estargz-ref":
		return EStargzToRef, nil
	case "estargztoc-ref":
		return EStargzIndexToRef, nil
	case "targz-rafs":
		return TargzToRafs, nil
	case "targz-stargz":
		return TargzToStargz, nil
	case "targz-ref":
		return TargzToRef, nil
	case "tar-rafs":
		return TarToRafs, nil
	case "tar-stargz":
		return TarToStargz, nil
	case "tar-ref":
		return TarToRef, nil
	// kept for backward compatibility
	case "directory":
		return DirectoryToRafs, nil
	case "stargz_index":
		return EStargzIndexToRef, nil
	}
	return DirectoryToRafs, errors.Wrapf(errdefs.ErrInvalidConfig, "invalid conversion type %s", s)
}

func (t ConversionType) String() string {
	switch t {
	case DirectoryToRafs:
		return "dir-rafs"
	case DirectoryToStargz:
		return "dir-stargz"
	case DirectoryToTargz:
		return "dir-targz"
	case EStargzToRafs:
		return "estargz-rafs"
	case EStargzToRef:
		return "estargz-ref"
	case EStargzIndexToRef:
		return "estargztoc-ref"
	case TargzToRafs:
		return "targz-rafs"
	case TargzToStargz:
		return "targz-stargz"
	case TargzToRef:
		return "targz-ref"
	case TarToRafs:
		return "tar-rafs"
	case TarToStargz:
		return "tar-stargz"
	case TarToRef:
		return "tar-ref"
	}
	return "unknown"
}

// IsToRef is true for the output flavours whose payload stays in an
// external tar blob referenced through a ZRAN index.
func (t ConversionType) IsToRef() bool {
	switch t {
	case EStargzToRef, EStargzIndexToRef, TargzToRef, TarToRef:
		return true
	}
	return false
}

// Feature is an optional build capability requested on the command line.
type Feature string

const (
	// FeatureBlobToc appends a table of contents to each data blob.
	FeatureBlobToc Feature = "blob-toc"
)

type Features map[Feature]struct{}

func ParseFeatures(s string) (Features, error) {
	features := Features{}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		switch Feature(item) {
		case FeatureBlobToc:
			features[Feature(item)] = struct{}{}
		default:
			return nil, errors.Wrapf(errdefs.ErrInvalidConfig, "unsupported feature %s", item)
		}
	}
	return features, nil
}

func (f Features) Has(feature Feature) bool {
	_, ok := f[feature]
	return ok
}

// ChunkSource records where a blob's chunks come from.
type ChunkSource int

const (
	// ChunkSourceBuild chunks are produced by the current build.
	ChunkSourceBuild ChunkSource = iota
	// ChunkSourceDict chunks are imported from a chunk dictionary.
	ChunkSourceDict
	// ChunkSourceParent chunks are imported from a parent bootstrap.
	ChunkSourceParent
)

// ZranGenerator scans a tar stream and produces the ZRAN index for
// referenced blobs. It may be advanced from a secondary IO pipeline
// while the builder writes chunk metadata, hence the lock around it.
type ZranGenerator interface {
	// BeginRead marks the start of a compressed region of interest.
	BeginRead(offset uint64)
	// EndRead closes the region and returns its index record.
	EndRead() ([]byte, error)
}

// BuildContext is the passive top-level configuration of one build.
type BuildContext struct {
	// BlobID seeds the current blob identity, user specified or
	// replaced by the content hash at finalize.
	BlobID string

	// AlignedChunk aligns uncompressed chunks to 4k so blobcache
	// files can be filled as per the decompress offsets.
	AlignedChunk bool
	// BlobOffset shifts the compressed cursor of the first blob.
	BlobOffset uint64

	Compressor     compression.Algorithm
	Digester       digest.Algorithm
	ExplicitUIDGID bool
	WhiteoutSpec   WhiteoutSpec
	ChunkSize      uint32
	FsVersion      rafs.Version

	ConversionType ConversionType
	// SourcePath is a directory for dir sources, a tar or an estargz
	// index file otherwise.
	SourcePath string

	Prefetch Prefetch

	// BlobStorage is the sink of the data blob, nil when the build
	// emits no blob.
	BlobStorage *ArtifactStorage

	zranMu            sync.Mutex
	blobZranGenerator ZranGenerator

	// BlobTarReader supplies the outer tar stream for ref builds.
	BlobTarReader io.Reader

	BlobFeatures   rafs.BlobFeature
	BlobInlineMeta bool
	HasXattr       bool

	Features Features

	// BlobAccessible means blob ids recorded in source bootstraps are
	// directly resolvable on the backend and must be kept verbatim.
	BlobAccessible bool

	// BackendType and BackendConfig select the storage backend used
	// to fix up imported blobs with inlined meta.
	BackendType   string
	BackendConfig []byte
}

// DefaultBuildContext returns a context with the defaults of a plain
// directory conversion.
func DefaultBuildContext() *BuildContext {
	return &BuildContext{
		Compressor:     compression.Default,
		Digester:       digest.SHA256,
		ExplicitUIDGID: true,
		WhiteoutSpec:   WhiteoutSpecOci,
		ChunkSize:      rafs.DefaultChunkSize,
		FsVersion:      rafs.V6,
		ConversionType: DirectoryToRafs,
		HasXattr:       true,
		Features:       Features{},
	}
}

func (ctx *BuildContext) SetFsVersion(version rafs.Version) {
	ctx.FsVersion = version
}

func (ctx *BuildContext) SetChunkSize(chunkSize uint32) {
	ctx.ChunkSize = chunkSize
}

// SetZranGenerator installs the tar stream scanner for ref builds.
func (ctx *BuildContext) SetZranGenerator(generator ZranGenerator) {
	ctx.zranMu.Lock()
	defer ctx.zranMu.Unlock()
	ctx.blobZranGenerator = generator
}

func (ctx *BuildContext) ZranGenerator() ZranGenerator {
	ctx.zranMu.Lock()
	defer ctx.zranMu.Unlock()
	return ctx.blobZranGenerator
}

// Backend opens the storage backend configured for this build.
func (ctx *BuildContext) Backend() (backend.Backend, error) {
	if ctx.BackendType == "" {
		return nil, errors.Wrap(errdefs.ErrInvalidConfig, "no storage backend configured")
	}
	return backend.New(ctx.BackendType, ctx.BackendConfig)
}
