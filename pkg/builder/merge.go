/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package builder

import (
	"encoding/hex"
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
	"github.com/nydusaccelerator/nydus-builder/pkg/rafs"
)

var logger = logrus.WithField("module", "builder")

// MergeOption collects the inputs of one merge: the ordered per-layer
// bootstraps (lower layer first), optional per-layer overrides, the
// target sink, and an optional chunk dict bootstrap.
type MergeOption struct {
	// Sources are the per-layer bootstrap paths, lower layer first.
	Sources []string

	// Per-layer overrides. Each array, when set, must have one entry
	// per source.
	BlobDigests    []string
	BlobSizes      []uint64
	BlobTocDigests []string
	BlobTocSizes   []uint64

	Target ArtifactStorage

	// ChunkDictPath holds the bootstrap path of the chunk dict image
	// the per-layer builds deduplicated against, or empty.
	ChunkDictPath string
}

// Merger generates the merged bootstrap of an image from per-layer
// bootstraps.
//
// A container image contains one or more layers and a bootstrap is
// built for each layer independently. Those per-layer bootstraps could
// be mounted with overlayfs to form the container rootfs. To avoid
// overlayfs at runtime, an image level bootstrap is generated by
// replaying the overlay rules, upper additions and whiteouts, in layer
// order.
type Merger struct{}

func NewMerger() *Merger {
	return &Merger{}
}

func digestFromList(digests []string, idx int) (*[32]byte, error) {
	if digests == nil {
		return nil, nil
	}
	if idx >= len(digests) {
		return nil, errors.Wrapf(errdefs.ErrInvalidConfig, "unmatched digest index %d", idx)
	}
	raw, err := hex.DecodeString(digests[idx])
	if err != nil || len(raw) != 32 {
		return nil, errors.Wrapf(errdefs.ErrInvalidConfig, "invalid digest %s", digests[idx])
	}
	var value [32]byte
	copy(value[:], raw)
	return &value, nil
}

func sizeFromList(sizes []uint64, idx int) (*uint64, error) {
	if sizes == nil {
		return nil, nil
	}
	if idx >= len(sizes) {
		return nil, errors.Wrapf(errdefs.ErrInvalidConfig, "unmatched size index %d", idx)
	}
	return &sizes[idx], nil
}

// Merge produces the image bootstrap from the per-layer bootstraps.
func (m *Merger) Merge(ctx *BuildContext, option MergeOption) (*BuildOutput, error) {
	if len(option.Sources) == 0 {
		return nil, errors.Wrap(errdefs.ErrInvalidConfig,
			"source bootstrap list is empty, at least one bootstrap is required")
	}
	for name, length := range map[string]int{
		"blob digest": len(option.BlobDigests),
		"blob size":   len(option.BlobSizes),
		"toc digest":  len(option.BlobTocDigests),
		"toc size":    len(option.BlobTocSizes),
	} {
		if length != 0 && length != len(option.Sources) {
			return nil, errors.Wrapf(errdefs.ErrInvalidConfig,
				"number of %s entries %d doesn't match number of sources %d",
				name, length, len(option.Sources))
		}
	}

	// Collect the blobs coming from the chunk dict bootstrap.
	chunkDictBlobs := map[string]struct{}{}
	var dictSuper *rafs.Super
	blobMgr := NewBlobManager(ctx.Digester)
	if option.ChunkDictPath != "" {
		dict, super, err := ChunkDictFromBootstrap(option.ChunkDictPath)
		if err != nil {
			return nil, err
		}
		dictSuper = super
		blobMgr.SetChunkDict(dict)
		for _, blob := range super.GetBlobInfos() {
			chunkDictBlobs[blob.BlobID] = struct{}{}
		}
	}

	fsVersion := rafs.V6
	var chunkSize uint32
	var tree *Tree

	for layerIdx, bootstrapPath := range option.Sources {
		super, err := rafs.LoadSuper(bootstrapPath)
		if err != nil {
			return nil, errors.Wrapf(err, "load bootstrap %s", bootstrapPath)
		}
		if dictSuper == nil {
			dictSuper = super
		} else if err := dictSuper.CheckCompatibility(super); err != nil {
			return nil, err
		}
		fsVersion = super.Meta.Version
		ctx.Compressor = super.Meta.GetCompressor()
		ctx.Digester = super.Meta.GetDigester()
		ctx.ExplicitUIDGID = super.Meta.ExplicitUIDGID()

		blobIdxMap := make([]uint32, 0, len(super.Blobs))
		parentBlobAdded := false
		for _, blob := range super.GetBlobInfos() {
			blobCtx, err := BlobContextFromInfo(ctx, blob, ChunkSourceParent)
			if err != nil {
				return nil, err
			}
			if chunkSize == 0 {
				chunkSize = blobCtx.ChunkSize
			} else if chunkSize != blobCtx.ChunkSize {
				return nil, errors.Wrapf(errdefs.ErrInconsistent,
					"can not merge bootstraps with inconsistent chunk size, bootstrap %s has chunk size 0x%x, expected 0x%x",
					bootstrapPath, blobCtx.ChunkSize, chunkSize)
			}

			if _, ok := chunkDictBlobs[blob.BlobID]; !ok {
				// Per-layer builds and this merge share one chunk dict
				// bootstrap, so a layer references at most one blob of
				// its own, everything else comes from the dict.
				if parentBlobAdded {
					return nil, errors.Wrap(errdefs.ErrInconsistent,
						"invalid per layer bootstrap, having multiple associated data blobs")
				}
				parentBlobAdded = true

				if ctx.BlobAccessible {
					// The recorded id already resolves on the backend.
					blobCtx.BlobID = blob.BlobID
				} else {
					// The blob id in a per-layer bootstrap is not
					// addressable at runtime, replace it with the hash
					// of the whole tar blob the layer was built from.
					id, err := rafs.BlobIDFromMetaPath(bootstrapPath)
					if err != nil {
						return nil, err
					}
					blobCtx.BlobID = id
				}

				if overrideDigest, err := digestFromList(option.BlobDigests, layerIdx); err != nil {
					return nil, err
				} else if overrideDigest != nil {
					if blob.HasFeature(rafs.BlobFeatureSeparate) {
						blobCtx.BlobMetaDigest = *overrideDigest
					} else {
						blobCtx.BlobID = hex.EncodeToString(overrideDigest[:])
					}
				}
				if overrideSize, err := sizeFromList(option.BlobSizes, layerIdx); err != nil {
					return nil, err
				} else if overrideSize != nil {
					if blob.HasFeature(rafs.BlobFeatureSeparate) {
						blobCtx.BlobMetaSize = *overrideSize
					} else {
						blobCtx.CompressedBlobSize = *overrideSize
					}
				}
				if overrideDigest, err := digestFromList(option.BlobTocDigests, layerIdx); err != nil {
					return nil, err
				} else if overrideDigest != nil {
					blobCtx.TocDigest = *overrideDigest
				}
				if overrideSize, err := sizeFromList(option.BlobTocSizes, layerIdx); err != nil {
					return nil, err
				} else if overrideSize != nil {
					blobCtx.TocSize = uint32(*overrideSize)
				}
			}

			if idx, found := blobMgr.GetBlobIdxByID(blobCtx.BlobID); found {
				blobIdxMap = append(blobIdxMap, idx)
			} else {
				idx, err := blobMgr.AllocIndex()
				if err != nil {
					return nil, err
				}
				blobMgr.Add(blobCtx)
				blobIdxMap = append(blobIdxMap, idx)
			}
		}

		if tree == nil {
			// The lowest layer seeds the tree directly.
			dict := NewHashChunkDict(super.Meta.GetDigester())
			if tree, err = TreeFromBootstrap(super, dict); err != nil {
				return nil, err
			}
			if err := remapTree(tree, blobIdxMap); err != nil {
				return nil, err
			}
			continue
		}

		if layerIdx > math.MaxUint16 {
			return nil, errors.Wrapf(errdefs.ErrOverflow,
				"too many layers %d, limited to %d", layerIdx, math.MaxUint16)
		}

		var nodes []*Node
		err = super.WalkInodes(func(inode *rafs.Inode) error {
			if inode.Path == "/" {
				return nil
			}
			node := NewNode(*inode)
			for idx := range node.Chunks {
				originIdx := node.Chunks[idx].BlobIndex
				if int(originIdx) >= len(blobIdxMap) {
					return errors.Wrapf(errdefs.ErrCorruptMetadata,
						"chunk references blob index %d out of range", originIdx)
				}
				// Remap to the real index in the final blob table.
				node.Chunks[idx].BlobIndex = blobIdxMap[originIdx]
			}
			// The layer index distinguishes identical inode numbers
			// between layers.
			node.LayerIdx = uint16(layerIdx)
			node.Overlay = OverlayUpperAddition
			if node.WhiteoutType(WhiteoutSpecOci) != WhiteoutTypeNone {
				// Whiteouts go first so they are handled before the
				// additions of the same layer.
				nodes = append([]*Node{node}, nodes...)
			} else {
				nodes = append(nodes, node)
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "walk bootstrap %s", bootstrapPath)
		}

		for _, node := range nodes {
			if _, err := tree.Apply(node, true, WhiteoutSpecOci); err != nil {
				return nil, errors.Wrapf(err, "apply node from bootstrap %s", bootstrapPath)
			}
		}
	}

	ctx.FsVersion = fsVersion
	if chunkSize != 0 {
		ctx.ChunkSize = chunkSize
	}

	bootstrapCtx, err := NewBootstrapContext(&option.Target, false, false)
	if err != nil {
		return nil, err
	}
	defer bootstrapCtx.Writer.Close()

	bootstrap := NewBootstrap()
	if err := bootstrap.Build(ctx, bootstrapCtx, tree); err != nil {
		return nil, err
	}
	blobTable, err := blobMgr.ToBlobTable(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := bootstrap.Dump(ctx, &option.Target, bootstrapCtx, blobTable); err != nil {
		return nil, errors.Wrapf(err, "dump bootstrap to %s", option.Target.Display())
	}
	logger.Infof("merged %d bootstraps into %s", len(option.Sources), option.Target.Display())

	return NewBuildOutput(blobMgr, &option.Target), nil
}

// remapTree rewrites chunk blob indices of every node in the tree.
func remapTree(tree *Tree, blobIdxMap []uint32) error {
	for idx := range tree.Node.Chunks {
		originIdx := tree.Node.Chunks[idx].BlobIndex
		if int(originIdx) >= len(blobIdxMap) {
			return errors.Wrapf(errdefs.ErrCorruptMetadata,
				"chunk references blob index %d out of range", originIdx)
		}
		tree.Node.Chunks[idx].BlobIndex = blobIdxMap[originIdx]
	}
	for _, child := range tree.Children {
		if err := remapTree(child, blobIdxMap); err != nil {
			return err
		}
	}
	return nil
}
