/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package builder

import (
	"fmt"
	"strings"
)

// BuildOutput summarizes one build: the blob table ids, the size of
// the blob produced by this build, and the bootstrap location.
type BuildOutput struct {
	// Blobs are the blob ids in the blob table of the bootstrap.
	Blobs []string
	// BlobSize is the compressed size of the output blob of this
	// build, nil when the build produced no blob.
	BlobSize *uint64
	// BootstrapPath is the metadata blob location for single-file
	// sinks, empty for directory sinks where the name is the content
	// digest.
	BootstrapPath string
}

func NewBuildOutput(blobMgr *BlobManager, bootstrapStorage *ArtifactStorage) *BuildOutput {
	output := &BuildOutput{
		Blobs: blobMgr.GetBlobIDs(),
	}
	if last := blobMgr.GetLastBlob(); last != nil {
		size := last.CompressedBlobSize
		output.BlobSize = &size
	}
	if bootstrapStorage != nil && !bootstrapStorage.IsDir {
		output.BootstrapPath = bootstrapStorage.Path
	}
	return output
}

func (o *BuildOutput) String() string {
	bootstrapPath := o.BootstrapPath
	if bootstrapPath == "" {
		bootstrapPath = "<none>"
	}
	var blobSize uint64
	if o.BlobSize != nil {
		blobSize = *o.BlobSize
	}
	return fmt.Sprintf("meta blob path: %s\ndata blob size: 0x%x\ndata blobs: [%s]",
		bootstrapPath, blobSize, strings.Join(o.Blobs, ", "))
}
