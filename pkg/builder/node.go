/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package builder

import (
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
	"github.com/nydusaccelerator/nydus-builder/pkg/rafs"
)

// Overlay tags how a node relates to the layer below it.
type Overlay int

const (
	OverlayLower Overlay = iota
	OverlayUpperAddition
	OverlayUpperModification
	OverlayUpperRemoval
)

// WhiteoutSpec selects the whiteout convention of the source layers.
type WhiteoutSpec int

const (
	// WhiteoutSpecOci uses `.wh.` prefixed entries per the OCI image spec.
	WhiteoutSpecOci WhiteoutSpec = iota
	// WhiteoutSpecOverlayfs uses 0:0 character devices and the
	// trusted.overlay.opaque xattr.
	WhiteoutSpecOverlayfs
	// WhiteoutSpecNone treats every entry as a plain file.
	WhiteoutSpecNone
)

func ParseWhiteoutSpec(s string) (WhiteoutSpec, error) {
	switch s {
	case "oci":
		return WhiteoutSpecOci, nil
	case "overlayfs":
		return WhiteoutSpecOverlayfs, nil
	case "none":
		return WhiteoutSpecNone, nil
	}
	return WhiteoutSpecOci, errors.Wrapf(errdefs.ErrInvalidConfig, "invalid whiteout spec %s", s)
}

func (s WhiteoutSpec) String() string {
	switch s {
	case WhiteoutSpecOverlayfs:
		return "overlayfs"
	case WhiteoutSpecNone:
		return "none"
	}
	return "oci"
}

// WhiteoutType classifies a node as an overlay marker.
type WhiteoutType int

const (
	WhiteoutTypeNone WhiteoutType = iota
	// WhiteoutTypeRemoval deletes the shadowed path of a lower layer.
	WhiteoutTypeRemoval
	// WhiteoutTypeOpaque hides every lower entry of a directory.
	WhiteoutTypeOpaque
)

const (
	// OCI image spec whiteout markers.
	WhiteoutPrefix       = ".wh."
	WhiteoutOpaqueEntry  = ".wh..wh..opq"
	overlayfsOpaqueXattr = "trusted.overlay.opaque"
)

// Node is the tree form of one inode during build and merge.
type Node struct {
	rafs.Inode

	// LayerIdx distinguishes identical inode numbers between layers.
	LayerIdx uint16
	Overlay  Overlay
}

func NewNode(inode rafs.Inode) *Node {
	return &Node{Inode: inode, Overlay: OverlayUpperAddition}
}

func (n *Node) Name() string {
	return path.Base(n.Path)
}

// WhiteoutType classifies the node under the given whiteout spec.
func (n *Node) WhiteoutType(spec WhiteoutSpec) WhiteoutType {
	if n.Overlay == OverlayLower {
		return WhiteoutTypeNone
	}

	switch spec {
	case WhiteoutSpecOci:
		name := n.Name()
		if name == WhiteoutOpaqueEntry {
			return WhiteoutTypeOpaque
		}
		if strings.HasPrefix(name, WhiteoutPrefix) {
			return WhiteoutTypeRemoval
		}
	case WhiteoutSpecOverlayfs:
		if n.Mode&rafs.SIfmt == rafs.SIfchr && n.Rdev == 0 {
			return WhiteoutTypeRemoval
		}
		if n.IsDir() {
			if v, ok := n.Xattrs[overlayfsOpaqueXattr]; ok && string(v) == "y" {
				return WhiteoutTypeOpaque
			}
		}
	}

	return WhiteoutTypeNone
}

// OriginPath returns the path a removal whiteout shadows.
func (n *Node) OriginPath() string {
	name := n.Name()
	if strings.HasPrefix(name, WhiteoutPrefix) {
		name = name[len(WhiteoutPrefix):]
	}
	return path.Join(path.Dir(n.Path), name)
}
