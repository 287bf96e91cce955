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

// Tree is the unified file tree a bootstrap is serialized from. Child
// order is directory walk order of the source.
type Tree struct {
	Node     *Node
	Children []*Tree
}

func NewTree(node *Node) *Tree {
	return &Tree{Node: node}
}

// TreeFromBootstrap rebuilds the tree of a loaded bootstrap. When a
// dictionary is given every chunk is recorded in it for later
// deduplication.
func TreeFromBootstrap(super *rafs.Super, dict *HashChunkDict) (*Tree, error) {
	root, err := super.RootInode()
	if err != nil {
		return nil, err
	}
	if root.Path != "/" {
		return nil, errors.Wrapf(errdefs.ErrCorruptMetadata, "unexpected root inode path %s", root.Path)
	}

	rootNode := &Node{Inode: *root, Overlay: OverlayLower}
	tree := NewTree(rootNode)
	dirs := map[string]*Tree{"/": tree}

	err = super.WalkInodes(func(inode *rafs.Inode) error {
		if inode.Path == "/" {
			return nil
		}
		parent, ok := dirs[path.Dir(inode.Path)]
		if !ok {
			return errors.Wrapf(errdefs.ErrCorruptMetadata, "orphan inode %s", inode.Path)
		}
		child := NewTree(&Node{Inode: *inode, Overlay: OverlayLower})
		parent.Children = append(parent.Children, child)
		if inode.IsDir() {
			dirs[inode.Path] = child
		}
		if dict != nil {
			for idx := range inode.Chunks {
				dict.AddChunk(&inode.Chunks[idx])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return tree, nil
}

func (t *Tree) getChild(name string) (int, *Tree) {
	for idx, child := range t.Children {
		if child.Node.Name() == name {
			return idx, child
		}
	}
	return -1, nil
}

// getDir walks to the tree node of a directory path, nil if absent.
func (t *Tree) getDir(dirPath string) *Tree {
	if dirPath == "/" || dirPath == "" {
		return t
	}
	current := t
	rest := dirPath[1:]
	for rest != "" {
		name := rest
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			name = rest[:idx]
			rest = rest[idx+1:]
		} else {
			rest = ""
		}
		_, child := current.getChild(name)
		if child == nil {
			return nil
		}
		current = child
	}
	return current
}

// removePath drops the entry at target path, reporting whether it
// existed.
func (t *Tree) removePath(target string) bool {
	parent := t.getDir(path.Dir(target))
	if parent == nil {
		return false
	}
	idx, child := parent.getChild(path.Base(target))
	if child == nil {
		return false
	}
	parent.Children = append(parent.Children[:idx], parent.Children[idx+1:]...)
	return true
}

// Apply overlays one node from an upper layer onto the tree.
//
// Whiteouts must be applied before the real additions of their layer
// so that shadowed lower paths are removed first.
func (t *Tree) Apply(target *Node, handleWhiteout bool, spec WhiteoutSpec) (bool, error) {
	if handleWhiteout {
		switch target.WhiteoutType(spec) {
		case WhiteoutTypeRemoval:
			return t.removePath(target.OriginPath()), nil
		case WhiteoutTypeOpaque:
			dir := t.getDir(path.Dir(target.Path))
			if dir == nil {
				return false, nil
			}
			dir.Children = nil
			return true, nil
		}
	}

	if target.Path == "/" {
		// A new root replaces attributes but keeps the tree.
		t.Node = target
		return true, nil
	}

	parent := t.getDir(path.Dir(target.Path))
	if parent == nil {
		return false, errors.Wrapf(errdefs.ErrCorruptMetadata,
			"apply node %s with no parent directory", target.Path)
	}
	if !parent.Node.IsDir() {
		return false, errors.Wrapf(errdefs.ErrCorruptMetadata,
			"apply node %s under non-directory", target.Path)
	}

	if idx, child := parent.getChild(target.Name()); child != nil {
		replacement := NewTree(target)
		// A directory replacing a directory keeps the merged children.
		if target.IsDir() && child.Node.IsDir() {
			replacement.Children = child.Children
		}
		parent.Children[idx] = replacement
		return true, nil
	}

	parent.Children = append(parent.Children, NewTree(target))
	return true, nil
}
