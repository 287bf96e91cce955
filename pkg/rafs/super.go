/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package rafs

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/nydusaccelerator/nydus-builder/pkg/compression"
	"github.com/nydusaccelerator/nydus-builder/pkg/digest"
	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
)

// SuperHeader is the fixed superblock record stored in the first block
// of a bootstrap.
type SuperHeader struct {
	Magic         uint32
	VersionMarker uint32
	Flags         uint64
	ChunkSize     uint32
	BlobCount     uint32
	InodeCount    uint32
	// BlobTableOffset locates the blob table, BlobTableSize its length.
	BlobTableOffset uint64
	BlobTableSize   uint32
	// IndexOffset locates the inode index, an array of InodeCount
	// 64 bit record offsets in directory walk order.
	IndexOffset uint64
	IndexSize   uint32
}

func (h *SuperHeader) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, errors.Wrap(err, "encode superblock")
	}
	return buf.Bytes(), nil
}

func UnmarshalSuperHeader(data []byte) (*SuperHeader, error) {
	var header SuperHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrap(errdefs.ErrCorruptMetadata, err.Error())
	}
	if header.Magic != SuperMagic {
		return nil, errors.Wrapf(errdefs.ErrCorruptMetadata, "bad superblock magic 0x%x", header.Magic)
	}
	if _, err := VersionFromMarker(header.VersionMarker); err != nil {
		return nil, errors.Wrap(errdefs.ErrCorruptMetadata, err.Error())
	}
	return &header, nil
}

// SuperMeta carries the global attributes of a loaded bootstrap.
type SuperMeta struct {
	Version   Version
	Flags     SuperFlags
	ChunkSize uint32
}

func (m *SuperMeta) GetCompressor() compression.Algorithm {
	return m.Flags.Compressor()
}

func (m *SuperMeta) GetDigester() digest.Algorithm {
	return m.Flags.Digester()
}

func (m *SuperMeta) ExplicitUIDGID() bool {
	return m.Flags.Has(FlagExplicitUIDGID)
}

// Super is the in-memory form of one bootstrap: superblock attributes,
// the blob table, and all inodes in directory walk order.
type Super struct {
	Meta   SuperMeta
	Blobs  []*BlobInfo
	Inodes []*Inode
}

// CheckCompatibility verifies that another bootstrap can be merged
// with this one.
func (s *Super) CheckCompatibility(other *Super) error {
	if s.Meta.Version != other.Meta.Version {
		return errors.Wrapf(errdefs.ErrCorruptMetadata,
			"RAFS version mismatch: %s vs %s", s.Meta.Version, other.Meta.Version)
	}
	if s.Meta.GetDigester() != other.Meta.GetDigester() {
		return errors.Wrapf(errdefs.ErrCorruptMetadata,
			"digest algorithm mismatch: %s vs %s", s.Meta.GetDigester(), other.Meta.GetDigester())
	}
	return nil
}

func (s *Super) GetBlobInfos() []*BlobInfo {
	return s.Blobs
}

// RootInode returns the image root, always the first inode.
func (s *Super) RootInode() (*Inode, error) {
	if len(s.Inodes) == 0 {
		return nil, errors.Wrap(errdefs.ErrCorruptMetadata, "bootstrap has no inodes")
	}
	return s.Inodes[0], nil
}

// WalkInodes visits every inode in directory walk order.
func (s *Super) WalkInodes(fn func(*Inode) error) error {
	for _, inode := range s.Inodes {
		if err := fn(inode); err != nil {
			return err
		}
	}
	return nil
}

// LoadSuper reads a bootstrap file.
func LoadSuper(path string) (*Super, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open bootstrap %s", path)
	}
	defer file.Close()

	headerBlock := make([]byte, EROFSBlockSize)
	if _, err := io.ReadFull(file, headerBlock); err != nil {
		return nil, errors.Wrapf(errdefs.ErrCorruptMetadata, "read superblock of %s: %v", path, err)
	}
	header, err := UnmarshalSuperHeader(headerBlock)
	if err != nil {
		return nil, errors.Wrapf(err, "parse superblock of %s", path)
	}
	version, err := VersionFromMarker(header.VersionMarker)
	if err != nil {
		return nil, err
	}
	if header.BlobCount > MaxBlobCount {
		return nil, errors.Wrapf(errdefs.ErrCorruptMetadata,
			"blob count %d exceeds limit %d", header.BlobCount, MaxBlobCount)
	}

	super := &Super{
		Meta: SuperMeta{
			Version:   version,
			Flags:     SuperFlags(header.Flags),
			ChunkSize: header.ChunkSize,
		},
	}

	tableData := make([]byte, header.BlobTableSize)
	if _, err := file.ReadAt(tableData, int64(header.BlobTableOffset)); err != nil {
		return nil, errors.Wrapf(errdefs.ErrCorruptMetadata, "read blob table of %s: %v", path, err)
	}
	table, err := UnmarshalBlobTable(version, header.BlobCount, tableData)
	if err != nil {
		return nil, errors.Wrapf(err, "parse blob table of %s", path)
	}
	super.Blobs = table.Blobs

	indexData := make([]byte, header.IndexSize)
	if _, err := file.ReadAt(indexData, int64(header.IndexOffset)); err != nil {
		return nil, errors.Wrapf(errdefs.ErrCorruptMetadata, "read inode index of %s: %v", path, err)
	}
	if uint32(len(indexData)) != header.InodeCount*8 {
		return nil, errors.Wrapf(errdefs.ErrCorruptMetadata,
			"inode index size %d does not match inode count %d", len(indexData), header.InodeCount)
	}

	super.Inodes = make([]*Inode, 0, header.InodeCount)
	sizeBuf := make([]byte, 4)
	for idx := uint32(0); idx < header.InodeCount; idx++ {
		offset := binary.LittleEndian.Uint64(indexData[idx*8:])
		if _, err := file.ReadAt(sizeBuf, int64(offset)); err != nil {
			return nil, errors.Wrapf(errdefs.ErrCorruptMetadata, "read inode record size: %v", err)
		}
		recordData := make([]byte, binary.LittleEndian.Uint32(sizeBuf))
		if _, err := file.ReadAt(recordData, int64(offset)+4); err != nil {
			return nil, errors.Wrapf(errdefs.ErrCorruptMetadata, "read inode record: %v", err)
		}
		inode, err := UnmarshalInode(recordData)
		if err != nil {
			return nil, errors.Wrapf(err, "parse inode record of %s", path)
		}
		super.Inodes = append(super.Inodes, inode)
	}

	return super, nil
}
