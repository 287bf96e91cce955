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
	"sort"

	"github.com/pkg/errors"
)

// Unix file type bits, kept local so the on-disk format does not depend
// on the build platform.
const (
	SIfmt  = 0xf000
	SIfdir = 0x4000
	SIfreg = 0x8000
	SIflnk = 0xa000
	SIfchr = 0x2000
	SIfblk = 0x6000
)

// Inode is one file system entry of a bootstrap, recorded in directory
// walk order.
type Inode struct {
	// Path is the absolute path inside the image rootfs.
	Path string
	// Ino and Dev key hardlink detection, they carry the source
	// filesystem inode and device numbers.
	Ino  uint64
	Dev  uint64
	Rdev uint64

	Mode uint32
	UID  uint32
	GID  uint32

	Symlink string
	Xattrs  map[string][]byte
	Chunks  []ChunkInfo
}

func (i *Inode) IsDir() bool {
	return i.Mode&SIfmt == SIfdir
}

func (i *Inode) IsReg() bool {
	return i.Mode&SIfmt == SIfreg
}

func (i *Inode) IsSymlink() bool {
	return i.Mode&SIfmt == SIflnk
}

// Marshal encodes the inode as a length-prefixed record.
func (i *Inode) Marshal() ([]byte, error) {
	var body bytes.Buffer

	writeString := func(s string) error {
		if len(s) > 0xffff {
			return errors.Errorf("string field too long: %d", len(s))
		}
		if err := binary.Write(&body, binary.LittleEndian, uint16(len(s))); err != nil {
			return err
		}
		_, err := body.WriteString(s)
		return err
	}

	if err := writeString(i.Path); err != nil {
		return nil, err
	}
	for _, v := range []interface{}{i.Ino, i.Dev, i.Rdev, i.Mode, i.UID, i.GID} {
		if err := binary.Write(&body, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	if err := writeString(i.Symlink); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(i.Xattrs))
	for key := range i.Xattrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if err := binary.Write(&body, binary.LittleEndian, uint16(len(keys))); err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := writeString(key); err != nil {
			return nil, err
		}
		value := i.Xattrs[key]
		if err := binary.Write(&body, binary.LittleEndian, uint32(len(value))); err != nil {
			return nil, err
		}
		body.Write(value)
	}

	if err := binary.Write(&body, binary.LittleEndian, uint32(len(i.Chunks))); err != nil {
		return nil, err
	}
	for idx := range i.Chunks {
		chunk := &i.Chunks[idx]
		compressed := uint32(0)
		if chunk.Compressed {
			compressed = 1
		}
		for _, v := range []interface{}{
			chunk.BlobIndex, chunk.Index, compressed,
			chunk.CompressedOffset, chunk.CompressedSize,
			chunk.UncompressedOffset, chunk.UncompressedSize,
		} {
			if err := binary.Write(&body, binary.LittleEndian, v); err != nil {
				return nil, err
			}
		}
		body.Write(chunk.Digest[:])
	}

	record := make([]byte, 4+body.Len())
	binary.LittleEndian.PutUint32(record, uint32(body.Len()))
	copy(record[4:], body.Bytes())
	return record, nil
}

// UnmarshalInode decodes one inode record payload (without the length
// prefix).
func UnmarshalInode(data []byte) (*Inode, error) {
	r := bytes.NewReader(data)

	readString := func() (string, error) {
		var size uint16
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return "", err
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	}

	inode := &Inode{}
	var err error
	if inode.Path, err = readString(); err != nil {
		return nil, errors.Wrap(err, "read inode path")
	}
	for _, v := range []interface{}{&inode.Ino, &inode.Dev, &inode.Rdev, &inode.Mode, &inode.UID, &inode.GID} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return nil, errors.Wrap(err, "read inode attributes")
		}
	}
	if inode.Symlink, err = readString(); err != nil {
		return nil, errors.Wrap(err, "read inode symlink")
	}

	var xattrCount uint16
	if err := binary.Read(r, binary.LittleEndian, &xattrCount); err != nil {
		return nil, errors.Wrap(err, "read xattr count")
	}
	if xattrCount > 0 {
		inode.Xattrs = make(map[string][]byte, xattrCount)
		for idx := 0; idx < int(xattrCount); idx++ {
			key, err := readString()
			if err != nil {
				return nil, errors.Wrap(err, "read xattr key")
			}
			var valueSize uint32
			if err := binary.Read(r, binary.LittleEndian, &valueSize); err != nil {
				return nil, errors.Wrap(err, "read xattr value size")
			}
			value := make([]byte, valueSize)
			if _, err := io.ReadFull(r, value); err != nil {
				return nil, errors.Wrap(err, "read xattr value")
			}
			inode.Xattrs[key] = value
		}
	}

	var chunkCount uint32
	if err := binary.Read(r, binary.LittleEndian, &chunkCount); err != nil {
		return nil, errors.Wrap(err, "read chunk count")
	}
	inode.Chunks = make([]ChunkInfo, chunkCount)
	for idx := 0; idx < int(chunkCount); idx++ {
		chunk := &inode.Chunks[idx]
		var compressed uint32
		for _, v := range []interface{}{
			&chunk.BlobIndex, &chunk.Index, &compressed,
			&chunk.CompressedOffset, &chunk.CompressedSize,
			&chunk.UncompressedOffset, &chunk.UncompressedSize,
		} {
			if err := binary.Read(r, binary.LittleEndian, v); err != nil {
				return nil, errors.Wrap(err, "read chunk info")
			}
		}
		chunk.Compressed = compressed != 0
		if _, err := io.ReadFull(r, chunk.Digest[:]); err != nil {
			return nil, errors.Wrap(err, "read chunk digest")
		}
	}

	return inode, nil
}
