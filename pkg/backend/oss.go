/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package backend

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/pkg/errors"

	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
)

type OSSBackend struct {
	// OSS storage does not support directory. Therefore add a prefix to each object
	// to make it a path-like object.
	objectPrefix string
	bucket       *oss.Bucket
	retryLimit   int
}

func newOSSBackend(rawConfig []byte) (*OSSBackend, error) {
	var configMap map[string]string
	if err := json.Unmarshal(rawConfig, &configMap); err != nil {
		return nil, errors.Wrap(err, "parse OSS storage backend configuration")
	}

	endpoint, ok1 := configMap["endpoint"]
	bucketName, ok2 := configMap["bucket_name"]

	// Below fields are not mandatory.
	accessKeyID := configMap["access_key_id"]
	accessKeySecret := configMap["access_key_secret"]
	objectPrefix := configMap["object_prefix"]

	if !ok1 || !ok2 {
		return nil, fmt.Errorf("no endpoint or bucket is specified")
	}

	retryLimit := 0
	if v, ok := configMap["retry_limit"]; ok {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrap(err, "parse retry_limit option")
		}
		retryLimit = limit
	}

	client, err := oss.New(endpoint, accessKeyID, accessKeySecret)
	if err != nil {
		return nil, errors.Wrap(err, "create client")
	}

	bucket, err := client.Bucket(bucketName)
	if err != nil {
		return nil, errors.Wrap(err, "create bucket")
	}

	return &OSSBackend{
		objectPrefix: objectPrefix,
		bucket:       bucket,
		retryLimit:   retryLimit,
	}, nil
}

func (b *OSSBackend) Reader(blobID string) (Reader, error) {
	blobObjectKey := b.objectPrefix + blobID

	if exist, err := b.bucket.IsObjectExist(blobObjectKey); err != nil {
		return nil, errors.Wrap(err, "check object existence")
	} else if !exist {
		return nil, errdefs.ErrNotFound
	}

	return &ossReader{
		bucket:     b.bucket,
		objectKey:  blobObjectKey,
		retryLimit: b.retryLimit,
	}, nil
}

func (b *OSSBackend) Type() string {
	return BackendTypeOSS
}

type ossReader struct {
	bucket     *oss.Bucket
	objectKey  string
	retryLimit int
}

func (r *ossReader) BlobSize() (int64, error) {
	meta, err := r.bucket.GetObjectDetailedMeta(r.objectKey)
	if err != nil {
		return 0, errors.Wrapf(err, "get object meta %s", r.objectKey)
	}

	size, err := strconv.ParseInt(meta.Get("Content-Length"), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse object content length")
	}

	return size, nil
}

func (r *ossReader) ReadAt(p []byte, off int64) (int, error) {
	var n int
	err := withRetry(r.retryLimit, func() error {
		body, err := r.bucket.GetObject(r.objectKey, oss.Range(off, off+int64(len(p))-1))
		if err != nil {
			return errors.Wrapf(err, "range get object %s", r.objectKey)
		}
		defer body.Close()

		n, err = io.ReadFull(body, p)
		if err != nil && err != io.ErrUnexpectedEOF {
			return errors.Wrapf(err, "read object %s", r.objectKey)
		}
		return nil
	})
	return n, err
}
