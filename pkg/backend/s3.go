/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package backend

import (
	"context"
	"encoding/json"
	"fmt"

	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

type S3Backend struct {
	// objectPrefix is the path prefix of each stored object.
	// For example, if the blobID to read is "abc" and the objectPrefix is
	// "path/to/my-registry/", then the object key is "path/to/my-registry/abc".
	objectPrefix       string
	bucketName         string
	endpointWithScheme string
	region             string
	accessKeySecret    string
	accessKeyID        string
	retryLimit         int
}

type S3Config struct {
	AccessKeyID     string `json:"access_key_id,omitempty"`
	AccessKeySecret string `json:"access_key_secret,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	Scheme          string `json:"scheme,omitempty"`
	BucketName      string `json:"bucket_name,omitempty"`
	Region          string `json:"region,omitempty"`
	ObjectPrefix    string `json:"object_prefix,omitempty"`
	RetryLimit      int    `json:"retry_limit,omitempty"`
}

func newS3Backend(rawConfig []byte) (*S3Backend, error) {
	cfg := &S3Config{}
	if err := json.Unmarshal(rawConfig, cfg); err != nil {
		return nil, errors.Wrap(err, "parse S3 storage backend configuration")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "s3.amazonaws.com"
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	endpointWithScheme := fmt.Sprintf("%s://%s", cfg.Scheme, cfg.Endpoint)

	if cfg.BucketName == "" || cfg.Region == "" {
		return nil, fmt.Errorf("invalid S3 configuration: missing 'bucket_name' or 'region'")
	}

	return &S3Backend{
		objectPrefix:       cfg.ObjectPrefix,
		bucketName:         cfg.BucketName,
		region:             cfg.Region,
		endpointWithScheme: endpointWithScheme,
		accessKeySecret:    cfg.AccessKeySecret,
		accessKeyID:        cfg.AccessKeyID,
		retryLimit:         cfg.RetryLimit,
	}, nil
}

func (b *S3Backend) client() (*s3.Client, error) {
	s3AWSConfig, err := awscfg.LoadDefaultConfig(context.TODO())
	if err != nil {
		return nil, errors.Wrap(err, "load default AWS config")
	}

	client := s3.NewFromConfig(s3AWSConfig, func(o *s3.Options) {
		o.EndpointResolver = s3.EndpointResolverFromURL(b.endpointWithScheme)
		o.Region = b.region
		o.UsePathStyle = true
		if len(b.accessKeySecret) > 0 && len(b.accessKeyID) > 0 {
			o.Credentials = credentials.NewStaticCredentialsProvider(b.accessKeyID, b.accessKeySecret, "")
		}
	})

	return client, nil
}

func (b *S3Backend) Reader(blobID string) (Reader, error) {
	client, err := b.client()
	if err != nil {
		return nil, errors.Wrap(err, "create S3 client")
	}

	return &s3Reader{
		client:     client,
		bucketName: b.bucketName,
		objectKey:  b.objectPrefix + blobID,
		retryLimit: b.retryLimit,
	}, nil
}

func (b *S3Backend) Type() string {
	return BackendTypeS3
}

type s3Reader struct {
	client     *s3.Client
	bucketName string
	objectKey  string
	retryLimit int
}

func (r *s3Reader) BlobSize() (int64, error) {
	output, err := r.client.HeadObject(context.TODO(), &s3.HeadObjectInput{
		Bucket: &r.bucketName,
		Key:    &r.objectKey,
	})
	if err != nil {
		return 0, errors.Wrapf(err, "head object %s", r.objectKey)
	}
	return output.ContentLength, nil
}

func (r *s3Reader) ReadAt(p []byte, off int64) (int, error) {
	// The range covering p is fetched as a single part by one
	// downloader worker.
	downloader := manager.NewDownloader(r.client, func(d *manager.Downloader) {
		d.PartSize = int64(len(p))
		d.Concurrency = 1
	})

	byteRange := fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)

	var n int64
	err := withRetry(r.retryLimit, func() error {
		var err error
		n, err = downloader.Download(context.TODO(), manager.NewWriteAtBuffer(p), &s3.GetObjectInput{
			Bucket: &r.bucketName,
			Key:    &r.objectKey,
			Range:  &byteRange,
		})
		if err != nil {
			return errors.Wrapf(err, "range get object %s", r.objectKey)
		}
		return nil
	})

	return int(n), err
}
