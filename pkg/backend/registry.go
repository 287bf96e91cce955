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
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
)

type RegistryBackend struct {
	scheme   string
	host     string
	repo     string
	username string
	password string
	client   *retryablehttp.Client
}

type RegistryConfig struct {
	Scheme     string `json:"scheme,omitempty"`
	Host       string `json:"host"`
	Repo       string `json:"repo"`
	Username   string `json:"auth_username,omitempty"`
	Password   string `json:"auth_password,omitempty"`
	RetryLimit int    `json:"retry_limit,omitempty"`
}

func newRegistryBackend(rawConfig []byte) (*RegistryBackend, error) {
	cfg := &RegistryConfig{}
	if err := json.Unmarshal(rawConfig, cfg); err != nil {
		return nil, errors.Wrap(err, "parse registry storage backend configuration")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.Host == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("invalid registry configuration: missing 'host' or 'repo'")
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryLimit
	client.Logger = nil

	return &RegistryBackend{
		scheme:   cfg.Scheme,
		host:     cfg.Host,
		repo:     cfg.Repo,
		username: cfg.Username,
		password: cfg.Password,
		client:   client,
	}, nil
}

func (b *RegistryBackend) blobURL(blobID string) string {
	return fmt.Sprintf("%s://%s/v2/%s/blobs/sha256:%s", b.scheme, b.host, b.repo, blobID)
}

func (b *RegistryBackend) request(method, url string, header http.Header) (*http.Response, error) {
	req, err := retryablehttp.NewRequest(method, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s request to %s", method, url)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if b.username != "" {
		req.SetBasicAuth(b.username, b.password)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errdefs.ErrBackendFailure, err.Error())
	}
	return resp, nil
}

func (b *RegistryBackend) Reader(blobID string) (Reader, error) {
	resp, err := b.request(http.MethodHead, b.blobURL(blobID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errdefs.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Wrapf(errdefs.ErrBackendFailure, "head blob %s: %s", blobID, resp.Status)
	}

	return &registryReader{
		backend: b,
		blobID:  blobID,
		size:    resp.ContentLength,
	}, nil
}

func (b *RegistryBackend) Type() string {
	return BackendTypeRegistry
}

type registryReader struct {
	backend *RegistryBackend
	blobID  string
	size    int64
}

func (r *registryReader) BlobSize() (int64, error) {
	return r.size, nil
}

func (r *registryReader) ReadAt(p []byte, off int64) (int, error) {
	header := http.Header{}
	header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	resp, err := r.backend.request(http.MethodGet, r.backend.blobURL(r.blobID), header)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, errors.Wrapf(errdefs.ErrBackendFailure, "range get blob %s: %s", r.blobID, resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p)
	if err != nil && err != io.ErrUnexpectedEOF {
		return n, errors.Wrapf(err, "read blob %s", r.blobID)
	}
	return n, nil
}
