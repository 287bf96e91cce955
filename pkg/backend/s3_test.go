/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package backend

import (
	"reflect"
	"testing"
)

func Test_newS3Backend(t *testing.T) {
	type args struct {
		rawConfig []byte
	}

	tests := []struct {
		name    string
		args    args
		want    *S3Backend
		wantErr bool
	}{
		{
			name: "test1, no error",
			args: args{
				rawConfig: []byte(`{
					"endpoint": "localhost:9000",
					"scheme": "http",
					"bucket_name": "nydus",
					"region": "us-east-1",
					"object_prefix": "path/to/my-registry/",
					"access_key_id": "minio",
					"access_key_secret": "minio123"
				}`),
			},
			want: &S3Backend{
				objectPrefix:       "path/to/my-registry/",
				bucketName:         "nydus",
				endpointWithScheme: "http://localhost:9000",
				region:             "us-east-1",
				accessKeySecret:    "minio123",
				accessKeyID:        "minio",
			},
			wantErr: false,
		},
		{
			name: "test2, default endpoint and scheme",
			args: args{
				rawConfig: []byte(`{
					"bucket_name": "nydus",
					"region": "us-east-1"
				}`),
			},
			want: &S3Backend{
				bucketName:         "nydus",
				endpointWithScheme: "https://s3.amazonaws.com",
				region:             "us-east-1",
			},
			wantErr: false,
		},
		{
			name: "test3, missing bucket",
			args: args{
				rawConfig: []byte(`{
					"region": "us-east-1"
				}`),
			},
			want:    nil,
			wantErr: true,
		},
		{
			name: "test4, bad json",
			args: args{
				rawConfig: []byte(`{`),
			},
			want:    nil,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newS3Backend(tt.args.rawConfig)
			if (err != nil) != tt.wantErr {
				t.Errorf("newS3Backend() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("newS3Backend() got = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_newRegistryBackend(t *testing.T) {
	backend, err := newRegistryBackend([]byte(`{
		"host": "registry.example.com",
		"repo": "library/nginx",
		"retry_limit": 3
	}`))
	if err != nil {
		t.Fatalf("newRegistryBackend() error = %v", err)
	}
	if backend.scheme != "https" {
		t.Errorf("default scheme = %s, want https", backend.scheme)
	}
	url := backend.blobURL("abcd")
	want := "https://registry.example.com/v2/library/nginx/blobs/sha256:abcd"
	if url != want {
		t.Errorf("blobURL() = %s, want %s", url, want)
	}

	if _, err = newRegistryBackend([]byte(`{"host": "registry.example.com"}`)); err == nil {
		t.Errorf("newRegistryBackend() expected error for missing repo")
	}
}
