/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/nydusaccelerator/nydus-builder/internal/logging"
	"github.com/nydusaccelerator/nydus-builder/pkg/builder"
	"github.com/nydusaccelerator/nydus-builder/pkg/compression"
	"github.com/nydusaccelerator/nydus-builder/pkg/digest"
	"github.com/nydusaccelerator/nydus-builder/pkg/rafs"
)

type outputJSON struct {
	Blobs []string `json:"blobs"`
}

func parseSizeList(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	var sizes []uint64
	for _, item := range strings.Split(s, ",") {
		size, err := units.RAMInBytes(strings.TrimSpace(item))
		if err != nil {
			return nil, errors.Wrapf(err, "parse size %s", item)
		}
		sizes = append(sizes, uint64(size))
	}
	return sizes, nil
}

func parseDigestList(s string) []string {
	if s == "" {
		return nil
	}
	digests := strings.Split(s, ",")
	for idx := range digests {
		digests[idx] = strings.TrimSpace(digests[idx])
	}
	return digests
}

func mergeCommand() *cli.Command {
	return &cli.Command{
		Name:      "merge",
		Usage:     "Merge per-layer bootstraps into one image bootstrap",
		ArgsUsage: "<source-bootstrap>...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bootstrap", Aliases: []string{"B"}, Required: true, Usage: "target bootstrap path"},
			&cli.StringFlag{Name: "chunk-dict", Usage: "bootstrap path of the chunk dict image"},
			&cli.StringFlag{Name: "blob-digests", Usage: "per-layer blob digest overrides, comma separated"},
			&cli.StringFlag{Name: "blob-sizes", Usage: "per-layer blob size overrides, comma separated"},
			&cli.StringFlag{Name: "blob-toc-digests", Usage: "per-layer blob TOC digest overrides, comma separated"},
			&cli.StringFlag{Name: "blob-toc-sizes", Usage: "per-layer blob TOC size overrides, comma separated"},
			&cli.StringFlag{Name: "backend-type", Usage: "storage backend type: localfs, oss, s3, registry"},
			&cli.StringFlag{Name: "backend-config-file", Usage: "path of the storage backend JSON configuration"},
			&cli.StringFlag{Name: "compressor", Value: compression.Default.String(), Usage: "chunk compression algorithm"},
			&cli.StringFlag{Name: "digester", Value: "sha256", Usage: "chunk and inode digest algorithm"},
			&cli.StringFlag{Name: "chunk-size", Usage: "chunk slice size, e.g. 1MB"},
			&cli.BoolFlag{Name: "blob-accessible", Usage: "keep blob ids of source bootstraps verbatim"},
			&cli.StringFlag{Name: "output-json", Usage: "path to write the build output summary"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return errors.New("at least one source bootstrap is required")
			}

			ctx := builder.DefaultBuildContext()

			compressor, err := compression.FromString(c.String("compressor"))
			if err != nil {
				return err
			}
			ctx.Compressor = compressor
			if ctx.Digester, err = digest.FromString(c.String("digester")); err != nil {
				return err
			}
			if chunkSize := c.String("chunk-size"); chunkSize != "" {
				size, err := units.RAMInBytes(chunkSize)
				if err != nil {
					return errors.Wrap(err, "parse chunk size")
				}
				if size <= 0 || size > rafs.DefaultChunkSize*16 {
					return errors.Errorf("invalid chunk size %s", chunkSize)
				}
				ctx.ChunkSize = uint32(size)
			}
			ctx.BlobAccessible = c.Bool("blob-accessible")
			if backendType := c.String("backend-type"); backendType != "" {
				configPath := c.String("backend-config-file")
				if configPath == "" {
					return errors.New("--backend-config-file is required with --backend-type")
				}
				config, err := os.ReadFile(configPath)
				if err != nil {
					return errors.Wrapf(err, "read backend configuration %s", configPath)
				}
				ctx.BackendType = backendType
				ctx.BackendConfig = config
			}

			blobSizes, err := parseSizeList(c.String("blob-sizes"))
			if err != nil {
				return err
			}
			tocSizes, err := parseSizeList(c.String("blob-toc-sizes"))
			if err != nil {
				return err
			}

			output, err := builder.NewMerger().Merge(ctx, builder.MergeOption{
				Sources:        c.Args().Slice(),
				BlobDigests:    parseDigestList(c.String("blob-digests")),
				BlobSizes:      blobSizes,
				BlobTocDigests: parseDigestList(c.String("blob-toc-digests")),
				BlobTocSizes:   tocSizes,
				Target:         builder.SingleFileStorage(c.String("bootstrap")),
				ChunkDictPath:  c.String("chunk-dict"),
			})
			if err != nil {
				return errors.Wrap(err, "merge bootstraps")
			}

			if jsonPath := c.String("output-json"); jsonPath != "" {
				data, err := json.Marshal(outputJSON{Blobs: output.Blobs})
				if err != nil {
					return errors.Wrap(err, "marshal output summary")
				}
				if err := os.WriteFile(jsonPath, data, 0644); err != nil {
					return errors.Wrapf(err, "write output summary %s", jsonPath)
				}
			}

			fmt.Println(output)
			return nil
		},
	}
}

func main() {
	app := &cli.App{
		Name:  "nydus-builder",
		Usage: "Merge RAFS filesystem image bootstraps",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "logging level: trace, debug, info, warn, error"},
		},
		Before: func(c *cli.Context) error {
			return logging.SetUp(c.String("log-level"), true, "", nil)
		},
		Commands: []*cli.Command{
			mergeCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("nydus-builder exited")
	}
}
