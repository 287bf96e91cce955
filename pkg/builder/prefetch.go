/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package builder

import (
	"github.com/pkg/errors"

	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
)

// PrefetchPolicy selects how prefetch hints are recorded in the image.
type PrefetchPolicy int

const (
	// PrefetchPolicyNone records no prefetch hints.
	PrefetchPolicyNone PrefetchPolicy = iota
	// PrefetchPolicyFs records per-file prefetch hints in the bootstrap.
	PrefetchPolicyFs
	// PrefetchPolicyBlob advertises a readahead range per blob.
	PrefetchPolicyBlob
)

func ParsePrefetchPolicy(s string) (PrefetchPolicy, error) {
	switch s {
	case "none":
		return PrefetchPolicyNone, nil
	case "fs":
		return PrefetchPolicyFs, nil
	case "blob":
		return PrefetchPolicyBlob, nil
	}
	return PrefetchPolicyNone, errors.Wrapf(errdefs.ErrInvalidConfig, "invalid prefetch policy %s", s)
}

func (p PrefetchPolicy) String() string {
	switch p {
	case PrefetchPolicyFs:
		return "fs"
	case PrefetchPolicyBlob:
		return "blob"
	}
	return "none"
}

// Prefetch tracks the prefetch policy and the path patterns to hint.
type Prefetch struct {
	Policy   PrefetchPolicy
	Patterns []string
}

func NewPrefetch(policy PrefetchPolicy, patterns []string) Prefetch {
	return Prefetch{Policy: policy, Patterns: patterns}
}
