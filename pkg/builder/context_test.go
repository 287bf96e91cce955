/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package builder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nydusaccelerator/nydus-builder/pkg/errdefs"
)

func TestConversionTypeRoundTrip(t *testing.T) {
	// Every canonical string survives a parse and format cycle. The
	// upstream builder printed `targz-ref` for targz-stargz, a known
	// display bug this implementation does not inherit.
	canonical := []string{
		"dir-rafs", "dir-stargz", "dir-targz",
		"estargz-rafs", "estargz-ref", "estargztoc-ref",
		"targz-rafs", "targz-stargz", "targz-ref",
		"tar-rafs", "tar-stargz", "tar-ref",
	}
	for _, s := range canonical {
		parsed, err := ParseConversionType(s)
		require.NoErrorf(t, err, "parse %s", s)
		assert.Equal(t, s, parsed.String())
	}
}

func TestConversionTypeLegacyAliases(t *testing.T) {
	parsed, err := ParseConversionType("directory")
	require.NoError(t, err)
	assert.Equal(t, DirectoryToRafs, parsed)
	assert.Equal(t, "dir-rafs", parsed.String())

	parsed, err = ParseConversionType("stargz_index")
	require.NoError(t, err)
	assert.Equal(t, EStargzIndexToRef, parsed)
	assert.Equal(t, "estargztoc-ref", parsed.String())
}

func TestConversionTypeInvalid(t *testing.T) {
	_, err := ParseConversionType("tar-zstd")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidConfig(err))
}

func TestConversionTypeIsToRef(t *testing.T) {
	toRef := map[ConversionType]bool{
		EStargzToRef:      true,
		EStargzIndexToRef: true,
		TargzToRef:        true,
		TarToRef:          true,
	}
	all := []ConversionType{
		DirectoryToRafs, DirectoryToStargz, DirectoryToTargz,
		EStargzToRafs, EStargzToRef, EStargzIndexToRef,
		TargzToRafs, TargzToStargz, TargzToRef,
		TarToRafs, TarToStargz, TarToRef,
	}
	for _, conversion := range all {
		assert.Equalf(t, toRef[conversion], conversion.IsToRef(), "conversion %s", conversion)
	}
}

func TestParseFeatures(t *testing.T) {
	features, err := ParseFeatures("")
	require.NoError(t, err)
	assert.False(t, features.Has(FeatureBlobToc))

	features, err = ParseFeatures("blob-toc")
	require.NoError(t, err)
	assert.True(t, features.Has(FeatureBlobToc))

	_, err = ParseFeatures("blob-toc,unknown-feature")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidConfig(err))
}

func TestParseWhiteoutSpec(t *testing.T) {
	for _, s := range []string{"oci", "overlayfs", "none"} {
		spec, err := ParseWhiteoutSpec(s)
		require.NoError(t, err)
		assert.Equal(t, s, spec.String())
	}

	_, err := ParseWhiteoutSpec("aufs")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidConfig(err))
}

func TestParsePrefetchPolicy(t *testing.T) {
	for _, s := range []string{"none", "fs", "blob"} {
		policy, err := ParsePrefetchPolicy(s)
		require.NoError(t, err)
		assert.Equal(t, s, policy.String())
	}

	_, err := ParsePrefetchPolicy("all")
	require.Error(t, err)
}
