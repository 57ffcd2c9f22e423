package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kk-code-lab/spillway/internal/storage/blob"
)

func TestValidateAcceptsWellFormedManifests(t *testing.T) {
	require.NoError(t, singleManifest(100).Validate())
	require.NoError(t, singleManifest(0).Validate())
	require.NoError(t, splitManifest(10, 10, 3).Validate())
}

func TestValidateRejectsBrokenManifests(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(m *Manifest)
		base   func() *Manifest
	}{
		{name: "unsplit without locator", base: func() *Manifest { return singleManifest(5) }, mutate: func(m *Manifest) { m.Single = nil }},
		{name: "unsplit with chunks", base: func() *Manifest { return singleManifest(5) }, mutate: func(m *Manifest) {
			m.Chunks = splitManifest(5).Chunks
		}},
		{name: "negative size", base: func() *Manifest { return singleManifest(5) }, mutate: func(m *Manifest) { m.TotalSize = -1 }},
		{name: "split with single", base: func() *Manifest { return splitManifest(4, 4) }, mutate: func(m *Manifest) {
			m.Single = &blob.Locator{Provider: "mem", Key: "x"}
		}},
		{name: "split without chunks", base: func() *Manifest { return splitManifest(4, 4) }, mutate: func(m *Manifest) { m.Chunks = nil }},
		{name: "skipped index", base: func() *Manifest { return splitManifest(4, 4, 4) }, mutate: func(m *Manifest) { m.Chunks[2].Index = 3 }},
		{name: "zero size chunk", base: func() *Manifest { return splitManifest(4, 4) }, mutate: func(m *Manifest) {
			m.Chunks[1].Size = 0
			m.TotalSize = 4
		}},
		{name: "sum mismatch", base: func() *Manifest { return splitManifest(4, 4) }, mutate: func(m *Manifest) { m.TotalSize = 9 }},
		{name: "missing locator", base: func() *Manifest { return splitManifest(4, 4) }, mutate: func(m *Manifest) { m.Chunks[0].Locator = blob.Locator{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := tc.base()
			tc.mutate(m)
			require.ErrorIs(t, m.Validate(), ErrInvalidManifest)
		})
	}
	var nilManifest *Manifest
	require.ErrorIs(t, nilManifest.Validate(), ErrInvalidManifest)
}

func TestValidateCap(t *testing.T) {
	m := splitManifest(8, 8, 2)
	require.NoError(t, m.ValidateCap(8))
	require.ErrorIs(t, m.ValidateCap(7), ErrInvalidManifest)
}

func TestCloneIsDeep(t *testing.T) {
	m := splitManifest(3, 3)
	c := m.Clone()
	require.Equal(t, m, c)
	c.Chunks[0].Size = 99
	require.Equal(t, int64(3), m.Chunks[0].Size)

	s := singleManifest(7)
	sc := s.Clone()
	sc.Single.Key = "changed"
	require.Empty(t, s.Single.Key)
}

func TestLocatorsAndChunkCount(t *testing.T) {
	s := singleManifest(7)
	require.Equal(t, 1, s.ChunkCount())
	require.Equal(t, []blob.Locator{*s.Single}, s.Locators())

	m := splitManifest(3, 3, 1)
	require.Equal(t, 3, m.ChunkCount())
	require.Len(t, m.Locators(), 3)
	require.Equal(t, m.Chunks[2].Locator, m.Locators()[2])
}
