package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlibcCompatible(t *testing.T) {
	cases := []struct {
		name       string
		stored     GlibcVersion
		host       GlibcVersion
		compatible bool
	}{
		{"exact match", GlibcVersion{2, 35, 0}, GlibcVersion{2, 35, 0}, true},
		{"host newer minor", GlibcVersion{2, 31, 0}, GlibcVersion{2, 35, 0}, true},
		{"host older minor", GlibcVersion{2, 35, 0}, GlibcVersion{2, 31, 0}, false},
		{"host newer major", GlibcVersion{2, 35, 0}, GlibcVersion{3, 0, 0}, true},
		{"host older major", GlibcVersion{3, 0, 0}, GlibcVersion{2, 35, 0}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.compatible, c.stored.Compatible(c.host))
		})
	}
}

func TestSavedUnitJSONRoundTrip(t *testing.T) {
	su := SavedUnit{
		Kind: KindCargo,
		Artifacts: []Artifact{
			{Metadata: Metadata{Size: 128, ModifiedNS: 1000, Executable: true}},
		},
	}
	data, err := json.Marshal(su)
	require.NoError(t, err)

	var out SavedUnit
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, su.Kind, out.Kind)
	assert.Len(t, out.Artifacts, 1)
	assert.True(t, out.Artifacts[0].Metadata.Executable)
}

func TestUnitHashString(t *testing.T) {
	var h UnitHash
	assert.Len(t, h.String(), 64)
}
