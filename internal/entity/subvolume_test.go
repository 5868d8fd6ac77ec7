package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubvolumeParse(t *testing.T) {
	sv, err := ParseSubvolume("ID 257 gen 30 top level 5 path sx-20150102-132010-utc")
	require.NoError(t, err)
	assert.Equal(t, Subvolume{ID: 257, Gen: 30, TopLevel: 5, Path: "sx-20150102-132010-utc"}, sv)
}

func TestSubvolumeParseNestedPath(t *testing.T) {
	sv, err := ParseSubvolume("ID 300 gen 120 top level 5 path mnt/data/.sxbackup/sx-20160403-020000-utc")
	require.NoError(t, err)
	assert.Equal(t, "mnt/data/.sxbackup/sx-20160403-020000-utc", sv.Path)
}

func TestSubvolumeParseInvalid(t *testing.T) {
	for _, line := range []string{"ID garbage", "", "gen 30 top level 5 path x"} {
		_, err := ParseSubvolume(line)
		assert.ErrorIs(t, err, ErrInvalidSubvolume, "input %q", line)
	}
}
