package tables

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
)

func TestAttributeEncoding(t *testing.T) {
	tests := []struct {
		value   any
		encoded string
	}{
		{"plate", "string:plate"},
		{"", "string:"},
		{int32(math.MinInt32), "int:-2147483648"},
		{int64(math.MaxInt64), "long:9223372036854775807"},
		{0.5, "float:0.5"},
		{1e300, "float:1e+300"},
	}
	for _, tt := range tests {
		enc, err := encodeAttribute(tt.value)
		require.NoError(t, err)
		assert.Equal(t, tt.encoded, enc)

		dec, err := decodeAttribute(enc)
		require.NoError(t, err)
		assert.Equal(t, tt.value, dec)
	}
}

func TestAttributeEncodingRejects(t *testing.T) {
	for _, v := range []any{1, uint8(1), float32(1), true, nil, []int64{1}} {
		_, err := encodeAttribute(v)
		assert.True(t, errors.HasCode(err, errors.TableValidation), "%T", v)
	}
	for _, raw := range []string{"nokind", "int:99999999999", "long:x", "float:y", "blob:1"} {
		_, err := decodeAttribute(raw)
		assert.True(t, errors.HasCode(err, errors.TableValidation), raw)
	}
}

func TestCheckUserAttribute(t *testing.T) {
	assert.NoError(t, checkUserAttribute("name", "v"))
	assert.Error(t, checkUserAttribute("", "v"))
	assert.Error(t, checkUserAttribute("__version", "2"))
	err := checkUserAttribute("name", 1)
	require.Error(t, err)
	assert.Equal(t, "name", errors.GetContext(err)["key"])
}

func TestResolveVersion(t *testing.T) {
	v, err := resolveVersion(map[string]any{VersionKey: "2"}, "/t")
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, v)

	v, err = resolveVersion(map[string]any{LegacyVersionKey: "v1"}, "/t")
	require.NoError(t, err)
	assert.Equal(t, LegacyVersion, v)

	for _, attrs := range []map[string]any{
		{VersionKey: "3"},
		{VersionKey: int64(2)},
		{LegacyVersionKey: "v0"},
		{},
	} {
		_, err := resolveVersion(attrs, "/t")
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.TableValidation))
		assert.Equal(t, "/t", errors.GetContext(err)["path"])
	}
}

func TestVisibleAttribute(t *testing.T) {
	assert.True(t, visibleAttribute("name", CurrentVersion))
	assert.False(t, visibleAttribute(InitializedKey, CurrentVersion))
	assert.True(t, visibleAttribute(LegacyVersionKey, CurrentVersion))
	assert.False(t, visibleAttribute(LegacyVersionKey, LegacyVersion))
}

func TestNextStampIncreases(t *testing.T) {
	future := Stamp(math.MaxInt64 - 10)
	assert.Equal(t, future+1, nextStamp(future))

	a := nextStamp(0)
	b := nextStamp(a)
	assert.Greater(t, b, a)
	assert.Equal(t, int64(a), a.Time().UnixNano())
}
