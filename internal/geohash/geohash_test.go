package geohash

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		hash string
		lat  float64
		lon  float64
	}{
		{"ezs42", 42.60498046875, -5.60302734375},
		{"gcvw5v", 55.92864990234375, -3.3453369140625},
		{"gcvwr3", 55.95062255859375, -3.1915283203125},
		{"u4pruydqqvj", 57.64911063015461, 10.407439693808556},
		{"s", 22.5, 22.5},
		{"0", -67.5, -157.5},
		{"zzzz", 89.912109375, 179.82421875},
	}

	for _, tt := range tests {
		t.Run(tt.hash, func(t *testing.T) {
			lat, lon, err := Decode(tt.hash)
			require.NoError(t, err)
			assert.InDelta(t, tt.lat, lat, 1e-9)
			assert.InDelta(t, tt.lon, lon, 1e-9)
		})
	}
}

func TestDecode_Invalid(t *testing.T) {
	for _, hash := range []string{"", "gcvwa", "ilo", "GCVW", "gc w"} {
		t.Run(hash, func(t *testing.T) {
			_, _, err := Decode(hash)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidGeohash))
		})
	}
}

func TestDecode_RangeAndDeterminism(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for n := 0; n < 500; n++ {
		length := 1 + rng.Intn(12)
		buf := make([]byte, length)
		for i := range buf {
			buf[i] = alphabet[rng.Intn(len(alphabet))]
		}
		hash := string(buf)

		lat, lon, err := Decode(hash)
		require.NoError(t, err, hash)
		assert.GreaterOrEqual(t, lat, -90.0)
		assert.LessOrEqual(t, lat, 90.0)
		assert.GreaterOrEqual(t, lon, -180.0)
		assert.LessOrEqual(t, lon, 180.0)

		lat2, lon2, _ := Decode(hash)
		assert.Equal(t, lat, lat2)
		assert.Equal(t, lon, lon2)
	}
}

func TestBounds_SizeShrinksWithPrecision(t *testing.T) {
	short, err := Bounds("gcvw")
	require.NoError(t, err)
	long, err := Bounds("gcvw5v")
	require.NoError(t, err)

	assert.Less(t, long.SizeKm(), short.SizeKm())
	assert.Less(t, long.SizeKm(), 2.0)
}
