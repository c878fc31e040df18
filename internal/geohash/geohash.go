// Package geohash decodes base32 geohash strings into coordinates.
package geohash

import (
	"errors"
	"fmt"
	"math"
)

const alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

var ErrInvalidGeohash = errors.New("invalid geohash")

var decodeMap [256]int8

func init() {
	for i := range decodeMap {
		decodeMap[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		decodeMap[alphabet[i]] = int8(i)
	}
}

// Box is the cell a geohash describes.
type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// Center returns the midpoint of the cell.
func (b Box) Center() (lat, lon float64) {
	return (b.MinLat + b.MaxLat) / 2, (b.MinLon + b.MaxLon) / 2
}

// SizeKm approximates the cell diagonal in kilometres.
func (b Box) SizeKm() float64 {
	lat, _ := b.Center()
	dy := (b.MaxLat - b.MinLat) * 111.0
	dx := (b.MaxLon - b.MinLon) * 111.0 * math.Cos(lat*math.Pi/180)
	return math.Hypot(dx, dy)
}

// Bounds returns the cell for hash. Bits alternate starting with longitude,
// five per character, most significant first.
func Bounds(hash string) (Box, error) {
	if hash == "" {
		return Box{}, fmt.Errorf("%w: empty", ErrInvalidGeohash)
	}

	b := Box{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}
	even := true
	for i := 0; i < len(hash); i++ {
		v := decodeMap[hash[i]]
		if v < 0 {
			return Box{}, fmt.Errorf("%w: character %q at %d", ErrInvalidGeohash, hash[i], i)
		}
		for bit := 4; bit >= 0; bit-- {
			set := v&(1<<bit) != 0
			if even {
				mid := (b.MinLon + b.MaxLon) / 2
				if set {
					b.MinLon = mid
				} else {
					b.MaxLon = mid
				}
			} else {
				mid := (b.MinLat + b.MaxLat) / 2
				if set {
					b.MinLat = mid
				} else {
					b.MaxLat = mid
				}
			}
			even = !even
		}
	}
	return b, nil
}

// Decode returns the centre of the geohash cell.
func Decode(hash string) (lat, lon float64, err error) {
	b, err := Bounds(hash)
	if err != nil {
		return 0, 0, err
	}
	lat, lon = b.Center()
	return lat, lon, nil
}
