// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package tiles

import (
	"errors"
	"fmt"
	"math"

	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/models"
)

const (
	// kmPerDegree approximates one degree of latitude (and of longitude at
	// the equator). Good enough for padding a route corridor.
	kmPerDegree = 111.0

	// maxMercatorLat is the latitude where web-mercator y reaches the tile edge.
	maxMercatorLat = 85.05112878

	// MaxZoom is the deepest zoom level accepted.
	MaxZoom = 22
)

var (
	// ErrEmptyRoute is returned when a route has no coordinates.
	ErrEmptyRoute = errors.New("route has no coordinates")

	// ErrInvalidZoom is returned for zoom ranges outside 0..22 or with min > max.
	ErrInvalidZoom = errors.New("invalid zoom range")
)

// Options selects the tile pyramid for a route corridor.
type Options struct {
	PaddingKm float64 `json:"padding_km" validate:"gte=0,lte=500"`
	MinZoom   int     `json:"min_zoom" validate:"gte=0,lte=22"`
	MaxZoom   int     `json:"max_zoom" validate:"gte=0,lte=22,gtefield=MinZoom"`
}

// DefaultOptions is a 5 km corridor at zooms 10 through 16.
func DefaultOptions() Options {
	return Options{PaddingKm: 5, MinZoom: 10, MaxZoom: 16}
}

// OptionsFrom reads the route defaults from config.
func OptionsFrom(cfg config.TilesConfig) Options {
	return Options{PaddingKm: cfg.PaddingKm, MinZoom: cfg.MinZoom, MaxZoom: cfg.MaxZoom}
}

func (o Options) validate() error {
	if o.MinZoom < 0 || o.MaxZoom > MaxZoom || o.MinZoom > o.MaxZoom {
		return fmt.Errorf("%w: %d..%d", ErrInvalidZoom, o.MinZoom, o.MaxZoom)
	}
	if o.PaddingKm < 0 {
		return fmt.Errorf("padding must not be negative: %v", o.PaddingKm)
	}
	return nil
}

// RouteBounds returns the bounding box of route expanded by paddingKm on
// every side.
func RouteBounds(route []models.Position, paddingKm float64) (models.BoundingBox, error) {
	if len(route) == 0 {
		return models.BoundingBox{}, ErrEmptyRoute
	}
	bb := models.BoundingBox{
		MinLon: route[0].Lon, MaxLon: route[0].Lon,
		MinLat: route[0].Lat, MaxLat: route[0].Lat,
	}
	for _, p := range route[1:] {
		bb.MinLon = math.Min(bb.MinLon, p.Lon)
		bb.MaxLon = math.Max(bb.MaxLon, p.Lon)
		bb.MinLat = math.Min(bb.MinLat, p.Lat)
		bb.MaxLat = math.Max(bb.MaxLat, p.Lat)
	}

	pad := paddingKm / kmPerDegree
	bb.MinLon = clamp(bb.MinLon-pad, -180, 180)
	bb.MaxLon = clamp(bb.MaxLon+pad, -180, 180)
	bb.MinLat = clamp(bb.MinLat-pad, -maxMercatorLat, maxMercatorLat)
	bb.MaxLat = clamp(bb.MaxLat+pad, -maxMercatorLat, maxMercatorLat)
	return bb, nil
}

// RouteTiles enumerates every tile covering the padded route corridor at
// each zoom in opts, lowest zoom first.
func RouteTiles(route []models.Position, opts Options) ([]models.TileCoordinate, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	bb, err := RouteBounds(route, opts.PaddingKm)
	if err != nil {
		return nil, err
	}

	tiles := make([]models.TileCoordinate, 0, countTiles(bb, opts))
	for z := opts.MinZoom; z <= opts.MaxZoom; z++ {
		x0, y0, x1, y1 := tileRange(bb, z)
		for x := x0; x <= x1; x++ {
			for y := y0; y <= y1; y++ {
				tiles = append(tiles, models.TileCoordinate{X: x, Y: y, Z: z})
			}
		}
	}
	return tiles, nil
}

// CountTiles returns len(RouteTiles(route, opts)) without allocating the list.
func CountTiles(route []models.Position, opts Options) (int, map[int]int, error) {
	if err := opts.validate(); err != nil {
		return 0, nil, err
	}
	bb, err := RouteBounds(route, opts.PaddingKm)
	if err != nil {
		return 0, nil, err
	}
	perZoom := make(map[int]int, opts.MaxZoom-opts.MinZoom+1)
	total := 0
	for z := opts.MinZoom; z <= opts.MaxZoom; z++ {
		x0, y0, x1, y1 := tileRange(bb, z)
		n := (x1 - x0 + 1) * (y1 - y0 + 1)
		perZoom[z] = n
		total += n
	}
	return total, perZoom, nil
}

func countTiles(bb models.BoundingBox, opts Options) int {
	total := 0
	for z := opts.MinZoom; z <= opts.MaxZoom; z++ {
		x0, y0, x1, y1 := tileRange(bb, z)
		total += (x1 - x0 + 1) * (y1 - y0 + 1)
	}
	return total
}

// tileRange returns the inclusive tile span of bb at zoom z. Tile y grows
// southwards, so the north edge gives the smaller y.
func tileRange(bb models.BoundingBox, z int) (x0, y0, x1, y1 int) {
	x0 = LonToTileX(bb.MinLon, z)
	x1 = LonToTileX(bb.MaxLon, z)
	y0 = LatToTileY(bb.MaxLat, z)
	y1 = LatToTileY(bb.MinLat, z)
	return x0, y0, x1, y1
}

// LonToTileX converts a longitude to a slippy-map tile column.
func LonToTileX(lon float64, z int) int {
	n := math.Exp2(float64(z))
	x := int(math.Floor((lon + 180) / 360 * n))
	return clampTile(x, z)
}

// LatToTileY converts a latitude to a slippy-map tile row.
func LatToTileY(lat float64, z int) int {
	lat = clamp(lat, -maxMercatorLat, maxMercatorLat)
	rad := lat * math.Pi / 180
	n := math.Exp2(float64(z))
	y := int(math.Floor((1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2 * n))
	return clampTile(y, z)
}

func clampTile(v, z int) int {
	maxIdx := (1 << uint(z)) - 1
	if v < 0 {
		return 0
	}
	if v > maxIdx {
		return maxIdx
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
