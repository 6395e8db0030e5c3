// Package tilestore defines the tile file interface used by extracts and
// exports, with an SQLite implementation.
package tilestore

import (
	"context"
	"math"

	"github.com/myworld/mywdb/pkg/types"
)

// Mode selects how a tile file is opened.
type Mode int

const (
	// ModeRead opens an existing file read-only.
	ModeRead Mode = iota
	// ModeWrite opens an existing file for update.
	ModeWrite
	// ModeCreate creates the file and its tables when missing.
	ModeCreate
)

// Tile is one XYZ tile of a layer. A tile with Deleted set records the
// removal of a tile at Version.
type Tile struct {
	Layer   string
	Zoom    int
	X       int
	Y       int
	Data    []byte
	Version int64
	Deleted bool
}

// Filter restricts the tiles returned by Tiles. Nil and zero values do not filter.
type Filter struct {
	Bounds         *types.Bounds
	MinZoom        *int
	MaxZoom        *int
	SinceVersion   int64
	IncludeDeleted bool
}

// LoadOptions controls copying tiles between stores.
type LoadOptions struct {
	// Bounds limits the copy to tiles intersecting it when Clip is set.
	Bounds *types.Bounds
	Clip   bool

	// MinZoom and MaxZoom bound the zoom levels copied; nil means unbounded.
	MinZoom *int
	MaxZoom *int

	// SinceVersion copies only tiles changed after this source version,
	// including deletions.
	SinceVersion int64

	// IncludeDeleted copies tombstones even without SinceVersion.
	IncludeDeleted bool

	// Layers limits the copy to the named layers when non-empty.
	Layers []string
}

// Store is a tile file.
type Store interface {
	Path() string
	Layers(ctx context.Context) ([]string, error)
	Tiles(ctx context.Context, layer string, f Filter) ([]Tile, error)
	PutTile(ctx context.Context, t Tile) error
	DeleteTile(ctx context.Context, layer string, zoom, x, y int) error

	// LoadFromDB copies tiles from src and returns the number copied.
	LoadFromDB(ctx context.Context, src Store, opts LoadOptions) (int, error)

	DataVersion(ctx context.Context) (int64, error)
	SetCheckpoint(ctx context.Context, name string, version int64) (*types.Checkpoint, error)
	DataVersionFor(ctx context.Context, name string) (int64, error)
	HasChangesSince(ctx context.Context, version int64) (bool, error)
	Close() error
}

// TileBounds returns the WGS84 bounds of a web mercator XYZ tile.
func TileBounds(zoom, x, y int) types.Bounds {
	n := math.Exp2(float64(zoom))
	lon := func(x int) float64 { return float64(x)/n*360 - 180 }
	lat := func(y int) float64 {
		return math.Atan(math.Sinh(math.Pi*(1-2*float64(y)/n))) * 180 / math.Pi
	}
	return types.Bounds{MinX: lon(x), MinY: lat(y + 1), MaxX: lon(x + 1), MaxY: lat(y)}
}

func (f Filter) matches(t Tile) bool {
	if t.Deleted && !f.IncludeDeleted {
		return false
	}
	if (f.MinZoom != nil && t.Zoom < *f.MinZoom) || (f.MaxZoom != nil && t.Zoom > *f.MaxZoom) {
		return false
	}
	if f.Bounds != nil && !TileBounds(t.Zoom, t.X, t.Y).Intersects(*f.Bounds) {
		return false
	}
	return true
}
