package tilestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/myworld/mywdb/pkg/types"
)

func newTestStore(t *testing.T, name string) *SQLiteStore {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), name+".sqlite"), ModeCreate)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func put(t *testing.T, st *SQLiteStore, layer string, z, x, y int) {
	t.Helper()
	if err := st.PutTile(context.Background(), Tile{Layer: layer, Zoom: z, X: x, Y: y, Data: []byte{byte(z), byte(x), byte(y)}}); err != nil {
		t.Fatalf("PutTile failed: %v", err)
	}
}

func intPtr(n int) *int { return &n }

func TestTileBounds(t *testing.T) {
	b := TileBounds(0, 0, 0)
	if b.MinX != -180 || b.MaxX != 180 {
		t.Errorf("zoom 0 x range = [%v, %v]", b.MinX, b.MaxX)
	}
	if b.MaxY < 85 || b.MinY > -85 {
		t.Errorf("zoom 0 y range = [%v, %v]", b.MinY, b.MaxY)
	}
	q := TileBounds(1, 1, 0)
	if q.MinX != 0 || q.MaxX != 180 || q.MinY != 0 {
		t.Errorf("zoom 1 tile 1/0 = %+v", q)
	}
}

func TestTilesFilter(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, "base")
	put(t, st, "streets", 0, 0, 0)
	put(t, st, "streets", 1, 0, 0)
	put(t, st, "streets", 1, 1, 1)
	put(t, st, "water", 2, 3, 3)

	layers, err := st.Layers(ctx)
	if err != nil {
		t.Fatalf("Layers failed: %v", err)
	}
	if len(layers) != 2 || layers[0] != "streets" || layers[1] != "water" {
		t.Errorf("Layers = %v", layers)
	}

	tests := []struct {
		name  string
		layer string
		f     Filter
		want  int
	}{
		{"all", "", Filter{}, 4},
		{"layer", "streets", Filter{}, 3},
		{"min zoom", "streets", Filter{MinZoom: intPtr(1)}, 2},
		{"max zoom", "", Filter{MaxZoom: intPtr(0)}, 1},
		{"north west quadrant", "streets", Filter{Bounds: &types.Bounds{MinX: -170, MinY: 10, MaxX: -10, MaxY: 80}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.Tiles(ctx, tt.layer, tt.f)
			if err != nil {
				t.Fatalf("Tiles failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d tiles, want %d", len(got), tt.want)
			}
		})
	}
}

func TestCheckpointsAndChanges(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, "base")
	put(t, st, "streets", 0, 0, 0)

	cp, err := st.SetCheckpoint(ctx, "extract_a_export", 0)
	if err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}
	if cp.Version != 1 {
		t.Errorf("checkpoint version = %d, want 1", cp.Version)
	}
	if v, _ := st.DataVersion(ctx); v != 2 {
		t.Errorf("data version = %d, want 2", v)
	}
	if v, _ := st.DataVersionFor(ctx, "extract_a_export"); v != 1 {
		t.Errorf("DataVersionFor = %d, want 1", v)
	}
	if v, _ := st.DataVersionFor(ctx, "missing"); v != 0 {
		t.Errorf("DataVersionFor(missing) = %d, want 0", v)
	}

	changed, err := st.HasChangesSince(ctx, 1)
	if err != nil || changed {
		t.Fatalf("HasChangesSince(1) = %v, %v; want false", changed, err)
	}
	put(t, st, "streets", 1, 0, 0)
	if err := st.DeleteTile(ctx, "streets", 0, 0, 0); err != nil {
		t.Fatalf("DeleteTile failed: %v", err)
	}
	changed, _ = st.HasChangesSince(ctx, 1)
	if !changed {
		t.Error("expected changes after checkpoint")
	}

	live, _ := st.Tiles(ctx, "streets", Filter{})
	if len(live) != 1 {
		t.Errorf("live tiles = %d, want 1", len(live))
	}
}

func TestLoadFromDB(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t, "src")
	put(t, src, "streets", 0, 0, 0)
	put(t, src, "streets", 1, 0, 0)
	put(t, src, "streets", 1, 1, 1)
	put(t, src, "water", 1, 1, 0)

	dst := newTestStore(t, "dst")
	n, err := dst.LoadFromDB(ctx, src, LoadOptions{
		Bounds:  &types.Bounds{MinX: -170, MinY: 10, MaxX: -10, MaxY: 80},
		Clip:    true,
		MaxZoom: intPtr(1),
		Layers:  []string{"streets"},
	})
	if err != nil {
		t.Fatalf("LoadFromDB failed: %v", err)
	}
	if n != 2 {
		t.Errorf("copied %d tiles, want 2", n)
	}

	// Incremental copy carries deletions.
	cp, _ := src.SetCheckpoint(ctx, "dst", 0)
	if err := src.DeleteTile(ctx, "streets", 1, 0, 0); err != nil {
		t.Fatalf("DeleteTile failed: %v", err)
	}
	n, err = dst.LoadFromDB(ctx, src, LoadOptions{SinceVersion: cp.Version})
	if err != nil {
		t.Fatalf("incremental LoadFromDB failed: %v", err)
	}
	if n != 1 {
		t.Errorf("incremental copy moved %d tiles, want 1", n)
	}
	left, _ := dst.Tiles(ctx, "streets", Filter{})
	if len(left) != 1 || left[0].Zoom != 0 {
		t.Errorf("tiles after incremental copy = %+v", left)
	}

	ro, err := Open(src.Path(), ModeRead)
	if err != nil {
		t.Fatalf("read-only open failed: %v", err)
	}
	defer ro.Close()
	if err := ro.PutTile(ctx, Tile{Layer: "x"}); err == nil {
		t.Error("expected write to read-only store to fail")
	}
	if ro.Name() != "src" {
		t.Errorf("Name = %q", ro.Name())
	}
}
