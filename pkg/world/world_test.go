package world

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"io"
	"path/filepath"
	"testing"
)

type captureSink struct {
	data     []byte
	lastPct  int
	pctOrder []int
}

func (c *captureSink) WriteChunk(ctx context.Context, data []byte, pct int) error {
	c.data = append(c.data, data...)
	c.pctOrder = append(c.pctOrder, pct)
	c.lastPct = pct
	return nil
}

func decodePayload(t *testing.T, raw []byte) []byte {
	t.Helper()
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	out, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("gzip read: %v", err)
	}
	return out
}

func TestIndexBijection(t *testing.T) {
	d := Dimensions{X: 4, Y: 3, Z: 5}
	seen := make(map[int64]bool)
	for y := 0; y < d.Y; y++ {
		for z := 0; z < d.Z; z++ {
			for x := 0; x < d.X; x++ {
				idx := d.Index(x, y, z)
				if idx < 0 || idx >= d.Size() {
					t.Fatalf("index %d out of range for (%d,%d,%d)", idx, x, y, z)
				}
				if seen[idx] {
					t.Fatalf("duplicate index %d at (%d,%d,%d)", idx, x, y, z)
				}
				seen[idx] = true
			}
		}
	}
	if int64(len(seen)) != d.Size() {
		t.Fatalf("covered %d of %d indices", len(seen), d.Size())
	}
}

func TestNewWorldIfAbsentAndStreamGzipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world.rle")
	d := Dimensions{X: 4, Y: 4, Z: 4}

	if err := NewWorldIfAbsent(d, path); err != nil {
		t.Fatalf("NewWorldIfAbsent: %v", err)
	}

	s := Open(d, path, path+".tmp", 1000)
	sink := &captureSink{}
	if err := s.StreamGzipped(context.Background(), sink, 8); err != nil {
		t.Fatalf("StreamGzipped: %v", err)
	}

	payload := decodePayload(t, sink.data)
	if len(payload) != int(d.Size())+4 {
		t.Fatalf("payload len = %d, want %d", len(payload), d.Size()+4)
	}
	header := binary.BigEndian.Uint32(payload[:4])
	if int64(header) != d.Size() {
		t.Fatalf("header = %d, want %d", header, d.Size())
	}
	cells := payload[4:]
	half := d.Y / 2
	for y := 0; y < d.Y; y++ {
		want := byte(blockAir)
		if y < half {
			want = blockGrass
		}
		for z := 0; z < d.Z; z++ {
			for x := 0; x < d.X; x++ {
				idx := d.Index(x, y, z)
				if cells[idx] != want {
					t.Fatalf("cell (%d,%d,%d) = %d, want %d", x, y, z, cells[idx], want)
				}
			}
		}
	}

	if sink.lastPct != 100 {
		t.Fatalf("final chunk pct = %d, want 100", sink.lastPct)
	}
	for i, p := range sink.pctOrder {
		if i > 0 && p < sink.pctOrder[i-1] {
			t.Fatalf("percent regressed at chunk %d: %v", i, sink.pctOrder)
		}
	}
}

func TestApplyEditVisibleBeforeCompaction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world.rle")
	d := Dimensions{X: 4, Y: 4, Z: 4}
	if err := NewWorldIfAbsent(d, path); err != nil {
		t.Fatalf("NewWorldIfAbsent: %v", err)
	}
	s := Open(d, path, path+".tmp", 1000)

	idx, ok := s.ApplyEdit(1, 0, 1, 42)
	if !ok {
		t.Fatal("in-bounds edit should succeed")
	}

	sink := &captureSink{}
	if err := s.StreamGzipped(context.Background(), sink, 8); err != nil {
		t.Fatalf("StreamGzipped: %v", err)
	}
	payload := decodePayload(t, sink.data)
	if payload[4+idx] != 42 {
		t.Fatalf("edited cell = %d, want 42", payload[4+idx])
	}
}

func TestApplyEditOutOfBoundsIsSilentlyRejected(t *testing.T) {
	d := Dimensions{X: 4, Y: 4, Z: 4}
	s := Open(d, "unused.rle", "unused.rle.tmp", 1000)
	if _, ok := s.ApplyEdit(-1, 0, 0, 1); ok {
		t.Fatal("negative coordinate should be rejected")
	}
	if _, ok := s.ApplyEdit(4, 0, 0, 1); ok {
		t.Fatal("coordinate at X bound should be rejected")
	}
}

func TestCompactionEquivalence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world.rle")
	d := Dimensions{X: 5, Y: 5, Z: 5}
	if err := NewWorldIfAbsent(d, path); err != nil {
		t.Fatalf("NewWorldIfAbsent: %v", err)
	}
	// Small CHUNK forces multiple compaction windows.
	s := Open(d, path, path+".tmp", 7)

	edits := map[int64]byte{
		0:                9,
		d.Index(2, 2, 2): 7,
		d.Index(4, 4, 4): 3,
		d.Size() - 1:     5,
	}
	for idx, block := range edits {
		x, y, z := unindex(d, idx)
		if _, ok := s.ApplyEdit(x, y, z, block); !ok {
			t.Fatalf("edit at %d should be in bounds", idx)
		}
	}

	before := &captureSink{}
	if err := s.StreamGzipped(context.Background(), before, 8); err != nil {
		t.Fatalf("pre-compaction stream: %v", err)
	}
	wantPayload := decodePayload(t, before.data)

	if err := s.Compact(context.Background()); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if s.EditCount() != 0 {
		t.Fatalf("edit log should be drained, has %d entries", s.EditCount())
	}

	after := &captureSink{}
	if err := s.StreamGzipped(context.Background(), after, 8); err != nil {
		t.Fatalf("post-compaction stream: %v", err)
	}
	gotPayload := decodePayload(t, after.data)

	if !bytes.Equal(wantPayload, gotPayload) {
		t.Fatal("compaction changed the visible world state")
	}
}

func TestEditsPersistThroughCompactionAndNewEditsOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world.rle")
	d := Dimensions{X: 4, Y: 4, Z: 4}
	if err := NewWorldIfAbsent(d, path); err != nil {
		t.Fatalf("NewWorldIfAbsent: %v", err)
	}
	s := Open(d, path, path+".tmp", 1000)

	idx, _ := s.ApplyEdit(1, 1, 1, 11)
	if err := s.Compact(context.Background()); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	freshIdx, _ := s.ApplyEdit(2, 1, 1, 22)

	sink := &captureSink{}
	if err := s.StreamGzipped(context.Background(), sink, 8); err != nil {
		t.Fatalf("StreamGzipped: %v", err)
	}
	payload := decodePayload(t, sink.data)
	if payload[4+idx] != 11 {
		t.Fatalf("compacted cell = %d, want 11", payload[4+idx])
	}
	if payload[4+freshIdx] != 22 {
		t.Fatalf("post-compaction edit = %d, want 22", payload[4+freshIdx])
	}
}

func unindex(d Dimensions, idx int64) (x, y, z int) {
	y = int(idx / (int64(d.Z) * int64(d.X)))
	rem := idx % (int64(d.Z) * int64(d.X))
	z = int(rem / int64(d.X))
	x = int(rem % int64(d.X))
	return
}
