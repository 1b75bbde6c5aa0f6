// Package world composes the on-disk RLE block volume (pkg/rle) with the
// in-memory edit-log overlay (pkg/editlog) into the single block store a
// connection worker reads from and writes to. It never imports
// pkg/protocol: the wire framing lives entirely on the caller's side of the
// ChunkSink boundary below.
package world

import (
	"compress/gzip"
	"context"
	"encoding/binary"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/StoreStation/rleclassic/pkg/classicerr"
	"github.com/StoreStation/rleclassic/pkg/editlog"
	"github.com/StoreStation/rleclassic/pkg/rle"
)

// Dimensions describes the logical size of the block volume.
type Dimensions struct {
	X, Y, Z int
}

// Size returns the total number of cells, X*Y*Z.
func (d Dimensions) Size() int64 {
	return int64(d.X) * int64(d.Y) * int64(d.Z)
}

// Index returns the linear index of (x,y,z): idx = (y*Z+z)*X+x.
func (d Dimensions) Index(x, y, z int) int64 {
	return int64(y)*int64(d.Z)*int64(d.X) + int64(z)*int64(d.X) + int64(x)
}

// InBounds reports whether (x,y,z) lies within [0,X)x[0,Y)x[0,Z).
func (d Dimensions) InBounds(x, y, z int) bool {
	return x >= 0 && x < d.X && y >= 0 && y < d.Y && z >= 0 && z < d.Z
}

const (
	blockAir   = 0
	blockGrass = 2
)

// Store is the server's single block volume: an RLE file on disk plus an
// in-memory edit log overlaying it until the next compaction.
type Store struct {
	Dims Dimensions

	path    string
	tmpPath string
	chunk   int64

	edits *editlog.Log

	// Serializes compaction passes: the auto-save ticker and the shutdown
	// path both call Compact, and both stage into the same tmp file.
	compactMu sync.Mutex
}

// Open wires a Store to the given RLE file and staging path. It does not
// create the file; call NewWorldIfAbsent first on a fresh deployment.
func Open(dims Dimensions, path, tmpPath string, chunkSize int64) *Store {
	return &Store{
		Dims:    dims,
		path:    path,
		tmpPath: tmpPath,
		chunk:   chunkSize,
		edits:   editlog.New(),
	}
}

// NewWorldIfAbsent writes a freshly generated RLE file (the lower half of
// the volume grass, the upper half air) unless path already exists.
func NewWorldIfAbsent(dims Dimensions, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(classicerr.ErrWorldIO, "stat %s: %v", path, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(classicerr.ErrWorldIO, "create %s: %v", path, err)
	}
	defer f.Close()

	w := rle.NewWriter(f)
	half := dims.Y / 2
	layerCells := int64(dims.X) * int64(dims.Z)
	if half > 0 {
		if err := writeLayers(w, half, layerCells, blockGrass); err != nil {
			f.Close()
			return errors.Wrap(classicerr.ErrWorldIO, err.Error())
		}
	}
	if upper := dims.Y - half; upper > 0 {
		if err := writeLayers(w, upper, layerCells, blockAir); err != nil {
			f.Close()
			return errors.Wrap(classicerr.ErrWorldIO, err.Error())
		}
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(classicerr.ErrWorldIO, "flush %s: %v", path, err)
	}
	return nil
}

// writeLayers emits layers*layerCells cells of block, letting Writer split
// and coalesce runs as needed.
func writeLayers(w *rle.Writer, layers int, layerCells int64, block byte) error {
	remaining := int64(layers) * layerCells
	for remaining > 0 {
		n := remaining
		const maxBatch = 1 << 30
		if n > maxBatch {
			n = maxBatch
		}
		if err := w.WriteRun(int(n), block); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

// ApplyEdit bounds-checks (x,y,z) and records the edit in the log.
// Out-of-range coordinates return ok=false with no side effect.
func (s *Store) ApplyEdit(x, y, z int, block byte) (idx int64, ok bool) {
	if !s.Dims.InBounds(x, y, z) {
		return 0, false
	}
	idx = s.Dims.Index(x, y, z)
	s.edits.Put(idx, block)
	return idx, true
}

// ChunkSink receives successive gzip-compressed chunks of the level payload,
// each accompanied by the cumulative completion percentage. Implemented by
// the connection state machine so this package never needs pkg/protocol.
type ChunkSink interface {
	WriteChunk(ctx context.Context, data []byte, pct int) error
}

// StreamGzipped gzip-compresses the 4-byte big-endian volume size followed
// by the RLE expansion, with the edit log overlaid cell by cell, and hands
// the compressed stream to sink in chunkDataLen-sized pieces.
func (s *Store) StreamGzipped(ctx context.Context, sink ChunkSink, chunkDataLen int) error {
	f, err := os.Open(s.path)
	if err != nil {
		return errors.Wrapf(classicerr.ErrWorldIO, "open %s: %v", s.path, err)
	}
	defer f.Close()

	table, err := rle.LoadTable(f)
	if err != nil {
		return errors.Wrap(classicerr.ErrWorldIO, err.Error())
	}

	overlay := s.edits.Snapshot()
	total := s.Dims.Size()

	pw := &percentWriter{sink: sink, ctx: ctx, chunkLen: chunkDataLen, total: total}

	gw := gzip.NewWriter(pw)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(total))
	if _, err := gw.Write(header[:]); err != nil {
		return errors.Wrap(classicerr.ErrWorldIO, err.Error())
	}

	const window = 1 << 20 // materialize at most 1MiB of expansion at a time
	for start := int64(0); start < total; start += window {
		end := start + window
		if end > total {
			end = total
		}
		buf := table.ExpandRange(start, end)
		for k, v := range overlay {
			if k >= start && k < end {
				buf[k-start] = v
			}
		}
		if _, err := gw.Write(buf); err != nil {
			return errors.Wrap(classicerr.ErrWorldIO, err.Error())
		}
	}
	if err := gw.Close(); err != nil {
		return errors.Wrap(classicerr.ErrWorldIO, err.Error())
	}
	return pw.flushFinal(ctx)
}

// percentWriter buffers gzip output into fixed-size chunks and forwards
// each to the ChunkSink with a monotonic completion percentage. The
// compressed size is not known up front, so the percentage is the ratio of
// compressed bytes emitted to the uncompressed total, capped at 99; the
// final flush always reports 100.
type percentWriter struct {
	sink     ChunkSink
	ctx      context.Context
	chunkLen int
	total    int64

	buf  []byte
	sent int64
}

func (p *percentWriter) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	for len(p.buf) >= p.chunkLen {
		chunk := p.buf[:p.chunkLen]
		p.sent += int64(len(chunk))
		pct := 99
		if p.total > 0 {
			pct = int(p.sent * 100 / (p.total + 1))
			if pct > 99 {
				pct = 99
			}
		}
		if err := p.sink.WriteChunk(p.ctx, chunk, pct); err != nil {
			return 0, err
		}
		p.buf = p.buf[p.chunkLen:]
	}
	return len(b), nil
}

func (p *percentWriter) flushFinal(ctx context.Context) error {
	if len(p.buf) > 0 || p.sent == 0 {
		if err := p.sink.WriteChunk(ctx, p.buf, 100); err != nil {
			return err
		}
		p.buf = nil
		return nil
	}
	// Nothing buffered but we already sent full chunks; still must report
	// 100 so the client knows streaming is done.
	return p.sink.WriteChunk(ctx, nil, 100)
}

// Compact drains the edit log into the RLE file with bounded memory,
// following the chunked snapshot/binary-search/merge/rename algorithm.
// Memory used is O(CHUNK) for the window buffer plus the loaded run table
// of the current file; the original file is left
// untouched until the final rename, and the edit log is only pruned of
// the keys this pass actually consumed.
func (s *Store) Compact(ctx context.Context) error {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	snapshot := s.edits.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}

	src, err := os.Open(s.path)
	if err != nil {
		return errors.Wrapf(classicerr.ErrWorldIO, "open %s: %v", s.path, err)
	}
	table, err := rle.LoadTable(src)
	src.Close()
	if err != nil {
		return errors.Wrap(classicerr.ErrWorldIO, err.Error())
	}

	out, err := os.OpenFile(s.tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(classicerr.ErrWorldIO, "create %s: %v", s.tmpPath, err)
	}
	writer := rle.NewWriter(out)

	total := table.Size()
	chunkSize := s.chunk
	if chunkSize <= 0 {
		chunkSize = total
		if chunkSize == 0 {
			chunkSize = 1
		}
	}

	leftover := make(map[int64]byte, len(snapshot))
	for k, v := range snapshot {
		leftover[k] = v
	}

	for start := int64(0); start < total; start += chunkSize {
		select {
		case <-ctx.Done():
			out.Close()
			os.Remove(s.tmpPath)
			return ctx.Err()
		default:
		}

		end := start + chunkSize
		if end > total {
			end = total
		}
		buf := table.ExpandRange(start, end)
		for k, v := range snapshot {
			if k >= start && k < end {
				buf[k-start] = v
				delete(leftover, k)
			}
		}
		if err := writeBuffer(writer, buf); err != nil {
			out.Close()
			os.Remove(s.tmpPath)
			return errors.Wrap(classicerr.ErrWorldIO, err.Error())
		}
	}

	if err := writer.Close(); err != nil {
		out.Close()
		os.Remove(s.tmpPath)
		return errors.Wrapf(classicerr.ErrWorldIO, "flush %s: %v", s.tmpPath, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(s.tmpPath)
		return errors.Wrap(classicerr.ErrWorldIO, err.Error())
	}
	if err := os.Rename(s.tmpPath, s.path); err != nil {
		os.Remove(s.tmpPath)
		return errors.Wrapf(classicerr.ErrWorldIO, "rename %s -> %s: %v", s.tmpPath, s.path, err)
	}

	// Every snapshot key was in [0,total) and covered by some chunk, so
	// leftover is empty here. DeleteConsumed compares by value, so an edit
	// that landed mid-pass on a consumed key survives into the next cycle.
	s.edits.DeleteConsumed(snapshot)
	return nil
}

func writeBuffer(w *rle.Writer, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	runStart := 0
	for i := 1; i <= len(buf); i++ {
		if i == len(buf) || buf[i] != buf[runStart] {
			if err := w.WriteRun(i-runStart, buf[runStart]); err != nil {
				return err
			}
			runStart = i
		}
	}
	return nil
}

// SpawnPoint returns the fixed-point (x,y,z) spawn position, centered on
// the X/Z plane and one cell above the midpoint of Y, clamped to
// +/-1023 cells so the result stays representable as a signed 16-bit
// fixed-point wire coordinate (32 units per cell; 1024*32 would overflow).
func (s *Store) SpawnPoint() (x, y, z int16) {
	return fixedSpawn(s.Dims)
}

const spawnClampCells = 1023

func fixedSpawn(d Dimensions) (x, y, z int16) {
	cx := clampCell(d.X / 2)
	cy := clampCell(d.Y/2 + 1)
	cz := clampCell(d.Z / 2)
	return int16(cx * 32), int16(cy * 32), int16(cz * 32)
}

func clampCell(v int) int {
	if v > spawnClampCells {
		return spawnClampCells
	}
	if v < -spawnClampCells {
		return -spawnClampCells
	}
	return v
}

// EditCount returns the number of unmerged edits currently held in memory.
func (s *Store) EditCount() int {
	return s.edits.Len()
}
