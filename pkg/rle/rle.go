// Package rle implements the on-disk run-length-encoded block volume: a
// flat sequence of (count, block) byte pairs whose concatenated expansion
// is the canonical block sequence in linear index order.
package rle

import (
	"bufio"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// Run is one (count, block) pair. Count is always in [1,255].
type Run struct {
	Count byte
	Block byte
}

// Reader yields runs lazily from an underlying byte stream, without ever
// materializing the expansion.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for sequential run-by-run reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next run, or io.EOF once the stream is exhausted.
func (rr *Reader) Next() (Run, error) {
	count, err := rr.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return Run{}, io.EOF
		}
		return Run{}, errors.Wrap(err, "rle: read count")
	}
	block, err := rr.r.ReadByte()
	if err != nil {
		return Run{}, errors.Wrap(err, "rle: read block (truncated pair)")
	}
	if count == 0 {
		return Run{}, errors.New("rle: run with count=0")
	}
	return Run{Count: count, Block: block}, nil
}

// Writer emits (count, block) pairs, splitting any logical run longer than
// 255 cells into multiple 255-count pairs plus a remainder, and coalescing
// a new run into the previous one when they share the same block id.
type Writer struct {
	w       *bufio.Writer
	pending Run
	hasPend bool
}

// NewWriter wraps w for sequential run emission. Callers must call Close
// (or Flush) when done to flush any pending run and the buffered writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteRun appends count cells of block to the output, coalescing with an
// immediately preceding run of the same block id.
func (rw *Writer) WriteRun(count int, block byte) error {
	if count <= 0 {
		return nil
	}
	if rw.hasPend && rw.pending.Block == block {
		count += int(rw.pending.Count)
		rw.hasPend = false
	} else if rw.hasPend {
		if err := rw.flushPending(); err != nil {
			return err
		}
	}
	for count > 255 {
		if err := rw.emit(255, block); err != nil {
			return err
		}
		count -= 255
	}
	rw.pending = Run{Count: byte(count), Block: block}
	rw.hasPend = true
	return nil
}

func (rw *Writer) flushPending() error {
	if !rw.hasPend {
		return nil
	}
	rw.hasPend = false
	return rw.emit(int(rw.pending.Count), rw.pending.Block)
}

func (rw *Writer) emit(count int, block byte) error {
	for count > 255 {
		if err := rw.w.WriteByte(255); err != nil {
			return err
		}
		if err := rw.w.WriteByte(block); err != nil {
			return err
		}
		count -= 255
	}
	if err := rw.w.WriteByte(byte(count)); err != nil {
		return err
	}
	return rw.w.WriteByte(block)
}

// Close flushes any pending coalesced run and the underlying buffer.
func (rw *Writer) Close() error {
	if err := rw.flushPending(); err != nil {
		return err
	}
	return rw.w.Flush()
}

// Table is the fully loaded run table of an RLE file: parallel Counts and
// Vals slices plus the cumulative end-exclusive index after each run, used
// by the compactor's binary search. Loading a Table holds ten bytes per
// run in memory (count, value, and cumulative end), never the expansion.
type Table struct {
	Counts []byte
	Vals   []byte
	Cum    []int64 // Cum[i] = end-exclusive index after run i
}

// LoadTable reads every run from r into a Table.
func LoadTable(r io.Reader) (*Table, error) {
	rr := NewReader(r)
	t := &Table{}
	var total int64
	for {
		run, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		t.Counts = append(t.Counts, run.Count)
		t.Vals = append(t.Vals, run.Block)
		total += int64(run.Count)
		t.Cum = append(t.Cum, total)
	}
	return t, nil
}

// Size returns the total expansion length represented by the table.
func (t *Table) Size() int64 {
	if len(t.Cum) == 0 {
		return 0
	}
	return t.Cum[len(t.Cum)-1]
}

// RunsOverlapping returns the inclusive run-index range [lo, hi] that
// overlaps the half-open index range [start, end). It is the binary-search
// step of the compaction algorithm: a right-search for the first run whose
// cumulative end exceeds start, and a left-search for the last run whose
// cumulative start is before end.
func (t *Table) RunsOverlapping(start, end int64) (lo, hi int) {
	lo = sort.Search(len(t.Cum), func(i int) bool { return t.Cum[i] > start })
	hi = sort.Search(len(t.Cum), func(i int) bool { return t.Cum[i] >= end })
	if hi >= len(t.Cum) {
		hi = len(t.Cum) - 1
	}
	return lo, hi
}

// RunStart returns the index at which run i begins.
func (t *Table) RunStart(i int) int64 {
	if i == 0 {
		return 0
	}
	return t.Cum[i-1]
}

// Expand writes the full expansion of the table to w. Intended for small
// tables and tests; production streaming goes through ExpandRange.
func (t *Table) Expand(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i, c := range t.Counts {
		if _, err := bw.Write(repeat(t.Vals[i], int(c))); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func repeat(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// ExpandRange materializes exactly the cells in [start,end) as a
// contiguous buffer, using the precomputed run/cum tables to locate and
// trim the overlapping runs. Memory used is O(end-start + runs_in_window).
func (t *Table) ExpandRange(start, end int64) []byte {
	buf := make([]byte, end-start)
	if start >= end || len(t.Counts) == 0 {
		return buf
	}
	lo, hi := t.RunsOverlapping(start, end)
	pos := int64(0)
	for i := lo; i <= hi && i < len(t.Counts); i++ {
		runStart := t.RunStart(i)
		runEnd := t.Cum[i]
		segStart := runStart
		if segStart < start {
			segStart = start
		}
		segEnd := runEnd
		if segEnd > end {
			segEnd = end
		}
		if segEnd <= segStart {
			continue
		}
		n := segEnd - segStart
		for j := int64(0); j < n; j++ {
			buf[pos+j] = t.Vals[i]
		}
		pos += n
	}
	return buf
}
