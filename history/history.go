// Package history keeps the rendered columns of the strip chart in a
// fixed-capacity circular buffer.
//
// A Ring for a display W columns wide holds W+1 records. The extra slot is
// never shown; it only serves as the predecessor of the leftmost visible
// column so that every column can be diffed against what was drawn at its
// position on the previous cycle. The ring starts with a zero-height LOW
// sentinel in its last slot, which is the baseline for the very first
// record: a column that was never drawn is blank.
package history

import (
	"errors"
	"iter"

	"github.com/samber/lo"
	"periph.io/x/conn/v3/physic"

	"github.com/flavioheleno/voltscope/sampler"
)

// Record is the quantized, renderable form of one sample.
type Record struct {
	Height int           // Lit pixels counted from the bottom, in [0, H]
	Range  sampler.Range // Reference range, selects the column colour
}

// HeightOf maps v onto [0, h] as floor(v*h/max).
func HeightOf(v, max physic.ElectricPotential, h int) int {
	if max <= 0 || h <= 0 {
		return 0
	}
	v = lo.Clamp(v, 0, max)
	return int(int64(v) * int64(h) / int64(max))
}

// NewRecord quantizes a reading for a trace h pixels tall.
func NewRecord(r sampler.Reading, max physic.ElectricPotential, h int) Record {
	return Record{Height: HeightOf(r.Voltage, max, h), Range: r.Range}
}

// Column is one visible display column and its content on the previous
// cycle.
type Column struct {
	X   int
	New Record
	Old Record
}

// Ring is the circular history buffer.
type Ring struct {
	slots  []Record
	cursor int // Physical index of the next write
	count  int // Writes so far, saturating at len(slots)
}

// New creates a Ring for a display width columns wide.
func New(width int) (*Ring, error) {
	if width <= 0 {
		return nil, errors.New("history: width must be positive")
	}
	// slots[width] is the sentinel; zero value is height 0 on LOW.
	return &Ring{slots: make([]Record, width+1)}, nil
}

// Cap returns the capacity, one more than the display width.
func (r *Ring) Cap() int {
	return len(r.slots)
}

// Len returns the number of records written, up to Cap.
func (r *Ring) Len() int {
	return r.count
}

// Full reports whether every write now evicts the oldest record.
func (r *Ring) Full() bool {
	return r.count == len(r.slots)
}

// Write stores rec in the next slot and returns the physical index it was
// written to. While the ring fills, evicted is the zero Record.
func (r *Ring) Write(rec Record) (evicted Record, index int) {
	index = r.cursor
	if r.Full() {
		evicted = r.slots[index]
	} else {
		r.count++
	}
	r.slots[index] = rec
	r.cursor = (r.cursor + 1) % len(r.slots)
	return evicted, index
}

// newest returns the physical index of the last write.
func (r *Ring) newest() int {
	return (r.cursor - 1 + len(r.slots)) % len(r.slots)
}

// oldest returns the physical index of the oldest record.
func (r *Ring) oldest() int {
	if r.Full() {
		return r.cursor
	}
	return 0
}

// Newest returns the most recently written record.
func (r *Ring) Newest() Record {
	if r.count == 0 {
		return Record{}
	}
	return r.slots[r.newest()]
}

// Oldest returns the oldest record still held.
func (r *Ring) Oldest() Record {
	if r.count == 0 {
		return Record{}
	}
	return r.slots[r.oldest()]
}

// Records returns a copy of the held records, oldest first.
func (r *Ring) Records() []Record {
	out := make([]Record, 0, r.count)
	start := r.oldest()
	for i := 0; i < r.count; i++ {
		out = append(out, r.slots[(start+i)%len(r.slots)])
	}
	return out
}

// prev returns the physical predecessor of slot i.
func (r *Ring) prev(i int) int {
	if i == 0 {
		return len(r.slots) - 1
	}
	return i - 1
}

// span is an inclusive run of physical slot indices.
type span struct {
	lo, hi int
}

// runs returns the physical slots shown on a display width columns wide, as
// up to two contiguous runs ordered newest first. The first run ends at the
// newest slot; the second, if any, ends at the physical end of the ring.
func (r *Ring) runs(width int) []span {
	if r.count == 0 {
		return nil
	}
	act := r.newest()
	if !r.Full() {
		return []span{{lo: max(0, act-width+1), hi: act}}
	}

	// Every slot but the oldest is visible; the oldest is only a predecessor.
	old := r.oldest()
	if old == 0 {
		return []span{{lo: 1, hi: act}}
	}
	out := []span{{lo: 0, hi: act}}
	if old < len(r.slots)-1 {
		out = append(out, span{lo: old + 1, hi: len(r.slots) - 1})
	}
	return out
}

// Columns yields the visible columns from the rightmost (newest record) to
// the left, each paired with the record that occupied its x position on the
// previous cycle. width must not exceed Cap()-1.
func (r *Ring) Columns(width int) iter.Seq[Column] {
	return func(yield func(Column) bool) {
		x := width - 1
		for _, s := range r.runs(width) {
			for i := s.hi; i >= s.lo && x >= 0; i-- {
				if !yield(Column{X: x, New: r.slots[i], Old: r.slots[r.prev(i)]}) {
					return
				}
				x--
			}
		}
	}
}
