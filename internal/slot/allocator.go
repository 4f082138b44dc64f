// ============================================================================
// Slot Dispatcher - Circular Slot Allocator
// ============================================================================
//
// Package: internal/slot
// File: allocator.go
// Function: Fixed-size pool of execution slots with a rotating search cursor
//
// How it works:
//   The allocator owns C cells. Each cell is either empty or holds the id of
//   the job running in it plus an opaque rank marker used for display.
//
//   Acquire scans forward from the cursor and wraps around:
//
//     cursor ──┐
//              ▼
//     [ A ][ B ][   ][ C ][   ]
//                ▲
//                └── first empty cell after the cursor
//
//   The cursor is left one past the cell it handed out, so the next scan
//   starts where the last one ended instead of at index 0.
//
// Failure:
//   A full revolution without an empty cell returns ErrNoAvailableSlot. The
//   caller is expected to wait for a Release and try again.
//
// ============================================================================

package slot

import (
	"errors"
	"math"
	"sync"

	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
)

var (
	// ErrNoAvailableSlot means every slot is occupied.
	ErrNoAvailableSlot = errors.New("no available slot")
	// ErrSlotOutOfRange means the index is outside [0, capacity).
	ErrSlotOutOfRange = errors.New("slot index out of range")
	// ErrSlotNotOccupied means Release was called on an empty slot.
	ErrSlotNotOccupied = errors.New("slot not occupied")
)

// Cell is a read-only view of one slot.
type Cell struct {
	Occupied bool
	JobID    types.JobID
	Rank     uint16
}

// Allocator hands out slot indexes with a circular scan.
type Allocator struct {
	mu       sync.Mutex
	cells    []Cell
	next     int
	occupied int
}

// New creates an allocator with capacity slots. Capacity below 1 is treated as 1.
func New(capacity int) *Allocator {
	if capacity < 1 {
		capacity = 1
	}
	return &Allocator{
		cells: make([]Cell, capacity),
	}
}

// Acquire marks the first empty slot at or after the cursor as occupied by id
// and returns its index.
func (a *Allocator) Acquire(id types.JobID, rank uint16) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.occupied == len(a.cells) {
		return -1, ErrNoAvailableSlot
	}

	start := a.next
	for a.cells[a.next].Occupied {
		a.next = (a.next + 1) % len(a.cells)
		if a.next == start {
			return -1, ErrNoAvailableSlot
		}
	}

	idx := a.next
	a.cells[idx] = Cell{Occupied: true, JobID: id, Rank: rank}
	a.occupied++
	a.next = (a.next + 1) % len(a.cells)
	return idx, nil
}

// Release empties the slot at idx.
func (a *Allocator) Release(idx int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if idx < 0 || idx >= len(a.cells) {
		return ErrSlotOutOfRange
	}
	if !a.cells[idx].Occupied {
		return ErrSlotNotOccupied
	}
	a.cells[idx] = Cell{}
	a.occupied--
	return nil
}

// Occupied returns the number of occupied slots.
func (a *Allocator) Occupied() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.occupied
}

// Capacity returns the total number of slots.
func (a *Allocator) Capacity() int {
	return len(a.cells)
}

// Cells returns a copy of every slot.
func (a *Allocator) Cells() []Cell {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Cell, len(a.cells))
	copy(out, a.cells)
	return out
}

// Ranks builds the rank marker table for a priority universe. The rank of a
// priority is one plus the index of its first occurrence in universe; a
// priority missing from universe has rank 0. Ranks saturate at MaxUint16.
func Ranks(universe []int) map[int]uint16 {
	ranks := make(map[int]uint16, len(universe))
	for i, p := range universe {
		if _, seen := ranks[p]; seen {
			continue
		}
		if i+1 > math.MaxUint16 {
			ranks[p] = math.MaxUint16
			continue
		}
		ranks[p] = uint16(i + 1)
	}
	return ranks
}
