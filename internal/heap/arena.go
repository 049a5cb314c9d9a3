// Package heap emulates the dynamic-memory triad (malloc, free, realloc)
// that a foreign speech engine expects from its host. Regions are tracked by
// a numeric base address; the engine sees memory only through the addresses
// it is handed and the byte views returned by Bytes.
package heap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/loqalabs/loqa-espeak/internal/logging"
)

// Address identifies a region by its base. Null is never handed out.
type Address uint64

const Null Address = 0

func (a Address) String() string { return fmt.Sprintf("%x", uint64(a)) }

const (
	baseAddress = Address(0x1000_0000)
	alignment   = 16
	guardBytes  = alignment
)

// ErrExhausted is returned when an allocation would push live bytes past the
// arena limit.
var ErrExhausted = errors.New("heap: arena exhausted")

// Stats is a point-in-time snapshot safe to read from any goroutine.
type Stats struct {
	LiveRegions int64
	LiveBytes   int64
	Allocations int64
	Releases    int64
	Resizes     int64
	Untracked   int64
	Resets      int64
}

// Arena owns every region handed to the engine. It is not safe for
// concurrent mutation: a single goroutine owns it. Stats may be read
// concurrently.
type Arena struct {
	regions map[Address][]byte
	next    Address
	limit   int64
	log     *slog.Logger

	liveRegions atomic.Int64
	liveBytes   atomic.Int64
	allocs      atomic.Int64
	releases    atomic.Int64
	resizes     atomic.Int64
	untracked   atomic.Int64
	resets      atomic.Int64
}

// New returns an empty arena. limit caps live bytes; 0 means unlimited.
func New(limit int, log *slog.Logger) *Arena {
	if log == nil {
		log = logging.Discard()
	}
	return &Arena{
		regions: make(map[Address][]byte),
		next:    baseAddress,
		limit:   int64(limit),
		log:     log.With(slog.String("component", "heap")),
	}
}

// Allocate creates a zeroed region of size bytes. A zero size is treated as
// one byte so the caller always receives a distinct non-null address.
func (a *Arena) Allocate(size uint32) (Address, error) {
	n := checkedSize(size)
	if err := a.reserve(n); err != nil {
		return Null, err
	}
	addr := a.claim(n)
	a.regions[addr] = make([]byte, n)
	a.allocs.Add(1)
	a.liveRegions.Add(1)
	a.trace("+", addr, int(size))
	return addr, nil
}

// Release drops the region at addr. Addresses the arena never issued (or
// already released) are logged and ignored; the engine is allowed to hand
// back pointers into its static data.
func (a *Arena) Release(addr Address) {
	if addr == Null {
		return
	}
	region, ok := a.regions[addr]
	if !ok {
		a.untracked.Add(1)
		a.log.Info("release of untracked address", slog.String("addr", addr.String()))
		a.dump()
		return
	}
	delete(a.regions, addr)
	a.liveRegions.Add(-1)
	a.liveBytes.Add(-int64(len(region)))
	a.releases.Add(1)
	a.trace("-", addr, len(region))
}

// Resize moves the contents of addr into a fresh region of size bytes and
// returns its address. The common prefix is preserved and any extension is
// zero. The old address is invalid afterwards. Resizing Null allocates;
// resizing an untracked address allocates fresh and logs.
func (a *Arena) Resize(addr Address, size uint32) (Address, error) {
	if addr == Null {
		return a.Allocate(size)
	}
	old, ok := a.regions[addr]
	if !ok {
		a.untracked.Add(1)
		a.log.Debug("resize of untracked address, allocating fresh",
			slog.String("addr", addr.String()), slog.Int("size", int(size)))
		return a.Allocate(size)
	}

	n := checkedSize(size)
	if err := a.reserve(n - int64(len(old))); err != nil {
		return Null, err
	}
	fresh := make([]byte, n)
	copy(fresh, old)

	next := a.claim(n)
	delete(a.regions, addr)
	a.regions[next] = fresh
	a.resizes.Add(1)
	a.trace("-/+", next, int(size))
	return next, nil
}

// Reset discards every live region at once.
func (a *Arena) Reset() {
	if count := len(a.regions); count > 0 {
		a.log.Debug("heap reset", slog.Int("regions", count), slog.Int64("bytes", a.liveBytes.Load()))
	}
	clear(a.regions)
	a.liveRegions.Store(0)
	a.liveBytes.Store(0)
	a.resets.Add(1)
}

// Bytes returns the storage of the live region at addr. The slice aliases
// the region and is valid until the region is released, resized or reset.
func (a *Arena) Bytes(addr Address) ([]byte, bool) {
	region, ok := a.regions[addr]
	return region, ok
}

// Contains reports whether addr is the base of a live region.
func (a *Arena) Contains(addr Address) bool {
	_, ok := a.regions[addr]
	return ok
}

// Len is the number of live regions.
func (a *Arena) Len() int { return len(a.regions) }

func (a *Arena) Stats() Stats {
	return Stats{
		LiveRegions: a.liveRegions.Load(),
		LiveBytes:   a.liveBytes.Load(),
		Allocations: a.allocs.Load(),
		Releases:    a.releases.Load(),
		Resizes:     a.resizes.Load(),
		Untracked:   a.untracked.Load(),
		Resets:      a.resets.Load(),
	}
}

// reserve accounts delta bytes against the limit.
func (a *Arena) reserve(delta int64) error {
	live := a.liveBytes.Load()
	if a.limit > 0 && live+delta > a.limit {
		return fmt.Errorf("%w: %d live bytes, %d requested, limit %d", ErrExhausted, live, delta, a.limit)
	}
	a.liveBytes.Add(delta)
	return nil
}

// claim hands out the next address. Addresses only move forward, so no
// address is ever issued twice over the life of the arena.
func (a *Arena) claim(n int64) Address {
	addr := a.next
	span := (n + alignment - 1) &^ (alignment - 1)
	a.next += Address(span + guardBytes)
	return addr
}

func (a *Arena) trace(op string, addr Address, size int) {
	ctx := context.Background()
	if !a.log.Enabled(ctx, logging.LevelTrace) {
		return
	}
	logging.Trace(ctx, a.log, op+addr.String(),
		slog.Int("size", size), slog.Int("live", len(a.regions)))
}

func (a *Arena) dump() {
	ctx := context.Background()
	if !a.log.Enabled(ctx, logging.LevelTrace) {
		return
	}
	addrs := make([]Address, 0, len(a.regions))
	for addr := range a.regions {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, addr := range addrs {
		logging.Trace(ctx, a.log, "  live region", slog.String("addr", addr.String()), slog.Int("size", len(a.regions[addr])))
	}
}

func checkedSize(size uint32) int64 {
	if size == 0 {
		return 1
	}
	return int64(size)
}
