package busengine

import "rtubus/pkg/frame"

// ring is a fixed-capacity circular buffer. Every push overwrites the
// oldest entry once full — the fixed-capacity collection policy spec.md §9
// calls for in place of the original's growable std::vector history.
type ring[T any] struct {
	entries []T
	next    int
	count   int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{entries: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if len(r.entries) == 0 {
		return
	}
	r.entries[r.next] = v
	r.next = (r.next + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
}

// updateLast mutates the most recently pushed entry in place, if any —
// used to patch a CrcErrorContext's After field once it becomes known.
func (r *ring[T]) updateLast(fn func(*T)) {
	if r.count == 0 || len(r.entries) == 0 {
		return
	}
	idx := (r.next - 1 + len(r.entries)) % len(r.entries)
	fn(&r.entries[idx])
}

// snapshot returns entries oldest-first.
func (r *ring[T]) snapshot() []T {
	out := make([]T, r.count)
	start := (r.next - r.count + len(r.entries)) % len(r.entries)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(start+i)%len(r.entries)]
	}
	return out
}

// HistoryEntry is one frame captured off the wire, keeping an owned copy
// of its payload (frame.Parse already copies) so later mutation of the RX
// buffer can never alias into history (spec.md's no-payload-aliasing
// invariant).
type HistoryEntry struct {
	Frame              frame.Frame
	CapturedAtUptimeUs uint64
}

// CrcErrorContext is the frame window around a noise/CRC-failure hit, kept
// for post-mortem diagnosis (e.g. dumped via pkg/capture). ID is a
// monotonically increasing sequence number; Before is the last frame (valid
// or invalid) recorded before the corruption; Bad is the best-effort parse
// of the corrupted bytes themselves (HasBad false if nothing even
// structurally parsed); After, once a subsequent frame is recorded, is
// patched in by the engine (HasAfter stays false if the link goes quiet or
// closes first). RawBytes always keeps the raw leftover window regardless of
// whether Bad could be parsed.
type CrcErrorContext struct {
	ID                 uint32
	Before             frame.Frame
	HasBefore          bool
	Bad                frame.Frame
	HasBad             bool
	After              frame.Frame
	HasAfter           bool
	RawBytes           []byte
	CapturedAtUptimeUs uint64
}

func (e *Engine) recordHistory(f frame.Frame) {
	e.history.push(HistoryEntry{Frame: f, CapturedAtUptimeUs: e.clock.NowUs()})

	if e.awaitingCrcAfter {
		e.crcContexts.updateLast(func(c *CrcErrorContext) {
			c.After = f
			c.HasAfter = true
		})
		e.awaitingCrcAfter = false
	}

	e.lastFrame = f
	e.hasLastFrame = true
}

func (e *Engine) recordCrcErrorContext(raw []byte) {
	cp := append([]byte(nil), raw...)

	e.crcContextSeq++
	ctx := CrcErrorContext{
		ID:                 e.crcContextSeq,
		Before:             e.lastFrame,
		HasBefore:          e.hasLastFrame,
		RawBytes:           cp,
		CapturedAtUptimeUs: e.clock.NowUs(),
	}
	if bad, ok := frame.Parse(cp, len(cp)); ok {
		ctx.Bad = bad
		ctx.HasBad = true
	}

	e.crcContexts.push(ctx)
	e.awaitingCrcAfter = true
}

// RecentFrames returns the frame-history ring, oldest first (spec.md §6
// engine.recentFrames()).
func (e *Engine) RecentFrames() []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.snapshot()
}

// RecentCrcContexts returns the CRC-error-context ring, oldest first
// (spec.md §6 engine.recentCrcContexts()).
func (e *Engine) RecentCrcContexts() []CrcErrorContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.crcContexts.snapshot()
}
