package busengine

import (
	"testing"

	"rtubus/pkg/frame"
)

func TestRingUpdateLastPatchesMostRecentEntry(t *testing.T) {
	r := newRing[int](3)
	r.push(1)
	r.push(2)
	r.updateLast(func(v *int) { *v = 20 })

	got := r.snapshot()
	want := []int{1, 20}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
}

func TestRingUpdateLastOnEmptyRingIsNoop(t *testing.T) {
	r := newRing[int](3)
	r.updateLast(func(v *int) { *v = 99 }) // must not panic
	if len(r.snapshot()) != 0 {
		t.Fatal("expected empty ring to remain empty")
	}
}

func TestCrcErrorContextCapturesBeforeBadAndAfter(t *testing.T) {
	clk := &fakeClock{us: 0}
	link := &fakeLink{}
	e := newTestEngine(link, clk, Config{})

	before := mustCRC(t, []byte{1, 3, 0, 0, 0, 1})
	beforeFrame, ok := frame.Parse(before, len(before))
	if !ok {
		t.Fatal("parse before failed")
	}
	e.recordHistory(beforeFrame)

	badBytes := []byte{2, 3, 0, 0, 0, 1, 0xDE, 0xAD}
	e.recordCrcErrorContext(badBytes)

	afterWire := mustCRC(t, []byte{1, 3, 0, 0, 0, 1})
	afterFrame, ok := frame.Parse(afterWire, len(afterWire))
	if !ok {
		t.Fatal("parse after failed")
	}
	e.recordHistory(afterFrame)

	ctxs := e.RecentCrcContexts()
	if len(ctxs) != 1 {
		t.Fatalf("got %d crc contexts, want 1", len(ctxs))
	}
	ctx := ctxs[0]

	if ctx.ID != 1 {
		t.Errorf("ID = %d, want 1", ctx.ID)
	}
	if !ctx.HasBefore || ctx.Before.UnitID != beforeFrame.UnitID {
		t.Errorf("Before not captured correctly: %+v", ctx.Before)
	}
	if !ctx.HasBad || ctx.Bad.UnitID != 2 {
		t.Errorf("Bad not captured correctly: %+v", ctx.Bad)
	}
	if !ctx.HasAfter || ctx.After.UnitID != afterFrame.UnitID {
		t.Errorf("After not patched in correctly: %+v", ctx.After)
	}
	if len(ctx.RawBytes) != len(badBytes) {
		t.Errorf("RawBytes len = %d, want %d", len(ctx.RawBytes), len(badBytes))
	}
}

func TestCrcErrorContextSequenceIDIncrements(t *testing.T) {
	clk := &fakeClock{us: 0}
	link := &fakeLink{}
	e := newTestEngine(link, clk, Config{})

	e.recordCrcErrorContext([]byte{0xFF, 0xFF})
	e.recordCrcErrorContext([]byte{0xEE, 0xEE})

	ctxs := e.RecentCrcContexts()
	if len(ctxs) != 2 {
		t.Fatalf("got %d contexts, want 2", len(ctxs))
	}
	if ctxs[0].ID != 1 || ctxs[1].ID != 2 {
		t.Errorf("IDs = %d, %d, want 1, 2", ctxs[0].ID, ctxs[1].ID)
	}
}
