package regcache

import "testing"

func TestUpdateRegisters(t *testing.T) {
	c := NewCache()
	c.Update(2, 0x03, 0x00B1, []byte{0x02, 0xBC}, 1000)

	v, ok := c.Get(2, 0x03, 0x00B1)
	if !ok || v != 0x02BC {
		t.Fatalf("Get() = %d,%v want 0x02bc,true", v, ok)
	}

	entry, ok := c.Snapshot(2, 0x03)
	if !ok || entry.Responses != 1 || entry.LastUpdateMs != 1000 {
		t.Errorf("unexpected snapshot: %+v", entry)
	}
}

func TestUpdateMultipleRegisters(t *testing.T) {
	c := NewCache()
	c.Update(1, 0x04, 0x0020, []byte{0x00, 0x01, 0x00, 0x02, 0x00, 0x03}, 0)

	for i, want := range []uint16{1, 2, 3} {
		v, ok := c.Get(1, 0x04, 0x0020+uint16(i))
		if !ok || v != want {
			t.Errorf("addr %d: got %d,%v want %d,true", i, v, ok, want)
		}
	}
}

func TestUpdateCoilsLittleEndianWithinByte(t *testing.T) {
	c := NewCache()
	// byte 0b00000101 => bit0=1 (addr0), bit1=0 (addr1), bit2=1 (addr2)
	c.Update(3, 0x01, 0x0000, []byte{0x05}, 0)

	cases := map[uint16]uint16{0: 1, 1: 0, 2: 1, 3: 0}
	for addr, want := range cases {
		v, ok := c.Get(3, 0x01, addr)
		if !ok || v != want {
			t.Errorf("coil addr %d = %d,%v want %d,true", addr, v, ok, want)
		}
	}
}

func TestRecordRequestAndError(t *testing.T) {
	c := NewCache()
	c.RecordRequest(5, 0x03)
	c.RecordRequest(5, 0x03)
	c.RecordError(5, 0x03)

	entry, ok := c.Snapshot(5, 0x03)
	if !ok || entry.Requests != 2 || entry.Errors != 1 {
		t.Errorf("unexpected snapshot: %+v", entry)
	}
}

func TestGetUnknownKeyReturnsFalse(t *testing.T) {
	c := NewCache()
	if _, ok := c.Get(9, 0x03, 0); ok {
		t.Error("expected ok=false for unknown unit/fc")
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	c := NewCache()
	c.Update(1, 0x03, 0, []byte{0x00, 0x01}, 0)

	snap, _ := c.Snapshot(1, 0x03)
	snap.Values[0] = 999

	v, _ := c.Get(1, 0x03, 0)
	if v != 1 {
		t.Errorf("mutating the snapshot leaked into the cache: Get() = %d, want 1", v)
	}
}
