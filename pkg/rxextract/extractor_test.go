package rxextract

import (
	"testing"

	"rtubus/pkg/frame"
)

func crcAppend(body []byte) []byte {
	c := uint16(0xFFFF)
	for _, b := range body {
		c ^= uint16(b)
		for i := 0; i < 8; i++ {
			if c&1 != 0 {
				c = (c >> 1) ^ 0xA001
			} else {
				c >>= 1
			}
		}
	}
	return append(append([]byte{}, body...), byte(c), byte(c>>8))
}

var (
	readReq  = crcAppend([]byte{0x02, 0x03, 0x00, 0xB1, 0x00, 0x01})
	readResp = crcAppend([]byte{0x02, 0x03, 0x02, 0x02, 0xBC})
	excResp  = crcAppend([]byte{0x02, 0x83, 0x02})
)

type fakeCtx struct {
	inflightQty map[string]uint16
	foreignQty  map[string]uint16
}

func key(unit, fc uint8) string { return string([]byte{unit, fc}) }

func (c fakeCtx) InFlightQuantity(unit, fc uint8) (uint16, bool) {
	q, ok := c.inflightQty[key(unit, fc)]
	return q, ok
}

func (c fakeCtx) RecentForeignQuantity(unit, fc uint8) (uint16, bool) {
	q, ok := c.foreignQty[key(unit, fc)]
	return q, ok
}

func TestExtractRequestOnly(t *testing.T) {
	results, _, noise := Extract(readReq, NoContext)
	if noise {
		t.Fatal("unexpected noise")
	}
	if len(results) != 1 {
		t.Fatalf("got %d frames, want 1", len(results))
	}
	f := results[0].Frame
	if !f.IsRequest || f.BaseFunctionCode() != frame.FCReadHoldingRegisters {
		t.Errorf("unexpected frame classification: %+v", f)
	}
	if results[0].Consumed != len(readReq) {
		t.Errorf("Consumed = %d, want %d", results[0].Consumed, len(readReq))
	}
}

func TestExtractResponseWithInFlightMatch(t *testing.T) {
	ctx := fakeCtx{inflightQty: map[string]uint16{key(2, 0x03): 1}}
	results, _, noise := Extract(readResp, ctx)
	if noise {
		t.Fatal("unexpected noise")
	}
	if len(results) != 1 {
		t.Fatalf("got %d frames, want 1", len(results))
	}
	if results[0].Frame.IsRequest {
		t.Error("expected response classification")
	}
}

func TestExtractResponseRejectedOnInFlightByteCountMismatch(t *testing.T) {
	// Byte-count cross-check accepts when there is nothing to check against
	// (spec.md leaves final say to the Bus Engine), so a bare response is
	// still extracted - but a mismatched in-flight quantity must be rejected.
	ctx := fakeCtx{inflightQty: map[string]uint16{key(2, 0x03): 99}}
	results, _, noise := Extract(readResp, ctx)
	if len(results) != 0 {
		t.Fatalf("expected byte-count cross-check to reject the response, got %d frames", len(results))
	}
	if !noise {
		t.Error("rejecting the only candidate should flag noise")
	}
}

func TestExtractResponseAcceptedByRecentForeignRequest(t *testing.T) {
	ctx := fakeCtx{foreignQty: map[string]uint16{key(2, 0x03): 1}}
	results, _, noise := Extract(readResp, ctx)
	if noise {
		t.Fatal("unexpected noise")
	}
	if len(results) != 1 {
		t.Fatalf("got %d frames, want 1", len(results))
	}
}

func TestExtractException(t *testing.T) {
	results, _, noise := Extract(excResp, NoContext)
	if noise {
		t.Fatal("unexpected noise")
	}
	if len(results) != 1 || !results[0].Frame.IsException {
		t.Fatalf("expected one exception frame, got %+v", results)
	}
	if results[0].Frame.ExceptionCode != 2 {
		t.Errorf("ExceptionCode = %d, want 2", results[0].Frame.ExceptionCode)
	}
}

func TestExtractConcatenatedFrames(t *testing.T) {
	buf := append(append([]byte{}, readReq...), readResp...)
	ctx := fakeCtx{inflightQty: map[string]uint16{key(2, 0x03): 1}}
	results, _, noise := Extract(buf, ctx)
	if noise {
		t.Fatal("unexpected noise")
	}
	if len(results) != 2 {
		t.Fatalf("got %d frames, want 2", len(results))
	}
	if !results[0].Frame.IsRequest || results[1].Frame.IsRequest {
		t.Error("expected request then response in order")
	}
}

func TestExtractNoiseResyncsByOneByte(t *testing.T) {
	buf := append([]byte{0xFF, 0x00, 0x11}, readReq...)
	results, _, noise := Extract(buf, NoContext)
	if !noise {
		t.Error("expected noise to be flagged")
	}
	if len(results) != 1 {
		t.Fatalf("got %d frames, want 1 after resync", len(results))
	}
	if results[0].Consumed != len(readReq) {
		t.Errorf("Consumed = %d, want %d", results[0].Consumed, len(readReq))
	}
}

func TestExtractTooShortIsNoise(t *testing.T) {
	results, _, noise := Extract([]byte{0x02, 0x03}, NoContext)
	if len(results) != 0 {
		t.Fatalf("got %d frames, want 0", len(results))
	}
	if !noise {
		t.Error("short leftover bytes should flag noise")
	}
}

func TestExtractBadCRCIsNoise(t *testing.T) {
	corrupt := append([]byte{}, readReq...)
	corrupt[len(corrupt)-1] ^= 0xFF
	results, _, noise := Extract(corrupt, NoContext)
	if len(results) != 0 {
		t.Fatalf("got %d frames, want 0 for corrupted CRC", len(results))
	}
	if !noise {
		t.Error("expected noise for a candidate that fails CRC")
	}
}

func TestExtractUnitOutOfRangeIsNoise(t *testing.T) {
	buf := append([]byte{0x00}, readReq...)
	results, _, noise := Extract(buf, NoContext)
	if !noise {
		t.Error("expected noise for unit 0")
	}
	if len(results) != 1 {
		t.Fatalf("got %d frames, want 1 after skipping the bad unit byte", len(results))
	}
}

func TestExtractWriteSingleAmbiguousClassifiesAsRequestWithoutInFlight(t *testing.T) {
	wire := crcAppend([]byte{0x03, 0x06, 0x00, 0x10, 0x00, 0x2A})
	results, _, noise := Extract(wire, NoContext)
	if noise {
		t.Fatal("unexpected noise")
	}
	if len(results) != 1 {
		t.Fatalf("got %d frames, want 1", len(results))
	}
	if !results[0].Frame.IsRequest {
		t.Error("with no in-flight match, ambiguous FC6 frame should classify as request")
	}
}

func TestExtractWriteSingleAmbiguousClassifiesAsResponseWhenInFlight(t *testing.T) {
	wire := crcAppend([]byte{0x03, 0x06, 0x00, 0x10, 0x00, 0x2A})
	ctx := fakeCtx{inflightQty: map[string]uint16{key(3, 0x06): 1}}
	results, _, noise := Extract(wire, ctx)
	if noise {
		t.Fatal("unexpected noise")
	}
	if len(results) != 1 || results[0].Frame.IsRequest {
		t.Fatalf("expected response classification, got %+v", results)
	}
}

func TestExtractWriteMultipleRequestPreferredOverResponseLength(t *testing.T) {
	wire := crcAppend([]byte{0x01, 0x10, 0x00, 0x10, 0x00, 0x02, 0x04, 0x00, 0xCD, 0x12, 0x34})
	results, _, noise := Extract(wire, NoContext)
	if noise {
		t.Fatal("unexpected noise")
	}
	if len(results) != 1 || !results[0].Frame.IsRequest {
		t.Fatalf("expected write-multiple request classification, got %+v", results)
	}
	if results[0].Consumed != len(wire) {
		t.Errorf("Consumed = %d, want %d", results[0].Consumed, len(wire))
	}
}

func TestExtractEmptyBuffer(t *testing.T) {
	results, _, noise := Extract(nil, NoContext)
	if len(results) != 0 || noise {
		t.Errorf("got results=%v noise=%v, want empty/false", results, noise)
	}
}

// A 5-coil read response carries a 1-byte (odd) byte count, unlike a
// register read's always-even byte count. Both plausible() and the
// byte-count cross-check must accept it.
func TestExtractReadCoilsOddByteCountMatchesInFlight(t *testing.T) {
	resp := crcAppend([]byte{0x02, 0x01, 0x01, 0x15})
	ctx := fakeCtx{inflightQty: map[string]uint16{key(2, 0x01): 5}}
	results, _, noise := Extract(resp, ctx)
	if noise {
		t.Fatal("unexpected noise")
	}
	if len(results) != 1 {
		t.Fatalf("got %d frames, want 1", len(results))
	}
	f := results[0].Frame
	if f.IsRequest || f.BaseFunctionCode() != frame.FCReadCoils {
		t.Errorf("unexpected frame classification: %+v", f)
	}
}

func TestExtractReadDiscreteInputsOddByteCountRejectsMismatch(t *testing.T) {
	resp := crcAppend([]byte{0x02, 0x02, 0x01, 0x01})
	ctx := fakeCtx{inflightQty: map[string]uint16{key(2, 0x02): 20}} // expects ceil(20/8)=3 bytes
	results, _, noise := Extract(resp, ctx)
	if len(results) != 0 {
		t.Fatalf("expected byte-count cross-check to reject the response, got %d frames", len(results))
	}
	if !noise {
		t.Error("rejecting the only candidate should flag noise")
	}
}

func TestExtractBadCRCYieldsInvalidFrameForHistory(t *testing.T) {
	corrupt := append([]byte{}, readReq...)
	corrupt[len(corrupt)-1] ^= 0xFF
	results, invalid, noise := Extract(corrupt, NoContext)
	if len(results) != 0 {
		t.Fatalf("got %d frames, want 0 for corrupted CRC", len(results))
	}
	if !noise {
		t.Error("expected noise for a candidate that fails CRC")
	}
	if len(invalid) != 1 {
		t.Fatalf("got %d invalid frames, want 1 recorded for history", len(invalid))
	}
	if invalid[0].IsValid {
		t.Error("invalid frame must report IsValid=false")
	}
	if invalid[0].UnitID != readReq[0] {
		t.Errorf("invalid frame UnitID = %d, want %d", invalid[0].UnitID, readReq[0])
	}
}

func TestExpectedByteCountBitVsWordPacked(t *testing.T) {
	cases := []struct {
		fc       uint8
		quantity uint16
		want     int
	}{
		{frame.FCReadCoils, 5, 1},
		{frame.FCReadCoils, 8, 1},
		{frame.FCReadCoils, 9, 2},
		{frame.FCReadDiscreteInputs, 20, 3},
		{frame.FCReadHoldingRegisters, 1, 2},
		{frame.FCReadInputRegisters, 10, 20},
	}
	for _, c := range cases {
		if got := ExpectedByteCount(c.fc, c.quantity); got != c.want {
			t.Errorf("ExpectedByteCount(0x%02X, %d) = %d, want %d", c.fc, c.quantity, got, c.want)
		}
	}
}
