// Package rxextract implements the RX Extractor: scanning a raw RTU byte
// buffer for spec-plausible frames without ever brute-forcing CRC over
// arbitrary slices (spec.md §4.3).
package rxextract

import "rtubus/pkg/frame"

// RequestContext lets the extractor apply the byte-count cross-check
// (spec.md §4.3 step 4) without owning in-flight/foreign-request state
// itself — that state lives in the Bus Engine.
type RequestContext interface {
	// InFlightQuantity returns the quantity of the request currently
	// in-flight for (unit, baseFC), if any.
	InFlightQuantity(unit, baseFC uint8) (quantity uint16, ok bool)
	// RecentForeignQuantity returns the quantity of the most recent
	// foreign request observed for (unit, baseFC) within the freshness
	// window (spec.md default 2000ms), if any.
	RecentForeignQuantity(unit, baseFC uint8) (quantity uint16, ok bool)
}

// noRequestContext is used when a caller has no in-flight/foreign state to
// cross-check against (e.g. unit tests exercising extraction in isolation).
type noRequestContext struct{}

func (noRequestContext) InFlightQuantity(uint8, uint8) (uint16, bool)       { return 0, false }
func (noRequestContext) RecentForeignQuantity(uint8, uint8) (uint16, bool) { return 0, false }

// NoContext is a RequestContext with no in-flight or foreign-request state.
var NoContext RequestContext = noRequestContext{}

type candidate struct {
	length    int
	isRequest bool
	ambiguous bool // FC5/FC6: request and response are byte-for-byte identical shapes
}

// candidatesAt returns, in the order they must be tried, the fixed
// spec-sized candidate lengths for the bytes starting at buf[0]. buf must
// have at least 2 bytes (unit, fc) already validated by the caller.
func candidatesAt(buf []byte) []candidate {
	fc := buf[1]
	base := fc &^ frame.ExceptionFlag

	switch {
	case fc&frame.ExceptionFlag != 0 && isReadFC(base):
		// Exception response for FC1/2/3/4: unit, fc, excCode, crc(2) = 5 bytes.
		return []candidate{{length: 5, isRequest: false}}

	case isReadFC(fc):
		// Normal request is fixed 8 bytes. Tried before the variable-length
		// response candidate because many devices have addresses whose high
		// byte coincidentally looks like a plausible response byte-count.
		cands := []candidate{{length: 8, isRequest: true}}
		if len(buf) >= 3 {
			respLen := int(buf[2]) + 5
			if respLen != 8 {
				cands = append(cands, candidate{length: respLen, isRequest: false})
			}
		}
		return cands

	case fc == frame.FCWriteSingleCoil || fc == frame.FCWriteSingleRegister:
		// Request and response are structurally identical: unit, fc, addr(2),
		// value(2), crc(2) = 8 bytes.
		return []candidate{{length: 8, ambiguous: true}}

	case fc == frame.FCWriteMultipleCoils || fc == frame.FCWriteMultipleRegs:
		if len(buf) < 7 {
			return nil
		}
		return []candidate{
			{length: 9 + int(buf[6]), isRequest: true},
			{length: 8, isRequest: false},
		}

	default:
		return nil
	}
}

func isReadFC(fc uint8) bool {
	switch fc {
	case frame.FCReadCoils, frame.FCReadDiscreteInputs, frame.FCReadHoldingRegisters, frame.FCReadInputRegisters:
		return true
	}
	return false
}

// Result is one frame the extractor accepted out of an RX buffer, along
// with the number of bytes it consumed (== the candidate length that
// matched).
type Result struct {
	Frame    frame.Frame
	Consumed int
}

// Extract scans buf from the start and yields zero or more spec-plausible
// frames (spec.md §4.3). invalid carries a best-effort Frame (IsValid=false)
// for each noise position where a candidate window at least parsed
// structurally but failed its CRC — kept only so the caller can record it
// for post-mortem visualization (spec.md §3's frame history is "valid and
// invalid"); invalid frames never participate in matching or cache updates.
// hadNoise reports whether any byte in buf was classified as noise (unit out
// of range, no candidate matched, CRC mismatch, or a failed byte-count
// cross-check) — callers increment their CRC-error statistic at most once
// per call regardless of how many noise bytes were skipped.
func Extract(buf []byte, ctx RequestContext) (results []Result, invalid []frame.Frame, hadNoise bool) {
	if ctx == nil {
		ctx = NoContext
	}

	i := 0
	for i+4 <= len(buf) {
		unit := buf[i]
		if unit == 0 || unit > 247 {
			hadNoise = true
			i++
			continue
		}

		cands := candidatesAt(buf[i:])
		matched := false
		var badCRC *frame.Frame

		for _, c := range cands {
			if c.length < 4 || i+c.length > len(buf) {
				continue
			}
			window := buf[i : i+c.length]

			f, ok := frame.Parse(window, len(window))
			if !ok {
				continue
			}
			if !f.IsValid {
				if badCRC == nil {
					cp := f
					badCRC = &cp
				}
				continue
			}
			if !plausible(f) {
				continue
			}

			isRequest := c.isRequest
			if c.ambiguous {
				isRequest = classifyAmbiguous(f, ctx)
			}

			if !byteCountCrossCheck(f, isRequest, ctx) {
				continue
			}

			f.IsRequest = isRequest
			results = append(results, Result{Frame: f, Consumed: c.length})
			i += c.length
			matched = true
			break
		}

		if !matched {
			hadNoise = true
			if badCRC != nil {
				invalid = append(invalid, *badCRC)
			}
			i++
		}
	}

	if i < len(buf) {
		hadNoise = true
	}

	return results, invalid, hadNoise
}

// plausible rejects candidates whose fields are structurally impossible
// even though the CRC happened to check out: quantity out of 1..125 for
// reads, implausible exception codes.
func plausible(f frame.Frame) bool {
	base := f.BaseFunctionCode()
	if f.IsException {
		return f.ExceptionCode >= 1 && f.ExceptionCode <= 0x0B
	}
	switch base {
	case frame.FCReadCoils, frame.FCReadDiscreteInputs, frame.FCReadHoldingRegisters, frame.FCReadInputRegisters:
		if len(f.Payload) == 4 {
			q := f.Quantity()
			return q >= 1 && q <= 125
		}
		if len(f.Payload) >= 1 {
			bc := f.ByteCount()
			if base == frame.FCReadCoils || base == frame.FCReadDiscreteInputs {
				return bc >= 1 && bc <= 250 && len(f.Payload) == bc+1
			}
			return bc >= 2 && bc <= 250 && bc%2 == 0 && len(f.Payload) == bc+1
		}
	case frame.FCWriteMultipleCoils, frame.FCWriteMultipleRegs:
		if len(f.Payload) >= 5 {
			q := f.Quantity()
			return q >= 1 && q <= 125
		}
		return len(f.Payload) == 4
	}
	return true
}

// classifyAmbiguous applies the best-effort heuristic for FC5/FC6, whose
// request and response share the same wire shape: while we have a request
// of the same unit/fc in flight the frame is taken as its response;
// otherwise it is taken as a (foreign) request. An echo of our own write
// that reaches the extractor is therefore also classified as the response
// (spec.md §9 Open Question — write echo confusion is not fully resolved).
func classifyAmbiguous(f frame.Frame, ctx RequestContext) bool {
	_, inflight := ctx.InFlightQuantity(f.UnitID, f.BaseFunctionCode())
	return !inflight
}

// byteCountCrossCheck implements spec.md §4.3 step 4: a response candidate
// for FC1-4 must match the byte count implied by either our own in-flight
// request, or a recent foreign request for the same unit/fc.
func byteCountCrossCheck(f frame.Frame, isRequest bool, ctx RequestContext) bool {
	if isRequest || f.IsException {
		return true
	}
	if !isReadFC(f.BaseFunctionCode()) {
		return true
	}
	if len(f.Payload) < 1 {
		return true
	}
	byteCount := f.ByteCount()

	if q, ok := ctx.InFlightQuantity(f.UnitID, f.BaseFunctionCode()); ok {
		return byteCount == ExpectedByteCount(f.BaseFunctionCode(), q)
	}
	if q, ok := ctx.RecentForeignQuantity(f.UnitID, f.BaseFunctionCode()); ok {
		return byteCount == ExpectedByteCount(f.BaseFunctionCode(), q)
	}
	// No context to check against: accept. The Bus Engine still has the
	// final say over whether this becomes a cache update.
	return true
}

// ExpectedByteCount is the byte-count field a read response for baseFC
// (0x01-0x04) must carry for quantity items: bit-packed ceil(quantity/8)
// for coils/discrete inputs, 2*quantity for holding/input registers.
func ExpectedByteCount(baseFC uint8, quantity uint16) int {
	switch baseFC {
	case frame.FCReadCoils, frame.FCReadDiscreteInputs:
		return int((quantity + 7) / 8)
	default: // FCReadHoldingRegisters, FCReadInputRegisters
		return int(2 * quantity)
	}
}
