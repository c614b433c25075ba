package capture

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"rtubus/pkg/busengine"
	"rtubus/pkg/frame"
)

func TestGlobalHeader(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewWriter(&buf, binary.LittleEndian, DLTUser0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	b := buf.Bytes()
	if len(b) != 24 {
		t.Fatalf("global header length = %d, want 24", len(b))
	}

	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != 0xa1b2c3d4 {
		t.Errorf("magic = 0x%08x, want 0xa1b2c3d4", magic)
	}

	snaplen := binary.LittleEndian.Uint32(b[16:20])
	if snaplen != 65535 {
		t.Errorf("snaplen = %d, want 65535", snaplen)
	}

	linkType := binary.LittleEndian.Uint32(b[20:24])
	if linkType != DLTUser0 {
		t.Errorf("link type = %d, want %d", linkType, DLTUser0)
	}
}

func TestGlobalHeaderBigEndian(t *testing.T) {
	var buf bytes.Buffer
	if _, err := NewWriter(&buf, binary.BigEndian, DLTRTACSer); err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	linkType := binary.BigEndian.Uint32(buf.Bytes()[20:24])
	if linkType != DLTRTACSer {
		t.Errorf("link type = %d, want %d", linkType, DLTRTACSer)
	}
}

func TestWritePacket(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, binary.LittleEndian, DLTUser0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	buf.Reset() // discard global header for this test

	ts := time.Date(2025, 1, 15, 10, 30, 45, 123456789, time.UTC)
	data := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}

	if err := w.WritePacket(ts, data); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	b := buf.Bytes()
	if len(b) != 16+len(data) {
		t.Fatalf("packet length = %d, want %d", len(b), 16+len(data))
	}
	if !bytes.Equal(b[16:], data) {
		t.Errorf("packet data = %x, want %x", b[16:], data)
	}
}

func TestDumpHistoryTagsRequestsAndResponsesSeparately(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, binary.LittleEndian, DLTRTACSer)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	entries := []busengine.HistoryEntry{
		{Frame: frame.Frame{UnitID: 1, FunctionCode: 3, Payload: []byte{0, 0, 0, 2}, IsRequest: true}, CapturedAtUptimeUs: 1000},
		{Frame: frame.Frame{UnitID: 1, FunctionCode: 3, Payload: []byte{4, 0, 1, 0, 2}}, CapturedAtUptimeUs: 2000},
	}
	epoch := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := DumpHistory(w, entries, epoch, 1000); err != nil {
		t.Fatalf("DumpHistory: %v", err)
	}

	b := buf.Bytes()[24:] // skip global header
	firstType := b[16+8] // packet header (16) + rtacHeader ts(8)
	if eventType(firstType) != eventOwnRequest {
		t.Errorf("first packet type = %d, want eventOwnRequest", firstType)
	}
	// first packet: header(16) + rtacHeader(12) + unit/fc(2) + payload(4) + crc(2) = 36 bytes
	secondType := b[36+16+8]
	if eventType(secondType) != eventResponse {
		t.Errorf("second packet type = %d, want eventResponse", secondType)
	}
}

func TestDumpCrcErrors(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, binary.LittleEndian, DLTRTACSer)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	entries := []busengine.CrcErrorContext{
		{ID: 1, RawBytes: []byte{0xAA, 0xBB, 0xCC}, CapturedAtUptimeUs: 500},
	}
	epoch := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := DumpCrcErrors(w, entries, epoch, 0); err != nil {
		t.Fatalf("DumpCrcErrors: %v", err)
	}

	b := buf.Bytes()[24:]
	typ := b[16+8]
	if eventType(typ) != eventCrcError {
		t.Errorf("crc error packet type = %d, want eventCrcError", typ)
	}
	payload := b[16+12:]
	if !bytes.Equal(payload, entries[0].RawBytes) {
		t.Errorf("crc error payload = %x, want %x", payload, entries[0].RawBytes)
	}
}
