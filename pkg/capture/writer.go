// Package capture dumps the Bus Engine's frame history and CRC-error
// contexts in libpcap format, for post-mortem inspection in Wireshark
// (spec.md §6 engine.recentFrames()/recentCrcContexts(), §11).
package capture

import (
	"encoding/binary"
	"io"
	"time"

	"rtubus/pkg/busengine"
	"rtubus/pkg/frame"
)

const (
	magicNumber  uint32 = 0xa1b2c3d4
	versionMajor uint16 = 2
	versionMinor uint16 = 4
	snapLen      uint32 = 65535

	// DLTUser0 tags payloads with no further structure: a frame copied
	// straight off the wire.
	DLTUser0 uint32 = 147
	// DLTRTACSer tags payloads carrying the 12-byte RTAC Serial header
	// this package prefixes onto every Modbus frame/CRC-error dump.
	DLTRTACSer uint32 = 222
)

// eventType is the RTAC Serial event-type byte, generalized to the
// engine's own/foreign/error framing.
type eventType byte

const (
	eventUnknown      eventType = 0x00
	eventOwnRequest   eventType = 0x01
	eventResponse     eventType = 0x02
	eventCrcError     eventType = 0x03
	eventForeignFrame eventType = 0x04
)

// Writer writes packets in libpcap format, byte order configurable since
// some Wireshark-adjacent tooling expects big-endian captures.
type Writer struct {
	w         io.Writer
	byteOrder binary.ByteOrder
}

// NewWriter creates a Writer and writes the 24-byte pcap global header.
func NewWriter(w io.Writer, byteOrder binary.ByteOrder, linkType uint32) (*Writer, error) {
	hdr := struct {
		Magic        uint32
		VersionMajor uint16
		VersionMinor uint16
		ThisZone     int32
		SigFigs      uint32
		SnapLen      uint32
		LinkType     uint32
	}{
		Magic:        magicNumber,
		VersionMajor: versionMajor,
		VersionMinor: versionMinor,
		SnapLen:      snapLen,
		LinkType:     linkType,
	}
	if err := binary.Write(w, byteOrder, &hdr); err != nil {
		return nil, err
	}
	return &Writer{w: w, byteOrder: byteOrder}, nil
}

// WritePacket writes a single packet with its timestamp and raw data.
func (pw *Writer) WritePacket(ts time.Time, data []byte) error {
	length := uint32(len(data))
	hdr := struct {
		TsSec   uint32
		TsUsec  uint32
		CapLen  uint32
		OrigLen uint32
	}{
		TsSec:   uint32(ts.Unix()),
		TsUsec:  uint32(ts.Nanosecond() / 1000),
		CapLen:  length,
		OrigLen: length,
	}
	if err := binary.Write(pw.w, pw.byteOrder, &hdr); err != nil {
		return err
	}
	_, err := pw.w.Write(data)
	return err
}

// rtacHeader builds the 12-byte header prefixed onto every dumped packet,
// so existing RTAC-Serial Wireshark dissectors still decode these captures.
func rtacHeader(ts time.Time, typ eventType) []byte {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(ts.Unix()))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(ts.Nanosecond()/1000))
	hdr[8] = byte(typ)
	return hdr
}

// uptimeToWallClock converts a frame's captured uptime to an absolute
// timestamp, anchored at a wall-clock/uptime pair taken once at startup.
func uptimeToWallClock(epoch time.Time, epochUptimeUs, capturedUptimeUs uint64) time.Time {
	var delta time.Duration
	if capturedUptimeUs >= epochUptimeUs {
		delta = time.Duration(capturedUptimeUs-epochUptimeUs) * time.Microsecond
	} else {
		delta = -time.Duration(epochUptimeUs-capturedUptimeUs) * time.Microsecond
	}
	return epoch.Add(delta)
}

// rawBytes reconstructs the wire bytes of a parsed frame: unit, function
// code, payload, and the CRC as received (little-endian on the wire),
// mirroring the layout frame.Parse reads it from.
func rawBytes(f frame.Frame) []byte {
	buf := make([]byte, 0, 2+len(f.Payload)+2)
	buf = append(buf, f.UnitID, f.FunctionCode)
	buf = append(buf, f.Payload...)
	buf = append(buf, byte(f.CRC), byte(f.CRC>>8))
	return buf
}

// DumpHistory writes every frame currently in the engine's history ring,
// oldest first, as RTAC-Serial-tagged packets (spec.md §6). Every request is
// tagged eventOwnRequest and every other frame eventResponse: a HistoryEntry
// does not record whether a frame was ours or foreign, so eventForeignFrame
// is never emitted.
func DumpHistory(pw *Writer, entries []busengine.HistoryEntry, epoch time.Time, epochUptimeUs uint64) error {
	for _, e := range entries {
		typ := eventResponse
		if e.Frame.IsRequest {
			typ = eventOwnRequest
		}
		ts := uptimeToWallClock(epoch, epochUptimeUs, e.CapturedAtUptimeUs)
		payload := append(rtacHeader(ts, typ), rawBytes(e.Frame)...)
		if err := pw.WritePacket(ts, payload); err != nil {
			return err
		}
	}
	return nil
}

// DumpCrcErrors writes every CRC-error context currently in the engine's
// ring, oldest first (spec.md §6 engine.recentCrcContexts()). The corrupted
// bytes are dumped as-received; Before/After (the frames immediately
// surrounding the corruption, when known) already appear among DumpHistory's
// own packets and aren't duplicated here — Engine.RecentCrcContexts() is the
// place to inspect the full {ID, Before, Bad, After} context programmatically.
func DumpCrcErrors(pw *Writer, entries []busengine.CrcErrorContext, epoch time.Time, epochUptimeUs uint64) error {
	for _, e := range entries {
		ts := uptimeToWallClock(epoch, epochUptimeUs, e.CapturedAtUptimeUs)
		payload := append(rtacHeader(ts, eventCrcError), e.RawBytes...)
		if err := pw.WritePacket(ts, payload); err != nil {
			return err
		}
	}
	return nil
}
