// Package frame implements the Modbus RTU PDU value type and its codec:
// parsing a candidate byte window into a Frame, and encoding a PendingRequest
// into wire bytes.
package frame

import (
	"fmt"

	"rtubus/pkg/crc"
)

// ExceptionFlag is set on the function code of an exception response.
const ExceptionFlag byte = 0x80

// Function codes this engine implements (spec.md §6).
const (
	FCReadCoils            byte = 0x01
	FCReadDiscreteInputs   byte = 0x02
	FCReadHoldingRegisters byte = 0x03
	FCReadInputRegisters   byte = 0x04
	FCWriteSingleCoil      byte = 0x05
	FCWriteSingleRegister  byte = 0x06
	FCWriteMultipleCoils   byte = 0x0F
	FCWriteMultipleRegs    byte = 0x10
)

// Frame is a parsed RTU PDU on the wire (spec.md §3).
type Frame struct {
	UnitID      uint8
	FunctionCode uint8
	Payload     []byte // PDU minus unit, function, CRC
	CRC         uint16 // as received, little-endian on the wire

	CaptureUptimeUs        uint64
	CaptureUnixSecondsOrZero uint64

	IsRequest bool
	IsValid   bool

	IsException   bool
	ExceptionCode uint8
}

// BaseFunctionCode strips the exception flag.
func (f Frame) BaseFunctionCode() uint8 {
	return f.FunctionCode &^ ExceptionFlag
}

// StartRegister returns the start-register field of a 4-byte read/write
// request payload. Callers must check the payload length themselves.
func (f Frame) StartRegister() uint16 {
	if len(f.Payload) < 2 {
		return 0
	}
	return uint16(f.Payload[0])<<8 | uint16(f.Payload[1])
}

// Quantity returns the quantity field of a 4-byte read request payload.
func (f Frame) Quantity() uint16 {
	if len(f.Payload) < 4 {
		return 0
	}
	return uint16(f.Payload[2])<<8 | uint16(f.Payload[3])
}

// ByteCount returns the byte-count field of a read response payload.
func (f Frame) ByteCount() int {
	if len(f.Payload) < 1 {
		return 0
	}
	return int(f.Payload[0])
}

// RegisterPayload returns the register bytes of a read response payload,
// i.e. the payload with the leading byte-count stripped.
func (f Frame) RegisterPayload() []byte {
	if len(f.Payload) < 1 {
		return nil
	}
	return f.Payload[1:]
}

func (f Frame) String() string {
	return fmt.Sprintf("unit=%d fc=0x%02x len=%d valid=%v req=%v exc=%v",
		f.UnitID, f.FunctionCode, len(f.Payload), f.IsValid, f.IsRequest, f.IsException)
}

// Parse interprets candidate[:length] as a single RTU PDU. It requires
// length >= 4 (unit + fc + crc lo + crc hi at minimum). Even when the CRC
// check fails, Parse returns a Frame with IsValid=false, the CRC as received
// on the wire, and the raw payload, so callers can still record and display
// it (spec.md §4.2).
func Parse(candidate []byte, length int) (Frame, bool) {
	if length < 4 || length > len(candidate) {
		return Frame{}, false
	}
	buf := candidate[:length]

	wireCRC := uint16(buf[length-2]) | uint16(buf[length-1])<<8
	valid := crc.Modbus(buf[:length-2]) == wireCRC

	f := Frame{
		UnitID:       buf[0],
		FunctionCode: buf[1],
		CRC:          wireCRC,
		IsValid:      valid,
	}

	if f.FunctionCode&ExceptionFlag != 0 {
		f.IsException = true
		if length >= 5 {
			f.ExceptionCode = buf[2]
		}
		f.Payload = append([]byte(nil), buf[2:length-2]...)
		return f, true
	}

	f.Payload = append([]byte(nil), buf[2:length-2]...)
	return f, true
}

// PendingRequest is the subset of busengine.PendingRequest the codec needs
// to build wire bytes — duplicated here (rather than importing busengine)
// to keep frame free of a dependency on the engine that consumes it.
type PendingRequest struct {
	UnitID       uint8
	FunctionCode uint8
	StartRegister uint16
	Quantity      uint16
	WriteData     []uint16 // writes only
}

// EncodeRequest builds the wire bytes (including trailing CRC) for req,
// per the field layout of spec.md §4.2:
//   - read (FC1/2/3/4): start, quantity
//   - write-single (FC5/6): addr, value
//   - write-multiple (FC15/16): start, quantity, byteCount=2*quantity, words big-endian
func EncodeRequest(req PendingRequest) ([]byte, error) {
	buf := []byte{req.UnitID, req.FunctionCode}

	switch req.FunctionCode {
	case FCReadCoils, FCReadDiscreteInputs, FCReadHoldingRegisters, FCReadInputRegisters:
		buf = append(buf, byte(req.StartRegister>>8), byte(req.StartRegister))
		buf = append(buf, byte(req.Quantity>>8), byte(req.Quantity))

	case FCWriteSingleCoil, FCWriteSingleRegister:
		if len(req.WriteData) < 1 {
			return nil, fmt.Errorf("frame: write-single request for unit %d requires one word", req.UnitID)
		}
		buf = append(buf, byte(req.StartRegister>>8), byte(req.StartRegister))
		buf = append(buf, byte(req.WriteData[0]>>8), byte(req.WriteData[0]))

	case FCWriteMultipleCoils, FCWriteMultipleRegs:
		qty := uint16(len(req.WriteData))
		buf = append(buf, byte(req.StartRegister>>8), byte(req.StartRegister))
		buf = append(buf, byte(qty>>8), byte(qty))
		buf = append(buf, byte(2*qty))
		for _, w := range req.WriteData {
			buf = append(buf, byte(w>>8), byte(w))
		}

	default:
		return nil, fmt.Errorf("frame: unsupported function code 0x%02x", req.FunctionCode)
	}

	return crc.Append(buf), nil
}
