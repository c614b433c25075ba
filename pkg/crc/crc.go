// Package crc computes the CRC-16/Modbus checksum used to frame every RTU
// PDU on the wire.
package crc

import "github.com/sigurn/crc16"

var table = crc16.MakeTable(crc16.CRC16_MODBUS)

// Modbus returns the CRC-16/Modbus checksum of data: initial value 0xFFFF,
// reflected polynomial 0xA001. On the wire the result is transmitted low
// byte first.
func Modbus(data []byte) uint16 {
	return crc16.Checksum(data, table)
}

// Verify reports whether the last two bytes of frame (low byte first, as
// received on the wire) match the CRC-16/Modbus of the bytes preceding them.
// frame must be at least 2 bytes long.
func Verify(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	body := frame[:len(frame)-2]
	want := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	return Modbus(body) == want
}

// Append returns data with its CRC-16/Modbus appended, low byte first.
func Append(data []byte) []byte {
	c := Modbus(data)
	return append(data, byte(c), byte(c>>8))
}

// SelfTest verifies the table-driven implementation against the bit-by-bit
// reference algorithm (init 0xFFFF, poly 0xA001 reflected) for a small fixed
// vector. Core construction calls this once and treats a mismatch as Fatal
// per the error taxonomy in spec.md §7 — an indication the linked crc16
// table was built incorrectly.
func SelfTest() bool {
	const ref = 0xCDC5 // CRC-16/Modbus of []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	return Modbus([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}) == ref
}
