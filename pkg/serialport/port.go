// Package serialport wraps a half-duplex UART with optional RS-485
// driver-enable control, exposing the narrow non-blocking contract the
// Bus Engine needs: available/read/write/flushTx/setDriveEnable, plus the
// character-time and inter-frame-silence durations derived at construction
// (spec.md §4.1).
package serialport

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Parity is the set of flag values accepted on the command line.
type Parity string

const (
	ParityNone  Parity = "none"
	ParityOdd   Parity = "odd"
	ParityEven  Parity = "even"
	ParityMark  Parity = "mark"
	ParitySpace Parity = "space"
)

func (p Parity) toLib() (serial.Parity, error) {
	switch p {
	case ParityNone, "":
		return serial.NoParity, nil
	case ParityOdd:
		return serial.OddParity, nil
	case ParityEven:
		return serial.EvenParity, nil
	case ParityMark:
		return serial.MarkParity, nil
	case ParitySpace:
		return serial.SpaceParity, nil
	default:
		return serial.NoParity, fmt.Errorf("serialport: invalid parity %q", p)
	}
}

// Config describes the line settings for Open.
type Config struct {
	PortName string
	BaudRate int
	DataBits int    // 5-8, default 8
	Parity   Parity // default ParityNone
	StopBits int    // 1 or 2, default 1

	// DriveEnable, if non-nil, is asserted before every TX and released
	// after. A nil DriveEnable means the transceiver handles half-duplex
	// switching itself (auto-direction RS-485) and the port never touches it.
	DriveEnable DriveEnable

	// Clock supplies microsecond uptime; defaults to a real monotonic clock
	// anchored at Open time. Tests inject a fake to control timing exactly.
	Clock Clock
}

// DriveEnable is the RS-485 DE-pin contract: Assert before transmitting,
// Release once the frame is off the wire.
type DriveEnable interface {
	Assert() error
	Release() error
}

// RTSDriveEnable drives DE over the adapter's RTS line, the common wiring
// for USB-RS485 dongles that expose no separate GPIO.
type RTSDriveEnable struct {
	port serial.Port
}

func NewRTSDriveEnable(port serial.Port) *RTSDriveEnable { return &RTSDriveEnable{port: port} }

func (d *RTSDriveEnable) Assert() error  { return d.port.SetRTS(true) }
func (d *RTSDriveEnable) Release() error { return d.port.SetRTS(false) }

// Clock supplies a monotonic microsecond timestamp. The Bus Engine's silence
// detection is specified in microseconds, never milliseconds (spec.md §4.4),
// so every timestamp that flows into it comes from this type.
type Clock interface {
	NowUs() uint64
}

type realClock struct{ start time.Time }

func (c realClock) NowUs() uint64 { return uint64(time.Since(c.start).Microseconds()) }

// deSettleDelay is the minimum time DE must be held before the first TX byte
// and after flushTx before release (spec.md §4.1).
const deSettleDelay = 100 * time.Microsecond

// minSilence is the fixed floor that applies above 19200 baud.
const minSilence = 1750 * time.Microsecond

// Port is the open half-duplex UART, fed by a background reader goroutine
// so Available/ReadByte never block, keeping a select-based main loop
// responsive.
type Port struct {
	raw         serial.Port
	clock       Clock
	driveEnable DriveEnable

	charTime time.Duration
	silence  time.Duration

	mu               sync.Mutex
	buf              []byte
	lastByteUptimeUs uint64
	rxEmptySinceUs   uint64
	rxWasEmpty       bool

	chunks  chan []byte
	readErr chan error
	closeCh chan struct{}
	closed  bool
}

// charBits returns the total number of bits per character on the wire
// (start + data + optional parity + stop).
func charBits(dataBits, stopBits int, parity Parity) int {
	bits := 1 + dataBits
	if parity != ParityNone && parity != "" {
		bits++
	}
	bits += stopBits
	return bits
}

// Open configures and opens the UART, computing charTime/silence from the
// wire settings with the fixed 1750us floor above 19200 baud.
func Open(cfg Config) (*Port, error) {
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.Parity == "" {
		cfg.Parity = ParityNone
	}

	libParity, err := cfg.Parity.toLib()
	if err != nil {
		return nil, err
	}
	var libStop serial.StopBits
	switch cfg.StopBits {
	case 1:
		libStop = serial.OneStopBit
	case 2:
		libStop = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("serialport: invalid stop bits %d", cfg.StopBits)
	}

	raw, err := serial.Open(cfg.PortName, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   libParity,
		StopBits: libStop,
	})
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", cfg.PortName, err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = realClock{start: time.Now()}
	}

	bits := charBits(cfg.DataBits, cfg.StopBits, cfg.Parity)
	charTime := time.Duration(float64(bits) / float64(cfg.BaudRate) * float64(time.Second))
	silence := time.Duration(3.5 * float64(charTime))
	if silence < minSilence {
		silence = minSilence
	}

	p := &Port{
		raw:         raw,
		clock:       clock,
		driveEnable: cfg.DriveEnable,
		charTime:    charTime,
		silence:     silence,
		chunks:      make(chan []byte, 64),
		readErr:     make(chan error, 1),
		closeCh:     make(chan struct{}),
	}

	go p.readLoop()

	return p, nil
}

func (p *Port) readLoop() {
	chunk := make([]byte, 4096)
	for {
		n, err := p.raw.Read(chunk)
		if err != nil {
			select {
			case p.readErr <- err:
			case <-p.closeCh:
			}
			return
		}
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, chunk[:n])
			select {
			case p.chunks <- cp:
			case <-p.closeCh:
				return
			}
		}
	}
}

// CharTime is the wire time of a single character, used by the Bus Engine
// to derive inter-character-gap and frame-completion thresholds.
func (p *Port) CharTime() time.Duration { return p.charTime }

// Silence is the required inter-frame silence: max(3.5*charTime, 1750us).
func (p *Port) Silence() time.Duration { return p.silence }

// drain moves any buffered chunks from the reader goroutine into buf without
// blocking, recording lastByteUptimeUs and rxEmptySinceUs along the way.
func (p *Port) drain() {
	now := p.clock.NowUs()
	drained := false
	for {
		select {
		case chunk := <-p.chunks:
			p.buf = append(p.buf, chunk...)
			p.lastByteUptimeUs = now
			drained = true
			continue
		default:
		}
		break
	}
	if drained || len(p.buf) > 0 {
		p.rxWasEmpty = false
	} else if !p.rxWasEmpty {
		p.rxWasEmpty = true
		p.rxEmptySinceUs = now
	}
}

// Available reports how many unread bytes are currently buffered, draining
// the background reader without blocking (spec.md §4.1's available()).
func (p *Port) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drain()
	return len(p.buf)
}

// ReadByte pops one buffered byte, non-blocking. ok is false when nothing
// is available.
func (p *Port) ReadByte() (b byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drain()
	if len(p.buf) == 0 {
		return 0, false
	}
	b = p.buf[0]
	p.buf = p.buf[1:]
	return b, true
}

// LastByteUptimeUs is the timestamp of the most recently observed byte, as
// of the last Available/ReadByte call.
func (p *Port) LastByteUptimeUs() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastByteUptimeUs
}

// RxEmptySinceUs is when Available() last transitioned to zero, tracked
// independently of the engine's own polling cadence per spec.md §4.4.
func (p *Port) RxEmptySinceUs() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drain()
	return p.rxEmptySinceUs
}

// ReadErr returns a channel that receives the reader goroutine's terminal
// error (e.g. device unplugged), if any.
func (p *Port) ReadErr() <-chan error { return p.readErr }

// TransmitFrame asserts DE, writes data, waits for it to clear the wire,
// then releases DE — the full sequence spec.md §4.1 requires around every
// TX (≥100us settle before the first byte, ≥100us after flushTx before
// release). Grounded on original_source/ModbusRTUFeature.cpp's setDE/
// sendFrame pair.
func (p *Port) TransmitFrame(data []byte) error {
	if p.driveEnable != nil {
		if err := p.driveEnable.Assert(); err != nil {
			return fmt.Errorf("serialport: assert DE: %w", err)
		}
		time.Sleep(deSettleDelay)
	}

	if _, err := p.raw.Write(data); err != nil {
		if p.driveEnable != nil {
			_ = p.driveEnable.Release()
		}
		return fmt.Errorf("serialport: write: %w", err)
	}
	p.flushTx(len(data))

	if p.driveEnable != nil {
		time.Sleep(deSettleDelay)
		if err := p.driveEnable.Release(); err != nil {
			return fmt.Errorf("serialport: release DE: %w", err)
		}
	}
	return nil
}

// flushTx blocks until n bytes have plausibly cleared the wire. The
// go.bug.st/serial API gives no portable "output drained" signal, so this
// estimates wire time from charTime and byte count instead.
func (p *Port) flushTx(n int) {
	time.Sleep(time.Duration(n) * p.charTime)
}

// DrainEchoWindow discards up to duration worth of incoming bytes that
// exactly match expect, the FC5/FC6 write-echo mitigation spec.md §9
// recommends: a brief post-flush RX drain at 2-character-time.
func (p *Port) DrainEchoWindow(expect []byte, duration time.Duration) {
	deadline := time.Now().Add(duration)
	matched := 0
	for time.Now().Before(deadline) {
		b, ok := p.ReadByte()
		if !ok {
			time.Sleep(p.charTime / 4)
			continue
		}
		if matched < len(expect) && b == expect[matched] {
			matched++
			if matched == len(expect) {
				return
			}
			continue
		}
		// Didn't match the echo: put it back by re-prepending so the
		// engine's normal RX path still sees it.
		p.mu.Lock()
		p.buf = append([]byte{b}, p.buf...)
		p.mu.Unlock()
		return
	}
}

// Close stops the reader goroutine and releases the underlying port.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.closeCh)
	return p.raw.Close()
}
