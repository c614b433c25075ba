// Package busengine implements the Bus Engine: a single-threaded
// cooperative Modbus RTU master that is simultaneously a passive observer
// of everything else on the segment (spec.md §4.4).
package busengine

import (
	"bytes"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rtubus/pkg/crc"
	"rtubus/pkg/frame"
	"rtubus/pkg/regcache"
	"rtubus/pkg/rxextract"
)

// Clock supplies a monotonic microsecond uptime. Shared with
// pkg/serialport so the engine's silence math and the link's byte
// timestamps come from the same timeline.
type Clock interface {
	NowUs() uint64
}

// SerialLink is the subset of *serialport.Port the engine drives.
type SerialLink interface {
	Available() int
	ReadByte() (byte, bool)
	LastByteUptimeUs() uint64
	RxEmptySinceUs() uint64
	TransmitFrame([]byte) error
	DrainEchoWindow(expect []byte, d time.Duration)
	CharTime() time.Duration
	Silence() time.Duration
}

// Completion is invoked synchronously, exactly once, at the point the
// engine consumes the matching InFlight response. It is never invoked on
// timeout (spec.md §4.4, §5) and must be bounded-time and non-blocking.
type Completion func(Result)

// Result is what a Completion receives.
type Result struct {
	Success       bool
	Frame         frame.Frame
	IsException   bool
	ExceptionCode uint8
}

// PendingRequest is a queued or in-flight transaction.
type PendingRequest struct {
	UnitID        uint8
	FunctionCode  uint8
	StartRegister uint16
	Quantity      uint16   // reads only
	WriteData     []uint16 // writes only
	Completion    Completion
}

// Observer receives every extracted frame, own or foreign (spec.md §6
// engine.onFrame(observer)).
type Observer interface {
	OnFrame(f frame.Frame, isRequest bool)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(frame.Frame, bool)

func (fn ObserverFunc) OnFrame(f frame.Frame, isRequest bool) { fn(f, isRequest) }

// Config holds the engine's tunable policy knobs, all defaulted in New.
type Config struct {
	ResponseTimeoutMs uint64 // default 1000
	QueueCap          int    // default 16
	BackoffInitialMs  uint64 // default 2000
	BackoffMaxMs      uint64 // default 60000
	BackoffThreshold  int    // default 3 consecutive timeouts
	ArbitrationBudget time.Duration // default 8000us

	WarnIntervalMs  uint64  // default 60000
	OwnFailWarnPct  float64 // default 5.0
	OtherFailWarnPct float64 // default 5.0
	BusyWarnPct     float64 // default 95.0

	HistorySize    int // default 20
	CrcContextSize int // default 10

	// RecentForeignWindow is how long a foreign request stays eligible for
	// byte-count cross-check and Register Cache pairing (spec.md §9 open
	// question — "first wins", not yet exposed past this single knob).
	RecentForeignWindow time.Duration // default 2s

	// LowMemory, if set, reports overload the way an embedded low
	// free-heap watermark would; Go has no direct equivalent, so this is a
	// caller-supplied hook rather than a byte threshold.
	LowMemory func() bool
}

func (c *Config) setDefaults() {
	if c.ResponseTimeoutMs == 0 {
		c.ResponseTimeoutMs = 1000
	}
	if c.QueueCap == 0 {
		c.QueueCap = 16
	}
	if c.BackoffInitialMs == 0 {
		c.BackoffInitialMs = 2000
	}
	if c.BackoffMaxMs == 0 {
		c.BackoffMaxMs = 60000
	}
	if c.BackoffThreshold == 0 {
		c.BackoffThreshold = 3
	}
	if c.ArbitrationBudget == 0 {
		c.ArbitrationBudget = 8000 * time.Microsecond
	}
	if c.WarnIntervalMs == 0 {
		c.WarnIntervalMs = 60000
	}
	if c.OwnFailWarnPct == 0 {
		c.OwnFailWarnPct = 5.0
	}
	if c.OtherFailWarnPct == 0 {
		c.OtherFailWarnPct = 5.0
	}
	if c.BusyWarnPct == 0 {
		c.BusyWarnPct = 95.0
	}
	if c.HistorySize == 0 {
		c.HistorySize = 20
	}
	if c.CrcContextSize == 0 {
		c.CrcContextSize = 10
	}
	if c.RecentForeignWindow == 0 {
		c.RecentForeignWindow = 2 * time.Second
	}
}

type inFlight struct {
	req            PendingRequest
	sentAtUptimeUs uint64
	sentWire       []byte
}

type foreignRequest struct {
	start      uint16
	quantity   uint16
	atUptimeUs uint64
}

type foreignKey struct {
	unit uint8
	fc   uint8
}

// Engine is the Bus Engine. All state is protected by mu, the single
// per-engine non-reentrant lock spec.md §5 requires.
type Engine struct {
	mu   sync.Mutex
	link SerialLink
	clock Clock
	log  zerolog.Logger

	config Config

	rxBuf []byte

	queue    []PendingRequest
	inflight *inFlight

	backoff map[uint8]*UnitBackoff

	recentForeignReq map[foreignKey]foreignRequest

	regcache *regcache.Cache

	history     *ring[HistoryEntry]
	crcContexts *ring[CrcErrorContext]
	crcContextSeq    uint32
	awaitingCrcAfter bool
	lastFrame        frame.Frame
	hasLastFrame     bool

	stats         Stats
	intervalStats Stats
	lastWarnUptimeMs uint64

	lastTimeoutLogMs map[uint8]uint64

	observers []Observer

	suspended bool

	lastTickUptimeUs uint64
}

// New constructs an Engine. link and clock must share the same uptime
// timeline (typically both wrap the same *serialport.Port construction). A
// failing crc.SelfTest is Fatal (spec.md §7 category 6): it means the linked
// CRC table was built wrong, so nothing this engine computes can be trusted.
func New(link SerialLink, clock Clock, log zerolog.Logger, config Config) *Engine {
	if !crc.SelfTest() {
		log.Fatal().Msg("crc16 self-test failed, aborting init")
	}
	config.setDefaults()
	return &Engine{
		link:             link,
		clock:            clock,
		log:              log,
		config:           config,
		backoff:          make(map[uint8]*UnitBackoff),
		recentForeignReq: make(map[foreignKey]foreignRequest),
		regcache:         regcache.NewCache(),
		history:          newRing[HistoryEntry](config.HistorySize),
		crcContexts:      newRing[CrcErrorContext](config.CrcContextSize),
		lastTimeoutLogMs: make(map[uint8]uint64),
	}
}

// RegisterCache exposes the engine-owned Register Cache for read access.
func (e *Engine) RegisterCache() *regcache.Cache { return e.regcache }

// OnFrame registers an observer, fired for every extracted frame
// (spec.md §6).
func (e *Engine) OnFrame(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// Suspend halts dequeues and ignores incoming RX until Resume (used during
// OTA elsewhere in the system, spec.md §5).
func (e *Engine) Suspend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspended = true
}

func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspended = false
}

// IsQueueingPausedForUnit reports whether unit is currently in back-off
// (spec.md §7 — the sanctioned way callers learn about timeouts, since
// completions are never invoked on timeout).
func (e *Engine) IsQueueingPausedForUnit(unit uint8) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isPaused(unit, e.clock.NowUs()/1000)
}

// HasPendingWork reports whether the engine has anything queued or
// in-flight — the Device Manager's scheduler must never enqueue
// concurrently with existing work (spec.md §4.6).
func (e *Engine) HasPendingWork() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight != nil || len(e.queue) > 0
}

func (e *Engine) EnqueueRead(unit, fc uint8, start, quantity uint16, completion Completion) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enqueue(PendingRequest{UnitID: unit, FunctionCode: fc, StartRegister: start, Quantity: quantity, Completion: completion})
}

func (e *Engine) EnqueueWriteSingle(unit, fc uint8, addr, value uint16, completion Completion) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enqueue(PendingRequest{UnitID: unit, FunctionCode: fc, StartRegister: addr, WriteData: []uint16{value}, Completion: completion})
}

func (e *Engine) EnqueueWriteMultiple(unit, fc uint8, start uint16, values []uint16, completion Completion) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enqueue(PendingRequest{UnitID: unit, FunctionCode: fc, StartRegister: start, WriteData: values, Completion: completion})
}

func (e *Engine) enqueue(req PendingRequest) bool {
	if len(e.queue) >= e.config.QueueCap || (e.config.LowMemory != nil && e.config.LowMemory()) {
		e.stats.OwnDiscarded++
		e.intervalStats.OwnDiscarded++
		return false
	}
	e.queue = append(e.queue, req)
	return true
}

// TickSnapshot reports what happened during one Tick call, the Go
// equivalent of the original's per-loop debug fields
// (_dbgQueueSizeInLoop/_dbgGapUsInLoop/_dbgGapEnoughForTxInLoop) kept for a
// status display instead of an HTTP endpoint (spec.md §11 supplement).
type TickSnapshot struct {
	QueueDepth  int
	InFlight    bool
	Suspended   bool
	LastRxGapUs uint64
	Transmitted bool
}

// Tick advances the engine by one cooperative step: drain RX, extract and
// classify frames, check the in-flight timeout, and attempt to send the
// next queued request. It must be called repeatedly from the main loop
// (spec.md §5 — the engine only advances inside a cooperatively-called
// tick).
func (e *Engine) Tick() TickSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.NowUs()
	if e.lastTickUptimeUs != 0 {
		delta := now - e.lastTickUptimeUs
		e.stats.TotalTimeUs += delta
		e.intervalStats.TotalTimeUs += delta
	}
	e.lastTickUptimeUs = now

	if e.suspended {
		e.drainRx()
		e.rxBuf = nil
		return TickSnapshot{QueueDepth: len(e.queue), Suspended: true}
	}

	hadInflight := e.inflight != nil

	e.drainRx()
	e.maybeExtract()
	e.checkTimeout(now)
	e.processQueue()
	e.checkWarnings(now)

	return TickSnapshot{
		QueueDepth:  len(e.queue),
		InFlight:    e.inflight != nil,
		LastRxGapUs: now - e.link.RxEmptySinceUs(),
		Transmitted: !hadInflight && e.inflight != nil,
	}
}

const maxDrainPerTick = 4096

func (e *Engine) drainRx() {
	for i := 0; i < maxDrainPerTick; i++ {
		b, ok := e.link.ReadByte()
		if !ok {
			break
		}
		e.rxBuf = append(e.rxBuf, b)
	}
}

func (e *Engine) maybeExtract() {
	if len(e.rxBuf) == 0 {
		return
	}
	now := e.clock.NowUs()
	lastByte := e.link.LastByteUptimeUs()
	gap := now - lastByte

	charUs := uint64(e.link.CharTime().Microseconds())
	silenceUs := uint64(e.link.Silence().Microseconds())
	interCharGapUs := charUs + charUs/2 // 1.5 char times

	if gap < interCharGapUs {
		return // still mid-frame
	}

	results, invalid, hadNoise := rxextract.Extract(e.rxBuf, e)
	consumed := 0
	for _, r := range results {
		e.handleFrame(r.Frame)
		consumed += r.Consumed
	}
	e.rxBuf = e.rxBuf[consumed:]

	// Invalid frames never match/update the cache, but still belong in the
	// frame history for post-mortem visualization (spec.md §3).
	for _, f := range invalid {
		e.recordHistory(f)
	}

	if hadNoise {
		e.stats.CrcErrors++
		e.intervalStats.CrcErrors++
	}

	if gap >= silenceUs && len(e.rxBuf) > 0 {
		e.recordCrcErrorContext(e.rxBuf)
		if !hadNoise {
			e.stats.CrcErrors++
			e.intervalStats.CrcErrors++
		}
		e.rxBuf = nil
	}
}

// InFlightQuantity implements rxextract.RequestContext.
func (e *Engine) InFlightQuantity(unit, baseFC uint8) (uint16, bool) {
	if e.inflight == nil {
		return 0, false
	}
	req := e.inflight.req
	if req.UnitID != unit || req.FunctionCode&^frame.ExceptionFlag != baseFC {
		return 0, false
	}
	return req.Quantity, true
}

// RecentForeignQuantity implements rxextract.RequestContext.
func (e *Engine) RecentForeignQuantity(unit, baseFC uint8) (uint16, bool) {
	rec, ok := e.recentForeignReq[foreignKey{unit, baseFC}]
	if !ok {
		return 0, false
	}
	if e.clock.NowUs()-rec.atUptimeUs > uint64(e.config.RecentForeignWindow.Microseconds()) {
		return 0, false
	}
	return rec.quantity, true
}

func (e *Engine) handleFrame(f frame.Frame) {
	e.stats.FramesReceived++
	e.intervalStats.FramesReceived++
	e.recordHistory(f)

	if e.isSelfEcho(f) {
		return
	}

	if e.matchesInFlight(f) {
		e.consumeInFlight(f)
		return
	}

	e.notifyObservers(f)

	active := e.frameWireTimeUs(f)
	e.stats.OtherActiveTimeUs += active
	e.intervalStats.OtherActiveTimeUs += active

	baseFC := f.BaseFunctionCode()

	if f.IsRequest {
		e.stats.OtherRequests++
		e.intervalStats.OtherRequests++
		e.recentForeignReq[foreignKey{f.UnitID, baseFC}] = foreignRequest{
			start: f.StartRegister(), quantity: f.Quantity(), atUptimeUs: e.clock.NowUs(),
		}
		e.regcache.RecordRequest(f.UnitID, baseFC)
		return
	}

	if f.IsException {
		e.stats.OtherExceptions++
		e.intervalStats.OtherExceptions++
		e.regcache.RecordError(f.UnitID, baseFC)
		return
	}

	e.stats.OtherResponses++
	e.intervalStats.OtherResponses++

	if rec, ok := e.recentForeignReq[foreignKey{f.UnitID, baseFC}]; ok &&
		e.clock.NowUs()-rec.atUptimeUs <= uint64(e.config.RecentForeignWindow.Microseconds()) &&
		len(f.Payload) >= 1 {
		e.stats.OtherResponsesPaired++
		e.intervalStats.OtherResponsesPaired++
		e.regcache.Update(f.UnitID, baseFC, rec.start, f.RegisterPayload(), e.clock.NowUs()/1000)
	} else {
		e.stats.OtherResponsesUnpaired++
		e.intervalStats.OtherResponsesUnpaired++
	}
}

func (e *Engine) notifyObservers(f frame.Frame) {
	for _, o := range e.observers {
		o.OnFrame(f, f.IsRequest)
	}
}

// isSelfEcho detects our own TX frame echoed back on RX by an RS-485
// transceiver wired without hardware direction control: exact match of
// everything we transmitted (spec.md §4.4).
func (e *Engine) isSelfEcho(f frame.Frame) bool {
	if e.inflight == nil || !f.IsRequest {
		return false
	}
	w := e.inflight.sentWire
	if len(w) < 4 || f.UnitID != w[0] || f.FunctionCode != w[1] {
		return false
	}
	return bytes.Equal(f.Payload, w[2:len(w)-2])
}

func (e *Engine) matchesInFlight(f frame.Frame) bool {
	if e.inflight == nil || f.IsRequest {
		return false
	}
	req := e.inflight.req
	if f.UnitID != req.UnitID {
		return false
	}
	reqBase := req.FunctionCode &^ frame.ExceptionFlag
	if f.BaseFunctionCode() != reqBase {
		return false
	}
	if !f.IsException && isReadFC(reqBase) {
		if f.ByteCount() != rxextract.ExpectedByteCount(reqBase, req.Quantity) {
			return false
		}
	}
	return true
}

// frameWireTimeUs estimates how long f occupied the wire: unit + function
// code + payload + CRC bytes at the link's character time, the same
// per-byte estimate flushTx uses for our own transmissions (spec.md §4.4
// BusIdlePercent, which needs foreign traffic's share of the wire too).
func (e *Engine) frameWireTimeUs(f frame.Frame) uint64 {
	wireBytes := 2 + len(f.Payload) + 2
	return uint64(wireBytes) * uint64(e.link.CharTime().Microseconds())
}

func (e *Engine) consumeInFlight(f frame.Frame) {
	req := e.inflight.req
	sentAt := e.inflight.sentAtUptimeUs

	e.resetBackoff(req.UnitID)

	success := !f.IsException
	if success {
		e.stats.OwnSuccess++
		e.intervalStats.OwnSuccess++
		if isReadFC(req.FunctionCode&^frame.ExceptionFlag) {
			e.regcache.Update(req.UnitID, req.FunctionCode, req.StartRegister, f.RegisterPayload(), e.clock.NowUs()/1000)
		}
	} else {
		e.stats.OwnFailed++
		e.intervalStats.OwnFailed++
	}

	active := e.clock.NowUs() - sentAt
	e.stats.OwnActiveTimeUs += active
	e.intervalStats.OwnActiveTimeUs += active

	result := Result{Success: success, Frame: f, IsException: f.IsException, ExceptionCode: f.ExceptionCode}
	completion := req.Completion
	e.inflight = nil

	if completion != nil {
		completion(result)
	}
}

func isReadFC(fc uint8) bool {
	switch fc {
	case frame.FCReadCoils, frame.FCReadDiscreteInputs, frame.FCReadHoldingRegisters, frame.FCReadInputRegisters:
		return true
	}
	return false
}

func (e *Engine) checkTimeout(now uint64) {
	if e.inflight == nil {
		return
	}
	elapsedMs := (now - e.inflight.sentAtUptimeUs) / 1000
	if elapsedMs <= e.config.ResponseTimeoutMs {
		return
	}

	req := e.inflight.req
	e.stats.OwnFailed++
	e.intervalStats.OwnFailed++
	e.stats.Timeouts++
	e.intervalStats.Timeouts++
	e.logTimeoutRateLimited(req.UnitID, now/1000)

	b := e.backoffFor(req.UnitID)
	b.ConsecutiveTimeouts++
	if b.ConsecutiveTimeouts >= e.config.BackoffThreshold {
		b.PausedUntilMs = now/1000 + b.BackoffMs
		b.BackoffMs *= 2
		if b.BackoffMs > e.config.BackoffMaxMs {
			b.BackoffMs = e.config.BackoffMaxMs
		}
	}

	e.inflight = nil

	if len(e.queue) > e.config.QueueCap/2 {
		filtered := e.queue[:0]
		for _, r := range e.queue {
			if r.UnitID != req.UnitID {
				filtered = append(filtered, r)
			}
		}
		e.queue = filtered
	}
}

func (e *Engine) logTimeoutRateLimited(unit uint8, nowMs uint64) {
	if last, ok := e.lastTimeoutLogMs[unit]; ok && nowMs-last < 5000 {
		return
	}
	e.lastTimeoutLogMs[unit] = nowMs
	e.log.Warn().Uint8("unit", unit).Msg("request timed out")
}

func (e *Engine) processQueue() {
	if e.inflight != nil || len(e.queue) == 0 {
		return
	}
	nowMs := e.clock.NowUs() / 1000

	idx := -1
	for i, req := range e.queue {
		if !e.isPaused(req.UnitID, nowMs) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}

	req := e.queue[idx]
	e.queue = append(e.queue[:idx:idx], e.queue[idx+1:]...)

	if !e.tryTransmit(req) {
		e.queue = append([]PendingRequest{req}, e.queue...)
	}
}

// tryTransmit implements the bounded TX arbitration loop: up to
// ArbitrationBudget of wall-clock time draining RX and re-checking the
// required silence before giving up for this tick (spec.md §4.4).
func (e *Engine) tryTransmit(req PendingRequest) bool {
	deadline := time.Now().Add(e.config.ArbitrationBudget)
	silenceUs := uint64(e.link.Silence().Microseconds())

	for {
		e.drainRx()
		e.maybeExtract()

		gap := e.clock.NowUs() - e.link.RxEmptySinceUs()
		if gap >= silenceUs {
			e.sendRequest(req)
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(e.link.CharTime() / 4)
	}
}

func (e *Engine) sendRequest(req PendingRequest) {
	wire, err := frame.EncodeRequest(frame.PendingRequest{
		UnitID: req.UnitID, FunctionCode: req.FunctionCode,
		StartRegister: req.StartRegister, Quantity: req.Quantity, WriteData: req.WriteData,
	})
	if err != nil {
		e.log.Error().Err(err).Uint8("unit", req.UnitID).Msg("cannot encode request")
		return
	}
	if err := e.link.TransmitFrame(wire); err != nil {
		e.log.Error().Err(err).Uint8("unit", req.UnitID).Msg("transmit failed")
		return
	}

	e.inflight = &inFlight{req: req, sentAtUptimeUs: e.clock.NowUs(), sentWire: wire}
	e.stats.FramesSent++
	e.stats.OwnSent++
	e.intervalStats.FramesSent++
	e.intervalStats.OwnSent++

	if req.FunctionCode == frame.FCWriteSingleCoil || req.FunctionCode == frame.FCWriteSingleRegister {
		e.link.DrainEchoWindow(wire, 2*e.link.CharTime())
	}
}
