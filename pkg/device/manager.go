package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rtubus/pkg/busengine"
	"rtubus/pkg/frame"
)

// Engine is the narrow capability the Device Manager needs from the Bus
// Engine — a weak reference, never ownership (spec.md §9 design notes:
// "the Device Manager holds a back-reference only as a weak capability...
// never ownership of the engine"). *busengine.Engine satisfies this
// implicitly; tests substitute a fake.
type Engine interface {
	EnqueueRead(unit, fc uint8, start, quantity uint16, completion busengine.Completion) bool
	EnqueueWriteSingle(unit, fc uint8, addr, value uint16, completion busengine.Completion) bool
	EnqueueWriteMultiple(unit, fc uint8, start uint16, values []uint16, completion busengine.Completion) bool
	HasPendingWork() bool
}

// Clock supplies a monotonic microsecond uptime, shared with busengine and
// serialport so scheduling decisions use the same timeline.
type Clock interface {
	NowUs() uint64
}

// ValueChangeObserver receives a named register's new scaled value whenever
// it crosses the change threshold (spec.md §6 devices.onValueChange).
// Implementations must be bounded-time and non-blocking and must not call
// back into the Manager's own locked methods — the same contract
// busengine.Completion documents, which is why Manager.mu need not be
// reentrant.
type ValueChangeObserver interface {
	OnValueChange(unit uint8, name string, value float64, unitLabel string)
}

// ValueChangeFunc adapts a plain function to ValueChangeObserver.
type ValueChangeFunc func(unit uint8, name string, value float64, unitLabel string)

func (fn ValueChangeFunc) OnValueChange(unit uint8, name string, value float64, unitLabel string) {
	fn(unit, name, value, unitLabel)
}

// ConfigError reports a malformed or incomplete schema document (spec.md §7
// category 1): the device is never registered.
type ConfigError struct{ Msg string }

func (e *ConfigError) Error() string { return e.Msg }

// RemoteException reports a CRC-valid response with the exception bit set
// (spec.md §7 category 3).
type RemoteException struct{ Code uint8 }

func (e *RemoteException) Error() string {
	return fmt.Sprintf("device: remote exception code %d", e.Code)
}

type foreignKey struct {
	unit uint8
	fc   uint8
}

type foreignRequest struct {
	start      uint16
	quantity   uint16
	atUptimeUs uint64
}

// pendingRead is the scheduler's or a caller's currently-awaited read.
// Identity (pointer equality), not value equality, decides whether a late
// completion still belongs to it.
type pendingRead struct {
	unit, fc   uint8
	start, qty uint16
	sentAtMs   uint64
}

// Config holds the Device Manager's tunable policy knobs.
type Config struct {
	// RecentForeignWindow bounds how long an observed foreign request stays
	// eligible for passive-enrichment pairing (spec.md §4.6, default 2s).
	RecentForeignWindow time.Duration
	// UnixClock reports the current wall-clock epoch second, or 0 when real
	// time is not yet known (spec.md §6: epoch fields only ≥1,600,000,000).
	// Defaults to time.Now().Unix() filtered by that floor.
	UnixClock func() uint64
}

func (c *Config) setDefaults() {
	if c.RecentForeignWindow == 0 {
		c.RecentForeignWindow = 2 * time.Second
	}
	if c.UnixClock == nil {
		c.UnixClock = func() uint64 {
			s := time.Now().Unix()
			if s < 1_600_000_000 {
				return 0
			}
			return uint64(s)
		}
	}
}

// Manager is the Device Manager: declarative register-map schemas turned
// into batched poll plans, type-aware conversions, and cached values
// (spec.md §4.6). All state is protected by mu, a plain (non-reentrant)
// mutex — see ValueChangeObserver's contract for why no recursive mutex is
// needed despite completions firing synchronously into Manager state.
type Manager struct {
	mu sync.Mutex

	engine Engine
	clock  Clock
	log    zerolog.Logger
	config Config

	types     map[string]*DeviceType
	instances map[uint8]*Instance

	awaiting *pendingRead

	recentForeign map[foreignKey]foreignRequest

	observers []ValueChangeObserver
}

// New constructs a Manager bound to engine. engine and clock should share
// the same uptime timeline as the Bus Engine they both observe.
func New(engine Engine, clock Clock, log zerolog.Logger, config Config) *Manager {
	config.setDefaults()
	return &Manager{
		engine:        engine,
		clock:         clock,
		log:           log,
		config:        config,
		types:         make(map[string]*DeviceType),
		instances:     make(map[uint8]*Instance),
		recentForeign: make(map[foreignKey]foreignRequest),
	}
}

// RegisterType adds or replaces a device type definition.
func (m *Manager) RegisterType(t *DeviceType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[t.Name] = t
}

// LoadType parses and registers a single device-type schema document
// (spec.md §6 devices.loadType(bytes)).
func (m *Manager) LoadType(data []byte) error {
	t, err := LoadType(data)
	if err != nil {
		return err
	}
	m.RegisterType(t)
	return nil
}

// LoadTypesDir registers every device type found under dir (spec.md §11
// supplemented feature, generalizing original_source's loadAllDeviceTypes).
func (m *Manager) LoadTypesDir(dir string) error {
	types, err := LoadTypesDir(dir)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, t := range types {
		m.types[name] = t
	}
	return nil
}

// AddInstance registers a DeviceInstance of typeName at unit, bound for
// process lifetime (spec.md §3 Lifecycle).
func (m *Manager) AddInstance(unit uint8, typeName, friendlyName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.types[typeName]
	if !ok {
		return &ConfigError{Msg: fmt.Sprintf("device: unknown device type %q for unit %d", typeName, unit)}
	}
	m.instances[unit] = newInstance(unit, friendlyName, t)
	return nil
}

// LoadMapping parses a unit-mapping document and registers a DeviceInstance
// for each entry (spec.md §6 devices.loadMapping(bytes)).
func (m *Manager) LoadMapping(data []byte) error {
	entries, err := LoadMapping(data)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := m.AddInstance(e.UnitID, e.Type, e.Name); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a plain-value rendering of one device's current values
// (spec.md §6 devices.snapshot(unit)).
func (m *Manager) Snapshot(unit uint8) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[unit]
	if !ok {
		return Snapshot{}, false
	}
	return inst.snapshot(), true
}

// OnValueChange registers an observer fired whenever a decoded reading
// crosses the change threshold (spec.md §6 devices.onValueChange).
func (m *Manager) OnValueChange(o ValueChangeObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Manager) fireChangeFor(inst *Instance) func(name string, value float64, unit string) {
	return func(name string, value float64, unit string) {
		for _, o := range m.observers {
			o.OnValueChange(inst.UnitID, name, value, unit)
		}
	}
}

// issueRead enqueues a read and records it as the currently-awaited
// request, so a silent engine-side timeout (no completion ever called) can
// still be detected and turned into Value.valid=false on the next Tick
// (spec.md §3 invariant (f)). extra, if non-nil, runs after the shared
// apply/invalidate handling, still under mu.
func (m *Manager) issueRead(unit, fc uint8, start, qty uint16, nowMs uint64, extra func(success bool, f frame.Frame)) bool {
	pr := &pendingRead{unit: unit, fc: fc, start: start, qty: qty, sentAtMs: nowMs}

	ok := m.engine.EnqueueRead(unit, fc, start, qty, func(res busengine.Result) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.awaiting == pr {
			m.awaiting = nil
		}

		inst, exists := m.instances[unit]
		if !exists {
			if extra != nil {
				extra(false, res.Frame)
			}
			return
		}

		if res.Success {
			inst.PollSuccess++
			words := wordsFromPayload(res.Frame.RegisterPayload())
			inst.applyReading(fc, start, words, m.clock.NowUs()/1000, m.config.UnixClock(), m.fireChangeFor(inst))
		} else {
			inst.PollFailure++
			inst.invalidateRange(fc, start, qty)
		}

		if extra != nil {
			extra(res.Success, res.Frame)
		}
	})

	if ok {
		m.awaiting = pr
	}
	return ok
}

func wordsFromPayload(payload []byte) []uint16 {
	words := make([]uint16, len(payload)/2)
	for i := range words {
		words[i] = uint16(payload[2*i])<<8 | uint16(payload[2*i+1])
	}
	return words
}

// ReadNamed issues an on-demand read for a single named register, regardless
// of its PollIntervalMs (spec.md §6 devices.readNamed).
func (m *Manager) ReadNamed(unit uint8, name string, completion func(success bool, value float64, err error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[unit]
	if !ok {
		return fmt.Errorf("device: unknown unit %d", unit)
	}
	def, ok := inst.Type.findRegister(name)
	if !ok {
		return fmt.Errorf("device: unit %d has no register %q", unit, name)
	}

	nowMs := m.clock.NowUs() / 1000
	ok2 := m.issueRead(unit, def.FunctionCode, def.Address, def.Length, nowMs, func(success bool, f frame.Frame) {
		if completion == nil {
			return
		}
		if !success {
			completion(false, 0, remoteErr(f))
			return
		}
		v, _ := inst.Value(name)
		completion(true, v.RawFloat, nil)
	})
	if !ok2 {
		return fmt.Errorf("device: read queue full for unit %d", unit)
	}
	return nil
}

// writeFunctionCode always targets holding registers: Modbus has no write
// operation for input registers (FC4), and RegisterDef.FunctionCode ∈ {3,4}
// only selects the *read* side (spec.md §3).
func writeFunctionCode(multi bool) uint8 {
	if multi {
		return frame.FCWriteMultipleRegs
	}
	return frame.FCWriteSingleRegister
}

// WriteNamed converts a scaled engineering value back to raw words in the
// register's declared byte/word order and issues a write (spec.md §4.6
// devices.writeNamed).
func (m *Manager) WriteNamed(unit uint8, name string, value float64, completion func(success bool, err error)) error {
	m.mu.Lock()
	inst, ok := m.instances[unit]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("device: unknown unit %d", unit)
	}
	def, ok := inst.Type.findRegister(name)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("device: unit %d has no register %q", unit, name)
	}
	words, err := encodeWords(def.DataType, value, def.Factor, def.Offset)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	cb := busengine.Completion(func(res busengine.Result) {
		if completion == nil {
			return
		}
		if !res.Success {
			completion(false, remoteErr(res.Frame))
			return
		}
		completion(true, nil)
	})

	var queued bool
	if len(words) == 1 {
		queued = m.engine.EnqueueWriteSingle(unit, writeFunctionCode(false), def.Address, words[0], cb)
	} else {
		queued = m.engine.EnqueueWriteMultiple(unit, writeFunctionCode(true), def.Address, words, cb)
	}
	if !queued {
		return fmt.Errorf("device: write queue full for unit %d", unit)
	}
	return nil
}

func remoteErr(f frame.Frame) error {
	if f.IsException {
		return &RemoteException{Code: f.ExceptionCode}
	}
	return fmt.Errorf("device: request failed")
}

// batchRetryQuietMs is how long a just-attempted batch is skipped even if it
// would otherwise be due again, avoiding hot-loop churn when enqueue keeps
// getting rejected (spec.md §4.6).
const batchRetryQuietMs = 250

// Tick advances the cooperative scheduler by one step: if the engine has any
// pending or in-flight work, do nothing; otherwise pick the globally
// earliest-due poll batch across all devices and send it (spec.md §4.6,
// §4.7 — folded into the Device Manager, no separate scheduler state).
func (m *Manager) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.clock.NowUs() / 1000
	m.checkPendingTimeout()

	if m.engine.HasPendingWork() {
		return
	}

	var bestInst *Instance
	var bestBatch *PollBatch
	var bestDue uint64
	found := false

	for _, inst := range m.instances {
		for i := range inst.batches {
			b := &inst.batches[i]
			if b.LastAttemptMs != 0 && nowMs-b.LastAttemptMs < batchRetryQuietMs {
				continue
			}
			due := uint64(0)
			if b.LastPollMs != 0 {
				due = b.LastPollMs + b.PollIntervalMs
			}
			if !found || due < bestDue {
				bestDue = due
				bestInst = inst
				bestBatch = b
				found = true
			}
		}
	}

	if !found {
		return
	}
	if bestBatch.LastPollMs != 0 && bestDue > nowMs {
		return
	}

	bestBatch.LastAttemptMs = nowMs
	if m.issueRead(bestInst.UnitID, bestBatch.FunctionCode, bestBatch.Start, bestBatch.Quantity, nowMs, nil) {
		bestBatch.LastPollMs = nowMs
	}
}

// checkPendingTimeout detects a read the engine cleared without ever calling
// its completion — i.e. it timed out, since completions are never invoked
// on timeout (spec.md §4.4, §5) — and marks its covered registers invalid.
func (m *Manager) checkPendingTimeout() {
	if m.awaiting == nil {
		return
	}
	if m.engine.HasPendingWork() {
		return
	}
	if inst, ok := m.instances[m.awaiting.unit]; ok {
		inst.invalidateRange(m.awaiting.fc, m.awaiting.start, m.awaiting.qty)
	}
	m.awaiting = nil
}

// OnFrame implements busengine.Observer: passive enrichment from traffic we
// never originated (spec.md §4.6 "Passive enrichment"). Register with
// engine.OnFrame(manager).
func (m *Manager) OnFrame(f frame.Frame, isRequest bool) {
	base := f.BaseFunctionCode()
	if base != frame.FCReadHoldingRegisters && base != frame.FCReadInputRegisters {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := foreignKey{f.UnitID, base}
	nowUs := m.clock.NowUs()

	if isRequest {
		m.recentForeign[key] = foreignRequest{start: f.StartRegister(), quantity: f.Quantity(), atUptimeUs: nowUs}
		return
	}
	if f.IsException {
		return
	}

	rec, ok := m.recentForeign[key]
	if !ok || nowUs-rec.atUptimeUs > uint64(m.config.RecentForeignWindow.Microseconds()) {
		return
	}

	words := wordsFromPayload(f.RegisterPayload())
	if len(words) != int(rec.quantity) {
		return
	}

	inst, ok := m.instances[f.UnitID]
	if !ok {
		return
	}
	inst.applyReading(base, rec.start, words, nowUs/1000, m.config.UnixClock(), m.fireChangeFor(inst))
}
