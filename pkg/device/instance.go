package device

import "fmt"

// maxUnknownRegisters bounds unknownByAddr per DeviceInstance (spec.md §3,
// §5: "unknown registers 512/device").
const maxUnknownRegisters = 512

// Instance is one unit-ID-addressed device bound to a DeviceType, holding
// its live decoded values (spec.md §3 DeviceInstance).
type Instance struct {
	UnitID       uint8
	FriendlyName string
	Type         *DeviceType

	valuesByName  map[string]Value
	unknownByAddr map[string]Value // keyed "U16_<addr>" per spec.md §4.6

	batches []PollBatch

	PollSuccess uint64
	PollFailure uint64
}

func newInstance(unit uint8, friendlyName string, t *DeviceType) *Instance {
	inst := &Instance{
		UnitID:        unit,
		FriendlyName:  friendlyName,
		Type:          t,
		valuesByName:  make(map[string]Value),
		unknownByAddr: make(map[string]Value),
	}
	inst.rebuildPlan()
	return inst
}

// rebuildPlan recomputes the poll-plan batches from the instance's device
// type. Called whenever the type's registers change (spec.md §4.6: "rebuild
// whenever the device's schema changes").
func (inst *Instance) rebuildPlan() {
	inst.batches = buildPollPlan(inst.Type.Registers)
}

// Value looks up a named register's current decoded value.
func (inst *Instance) Value(name string) (Value, bool) {
	v, ok := inst.valuesByName[name]
	return v, ok
}

// Snapshot is a plain-value rendering of an instance for external
// collaborators (spec.md §11: getDeviceValuesJson → Manager.Snapshot(unit)).
type Snapshot struct {
	UnitID       uint8
	FriendlyName string
	TypeName     string
	Values       map[string]Value
	Unknown      map[string]Value
}

func (inst *Instance) snapshot() Snapshot {
	values := make(map[string]Value, len(inst.valuesByName))
	for k, v := range inst.valuesByName {
		values[k] = v
	}
	unknown := make(map[string]Value, len(inst.unknownByAddr))
	for k, v := range inst.unknownByAddr {
		unknown[k] = v
	}
	return Snapshot{
		UnitID:       inst.UnitID,
		FriendlyName: inst.FriendlyName,
		TypeName:     inst.Type.Name,
		Values:       values,
		Unknown:      unknown,
	}
}

func unknownKey(addr uint16) string {
	return fmt.Sprintf("U16_%d", addr)
}

// applyReading decodes words (one register per entry, starting at start) and
// updates every named register the definitions cover plus any leftover
// unknown addresses, calling onChange for each named register whose value
// crosses the change threshold (spec.md §4.6, §8 value-change property).
// onChange runs synchronously under whatever lock the caller already holds —
// same bounded-time, non-blocking contract as busengine.Completion.
func (inst *Instance) applyReading(fc uint8, start uint16, words []uint16, nowMs, unixSec uint64, onChange func(name string, value float64, unit string)) {
	end := start + uint16(len(words))
	covered := make(map[uint16]bool, len(words))

	for i := range inst.Type.Registers {
		def := &inst.Type.Registers[i]
		if def.FunctionCode != fc {
			continue
		}
		defEnd := def.Address + def.Length
		if def.Address < start || defEnd > end {
			continue
		}

		offset := def.Address - start
		regWords := words[offset : offset+def.Length]
		for a := def.Address; a < defEnd; a++ {
			covered[a] = true
		}

		if def.DataType == TypeString {
			text := decodeStringWords(regWords)
			inst.valuesByName[def.Name] = Value{
				Text:                      text,
				Unit:                      def.Unit,
				Valid:                     true,
				UpdatedUptimeMs:           nowMs,
				CapturedUnixSecondsOrZero: unixSec,
			}
			continue
		}

		scaled, err := decodeWords(def.DataType, regWords, def.Factor, def.Offset)
		if err != nil {
			continue
		}

		prev := inst.valuesByName[def.Name]
		changed := valueChanged(prev, scaled)
		inst.valuesByName[def.Name] = Value{
			RawFloat:                  scaled,
			Unit:                      def.Unit,
			Valid:                     true,
			UpdatedUptimeMs:           nowMs,
			CapturedUnixSecondsOrZero: unixSec,
		}
		if changed && onChange != nil {
			onChange(def.Name, scaled, def.Unit)
		}
	}

	for i, w := range words {
		addr := start + uint16(i)
		if covered[addr] {
			continue
		}
		k := unknownKey(addr)
		if _, exists := inst.unknownByAddr[k]; !exists && len(inst.unknownByAddr) >= maxUnknownRegisters {
			continue // hard cap: overflow dropped, not evicted (spec.md §3)
		}
		inst.unknownByAddr[k] = Value{
			RawFloat:                  float64(w),
			Valid:                     true,
			UpdatedUptimeMs:           nowMs,
			CapturedUnixSecondsOrZero: unixSec,
		}
	}
}

// invalidateRange marks every named register overlapping [start, start+qty)
// invalid — used on a failed/timed-out read covering that register (spec.md
// §3 invariant (f), §4.6: "mark covered register values valid = false").
func (inst *Instance) invalidateRange(fc uint8, start, qty uint16) {
	end := start + qty
	for i := range inst.Type.Registers {
		def := &inst.Type.Registers[i]
		if def.FunctionCode != fc {
			continue
		}
		defEnd := def.Address + def.Length
		if def.Address >= end || defEnd <= start {
			continue
		}
		v := inst.valuesByName[def.Name]
		v.Valid = false
		inst.valuesByName[def.Name] = v
	}
}
