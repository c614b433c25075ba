package device

import "sort"

// maxBatchQuantity is the wire-protocol ceiling on a single read's register
// count (spec.md §6: read response byte-count ≤ 250 and even, i.e. ≤ 125
// registers).
const maxBatchQuantity = 125

// PollBatch is a single read PDU covering a contiguous range of registers
// that together satisfy one or more named RegisterDefs sharing a poll
// interval (spec.md glossary).
type PollBatch struct {
	FunctionCode   uint8
	Start          uint16
	Quantity       uint16
	PollIntervalMs uint64
	Registers      []string // register names covered, in address order

	LastPollMs   uint64
	LastAttemptMs uint64
}

// buildPollPlan groups polled register definitions by (functionCode,
// pollIntervalMs), sorts by (fc, interval, start), and merges strictly
// contiguous ranges into PollBatches, splitting when the merged length
// would exceed 125 (spec.md §4.6). Only registers with PollIntervalMs > 0
// participate in the automatic plan — PollIntervalMs == 0 means on-demand
// only (original_source/ModbusDevice.h: "0 = on-demand").
func buildPollPlan(defs []RegisterDef) []PollBatch {
	type key struct {
		fc       uint8
		interval uint64
	}
	groups := make(map[key][]RegisterDef)
	for _, d := range defs {
		if d.PollIntervalMs == 0 {
			continue
		}
		k := key{d.FunctionCode, d.PollIntervalMs}
		groups[k] = append(groups[k], d)
	}

	var keys []key
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].fc != keys[j].fc {
			return keys[i].fc < keys[j].fc
		}
		return keys[i].interval < keys[j].interval
	})

	var plan []PollBatch
	for _, k := range keys {
		group := append([]RegisterDef(nil), groups[k]...)
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Address < group[j].Address
		})

		var cur *PollBatch
		for _, d := range group {
			end := d.Address + d.Length
			if cur != nil && d.Address == cur.Start+cur.Quantity && uint32(cur.Quantity)+uint32(d.Length) <= maxBatchQuantity {
				cur.Quantity = end - cur.Start
				cur.Registers = append(cur.Registers, d.Name)
				continue
			}
			if cur != nil {
				plan = append(plan, *cur)
			}
			cur = &PollBatch{
				FunctionCode:   k.fc,
				Start:          d.Address,
				Quantity:       d.Length,
				PollIntervalMs: k.interval,
				Registers:      []string{d.Name},
			}
		}
		if cur != nil {
			plan = append(plan, *cur)
		}
	}

	return plan
}
