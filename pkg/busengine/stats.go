package busengine

// Stats is one of the two parallel counter sets the engine keeps —
// cumulative-since-reset and rolling-interval (spec.md §4.4). Both use this
// same shape; Engine.stats never resets, Engine.intervalStats resets at
// every warning check.
type Stats struct {
	FramesReceived uint64
	FramesSent     uint64
	CrcErrors      uint64
	Timeouts       uint64

	OwnSent      uint64
	OwnSuccess   uint64
	OwnFailed    uint64
	OwnDiscarded uint64

	OtherRequests          uint64
	OtherResponses         uint64
	OtherResponsesPaired   uint64
	OtherResponsesUnpaired uint64
	OtherExceptions        uint64

	OwnActiveTimeUs   uint64
	OtherActiveTimeUs uint64
	TotalTimeUs       uint64
}

// OwnFailureRate is the fraction of our own completed requests (success or
// failure) that failed.
func (s Stats) OwnFailureRate() float64 {
	if s.OwnSuccess+s.OwnFailed == 0 {
		return 0
	}
	return float64(s.OwnFailed) / float64(s.OwnSuccess+s.OwnFailed)
}

// OtherFailureRate is the fraction of observed foreign responses (normal or
// exception) that were exceptions; foreign requests are not counted.
func (s Stats) OtherFailureRate() float64 {
	total := s.OtherResponses + s.OtherExceptions
	if total == 0 {
		return 0
	}
	return float64(s.OtherExceptions) / float64(total)
}

// BusIdlePercent is the share of wall-clock time in this window during
// which neither our own traffic nor foreign traffic occupied the wire.
func (s Stats) BusIdlePercent() float64 {
	if s.TotalTimeUs == 0 {
		return 100
	}
	active := s.OwnActiveTimeUs + s.OtherActiveTimeUs
	if active > s.TotalTimeUs {
		active = s.TotalTimeUs
	}
	return float64(s.TotalTimeUs-active) / float64(s.TotalTimeUs) * 100
}

// UnitBackoff is the per-unit transmission back-off state (spec.md §4.4,
// §8 back-off monotonicity property).
type UnitBackoff struct {
	ConsecutiveTimeouts int
	BackoffMs           uint64
	PausedUntilMs       uint64
}

func (e *Engine) backoffFor(unit uint8) *UnitBackoff {
	b, ok := e.backoff[unit]
	if !ok {
		b = &UnitBackoff{BackoffMs: e.config.BackoffInitialMs}
		e.backoff[unit] = b
	}
	return b
}

func (e *Engine) resetBackoff(unit uint8) {
	b := e.backoffFor(unit)
	b.ConsecutiveTimeouts = 0
	b.BackoffMs = e.config.BackoffInitialMs
	b.PausedUntilMs = 0
}

func (e *Engine) isPaused(unit uint8, nowMs uint64) bool {
	b, ok := e.backoff[unit]
	if !ok {
		return false
	}
	return nowMs < b.PausedUntilMs
}

// UnitBackoffSnapshot returns a copy of the current per-unit back-off table
// (spec.md §6 engine.unitBackoffSnapshot()).
func (e *Engine) UnitBackoffSnapshot() map[uint8]UnitBackoff {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[uint8]UnitBackoff, len(e.backoff))
	for unit, b := range e.backoff {
		out[unit] = *b
	}
	return out
}

// Stats returns a copy of the cumulative-since-reset counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// IntervalStats returns a copy of the current rolling-interval counters.
func (e *Engine) IntervalStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.intervalStats
}

// checkWarnings runs at most once per WarnIntervalMs: evaluates the rolling
// interval against the configured thresholds, logs at Warn level on
// breach, then resets the interval counters (spec.md §4.4).
func (e *Engine) checkWarnings(nowUptimeUs uint64) {
	nowMs := nowUptimeUs / 1000
	if e.lastWarnUptimeMs == 0 {
		e.lastWarnUptimeMs = nowMs
		return
	}
	if nowMs-e.lastWarnUptimeMs < e.config.WarnIntervalMs {
		return
	}

	s := e.intervalStats
	if ownRate := s.OwnFailureRate() * 100; ownRate > e.config.OwnFailWarnPct {
		e.log.Warn().Float64("ownFailurePct", ownRate).Msg("own request failure rate above threshold")
	}
	if otherRate := s.OtherFailureRate() * 100; otherRate > e.config.OtherFailWarnPct {
		e.log.Warn().Float64("otherFailurePct", otherRate).Msg("foreign exception rate above threshold")
	}
	if busy := 100 - s.BusIdlePercent(); busy > e.config.BusyWarnPct {
		e.log.Warn().Float64("busyPct", busy).Msg("bus busy percentage above threshold")
	}

	e.intervalStats = Stats{}
	e.lastWarnUptimeMs = nowMs
}
