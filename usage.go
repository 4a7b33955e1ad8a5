package kci

import (
	"encoding/binary"
	"sync"
)

// Usage reporting. GET_USAGE hands the firmware a scratch buffer; the
// firmware fills it with a header and an array of fixed-size metric
// records which the engine folds into cumulative per-client statistics.

const (
	// usageBufferSize is the scratch buffer handed to GET_USAGE.
	usageBufferSize = 4096

	// usageHeaderSize covers num_metrics u32 and metric_size u32.
	usageHeaderSize = 8

	// usageMetricSize is the record size this engine understands:
	// type u32 plus a 12-byte payload. A firmware reporting another
	// size speaks a different revision and its buffer is discarded.
	usageMetricSize = 16
)

// Metric record types.
const (
	usageMetricTypeCoreUsage         = 1
	usageMetricTypeComponentActivity = 2
)

// Component indexes for activity metrics.
const (
	UsageComponentCore = iota
	UsageComponentDSP
	UsageComponentCount
)

// usageStats accumulates firmware-reported usage.
type usageStats struct {
	mu sync.Mutex

	// timeInState is cumulative busy time in microseconds, keyed by
	// client UID and then by core power state.
	timeInState map[int32]map[uint32]uint64

	// utilization is the last reported percentage per component.
	utilization [UsageComponentCount]int32
}

func (u *usageStats) addCoreUsage(uid int32, powerState uint32, durationUs uint32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.timeInState == nil {
		u.timeInState = make(map[int32]map[uint32]uint64)
	}
	states := u.timeInState[uid]
	if states == nil {
		states = make(map[uint32]uint64)
		u.timeInState[uid] = states
	}
	states[powerState] += uint64(durationUs)
}

func (u *usageStats) setUtilization(component int32, utilization int32) {
	if utilization == 0 || component < 0 || component >= UsageComponentCount {
		return
	}
	u.mu.Lock()
	u.utilization[component] = utilization
	u.mu.Unlock()
}

// UsageSnapshot is a copy of the accumulated usage statistics.
type UsageSnapshot struct {
	// TimeInState maps client UID to per-power-state busy time in
	// microseconds.
	TimeInState map[int32]map[uint32]uint64

	// Utilization is the last reported percentage per component.
	Utilization [UsageComponentCount]int32
}

// Usage returns a snapshot of the statistics accumulated so far.
func (e *Engine) Usage() UsageSnapshot {
	e.usage.mu.Lock()
	defer e.usage.mu.Unlock()

	snap := UsageSnapshot{
		TimeInState: make(map[int32]map[uint32]uint64, len(e.usage.timeInState)),
		Utilization: e.usage.utilization,
	}
	for uid, states := range e.usage.timeInState {
		cp := make(map[uint32]uint64, len(states))
		for s, t := range states {
			cp[s] = t
		}
		snap.TimeInState[uid] = cp
	}
	return snap
}

// UpdateUsage polls the firmware for usage metrics and folds them into the
// engine's statistics. Firmware that does not implement usage reporting is
// not an error.
func (e *Engine) UpdateUsage() error {
	buf, err := e.alloc.Alloc(usageBufferSize)
	if err != nil {
		return NewError("GET_USAGE", ErrCodeNoMemory, "usage buffer")
	}
	defer e.alloc.Free(buf)

	// Zero the header so a firmware that answers OK without writing
	// anything parses as zero records.
	for i := 0; i < usageHeaderSize; i++ {
		buf.Bytes[i] = 0
	}

	cmd := &Command{
		Code: CodeGetUsage,
		DMA:  DMADescriptor{Address: buf.DeviceAddr, Size: usageBufferSize},
	}
	resp, err := e.SendAndWait(cmd)
	if err != nil {
		return err
	}

	switch st := resp.FirmwareStatus(); {
	case st.FeatureAbsent():
		e.log.Debug("firmware does not report usage")
		return nil
	case st != FwOK:
		return NewFirmwareError(cmd.Code.String(), cmd.Seq, st)
	}

	e.processUsageBuffer(buf.Bytes)
	return nil
}

// processUsageBuffer parses a filled usage buffer. Unknown record types
// are skipped; a record count overrunning the buffer is truncated.
func (e *Engine) processUsageBuffer(b []byte) {
	numMetrics := binary.LittleEndian.Uint32(b[0:4])
	metricSize := binary.LittleEndian.Uint32(b[4:8])

	if metricSize != usageMetricSize {
		e.log.Debug("usage buffer from unknown firmware revision discarded",
			"metric_size", metricSize)
		return
	}
	if max := uint32((len(b) - usageHeaderSize) / usageMetricSize); numMetrics > max {
		e.log.Warn("usage record count exceeds buffer, truncating",
			"num_metrics", numMetrics, "max", max)
		numMetrics = max
	}

	for i := uint32(0); i < numMetrics; i++ {
		rec := b[usageHeaderSize+i*usageMetricSize:]
		typ := binary.LittleEndian.Uint32(rec[0:4])
		switch typ {
		case usageMetricTypeCoreUsage:
			uid := int32(binary.LittleEndian.Uint32(rec[4:8]))
			state := binary.LittleEndian.Uint32(rec[8:12])
			duration := binary.LittleEndian.Uint32(rec[12:16])
			e.usage.addCoreUsage(uid, state, duration)
		case usageMetricTypeComponentActivity:
			component := int32(binary.LittleEndian.Uint32(rec[4:8]))
			utilization := int32(binary.LittleEndian.Uint32(rec[8:12]))
			e.usage.setUtilization(component, utilization)
		default:
			e.log.Debug("skipping unknown usage metric", "index", i, "type", typ)
		}
	}
}
