package vkcommand

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// BeginTimestampScope opens a named timestamp pair in the actively recording
// command buffer. Results appear in GetTimings one frame later.
func (o *Orchestrator) BeginTimestampScope(name string) error {
	if o.active == nil {
		return errors.WithStack(ErrNotRecording)
	}

	resources := o.active.resources[o.slot()]
	if len(resources.scopes) >= maxTimestampScopes {
		return errors.Newf("no timestamp scope slots remain of %d", maxTimestampScopes)
	}
	if _, open := resources.openScopes[name]; open {
		return errors.Newf("timestamp scope %q is already open", name)
	}

	pairIndex := len(resources.scopes)
	resources.scopes = append(resources.scopes, timestampScope{name: name})
	resources.openScopes[name] = pairIndex

	query := 2 + 2*pairIndex
	resources.CommandBuffer.CmdWriteTimestamp(core1_0.PipelineStageTopOfPipe, resources.TimestampPool, query)

	return nil
}

// EndTimestampScope closes a scope opened by BeginTimestampScope.
func (o *Orchestrator) EndTimestampScope(name string) error {
	if o.active == nil {
		return errors.WithStack(ErrNotRecording)
	}

	resources := o.active.resources[o.slot()]
	pairIndex, open := resources.openScopes[name]
	if !open {
		return errors.Newf("timestamp scope %q is not open", name)
	}
	delete(resources.openScopes, name)
	resources.scopes[pairIndex].closed = true

	query := 2 + 2*pairIndex + 1
	resources.CommandBuffer.CmdWriteTimestamp(core1_0.PipelineStageBottomOfPipe, resources.TimestampPool, query)

	return nil
}

// BeginOcclusionQuery opens the next occlusion query in the actively
// recording command buffer, returning its index.
func (o *Orchestrator) BeginOcclusionQuery() (int, error) {
	if o.active == nil {
		return -1, errors.WithStack(ErrNotRecording)
	}

	resources := o.active.resources[o.slot()]
	if resources.occlusionUsed >= occlusionQueryCount {
		return -1, errors.Newf("no occlusion query slots remain of %d", occlusionQueryCount)
	}

	index := resources.occlusionUsed
	resources.occlusionUsed++
	resources.CommandBuffer.CmdBeginQuery(resources.OcclusionPool, index, 0)

	return index, nil
}

// EndOcclusionQuery closes an occlusion query opened this frame.
func (o *Orchestrator) EndOcclusionQuery(index int) error {
	if o.active == nil {
		return errors.WithStack(ErrNotRecording)
	}

	resources := o.active.resources[o.slot()]
	if index < 0 || index >= resources.occlusionUsed {
		return errors.Newf("occlusion query %d was not begun this frame", index)
	}
	resources.CommandBuffer.CmdEndQuery(resources.OcclusionPool, index)

	return nil
}

// GetTimings returns the name-keyed timing table in milliseconds. Entries
// reflect the most recently retired frame for each slot; readback tolerates
// the one-frame latency inherent to GPU queries.
func (o *Orchestrator) GetTimings() map[string]float64 {
	timings := make(map[string]float64, len(o.timings))
	for name, ms := range o.timings {
		timings[name] = ms
	}
	return timings
}

// GetPipelineStatistics returns the most recently retired frame's pipeline
// statistics counters.
func (o *Orchestrator) GetPipelineStatistics() map[string]uint64 {
	statistics := make(map[string]uint64, len(o.statistics))
	for name, value := range o.statistics {
		statistics[name] = value
	}
	return statistics
}

// GetOcclusionResults returns the most recently retired frame's occlusion
// sample counts, one per query begun that frame.
func (o *Orchestrator) GetOcclusionResults() []uint64 {
	results := make([]uint64, len(o.occlusionResults))
	copy(results, o.occlusionResults)
	return results
}

// retrieveQueryResults reads the slot's query pools after its fence has
// signaled. Failures are logged and skipped: stale timings are preferable to
// stalling the frame.
func (o *Orchestrator) retrieveQueryResults(resources *CommandResources) {
	queryCount := 2 + 2*len(resources.scopes)
	data := make([]byte, queryCount*8)
	_, err := resources.TimestampPool.PopulateResults(0, queryCount, data, 8, core1_0.QueryResult64Bit)
	if err != nil {
		o.logger.Warn("failed to retrieve timestamp query results",
			slog.Any("Error", err),
		)
	} else {
		values := make([]uint64, queryCount)
		err = binary.Read(bytes.NewReader(data), common.ByteOrder, values)
		if err == nil {
			o.timings["Frame"] = o.timestampMilliseconds(values[0], values[1])
			for pairIndex, scope := range resources.scopes {
				if !scope.closed {
					continue
				}
				begin := values[2+2*pairIndex]
				end := values[2+2*pairIndex+1]
				o.timings[scope.name] = o.timestampMilliseconds(begin, end)
			}
		}
	}

	if resources.StatsPool != nil {
		statsData := make([]byte, len(pipelineStatisticNames)*8)
		_, err = resources.StatsPool.PopulateResults(0, 1, statsData, len(statsData), core1_0.QueryResult64Bit)
		if err != nil {
			o.logger.Warn("failed to retrieve pipeline statistics",
				slog.Any("Error", err),
			)
		} else {
			values := make([]uint64, len(pipelineStatisticNames))
			err = binary.Read(bytes.NewReader(statsData), common.ByteOrder, values)
			if err == nil {
				for i, name := range pipelineStatisticNames {
					o.statistics[name] = values[i]
				}
			}
		}
	}

	o.occlusionResults = o.occlusionResults[:0]
	if resources.occlusionUsed > 0 {
		occlusionData := make([]byte, resources.occlusionUsed*8)
		_, err = resources.OcclusionPool.PopulateResults(0, resources.occlusionUsed, occlusionData, 8, core1_0.QueryResult64Bit)
		if err != nil {
			o.logger.Warn("failed to retrieve occlusion query results",
				slog.Any("Error", err),
			)
		} else {
			values := make([]uint64, resources.occlusionUsed)
			err = binary.Read(bytes.NewReader(occlusionData), common.ByteOrder, values)
			if err == nil {
				o.occlusionResults = append(o.occlusionResults, values...)
			}
		}
	}
}

func (o *Orchestrator) timestampMilliseconds(begin, end uint64) float64 {
	if end < begin {
		return 0
	}
	return float64(end-begin) * o.timestampPeriod / 1e6
}
