package main

import (
	"encoding/json"
	"time"

	"github.com/unpod/corertc/runtime/agentconfig"
	"github.com/unpod/corertc/runtime/postcall"
	"github.com/unpod/corertc/runtime/voice"
)

// toPostCallJob bridges a terminated Voice Session Runtime's CallResult
// (voice.CallResult) into the Post-Call Flow's own CallResult/Job shape.
// The two types diverge because voice.CallResult is a runtime-internal
// lifecycle summary (state, per-turn metrics, transcript entries) while
// postcall.CallResult mirrors the Python post_call.py dataclass the flow
// was distilled from; nothing upstream produces the latter directly.
func toPostCallJob(taskID string, result voice.CallResult, cfg agentconfig.AgentConfig, metadata agentconfig.SessionMetadata, callStart time.Time) postcall.Job {
	transcript, _ := json.Marshal(result.Transcript)

	status := "completed"
	callStatus := "completed"
	errMsg := ""
	if result.Status == voice.StateFailed {
		status = "failed"
		callStatus = "failed"
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
	}

	return postcall.Job{
		TaskID: taskID,
		CallResult: postcall.CallResult{
			CallID:          result.CallID,
			ContactNumber:   metadata.DialledNumber,
			CallEndReason:   result.Reason,
			Transcript:      transcript,
			CallStart:       callStart,
			CallEnd:         time.Now(),
			AssistantNumber: cfg.TelephonyConfig.CallerID,
			Duration:        result.Metrics.TurnLatency,
			Status:          status,
			Error:           errMsg,
			CallStatus:      callStatus,
			Data: map[string]any{
				"type": callTypeOf(metadata),
			},
		},
		CallType:   callTypeOf(metadata),
		SpaceToken: metadata.SpaceToken,
		AgentID:    cfg.Handle,
	}
}

func callTypeOf(metadata agentconfig.SessionMetadata) string {
	if metadata.InboundSIPCall {
		return "inbound"
	}
	return "outbound"
}
