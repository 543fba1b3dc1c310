package voice

import "time"

// TurnMetrics captures the timing of a single conversational turn: one STT
// finalization through one TTS utterance.
type TurnMetrics struct {
	STTDuration      time.Duration
	LLMTTFT          time.Duration
	LLMCompletionTok int
	TTSTTFB          time.Duration
	TTSChars         int
	TurnLatency      time.Duration
}

// MetricsAccumulator keeps per-turn samples plus running sums and counts so
// callers can report both the latest turn and lifetime averages without
// re-scanning history.
type MetricsAccumulator struct {
	turns []TurnMetrics

	sttDurationSum time.Duration
	llmTTFTSum     time.Duration
	llmTokensSum   int
	ttsTTFBSum     time.Duration
	ttsCharsSum    int
	turnLatencySum time.Duration
}

// Record appends m and folds it into the running sums.
func (a *MetricsAccumulator) Record(m TurnMetrics) {
	a.turns = append(a.turns, m)
	a.sttDurationSum += m.STTDuration
	a.llmTTFTSum += m.LLMTTFT
	a.llmTokensSum += m.LLMCompletionTok
	a.ttsTTFBSum += m.TTSTTFB
	a.ttsCharsSum += m.TTSChars
	a.turnLatencySum += m.TurnLatency
}

// Count returns the number of recorded turns.
func (a *MetricsAccumulator) Count() int { return len(a.turns) }

// Turns returns the recorded per-turn samples in order.
func (a *MetricsAccumulator) Turns() []TurnMetrics { return a.turns }

// AverageTurnLatency returns the mean wall-clock turn latency, or zero when
// no turns have been recorded.
func (a *MetricsAccumulator) AverageTurnLatency() time.Duration {
	if len(a.turns) == 0 {
		return 0
	}
	return a.turnLatencySum / time.Duration(len(a.turns))
}

// Sums returns the cumulative totals across every recorded turn.
func (a *MetricsAccumulator) Sums() TurnMetrics {
	return TurnMetrics{
		STTDuration:      a.sttDurationSum,
		LLMTTFT:          a.llmTTFTSum,
		LLMCompletionTok: a.llmTokensSum,
		TTSTTFB:          a.ttsTTFBSum,
		TTSChars:         a.ttsCharsSum,
		TurnLatency:      a.turnLatencySum,
	}
}
