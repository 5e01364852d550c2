package supervisor

import "encoding/json"

// usagePayload matches the usage and timing blocks OpenAI-compatible engines
// attach to completion responses. llama-server additionally reports timings.
type usagePayload struct {
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Timings struct {
		PredictedPerSecond float64 `json:"predicted_per_second"`
		PromptMS           float64 `json:"prompt_ms"`
	} `json:"timings"`
}

// recordTelemetry accumulates usage numbers from a blocking response body.
// Bodies without usage blocks (audio, images) are ignored.
func (s *Supervisor) recordTelemetry(body []byte) {
	var payload usagePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return
	}
	if payload.Usage.PromptTokens == 0 && payload.Usage.CompletionTokens == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry.InputTokens += payload.Usage.PromptTokens
	s.telemetry.PromptTokens += payload.Usage.PromptTokens
	s.telemetry.OutputTokens += payload.Usage.CompletionTokens
	if payload.Timings.PredictedPerSecond > 0 {
		s.telemetry.TokensPerSecond = payload.Timings.PredictedPerSecond
	}
	if payload.Timings.PromptMS > 0 {
		s.telemetry.TimeToFirstToken = payload.Timings.PromptMS / 1000
	}
}
