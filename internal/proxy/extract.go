package proxy

import (
	"encoding/json"
	"strings"
)

// Provider families understood by the usage extractor.
const (
	FamilyOpenAI    = "openai"
	FamilyAnthropic = "anthropic"
	FamilyGemini    = "gemini"
)

// usageCounts is the token usage pulled out of an upstream response body.
type usageCounts struct {
	InputTokens  int64
	OutputTokens int64
}

type openAIUsageEnvelope struct {
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type anthropicUsageEnvelope struct {
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type geminiUsageEnvelope struct {
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// extractUsage pulls token counts from a response body in the given family's
// wire format. The second return is false when the body carries no usable
// usage block, in which case the caller falls back to estimation.
func extractUsage(family string, body []byte) (usageCounts, bool) {
	switch normalizeFamily(family) {
	case FamilyAnthropic:
		var env anthropicUsageEnvelope
		if errDecode := json.Unmarshal(body, &env); errDecode != nil {
			return usageCounts{}, false
		}
		return counts(env.Usage.InputTokens, env.Usage.OutputTokens)
	case FamilyGemini:
		var env geminiUsageEnvelope
		if errDecode := json.Unmarshal(body, &env); errDecode != nil {
			return usageCounts{}, false
		}
		return counts(env.UsageMetadata.PromptTokenCount, env.UsageMetadata.CandidatesTokenCount)
	default:
		var env openAIUsageEnvelope
		if errDecode := json.Unmarshal(body, &env); errDecode != nil {
			return usageCounts{}, false
		}
		return counts(env.Usage.PromptTokens, env.Usage.CompletionTokens)
	}
}

// normalizeFamily maps aliases onto the three wire formats. OpenAI-compatible
// providers (xai, deepseek, openrouter) fall through to the openai default.
func normalizeFamily(family string) string {
	switch strings.ToLower(strings.TrimSpace(family)) {
	case FamilyAnthropic, "claude":
		return FamilyAnthropic
	case FamilyGemini, "google":
		return FamilyGemini
	default:
		return FamilyOpenAI
	}
}

func counts(in, out int64) (usageCounts, bool) {
	if in < 0 || out < 0 {
		return usageCounts{}, false
	}
	if in == 0 && out == 0 {
		return usageCounts{}, false
	}
	return usageCounts{InputTokens: in, OutputTokens: out}, true
}
