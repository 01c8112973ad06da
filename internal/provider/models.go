package provider

// Limits bound a model's context and single-step output.
type Limits struct {
	Context int64
	Output  int64
}

// Cost is USD per million tokens.
type Cost struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

// ModelInfo describes a model's capabilities for the compactor and the cost
// accountant.
type ModelInfo struct {
	ID       string
	Limits   Limits
	Cost     Cost
	ToolCall bool
}

// Static catalog of known models. Unknown models fall back to conservative
// defaults so the overflow predicate still engages.
var catalog = map[string]map[string]ModelInfo{
	"anthropic": {
		"claude-sonnet-4-5": {
			ID:       "claude-sonnet-4-5",
			Limits:   Limits{Context: 200_000, Output: 64_000},
			Cost:     Cost{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
			ToolCall: true,
		},
		"claude-haiku-4-5": {
			ID:       "claude-haiku-4-5",
			Limits:   Limits{Context: 200_000, Output: 64_000},
			Cost:     Cost{Input: 1, Output: 5, CacheRead: 0.1, CacheWrite: 1.25},
			ToolCall: true,
		},
		"claude-opus-4-1": {
			ID:       "claude-opus-4-1",
			Limits:   Limits{Context: 200_000, Output: 32_000},
			Cost:     Cost{Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
			ToolCall: true,
		},
	},
	"openai": {
		"gpt-5": {
			ID:       "gpt-5",
			Limits:   Limits{Context: 400_000, Output: 128_000},
			Cost:     Cost{Input: 1.25, Output: 10},
			ToolCall: true,
		},
		"gpt-5-mini": {
			ID:       "gpt-5-mini",
			Limits:   Limits{Context: 400_000, Output: 128_000},
			Cost:     Cost{Input: 0.25, Output: 2},
			ToolCall: true,
		},
	},
}

var defaultModelInfo = ModelInfo{
	Limits:   Limits{Context: 200_000, Output: 8_192},
	ToolCall: true,
}

// Lookup returns catalog info for a model, falling back to defaults.
func Lookup(providerID, modelID string) ModelInfo {
	if models, ok := catalog[providerID]; ok {
		if info, ok := models[modelID]; ok {
			return info
		}
	}
	info := defaultModelInfo
	info.ID = modelID
	return info
}

// StepCost prices one step's usage in USD.
func StepCost(info ModelInfo, u Usage) float64 {
	const million = 1_000_000
	return float64(u.Input)*info.Cost.Input/million +
		float64(u.Output)*info.Cost.Output/million +
		float64(u.CacheRead)*info.Cost.CacheRead/million +
		float64(u.CacheWrite)*info.Cost.CacheWrite/million
}
