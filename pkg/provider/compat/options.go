package compat

import (
	"encoding/json"
	"strconv"
	"strings"
)

// extraOptions are the backend knobs accepted through the provider's
// extension map, keyed by their wire names.
type extraOptions struct {
	TopP             *float64
	PresencePenalty  *float64
	FrequencyPenalty *float64
	ToolChoice       json.RawMessage
	ResponseFormat   json.RawMessage
	Seed             *int
}

func parseExtraOptions(extra map[string]any) extraOptions {
	opts := extraOptions{}
	for key, val := range extra {
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "top_p":
			if v, ok := toFloat(val); ok {
				opts.TopP = &v
			}
		case "presence_penalty":
			if v, ok := toFloat(val); ok {
				opts.PresencePenalty = &v
			}
		case "frequency_penalty":
			if v, ok := toFloat(val); ok {
				opts.FrequencyPenalty = &v
			}
		case "tool_choice":
			if data, err := json.Marshal(val); err == nil {
				opts.ToolChoice = data
			}
		case "response_format":
			if data, err := json.Marshal(val); err == nil {
				opts.ResponseFormat = data
			}
		case "seed":
			if v, ok := toInt(val); ok {
				opts.Seed = &v
			}
		}
	}
	return opts
}

func toInt(val any) (int, bool) {
	switch v := val.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		return i, err == nil
	default:
		return 0, false
	}
}

func toFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
