package requesttask

import (
	"encoding/json"
	"fmt"
)

// Output modes applied to a synchronous response.
const (
	ModeStatus       = "status"
	ModeResponseText = "response_text"
	ModeResponseJSON = "response_json"
)

// Output fields written by the output modes.
const (
	FieldStatus   = "request_status"
	FieldResponse = "response"
)

// Extract applies the output modes in order to a copy of input. The result is
// nil when input is nil and no mode ran.
func Extract(input any, modes []string, status int, body []byte) (any, error) {
	output := deepCopy(input)
	for _, mode := range modes {
		if output == nil {
			output = map[string]any{}
		}
		out, ok := output.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("output mode %s requires a mapping input, got %T", mode, output)
		}
		switch mode {
		case ModeStatus:
			out[FieldStatus] = status
		case ModeResponseText:
			out[FieldResponse] = string(body)
		case ModeResponseJSON:
			var v any
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, fmt.Errorf("parse response as JSON: %w", err)
			}
			out[FieldResponse] = v
		}
	}
	return output, nil
}

// deepCopy copies decoded JSON values so output never aliases the input.
func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
