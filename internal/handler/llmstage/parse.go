package llmstage

import (
	"encoding/json"
	"strings"
)

type modelCandidate struct {
	DisplayName string   `json:"display_name"`
	OpaqueID    recordID `json:"opaque_id"`
}

// recordID accepts an id written as a JSON string or a bare number. Numbers
// keep their literal digits.
type recordID string

func (r *recordID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = recordID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*r = recordID(n)
	return nil
}

type modelReply struct {
	Speech     string           `json:"speech"`
	Display    string           `json:"display"`
	Advance    bool             `json:"advance"`
	Candidates []modelCandidate `json:"candidates"`
}

// parseModelReply decodes the first JSON object in text that carries a
// speech field. Models often wrap the object in prose or code fences.
func parseModelReply(text string) (modelReply, bool) {
	for i := strings.IndexByte(text, '{'); i >= 0; {
		var out modelReply
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		if err := dec.Decode(&out); err == nil && out.Speech != "" {
			return out, true
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return modelReply{}, false
}
