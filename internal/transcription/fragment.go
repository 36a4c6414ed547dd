package transcription

import (
	"bytes"
	"encoding/json"

	"github.com/kaptinlin/jsonrepair"
)

// extractText parses one raw JSON value and returns the transcribed text it carries.
// A value that is itself an array contributes its first element.
// Parse failures are reported as ok == false and never as errors.
func extractText(raw []byte, repair bool) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var elems []json.RawMessage
		if err := unmarshalFragment(raw, &elems, repair); err != nil || len(elems) == 0 {
			return "", false
		}
		raw = elems[0]
	}

	var resp GenerateContentResponse
	if err := unmarshalFragment(raw, &resp, repair); err != nil {
		return "", false
	}
	return resp.Text()
}

// unmarshalFragment decodes data into v. With repair enabled, a syntax error
// triggers one jsonrepair pass before giving up.
func unmarshalFragment(data []byte, v any, repair bool) error {
	err := json.Unmarshal(data, v)
	if err == nil || !repair {
		return err
	}
	if _, ok := err.(*json.SyntaxError); !ok {
		return err
	}
	fixed, rerr := jsonrepair.JSONRepair(string(data))
	if rerr != nil {
		return err
	}
	return json.Unmarshal([]byte(fixed), v)
}
