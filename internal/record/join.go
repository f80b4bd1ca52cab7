package record

import (
	"encoding/json"
	"fmt"
)

// MergeJoined combines a matched left/right record pair into the join's
// output payload: a JSON object with exactly two fields, named leftName and
// rightName, each holding the matched side's payload verbatim (spec.md §4.4:
// "the concatenation {left: l.payload, right: r.payload}"). Payloads are
// carried as json.RawMessage rather than decoded and re-encoded, so a side's
// payload need not even be a JSON object — any valid JSON value round-trips
// unchanged.
func MergeJoined(leftName string, leftPayload []byte, rightName string, rightPayload []byte) ([]byte, error) {
	if !json.Valid(leftPayload) {
		return nil, fmt.Errorf("left payload is not valid JSON")
	}
	if !json.Valid(rightPayload) {
		return nil, fmt.Errorf("right payload is not valid JSON")
	}

	merged := map[string]json.RawMessage{
		leftName:  json.RawMessage(leftPayload),
		rightName: json.RawMessage(rightPayload),
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal joined record: %w", err)
	}
	return out, nil
}
