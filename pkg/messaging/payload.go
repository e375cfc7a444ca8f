package messaging

import (
	"encoding/json"

	"github.com/illmade-knight/go-interflow/pkg/flowerr"
)

// Payload is the stable wire shape of a message body:
//
//	{"headers": ["col-a", "col-b"], "record": {"col-a": "1", "col-b": "2"}}
//
// Record-transform scripts receive and return this shape.
type Payload struct {
	Headers []string          `json:"headers"`
	Record  map[string]string `json:"record"`
}

// EncodePayload serializes one (headers, record) pair. A nil record is
// malformed input and fails with an argument error.
func EncodePayload(headers []string, record map[string]string) ([]byte, error) {
	const op = "messaging.EncodePayload"
	if record == nil {
		return nil, flowerr.New(flowerr.KindArgument, op, "record cannot be nil")
	}
	data, err := json.Marshal(Payload{Headers: headers, Record: record})
	if err != nil {
		return nil, flowerr.Wrap(err, flowerr.KindArgument, op, "record is not serializable")
	}
	return data, nil
}

// DecodePayload parses a wire payload back into its (headers, record) pair.
func DecodePayload(data []byte) (Payload, error) {
	const op = "messaging.DecodePayload"
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, flowerr.Wrap(err, flowerr.KindArgument, op, "payload is not valid JSON")
	}
	if p.Record == nil {
		p.Record = map[string]string{}
	}
	return p, nil
}
