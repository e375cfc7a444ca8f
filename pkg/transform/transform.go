// Package transform holds the record-transform contract applied to messages on
// the destination path, plus the helpers that turn a transform's JSON output
// back into a (headers, record) pair.
package transform

import (
	"context"

	"github.com/illmade-knight/go-interflow/pkg/flowerr"
	"github.com/illmade-knight/go-interflow/pkg/messaging"
	"github.com/tidwall/gjson"
)

// RecordTransformer is a pure JSON-to-JSON function invoked once per message.
// Input and output use the wire payload shape; the transformer must be free of
// side effects from the pipeline's perspective.
type RecordTransformer interface {
	Transform(ctx context.Context, payload []byte) ([]byte, error)
}

// Func adapts a plain function to the RecordTransformer interface.
type Func func(ctx context.Context, payload []byte) ([]byte, error)

// Transform implements RecordTransformer.
func (f Func) Transform(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// reserved metadata keys that are never part of the record body.
const headersKey = "headers"

// ExtractRecord interprets a transform's output document.
//
// When the document carries a "record" key, that object is the record. When it
// does not, every top-level key except the reserved metadata keys is treated
// as a record column. The fallback cannot distinguish "no record" from "record
// key omitted by convention"; transforms that need an empty record must emit
// an explicit empty "record" object.
func ExtractRecord(doc []byte) (headers []string, record map[string]string, err error) {
	const op = "transform.ExtractRecord"
	if !gjson.ValidBytes(doc) {
		return nil, nil, flowerr.New(flowerr.KindTransform, op, "transform output is not valid JSON")
	}
	root := gjson.ParseBytes(doc)
	if !root.IsObject() {
		return nil, nil, flowerr.New(flowerr.KindTransform, op, "transform output is not a JSON object")
	}

	if h := root.Get(headersKey); h.IsArray() {
		for _, v := range h.Array() {
			headers = append(headers, v.String())
		}
	}

	record = make(map[string]string)
	if r := root.Get("record"); r.Exists() {
		if !r.IsObject() {
			return nil, nil, flowerr.New(flowerr.KindTransform, op, `"record" is not a JSON object`)
		}
		r.ForEach(func(key, value gjson.Result) bool {
			record[key.String()] = value.String()
			return true
		})
		return headers, record, nil
	}

	// Fallback: the whole output minus metadata keys is the record.
	root.ForEach(func(key, value gjson.Result) bool {
		if key.String() == headersKey {
			return true
		}
		record[key.String()] = value.String()
		return true
	})
	return headers, record, nil
}

// Apply runs the transformer over one wire payload and returns the transformed
// (headers, record) pair. A nil transformer is the identity. When the
// transform output names no headers, the input payload's headers are kept.
func Apply(ctx context.Context, t RecordTransformer, payload messaging.Payload) ([]string, map[string]string, error) {
	const op = "transform.Apply"
	if t == nil {
		return payload.Headers, payload.Record, nil
	}

	in, err := messaging.EncodePayload(payload.Headers, payload.Record)
	if err != nil {
		return nil, nil, err
	}
	out, err := t.Transform(ctx, in)
	if err != nil {
		return nil, nil, flowerr.Wrap(err, flowerr.KindTransform, op, "record transform failed")
	}
	headers, record, err := ExtractRecord(out)
	if err != nil {
		return nil, nil, err
	}
	if headers == nil {
		headers = payload.Headers
	}
	return headers, record, nil
}
