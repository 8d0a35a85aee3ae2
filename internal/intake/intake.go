// Package intake decodes and validates JSON event records before they reach
// the orchestrator. Records pass both a strict typed decode and the embedded
// JSON Schema; either failure rejects the record as invalid.
package intake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/core/ports"
)

const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "additionalProperties": false,
  "properties": {
    "id": {"type": "string"},
    "type": {"type": "string", "minLength": 1},
    "order_id": {"type": "string"},
    "driver_id": {"type": "string"},
    "service_class": {"enum": ["EXPRESS", "STANDARD"]},
    "payload": {"type": "object"},
    "deadline_ms": {"type": "integer", "minimum": 0}
  }
}`

// Decoder validates raw event records.
type Decoder struct {
	schema *jsonschema.Schema
}

func NewDecoder() (*Decoder, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event.schema.json", strings.NewReader(eventSchema)); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	schema, err := compiler.Compile("event.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// Decode parses one JSON event record. Schema or typed validation failures
// come back as Invalid errors; unknown event types pass through for the
// orchestrator to queue.
func (d *Decoder) Decode(raw []byte) (dispatch.Event, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return dispatch.Event{}, ports.E(ports.KindInvalid, "intake.decode", err)
	}
	if err := d.schema.Validate(payload); err != nil {
		return dispatch.Event{}, ports.E(ports.KindInvalid, "intake.decode", err)
	}

	var event dispatch.Event
	if err := strictUnmarshal(raw, &event); err != nil {
		return dispatch.Event{}, ports.E(ports.KindInvalid, "intake.decode", err)
	}
	if err := event.Validate(); err != nil {
		return dispatch.Event{}, ports.E(ports.KindInvalid, "intake.decode", err)
	}
	return event, nil
}

func strictUnmarshal(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	if err := dec.Decode(new(any)); err != io.EOF {
		return fmt.Errorf("unexpected trailing JSON payload")
	}
	return nil
}
