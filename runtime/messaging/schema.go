package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// inboundFrameSchema is the JSON Schema every inbound WebSocket frame must
// satisfy: event is one of chat/block/ping, with event-specific payload
// shapes.
const inboundFrameSchema = `{
	"type": "object",
	"required": ["event"],
	"properties": {
		"event": {"type": "string", "enum": ["chat", "block", "ping"]},
		"message": {"type": "string"},
		"data": {
			"type": "object",
			"properties": {
				"block": {"type": "string"},
				"block_type": {"type": "string"},
				"data": {}
			}
		}
	}
}`

// compileInboundFrameSchema compiles the inbound frame schema once at
// construction time, matching the teacher's compile-then-validate pattern
// from registry/service.go.
func compileInboundFrameSchema() (*jsonschema.Schema, error) {
	var schemaDoc any
	if err := json.Unmarshal([]byte(inboundFrameSchema), &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal frame schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inbound-frame.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add frame schema resource: %w", err)
	}
	schema, err := c.Compile("inbound-frame.json")
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return schema, nil
}

func validateInboundFrame(schema *jsonschema.Schema, raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
