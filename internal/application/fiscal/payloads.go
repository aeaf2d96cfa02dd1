package fiscal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/erp/fiscal/internal/domain/queue"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// EmitPayload is the payload of a queue.JobTypeEmit job
type EmitPayload struct {
	EmissionID uuid.UUID `json:"emission_id"`
}

// CancelPayload is the payload of a queue.JobTypeCancel job
type CancelPayload struct {
	CancellationID uuid.UUID `json:"cancellation_id"`
}

const uuidPattern = `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`

// Payloads carry identifiers only. additionalProperties is false so nothing
// else (certificate passwords in particular) can ride along.
var payloadSchemas = map[string]string{
	queue.JobTypeEmit: `{
		"type": "object",
		"required": ["emission_id"],
		"additionalProperties": false,
		"properties": {
			"emission_id": {"type": "string", "pattern": "` + uuidPattern + `"}
		}
	}`,
	queue.JobTypeCancel: `{
		"type": "object",
		"required": ["cancellation_id"],
		"additionalProperties": false,
		"properties": {
			"cancellation_id": {"type": "string", "pattern": "` + uuidPattern + `"}
		}
	}`,
}

// PayloadValidator checks job payloads against their contract
type PayloadValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewPayloadValidator compiles the payload schemas of the fiscal job types
func NewPayloadValidator() (*PayloadValidator, error) {
	v := &PayloadValidator{schemas: make(map[string]*jsonschema.Schema, len(payloadSchemas))}
	for jobType, src := range payloadSchemas {
		schema, err := jsonschema.CompileString(jobType+".json", src)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s payload schema: %w", jobType, err)
		}
		v.schemas[jobType] = schema
	}
	return v, nil
}

// Validate checks raw against the schema of jobType
func (v *PayloadValidator) Validate(jobType string, raw json.RawMessage) error {
	schema, ok := v.schemas[jobType]
	if !ok {
		return fmt.Errorf("unknown job type %q", jobType)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid %s payload: %w", jobType, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid %s payload: %w", jobType, err)
	}
	return nil
}

// NewJob builds a job and checks its payload before it reaches the queue
func (v *PayloadValidator) NewJob(jobType string, payload any, now time.Time) (*queue.Job, error) {
	job, err := queue.NewJob(jobType, payload, now)
	if err != nil {
		return nil, err
	}
	if err := v.Validate(jobType, job.Payload); err != nil {
		return nil, err
	}
	return job, nil
}
