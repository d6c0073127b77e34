package auth

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	coreerrors "github.com/S-Corkum/agentcom/internal/errors"
)

// Validator implements spec.md §6.2's Validator collaborator:
// `validate(ingress_type, payload) -> ok | errors`, rejecting
// ill-typed inbound wire messages and admin requests before the
// rate-limit gate.
//
// Grounded on the teacher's apps/edge-mcp/internal/validation/
// validator.go's JSON-schema-backed ValidateToolArguments, trimmed to
// a single ingress-type -> schema registry rather than a bespoke
// validation method per MCP concept.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]gojsonschema.JSONLoader
}

// NewValidator constructs an empty Validator; register schemas with
// RegisterSchema before validating.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]gojsonschema.JSONLoader)}
}

// RegisterSchema associates ingressType with a JSON Schema (as a Go
// map, per gojsonschema.NewGoLoader's contract). Call once per
// ingress type at startup.
func (v *Validator) RegisterSchema(ingressType string, schema map[string]any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[ingressType] = gojsonschema.NewGoLoader(schema)
}

// Validate checks payload against the schema registered for
// ingressType. An ingress type with no registered schema is accepted
// as long as payload is well-formed JSON — schemas are opt-in
// hardening, not a closed allow-list.
func (v *Validator) Validate(ingressType string, payload []byte) error {
	v.mu.RLock()
	schema, ok := v.schemas[ingressType]
	v.mu.RUnlock()

	if !ok {
		var temp any
		if err := json.Unmarshal(payload, &temp); err != nil {
			return coreerrors.Wrap("Validator.Validate", coreerrors.KindInvalidArgs, err, "malformed payload")
		}
		return nil
	}

	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return coreerrors.Wrap("Validator.Validate", coreerrors.KindInvalidArgs, err, "schema evaluation")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return coreerrors.New("Validator.Validate", coreerrors.KindInvalidArgs, fmt.Errorf("%s: %s", ingressType, strings.Join(msgs, "; ")))
	}
	return nil
}
