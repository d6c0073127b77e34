package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func taskAssignSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"type", "task_id", "generation"},
		"properties": map[string]any{
			"type":       map[string]any{"type": "string"},
			"task_id":    map[string]any{"type": "string"},
			"generation": map[string]any{"type": "integer"},
		},
	}
}

func TestValidatorAcceptsConformingPayload(t *testing.T) {
	v := NewValidator()
	v.RegisterSchema("task_assign", taskAssignSchema())

	payload := []byte(`{"type":"task_assign","task_id":"t-1","generation":1}`)
	require.NoError(t, v.Validate("task_assign", payload))
}

func TestValidatorRejectsMissingRequiredField(t *testing.T) {
	v := NewValidator()
	v.RegisterSchema("task_assign", taskAssignSchema())

	payload := []byte(`{"type":"task_assign","task_id":"t-1"}`)
	err := v.Validate("task_assign", payload)
	require.Error(t, err)
}

func TestValidatorRejectsWrongType(t *testing.T) {
	v := NewValidator()
	v.RegisterSchema("task_assign", taskAssignSchema())

	payload := []byte(`{"type":"task_assign","task_id":"t-1","generation":"not-a-number"}`)
	err := v.Validate("task_assign", payload)
	require.Error(t, err)
}

func TestValidatorAllowsUnregisteredIngressTypeIfWellFormedJSON(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Validate("ping", []byte(`{"type":"ping","nonce":"x"}`)))
}

func TestValidatorRejectsMalformedJSONForUnregisteredType(t *testing.T) {
	v := NewValidator()
	err := v.Validate("ping", []byte(`not json`))
	require.Error(t, err)
}
