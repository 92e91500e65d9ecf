// Package jsonschema is the reference Adapter implementation shipped
// with the core. It is a hand-rolled, strict structural checker rather
// than a pulled-in third-party JSON Schema library: the router/client
// only depend on validator.Adapter, so any structural validator
// satisfies the contract and the reference adapter deliberately stays
// minimal (see DESIGN.md for why no off-the-shelf library is wired
// here).
package jsonschema

import (
	"encoding/json"
	"fmt"

	"github.com/wskit-go/wskit/internal/validator"
)

// Kind enumerates the JSON value shapes a Field may require.
type Kind int

const (
	KindAny Kind = iota
	KindString
	KindNumber
	KindBool
	KindObject
	KindArray
)

// Field describes one property of a meta or payload object.
type Field struct {
	Kind     Kind
	Required bool
}

// Schema describes one message type's wire shape: its meta extension
// (fields beyond the protocol-standard timestamp/correlationId) and
// its payload, if any. Root, meta, and payload are all strict: unknown
// keys fail validation.
type Schema struct {
	Type          string
	MetaFields    map[string]Field
	HasPayload    bool
	PayloadFields map[string]Field
}

// reservedMetaKeys mirrors envelope.ReservedMetaKeys without importing
// envelope, keeping this adapter independent of the envelope package's
// internal layout (an adapter only needs to know the two literal names).
var reservedMetaKeys = map[string]bool{"clientId": true, "receivedAt": true}

// standardMetaKeys are always permitted on meta regardless of schema,
// since the envelope/router layer manages them.
var standardMetaKeys = map[string]bool{
	"timestamp":     true,
	"correlationId": true,
	"clientId":      true,
	"receivedAt":    true,
}

// NewSchema validates that a schema definition does not redeclare a
// reserved meta key: reserved names raise a schema-creation error
// rather than silently shadowing the protocol fields.
func NewSchema(s Schema) (Schema, error) {
	for key := range s.MetaFields {
		if reservedMetaKeys[key] {
			return Schema{}, fmt.Errorf("jsonschema: meta field %q is reserved", key)
		}
	}
	return s, nil
}

// Adapter is the validator.Adapter implementation over Schema values.
type Adapter struct{}

// MessageType implements validator.Adapter.
func (Adapter) MessageType(schema any) string {
	s, ok := schema.(Schema)
	if !ok {
		return ""
	}
	return s.Type
}

// SafeParse implements validator.Adapter: validates the payload portion
// of data (an already-unmarshalled envelope's raw payload bytes)
// against the schema's declared payload shape.
func (Adapter) SafeParse(schema any, data []byte) (validator.Result, error) {
	s, ok := schema.(Schema)
	if !ok {
		return validator.Result{}, fmt.Errorf("jsonschema: not a Schema: %T", schema)
	}

	if !s.HasPayload {
		if len(data) != 0 {
			return validator.Result{OK: false, Issues: []validator.Issue{
				{Path: "payload", Message: "schema declares no payload but one was present"},
			}}, nil
		}
		return validator.Result{OK: true, Value: map[string]any{}}, nil
	}

	if len(data) == 0 {
		return validator.Result{OK: false, Issues: []validator.Issue{
			{Path: "payload", Message: "schema requires a payload but none was present"},
		}}, nil
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return validator.Result{OK: false, Issues: []validator.Issue{
			{Path: "payload", Message: "payload is not a JSON object: " + err.Error()},
		}}, nil
	}

	issues := checkStrictObject(m, s.PayloadFields, "payload")
	if len(issues) > 0 {
		return validator.Result{OK: false, Issues: issues}, nil
	}
	return validator.Result{OK: true, Value: m}, nil
}

// SafeParseMeta implements validator.MetaValidator: validates the
// application-extended portion of meta (anything beyond the
// protocol-standard keys) against the schema's declared meta fields.
func (Adapter) SafeParseMeta(schema any, meta map[string]any) (validator.Result, error) {
	s, ok := schema.(Schema)
	if !ok {
		return validator.Result{}, fmt.Errorf("jsonschema: not a Schema: %T", schema)
	}

	allowed := make(map[string]Field, len(s.MetaFields))
	for k, f := range s.MetaFields {
		allowed[k] = f
	}

	var issues []validator.Issue
	for key, f := range allowed {
		v, present := meta[key]
		if !present {
			if f.Required {
				issues = append(issues, validator.Issue{Path: "meta." + key, Message: "required field missing"})
			}
			continue
		}
		if !kindMatches(f.Kind, v) {
			issues = append(issues, validator.Issue{Path: "meta." + key, Message: "wrong type"})
		}
	}
	for key := range meta {
		if standardMetaKeys[key] || allowed[key].Kind != 0 {
			continue
		}
		if _, declared := allowed[key]; !declared {
			issues = append(issues, validator.Issue{Path: "meta." + key, Message: "unknown key"})
		}
	}

	if len(issues) > 0 {
		return validator.Result{OK: false, Issues: issues}, nil
	}
	return validator.Result{OK: true, Value: meta}, nil
}

// checkStrictObject validates m against fields: every declared required
// field must be present and type-correct, and no keys beyond the
// declared set may appear.
func checkStrictObject(m map[string]any, fields map[string]Field, pathPrefix string) []validator.Issue {
	var issues []validator.Issue
	for key, f := range fields {
		v, present := m[key]
		if !present {
			if f.Required {
				issues = append(issues, validator.Issue{Path: pathPrefix + "." + key, Message: "required field missing"})
			}
			continue
		}
		if !kindMatches(f.Kind, v) {
			issues = append(issues, validator.Issue{Path: pathPrefix + "." + key, Message: "wrong type"})
		}
	}
	for key := range m {
		if _, declared := fields[key]; !declared {
			issues = append(issues, validator.Issue{Path: pathPrefix + "." + key, Message: "unknown key"})
		}
	}
	return issues
}

func kindMatches(k Kind, v any) bool {
	switch k {
	case KindAny:
		return true
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		_, ok := v.(float64)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindObject:
		_, ok := v.(map[string]any)
		return ok
	case KindArray:
		_, ok := v.([]any)
		return ok
	default:
		return false
	}
}
