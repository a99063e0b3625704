package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request payloads are validated against compiled JSON Schemas before
// they reach the engine, so malformed input is rejected with a 422
// before any domain logic runs.

const establishSchema = `{
	"type": "object",
	"required": ["agent_id", "authority_id", "capabilities"],
	"properties": {
		"agent_id": {"type": "string", "minLength": 1},
		"authority_id": {"type": "string", "minLength": 1},
		"capabilities": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "type"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"type": {"enum": ["ACCESS", "ACTION", "DELEGATION"]}
				}
			}
		},
		"constraints": {"type": "array"},
		"expires_at": {"type": "string", "format": "date-time"}
	}
}`

const delegateSchema = `{
	"type": "object",
	"required": ["delegator_id", "delegatee_id", "task_id", "capabilities"],
	"properties": {
		"delegator_id": {"type": "string", "minLength": 1},
		"delegatee_id": {"type": "string", "minLength": 1},
		"task_id": {"type": "string", "minLength": 1},
		"capabilities": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		},
		"constraints": {"type": "array"},
		"expires_at": {"type": "string", "format": "date-time"}
	}
}`

const verifySchema = `{
	"type": "object",
	"required": ["agent_id", "capability"],
	"properties": {
		"agent_id": {"type": "string", "minLength": 1},
		"capability": {"type": "string", "minLength": 1},
		"level": {"enum": ["shallow", "standard"]},
		"context": {"type": "object"}
	}
}`

const revokeSchema = `{
	"type": "object",
	"required": ["node_id", "reason"],
	"properties": {
		"node_id": {"type": "string", "minLength": 1},
		"reason": {"type": "string", "minLength": 1}
	}
}`

const revokeByHumanSchema = `{
	"type": "object",
	"required": ["authority_id", "reason"],
	"properties": {
		"authority_id": {"type": "string", "minLength": 1},
		"reason": {"type": "string", "minLength": 1}
	}
}`

const auditSchema = `{
	"type": "object",
	"required": ["agent_id", "action", "result"],
	"properties": {
		"agent_id": {"type": "string", "minLength": 1},
		"action": {"type": "string", "minLength": 1},
		"resource": {"type": "string"},
		"result": {"enum": ["success", "failure", "denied", "partial"]}
	}
}`

const authoritySchema = `{
	"type": "object",
	"required": ["name", "type"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"type": {"enum": ["organization", "system", "human"]},
		"parent_id": {"type": "string"}
	}
}`

type schemaSet struct {
	establish     *jsonschema.Schema
	delegate      *jsonschema.Schema
	verify        *jsonschema.Schema
	revoke        *jsonschema.Schema
	revokeByHuman *jsonschema.Schema
	audit         *jsonschema.Schema
	authority     *jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	var s schemaSet
	for _, entry := range []struct {
		name   string
		source string
		target **jsonschema.Schema
	}{
		{"establish", establishSchema, &s.establish},
		{"delegate", delegateSchema, &s.delegate},
		{"verify", verifySchema, &s.verify},
		{"revoke", revokeSchema, &s.revoke},
		{"revoke_by_human", revokeByHumanSchema, &s.revokeByHuman},
		{"audit", auditSchema, &s.audit},
		{"authority", authoritySchema, &s.authority},
	} {
		compiled, err := compileSchema(entry.name, entry.source)
		if err != nil {
			return nil, err
		}
		*entry.target = compiled
	}
	return &s, nil
}

func compileSchema(name, source string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://eatp.io/schemas/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("schema %s load failed: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
	}
	return compiled, nil
}
