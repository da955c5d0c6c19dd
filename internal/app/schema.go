package app

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const createDocumentSchema = `{
	"type": "object",
	"required": ["title"],
	"additionalProperties": false,
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 512}
	}
}`

const patchDocumentSchema = `{
	"type": "object",
	"required": ["title"],
	"additionalProperties": false,
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 512}
	}
}`

const loginSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"name": {"type": "string", "maxLength": 256},
		"teams": {
			"type": "array",
			"maxItems": 32,
			"items": {"type": "string", "pattern": "^[A-Za-z0-9_-]+$"}
		}
	}
}`

type bodySchemas struct {
	createDocument *jsonschema.Schema
	patchDocument  *jsonschema.Schema
	login          *jsonschema.Schema
}

func compileSchemas() (*bodySchemas, error) {
	compiler := jsonschema.NewCompiler()
	sources := map[string]string{
		"create-document.json": createDocumentSchema,
		"patch-document.json":  patchDocumentSchema,
		"login.json":           loginSchema,
	}
	for name, source := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	schemas := &bodySchemas{}
	var err error
	if schemas.createDocument, err = compiler.Compile("create-document.json"); err != nil {
		return nil, err
	}
	if schemas.patchDocument, err = compiler.Compile("patch-document.json"); err != nil {
		return nil, err
	}
	if schemas.login, err = compiler.Compile("login.json"); err != nil {
		return nil, err
	}
	return schemas, nil
}

// validateBody checks a decoded JSON value against a compiled schema and
// folds any violation into a 400 with the schema error as detail.
func validateBody(schema *jsonschema.Schema, value any) error {
	if err := schema.Validate(value); err != nil {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Request body is invalid",
			map[string]any{"reason": err.Error()})
	}
	return nil
}
