// Package schema validates component properties for the well-known
// component kinds. Unknown kinds are accepted without checks.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// Component kinds with a property schema.
const (
	KindProgress   = "progress"
	KindTable      = "table"
	KindFileTree   = "file_tree"
	KindForm       = "form"
	KindStatusGrid = "status_grid"
)

type ValidationError struct {
	Component string
	Field     string
	Reason    string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: component=%s: %s", e.Component, e.Reason)
	}
	return fmt.Sprintf("schema: component=%s field=%s: %s", e.Component, e.Field, e.Reason)
}

var definitions = map[string]string{
	KindProgress: `{
		"type": "object",
		"required": ["current", "total"],
		"properties": {
			"current": {"type": "integer", "minimum": 0},
			"total": {"type": "integer", "minimum": 0},
			"message": {"type": "string"},
			"show_percentage": {"type": "boolean"},
			"show_eta": {"type": "boolean"},
			"style": {"enum": ["bar", "spinner", "dots"]}
		}
	}`,
	KindTable: `{
		"type": "object",
		"required": ["headers", "rows"],
		"properties": {
			"headers": {
				"type": "array",
				"items": {"type": "object", "required": ["text"], "properties": {"text": {"type": "string"}, "width": {"type": "string"}}}
			},
			"rows": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id", "cells"],
					"properties": {
						"id": {"type": "string"},
						"cells": {"type": "array", "items": {"type": "string"}},
						"status": {"enum": ["normal", "warning", "error", "success"]}
					}
				}
			},
			"selectable": {"enum": ["none", "single", "multiple"]}
		}
	}`,
	KindFileTree: `{
		"type": "object",
		"required": ["root", "entries"],
		"definitions": {
			"entry": {
				"type": "object",
				"required": ["path", "type"],
				"properties": {
					"path": {"type": "string"},
					"type": {"enum": ["file", "directory"]},
					"status": {"enum": ["normal", "modified", "added", "deleted", "conflict"]},
					"children": {"type": "array", "items": {"$ref": "#/definitions/entry"}}
				}
			}
		},
		"properties": {
			"root": {"type": "string"},
			"entries": {"type": "array", "items": {"$ref": "#/definitions/entry"}}
		}
	}`,
	KindForm: `{
		"type": "object",
		"required": ["fields"],
		"properties": {
			"title": {"type": "string"},
			"fields": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name", "type", "label"],
					"properties": {
						"name": {"type": "string", "minLength": 1},
						"type": {"enum": ["text", "textarea", "number", "boolean", "select", "checkbox_group", "file"]},
						"label": {"type": "string"}
					}
				}
			},
			"actions": {
				"type": "array",
				"items": {"type": "object", "required": ["label", "action"]}
			}
		}
	}`,
	KindStatusGrid: `{
		"type": "object",
		"required": ["cards"],
		"properties": {
			"cards": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["title", "status"],
					"properties": {
						"title": {"type": "string"},
						"status": {"enum": ["success", "warning", "error", "info", "loading"]},
						"primary_metric": {"type": "string"}
					}
				}
			}
		}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[string]*gojsonschema.Schema
	compileErr  error
)

func load() (map[string]*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		out := make(map[string]*gojsonschema.Schema, len(definitions))
		for kind, def := range definitions {
			s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(def))
			if err != nil {
				compileErr = fmt.Errorf("schema: compile %s: %w", kind, err)
				return
			}
			out[kind] = s
		}
		compiled = out
	})
	return compiled, compileErr
}

// Known reports whether kind has a property schema.
func Known(kind string) bool {
	_, ok := definitions[kind]
	return ok
}

// Kinds lists the component kinds with a property schema.
func Kinds() []string {
	out := make([]string, 0, len(definitions))
	for kind := range definitions {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

// Validate checks props against the schema for kind.
func Validate(kind string, props []byte) error {
	if !Known(kind) {
		return nil
	}
	schemas, err := load()
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(props))) == 0 {
		log.Debug().Str("component", kind).Msg("schema.Validate missing props")
		return ValidationError{Component: kind, Reason: "missing props"}
	}
	res, err := schemas[kind].Validate(gojsonschema.NewBytesLoader(props))
	if err != nil {
		return ValidationError{Component: kind, Reason: err.Error()}
	}
	if res.Valid() {
		return nil
	}
	errs := res.Errors()
	first := errs[0]
	log.Debug().
		Str("component", kind).
		Str("field", first.Field()).
		Int("errors", len(errs)).
		Msg("schema.Validate rejected props")
	return ValidationError{Component: kind, Field: first.Field(), Reason: first.Description()}
}
