package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths      map[string]map[string]yaml.Node `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

// servedRoutes lists every route the archive server registers, with the
// methods it accepts.
var servedRoutes = map[string][]string{
	"/healthz":                           {"get"},
	"/media/{key}":                       {"get"},
	"/api/catalog":                       {"get"},
	"/api/transcribe":                    {"post"},
	"/api/suggestions":                   {"post"},
	"/api/translate":                     {"post"},
	"/api/wizard":                        {"post"},
	"/api/wizard/{id}":                   {"get", "delete"},
	"/api/wizard/{id}/events":            {"get"},
	"/api/wizard/{id}/{action}":          {"post", "patch", "put"},
	"/api/wizard/{id}/recorder/{action}": {"post", "put"},
	"/api/wizard/{id}/recorder/stream":   {"get"},
	"/api/wizard/{id}/recorder/clip":     {"get"},
	"/api/wizard/{id}/notices/{notice}":  {"delete"},
	"/api/stories":                       {"get"},
	"/api/stories/map":                   {"get"},
	"/api/stories/{id}":                  {"get", "delete"},
	"/api/users/me":                      {"get", "patch"},
	"/api/users/me/photo":                {"put"},
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	if err := check(doc); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func check(doc openAPIDoc) error {
	errResp, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errResp); err != nil {
		return err
	}
	fieldErr, err := getSchema(doc, "FieldError")
	if err != nil {
		return err
	}
	if err := validateFieldError(fieldErr); err != nil {
		return err
	}
	return validatePaths(doc)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

// validateErrorResponse mirrors the server's errorResponse envelope.
func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	for _, field := range []string{"error", "code", "requestId"} {
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	fieldsProp, ok := s.Properties["fields"]
	if !ok || fieldsProp.Type != "array" {
		return errors.New("ErrorResponse.fields must be array")
	}
	if fieldsProp.Items == nil || strings.TrimSpace(fieldsProp.Items.Ref) != "#/components/schemas/FieldError" {
		return errors.New("ErrorResponse.fields.items must reference FieldError")
	}
	if len(s.Properties) != 4 {
		return fmt.Errorf("ErrorResponse has %d properties, expected error, code, requestId and fields", len(s.Properties))
	}
	return nil
}

func validateFieldError(s schema) error {
	if s.Type != "object" {
		return errors.New("FieldError must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"field", "message"} {
		if !required[field] {
			return fmt.Errorf("FieldError.required must include %q", field)
		}
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("FieldError.%s must be string", field)
		}
	}
	return nil
}

// validatePaths reports served routes missing from the document and
// documented routes the server does not serve.
func validatePaths(doc openAPIDoc) error {
	var problems []string
	for path, methods := range servedRoutes {
		ops, ok := doc.Paths[path]
		if !ok {
			problems = append(problems, "missing path "+path)
			continue
		}
		for _, m := range methods {
			if _, ok := ops[m]; !ok {
				problems = append(problems, fmt.Sprintf("missing %s %s", strings.ToUpper(m), path))
			}
		}
	}
	for path := range doc.Paths {
		if _, ok := servedRoutes[path]; !ok {
			problems = append(problems, "documented route is not served: "+path)
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errors.New(strings.Join(problems, "\n"))
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
