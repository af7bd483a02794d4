// Package docs describes the registered actions, both as the plain
// documentation map returned to connected clients and as an OpenAPI 3
// document for the HTTP transport.
package docs

import (
	"fmt"
	"net/http"
	"path"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/relay/internal/definition"
	"github.com/pitabwire/relay/model"
)

// InputDoc describes one declared input.
type InputDoc struct {
	Required    bool                `json:"required"`
	Description string              `json:"description,omitempty"`
	Default     any                 `json:"default,omitempty"`
	Schema      map[string]InputDoc `json:"schema,omitempty"`
}

// ActionDoc describes one registered action version.
type ActionDoc struct {
	Name                   string              `json:"name"`
	Version                string              `json:"version"`
	Description            string              `json:"description"`
	Inputs                 map[string]InputDoc `json:"inputs"`
	OutputExample          map[string]any      `json:"outputExample,omitempty"`
	Middleware             []string            `json:"middleware,omitempty"`
	BlockedConnectionTypes []string            `json:"blockedConnectionTypes,omitempty"`
	// Latest marks the version served when a caller names no version.
	Latest bool `json:"latest,omitempty"`
	// Highest marks the greatest version by version ordering. It differs
	// from Latest when versions were registered out of order.
	Highest bool `json:"highest,omitempty"`
}

// Extensions set on OpenAPI operations of the latest and highest versions.
const (
	ExtLatestVersion  = "x-relay-latest"
	ExtHighestVersion = "x-relay-highest"
)

// Documentation returns every registered action keyed by name and then by
// version.
func Documentation(reg *definition.Registry) map[string]map[string]ActionDoc {
	out := make(map[string]map[string]ActionDoc)
	for _, def := range reg.All() {
		versions, ok := out[def.Name]
		if !ok {
			versions = make(map[string]ActionDoc)
			out[def.Name] = versions
		}
		doc := actionDoc(def)
		doc.Latest, doc.Highest = versionMarks(reg, def)
		versions[def.Version] = doc
	}
	return out
}

func versionMarks(reg *definition.Registry, def *model.ActionDefinition) (latest, highest bool) {
	l, _ := reg.Latest(def.Name)
	h, _ := reg.HighestVersion(def.Name)
	return def.Version == l, def.Version == h
}

func actionDoc(def *model.ActionDefinition) ActionDoc {
	return ActionDoc{
		Name:                   def.Name,
		Version:                def.Version,
		Description:            def.Description,
		Inputs:                 inputDocs(def.Inputs),
		OutputExample:          def.OutputExample,
		Middleware:             def.Middleware,
		BlockedConnectionTypes: def.BlockedConnectionTypes,
	}
}

func inputDocs(inputs map[string]model.InputContract) map[string]InputDoc {
	out := make(map[string]InputDoc, len(inputs))
	for key, c := range inputs {
		doc := InputDoc{
			Required:    c.Required,
			Description: c.Description,
			Default:     c.Default,
		}
		if len(c.Schema) > 0 {
			doc.Schema = inputDocs(c.Schema)
		}
		out[key] = doc
	}
	return out
}

// Info describes the generated OpenAPI document.
type Info struct {
	Title      string
	Version    string
	PathPrefix string
}

// Build returns an OpenAPI 3 document with one path per action version,
// "<prefix>/<version>/<name>", plus "<prefix>/<name>" for the latest
// version. Every path accepts GET with query parameters and POST with a JSON
// body.
func Build(reg *definition.Registry, info Info) *openapi3.T {
	if info.Title == "" {
		info.Title = "relay"
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.PathPrefix == "" {
		info.PathPrefix = "/"
	}

	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   info.Title,
			Version: info.Version,
		},
		Paths: openapi3.NewPaths(),
	}

	for _, name := range reg.Names() {
		for _, version := range reg.Versions(name) {
			def, ok := reg.Get(name, version)
			if !ok {
				continue
			}
			latest, highest := versionMarks(reg, def)
			doc.Paths.Set(path.Join(info.PathPrefix, version, name), pathItem(def, def.Name+"_v"+version, latest, highest))
			if latest {
				doc.Paths.Set(path.Join(info.PathPrefix, name), pathItem(def, def.Name, latest, highest))
			}
		}
	}
	return doc
}

func pathItem(def *model.ActionDefinition, operationID string, latest, highest bool) *openapi3.PathItem {
	item := &openapi3.PathItem{
		Get:  operation(def, operationID+"_get", false),
		Post: operation(def, operationID, true),
	}
	for _, op := range []*openapi3.Operation{item.Get, item.Post} {
		if latest {
			op.Extensions[ExtLatestVersion] = true
		}
		if highest {
			op.Extensions[ExtHighestVersion] = true
		}
	}
	return item
}

func operation(def *model.ActionDefinition, operationID string, withBody bool) *openapi3.Operation {
	op := openapi3.NewOperation()
	op.Extensions = map[string]any{}
	op.OperationID = operationID
	op.Summary = def.Description
	op.Tags = []string{def.Name}
	op.Description = fmt.Sprintf("%s (version %s)", def.Name, def.Version)

	if withBody {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithRequired(hasRequired(def.Inputs)).
				WithJSONSchema(inputSchema(def.Inputs)),
		}
	} else {
		for _, key := range sortedKeys(def.Inputs) {
			c := def.Inputs[key]
			p := openapi3.NewQueryParameter(key).WithRequired(c.Required).WithSchema(propertySchema(c))
			p.Description = c.Description
			op.AddParameter(p)
		}
	}

	ok := openapi3.NewResponse().WithDescription("completed").WithJSONSchema(outputSchema(def))
	op.AddResponse(http.StatusOK, ok)
	op.AddResponse(http.StatusUnprocessableEntity, errorResponse("missing or invalid params"))
	op.AddResponse(http.StatusTooManyRequests, errorResponse("too many pending actions"))
	op.AddResponse(http.StatusInternalServerError, errorResponse("the action failed"))
	return op
}

func inputSchema(inputs map[string]model.InputContract) *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	for _, key := range sortedKeys(inputs) {
		c := inputs[key]
		s.WithProperty(key, propertySchema(c))
		if c.Required {
			s.Required = append(s.Required, key)
		}
	}
	return s
}

func propertySchema(c model.InputContract) *openapi3.Schema {
	var s *openapi3.Schema
	if len(c.Schema) > 0 {
		s = inputSchema(c.Schema)
	} else {
		s = openapi3.NewSchema()
	}
	s.Description = c.Description
	if c.Default != nil {
		s.Default = c.Default
	}
	return s
}

func outputSchema(def *model.ActionDefinition) *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	if def.OutputExample != nil {
		s.Example = def.OutputExample
	}
	return s
}

func errorResponse(description string) *openapi3.Response {
	s := openapi3.NewObjectSchema().WithProperty("error", openapi3.NewSchema())
	return openapi3.NewResponse().WithDescription(description).WithJSONSchema(s)
}

func hasRequired(inputs map[string]model.InputContract) bool {
	for _, c := range inputs {
		if c.Required {
			return true
		}
	}
	return false
}

func sortedKeys(inputs map[string]model.InputContract) []string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
