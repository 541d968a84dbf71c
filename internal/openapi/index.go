// Package openapi loads and indexes the service's OpenAPI description,
// providing operation lookup by operationId and request body checks.
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/pmisflow/model"
)

//go:embed openapi.yaml
var embedded []byte

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	Responses    *openapi3.Responses
}

// Index is an in-memory index of OpenAPI operations keyed by operationID.
type Index struct {
	doc        *openapi3.T
	operations map[string]IndexedOperation
	json       []byte
}

// Load parses and validates the embedded description.
func Load() (*Index, error) {
	return LoadData(embedded)
}

// LoadData parses, validates and indexes an OpenAPI document.
func LoadData(data []byte) (*Index, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating: %w", err)
	}

	idx := &Index{
		doc:        doc,
		operations: make(map[string]IndexedOperation),
	}
	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}

			// Merge path-level and operation-level parameters.
			params := make([]*openapi3.Parameter, 0)
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			idx.operations[op.OperationID] = IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  reqBody,
				Responses:    op.Responses,
			}
		}
	}

	idx.json, err = doc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("openapi: encoding: %w", err)
	}
	return idx, nil
}

// Title returns the document title.
func (idx *Index) Title() string {
	if idx.doc.Info == nil {
		return ""
	}
	return idx.doc.Info.Title
}

// GetOperation returns the indexed operation for the given operation ID.
func (idx *Index) GetOperation(operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// OperationIDs returns every indexed operation ID, sorted.
func (idx *Index) OperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateRequest checks a decoded JSON body against the operation's request
// schema. It reports every missing required field and every present property
// whose value does not match its schema. An empty slice means valid.
func (idx *Index) ValidateRequest(operationID string, body map[string]any) []model.FieldError {
	op, ok := idx.operations[operationID]
	if !ok {
		return []model.FieldError{{Code: "UNKNOWN_OPERATION", Message: fmt.Sprintf("operation %s not found", operationID)}}
	}

	if op.RequestBody == nil {
		return nil
	}

	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}

	schema := ct.Schema.Value
	var errs []model.FieldError

	for _, req := range schema.Required {
		if _, exists := body[req]; !exists {
			errs = append(errs, model.FieldError{
				Field:   req,
				Code:    "REQUIRED",
				Message: fmt.Sprintf("%s is required", req),
			})
		}
	}

	names := make([]string, 0, len(body))
	for name := range body {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prop, ok := schema.Properties[name]
		if !ok || prop.Value == nil {
			continue
		}
		if err := prop.Value.VisitJSON(body[name]); err != nil {
			msg := err.Error()
			var se *openapi3.SchemaError
			if errors.As(err, &se) && se.Reason != "" {
				msg = se.Reason
			}
			errs = append(errs, model.FieldError{
				Field:   name,
				Code:    "INVALID",
				Message: msg,
			})
		}
	}

	return errs
}

// JSON returns the document encoded as JSON.
func (idx *Index) JSON() []byte {
	return idx.json
}

// Handler serves the document as JSON.
func (idx *Index) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_, _ = w.Write(idx.json)
	})
}
