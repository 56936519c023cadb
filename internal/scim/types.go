package scim

import (
	"fmt"
	"net/http"
)

const (
	UserSchema  = "urn:ietf:params:scim:schemas:core:2.0:User"
	ListSchema  = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	ErrorSchema = "urn:ietf:params:scim:api:messages:2.0:Error"
	PatchSchema = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
)

// ContentType is the media type every SCIM response is served with.
const ContentType = "application/scim+json"

// SCIM error subcodes used by the bridge.
const (
	TypeUniqueness   = "uniqueness"
	TypeNoTarget     = "noTarget"
	TypeInvalidValue = "invalidValue"
)

// Resource is a SCIM resource in its wire form. Keeping the resource
// untyped preserves attributes the bridge does not interpret, which the
// patch applier must round-trip untouched.
type Resource map[string]interface{}

// StringField reads a top-level string attribute. A missing attribute or a
// type mismatch reports absent rather than failing.
func (r Resource) StringField(key string) (string, bool) {
	v, ok := r[key].(string)
	return v, ok
}

// BoolField reads a top-level boolean attribute.
func (r Resource) BoolField(key string) (bool, bool) {
	v, ok := r[key].(bool)
	return v, ok
}

// MapField reads a top-level object attribute.
func (r Resource) MapField(key string) (map[string]interface{}, bool) {
	v, ok := r[key].(map[string]interface{})
	return v, ok
}

// SliceField reads a top-level multi-valued attribute.
func (r Resource) SliceField(key string) ([]interface{}, bool) {
	v, ok := r[key].([]interface{})
	return v, ok
}

// Clone returns a deep copy of the resource. Nested objects and lists are
// copied; scalar values are shared.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	out := make(Resource, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ListResponse is the SCIM list envelope.
type ListResponse struct {
	Schemas      []string   `json:"schemas"`
	TotalResults int        `json:"totalResults"`
	StartIndex   int        `json:"startIndex"`
	ItemsPerPage int        `json:"itemsPerPage"`
	Resources    []Resource `json:"Resources"`
}

// NewListResponse builds a list envelope; itemsPerPage is the number of
// resources actually returned, not the requested page size.
func NewListResponse(total, startIndex int, resources []Resource) ListResponse {
	if resources == nil {
		resources = []Resource{}
	}
	return ListResponse{
		Schemas:      []string{ListSchema},
		TotalResults: total,
		StartIndex:   startIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	}
}

// Error is the SCIM error envelope. It implements error so the processor
// can return it through ordinary error paths and have handlers render it.
type Error struct {
	Schemas  []string `json:"schemas"`
	Status   int      `json:"status"`
	ScimType string   `json:"scimType,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.ScimType != "" {
		return fmt.Sprintf("scim error %d (%s): %s", e.Status, e.ScimType, e.Detail)
	}
	return fmt.Sprintf("scim error %d: %s", e.Status, e.Detail)
}

// NewError builds an error envelope with the mandatory schemas URI.
func NewError(status int, scimType, detail string) *Error {
	return &Error{
		Schemas:  []string{ErrorSchema},
		Status:   status,
		ScimType: scimType,
		Detail:   detail,
	}
}

// InvalidValue reports a request whose payload fails validation.
func InvalidValue(detail string) *Error {
	return NewError(http.StatusBadRequest, TypeInvalidValue, detail)
}

// NoTarget reports a resource that does not exist.
func NoTarget(detail string) *Error {
	return NewError(http.StatusNotFound, TypeNoTarget, detail)
}

// Uniqueness reports a conflict with an existing resource.
func Uniqueness(detail string) *Error {
	return NewError(http.StatusConflict, TypeUniqueness, detail)
}

// Internal reports a bridge-side failure with a generic detail.
func Internal(detail string) *Error {
	return NewError(http.StatusInternalServerError, "", detail)
}

// PatchRequest is the SCIM PATCH request body.
type PatchRequest struct {
	Schemas    []string         `json:"schemas"`
	Operations []PatchOperation `json:"Operations"`
}

// PatchOperation is a single SCIM PATCH operation.
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path,omitempty"`
	Value interface{} `json:"value,omitempty"`
}
