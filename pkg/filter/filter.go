// Package filter provides request/response filters that gate inbound
// requests before they reach the route dispatcher.
//
// The two concrete filters enforce the platform's method contract: POST
// denotes creation and must not target an identified resource via the path,
// PUT denotes update-by-identifier and must target one.
package filter

import (
	"context"
	"net/http"

	tlstransport "github.com/meshwire/meshwire/internal/tls"
	"github.com/meshwire/meshwire/pkg/api"
)

// Params maps path-parameter names to their string values as produced by the
// external router. Filters only read it.
type Params map[string]string

// RequestOutcome is the result of a request-phase filter: either the request
// and its parameters pass through (possibly rewritten), or a Rejection
// response is written back without reaching the route dispatcher.
type RequestOutcome struct {
	Request   *tlstransport.ServerRequest
	Params    Params
	Rejection *tlstransport.ServerResponse
}

// Passed reports whether the request may continue.
func (o RequestOutcome) Passed() bool {
	return o.Rejection == nil
}

// PassRequest lets the request continue unchanged.
func PassRequest(req *tlstransport.ServerRequest, params Params) RequestOutcome {
	return RequestOutcome{Request: req, Params: params}
}

// FailRequest stops the request and answers with the given response.
func FailRequest(rejection *tlstransport.ServerResponse) RequestOutcome {
	return RequestOutcome{Rejection: rejection}
}

// ResponseOutcome is the result of a response-phase filter.
type ResponseOutcome struct {
	Response  *tlstransport.ServerResponse
	Rejection *tlstransport.ServerResponse
}

// Passed reports whether the response may be written as-is.
func (o ResponseOutcome) Passed() bool {
	return o.Rejection == nil
}

// PassResponse lets the response through unmodified.
func PassResponse(res *tlstransport.ServerResponse) ResponseOutcome {
	return ResponseOutcome{Response: res}
}

// Filter gates requests before dispatch and responses after it.
type Filter interface {
	FilterRequest(ctx context.Context, req *tlstransport.ServerRequest, params Params) (RequestOutcome, error)
	FilterResponse(ctx context.Context, res *tlstransport.ServerResponse) (ResponseOutcome, error)
}

// Entity describes an entity type to the filters: the name of its identifier
// route parameter and the error response for a miss.
type Entity interface {
	IDParam() string
	NotFound() *tlstransport.ServerResponse
}

// EntityDescriptor is the common Entity implementation: an entity name and
// the route parameter carrying its identifier.
type EntityDescriptor struct {
	Name  string
	Param string
}

func (d EntityDescriptor) IDParam() string {
	return d.Param
}

func (d EntityDescriptor) NotFound() *tlstransport.ServerResponse {
	return &tlstransport.ServerResponse{
		StatusCode: http.StatusNotFound,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       api.MustMarshal(api.NewEntityNotFoundError(d.Name, 0)),
	}
}

// PutFilter rejects PUT requests whose route parameters do not contain the
// entity's identifier: an update must target an identified resource.
type PutFilter struct {
	entity Entity
}

// NewPutFilter creates a PutFilter for the given entity type.
func NewPutFilter(entity Entity) *PutFilter {
	return &PutFilter{entity: entity}
}

func (f *PutFilter) FilterRequest(_ context.Context, req *tlstransport.ServerRequest, params Params) (RequestOutcome, error) {
	if req.Method == http.MethodPut {
		if _, ok := params[f.entity.IDParam()]; !ok {
			return FailRequest(f.entity.NotFound()), nil
		}
	}
	return PassRequest(req, params), nil
}

func (f *PutFilter) FilterResponse(_ context.Context, res *tlstransport.ServerResponse) (ResponseOutcome, error) {
	return PassResponse(res), nil
}

// PostFilter rejects POST requests whose route parameters do contain the
// entity's identifier: a creation must not target an existing resource.
type PostFilter struct {
	entity Entity
}

// NewPostFilter creates a PostFilter for the given entity type.
func NewPostFilter(entity Entity) *PostFilter {
	return &PostFilter{entity: entity}
}

func (f *PostFilter) FilterRequest(_ context.Context, req *tlstransport.ServerRequest, params Params) (RequestOutcome, error) {
	if req.Method == http.MethodPost {
		if _, ok := params[f.entity.IDParam()]; ok {
			return FailRequest(f.entity.NotFound()), nil
		}
	}
	return PassRequest(req, params), nil
}

func (f *PostFilter) FilterResponse(_ context.Context, res *tlstransport.ServerResponse) (ResponseOutcome, error) {
	return PassResponse(res), nil
}

// DefaultFilters returns the standard filter set most controllers want.
func DefaultFilters(entity Entity) []Filter {
	return []Filter{NewPutFilter(entity), NewPostFilter(entity)}
}

// ApplyRequestFilters runs the filters in order, stopping at the first
// rejection. The surviving request and parameters feed the next filter.
func ApplyRequestFilters(ctx context.Context, filters []Filter, req *tlstransport.ServerRequest, params Params) (RequestOutcome, error) {
	current := PassRequest(req, params)
	for _, f := range filters {
		outcome, err := f.FilterRequest(ctx, current.Request, current.Params)
		if err != nil {
			return RequestOutcome{}, err
		}
		if !outcome.Passed() {
			return outcome, nil
		}
		current = outcome
	}
	return current, nil
}
