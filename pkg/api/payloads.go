// Package api holds the generic response and error payload shapes shared by
// services on the platform. These are pure data: no behavior beyond JSON
// encoding.
package api

import "encoding/json"

// EntityWithID wraps an entity together with its numeric identifier.
type EntityWithID[T any] struct {
	ID     int64 `json:"id"`
	Entity T     `json:"entity"`
}

// NewEntityWithID creates a new EntityWithID.
func NewEntityWithID[T any](id int64, entity T) EntityWithID[T] {
	return EntityWithID[T]{ID: id, Entity: entity}
}

// Response is the generic single-entity response envelope.
type Response[T any] struct {
	EntityName string `json:"entity_name"`
	Entity     T      `json:"entity"`
}

// NewResponse creates a single-entity response.
func NewResponse[T any](entityName string, entity T) Response[T] {
	return Response[T]{EntityName: entityName, Entity: entity}
}

// SeqResponse is the generic paginated multi-entity response envelope.
type SeqResponse[T any] struct {
	Total      int    `json:"total"`
	Count      int    `json:"count"`
	Offset     int    `json:"offset"`
	EntityName string `json:"entity_name"`
	Entities   []T    `json:"entities"`
}

// NewSeqResponse creates a paginated response; Count is derived from the
// entity slice.
func NewSeqResponse[T any](entityName string, offset, total int, entities []T) SeqResponse[T] {
	return SeqResponse[T]{
		Total:      total,
		Count:      len(entities),
		Offset:     offset,
		EntityName: entityName,
		Entities:   entities,
	}
}

// InvalidParameterError reports a request parameter that failed validation.
type InvalidParameterError struct {
	Param string `json:"param"`
	Value string `json:"value"`
	Error string `json:"error"`
}

func NewInvalidParameterError(param, value string) InvalidParameterError {
	return InvalidParameterError{Param: param, Value: value, Error: "invalid parameter"}
}

// InvalidPayloadError reports a request body that could not be decoded.
type InvalidPayloadError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func NewInvalidPayloadError(message string) InvalidPayloadError {
	return InvalidPayloadError{Message: message, Error: "invalid payload"}
}

// MissingParameterError reports a required parameter that was absent.
type MissingParameterError struct {
	Param string `json:"param"`
	Error string `json:"error"`
}

func NewMissingParameterError(param string) MissingParameterError {
	return MissingParameterError{Param: param, Error: "missing parameter"}
}

// ServiceUnavailableError is the payload for a temporarily unreachable
// downstream dependency.
type ServiceUnavailableError struct {
	Error string `json:"error"`
}

func NewServiceUnavailableError() ServiceUnavailableError {
	return ServiceUnavailableError{Error: "service unavailable"}
}

// EntityNotFoundError reports a missing entity by name and id. Callers that
// have no numeric id for the miss pass zero.
type EntityNotFoundError struct {
	ID     uint64 `json:"id"`
	Entity string `json:"entity"`
	Error  string `json:"error"`
}

func NewEntityNotFoundError(entity string, id uint64) EntityNotFoundError {
	return EntityNotFoundError{ID: id, Entity: entity, Error: "entity not found"}
}

// InternalServerError is the generic unexpected-failure payload.
type InternalServerError struct {
	Error string `json:"error"`
}

func NewInternalServerError(message string) InternalServerError {
	return InternalServerError{Error: message}
}

// MustMarshal encodes a payload that cannot fail to marshal; it exists so
// fixed error payloads can be built at startup without error plumbing.
func MustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
