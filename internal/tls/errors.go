package tls

import (
	"errors"
	"fmt"
	"strings"
)

// TransportErrorType represents different categories of transport errors.
type TransportErrorType string

const (
	// Configuration errors
	ErrorTypeConfig TransportErrorType = "configuration"

	// Certificate errors
	ErrorTypeCertificateLoad  TransportErrorType = "certificate_load"
	ErrorTypeCertificateParse TransportErrorType = "certificate_parse"

	// Client-side transport errors
	ErrorTypeConnection     TransportErrorType = "connection"
	ErrorTypeHandshake      TransportErrorType = "tls_handshake"
	ErrorTypeTransport      TransportErrorType = "transport"
	ErrorTypeResponseDecode TransportErrorType = "response_decode"

	// Server operation errors
	ErrorTypeListenerCreate   TransportErrorType = "listener_create"
	ErrorTypeConnectionHandle TransportErrorType = "connection_handle"
)

// TransportError is a structured transport failure with a category and
// contextual key/value details.
type TransportError struct {
	Type    TransportErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", string(e.Type)), e.Message}

	if len(e.Context) > 0 {
		var contextParts []string
		for key, value := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, value))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value detail to the error.
func (e *TransportError) WithContext(key string, value any) *TransportError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewTransportError creates an error of the given category.
func NewTransportError(errorType TransportErrorType, message string) *TransportError {
	return &TransportError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

// NewTransportErrorWithCause creates an error of the given category wrapping
// an underlying cause.
func NewTransportErrorWithCause(errorType TransportErrorType, message string, cause error) *TransportError {
	return &TransportError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// Certificate error constructors

func NewCertificateLoadError(path string, cause error) *TransportError {
	return NewTransportErrorWithCause(ErrorTypeCertificateLoad, "failed to load certificate bundle", cause).
		WithContext("path", path)
}

func NewCertificateParseError(path string) *TransportError {
	return NewTransportError(ErrorTypeCertificateParse, "no parseable certificates in bundle").
		WithContext("path", path)
}

func NewKeyPairLoadError(certFile, keyFile string, cause error) *TransportError {
	return NewTransportErrorWithCause(ErrorTypeCertificateLoad, "failed to load server key pair", cause).
		WithContext("cert_file", certFile).
		WithContext("key_file", keyFile)
}

// Client-side error constructors

func NewConnectionError(addr string, cause error) *TransportError {
	return NewTransportErrorWithCause(ErrorTypeConnection, "failed to connect", cause).
		WithContext("addr", addr)
}

func NewHandshakeError(addr, serverName string, cause error) *TransportError {
	return NewTransportErrorWithCause(ErrorTypeHandshake, "TLS handshake failed", cause).
		WithContext("addr", addr).
		WithContext("server_name", serverName)
}

func NewRequestTransportError(addr string, cause error) *TransportError {
	return NewTransportErrorWithCause(ErrorTypeTransport, "request failed mid-flight", cause).
		WithContext("addr", addr)
}

func NewResponseDecodeError(reason string, cause error) *TransportError {
	return NewTransportErrorWithCause(ErrorTypeResponseDecode, fmt.Sprintf("failed to decode response: %s", reason), cause)
}

// Server-side error constructors

func NewListenerCreateError(addr string, cause error) *TransportError {
	return NewTransportErrorWithCause(ErrorTypeListenerCreate, "failed to bind listener", cause).
		WithContext("addr", addr)
}

func NewConnectionHandleError(remoteAddr, reason string, cause error) *TransportError {
	return NewTransportErrorWithCause(ErrorTypeConnectionHandle, fmt.Sprintf("failed to handle connection: %s", reason), cause).
		WithContext("remote_addr", remoteAddr)
}

func NewConfigError(field, reason string) *TransportError {
	return NewTransportError(ErrorTypeConfig, fmt.Sprintf("invalid configuration field %q: %s", field, reason)).
		WithContext("field", field)
}

// Classification helpers

func errorOfType(err error, types ...TransportErrorType) bool {
	var terr *TransportError
	if !errors.As(err, &terr) {
		return false
	}
	for _, t := range types {
		if terr.Type == t {
			return true
		}
	}
	return false
}

func IsCertificateError(err error) bool {
	return errorOfType(err, ErrorTypeCertificateLoad, ErrorTypeCertificateParse)
}

func IsConnectionError(err error) bool {
	return errorOfType(err, ErrorTypeConnection)
}

func IsHandshakeError(err error) bool {
	return errorOfType(err, ErrorTypeHandshake)
}

func IsTransportError(err error) bool {
	return errorOfType(err, ErrorTypeTransport)
}

func IsResponseDecodeError(err error) bool {
	return errorOfType(err, ErrorTypeResponseDecode)
}
