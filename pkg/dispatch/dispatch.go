// Package dispatch builds and sends typed requests over the TLS transport
// client. A Controller describes one call site: the HTTP method, the peer
// host name used for certificate verification, where to find the trust
// bundle, and how to resolve the peer's network address. Dispatch glues
// those capabilities together and maps the response onto a typed value.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	tlstransport "github.com/meshwire/meshwire/internal/tls"
	"github.com/meshwire/meshwire/pkg/registry"
	"github.com/meshwire/meshwire/pkg/telemetry"
)

const tracerName = "github.com/meshwire/meshwire/pkg/dispatch"

// CertificateResolver yields the filesystem path of the PEM trust bundle to
// verify the peer with. Implementations may do I/O, so the context applies.
type CertificateResolver interface {
	ResolveCertPath(ctx context.Context) (string, error)
}

// AddressResolver yields the network address (host:port) to dial.
type AddressResolver interface {
	ResolveAddress(ctx context.Context) (string, error)
}

// Controller describes a single outbound call site.
type Controller interface {
	CertificateResolver
	AddressResolver

	// Method is the HTTP method of the call.
	Method() string
	// Host is the peer's logical name, sent as the Host header and
	// checked against the peer certificate during the handshake.
	Host() string
}

// StaticCertResolver resolves to a fixed bundle path.
type StaticCertResolver struct {
	Path string
}

func (r StaticCertResolver) ResolveCertPath(context.Context) (string, error) {
	return r.Path, nil
}

// RegistryResolver resolves a service name to its address through the
// service registry. Unknown names surface the registry's typed error.
type RegistryResolver struct {
	Registry *registry.Registry
	Service  string
}

func (r RegistryResolver) ResolveAddress(context.Context) (string, error) {
	profile, err := r.Registry.Lookup(r.Service)
	if err != nil {
		return "", err
	}
	return profile.Addr, nil
}

// RemoteError is a non-200 response whose body parsed as a JSON error
// payload. The payload keys are preserved for the caller to inspect.
type RemoteError struct {
	StatusCode int
	Payload    map[string]any
}

func (e *RemoteError) Error() string {
	if msg, ok := e.Payload["error"].(string); ok {
		return fmt.Sprintf("remote returned %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("remote returned %d", e.StatusCode)
}

// Dispatcher sends controller-described requests through a transport client.
type Dispatcher struct {
	client *tlstransport.Client
	logger *slog.Logger

	// Redaction selects per-attribute handling for dispatch span
	// attributes, applied on top of the default deny-list. Keys are
	// attribute names, values are a redaction strategy ("drop", "mask",
	// "hash", "redact").
	Redaction map[string]string
}

// NewDispatcher creates a dispatcher around an existing transport client.
func NewDispatcher(client *tlstransport.Client, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{client: client, logger: logger}
}

// Dispatch resolves the controller's trust bundle and peer address, sends
// req as the request body (omitted entirely for GET and HEAD) and decodes a
// 200 response body into Res. Any other status is returned as *RemoteError
// with its JSON payload; a body that fails to decode on either branch is an
// ErrorTypeResponseDecode transport error.
func Dispatch[Req, Res any](ctx context.Context, d *Dispatcher, ctrl Controller, path string, req Req) (Res, error) {
	var zero Res

	attrs := telemetry.RedactAttributes(d.Redaction, []attribute.KeyValue{
		attribute.String("http.request.method", ctrl.Method()),
		attribute.String("url.path", path),
		attribute.String("server.address", ctrl.Host()),
	})
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))
	defer span.End()

	res, err := d.send(ctx, ctrl, path, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))

	if res.StatusCode != http.StatusOK {
		payload := map[string]any{}
		if len(res.Body) > 0 {
			if err := json.Unmarshal(res.Body, &payload); err != nil {
				return zero, tlstransport.NewResponseDecodeError(
					fmt.Sprintf("error payload for status %d is not valid JSON", res.StatusCode), err)
			}
		}
		remoteErr := &RemoteError{StatusCode: res.StatusCode, Payload: payload}
		span.SetStatus(codes.Error, remoteErr.Error())
		return zero, remoteErr
	}

	var decoded Res
	if err := json.Unmarshal(res.Body, &decoded); err != nil {
		return zero, tlstransport.NewResponseDecodeError("response body is not valid JSON", err)
	}
	return decoded, nil
}

func (d *Dispatcher) send(ctx context.Context, ctrl Controller, path string, req any) (*tlstransport.InboundResponse, error) {
	certPath, err := ctrl.ResolveCertPath(ctx)
	if err != nil {
		return nil, err
	}
	bundle, err := tlstransport.LoadTrustBundle(certPath, ctrl.Host())
	if err != nil {
		return nil, err
	}
	addr, err := ctrl.ResolveAddress(ctx)
	if err != nil {
		return nil, err
	}

	method := ctrl.Method()
	out := &tlstransport.OutboundRequest{
		Method: method,
		Path:   path,
		Host:   ctrl.Host(),
		Header: http.Header{},
	}
	if method != http.MethodGet && method != http.MethodHead {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, tlstransport.NewConfigError("body", fmt.Sprintf("request body is not serializable: %v", err))
		}
		out.Body = body
		out.Header.Set("Content-Type", "application/json")
	}

	d.logger.Debug("dispatching request",
		"method", method, "path", path, "host", ctrl.Host(), "addr", addr)

	return d.client.Do(ctx, addr, bundle, out)
}
