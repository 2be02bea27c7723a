package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	tlstransport "github.com/meshwire/meshwire/internal/tls"
	"github.com/meshwire/meshwire/pkg/api"
	"github.com/meshwire/meshwire/pkg/filter"
	"github.com/meshwire/meshwire/pkg/registry"
)

// nodeRoutes is the immutable route table handed to the transport server.
type nodeRoutes struct {
	registry *registry.Registry
	filters  []filter.Filter
}

var echoEntity = filter.EntityDescriptor{Name: "echo", Param: "id"}

func newRouteTable(reg *registry.Registry) *nodeRoutes {
	return &nodeRoutes{
		registry: reg,
		filters:  filter.DefaultFilters(echoEntity),
	}
}

// newNodeDispatcher builds the node's diagnostic route dispatcher: registry
// lookups under /services and a filtered echo surface under /echo.
func newNodeDispatcher(logger *slog.Logger) tlstransport.RouteDispatcher {
	return func(ctx context.Context, req *tlstransport.ServerRequest, routes tlstransport.RouteTable) (*tlstransport.ServerResponse, error) {
		table, ok := routes.(*nodeRoutes)
		if !ok {
			return jsonResponse(http.StatusInternalServerError, api.NewInternalServerError("route table missing")), nil
		}

		segments := splitPath(req.Path)
		switch {
		case len(segments) == 1 && segments[0] == "services":
			return listServices(table.registry), nil
		case len(segments) == 2 && segments[0] == "services":
			return getService(table.registry, segments[1]), nil
		case len(segments) >= 1 && segments[0] == "echo":
			return echo(ctx, table, req, segments, logger)
		default:
			return jsonResponse(http.StatusNotFound, api.NewEntityNotFoundError(strings.Join(segments, "/"), 0)), nil
		}
	}
}

func listServices(reg *registry.Registry) *tlstransport.ServerResponse {
	names := reg.Names()
	return jsonResponse(http.StatusOK, api.NewSeqResponse("services", 0, len(names), names))
}

func getService(reg *registry.Registry, name string) *tlstransport.ServerResponse {
	profile, err := reg.Lookup(name)
	if err != nil {
		return jsonResponse(http.StatusNotFound, api.NewEntityNotFoundError(name, 0))
	}
	return jsonResponse(http.StatusOK, api.NewResponse(name, profile))
}

// echo runs the request through the route filters and reflects it back. PUT
// requires an id segment and POST forbids one, mirroring entity semantics.
func echo(ctx context.Context, table *nodeRoutes, req *tlstransport.ServerRequest, segments []string, logger *slog.Logger) (*tlstransport.ServerResponse, error) {
	params := filter.Params{}
	if len(segments) > 1 {
		params[echoEntity.Param] = segments[1]
	}

	outcome, err := filter.ApplyRequestFilters(ctx, table.filters, req, params)
	if err != nil {
		return nil, err
	}
	if !outcome.Passed() {
		logger.Debug("echo request rejected by filter", "method", req.Method, "path", req.Path)
		return outcome.Rejection, nil
	}

	return jsonResponse(http.StatusOK, map[string]any{
		"method": req.Method,
		"path":   req.Path,
		"params": params,
		"body":   string(req.Body),
	}), nil
}

func jsonResponse(status int, payload any) *tlstransport.ServerResponse {
	return &tlstransport.ServerResponse{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       api.MustMarshal(payload),
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
