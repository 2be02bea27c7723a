package tls

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RouteTable is the external, pre-built structure mapping method+path
// patterns to handler logic. The transport treats it as an opaque immutable
// value shared by reference across all connections.
type RouteTable any

// ServerRequest is one fully buffered inbound request handed to the route
// dispatcher.
type ServerRequest struct {
	Method     string
	Path       string
	Header     http.Header
	Body       []byte
	RemoteAddr string
}

// ServerResponse is whatever the route dispatcher returns; the server writes
// it back to the wire verbatim.
type ServerResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RouteDispatcher is the external routing function. A non-nil error produces
// a generic 500 response on that connection.
type RouteDispatcher func(ctx context.Context, req *ServerRequest, routes RouteTable) (*ServerResponse, error)

// ServerState tracks the listener lifecycle.
type ServerState int

const (
	StateIdle ServerState = iota
	StateListening
	StateClosed
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultReadTimeout      = 30 * time.Second
)

var internalErrorBody = []byte(`{"error":"internal server error"}`)

// ServerOptions configures a transport server.
type ServerOptions struct {
	// CertRoot is the directory holding per-service certificate material,
	// laid out as {CertRoot}/{identity}/rsa/end.cert and end.key.
	// Empty means the current directory.
	CertRoot string

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// Server accepts inbound connections, optionally terminates TLS per
// connection, and forwards buffered requests to an external route dispatcher.
// Each accepted connection is served by its own goroutine; a slow connection
// never blocks the accept loop.
type Server struct {
	certRoot         string
	handshakeTimeout time.Duration
	readTimeout      time.Duration
	logger           *slog.Logger
	metrics          *Metrics

	dispatcher RouteDispatcher
	routes     RouteTable
	tlsConfig  *tls.Config
	keyPairs   *KeyPairManager

	mu       sync.Mutex
	state    ServerState
	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a transport server in the Idle state.
func NewServer(dispatcher RouteDispatcher, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	certRoot := opts.CertRoot
	if certRoot == "" {
		certRoot = "."
	}

	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	return &Server{
		certRoot:         certRoot,
		handshakeTimeout: handshakeTimeout,
		readTimeout:      readTimeout,
		logger:           logger,
		metrics:          opts.Metrics,
		dispatcher:       dispatcher,
		shutdown:         make(chan struct{}),
	}
}

// Start binds a listener at bindAddr and begins accepting connections. A bind
// failure is fatal and returned immediately; once listening, the accept loop
// runs until ctx is cancelled or Close is called.
//
// When tlsEnabled is set, the server certificate chain and private key are
// loaded from the conventional location under the configured certificate
// root for serviceIdentity, and every accepted connection is wrapped in a
// server-side TLS handshake requiring no client certificate.
func (s *Server) Start(ctx context.Context, bindAddr string, routes RouteTable, tlsEnabled bool, serviceIdentity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return NewTransportError(ErrorTypeListenerCreate, "server already started")
	}

	if tlsEnabled {
		certFile, keyFile := ServerKeyPairPaths(s.certRoot, serviceIdentity)
		keyPairs, err := NewKeyPairManager(certFile, keyFile, s.logger)
		if err != nil {
			return err
		}
		s.keyPairs = keyPairs
		s.tlsConfig = &tls.Config{
			GetCertificate: keyPairs.GetCertificate,
			MinVersion:     tls.VersionTLS12,
			ClientAuth:     tls.NoClientCert,
		}
	}

	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		if s.keyPairs != nil {
			_ = s.keyPairs.Close()
			s.keyPairs = nil
			s.tlsConfig = nil
		}
		return NewListenerCreateError(bindAddr, err)
	}

	s.listener = listener
	s.routes = routes
	s.state = StateListening

	s.logger.Info("transport server listening",
		"addr", listener.Addr().String(),
		"tls", tlsEnabled,
		"service", serviceIdentity)

	s.wg.Add(1)
	go s.acceptLoop(ctx, tlsEnabled)

	// Tie the listener lifetime to ctx: cancellation closes the listener,
	// which unblocks Accept and drains the connection goroutines.
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.shutdown:
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// State reports the listener lifecycle state.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close stops the listener and waits for in-flight connections to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	close(s.shutdown)
	err := s.listener.Close()
	keyPairs := s.keyPairs
	s.mu.Unlock()

	s.wg.Wait()

	if keyPairs != nil {
		if cerr := keyPairs.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, tlsEnabled bool) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		// Every connection gets its own goroutine so a slow or long-lived
		// connection never delays the next accept.
		s.wg.Add(1)
		go s.handleConnection(ctx, conn, tlsEnabled)
	}
}

// handleConnection owns one accepted connection for its whole lifetime:
// optional TLS handshake, request/response loop, close. Errors here are
// logged and end only this connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, tlsEnabled bool) {
	defer s.wg.Done()
	defer conn.Close()

	connID := uuid.NewString()
	remoteAddr := conn.RemoteAddr().String()
	logger := s.logger.With("conn_id", connID, "remote_addr", remoteAddr)

	if s.metrics != nil {
		s.metrics.RecordConnectionAccepted(tlsEnabled)
		defer s.metrics.RecordConnectionClosed()
	}

	if tlsEnabled {
		tlsConn := tls.Server(conn, s.tlsConfig)
		conn = tlsConn

		handshakeStart := time.Now()
		handshakeCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
		err := tlsConn.HandshakeContext(handshakeCtx)
		cancel()
		if err != nil {
			logger.Warn("server TLS handshake failed",
				"error", err,
				"duration", time.Since(handshakeStart))
			if s.metrics != nil {
				s.metrics.RecordConnectionError("handshake")
			}
			return
		}

		if s.metrics != nil {
			s.metrics.RecordServerHandshake(time.Since(handshakeStart))
		}
		state := tlsConn.ConnectionState()
		logger.Debug("server TLS handshake complete",
			"server_name", state.ServerName,
			"tls_version", tls.VersionName(state.Version),
			"cipher_suite", tls.CipherSuiteName(state.CipherSuite))
	}

	if err := s.serveRequests(ctx, conn, logger); err != nil {
		logger.Warn("connection ended with error", "error", err)
		if s.metrics != nil {
			s.metrics.RecordConnectionError("protocol")
		}
	}
}

// serveRequests reads HTTP/1.1 requests off the connection one at a time,
// buffers each body fully, hands the request to the route dispatcher and
// writes back whatever it returns.
func (s *Server) serveRequests(ctx context.Context, conn net.Conn, logger *slog.Logger) error {
	reader := bufio.NewReader(conn)

	for {
		select {
		case <-s.shutdown:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return NewConnectionHandleError(conn.RemoteAddr().String(), "set read deadline", err)
		}

		httpReq, err := http.ReadRequest(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				// Peer closed the connection; normal end of life.
				return nil
			}
			if isTimeout(err) {
				return nil
			}
			return NewConnectionHandleError(conn.RemoteAddr().String(), "read request", err)
		}

		body, err := io.ReadAll(httpReq.Body)
		httpReq.Body.Close()
		if err != nil {
			return NewConnectionHandleError(conn.RemoteAddr().String(), "read request body", err)
		}

		req := &ServerRequest{
			Method:     httpReq.Method,
			Path:       httpReq.URL.RequestURI(),
			Header:     httpReq.Header,
			Body:       body,
			RemoteAddr: conn.RemoteAddr().String(),
		}

		res := s.dispatchRequest(ctx, req, logger)

		if s.metrics != nil {
			s.metrics.RecordRequestServed(res.StatusCode)
		}

		if err := writeResponse(conn, httpReq, res); err != nil {
			return NewConnectionHandleError(conn.RemoteAddr().String(), "write response", err)
		}

		if httpReq.Close || (httpReq.ProtoMajor == 1 && httpReq.ProtoMinor == 0) {
			return nil
		}
	}
}

// dispatchRequest invokes the external route dispatcher, converting errors
// and panics into a generic 500 so one bad request cannot take down the
// connection loop.
func (s *Server) dispatchRequest(ctx context.Context, req *ServerRequest, logger *slog.Logger) (res *ServerResponse) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("route dispatcher panicked", "panic", r, "method", req.Method, "path", req.Path)
			res = internalErrorResponse()
		}
	}()

	res, err := s.dispatcher(ctx, req, s.routes)
	if err != nil {
		logger.Error("route dispatch failed", "error", err, "method", req.Method, "path", req.Path)
		return internalErrorResponse()
	}
	if res == nil {
		logger.Error("route dispatcher returned no response", "method", req.Method, "path", req.Path)
		return internalErrorResponse()
	}
	return res
}

func internalErrorResponse() *ServerResponse {
	return &ServerResponse{
		StatusCode: http.StatusInternalServerError,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       internalErrorBody,
	}
}

func writeResponse(conn net.Conn, req *http.Request, res *ServerResponse) error {
	header := res.Header
	if header == nil {
		header = make(http.Header)
	}

	httpRes := http.Response{
		StatusCode:    res.StatusCode,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(res.Body)),
		ContentLength: int64(len(res.Body)),
		Request:       req,
	}
	return httpRes.Write(conn)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
