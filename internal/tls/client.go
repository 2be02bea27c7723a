package tls

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

const defaultCallTimeout = 30 * time.Second

// OutboundRequest describes one HTTP request to send over a fresh TLS
// connection. Host is mandatory: it is used both for the TLS server-name
// check and as the wire Host header.
type OutboundRequest struct {
	Method string
	Path   string
	Host   string
	Header http.Header
	Body   []byte
}

// InboundResponse is a fully buffered HTTP response. The transport never
// streams; the entire body is collected before the call returns.
type InboundResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client establishes one TLS connection per call, sends a single HTTP/1.1
// request and returns the buffered response. Connections are never pooled or
// reused, and no failure is retried internally.
type Client struct {
	// Timeout bounds connect + handshake + send + receive for one call.
	// Zero means the 30s default.
	Timeout time.Duration

	logger  *slog.Logger
	metrics *Metrics
}

// NewClient creates a transport client.
func NewClient(logger *slog.Logger, metrics *Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{logger: logger, metrics: metrics}
}

// Do dials addr, performs the TLS handshake against the bundle's trust
// anchors and expected host, writes the request and buffers the full
// response. The bundle is used for exactly this one attempt.
//
// Cancelling ctx closes the socket and aborts the in-flight call.
func (c *Client) Do(ctx context.Context, addr string, bundle *TrustBundle, req *OutboundRequest) (*InboundResponse, error) {
	if req.Host == "" {
		return nil, NewConfigError("host", "outbound request requires a host header")
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Server-authentication only: the peer is verified against the bundle's
	// anchors, no client certificate is presented.
	tlsConfig := &tls.Config{
		RootCAs:    bundle.CertPool(),
		ServerName: bundle.Host,
		MinVersion: tls.VersionTLS12,
	}

	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, NewConnectionError(addr, err)
	}

	conn := tls.Client(rawConn, tlsConfig)
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, NewConnectionError(addr, err)
		}
	}

	start := time.Now()
	if err := conn.HandshakeContext(ctx); err != nil {
		conn.Close()
		if c.metrics != nil {
			c.metrics.RecordClientHandshakeError(bundle.Host)
		}
		return nil, NewHandshakeError(addr, bundle.Host, err)
	}

	c.logger.Debug("client handshake complete",
		"addr", addr,
		"server_name", bundle.Host,
		"duration", time.Since(start))

	res, err := c.exchange(ctx, conn, addr, req)
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.RecordClientRequest(bundle.Host, res.StatusCode, time.Since(start))
	}
	return res, nil
}

// exchange writes the request and reads the full response. The I/O runs in
// its own goroutine so the exchange can be abandoned when ctx is cancelled;
// closing the connection unblocks any pending read or write.
func (c *Client) exchange(ctx context.Context, conn *tls.Conn, addr string, req *OutboundRequest) (*InboundResponse, error) {
	type result struct {
		res *InboundResponse
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer conn.Close()
		res, err := roundTrip(conn, req)
		done <- result{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		<-done
		return nil, NewRequestTransportError(addr, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, NewRequestTransportError(addr, r.err)
		}
		return r.res, nil
	}
}

func roundTrip(conn *tls.Conn, req *OutboundRequest) (*InboundResponse, error) {
	httpReq, err := buildHTTPRequest(req)
	if err != nil {
		return nil, err
	}

	if err := httpReq.Write(conn); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	httpRes, err := http.ReadResponse(bufio.NewReader(conn), httpReq)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	defer httpRes.Body.Close()

	body, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &InboundResponse{
		StatusCode: httpRes.StatusCode,
		Header:     httpRes.Header,
		Body:       body,
	}, nil
}

func buildHTTPRequest(req *OutboundRequest) (*http.Request, error) {
	// Read-only methods go out with an empty body regardless of payload.
	var body io.Reader
	if len(req.Body) > 0 && req.Method != http.MethodGet && req.Method != http.MethodHead {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequest(req.Method, (&url.URL{Scheme: "https", Host: req.Host, Path: req.Path}).String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	httpReq.Host = req.Host
	// One request per connection.
	httpReq.Close = true

	return httpReq, nil
}
