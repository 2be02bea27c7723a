package tls

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// echoDispatcher returns a JSON document describing the request it saw.
func echoDispatcher(_ context.Context, req *ServerRequest, _ RouteTable) (*ServerResponse, error) {
	payload, err := json.Marshal(map[string]string{
		"method": req.Method,
		"path":   req.Path,
		"body":   string(req.Body),
	})
	if err != nil {
		return nil, err
	}
	return &ServerResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       payload,
	}, nil
}

// startTLSServer generates certificate material for the identity, starts a
// TLS server and returns it with its address and the client trust bundle path.
func startTLSServer(t *testing.T, dispatcher RouteDispatcher, identity, host string) (*Server, string, string) {
	t.Helper()

	certRoot := t.TempDir()
	paths, err := GenerateServiceCertificates(certRoot, identity, []string{host})
	require.NoError(t, err)

	srv := NewServer(dispatcher, ServerOptions{
		CertRoot: certRoot,
		Logger:   testLogger(),
		Metrics:  NewMetrics(),
	})
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1:0", nil, true, identity))
	t.Cleanup(func() { srv.Close() })

	return srv, srv.Addr().String(), paths.BundleFile
}

func TestServer_StartRequiresIdleState(t *testing.T) {
	srv, _, _ := startTLSServer(t, echoDispatcher, "users", "users.internal")

	err := srv.Start(context.Background(), "127.0.0.1:0", nil, false, "users")
	require.Error(t, err)
	assert.Equal(t, StateListening, srv.State())
}

func TestServer_BindFailureIsFatal(t *testing.T) {
	srv := NewServer(echoDispatcher, ServerOptions{Logger: testLogger()})
	err := srv.Start(context.Background(), "256.256.256.256:1", nil, false, "users")
	require.Error(t, err)
	assert.True(t, errorOfType(err, ErrorTypeListenerCreate))
	assert.Equal(t, StateIdle, srv.State())
}

func TestServer_BindFailureReleasesCertMaterial(t *testing.T) {
	certRoot := t.TempDir()
	_, err := GenerateServiceCertificates(certRoot, "users", []string{"users.internal"})
	require.NoError(t, err)

	srv := NewServer(echoDispatcher, ServerOptions{
		CertRoot: certRoot,
		Logger:   testLogger(),
	})
	err = srv.Start(context.Background(), "256.256.256.256:1", nil, true, "users")
	require.Error(t, err)
	assert.True(t, errorOfType(err, ErrorTypeListenerCreate))
	assert.Equal(t, StateIdle, srv.State())

	// The key pair manager loaded for the failed Start must not linger.
	assert.Nil(t, srv.keyPairs)
	assert.Nil(t, srv.tlsConfig)
}

func TestServer_CtxCancellationClosesListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(echoDispatcher, ServerOptions{Logger: testLogger()})
	require.NoError(t, srv.Start(ctx, "127.0.0.1:0", nil, false, "users"))
	addr := srv.Addr().String()

	cancel()

	require.Eventually(t, func() bool {
		return srv.State() == StateClosed
	}, 2*time.Second, 10*time.Millisecond)

	_, err := net.Dial("tcp", addr)
	assert.Error(t, err)
}

func TestServer_MissingCertMaterialIsFatal(t *testing.T) {
	srv := NewServer(echoDispatcher, ServerOptions{
		CertRoot: t.TempDir(),
		Logger:   testLogger(),
	})
	err := srv.Start(context.Background(), "127.0.0.1:0", nil, true, "users")
	require.Error(t, err)
	assert.True(t, IsCertificateError(err))
}

func TestRoundTrip_TLS(t *testing.T) {
	_, addr, bundlePath := startTLSServer(t, echoDispatcher, "users", "users.internal")

	bundle, err := LoadTrustBundle(bundlePath, "users.internal")
	require.NoError(t, err)

	client := NewClient(testLogger(), NewMetrics())
	res, err := client.Do(context.Background(), addr, bundle, &OutboundRequest{
		Method: http.MethodGet,
		Path:   "/users/42",
		Host:   "users.internal",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))

	var echoed map[string]string
	require.NoError(t, json.Unmarshal(res.Body, &echoed))
	assert.Equal(t, "GET", echoed["method"])
	assert.Equal(t, "/users/42", echoed["path"])
	assert.Empty(t, echoed["body"])
}

func TestRoundTrip_TLSWithBody(t *testing.T) {
	_, addr, bundlePath := startTLSServer(t, echoDispatcher, "users", "users.internal")

	bundle, err := LoadTrustBundle(bundlePath, "users.internal")
	require.NoError(t, err)

	client := NewClient(testLogger(), nil)
	res, err := client.Do(context.Background(), addr, bundle, &OutboundRequest{
		Method: http.MethodPost,
		Path:   "/users",
		Host:   "users.internal",
		Body:   []byte(`{"name":"ada"}`),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var echoed map[string]string
	require.NoError(t, json.Unmarshal(res.Body, &echoed))
	assert.Equal(t, "POST", echoed["method"])
	assert.Equal(t, `{"name":"ada"}`, echoed["body"])
}

func TestRoundTrip_GETBodyIsDropped(t *testing.T) {
	_, addr, bundlePath := startTLSServer(t, echoDispatcher, "users", "users.internal")

	bundle, err := LoadTrustBundle(bundlePath, "users.internal")
	require.NoError(t, err)

	client := NewClient(testLogger(), nil)
	res, err := client.Do(context.Background(), addr, bundle, &OutboundRequest{
		Method: http.MethodGet,
		Path:   "/users/42",
		Host:   "users.internal",
		Body:   []byte("must not be sent"),
	})
	require.NoError(t, err)

	var echoed map[string]string
	require.NoError(t, json.Unmarshal(res.Body, &echoed))
	assert.Empty(t, echoed["body"])
}

func TestRoundTrip_UntrustedBundleFailsHandshake(t *testing.T) {
	_, addr, _ := startTLSServer(t, echoDispatcher, "users", "users.internal")

	// A bundle containing an unrelated certificate must not validate the peer.
	unrelatedPEM, _, err := GenerateCertificate(CertificateOptions{CommonName: "unrelated.internal", IsCA: true})
	require.NoError(t, err)
	bundle, err := LoadTrustBundle(writeTempBundle(t, unrelatedPEM), "users.internal")
	require.NoError(t, err)

	client := NewClient(testLogger(), NewMetrics())
	_, err = client.Do(context.Background(), addr, bundle, &OutboundRequest{
		Method: http.MethodGet,
		Path:   "/users/42",
		Host:   "users.internal",
	})
	require.Error(t, err)
	assert.True(t, IsHandshakeError(err))
}

func TestRoundTrip_HostMismatchFailsHandshake(t *testing.T) {
	_, addr, bundlePath := startTLSServer(t, echoDispatcher, "users", "users.internal")

	bundle, err := LoadTrustBundle(bundlePath, "orders.internal")
	require.NoError(t, err)

	client := NewClient(testLogger(), nil)
	_, err = client.Do(context.Background(), addr, bundle, &OutboundRequest{
		Method: http.MethodGet,
		Path:   "/users/42",
		Host:   "orders.internal",
	})
	require.Error(t, err)
	assert.True(t, IsHandshakeError(err))
}

func TestClient_ConnectionRefused(t *testing.T) {
	certPEM, _, err := GenerateCertificate(CertificateOptions{CommonName: "users.internal"})
	require.NoError(t, err)
	bundle, err := LoadTrustBundle(writeTempBundle(t, certPEM), "users.internal")
	require.NoError(t, err)

	client := NewClient(testLogger(), nil)
	_, err = client.Do(context.Background(), "127.0.0.1:1", bundle, &OutboundRequest{
		Method: http.MethodGet,
		Path:   "/",
		Host:   "users.internal",
	})
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}

func TestClient_RequiresHost(t *testing.T) {
	client := NewClient(testLogger(), nil)
	_, err := client.Do(context.Background(), "127.0.0.1:1", &TrustBundle{}, &OutboundRequest{
		Method: http.MethodGet,
		Path:   "/",
	})
	require.Error(t, err)
	assert.True(t, errorOfType(err, ErrorTypeConfig))
}

func TestClient_CancelledContextAbortsCall(t *testing.T) {
	_, addr, bundlePath := startTLSServer(t, echoDispatcher, "users", "users.internal")

	bundle, err := LoadTrustBundle(bundlePath, "users.internal")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(testLogger(), nil)
	_, err = client.Do(ctx, addr, bundle, &OutboundRequest{
		Method: http.MethodGet,
		Path:   "/users/42",
		Host:   "users.internal",
	})
	require.Error(t, err)
}

func TestServer_Plaintext(t *testing.T) {
	srv := NewServer(echoDispatcher, ServerOptions{Logger: testLogger()})
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1:0", nil, false, "users"))
	defer srv.Close()

	res, err := http.Get(fmt.Sprintf("http://%s/ping", srv.Addr()))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestServer_DispatcherErrorProduces500(t *testing.T) {
	failing := func(context.Context, *ServerRequest, RouteTable) (*ServerResponse, error) {
		return nil, fmt.Errorf("route table corrupt")
	}
	_, addr, bundlePath := startTLSServer(t, failing, "users", "users.internal")

	bundle, err := LoadTrustBundle(bundlePath, "users.internal")
	require.NoError(t, err)

	client := NewClient(testLogger(), nil)
	res, err := client.Do(context.Background(), addr, bundle, &OutboundRequest{
		Method: http.MethodGet,
		Path:   "/users/42",
		Host:   "users.internal",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.JSONEq(t, `{"error":"internal server error"}`, string(res.Body))
}

func TestServer_DispatcherPanicProduces500(t *testing.T) {
	panicking := func(context.Context, *ServerRequest, RouteTable) (*ServerResponse, error) {
		panic("boom")
	}
	_, addr, bundlePath := startTLSServer(t, panicking, "users", "users.internal")

	bundle, err := LoadTrustBundle(bundlePath, "users.internal")
	require.NoError(t, err)

	client := NewClient(testLogger(), nil)
	res, err := client.Do(context.Background(), addr, bundle, &OutboundRequest{
		Method: http.MethodGet,
		Path:   "/users/42",
		Host:   "users.internal",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

// A bad dispatcher outcome on one connection must not affect the listener:
// the next call still succeeds.
func TestServer_ConnectionFailureDoesNotKillListener(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	flaky := func(ctx context.Context, req *ServerRequest, routes RouteTable) (*ServerResponse, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("first call explodes")
		}
		return echoDispatcher(ctx, req, routes)
	}

	_, addr, bundlePath := startTLSServer(t, flaky, "users", "users.internal")
	bundle, err := LoadTrustBundle(bundlePath, "users.internal")
	require.NoError(t, err)

	client := NewClient(testLogger(), nil)
	req := &OutboundRequest{Method: http.MethodGet, Path: "/users/1", Host: "users.internal"}

	res, err := client.Do(context.Background(), addr, bundle, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)

	res, err = client.Do(context.Background(), addr, bundle, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

// N concurrent calls against one server must each receive their own response
// with no cross-talk between connections.
func TestRoundTrip_ConcurrentCallsNoCrossTalk(t *testing.T) {
	_, addr, bundlePath := startTLSServer(t, echoDispatcher, "users", "users.internal")

	const callers = 16
	const callsPerCaller = 8

	var wg sync.WaitGroup
	errs := make(chan error, callers*callsPerCaller)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(caller int) {
			defer wg.Done()

			bundle, err := LoadTrustBundle(bundlePath, "users.internal")
			if err != nil {
				errs <- err
				return
			}
			client := NewClient(testLogger(), nil)

			for j := 0; j < callsPerCaller; j++ {
				marker := fmt.Sprintf("caller-%d-call-%d", caller, j)
				res, err := client.Do(context.Background(), addr, bundle, &OutboundRequest{
					Method: http.MethodPost,
					Path:   "/echo/" + marker,
					Host:   "users.internal",
					Body:   []byte(marker),
				})
				if err != nil {
					errs <- err
					return
				}

				var echoed map[string]string
				if err := json.Unmarshal(res.Body, &echoed); err != nil {
					errs <- err
					return
				}
				if echoed["body"] != marker || echoed["path"] != "/echo/"+marker {
					errs <- fmt.Errorf("cross-talk: sent %q, got body %q path %q", marker, echoed["body"], echoed["path"])
					return
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestServer_CloseStopsAccepting(t *testing.T) {
	srv := NewServer(echoDispatcher, ServerOptions{Logger: testLogger()})
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1:0", nil, false, "users"))
	addr := srv.Addr().String()

	require.NoError(t, srv.Close())
	assert.Equal(t, StateClosed, srv.State())

	httpClient := &http.Client{Timeout: time.Second}
	_, err := httpClient.Get(fmt.Sprintf("http://%s/ping", addr))
	require.Error(t, err)
}
