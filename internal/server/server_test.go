package server_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/aelexs/gitops-hello/internal/config"
	"github.com/aelexs/gitops-hello/internal/domain"
	"github.com/aelexs/gitops-hello/internal/greeting"
	"github.com/aelexs/gitops-hello/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// client never reuses connections so no transport goroutines outlive a test.
var client = &http.Client{
	Timeout:   2 * time.Second,
	Transport: &http.Transport{DisableKeepAlives: true},
}

// syncBuffer is a bytes.Buffer safe for the server goroutines to write
// while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENVIRONMENT", "LOG_LEVEL", "LOG_FORMAT", "OTEL_ENDPOINT",
		"HEALTH_PATH", "SHUTDOWN_DRAIN", "SHUTDOWN_TIMEOUT", "DOTENV_FILE",
	} {
		t.Setenv(key, "")
	}
}

func testParams(logs io.Writer) server.Params {
	if logs == nil {
		logs = io.Discard
	}
	return server.Params{
		Name:           "testservice",
		Version:        "test",
		PortFromConfig: func(cfg *config.Config) int { return cfg.Port },
		Register:       greeting.Register,
		LogOutput:      logs,
	}
}

// start runs the server in the background and returns its result channel.
// The server is cancelled and awaited at test cleanup if still running.
func start(t *testing.T, p server.Params, ln net.Listener) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(ctx, p, ln)
	}()

	t.Cleanup(cancel)
	return cancel, errCh
}

func TestRunServesGreeting(t *testing.T) {
	clearEnv(t)
	ln := newTestListener(t)
	addr := ln.Addr().String()

	cancel, errCh := start(t, testParams(nil), ln)
	waitForRoot(t, addr)

	resp, err := httpGet(t, fmt.Sprintf("http://%s/", addr))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Hello, GitOps with ArgoCD & FluxCD!!!!!!!!!!!!!!!!!!!!!!!!")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = httpGet(t, fmt.Sprintf("http://%s/missing", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	require.NoError(t, <-errCh)
}

func TestRunLogsListeningPort(t *testing.T) {
	clearEnv(t)
	ln := newTestListener(t)
	port := ln.Addr().(*net.TCPAddr).Port
	logs := &syncBuffer{}

	cancel, errCh := start(t, testParams(logs), ln)
	waitForRoot(t, ln.Addr().String())

	assert.Contains(t, logs.String(), fmt.Sprintf("Server is running on port %d", port))
	// Local environment logs human-readable text.
	assert.Contains(t, logs.String(), fmt.Sprintf(`msg="Server is running on port %d"`, port))

	cancel()
	require.NoError(t, <-errCh)
	assert.Contains(t, logs.String(), "shutdown complete")
}

func TestRunLogsJSONOutsideLocal(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENVIRONMENT", "dev")
	ln := newTestListener(t)
	logs := &syncBuffer{}

	cancel, errCh := start(t, testParams(logs), ln)
	waitForRoot(t, ln.Addr().String())

	assert.Contains(t, logs.String(), `"msg":"Server is running on port`)

	cancel()
	require.NoError(t, <-errCh)
}

func TestRunListensOnPortFromEnv(t *testing.T) {
	clearEnv(t)
	port := freePort(t)
	t.Setenv("PORT", strconv.Itoa(port))
	logs := &syncBuffer{}

	cancel, errCh := start(t, testParams(logs), nil)
	waitForRoot(t, fmt.Sprintf("127.0.0.1:%d", port))

	assert.Contains(t, logs.String(), fmt.Sprintf("Server is running on port %d", port))

	cancel()
	require.NoError(t, <-errCh)
}

func TestRunListensOnDefaultPort(t *testing.T) {
	clearEnv(t)
	probe, err := net.Listen("tcp", fmt.Sprintf(":%d", domain.DefaultPort))
	if err != nil {
		t.Skipf("port %d unavailable: %v", domain.DefaultPort, err)
	}
	require.NoError(t, probe.Close())

	cancel, errCh := start(t, testParams(nil), nil)
	waitForRoot(t, fmt.Sprintf("127.0.0.1:%d", domain.DefaultPort))

	cancel()
	require.NoError(t, <-errCh)
}

func TestRunSecondInstanceFailsToBind(t *testing.T) {
	clearEnv(t)
	port := freePort(t)
	t.Setenv("PORT", strconv.Itoa(port))

	cancel, errCh := start(t, testParams(nil), nil)
	waitForRoot(t, fmt.Sprintf("127.0.0.1:%d", port))

	err := server.Run(context.Background(), testParams(nil), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen:")
	assert.ErrorIs(t, err, syscall.EADDRINUSE)

	// The first instance is unaffected.
	resp, getErr := httpGet(t, fmt.Sprintf("http://127.0.0.1:%d/", port))
	require.NoError(t, getErr)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-errCh)
}

func TestRunInvalidConfigFailsStartup(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not-a-port")

	err := server.Run(context.Background(), testParams(nil), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRunGracefulShutdown(t *testing.T) {
	clearEnv(t)
	ln := newTestListener(t)

	cancel, errCh := start(t, testParams(nil), ln)
	waitForRoot(t, ln.Addr().String())

	began := time.Now()
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
		elapsed := time.Since(began)
		if elapsed > domain.GracefulShutdownTimeout {
			t.Errorf("shutdown took %v, exceeds %v budget", elapsed, domain.GracefulShutdownTimeout)
		}
	case <-time.After(domain.GracefulShutdownTimeout + 5*time.Second):
		t.Fatal("shutdown did not complete within budget")
	}
}

func TestRunCutsOffRequestsPastShutdownTimeout(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHUTDOWN_TIMEOUT", "200ms")
	ln := newTestListener(t)
	addr := ln.Addr().String()

	started := make(chan struct{})
	p := testParams(nil)
	p.Register = func(mux *http.ServeMux) {
		greeting.Register(mux)
		mux.HandleFunc("GET /slow", func(_ http.ResponseWriter, r *http.Request) {
			close(started)
			<-r.Context().Done()
		})
	}

	cancel, errCh := start(t, p, ln)
	waitForRoot(t, addr)

	reqDone := make(chan struct{})
	go func() {
		defer close(reqDone)
		resp, err := httpGet(t, fmt.Sprintf("http://%s/slow", addr))
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started

	began := time.Now()
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
		assert.Less(t, time.Since(began), domain.GracefulShutdownTimeout)
	case <-time.After(domain.GracefulShutdownTimeout + 5*time.Second):
		t.Fatal("shutdown did not cut off the hanging request")
	}
	<-reqDone
}

func TestHealthCheckDisabledByDefault(t *testing.T) {
	clearEnv(t)
	ln := newTestListener(t)
	addr := ln.Addr().String()

	cancel, errCh := start(t, testParams(nil), ln)
	waitForRoot(t, addr)

	resp, err := httpGet(t, fmt.Sprintf("http://%s/healthz", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	require.NoError(t, <-errCh)
}

func TestHealthCheckReturns503DuringShutdown(t *testing.T) {
	clearEnv(t)
	t.Setenv("HEALTH_PATH", "/healthz")
	t.Setenv("SHUTDOWN_DRAIN", "1s")
	ln := newTestListener(t)
	addr := ln.Addr().String()

	cancel, errCh := start(t, testParams(nil), ln)
	waitForStatus(t, fmt.Sprintf("http://%s/healthz", addr), http.StatusOK)

	cancel()

	// Health check should return 503 during drain delay (before server stops).
	eventually(t, 2*time.Second, func() bool {
		resp, err := httpGet(t, fmt.Sprintf("http://%s/healthz", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusServiceUnavailable
	})

	require.NoError(t, <-errCh)
}

// newTestListener creates a TCP listener on an OS-assigned port.
func newTestListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create test listener: %v", err)
	}
	return ln
}

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// waitForRoot polls GET / until it returns 200.
func waitForRoot(t *testing.T, addr string) {
	t.Helper()
	waitForStatus(t, fmt.Sprintf("http://%s/", addr), http.StatusOK)
}

func waitForStatus(t *testing.T, url string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := httpGet(t, url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == want {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("%s did not return %d within 5s", url, want)
}

// httpGet performs an HTTP GET with a background context (satisfies noctx linter).
func httpGet(t *testing.T, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

// eventually retries f until it returns true or timeout expires.
func eventually(t *testing.T, timeout time.Duration, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
