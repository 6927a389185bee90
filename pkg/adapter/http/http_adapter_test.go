//go:build linux

package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/ferment/pkg/metrics"
	"github.com/marmos91/ferment/pkg/wsgi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startAdapter serves app on a free loopback port and stops it when the
// test ends.
func startAdapter(t *testing.T, cfg HTTPConfig, app wsgi.Application) (*HTTPAdapter, *recordingMetrics) {
	t.Helper()
	m := &recordingMetrics{}
	return startAdapterWithMetrics(t, cfg, app, m), m
}

func startAdapterWithMetrics(t *testing.T, cfg HTTPConfig, app wsgi.Application, m metrics.HTTPMetrics) *HTTPAdapter {
	t.Helper()

	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	cfg.MetricsLogInterval = time.Hour

	a, err := New(cfg, m)
	require.NoError(t, err)
	a.SetApplication(app)

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.Serve(context.Background()) }()

	select {
	case <-a.Ready():
	case err := <-serveErr:
		t.Fatalf("Serve failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("adapter did not become ready")
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

func textApp(body string) wsgi.Application {
	return wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		err := start.Start("200 OK", []wsgi.Header{
			{Name: "Content-Type", Value: "text/plain"},
			{Name: "Content-Length", Value: strconv.Itoa(len(body))},
		}, nil)
		if err != nil {
			return nil, err
		}
		return wsgi.NewBytesBody([]byte(body)), nil
	})
}

type client struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dial(t *testing.T, a *HTTPAdapter) *client {
	t.Helper()
	conn, err := net.Dial("tcp", a.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return &client{t: t, conn: conn, br: bufio.NewReader(conn)}
}

func (c *client) send(raw string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, raw)
	require.NoError(c.t, err)
}

func (c *client) read() (*nethttp.Response, string) {
	c.t.Helper()
	resp, err := nethttp.ReadResponse(c.br, nil)
	require.NoError(c.t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	_ = resp.Body.Close()
	return resp, string(body)
}

func (c *client) roundTrip(raw string) (*nethttp.Response, string) {
	c.t.Helper()
	c.send(raw)
	return c.read()
}

// assertClosed checks that the server closed the connection.
func (c *client) assertClosed() {
	c.t.Helper()
	_, err := c.br.ReadByte()
	assert.ErrorIs(c.t, err, io.EOF)
}

const getRoot = "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"

func TestHelloResponse(t *testing.T) {
	a, m := startAdapter(t, HTTPConfig{}, textApp("Hello world!\n"))
	c := dial(t, a)

	resp, body := c.roundTrip(getRoot)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "Hello world!\n", body)
	assert.Equal(t, "ferment", resp.Header.Get("Via"))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	// max_reuse_count defaults to 0: every response closes.
	assert.True(t, resp.Close)
	c.assertClosed()

	require.Eventually(t, func() bool { return m.closed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), m.requests.Load())
	assert.Equal(t, int64(1), m.accepted.Load())
}

func TestKeepAliveReuse(t *testing.T) {
	a, m := startAdapter(t, HTTPConfig{MaxReuseCount: 2}, textApp("ok"))
	c := dial(t, a)

	for i := 0; i < 2; i++ {
		resp, body := c.roundTrip(getRoot)
		assert.Equal(t, "keep-alive", resp.Header.Get("Connection"), "request %d", i)
		assert.False(t, resp.Close, "request %d", i)
		assert.Equal(t, "ok", body)
	}

	// The third request exhausts max_reuse_count.
	resp, body := c.roundTrip(getRoot)
	assert.True(t, resp.Close)
	assert.Equal(t, "ok", body)
	c.assertClosed()

	assert.Equal(t, int64(2), m.reused.Load())
}

func TestHeadResponseKeepsConnection(t *testing.T) {
	app := wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		_ = start.Start("200 OK", []wsgi.Header{{Name: "Content-Length", Value: "5"}}, nil)
		if env.Get("REQUEST_METHOD") == "HEAD" {
			return nil, nil
		}
		return wsgi.NewBytesBody([]byte("hello")), nil
	})
	a, m := startAdapter(t, HTTPConfig{MaxReuseCount: 5}, app)
	c := dial(t, a)

	c.send("HEAD / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp, err := nethttp.ReadResponse(c.br, &nethttp.Request{Method: "HEAD"})
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, int64(5), resp.ContentLength)
	assert.False(t, resp.Close)

	_, body := c.roundTrip(getRoot)
	assert.Equal(t, "hello", body)
	assert.Equal(t, int64(1), m.reused.Load())
}

func TestClientConnectionClose(t *testing.T) {
	a, _ := startAdapter(t, HTTPConfig{MaxReuseCount: 10}, textApp("bye"))
	c := dial(t, a)

	resp, _ := c.roundTrip("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	assert.True(t, resp.Close)
	c.assertClosed()
}

func TestHTTP10NeedsExplicitKeepAlive(t *testing.T) {
	a, _ := startAdapter(t, HTTPConfig{MaxReuseCount: 10}, textApp("old"))

	c := dial(t, a)
	resp, _ := c.roundTrip("GET / HTTP/1.0\r\n\r\n")
	assert.True(t, resp.Close)
	c.assertClosed()

	c = dial(t, a)
	resp, body := c.roundTrip("GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
	assert.Equal(t, "old", body)
}

func TestPipelinedRequestsAnsweredInOrder(t *testing.T) {
	app := wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		path := env.Get("PATH_INFO")
		_ = start.Start("200 OK", []wsgi.Header{{Name: "Content-Length", Value: strconv.Itoa(len(path))}}, nil)
		return wsgi.NewBytesBody([]byte(path)), nil
	})
	a, _ := startAdapter(t, HTTPConfig{MaxReuseCount: 5}, app)
	c := dial(t, a)

	c.send("GET /first HTTP/1.1\r\nHost: x\r\n\r\nGET /second HTTP/1.1\r\nHost: x\r\n\r\n")

	_, body := c.read()
	assert.Equal(t, "/first", body)
	_, body = c.read()
	assert.Equal(t, "/second", body)
}

func TestRequestArrivingInPieces(t *testing.T) {
	app := wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		in, _ := io.ReadAll(env.Input)
		_ = start.Start("200 OK", []wsgi.Header{{Name: "Content-Length", Value: strconv.Itoa(len(in))}}, nil)
		return wsgi.NewBytesBody(in), nil
	})
	a, _ := startAdapter(t, HTTPConfig{}, app)
	c := dial(t, a)

	for _, piece := range []string{"POST /echo HT", "TP/1.1\r\nContent-Le", "ngth: 11\r\n\r\nhello", " world"} {
		c.send(piece)
		time.Sleep(20 * time.Millisecond)
	}

	resp, body := c.read()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello world", body)
}

func TestContentLengthTruncatesBody(t *testing.T) {
	app := wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		_ = start.Start("200 OK", []wsgi.Header{{Name: "Content-Length", Value: "5"}}, nil)
		return wsgi.NewBytesBody([]byte("Hello"), []byte(" world")), nil
	})
	a, _ := startAdapter(t, HTTPConfig{MaxReuseCount: 1}, app)
	c := dial(t, a)

	resp, body := c.roundTrip(getRoot)
	assert.Equal(t, int64(5), resp.ContentLength)
	assert.Equal(t, "Hello", body)

	// Nothing past the declared length was sent, so the connection is reusable.
	_, body = c.roundTrip(getRoot)
	assert.Equal(t, "Hello", body)
}

func streamingApp(chunks ...string) wsgi.Application {
	return wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		_ = start.Start("200 OK", []wsgi.Header{{Name: "Content-Type", Value: "text/plain"}}, nil)
		bs := make([][]byte, len(chunks))
		for i, c := range chunks {
			bs[i] = []byte(c)
		}
		return wsgi.NewBytesBody(bs...), nil
	})
}

func TestChunkedTransfer(t *testing.T) {
	alphabet := "abcdefghijklmnopqrstuvwxyz"
	a, _ := startAdapter(t, HTTPConfig{ChunkedTransfer: true, MaxReuseCount: 1},
		streamingApp("Hello", "", alphabet))
	c := dial(t, a)

	c.send(getRoot)

	want := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/plain\r\n" +
		"Via: ferment\r\n" +
		"Connection: keep-alive\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"5\r\nHello\r\n" +
		"1A\r\n" + alphabet + "\r\n" +
		"0\r\n\r\n"
	got := make([]byte, len(want))
	_, err := io.ReadFull(c.br, got)
	require.NoError(t, err)
	assert.Equal(t, want, string(got))

	// The terminating chunk delimits the body, so the connection is reused.
	resp, body := c.roundTrip(getRoot)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "Hello"+alphabet, body)
}

func TestUndelimitedBodyClosesConnection(t *testing.T) {
	a, _ := startAdapter(t, HTTPConfig{MaxReuseCount: 10}, streamingApp("part one, ", "part two"))
	c := dial(t, a)

	resp, body := c.roundTrip(getRoot)
	assert.True(t, resp.Close)
	assert.Empty(t, resp.TransferEncoding)
	assert.Equal(t, "part one, part two", body)
	c.assertClosed()
}

func fileApp(t *testing.T, content string, contentLength string, blocksize int) wsgi.Application {
	t.Helper()
	path := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		headers := []wsgi.Header{{Name: "Content-Type", Value: "text/plain"}}
		if contentLength != "" {
			headers = append(headers, wsgi.Header{Name: "Content-Length", Value: contentLength})
		}
		if err := start.Start("200 OK", headers, nil); err != nil {
			_ = f.Close()
			return nil, err
		}
		return wsgi.NewFileWrapper(f, blocksize), nil
	})
}

func TestSendFile(t *testing.T) {
	a, m := startAdapter(t, HTTPConfig{MaxReuseCount: 1}, fileApp(t, "Hello, world!", "13", 4))
	c := dial(t, a)

	resp, body := c.roundTrip(getRoot)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "Hello, world!", body)
	assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
	assert.Equal(t, int64(13), m.sendfile.Load())

	_, body = c.roundTrip(getRoot)
	assert.Equal(t, "Hello, world!", body)
}

func TestSendFileBoundedByContentLength(t *testing.T) {
	a, m := startAdapter(t, HTTPConfig{MaxReuseCount: 1}, fileApp(t, "Hello, world!", "5", 4))
	c := dial(t, a)

	_, body := c.roundTrip(getRoot)
	assert.Equal(t, "Hello", body)
	assert.Equal(t, int64(5), m.sendfile.Load())

	_, body = c.roundTrip(getRoot)
	assert.Equal(t, "Hello", body)
}

func TestSendFileUsesConfiguredBlocksize(t *testing.T) {
	a, m := startAdapter(t, HTTPConfig{SendfileBlocksize: 3}, fileApp(t, "Hello, world!", "13", 0))
	c := dial(t, a)

	_, body := c.roundTrip(getRoot)
	assert.Equal(t, "Hello, world!", body)
	assert.Equal(t, int64(13), m.sendfile.Load())
}

func TestFileWithChunkedTransferFallsBackToReads(t *testing.T) {
	a, m := startAdapter(t, HTTPConfig{ChunkedTransfer: true}, fileApp(t, "Hello, world!", "", 4))
	c := dial(t, a)

	resp, body := c.roundTrip(getRoot)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "Hello, world!", body)
	assert.Zero(t, m.sendfile.Load())
}

func TestMalformedRequests(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantStatus int
	}{
		{"garbage request line", "GARBAGE\r\n\r\n", 400},
		{"bad header line", "GET / HTTP/1.1\r\nNoColonHere\r\n\r\n", 400},
		{"too many headers", "GET / HTTP/1.1\r\nA: 1\r\nB: 2\r\nC: 3\r\nD: 4\r\n\r\n", 431},
		{"body too large", "POST / HTTP/1.1\r\nContent-Length: 4096\r\n\r\n", 413},
		{"chunked request body", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n", 501},
	}

	a, m := startAdapter(t, HTTPConfig{MaxNumberHeaders: 3, MaxRequestBodySize: 1024}, textApp("unused"))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dial(t, a)
			resp, _ := c.roundTrip(tt.raw)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.True(t, resp.Close)
			assert.Equal(t, "ferment", resp.Header.Get("Via"))
			c.assertClosed()
		})
	}
	assert.Equal(t, int64(len(tests)), m.parseErrors.Load())
	assert.Zero(t, m.requests.Load())
}

func TestApplicationFailures(t *testing.T) {
	tests := []struct {
		name string
		app  wsgi.ApplicationFunc
	}{
		{"returns error", func(*wsgi.Environ, wsgi.StartResponse) (wsgi.Body, error) {
			return nil, errors.New("boom")
		}},
		{"panics", func(*wsgi.Environ, wsgi.StartResponse) (wsgi.Body, error) {
			panic("kaboom")
		}},
		{"never starts the response", func(*wsgi.Environ, wsgi.StartResponse) (wsgi.Body, error) {
			return wsgi.NewBytesBody([]byte("orphan")), nil
		}},
		{"body panics looking for a file", func(_ *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
			_ = start.Start("200 OK", []wsgi.Header{{Name: "Content-Length", Value: "4"}}, nil)
			return panickingFileBody{}, nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			captureLog(t)
			a, m := startAdapter(t, HTTPConfig{MaxReuseCount: 10}, tt.app)
			c := dial(t, a)

			resp, body := c.roundTrip(getRoot)
			assert.Equal(t, 500, resp.StatusCode)
			assert.Empty(t, body)
			c.assertClosed()
			assert.Equal(t, []int{500}, m.statusesSnapshot())
		})
	}
}

type panickingFileBody struct{}

func (panickingFileBody) Next() ([]byte, error)        { return nil, io.EOF }
func (panickingFileBody) Close() error                 { return nil }
func (panickingFileBody) SendFile() *wsgi.SendFileInfo { panic("no file here") }

// panicOnceMetrics panics the first time received bytes are recorded
// after it is armed.
type panicOnceMetrics struct {
	*recordingMetrics
	armed atomic.Bool
}

func (m *panicOnceMetrics) RecordBytesReceived(int64) {
	if m.armed.CompareAndSwap(true, false) {
		panic("metrics exploded")
	}
}

func TestPanicClosesOnlyItsConnection(t *testing.T) {
	captureLog(t)
	m := &panicOnceMetrics{recordingMetrics: &recordingMetrics{}}
	a := startAdapterWithMetrics(t, HTTPConfig{NumWorkers: workers(1), MaxReuseCount: 5}, textApp("ok"), m)

	idle := dial(t, a)
	resp, _ := idle.roundTrip(getRoot)
	require.Equal(t, 200, resp.StatusCode)

	m.armed.Store(true)
	broken := dial(t, a)
	broken.send(getRoot)
	broken.assertClosed()

	// The worker survived: its other connection and new ones still work.
	_, body := idle.roundTrip(getRoot)
	assert.Equal(t, "ok", body)
	_, body = dial(t, a).roundTrip(getRoot)
	assert.Equal(t, "ok", body)
}

type failingBody struct{ sent bool }

func (b *failingBody) Next() ([]byte, error) {
	if b.sent {
		return nil, errors.New("body broke")
	}
	b.sent = true
	return []byte("partial"), nil
}

func (b *failingBody) Close() error { return nil }

func TestBodyErrorAfterHeadersClosesConnection(t *testing.T) {
	captureLog(t)
	app := wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		_ = start.Start("200 OK", []wsgi.Header{{Name: "Content-Length", Value: "100"}}, nil)
		return &failingBody{}, nil
	})
	a, _ := startAdapter(t, HTTPConfig{MaxReuseCount: 10}, app)
	c := dial(t, a)

	c.send(getRoot)
	raw, err := io.ReadAll(c.br)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "HTTP/1.1 200 OK\r\n"))
	assert.True(t, strings.HasSuffix(string(raw), "\r\n\r\npartial"))
}

func TestEnvironOverTCP(t *testing.T) {
	var got sync.Map
	app := wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		for k, v := range env.Vars {
			got.Store(k, v)
		}
		_ = start.Start("204 No Content", []wsgi.Header{{Name: "Content-Length", Value: "0"}}, nil)
		return nil, nil
	})
	a, _ := startAdapter(t, HTTPConfig{ScriptName: "/app"}, app)
	c := dial(t, a)

	resp, _ := c.roundTrip("GET /app/a%20b?q=1 HTTP/1.1\r\nHost: example\r\nX-Token: one\r\nX-Token: two\r\n\r\n")
	assert.Equal(t, 204, resp.StatusCode)

	load := func(k string) string {
		v, _ := got.Load(k)
		s, _ := v.(string)
		return s
	}
	assert.Equal(t, "GET", load("REQUEST_METHOD"))
	assert.Equal(t, "/app", load("SCRIPT_NAME"))
	assert.Equal(t, "/a b", load("PATH_INFO"))
	assert.Equal(t, "q=1", load("QUERY_STRING"))
	assert.Equal(t, "127.0.0.1", load("SERVER_NAME"))
	assert.Equal(t, strconv.Itoa(a.Port()), load("SERVER_PORT"))
	assert.Equal(t, "HTTP/1.1", load("SERVER_PROTOCOL"))
	assert.Equal(t, "127.0.0.1", load("REMOTE_ADDR"))
	assert.Equal(t, "one", load("HTTP_X_TOKEN"))
	assert.Equal(t, "example", load("HTTP_HOST"))
	assert.NotEmpty(t, load("ferment.connection_id"))
}

func TestUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ferment.sock")

	var serverName, serverPort atomic.Value
	app := wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		serverName.Store(env.Get("SERVER_NAME"))
		serverPort.Store(env.Get("SERVER_PORT"))
		_ = start.Start("200 OK", []wsgi.Header{{Name: "Content-Length", Value: "4"}}, nil)
		return wsgi.NewBytesBody([]byte("unix")), nil
	})
	a, _ := startAdapter(t, HTTPConfig{Address: path}, app)
	assert.Equal(t, 0, a.Port())
	assert.Equal(t, "unix:"+path, a.Addr())

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	c := &client{t: t, conn: conn, br: bufio.NewReader(conn)}

	_, body := c.roundTrip(getRoot)
	assert.Equal(t, "unix", body)
	assert.Equal(t, "localhost", serverName.Load())
	assert.Equal(t, "", serverPort.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket file should be removed")
}

func TestKeepaliveTimeout(t *testing.T) {
	a, m := startAdapter(t, HTTPConfig{MaxReuseCount: 5, KeepaliveTimeout: 100 * time.Millisecond}, textApp("ok"))
	c := dial(t, a)

	_, body := c.roundTrip(getRoot)
	assert.Equal(t, "ok", body)

	start := time.Now()
	c.assertClosed()
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, []string{"keepalive"}, m.timeoutKindsSnapshot())
}

func TestIdleConnectionWithoutRequestTimesOut(t *testing.T) {
	a, m := startAdapter(t, HTTPConfig{KeepaliveTimeout: 100 * time.Millisecond}, textApp("ok"))
	c := dial(t, a)

	c.send("GET / HTTP/1.1\r\n")
	c.assertClosed()
	assert.Equal(t, int64(1), m.timeouts.Load())
}

// endlessBody yields data forever.
type endlessBody struct{ chunk []byte }

func (b *endlessBody) Next() ([]byte, error) { return b.chunk, nil }
func (b *endlessBody) Close() error          { return nil }

func endlessApp() wsgi.Application {
	return wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		_ = start.Start("200 OK", []wsgi.Header{{Name: "Content-Length", Value: strconv.Itoa(1 << 30)}}, nil)
		return &endlessBody{chunk: make([]byte, 64<<10)}, nil
	})
}

func TestSendTimeout(t *testing.T) {
	a, m := startAdapter(t, HTTPConfig{SendTimeout: 200 * time.Millisecond}, endlessApp())
	c := dial(t, a)

	// Never read: the socket buffers fill up and the response stalls.
	c.send(getRoot)

	require.Eventually(t, func() bool { return m.timeouts.Load() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"send"}, m.timeoutKindsSnapshot())
}

func TestSerializedDispatch(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	app := wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		_ = start.Start("200 OK", []wsgi.Header{{Name: "Content-Length", Value: "0"}}, nil)
		return nil, nil
	})
	a, _ := startAdapter(t, HTTPConfig{NumWorkers: workers(4), DispatchMode: DispatchSerialized}, app)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", a.Addr())
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
			_, _ = io.WriteString(conn, getRoot)
			resp, err := nethttp.ReadResponse(bufio.NewReader(conn), nil)
			if assert.NoError(t, err) {
				assert.Equal(t, 200, resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestMaxConnections(t *testing.T) {
	a, _ := startAdapter(t, HTTPConfig{MaxConnections: 1, MaxReuseCount: 5}, textApp("ok"))

	first := dial(t, a)
	_, body := first.roundTrip(getRoot)
	assert.Equal(t, "ok", body)

	second := dial(t, a)
	second.assertClosed()

	// The first connection is unaffected.
	_, body = first.roundTrip(getRoot)
	assert.Equal(t, "ok", body)
}

func TestGracefulShutdownFinishesInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	app := wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		if env.Get("PATH_INFO") == "/slow" {
			close(started)
			time.Sleep(200 * time.Millisecond)
		}
		_ = start.Start("200 OK", []wsgi.Header{{Name: "Content-Length", Value: "4"}}, nil)
		return wsgi.NewBytesBody([]byte("done")), nil
	})
	a, _ := startAdapter(t, HTTPConfig{MaxReuseCount: 5}, app)

	idle := dial(t, a)
	_, body := idle.roundTrip(getRoot)
	require.Equal(t, "done", body)

	c := dial(t, a)
	c.send("GET /slow HTTP/1.1\r\nHost: x\r\n\r\n")
	<-started

	stopErr := make(chan error, 1)
	go func() { stopErr <- a.Stop(context.Background()) }()

	_, body = c.read()
	assert.Equal(t, "done", body)
	c.assertClosed()
	idle.assertClosed()

	select {
	case err := <-stopErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	_, err := net.Dial("tcp", a.Addr())
	assert.Error(t, err, "listener should be closed")
}

func TestShutdownTimeoutForceCloses(t *testing.T) {
	a, m := startAdapter(t, HTTPConfig{ShutdownTimeout: 200 * time.Millisecond}, endlessApp())
	c := dial(t, a)
	c.send(getRoot)

	// Give the response time to stall on full socket buffers.
	time.Sleep(100 * time.Millisecond)

	err := a.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "force-closed")
	assert.Equal(t, int64(1), m.forceClosed.Load())
	assert.Zero(t, a.GetActiveConnections())
}

func TestServeContextCancel(t *testing.T) {
	a, err := New(HTTPConfig{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, nil)
	require.NoError(t, err)
	a.SetApplication(textApp("ok"))

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- a.Serve(ctx) }()
	<-a.Ready()
	assert.NotZero(t, a.Port())

	cancel()
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestStartupErrors(t *testing.T) {
	t.Run("negative workers", func(t *testing.T) {
		_, err := New(HTTPConfig{NumWorkers: workers(-1)}, nil)
		assert.Error(t, err)
	})

	t.Run("zero workers", func(t *testing.T) {
		_, err := New(HTTPConfig{Address: "127.0.0.1:0", NumWorkers: workers(0)}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least 1 worker")
	})

	t.Run("no application", func(t *testing.T) {
		a, err := New(HTTPConfig{Address: "127.0.0.1:0"}, nil)
		require.NoError(t, err)
		assert.Error(t, a.Serve(context.Background()))
	})

	t.Run("address in use", func(t *testing.T) {
		first, _ := startAdapter(t, HTTPConfig{}, textApp("ok"))

		second, err := New(HTTPConfig{Address: fmt.Sprintf("127.0.0.1:%d", first.Port())}, nil)
		require.NoError(t, err)
		second.SetApplication(textApp("ok"))
		err = second.Serve(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create HTTP listener")
	})

	t.Run("no socket activation", func(t *testing.T) {
		t.Setenv("LISTEN_PID", "")
		t.Setenv("LISTEN_FDS", "")
		a, err := New(HTTPConfig{}, nil)
		require.NoError(t, err)
		a.SetApplication(textApp("ok"))
		assert.Error(t, a.Serve(context.Background()))
	})
}

func TestStopBeforeServe(t *testing.T) {
	a, err := New(HTTPConfig{Address: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	assert.NoError(t, a.Stop(context.Background()))
}
