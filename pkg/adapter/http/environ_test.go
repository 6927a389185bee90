package http

import (
	"io"
	"testing"

	"github.com/marmos91/ferment/internal/protocol/http1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEnviron(t *testing.T) {
	req := &http1.Request{
		Method:     "POST",
		Target:     "/app/hello%20world?x=1&y=2",
		Path:       "/app/hello%20world",
		RawQuery:   "x=1&y=2",
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Headers: []http1.Header{
			{Name: "Host", Value: "example.com"},
			{Name: "Content-Type", Value: "text/plain"},
			{Name: "Content-Length", Value: "5"},
			{Name: "X-Forwarded-For", Value: "10.0.0.1"},
			{Name: "x-forwarded-for", Value: "10.0.0.2"},
		},
		Body:          []byte("hello"),
		ContentLength: 5,
	}
	opts := &WSGIOptions{ServerName: "127.0.0.1", ServerPort: "7878", ScriptName: "/app"}

	env := buildEnviron(req, opts, "192.0.2.1", "conn-1")

	want := map[string]string{
		"REQUEST_METHOD":        "POST",
		"SCRIPT_NAME":           "/app",
		"PATH_INFO":             "/hello world",
		"QUERY_STRING":          "x=1&y=2",
		"SERVER_NAME":           "127.0.0.1",
		"SERVER_PORT":           "7878",
		"SERVER_PROTOCOL":       "HTTP/1.1",
		"REMOTE_ADDR":           "192.0.2.1",
		"CONTENT_TYPE":          "text/plain",
		"CONTENT_LENGTH":        "5",
		"HTTP_HOST":             "example.com",
		"HTTP_X_FORWARDED_FOR":  "10.0.0.1",
		"wsgi.url_scheme":       "http",
		"ferment.connection_id": "conn-1",
	}
	for k, v := range want {
		assert.Equal(t, v, env.Get(k), k)
	}

	_, ok := env.Lookup("HTTP_CONTENT_TYPE")
	assert.False(t, ok)

	body, err := io.ReadAll(env.Input)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.NotNil(t, env.Errors)
}

func TestBuildEnvironWithoutBody(t *testing.T) {
	req := &http1.Request{Method: "GET", Path: "/", Proto: "HTTP/1.0", ProtoMajor: 1}
	env := buildEnviron(req, &WSGIOptions{ServerName: "localhost"}, "", "c")

	_, ok := env.Lookup("CONTENT_LENGTH")
	assert.False(t, ok)
	assert.Equal(t, "", env.Get("SERVER_PORT"))
	assert.Equal(t, "localhost", env.Get("SERVER_NAME"))

	body, err := io.ReadAll(env.Input)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestPathInfo(t *testing.T) {
	tests := []struct {
		path, script, want string
	}{
		{"/", "", "/"},
		{"/a%2Fb", "", "/a/b"},
		{"/app", "/app", ""},
		{"/app/x", "/app", "/x"},
		{"/app/x", "/app/", "/x"},
		{"/application/x", "/app", "/application/x"},
		{"/bad%zz", "", "/bad%zz"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pathInfo(tt.path, tt.script), "%s with script %q", tt.path, tt.script)
	}
}
