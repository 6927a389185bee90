package http

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/marmos91/ferment/internal/logger"
	"github.com/marmos91/ferment/internal/protocol/http1"
	"github.com/marmos91/ferment/pkg/wsgi"
)

// buildEnviron presents req to the application.
//
// Headers become HTTP_<NAME> with dashes turned into underscores; when a
// header repeats, the first occurrence wins. Content-Type and
// Content-Length are reported without the HTTP_ prefix.
func buildEnviron(req *http1.Request, opts *WSGIOptions, remote, connID string) *wsgi.Environ {
	vars := make(map[string]string, 12+len(req.Headers))

	vars["REQUEST_METHOD"] = req.Method
	vars["SCRIPT_NAME"] = opts.ScriptName
	vars["PATH_INFO"] = pathInfo(req.Path, opts.ScriptName)
	vars["QUERY_STRING"] = req.RawQuery
	vars["SERVER_NAME"] = opts.ServerName
	vars["SERVER_PORT"] = opts.ServerPort
	vars["SERVER_PROTOCOL"] = req.Proto
	vars["REMOTE_ADDR"] = remote
	vars["wsgi.url_scheme"] = "http"
	vars["ferment.connection_id"] = connID

	for _, h := range req.Headers {
		key := headerKey(h.Name)
		if _, seen := vars[key]; seen {
			continue
		}
		vars[key] = h.Value
	}

	return &wsgi.Environ{
		Vars:   vars,
		Input:  bytes.NewReader(req.Body),
		Errors: logger.Writer(logger.LevelError),
	}
}

func headerKey(name string) string {
	upper := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	switch upper {
	case "CONTENT_TYPE", "CONTENT_LENGTH":
		return upper
	}
	return "HTTP_" + upper
}

// pathInfo percent-decodes path and strips the script name prefix.
// Undecodable paths are passed through as received.
func pathInfo(path, scriptName string) string {
	decoded, err := url.PathUnescape(path)
	if err != nil {
		decoded = path
	}
	if scriptName != "" {
		prefix := strings.TrimSuffix(scriptName, "/")
		if decoded == prefix {
			return ""
		}
		if strings.HasPrefix(decoded, prefix+"/") {
			return decoded[len(prefix):]
		}
	}
	return decoded
}
