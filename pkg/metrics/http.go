package metrics

import "time"

// HTTPMetrics provides observability for the HTTP adapter.
//
// The adapter calls these from its worker threads, so implementations
// must be safe for concurrent use and cheap. When metrics are disabled a
// no-op implementation is used.
//
// Example usage:
//
//	// With metrics enabled
//	m := prometheus.NewHTTPMetrics()
//	adapter := http.New(config, app, m)
//
//	// Without metrics
//	adapter := http.New(config, app, nil)
type HTTPMetrics interface {
	// RecordRequest records a completed request.
	//
	// Parameters:
	//   - method: request method, e.g. "GET"
	//   - status: status code sent, 0 if the response never started
	//   - duration: time from a complete request head to the end of the response
	RecordRequest(method string, status int, duration time.Duration)

	// RecordBytesSent records response bytes written to a socket.
	//
	// Parameters:
	//   - path: "buffered" for regular writes, "sendfile" for zero-copy transfers
	//   - bytes: number of bytes written
	RecordBytesSent(path string, bytes int64)

	// RecordBytesReceived records request bytes read from a socket.
	RecordBytesReceived(bytes int64)

	// RecordParseError records a request rejected by the parser.
	//
	// Parameters:
	//   - status: the error status sent to the client (400, 431, ...)
	RecordParseError(status int)

	// RecordTimeout records a connection closed by a timer.
	//
	// Parameters:
	//   - kind: "keepalive" or "send"
	RecordTimeout(kind string)

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int32)

	// RecordConnectionAccepted increments the accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the closed connections counter.
	RecordConnectionClosed()

	// RecordConnectionReused records a connection going back to waiting
	// for a request after a completed response.
	RecordConnectionReused()

	// RecordConnectionForceClosed records a connection closed because the
	// shutdown timeout expired.
	RecordConnectionForceClosed()

	// SetQueueDepth updates the number of connections and requests waiting
	// for a worker.
	SetQueueDepth(depth int64)
}

// NewNoopHTTPMetrics returns an HTTPMetrics that discards everything.
func NewNoopHTTPMetrics() HTTPMetrics {
	return noopHTTPMetrics{}
}

type noopHTTPMetrics struct{}

func (noopHTTPMetrics) RecordRequest(string, int, time.Duration) {}
func (noopHTTPMetrics) RecordBytesSent(string, int64)            {}
func (noopHTTPMetrics) RecordBytesReceived(int64)                {}
func (noopHTTPMetrics) RecordParseError(int)                     {}
func (noopHTTPMetrics) RecordTimeout(string)                     {}
func (noopHTTPMetrics) SetActiveConnections(int32)               {}
func (noopHTTPMetrics) RecordConnectionAccepted()                {}
func (noopHTTPMetrics) RecordConnectionClosed()                  {}
func (noopHTTPMetrics) RecordConnectionReused()                  {}
func (noopHTTPMetrics) RecordConnectionForceClosed()             {}
func (noopHTTPMetrics) SetQueueDepth(int64)                      {}
