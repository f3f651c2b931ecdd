package metrics

import (
	"net/http"
	"time"
)

// StatusWriter records the status code and body size written through it.
type StatusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

// WrapWriter returns w wrapped in a StatusWriter. The status defaults to 200
// when the handler never calls WriteHeader.
func WrapWriter(w http.ResponseWriter) *StatusWriter {
	if sw, ok := w.(*StatusWriter); ok {
		return sw
	}
	return &StatusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (sw *StatusWriter) Status() int { return sw.status }

func (sw *StatusWriter) Written() int64 { return sw.written }

func (sw *StatusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *StatusWriter) Write(p []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(p)
	sw.written += int64(n)
	return n, err
}

// Flush keeps the event stream working through the middleware chain.
func (sw *StatusWriter) Flush() {
	if flusher, ok := sw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *StatusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// HTTPMiddleware observes each admin request on recorder, or on Default when
// recorder is nil.
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	if recorder == nil {
		recorder = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := WrapWriter(w)
		start := time.Now()
		next.ServeHTTP(sw, r)
		recorder.ObserveRequest(r.Method, r.URL.Path, sw.Status(), time.Since(start))
	})
}
