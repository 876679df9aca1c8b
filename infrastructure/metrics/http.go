package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// InstrumentHandler wraps next with request counting, latency, and in-flight
// tracking, recorded under the given service name.
func (m *Metrics) InstrumentHandler(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.IncrementInFlight()
		defer m.DecrementInFlight()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		m.RecordHTTPRequest(service, method, path, strconv.Itoa(rec.status), duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path-parameter segments (event and alert ids) so
// per-request labels stay low-cardinality.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	parts := strings.Split(trimmed, "/")

	for i, p := range parts {
		if i == 0 {
			continue
		}
		prev := parts[i-1]
		if prev == "events" || prev == "alerts" {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
