package observability

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type key struct {
	Method string
	Path   string
	Status int
}

type stat struct {
	Count     int64
	LatencyMS float64
}

type Collector struct {
	db *sql.DB

	mu           sync.RWMutex
	requestStats map[key]stat
	startedAt    time.Time
}

func NewCollector(db *sql.DB) *Collector {
	return &Collector{
		db:           db,
		requestStats: make(map[key]stat),
		startedAt:    time.Now(),
	}
}

type tagsKey struct{}

type requestTags struct {
	mu          sync.Mutex
	candidateID string
	role        string
}

// SetUser records the authenticated caller for the access log line. Handlers
// further down the chain run with a derived context, so the collector keeps a
// mutable slot that they fill in.
func SetUser(ctx context.Context, candidateID, role string) {
	tags, ok := ctx.Value(tagsKey{}).(*requestTags)
	if !ok {
		return
	}
	tags.mu.Lock()
	tags.candidateID = candidateID
	tags.role = role
	tags.mu.Unlock()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		tags := &requestTags{}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), tagsKey{}, tags)))

		latencyMS := float64(time.Since(start).Microseconds()) / 1000.0
		path := normalizedPath(r.URL.Path)

		c.mu.Lock()
		k := key{Method: r.Method, Path: path, Status: rec.status}
		s := c.requestStats[k]
		s.Count++
		s.LatencyMS += latencyMS
		c.requestStats[k] = s
		c.mu.Unlock()

		var ev *zerolog.Event
		switch {
		case rec.status >= 500:
			ev = log.Error()
		case rec.status >= 400:
			ev = log.Warn()
		default:
			ev = log.Info()
		}
		ev = ev.Str("request_id", middleware.GetReqID(r.Context()))
		tags.mu.Lock()
		if tags.candidateID != "" {
			ev = ev.Str("candidate_id", tags.candidateID).Str("role", tags.role)
		}
		tags.mu.Unlock()
		if attemptID := extractAttemptID(r.URL.Path); attemptID != "" {
			ev = ev.Str("attempt_id", attemptID)
		}
		ev.Str("method", r.Method).
			Str("path", path).
			Int("status", rec.status).
			Float64("latency_ms", latencyMS).
			Str("remote_ip", strings.TrimSpace(r.RemoteAddr)).
			Msg("http request")
	})
}

func (c *Collector) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	statsCopy := make(map[key]stat, len(c.requestStats))
	for k, v := range c.requestStats {
		statsCopy[k] = v
	}
	startedAt := c.startedAt
	c.mu.RUnlock()

	keys := make([]key, 0, len(statsCopy))
	for k := range statsCopy {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Method != keys[j].Method {
			return keys[i].Method < keys[j].Method
		}
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Status < keys[j].Status
	})

	var sb strings.Builder
	sb.WriteString("# cbtexam observability metrics\n")
	sb.WriteString("# TYPE cbtexam_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("cbtexam_uptime_seconds %.0f\n", time.Since(startedAt).Seconds()))

	sb.WriteString("# TYPE cbtexam_http_requests_total counter\n")
	sb.WriteString("# TYPE cbtexam_http_request_latency_ms_sum counter\n")
	sb.WriteString("# TYPE cbtexam_http_request_latency_ms_avg gauge\n")
	for _, k := range keys {
		s := statsCopy[k]
		labels := fmt.Sprintf("method=\"%s\",path=\"%s\",status=\"%d\"", k.Method, k.Path, k.Status)
		sb.WriteString(fmt.Sprintf("cbtexam_http_requests_total{%s} %d\n", labels, s.Count))
		sb.WriteString(fmt.Sprintf("cbtexam_http_request_latency_ms_sum{%s} %.3f\n", labels, s.LatencyMS))
		avg := 0.0
		if s.Count > 0 {
			avg = s.LatencyMS / float64(s.Count)
		}
		sb.WriteString(fmt.Sprintf("cbtexam_http_request_latency_ms_avg{%s} %.3f\n", labels, avg))
	}

	if c.db != nil {
		dbs := c.db.Stats()
		sb.WriteString("# TYPE cbtexam_db_open_connections gauge\n")
		sb.WriteString(fmt.Sprintf("cbtexam_db_open_connections %d\n", dbs.OpenConnections))
		sb.WriteString("# TYPE cbtexam_db_in_use_connections gauge\n")
		sb.WriteString(fmt.Sprintf("cbtexam_db_in_use_connections %d\n", dbs.InUse))
		sb.WriteString("# TYPE cbtexam_db_idle_connections gauge\n")
		sb.WriteString(fmt.Sprintf("cbtexam_db_idle_connections %d\n", dbs.Idle))
		sb.WriteString("# TYPE cbtexam_db_wait_count counter\n")
		sb.WriteString(fmt.Sprintf("cbtexam_db_wait_count %d\n", dbs.WaitCount))
		sb.WriteString("# TYPE cbtexam_db_wait_duration_ms counter\n")
		sb.WriteString(fmt.Sprintf("cbtexam_db_wait_duration_ms %.3f\n", float64(dbs.WaitDuration.Microseconds())/1000.0))

		var open, submitted, auto int64
		err := c.db.QueryRowContext(r.Context(), `
			SELECT
				COALESCE(SUM(CASE WHEN submitted_at IS NULL THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN submitted_at IS NOT NULL THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN auto_submitted THEN 1 ELSE 0 END), 0)
			FROM attempts`).Scan(&open, &submitted, &auto)
		if err != nil {
			log.Warn().Err(err).Msg("metrics: attempt counts unavailable")
		} else {
			sb.WriteString("# TYPE cbtexam_attempts gauge\n")
			sb.WriteString(fmt.Sprintf("cbtexam_attempts{state=\"open\"} %d\n", open))
			sb.WriteString(fmt.Sprintf("cbtexam_attempts{state=\"submitted\"} %d\n", submitted))
			sb.WriteString(fmt.Sprintf("cbtexam_attempts{state=\"auto_submitted\"} %d\n", auto))
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// normalizedPath collapses numeric and UUID segments so metric labels stay
// bounded.
func normalizedPath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if isIDSegment(p) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isIDSegment(p string) bool {
	if _, err := strconv.ParseInt(p, 10, 64); err == nil {
		return true
	}
	_, err := uuid.Parse(p)
	return err == nil
}

func extractAttemptID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "attempts" && isIDSegment(parts[i+1]) {
			return parts[i+1]
		}
	}
	return ""
}
