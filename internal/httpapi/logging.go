package httpapi

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger of the HTTP layer; Nop until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// defaultLogLevel applies when a request carries no override.
var defaultLogLevel = parseLevel(os.Getenv("INFERD_HTTP_LOG_LEVEL"))

// SetDefaultLogLevel overrides the environment default ("off", "error",
// "info" or "debug").
func SetDefaultLogLevel(s string) { defaultLogLevel = parseLevel(s) }

func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// requestLog carries per-request logging state for one handler.
type requestLog struct {
	r     *http.Request
	lvl   LogLevel
	start time.Time
}

func newRequestLog(r *http.Request) requestLog {
	return requestLog{r: r, lvl: requestLogLevel(r), start: time.Now()}
}

func (l requestLog) event(e *zerolog.Event) *zerolog.Event {
	e = e.Str("path", l.r.URL.Path)
	if rid := middleware.GetReqID(l.r.Context()); rid != "" {
		e = e.Str("request_id", rid)
	}
	return e
}

// begin logs the start of a request at info level with optional fields.
func (l requestLog) begin(msg string, fields map[string]any) {
	if l.lvl < LevelInfo {
		return
	}
	l.event(zlog.Info()).Fields(fields).Msg(msg + " start")
}

// debug logs request details only when debug logging is requested.
func (l requestLog) debug(msg string, fields map[string]any) {
	if l.lvl < LevelDebug {
		return
	}
	l.event(zlog.Debug()).Fields(fields).Msg(msg)
}

// end logs the outcome; errors are logged from LevelError up, successes
// from LevelInfo up.
func (l requestLog) end(msg string, status int, err error) {
	switch {
	case err != nil && l.lvl >= LevelError:
		l.event(zlog.Error()).Int("status", status).Dur("dur", time.Since(l.start)).Err(err).Msg(msg + " end")
	case err == nil && l.lvl >= LevelInfo:
		l.event(zlog.Info()).Int("status", status).Dur("dur", time.Since(l.start)).Msg(msg + " end")
	}
}
