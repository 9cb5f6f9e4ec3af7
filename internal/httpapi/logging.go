package httpapi

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, falls back to log.Printf.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
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

// Access logging is off unless DEMOSERVE_ACCESS_LOG asks for it.
var defaultLogLevel = parseLevel(os.Getenv("DEMOSERVE_ACCESS_LOG"))

// SetAccessLogLevel overrides the default per-request log level.
func SetAccessLogLevel(s string) { defaultLogLevel = parseLevel(s) }

func requestLogLevel(r *http.Request) LogLevel {
	// Per-request overrides
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

// logRequest emits one line per finished request when the request's log
// level allows it. Errors are logged from LevelError, successes from
// LevelInfo.
func logRequest(r *http.Request, msg string, status int, start time.Time, err error) {
	lvl := requestLogLevel(r)
	if lvl == LevelOff || (err == nil && lvl < LevelInfo) {
		return
	}
	dur := time.Since(start)
	rid := middleware.GetReqID(r.Context())
	if zlog == nil {
		log.Printf("%s path=%s status=%d dur=%s request_id=%s err=%v", msg, r.URL.Path, status, dur, rid, err)
		return
	}
	ev := zlog.Info()
	if err != nil {
		ev = zlog.Error().Err(err)
	}
	ev = ev.Str("path", r.URL.Path).Int("status", status).Dur("dur", dur)
	if rid != "" {
		ev = ev.Str("request_id", rid)
	}
	ev.Msg(msg)
}

// debugf logs at debug level when enabled for r.
func debugf(r *http.Request, format string, args ...any) {
	if requestLogLevel(r) < LevelDebug {
		return
	}
	if zlog == nil {
		log.Printf(format, args...)
		return
	}
	zlog.Debug().Str("path", r.URL.Path).Msgf(format, args...)
}
