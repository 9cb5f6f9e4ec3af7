package httpapi

import (
	"context"
	"time"

	"demoserve/internal/flaglog"
)

// Defaults applied when the corresponding Options fields are unset.
const (
	// Image payloads arrive base64 encoded, so the limit is well above the
	// usual 1 MiB for JSON endpoints.
	defaultMaxBodyBytes int64 = 8 << 20
)

// CORSOptions configures the optional CORS middleware.
type CORSOptions struct {
	Enabled        bool
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// Options tunes a Server. The zero value is usable.
type Options struct {
	// MaxBodyBytes caps request bodies on API routes.
	MaxBodyBytes int64
	// PredictTimeout bounds a single model call; zero disables it.
	PredictTimeout time.Duration
	// SerializePredict runs model calls one at a time, for models that are
	// not safe for concurrent use.
	SerializePredict bool
	// FlagDir is relative to the serve directory unless absolute.
	FlagDir  string
	FlagFile string
	// Metrics exposes GET /metrics and instruments requests.
	Metrics bool
	CORS    CORSOptions
	// BaseContext is canceled on shutdown; model calls observe it.
	BaseContext context.Context
}

func (o Options) withDefaults() Options {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.PredictTimeout < 0 {
		o.PredictTimeout = 0
	}
	if o.FlagDir == "" {
		o.FlagDir = flaglog.DefaultDir
	}
	if o.FlagFile == "" {
		o.FlagFile = flaglog.DefaultFile
	}
	if o.BaseContext == nil {
		o.BaseContext = context.Background()
	}
	if o.CORS.Enabled {
		if len(o.CORS.AllowedOrigins) == 0 {
			o.CORS.AllowedOrigins = []string{"*"}
		}
		if len(o.CORS.AllowedMethods) == 0 {
			o.CORS.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
		}
		if len(o.CORS.AllowedHeaders) == 0 {
			o.CORS.AllowedHeaders = []string{"Content-Type"}
		}
	}
	return o
}
