package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"demoserve/internal/common/fsutil"
	"demoserve/internal/flaglog"
	"demoserve/internal/iface"
	"demoserve/internal/perturb"
	"demoserve/pkg/types"
)

// Server holds everything the API handlers need: the serve directory, the
// flag log and the shared Interface. It is safe for concurrent use.
type Server struct {
	dir      string
	iface    *iface.Interface
	flags    *flaglog.Log
	opts     Options
	saliency iface.SaliencyFunc
	// non-nil when SerializePredict is set
	predictMu *sync.Mutex
	files     http.Handler
}

// New validates the Interface and prepares a Server rooted at dir. Optional
// capabilities such as saliency are resolved here once.
func New(i *iface.Interface, dir string, opts Options) (*Server, error) {
	if err := i.Validate(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("serve dir: %w", err)
	}
	opts = opts.withDefaults()
	flagDir := opts.FlagDir
	if !filepath.IsAbs(flagDir) {
		flagDir = filepath.Join(abs, filepath.FromSlash(flagDir))
	}
	s := &Server{
		dir:      abs,
		iface:    i,
		flags:    flaglog.New(flagDir, opts.FlagFile),
		opts:     opts,
		saliency: i.Saliency,
		files:    http.FileServer(serveRoot(abs)),
	}
	if opts.SerializePredict {
		s.predictMu = &sync.Mutex{}
	}
	return s, nil
}

// NewMux is a shorthand for New followed by Handler.
func NewMux(i *iface.Interface, dir string, opts Options) (http.Handler, error) {
	s, err := New(i, dir, opts)
	if err != nil {
		return nil, err
	}
	return s.Handler(), nil
}

// FlagLog exposes the server's flag log.
func (s *Server) FlagLog() *flaglog.Log { return s.flags }

// route is one entry of the dispatch table.
type route struct {
	method  string
	pattern string
	handler http.HandlerFunc
}

// routes lists every endpoint in match order. Anything else falls through
// to notFound.
func (s *Server) routes() []route {
	rs := []route{
		{http.MethodPost, "/api/predict/", s.handlePredict},
		{http.MethodPost, "/api/flag/", s.handleFlag},
		{http.MethodPost, "/api/auto/rotation", s.handleAuto("rotation", perturb.Rotations)},
		{http.MethodPost, "/api/auto/lighting", s.handleAuto("lighting", perturb.Lightings)},
		{http.MethodGet, "/healthz", handleHealthz},
	}
	if s.opts.Metrics {
		rs = append(rs, route{http.MethodGet, "/metrics", promhttp.Handler().ServeHTTP})
	}
	return append(rs,
		route{http.MethodGet, "/*", s.handleStatic},
		route{http.MethodHead, "/*", s.handleStatic},
	)
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.opts.Metrics {
		r.Use(MetricsMiddleware)
	}
	if c := s.opts.CORS; c.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: c.AllowedOrigins,
			AllowedMethods: c.AllowedMethods,
			AllowedHeaders: c.AllowedHeaders,
			MaxAge:         300,
		}))
	}
	r.Use(middleware.Compress(5, "application/json", "text/html", "text/css", "application/javascript"))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	for _, rt := range s.routes() {
		r.Method(rt.method, rt.pattern, rt.handler)
	}
	MountSwagger(r)
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)
	return r
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusNotFound, "Path not found: "+r.URL.Path)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// decodeBody reads a JSON body into v, answering 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(v)
	if err == nil {
		// The body must hold exactly one JSON value.
		if derr := dec.Decode(&struct{}{}); !errors.Is(derr, io.EOF) {
			err = errors.New("trailing data after JSON body")
		}
	}
	if err != nil {
		debugf(r, "decode body: %v", err)
		// Oversized bodies also land here and get the same 400.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// requestContext joins the request with the server base context so that
// shutdown cancels model work too.
func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := joinContexts(s.opts.BaseContext, r.Context())
	if s.opts.PredictTimeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, s.opts.PredictTimeout)
	return tctx, func() { tcancel(); cancel() }
}

func (s *Server) predict(ctx context.Context, input any) (any, error) {
	if s.predictMu != nil {
		s.predictMu.Lock()
		defer s.predictMu.Unlock()
	}
	out, err := s.iface.Model.Predict(ctx, input)
	if err != nil {
		predictionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	predictionsTotal.WithLabelValues("ok").Inc()
	return out, nil
}

// fail answers a collaborator error without leaking it into the accept loop.
func fail(w http.ResponseWriter, r *http.Request, start time.Time, stage string, err error) {
	status := statusFor(err)
	writeJSONError(w, status, fmt.Sprintf("%s: %v", stage, err))
	logRequest(r, "request failed", status, start, err)
}

// handlePredict runs the input through preprocess, the model and postprocess.
//
// @Summary  Run a prediction
// @Accept   json
// @Produce  json
// @Param    body  body      types.PredictRequest  true  "Raw input"
// @Success  200   {object}  types.PredictResponse
// @Failure  400   {object}  types.ErrorResponse
// @Failure  500   {object}  types.ErrorResponse
// @Router   /api/predict/ [post]
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req types.PredictRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	processed, err := s.iface.Input.Preprocess(ctx, req.Data)
	if err != nil {
		fail(w, r, start, "preprocess", err)
		return
	}
	prediction, err := s.predict(ctx, processed)
	if err != nil {
		fail(w, r, start, "predict", err)
		return
	}
	output, err := s.iface.Output.Postprocess(ctx, prediction)
	if err != nil {
		fail(w, r, start, "postprocess", err)
		return
	}
	resp := types.PredictResponse{Action: "output", Data: output}
	if s.saliency != nil {
		sal, err := s.saliency(ctx, s.iface.Model, processed, prediction)
		if err != nil {
			fail(w, r, start, "saliency", err)
			return
		}
		resp.Saliency = sal
	}
	writeJSON(w, http.StatusOK, resp)
	logRequest(r, "predict", http.StatusOK, start, nil)
}

// handleFlag persists a user-flagged sample.
//
// @Summary  Flag a sample
// @Accept   json
// @Produce  json
// @Param    body  body  types.FlagRequest  true  "Flagged sample"
// @Success  200
// @Failure  400  {object}  types.ErrorResponse
// @Router   /api/flag/ [post]
func (s *Server) handleFlag(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req types.FlagRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	dir, err := s.flags.EnsureDir()
	if err != nil {
		fail(w, r, start, "flag", err)
		return
	}
	in, err := s.iface.Input.RebuildFlagged(dir, req.Data)
	if err != nil {
		fail(w, r, start, "flag input", err)
		return
	}
	out, err := s.iface.Output.RebuildFlagged(dir, req.Data)
	if err != nil {
		fail(w, r, start, "flag output", err)
		return
	}
	if err := s.flags.Append(types.FlagRecord{Input: in, Output: out, Message: req.Data.Message}); err != nil {
		fail(w, r, start, "flag", err)
		return
	}
	flagRecordsTotal.WithLabelValues("user").Inc()
	writeJSON(w, http.StatusOK, struct{}{})
	logRequest(r, "flag", http.StatusOK, start, nil)
}

// handleAuto re-predicts perturbed variants of an image and flags each one.
//
// @Summary  Run a robustness diagnostic
// @Accept   json
// @Produce  json
// @Param    body  body  types.AutoRequest  true  "Base64 image"
// @Success  200
// @Failure  400  {object}  types.ErrorResponse
// @Router   /api/auto/rotation [post]
// @Router   /api/auto/lighting [post]
func (s *Server) handleAuto(source string, variants func(*image.NRGBA) []perturb.Step) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var req types.AutoRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		img, err := perturb.DecodeBase64(req.Data)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			logRequest(r, "auto "+source, http.StatusBadRequest, start, err)
			return
		}
		img = perturb.Normalize(img)
		dir, err := s.flags.EnsureDir()
		if err != nil {
			fail(w, r, start, source, err)
			return
		}
		ctx, cancel := s.requestContext(r)
		defer cancel()

		for _, step := range variants(img) {
			prediction, err := s.predict(ctx, perturb.Tensor(step.Image))
			if err != nil {
				fail(w, r, start, step.Message, err)
				return
			}
			output, err := s.iface.Output.Postprocess(ctx, prediction)
			if err != nil {
				fail(w, r, start, step.Message, err)
				return
			}
			in, err := s.iface.Input.SaveToFile(dir, step.Image)
			if err != nil {
				fail(w, r, start, step.Message, err)
				return
			}
			out, err := s.iface.Output.RebuildFlagged(dir, types.FlagData{Output: output})
			if err != nil {
				fail(w, r, start, step.Message, err)
				return
			}
			if err := s.flags.Append(types.FlagRecord{Input: in, Output: out, Message: step.Message}); err != nil {
				fail(w, r, start, step.Message, err)
				return
			}
			flagRecordsTotal.WithLabelValues(source).Inc()
			debugf(r, "auto %s: %s", source, step.Message)
		}
		writeJSON(w, http.StatusOK, struct{}{})
		logRequest(r, "auto "+source, http.StatusOK, start, nil)
	}
}

// handleStatic serves files below the serve directory.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	p, err := fsutil.SafeJoin(s.dir, r.URL.Path)
	if err != nil {
		notFound(w, r)
		return
	}
	if _, err := os.Stat(p); err != nil {
		notFound(w, r)
		return
	}
	s.files.ServeHTTP(w, r)
}

// serveRoot is an http.FileSystem confined to a directory.
type serveRoot string

func (d serveRoot) Open(name string) (http.File, error) {
	p, err := fsutil.SafeJoin(string(d), name)
	if err != nil {
		return nil, os.ErrNotExist
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, os.ErrPermission
		}
		return nil, os.ErrNotExist
	}
	return f, nil
}
