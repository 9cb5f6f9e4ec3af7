package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"demoserve/internal/flaglog"
	"demoserve/internal/iface"
	"demoserve/internal/perturb"
	"demoserve/internal/render"
	"demoserve/pkg/types"
)

// mockInput tags preprocessed values so tests can see the pipeline order.
type mockInput struct {
	preErr error
	saved  atomic.Int32
}

func (m *mockInput) Name() string              { return "mock" }
func (m *mockInput) JSContext() render.Context { return nil }
func (m *mockInput) Preprocess(_ context.Context, raw any) (any, error) {
	if m.preErr != nil {
		return nil, m.preErr
	}
	return fmt.Sprintf("pre(%v)", raw), nil
}
func (m *mockInput) RebuildFlagged(_ string, d types.FlagData) (any, error) { return d.Input, nil }
func (m *mockInput) SaveToFile(_ string, img image.Image) (any, error) {
	m.saved.Add(1)
	return fmt.Sprintf("img-%dx%d", img.Bounds().Dx(), img.Bounds().Dy()), nil
}

type mockOutput struct{}

func (mockOutput) Name() string              { return "mock" }
func (mockOutput) JSContext() render.Context { return nil }
func (mockOutput) Postprocess(_ context.Context, p any) (any, error) {
	return fmt.Sprintf("post(%v)", p), nil
}
func (mockOutput) RebuildFlagged(_ string, d types.FlagData) (any, error) { return d.Output, nil }

type mockModel struct {
	calls atomic.Int32
	err   error
}

func (m *mockModel) Predict(_ context.Context, input any) (any, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	if _, ok := input.([][][][]float64); ok {
		return "tensor", nil
	}
	return fmt.Sprintf("model(%v)", input), nil
}

type httpErr struct{ code int }

func (e httpErr) Error() string   { return "custom" }
func (e httpErr) StatusCode() int { return e.code }

func newTestIface() (*iface.Interface, *mockModel) {
	m := &mockModel{}
	return &iface.Interface{Input: &mockInput{}, Output: mockOutput{}, Model: m}, m
}

func newTestServer(t *testing.T, i *iface.Interface, opts Options) (http.Handler, *Server) {
	t.Helper()
	s, err := New(i, t.TempDir(), opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s.Handler(), s
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func flagLines(t *testing.T, s *Server) []types.FlagRecord {
	t.Helper()
	recs, err := flaglog.Read(s.FlagLog().Path())
	if err != nil {
		t.Fatalf("read flag log: %v", err)
	}
	return recs
}

func imageBody(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 6), G: 100, B: uint8(y * 8), A: 255})
		}
	}
	s, err := perturb.EncodeBase64(img)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(types.AutoRequest{Data: s})
	return string(b)
}

func TestNewRejectsIncompleteInterface(t *testing.T) {
	if _, err := New(&iface.Interface{Input: &mockInput{}}, t.TempDir(), Options{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestPredictComposesPipeline(t *testing.T) {
	i, _ := newTestIface()
	h, _ := newTestServer(t, i, Options{})
	w := post(h, "/api/predict/", `{"data":"x"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp["action"] != "output" || resp["data"] != "post(model(pre(x)))" {
		t.Fatalf("unexpected body: %v", resp)
	}
	if _, ok := resp["saliency"]; ok {
		t.Fatalf("saliency present without saliency function")
	}
}

func TestPredictIncludesSaliency(t *testing.T) {
	i, _ := newTestIface()
	var gotInput, gotPred any
	i.Saliency = func(_ context.Context, _ iface.Model, input, prediction any) (any, error) {
		gotInput, gotPred = input, prediction
		return [][]float64{{0.5, 1}, {0, 0.25}}, nil
	}
	h, _ := newTestServer(t, i, Options{})
	w := post(h, "/api/predict/", `{"data":"x"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var resp struct {
		Saliency [][]float64 `json:"saliency"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Saliency) != 2 || resp.Saliency[0][0] != 0.5 {
		t.Fatalf("saliency=%v", resp.Saliency)
	}
	if gotInput != "pre(x)" || gotPred != "model(pre(x))" {
		t.Fatalf("saliency args: %v %v", gotInput, gotPred)
	}
}

func TestPredictBadJSON(t *testing.T) {
	i, m := newTestIface()
	h, _ := newTestServer(t, i, Options{})
	w := post(h, "/api/predict/", "not-json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if m.calls.Load() != 0 {
		t.Fatalf("model called on bad body")
	}
}

func TestPredictRejectsTrailingData(t *testing.T) {
	i, m := newTestIface()
	h, _ := newTestServer(t, i, Options{})
	for _, body := range []string{`{"data":"x"} junk`, `{"data":"x"}{"data":"y"}`} {
		w := post(h, "/api/predict/", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status=%d", body, w.Code)
		}
	}
	if m.calls.Load() != 0 {
		t.Fatalf("model called on trailing data")
	}
	// Trailing whitespace is still a single value.
	if w := post(h, "/api/predict/", "{\"data\":\"x\"}\n"); w.Code == http.StatusBadRequest {
		t.Fatalf("trailing newline rejected: %s", w.Body.String())
	}
}

func TestPredictBodyTooLarge(t *testing.T) {
	i, _ := newTestIface()
	h, _ := newTestServer(t, i, Options{MaxBodyBytes: 64})
	w := post(h, "/api/predict/", `{"data":"`+strings.Repeat("a", 200)+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too-large body, got %d", w.Code)
	}
}

func TestPredictErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"generic", errors.New("boom"), http.StatusInternalServerError},
		{"http error", httpErr{code: http.StatusServiceUnavailable}, http.StatusServiceUnavailable},
		{"input error", iface.InputError{Msg: "bad"}, http.StatusBadRequest},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			i, m := newTestIface()
			m.err = tc.err
			h, _ := newTestServer(t, i, Options{})
			w := post(h, "/api/predict/", `{"data":1}`)
			if w.Code != tc.want {
				t.Fatalf("status=%d want %d", w.Code, tc.want)
			}
			var e types.ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil || e.Code != tc.want {
				t.Fatalf("error body=%s", w.Body.String())
			}
		})
	}
}

func TestPreprocessErrorStopsPipeline(t *testing.T) {
	i, m := newTestIface()
	i.Input.(*mockInput).preErr = iface.InputError{Msg: "textbox expects a string"}
	h, _ := newTestServer(t, i, Options{})
	w := post(h, "/api/predict/", `{"data":3}`)
	if w.Code != http.StatusBadRequest || m.calls.Load() != 0 {
		t.Fatalf("status=%d calls=%d", w.Code, m.calls.Load())
	}
}

type panicModel struct{}

func (panicModel) Predict(context.Context, any) (any, error) { panic("model exploded") }

func TestPanicIsRecovered(t *testing.T) {
	i, _ := newTestIface()
	i.Model = panicModel{}
	h, _ := newTestServer(t, i, Options{})
	w := post(h, "/api/predict/", `{"data":1}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	// server keeps answering
	i.Model = &mockModel{}
	h2, _ := newTestServer(t, i, Options{})
	if w := post(h2, "/api/predict/", `{"data":1}`); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestFlagAppendsOneLinePerCall(t *testing.T) {
	i, m := newTestIface()
	h, s := newTestServer(t, i, Options{})
	const n = 4
	for k := 0; k < n; k++ {
		w := post(h, "/api/flag/", `{"data":{"input":"in","output":"out","message":"same"}}`)
		if w.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
		}
	}
	recs := flagLines(t, s)
	if len(recs) != n {
		t.Fatalf("records=%d want %d", len(recs), n)
	}
	if recs[0].Input != "in" || recs[0].Output != "out" || recs[0].Message != "same" {
		t.Fatalf("record=%+v", recs[0])
	}
	if m.calls.Load() != 0 {
		t.Fatalf("flag must not call the model")
	}
	if filepath.Dir(s.FlagLog().Path()) != s.FlagLog().Dir() || !strings.HasSuffix(filepath.ToSlash(s.FlagLog().Dir()), "static/flagged") {
		t.Fatalf("flag path=%s", s.FlagLog().Path())
	}
}

func TestFlagConcurrentRequests(t *testing.T) {
	i, _ := newTestIface()
	h, s := newTestServer(t, i, Options{})
	var wg sync.WaitGroup
	for k := 0; k < 16; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			post(h, "/api/flag/", fmt.Sprintf(`{"data":{"input":%q,"message":"m%d"}}`, strings.Repeat("z", 8000), k))
		}(k)
	}
	wg.Wait()
	if recs := flagLines(t, s); len(recs) != 16 {
		t.Fatalf("records=%d", len(recs))
	}
}

func TestAutoRotationFlagsNineSteps(t *testing.T) {
	i, m := newTestIface()
	h, s := newTestServer(t, i, Options{})
	w := post(h, "/api/auto/rotation", imageBody(t))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if strings.TrimSpace(w.Body.String()) != "{}" {
		t.Fatalf("body=%q", w.Body.String())
	}
	recs := flagLines(t, s)
	if len(recs) != 9 || m.calls.Load() != 9 {
		t.Fatalf("records=%d calls=%d", len(recs), m.calls.Load())
	}
	for k, rec := range recs {
		want := fmt.Sprintf("rotation by %d degrees", -180+45*k)
		if rec.Message != want {
			t.Fatalf("record %d message=%q want %q", k, rec.Message, want)
		}
		if rec.Input != "img-224x224" || rec.Output != "post(tensor)" {
			t.Fatalf("record %d = %+v", k, rec)
		}
	}
}

func TestAutoLightingFlagsNineSteps(t *testing.T) {
	i, _ := newTestIface()
	h, s := newTestServer(t, i, Options{})
	if w := post(h, "/api/auto/lighting", imageBody(t)); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	recs := flagLines(t, s)
	if len(recs) != 9 {
		t.Fatalf("records=%d", len(recs))
	}
	for k, rec := range recs {
		if want := fmt.Sprintf("brighting adjustment by a factor of %d", k); rec.Message != want {
			t.Fatalf("record %d message=%q", k, rec.Message)
		}
	}
}

func TestAutoRejectsBadImage(t *testing.T) {
	i, m := newTestIface()
	h, s := newTestServer(t, i, Options{})
	w := post(h, "/api/auto/rotation", `{"data":"data:image/png;base64,aGVsbG8="}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if m.calls.Load() != 0 || len(flagLines(t, s)) != 0 {
		t.Fatalf("bad image must not predict or flag")
	}
}

func TestUnknownPathIs404(t *testing.T) {
	i, m := newTestIface()
	h, s := newTestServer(t, i, Options{})
	for _, p := range []string{"/api/unknown", "/api/predict", "/index.html"} {
		w := post(h, p, `{"data":{"message":"x"}}`)
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s: status=%d", p, w.Code)
		}
		var e types.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil || !strings.Contains(e.Error, p) {
			t.Fatalf("%s: body=%s", p, w.Body.String())
		}
	}
	if m.calls.Load() != 0 || len(flagLines(t, s)) != 0 {
		t.Fatalf("unknown path touched model or flag log")
	}
}

func TestStaticFiles(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "site")
	if err := os.MkdirAll(filepath.Join(root, "static"), 0o755); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>demo</h1>"), 0o644)
	_ = os.WriteFile(filepath.Join(root, "static", "config.json"), []byte(`{"a":1}`), 0o644)
	_ = os.WriteFile(filepath.Join(base, "secret.txt"), []byte("TOPSECRET-CONTENT-42"), 0o644)

	i, _ := newTestIface()
	s, err := New(i, root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	h := s.Handler()

	get := func(p string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
		return w
	}
	if w := get("/"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "demo") {
		t.Fatalf("index: status=%d body=%q", w.Code, w.Body.String())
	}
	if w := get("/static/config.json"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"a":1`) {
		t.Fatalf("config: status=%d", w.Code)
	}
	if w := get("/missing.js"); w.Code != http.StatusNotFound {
		t.Fatalf("missing: status=%d", w.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.URL.Path = "/../secret.txt"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound || strings.Contains(w.Body.String(), "TOPSECRET-CONTENT-42") {
		t.Fatalf("path traversal escaped the serve dir: status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestSerializePredict(t *testing.T) {
	var inflight, peak atomic.Int32
	model := iface.ModelFunc(func(ctx context.Context, input any) (any, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return input, nil
	})
	i := &iface.Interface{Input: &mockInput{}, Output: mockOutput{}, Model: model}
	h, _ := newTestServer(t, i, Options{SerializePredict: true})
	var wg sync.WaitGroup
	for k := 0; k < 8; k++ {
		wg.Add(1)
		go func() { defer wg.Done(); post(h, "/api/predict/", `{"data":1}`) }()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("concurrent model calls: peak=%d", peak.Load())
	}
}

func TestBaseContextCancelsModel(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	model := iface.ModelFunc(func(ctx context.Context, _ any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	i := &iface.Interface{Input: &mockInput{}, Output: mockOutput{}, Model: model}
	h, _ := newTestServer(t, i, Options{BaseContext: base})
	done := make(chan int, 1)
	go func() { done <- post(h, "/api/predict/", `{"data":1}`).Code }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case code := <-done:
		if code != http.StatusInternalServerError {
			t.Fatalf("status=%d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("model call not canceled by base context")
	}
}

func TestPredictTimeout(t *testing.T) {
	model := iface.ModelFunc(func(ctx context.Context, _ any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	i := &iface.Interface{Input: &mockInput{}, Output: mockOutput{}, Model: model}
	h, _ := newTestServer(t, i, Options{PredictTimeout: 20 * time.Millisecond})
	if w := post(h, "/api/predict/", `{"data":1}`); w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	i, _ := newTestIface()
	h, _ := newTestServer(t, i, Options{CORS: CORSOptions{Enabled: true}})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("expected CORS header")
	}
}

func TestHealthz(t *testing.T) {
	i, _ := newTestIface()
	h, _ := newTestServer(t, i, Options{})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}
