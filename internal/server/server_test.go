package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"demoserve/internal/iface"
	"demoserve/internal/ports"
	"demoserve/internal/registry"
)

func echoIface(t *testing.T) *iface.Interface {
	t.Helper()
	i, err := registry.Load("textbox", "textbox", registry.ModelSpec{Kind: "echo"})
	if err != nil {
		t.Fatalf("load iface: %v", err)
	}
	return i
}

func startTest(t *testing.T, i *iface.Interface) *Handle {
	t.Helper()
	h, err := Start(context.Background(), i, "127.0.0.1", 0, t.TempDir(), Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = h.Stop(context.Background()) })
	return h
}

func TestStartServesAndStops(t *testing.T) {
	h := startTest(t, echoIface(t))
	if h.Port() == 0 || !strings.HasPrefix(h.URL(), "http://127.0.0.1:") {
		t.Fatalf("addr=%s url=%s", h.Addr(), h.URL())
	}
	resp, err := http.Post(h.URL()+"api/predict/", "application/json", strings.NewReader(`{"data":"hi"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"data":"hi"`) {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	if h.Err() != nil {
		t.Fatalf("err while running: %v", h.Err())
	}

	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("done not closed after stop")
	}
	if h.Err() != nil {
		t.Fatalf("err after deliberate stop: %v", h.Err())
	}
	// idempotent
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	// port released
	ln, err := net.Listen("tcp", h.Addr())
	if err != nil {
		t.Fatalf("port not released: %v", err)
	}
	ln.Close()
}

func TestStartBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	if _, err := Start(context.Background(), echoIface(t), "127.0.0.1", port, t.TempDir(), Options{}); err == nil {
		t.Fatalf("expected bind error on busy port %d", port)
	}
}

func TestStartRejectsIncompleteInterface(t *testing.T) {
	if _, err := Start(context.Background(), &iface.Interface{}, "127.0.0.1", 0, t.TempDir(), Options{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestStartSimpleSkipsBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port
	if busy >= 65535-5 {
		t.Skip("ephemeral port too close to the top of the range")
	}
	h, err := StartSimple(context.Background(), echoIface(t), "127.0.0.1", busy, 5, t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("start simple: %v", err)
	}
	defer h.Stop(context.Background())
	if h.Port() <= busy || h.Port() >= busy+5 {
		t.Fatalf("port=%d not in (%d, %d)", h.Port(), busy, busy+5)
	}
}

func TestStartSimpleExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port
	_, err = StartSimple(context.Background(), echoIface(t), "127.0.0.1", busy, 1, t.TempDir(), Options{})
	if !ports.IsExhausted(err) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
}

func slowIface(t *testing.T, delay time.Duration, started chan<- struct{}) *iface.Interface {
	i := echoIface(t)
	i.Model = iface.ModelFunc(func(ctx context.Context, in any) (any, error) {
		close(started)
		select {
		case <-time.After(delay):
			return in, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	return i
}

func TestStopDrainsInFlight(t *testing.T) {
	started := make(chan struct{})
	h := startTest(t, slowIface(t, 150*time.Millisecond, started))
	codes := make(chan int, 1)
	go func() {
		resp, err := http.Post(h.URL()+"api/predict/", "application/json", strings.NewReader(`{"data":"x"}`))
		if err != nil {
			codes <- 0
			return
		}
		resp.Body.Close()
		codes <- resp.StatusCode
	}()
	<-started
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if code := <-codes; code != http.StatusOK {
		t.Fatalf("in-flight request not drained: status=%d", code)
	}
}

func TestStopTimeoutCancelsModel(t *testing.T) {
	started := make(chan struct{})
	h := startTest(t, slowIface(t, time.Hour, started))
	go func() {
		resp, err := http.Post(h.URL()+"api/predict/", "application/json", strings.NewReader(`{"data":"x"}`))
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- h.Stop(ctx) }()
	select {
	case err := <-stopped:
		if err == nil {
			t.Fatalf("expected drain timeout error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop hung on a blocked model call")
	}
}

func TestPortAndAddrAgree(t *testing.T) {
	h := startTest(t, echoIface(t))
	_, p, _ := net.SplitHostPort(h.Addr())
	if p != strconv.Itoa(h.Port()) {
		t.Fatalf("addr=%s port=%d", h.Addr(), h.Port())
	}
}
