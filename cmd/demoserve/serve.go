package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"demoserve/internal/config"
	"demoserve/internal/httpapi"
	"demoserve/internal/iface"
	"demoserve/internal/ports"
	"demoserve/internal/registry"
	"demoserve/internal/server"
	"demoserve/internal/sitebuild"
	"demoserve/internal/tunnel"
	"demoserve/web"
)

func newServeCmd(a *app) *cobra.Command {
	def := config.Defaults()
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Build the site and serve it with the prediction API",
		Example: "  demoserve serve --input image --output label --model remote --model-url http://localhost:9000/predict --share",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.String("model", def.Model.Kind, "Model kind: echo|remote")
	f.String("model-url", "", "Prediction endpoint for the remote model")
	f.Duration("model-timeout", def.Model.Timeout.Std(), "Remote model request timeout")
	f.Bool("share", false, "Expose the server through the tunnel broker")
	f.Int("share-retries", 0, "Extra attempts when creating the share link fails")
	f.String("broker-url", def.BrokerURL, "Tunnel broker endpoint")
	f.String("access-log", def.AccessLog, "Per-request log level: off|error|info|debug")
	f.Bool("metrics", false, "Expose Prometheus metrics on /metrics")
	f.Bool("cors", false, "Allow cross-origin API calls")
	f.Bool("watch", false, "Rebuild the site when --templates or --static change")
	f.Bool("serialize-predict", false, "Run model calls one at a time")
	f.Duration("predict-timeout", 0, "Bound on a single model call (0 = none)")
	f.Duration("shutdown-timeout", def.ShutdownTimeout.Std(), "Graceful shutdown timeout")
	return cmd
}

// assets returns the template and static roots, preferring directories from
// the configuration over the embedded defaults.
func assets(cfg config.Config) (templates, static fs.FS) {
	templates, static = web.Templates(), web.Static()
	if cfg.TemplateDir != "" {
		templates = os.DirFS(cfg.TemplateDir)
	}
	if cfg.StaticDir != "" {
		static = os.DirFS(cfg.StaticDir)
	}
	return templates, static
}

func (a *app) loadInterface() (*iface.Interface, error) {
	return registry.Load(a.cfg.Input, a.cfg.Output, registry.ModelSpec{
		Kind:    a.cfg.Model.Kind,
		URL:     a.cfg.Model.URL,
		Timeout: a.cfg.Model.Timeout.Std(),
	})
}

func (a *app) buildSite(i *iface.Interface) (*sitebuild.Builder, error) {
	tpl, static := assets(a.cfg)
	b := sitebuild.New(tpl, static, a.log)
	if err := b.Build(a.cfg.ServeDir, i.Input, i.Output); err != nil {
		return nil, err
	}
	return b, nil
}

func (a *app) apiOptions() httpapi.Options {
	cfg := a.cfg
	return httpapi.Options{
		MaxBodyBytes:     cfg.MaxBodyBytes,
		PredictTimeout:   cfg.PredictTimeout.Std(),
		SerializePredict: cfg.SerializePredict,
		FlagDir:          cfg.FlagDir,
		FlagFile:         cfg.FlagFile,
		Metrics:          cfg.Metrics,
		CORS: httpapi.CORSOptions{
			Enabled:        cfg.CORS.Enabled,
			AllowedOrigins: cfg.CORS.AllowedOrigins,
		},
	}
}

// serve runs until ctx is done or the server fails.
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	i, err := a.loadInterface()
	if err != nil {
		return err
	}
	builder, err := a.buildSite(i)
	if err != nil {
		return err
	}
	httpapi.SetLogger(a.log)
	httpapi.SetAccessLogLevel(cfg.AccessLog)

	if ports.IsBusy(cfg.Host, cfg.Port) {
		a.log.Warn().Int("port", cfg.Port).Msg("port in use, scanning for the next free one")
	}
	h, err := server.StartSimple(ctx, i, cfg.Host, cfg.Port, cfg.PortWindow, cfg.ServeDir, server.Options{
		API:    a.apiOptions(),
		Logger: a.log,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Model available locally at: %s\n", h.URL())

	var shareURL string
	var tun tunnel.Tunnel
	if cfg.Share {
		if tun, err = a.share(ctx, h.Port()); err != nil {
			a.log.Error().Err(err).Msg("could not create share link; serving locally only")
		} else {
			shareURL = tun.URL()
			if err := sitebuild.InjectShareURL(cfg.ServeDir, shareURL); err != nil {
				a.log.Error().Err(err).Msg("record share url")
			}
			fmt.Fprintf(a.stdout, "Model available publicly at: %s\n", shareURL)
		}
	}

	if cfg.Watch {
		a.watch(ctx, builder, i, shareURL)
	}
	if a.ready != nil {
		a.ready(h)
	}

	select {
	case <-ctx.Done():
	case <-h.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
	defer cancel()
	if tun != nil {
		if err := tun.Close(); err != nil {
			a.log.Debug().Err(err).Msg("close tunnel")
		}
	}
	if err := h.Stop(sctx); err != nil {
		a.log.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
	return h.Err()
}

// share opens the tunnel, retrying with a Fibonacci backoff when configured.
func (a *app) share(ctx context.Context, port int) (tunnel.Tunnel, error) {
	var tun tunnel.Tunnel
	tcfg := tunnel.Config{BrokerURL: a.cfg.BrokerURL, Dialer: &tunnel.SSHDialer{Logger: a.log}}
	b := retry.WithMaxRetries(uint64(a.cfg.ShareRetries), retry.NewFibonacci(1*time.Second))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		t, err := tunnel.Setup(ctx, tcfg, a.cfg.Host, port)
		if err != nil {
			a.log.Warn().Err(err).Msg("share attempt failed")
			return retry.RetryableError(err)
		}
		tun = t
		return nil
	})
	return tun, err
}

// watch rebuilds the serve directory in the background when an on-disk asset
// root changes.
func (a *app) watch(ctx context.Context, b *sitebuild.Builder, i *iface.Interface, shareURL string) {
	var roots []string
	for _, d := range []string{a.cfg.TemplateDir, a.cfg.StaticDir} {
		if d != "" {
			roots = append(roots, d)
		}
	}
	if len(roots) == 0 {
		a.log.Warn().Msg("--watch needs --templates or --static; embedded assets never change")
		return
	}
	w := &sitebuild.Watcher{Roots: roots, Logger: a.log}
	go func() {
		err := w.Run(ctx, func() error {
			if err := b.Build(a.cfg.ServeDir, i.Input, i.Output); err != nil {
				return err
			}
			if shareURL != "" {
				return sitebuild.InjectShareURL(a.cfg.ServeDir, shareURL)
			}
			return nil
		})
		if err != nil {
			a.log.Error().Err(err).Msg("watcher stopped")
		}
	}()
}
