package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/jensneuse/abstractlogger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/wundergraph/storefront-mesh/pkg/cache"
	"github.com/wundergraph/storefront-mesh/pkg/config"
	"github.com/wundergraph/storefront-mesh/pkg/gateway"
	meshhttp "github.com/wundergraph/storefront-mesh/pkg/http"
	"github.com/wundergraph/storefront-mesh/pkg/httpclient"
	"github.com/wundergraph/storefront-mesh/pkg/overlay"
	"github.com/wundergraph/storefront-mesh/pkg/overlay/storefront"
)

const shutdownTimeout = 10 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "serve starts the mesh gateway",
	Example: "storefront-mesh serve --config config/mesh.yaml --listen 0.0.0.0:4000",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, flush, err := newLogger(viper.GetString(flagLogLevel))
		if err != nil {
			return err
		}
		defer flush()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String(flagListen, "", "host:port to listen on, overrides the listen setting of the config file")
	_ = viper.BindPFlag(flagListen, serveCmd.Flags().Lookup(flagListen))
}

func serve(ctx context.Context, logger log.Logger) error {
	cfg, err := config.Load(viper.GetString(flagConfig), os.LookupEnv)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	backend, closeCache, err := cfg.OpenCache(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	gw, err := newGateway(cfg, logger, gatewayOptions{cache: backend, registerer: registry})
	if err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}

	addr := viper.GetString(flagListen)
	if addr == "" {
		addr = cfg.Listen
	}
	muxConfig := meshhttp.MuxConfig{
		Gateway:        gw,
		Logger:         logger,
		Cors:           cfg.CorsPolicy(),
		GraphQLPath:    cfg.GraphQLPath,
		Gatherer:       registry,
		PlaygroundPath: cfg.PlaygroundPath,
		AdminToken:     cfg.AdminToken(os.LookupEnv),
		SeparateAdmin:  cfg.Admin.Listen != "",
	}
	mux, err := meshhttp.NewServeMux(muxConfig)
	if err != nil {
		return err
	}
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if muxConfig.SeparateAdmin {
		servers = append(servers, &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           meshhttp.NewAdminMux(muxConfig),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gw.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		refreshOnHangup(gCtx, gw, logger)
		return nil
	})
	for i, server := range servers {
		server, name := server, "gateway"
		if i > 0 {
			name = "admin"
		}
		g.Go(func() error {
			logger.Info("mesh listening",
				log.String("server", name),
				log.String("addr", server.Addr),
			)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// refreshOnHangup refreshes every source on SIGHUP.
func refreshOnHangup(ctx context.Context, gw *gateway.Gateway, logger log.Logger) {
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hangup:
			logger.Info("refreshing sources on SIGHUP")
			if err := gw.Refresh(ctx); err != nil {
				logger.Error("refresh on SIGHUP failed", log.Error(err))
			}
		}
	}
}

type gatewayOptions struct {
	cache      cache.Cache
	registerer prometheus.Registerer
}

func newGateway(cfg *config.Config, logger log.Logger, opts gatewayOptions) (*gateway.Gateway, error) {
	sources, err := cfg.SourceList(os.LookupEnv)
	if err != nil {
		return nil, err
	}

	overlays := overlay.NewRegistry(logger)
	if cfg.StorefrontOverlays() {
		if err := storefront.Register(overlays); err != nil {
			return nil, err
		}
	}

	return gateway.New(gateway.Config{
		Sources:      sources,
		Overlays:     overlays,
		Client:       httpclient.DefaultNetHttpClient,
		Logger:       logger,
		Cache:        opts.cache,
		CachePolicy:  cfg.CachePolicy(),
		PollInterval: cfg.PollInterval(),
		Registerer:   opts.registerer,
	})
}
