package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"marketplace-identity/internal/config"
	"marketplace-identity/internal/factory"
	"marketplace-identity/internal/util"
)

func main() {
	envFile := pflag.String("env-file", ".env", "optional dotenv file loaded before the environment")
	addr := pflag.String("addr", "", "listen address, overrides SERVER_HOST and SERVER_PORT")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f, err := factory.NewFactory(ctx, cfg)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	router := f.Router()

	serverAddr := *addr
	if serverAddr == "" {
		if cfg.Server.EnableTLS {
			serverAddr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
		} else {
			serverAddr = cfg.GetServerAddress()
		}
	}

	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var workers sync.WaitGroup
	startSweepers(ctx, &workers, f.Ledger(), cfg.Subscription.SweepInterval)
	stopWorkers := func() {
		cancel()
		workers.Wait()
	}

	if cfg.Server.EnableTLS {
		server.TLSConfig = f.TLSManager().GetTLSConfig()

		if cfg.IsProduction() && cfg.Server.AutoCert {
			startProductionServerWithAutoCert(f, server, cfg, stopWorkers)
			return
		}

		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.String("address", serverAddr),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.String("address", serverAddr),
		)
	}

	startServer(f, server, cfg, stopWorkers)
}

func startProductionServerWithAutoCert(f *factory.Factory, server *http.Server, cfg *config.Config, stopWorkers func()) {
	autoCertManager := f.TLSManager().GetAutocertManager()
	if autoCertManager == nil {
		util.Fatal("AutoCert manager is not available in production")
	}

	// ACME challenges and redirects only
	httpServer := &http.Server{
		Addr:    ":80",
		Handler: autoCertManager.HTTPHandler(nil),
	}
	server.Addr = ":443"

	go func() {
		util.Info("Starting HTTP redirect server on port 80")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Error("HTTP redirect server failed", util.ErrorField(err))
		}
	}()

	go func() {
		util.Info("Starting HTTPS server with AutoCert on port 443",
			util.String("domain", cfg.Server.Domain),
		)
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Error("HTTPS AutoCert server failed", util.ErrorField(err))
		}
	}()

	waitForShutdown(f, stopWorkers, server, httpServer)
}

func startServer(f *factory.Factory, server *http.Server, cfg *config.Config, stopWorkers func()) {
	go func() {
		var err error
		switch {
		case cfg.Server.EnableTLS && !cfg.Server.AutoCert && cfg.Server.CertFile != "" && cfg.Server.KeyFile != "":
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		case cfg.Server.EnableTLS:
			err = server.ListenAndServeTLS("", "")
		default:
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("address", server.Addr),
	)

	waitForShutdown(f, stopWorkers, server)
}

func waitForShutdown(f *factory.Factory, stopWorkers func(), servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
	stopWorkers()
	f.Close()
}
