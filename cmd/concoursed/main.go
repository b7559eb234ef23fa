// Command concoursed wires configuration, logging, metrics, and the
// Engine together into a process: the ambient entry point around the
// storage core described in SPEC_FULL.md §1's module map. It carries no
// client-facing RPC surface — that wire protocol is out of scope for
// this core — but it is where an operator would embed one.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/concoursedb/concourse/pkg/config"
	"github.com/concoursedb/concourse/pkg/engine"
	"github.com/concoursedb/concourse/pkg/log"
	"github.com/concoursedb/concourse/pkg/metrics"
)

func main() {
	var (
		prefsPath   = flag.String("prefs", "", "base path (no extension) for layered .prefs/.yaml config files")
		logLevel    = flag.String("log-level", "info", "debug|info|warn|error")
		logJSON     = flag.Bool("log-json", false, "emit structured JSON log lines instead of console output")
		metricsAddr = flag.String("metrics-addr", ":9797", "address to serve /metrics on; empty disables it")
		environment = flag.String("environment", "", "environment to open eagerly at startup (default: the configured default_environment)")
	)
	flag.Parse()

	log.Init(log.Config{Level: log.Level(*logLevel), JSON: *logJSON})

	cfg, err := loadConfig(*prefsPath)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("concoursed: failed to load configuration")
	}

	eng := engine.Open(cfg)
	defer func() {
		if err := eng.Close(); err != nil {
			log.Logger.Error().Err(err).Msg("concoursed: error closing engine")
		}
	}()

	env, err := eng.Environment(*environment)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("concoursed: failed to open environment")
	}
	log.Logger.Info().
		Str("environment", env.Name).
		Str("system_id", env.SystemID()).
		Str("buffer_directory", cfg.BufferDirectory).
		Str("database_directory", cfg.DatabaseDirectory).
		Msg("concoursed: ready")

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", healthzHandler(eng))
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			log.Logger.Info().Str("addr", *metricsAddr).Msg("concoursed: serving metrics")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("concoursed: metrics server failed")
			}
		}()
	}

	sweepStop := startTransactionSweeper(eng)
	defer close(sweepStop)

	waitForShutdown()

	log.Logger.Info().Msg("concoursed: shutting down")
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(ctx)
	}
}

// loadConfig resolves Default() when no --prefs base path is given,
// matching §6's "config loaded from layered files" contract without
// forcing an operator to hand one to every invocation.
func loadConfig(prefsPath string) (config.Config, error) {
	if prefsPath == "" {
		return config.Default(), nil
	}
	return config.Load(prefsPath)
}

// healthzHandler reports the System ID of every opened environment, for
// a load balancer or orchestrator probe. It does not report transporter
// errors.
func healthzHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, name := range eng.Environments() {
			env, err := eng.Lookup(name)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "%s: system_id=%s\n", name, env.SystemID())
		}
		w.WriteHeader(http.StatusOK)
	}
}

// startTransactionSweeper periodically reclaims idle-expired
// Transactions across every opened environment (§4.6: "Transactions
// additionally expire after a configurable idle interval"). Returns a
// channel the caller closes to stop it.
func startTransactionSweeper(eng *engine.Engine) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, name := range eng.Environments() {
					env, err := eng.Lookup(name)
					if err != nil {
						continue
					}
					for _, token := range env.SweepExpiredTransactions() {
						log.Logger.Info().Str("environment", name).Str("token", token).Msg("concoursed: expired idle transaction")
					}
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
