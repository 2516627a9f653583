package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/malbeclabs/signalnode/config"
	"github.com/malbeclabs/signalnode/internal/keypair"
	"github.com/malbeclabs/signalnode/internal/node"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	env           = flag.String("env", "", "network preset to run in: mainnet, testnet, localnet")
	wif           = flag.String("wif", "", "base58-encoded private key; a fresh one is generated and printed if omitted")
	verbose       = flag.Bool("verbose", false, "enable debug logging")
	metricsEnable = flag.Bool("metrics-enable", false, "serve prometheus metrics")
	metricsAddr   = flag.String("metrics-addr", ":8080", "address to listen on for prometheus metrics")
	showVersion   = flag.Bool("version", false, "print the version and exit")

	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("signalnode version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	log := newLogger(*verbose)

	if *env == "" {
		log.Error("missing required flag", "flag", "env")
		flag.Usage()
		os.Exit(1)
	}
	netCfg, err := config.NetworkConfigForEnv(*env)
	if err != nil {
		log.Error("invalid network config", "error", err)
		os.Exit(1)
	}

	kp, err := loadOrGenerateKeypair(log, *wif, netCfg.TestnetAddr)
	if err != nil {
		log.Error("failed to load keypair", "error", err)
		os.Exit(1)
	}
	log.Info("node identity", "address", string(kp.Address), "network", netCfg.Moniker)

	if *metricsEnable {
		go serveMetrics(log, *metricsAddr)
	}

	svc, err := node.NewService(node.Config{
		Logger:     log,
		Keypair:    kp,
		Relays:     netCfg.Relays,
		ExpireTime: netCfg.ExpireTime,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		log.Error("failed to construct service", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Connect(ctx); err != nil {
		log.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	log.Info("signalnode running", "relays", len(netCfg.Relays))
	<-ctx.Done()

	log.Info("shutting down")
	if err := svc.Disconnect(); err != nil {
		log.Error("error during shutdown", "error", err)
	}
}

func loadOrGenerateKeypair(log *slog.Logger, wif string, testnet bool) (*keypair.Keypair, error) {
	if wif != "" {
		return keypair.FromWIF(wif, testnet)
	}
	kp, err := keypair.Generate(testnet)
	if err != nil {
		return nil, err
	}
	log.Warn("no -wif given, generated an ephemeral keypair", "wif", kp.WIF())
	return kp, nil
}

func serveMetrics(log *slog.Logger, addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start prometheus metrics listener", "error", err)
		return
	}
	log.Info("prometheus metrics listening", "address", ln.Addr().String())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.Serve(ln, mux); err != nil {
		log.Error("prometheus metrics server stopped", "error", err)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
