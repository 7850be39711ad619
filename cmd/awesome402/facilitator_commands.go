package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	x402 "github.com/vitwit/awesome402"
	"github.com/vitwit/awesome402/clients"
	"github.com/vitwit/awesome402/config"
	"github.com/vitwit/awesome402/events"
	"github.com/vitwit/awesome402/facilitator"
	"github.com/vitwit/awesome402/ledger"
	"github.com/vitwit/awesome402/logger"
	"github.com/vitwit/awesome402/metrics"
	"github.com/vitwit/awesome402/scheme"
	"github.com/vitwit/awesome402/scheme/evm"
	"github.com/vitwit/awesome402/scheme/svm"
	"github.com/vitwit/awesome402/types"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the facilitator HTTP server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the JSON configuration file",
				EnvVars: []string{"AWESOME402_CONFIG"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}

			zl, err := logger.NewZapLogger(cfg.LogLevel, cfg.Development)
			if err != nil {
				return err
			}
			defer zl.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, zl)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	var rec metrics.Recorder = metrics.NoopRecorder{}
	srvOpts := []facilitator.ServerOption{facilitator.WithServerLogger(log)}
	if cfg.MaxBodyBytes > 0 {
		srvOpts = append(srvOpts, facilitator.WithMaxBodyBytes(cfg.MaxBodyBytes))
	}
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rec = metrics.NewPrometheusRecorder(reg)
		srvOpts = append(srvOpts, facilitator.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	fac, err := buildFacilitator(ctx, cfg, log, rec)
	if err != nil {
		return err
	}
	defer fac.Close()

	srv, err := facilitator.NewServer(fac, srvOpts...)
	if err != nil {
		return err
	}

	log.Info("facilitator listening", map[string]any{
		"addr":    cfg.Addr(),
		"schemes": fac.GetVersion()["schemes"],
	})
	return srv.ListenAndServe(ctx, cfg.Addr())
}

// buildFacilitator dials every configured chain and registers a v1 and/or
// v2 exact handler per network. Resources it opens are released by the
// returned facilitator's Close.
func buildFacilitator(ctx context.Context, cfg *config.Config, log logger.Logger, rec metrics.Recorder) (fac *x402.X402, err error) {
	endpoints := make(map[types.Network]string)
	for _, ch := range cfg.Chains {
		n, err := ch.ParsedNetwork()
		if err != nil {
			return nil, err
		}
		if ch.RPCURL != "" {
			endpoints[n] = ch.RPCURL
		}
	}
	pool := clients.NewPool(endpoints)
	closers := []io.Closer{pool}
	var pub events.Publisher = events.NoopPublisher{}
	defer func() {
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			_ = pub.Close()
		}
	}()

	opts := []x402.Option{
		x402.WithLogger(log),
		x402.WithMetrics(rec),
		x402.WithTimeout(cfg.VerifyTimeout.Std()),
		x402.WithSettleTimeout(cfg.SettleTimeout.Std()),
	}

	var store ledger.Store = ledger.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		pg, err := ledger.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		closers = append(closers, pg)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		store = pg
	}
	guard := ledger.NewGuard(store)

	if cfg.NATSURL != "" {
		js, err := events.NewJetStreamPublisher(ctx, cfg.NATSURL, log)
		if err != nil {
			return nil, err
		}
		pub = js
		opts = append(opts, x402.WithPublisher(js))
	}

	var handlers []scheme.Facilitator
	for _, ch := range cfg.Chains {
		n, _ := ch.ParsedNetwork()
		chainLog := log.With(map[string]any{"network": n.String()})

		switch {
		case n.IsEVM():
			key, err := crypto.HexToECDSA(strings.TrimPrefix(ch.SignerKey, "0x"))
			if err != nil {
				return nil, types.ErrConfig.WithMessage("signer key for %s: %v", n, err)
			}
			backend, err := pool.Ethereum(ctx, n)
			if err != nil {
				return nil, err
			}
			chain := evm.NewEthChain(backend, n.ChainID(), key)
			for _, v := range ch.ProtocolVersions() {
				handlers = append(handlers, evm.NewExactFacilitator(n, v, chain,
					evm.WithGuard(guard), evm.WithLogger(chainLog)))
			}
			chainLog.Info("evm chain enabled", map[string]any{"address": chain.Address().Hex()})

		case n.IsSolana():
			key, err := solana.PrivateKeyFromBase58(ch.SignerKey)
			if err != nil {
				return nil, types.ErrConfig.WithMessage("signer key for %s: %v", n, err)
			}
			rpcClient, err := pool.Solana(n)
			if err != nil {
				return nil, err
			}
			for _, v := range ch.ProtocolVersions() {
				handlers = append(handlers, svm.NewExactFacilitator(n, v, rpcClient, key,
					svm.WithGuard(guard), svm.WithLogger(chainLog)))
			}
			chainLog.Info("solana chain enabled", map[string]any{"feePayer": key.PublicKey().String()})
		}
	}

	registry, err := scheme.NewRegistry(handlers...)
	if err != nil {
		return nil, err
	}
	for _, c := range closers {
		opts = append(opts, x402.WithCloser(c))
	}
	return x402.New(registry, opts...)
}

func supportedCommand() *cli.Command {
	return &cli.Command{
		Name:  "supported",
		Usage: "Print the payment kinds a remote facilitator supports",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Aliases: []string{"u"},
				Value:   "http://localhost:8402",
				Usage:   "Facilitator base URL",
				EnvVars: []string{"AWESOME402_FACILITATOR_URL"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token sent to the facilitator",
				EnvVars: []string{"AWESOME402_FACILITATOR_TOKEN"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 10 * time.Second,
				Usage: "Request timeout",
			},
		},
		Action: func(c *cli.Context) error {
			opts := []facilitator.ClientOption{facilitator.WithTimeouts(c.Duration("timeout"), c.Duration("timeout"))}
			if token := c.String("token"); token != "" {
				opts = append(opts, facilitator.WithBearerToken(token))
			}
			fc, err := facilitator.NewClient(c.String("url"), opts...)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			supported, err := fc.Supported(ctx)
			if err != nil {
				return fmt.Errorf("failed to query facilitator: %w", err)
			}

			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(supported)
		},
	}
}
