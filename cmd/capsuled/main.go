// capsuled is the DataCapsule storage server daemon.
//
// It loads a PEM signing key and a JSON transport map, opens the local
// store, and serves capsule sessions until interrupted. A prometheus
// endpoint is exposed when metrics-listen is set.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/p2p"
	"github.com/datacapsule/go-capsulelog/server"
	"github.com/datacapsule/go-capsulelog/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "capsuled",
		Short:         "DataCapsule storage server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "optional config file (yaml)")
	flags.String("mode", "merkle", "storage discipline: merkle or dag")
	flags.String("db", "capsule-db", "store directory")
	flags.String("key", "server_private.pem", "server signing key (PEM)")
	flags.String("net-config", "net_config.json", "transport peer map (JSON)")
	flags.String("metrics-listen", "", "prometheus listen address, empty to disable")
	flags.Int("sig-avoid", 0, "extra proof nodes traded for skipped signatures")
	flags.String("log-level", "info", "log level")

	cobra.CheckErr(v.BindPFlags(flags))
	v.SetEnvPrefix("CAPSULED")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

func run(v *viper.Viper) error {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}
	log := newLogger(v.GetString("log-level"))

	var mode server.Mode
	switch v.GetString("mode") {
	case "merkle":
		mode = server.ModeMerkle
	case "dag":
		mode = server.ModeDag
	default:
		return fmt.Errorf("unknown mode %q", v.GetString("mode"))
	}

	keyPEM, err := os.ReadFile(v.GetString("key"))
	if err != nil {
		return fmt.Errorf("read signing key: %w", err)
	}
	key, err := capsule.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return err
	}

	netCfg, err := p2p.LoadConfig(v.GetString("net-config"))
	if err != nil {
		return err
	}

	db, err := storage.Open(v.GetString("db"), log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if addr := v.GetString("metrics-listen"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	comm, err := p2p.Listen(netCfg, log)
	if err != nil {
		return err
	}

	srv := server.New(netCfg.Name, mode, db, key, server.Options{
		SigAvoid: v.GetInt("sig-avoid"),
	}, log, reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("mode", mode.String()).Str("addr", comm.Addr().String()).Msg("capsuled up")
	return srv.Run(ctx, comm)
}
