// Command interledgerd runs a single interledger engine instance, wiring a
// SQLite-backed Initiator to the in-process Responder and, optionally,
// guarding the run with an etcd mutual-exclusion lock so two instances
// covering the same ledger pair are never started concurrently.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/22388o/Interledger/interledger"
	"github.com/22388o/Interledger/ledger/memadapter"
	"github.com/22388o/Interledger/ledger/sqliteinitiator"
	"github.com/22388o/Interledger/runlock"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const iniFilename = "interledgerd.ini"

// config is the top-level configuration object of the interledgerd daemon.
var config = new(struct {
	Log struct {
		Level string `long:"level" env:"LEVEL" default:"info" description:"logging level"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`

	Pair struct {
		Name string `long:"name" env:"NAME" default:"default" description:"label applied to this pair's metrics"`
	} `group:"Pair" namespace:"pair" env-namespace:"PAIR"`

	SQLite struct {
		Path string `long:"path" env:"PATH" default:"interledger.db" description:"path to the source-side SQLite database"`
	} `group:"SQLite Initiator" namespace:"sqlite" env-namespace:"SQLITE"`

	Etcd struct {
		Endpoints []string `long:"endpoint" env:"ENDPOINTS" env-delim:"," description:"etcd endpoints; when empty, no run lock is taken"`
	} `group:"Run Lock" namespace:"etcd" env-namespace:"ETCD"`

	Metrics struct {
		Address string `long:"address" env:"ADDRESS" default:":9090" description:"address to serve /metrics on"`
	} `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	level, err := log.ParseLevel(config.Log.Level)
	if err != nil {
		return fmt.Errorf("parsing --log.level: %w", err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})

	log.WithFields(log.Fields{"config": config}).Info("interledgerd configuration")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: config.Metrics.Address, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server exited")
		}
	}()
	defer metricsServer.Close()

	engineOpts := []interledger.Option{
		interledger.WithLogger(interledger.NewLogrusLogger()),
		interledger.WithPairName(config.Pair.Name),
	}

	if len(config.Etcd.Endpoints) > 0 {
		etcd, err := clientv3.New(clientv3.Config{Endpoints: config.Etcd.Endpoints})
		if err != nil {
			return fmt.Errorf("dialing etcd: %w", err)
		}
		defer etcd.Close()

		lock := runlock.NewLocker(etcd, config.Pair.Name)
		defer lock.Release(context.Background())
		engineOpts = append(engineOpts, interledger.WithLocker(lock))
	}

	initiator, err := sqliteinitiator.Open(ctx, config.SQLite.Path)
	if err != nil {
		return fmt.Errorf("opening sqlite initiator: %w", err)
	}
	defer initiator.Close()

	responder := memadapter.NewResponder()

	engine, err := interledger.NewEngine(ctx, initiator, responder, engineOpts...)
	if err != nil {
		return fmt.Errorf("constructing engine: %w", err)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-signalCh
		log.WithField("signal", sig).Info("caught signal, stopping engine")
		engine.Stop()
		cancel()
	}()

	log.WithField("pair", config.Pair.Name).Info("starting interledgerd")
	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("engine run: %w", err)
	}

	log.Info("goodbye")
	return nil
}

func main() {
	parser := flags.NewParser(config, flags.Default)

	if _, err := parser.AddCommand("serve", "Serve as an interledger daemon", `
Serve a single interledger engine instance with the provided configuration,
until signaled to exit (via SIGTERM or SIGINT).
`, &cmdServe{}); err != nil {
		log.WithError(err).Fatal("adding serve command")
	}

	if f, err := os.Open(iniFilename); err == nil {
		defer f.Close()
		if err := flags.NewIniParser(parser).Parse(f); err != nil {
			log.WithError(err).Fatalf("parsing %s", iniFilename)
		}
	}

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
