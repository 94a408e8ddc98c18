// Package main is the job dispatch core's entry point: load config, open
// stores, bind the broker, and run the router and producer loops until a
// termination signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	stdlog "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/plantd/jobbroker/internal/broker"
	"github.com/plantd/jobbroker/internal/config"
	applog "github.com/plantd/jobbroker/internal/log"
	"github.com/plantd/jobbroker/internal/object"
	"github.com/plantd/jobbroker/internal/queueitem"
	"github.com/plantd/jobbroker/internal/version"
	"github.com/plantd/jobbroker/internal/worker"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "jobbroker",
	Short: "Job dispatch core: worker-facing router and queue producer",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the broker until interrupted",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run(cfgFile)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version.Number)
	},
}

func init() {
	runCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		stdlog.Fatal(err)
	}
}

func run(configPath string) error {
	cfg, err := config.Watch(configPath, onConfigChange)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	applog.Initialize(cfg.Log)
	stdlog.WithFields(stdlog.Fields{"service": cfg.Service.ID, "port": cfg.Port}).Info("starting job dispatch core")

	queue, objects, registry, closeStores, err := openStores(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}
	defer closeStores()

	var metrics *broker.Metrics
	if cfg.Metrics.Enabled {
		metrics = broker.NewMetrics("jobbroker")
	}

	b := broker.NewBroker(cfg.Endpoint(), queue, objects, registry, metrics)
	b.PollerTimeoutMS = cfg.PollerTimeoutMS
	b.HeartbeatInterval = time.Duration(cfg.HeartbeatIntervalSec * float64(time.Second))
	b.HeartbeatLiveness = cfg.HeartbeatLiveness
	if err := b.Bind(); err != nil {
		return fmt.Errorf("failed to bind broker: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			stdlog.WithFields(stdlog.Fields{"error": err}).Warn("failed to close broker socket cleanly")
		}
	}()

	stop := make(chan struct{})
	done := make(chan struct{}, 2)

	go func() {
		b.Run(stop)
		done <- struct{}{}
	}()

	producer := broker.NewProducer(b)
	go func() {
		producer.Run(stop)
		done <- struct{}{}
	}()

	var metricsServer *http.Server
	if metrics != nil {
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: metrics.Handler()}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				stdlog.WithFields(stdlog.Fields{"error": err}).Error("metrics server stopped unexpectedly")
			}
		}()
	}

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)
	<-termChan

	stdlog.Info("shutdown signal received, stopping")
	close(stop)
	<-done
	<-done

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ThreadJoinDuration())
		defer cancel()
		_ = metricsServer.Shutdown(ctx)
	}

	stdlog.Info("job dispatch core exiting")
	return nil
}

// onConfigChange is invoked by config.Watch whenever the config file is
// rewritten on disk. Only the logging section is safe to apply without a
// restart — heartbeat timing, the poller interval, and the store backend
// are read once into the broker at startup and are not guarded against
// concurrent mutation from the watcher goroutine.
func onConfigChange(cfg *config.Config, err error) {
	if err != nil {
		stdlog.WithFields(stdlog.Fields{"error": err}).Warn("ignoring invalid reloaded config")
		return
	}
	applog.Initialize(cfg.Log)
	stdlog.Info("reloaded logging configuration from changed config file")
}

// openStores builds the Queue/Object/Worker store trio from cfg.Store,
// returning a close function that releases any Badger handles opened.
func openStores(cfg config.StoreConfig) (queueitem.Store, object.Store, worker.Registry, func(), error) {
	switch cfg.Backend {
	case "badger":
		q, err := queueitem.OpenBadgerStore(cfg.BadgerPath + "/queue")
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to open queue store: %w", err)
		}
		o, err := object.OpenBadgerStore(cfg.BadgerPath + "/objects")
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to open object store: %w", err)
		}
		r, err := worker.OpenBadgerRegistry(cfg.BadgerPath + "/workers")
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to open worker registry: %w", err)
		}
		closeFn := func() {
			if err := q.Close(); err != nil {
				stdlog.WithFields(stdlog.Fields{"error": err}).Warn("failed to close queue store")
			}
			if err := o.Close(); err != nil {
				stdlog.WithFields(stdlog.Fields{"error": err}).Warn("failed to close object store")
			}
			if err := r.Close(); err != nil {
				stdlog.WithFields(stdlog.Fields{"error": err}).Warn("failed to close worker registry")
			}
		}
		return q, o, r, closeFn, nil
	default:
		return queueitem.NewMemoryStore(), object.NewMemoryStore(), worker.NewMemoryRegistry(), func() {}, nil
	}
}
