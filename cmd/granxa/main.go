package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/granxa/sensor-storage/config"
	"github.com/granxa/sensor-storage/ingest"
	"github.com/granxa/sensor-storage/query"
	"github.com/granxa/sensor-storage/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "granxa",
		Short:        "Store sensor readings sent over TCP and serve the latest one",
		SilenceUsage: true,
	}

	root.AddCommand(
		newModeCmd("ingest", "Accept readings from devices and store them", true, false),
		newModeCmd("query", "Serve the latest reading per sensor type over HTTP", false, true),
		newModeCmd("serve", "Run ingest and query in one process", true, true),
	)

	return root
}

func newModeCmd(name, short string, withIngest, withQuery bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [config.yml]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) > 0 {
				path = args[0]
			}

			c, err := config.Load(path)
			if err != nil {
				return err
			}

			return run(cmd.Context(), c, withIngest, withQuery)
		},
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}

func run(ctx context.Context, c config.Config, withIngest, withQuery bool) error {
	logger, err := newLogger(c.Env)
	if err != nil {
		log.Fatalf("error: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := store.Open(ctx, c.Store, sugar)
	if err != nil {
		sugar.Fatalf("granxa: %s", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.Close(closeCtx); err != nil {
			sugar.Warnf("granxa: %s", err)
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	var listener *ingest.Listener
	if withIngest {
		metrics := ingest.NewMetrics(reg)
		ingestor := ingest.NewIngestor(s, metrics, sugar)

		listener = ingest.NewListener(c.Listener, ingestor, metrics, sugar)
		if err := listener.Listen(); err != nil {
			sugar.Fatalf("granxa: %s", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- listener.Serve()
		}()

		if c.AMQP.Enabled() {
			consumer := ingest.NewConsumer(ingest.NewSubscriber(c.AMQP, c.Topics, sugar), ingestor, sugar)

			// A broker outage does not stop the TCP path.
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := consumer.Run(ctx); err != nil {
					sugar.Errorf("granxa: %s", err)
				}
			}()
		}
	}

	var server *query.Server
	if withQuery {
		server = query.NewServer(c.Query, query.NewService(s, sugar), reg, sugar)

		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- server.ListenAndServe()
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		if runErr != nil {
			sugar.Errorf("granxa: %s", runErr)
		}
	}
	stop()

	sugar.Info("granxa: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if listener != nil {
		if err := listener.Shutdown(shutdownCtx); err != nil {
			sugar.Warnf("granxa: %s", err)
		}
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			sugar.Warnf("granxa: %s", err)
		}
	}

	wg.Wait()
	sugar.Info("granxa: shutdown OK")

	if runErr != nil {
		return fmt.Errorf("granxa: %w", runErr)
	}

	return nil
}
