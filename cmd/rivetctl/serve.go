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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/rivet-dev/rivet-sub006/internal/actor"
	"github.com/rivet-dev/rivet-sub006/internal/alarm"
	"github.com/rivet-dev/rivet-sub006/internal/rlog"
)

var log = rlog.Named("rivetctl")

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "run the HTTP/WebSocket gateway and alarm sweeper",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "addr", Value: ":8080", Usage: "listen address for the HTTP/WebSocket gateway"},
	},
	Action: runServe,
}

func runServe(c *cli.Context) error {
	rt, err := openRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := alarm.NewSweeper(rt.cfg.DataDir, rt.cfg.AlarmSweepInterval, func(ctx context.Context, hostID string) error {
		inst, err := rt.loader.Load(ctx, hostID)
		if err != nil {
			return err
		}
		a, ok := inst.(*actor.Actor)
		if !ok {
			return fmt.Errorf("rivetctl: loaded instance for %q is not an *actor.Actor", hostID)
		}
		return a.FireAlarm(ctx)
	})
	go sweeper.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", rt.manager.OpenWebSocket)
	mux.HandleFunc("/actors/", func(w http.ResponseWriter, r *http.Request) {
		// Path shape: /actors/{actorId}/actions/{action}, matching the
		// fetch(request) RPC spec.md §6 fixes for proxied actor HTTP.
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/actors/"), "/")
		if len(parts) != 3 || parts[1] != "actions" {
			http.NotFound(w, r)
			return
		}
		rt.manager.ProxyRequest(w, r, parts[0], parts[2])
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := c.String("addr")
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	log.Info("serving", zap.String("addr", addr), zap.String("data_dir", rt.cfg.DataDir))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-sigCh:
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	}
}
