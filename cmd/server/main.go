package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/astromechza/diagram-sync/pkg/config"
	"github.com/astromechza/diagram-sync/pkg/relay"
	"github.com/astromechza/diagram-sync/pkg/store"
	"github.com/astromechza/diagram-sync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "path to a yaml config file")
	addrVar := flag.String("addr", "", "the address to listen on, overrides the config")
	dbVar := flag.String("db", "", "the sqlite database path, overrides the config")
	renderVar := flag.Bool("render", true, "render every diagram to svg on shutdown")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	if *addrVar != "" {
		cfg.Server.Addr = *addrVar
	}
	if *dbVar != "" {
		cfg.Server.DatabasePath = *dbVar
	}

	slog.Info("Opening database", "path", cfg.Server.DatabasePath)
	st, err := store.Open(cfg.Server.DatabasePath, slog.Default())
	if err != nil {
		return err
	}
	defer st.Close()

	backup := store.NewWriteBehind(st, cfg.Server.BackupInterval)
	if cfg.Server.JWTSecret == "" {
		slog.Warn("no jwt secret configured, credentials are trusted as user ids")
	}
	s := relay.NewServer(relay.Options{
		IdleTimeout:   cfg.Server.IdleTimeout,
		Authenticator: relay.NewAuthenticator(cfg.Server.JWTSecret),
		Store:         st,
		Backup:        backup,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		backup.Run(ctx)
	}()

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: s.Handler()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	_ = httpServer.Close()
	s.Close()
	cancel()

	wg.Wait()

	if *renderVar {
		for id, g := range s.Snapshots() {
			if svgPath, err := viz.RenderToTemp(g); err != nil {
				slog.Error("failed to render", "diagram", id, "err", err)
			} else {
				slog.Info("rendered", "diagram", id, "path", "file://"+svgPath)
			}
		}
	}
	return nil
}
