package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/tunnelnet/internal/obs"
	"github.com/matst80/tunnelnet/internal/relay"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if err := run(); err != nil {
		obs.Error("relay.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run() error {
	rc, err := cfg.relayConfig()
	if err != nil {
		return err
	}
	dir, err := relay.NewDirectory(relay.DirectoryOptions{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
	})
	if err != nil {
		return err
	}
	defer dir.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := registerStatic(ctx, dir, cfg.Services); err != nil {
		return err
	}

	srv := relay.New(rc, dir)
	if err := srv.Listen(); err != nil {
		return err
	}
	obs.Info("relay.start", obs.Fields{
		"instance": srv.Instance(),
		"gateway":  srv.GatewayAddr(),
		"proxy":    srv.ProxyAddr(),
		"lobby":    srv.LobbyAddr(),
		"manager":  srv.ManagerAddr(),
		"metrics":  cfg.MetricsAddr,
		"tls":      rc.TLS != nil,
	})
	err = srv.Run(ctx)
	obs.Info("relay.shutdown.complete", obs.Fields{})
	return err
}

func registerStatic(ctx context.Context, dir relay.Directory, services serviceFlag) error {
	for name, addr := range services {
		if err := dir.Register(ctx, relay.Entry{Name: name, Address: addr, Static: true}); err != nil {
			return err
		}
		obs.Info("relay.service.static", obs.Fields{"name": name, "address": addr})
	}
	return nil
}
