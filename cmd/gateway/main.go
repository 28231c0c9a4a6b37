// Command gateway wires a configured set of UART-to-TCP ports, an optional
// administrative control port, and an HTTP admin API, following a
// flag-parse, construct, signal-wait, graceful-shutdown shape. Boot
// configuration arrives as a JSON document (internal/bootconfig), not
// flags or environment variables.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cybroslabs/serial-gateway/internal/bootconfig"
	"github.com/cybroslabs/serial-gateway/internal/controlport"
	"github.com/cybroslabs/serial-gateway/internal/httpapi"
	"github.com/cybroslabs/serial-gateway/internal/portconfig"
	"github.com/cybroslabs/serial-gateway/internal/registry"
	"github.com/cybroslabs/serial-gateway/internal/serial"
	"github.com/cybroslabs/serial-gateway/internal/store"
)

func main() {
	bootPath := flag.String("boot", "config.json", "path to the boot configuration document")
	statePath := flag.String("state", "gateway.kv", "path to the persisted port-state file")
	httpAddr := flag.String("http", ":8080", "HTTP admin API listen address")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := newLogger(*debug)
	defer logger.Sync()
	log := logger.Sugar()

	boot, err := bootconfig.Load(*bootPath)
	if err != nil {
		log.Fatalw("failed to load boot configuration", "path", *bootPath, "err", err)
	}

	kv, err := store.OpenFileKV(*statePath)
	if err != nil {
		log.Fatalw("failed to open state file", "path", *statePath, "err", err)
	}

	ports := boot.Ports
	if saved, ok := store.LoadPorts(kv); ok {
		log.Infow("restoring persisted port state", "count", len(saved))
		ports = make([]portconfig.PortConfig, 0, len(saved))
		for _, rec := range saved {
			ports = append(ports, store.FromRecord(rec))
		}
	}

	var reg *registry.Registry
	reg = registry.New(serial.Open, func(registry.Event) {
		store.SavePorts(kv, toRecords(reg.CopyPorts()))
	}, log)

	for _, cfg := range ports {
		if err := reg.AddPort(cfg); err != nil {
			log.Errorw("failed to add configured port", "tcp_port", cfg.TCPPort, "err", err)
		}
	}

	var cp *controlport.Server
	if boot.ControlPort != 0 {
		cp = controlport.New(reg, log)
		go func() {
			if err := cp.Serve(int(boot.ControlPort), boot.ControlBacklog); err != nil {
				log.Errorw("control port stopped", "err", err)
			}
		}()
		log.Infow("control port listening", "tcp_port", boot.ControlPort)
	}

	httpSrv := &http.Server{
		Addr:    *httpAddr,
		Handler: httpapi.New(reg, nil, nil, log).Mux(),
	}
	go func() {
		log.Infow("http admin API listening", "addr", *httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("http server stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received shutdown signal", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http server shutdown error", "err", err)
	}
	if cp != nil {
		cp.Close()
	}
	for _, cfg := range reg.CopyPorts() {
		if err := reg.RemovePort(cfg.TCPPort); err != nil {
			log.Warnw("error removing port during shutdown", "tcp_port", cfg.TCPPort, "err", err)
		}
	}
	log.Info("gateway stopped")
}

func newLogger(debug bool) *zap.Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func toRecords(cfgs []portconfig.PortConfig) []store.PortRecord {
	out := make([]store.PortRecord, len(cfgs))
	for i, c := range cfgs {
		out[i] = store.ToRecord(c)
	}
	return out
}
