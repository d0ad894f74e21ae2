// Demo driver: an echo server (default) or a chatty test client (-client).
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gamenet/config"
	"gamenet/pkg/logger"
	"gamenet/pkg/metrics"
	"gamenet/source/client"
	"gamenet/source/protocol"
	"gamenet/source/server"
)

func main() {
	confPath := flag.String("config", "", "path to setting.json")
	clientMode := flag.Bool("client", false, "run as a test client")
	target := flag.String("connect", "127.0.0.1:7777", "server address for client mode")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Path)
	defer log.Sync()

	netCfg := protocol.DefaultConfig()
	netCfg.ProtocolID = cfg.Server.ProtocolID
	netCfg.MaxClients = cfg.Server.MaxClients
	netCfg.SendRate = cfg.Server.SendRate
	if cfg.Server.RateLimitPerSecond > 0 {
		netCfg.RateLimitPerSecond = cfg.Server.RateLimitPerSecond
	}
	netCfg.Logger = log

	if *clientMode {
		runClient(*target, netCfg, log)
		return
	}
	runServer(cfg, netCfg, log)
}

func runServer(cfg *config.Setting, netCfg protocol.NetworkConfig, log *zap.Logger) {
	srv, err := server.Bind(cfg.Server.Listen, netCfg)
	if err != nil {
		log.Fatal("failed to start server", zap.Error(err))
	}
	log.Info("server listening",
		zap.String("addr", srv.LocalAddr().String()),
		zap.Int("max_clients", cfg.Server.MaxClients))

	if cfg.Server.MetricsListen != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.NewConnectionCollector("gamenet", srv))
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.Server.MetricsListen, nil); err != nil {
				log.Warn("metrics endpoint failed", zap.Error(err))
			}
		}()
		log.Info("metrics endpoint up", zap.String("addr", cfg.Server.MetricsListen))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / float64(netCfg.SendRate)))
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			log.Info("shutting down", zap.String("signal", sig.String()))
			srv.Shutdown()
			return
		case <-ticker.C:
			for _, ev := range srv.Update() {
				switch ev.Type {
				case server.EventClientConnected:
					log.Info("client connected", zap.String("addr", ev.Addr.String()))
				case server.EventClientDisconnected:
					log.Info("client disconnected",
						zap.String("addr", ev.Addr.String()),
						zap.String("reason", ev.Reason.String()))
				case server.EventMessage:
					// Echo everything back on the channel it came in on.
					if err := srv.Send(ev.Addr, ev.Channel, ev.Data); err != nil {
						log.Warn("echo failed", zap.Error(err))
					}
				}
			}
		}
	}
}

func runClient(target string, netCfg protocol.NetworkConfig, log *zap.Logger) {
	cl, err := client.Connect(target, netCfg)
	if err != nil {
		log.Fatal("failed to connect", zap.Error(err))
	}
	defer cl.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / float64(netCfg.SendRate)))
	defer ticker.Stop()

	seq := 0
	lastSend := time.Now()

	for {
		select {
		case <-sigChan:
			cl.Disconnect()
			for i := 0; i < 10 && cl.State() != protocol.StateDisconnected; i++ {
				cl.Update()
				time.Sleep(50 * time.Millisecond)
			}
			return
		case <-ticker.C:
			for _, ev := range cl.Update() {
				switch ev.Type {
				case client.EventConnected:
					log.Info("connected", zap.String("server", target))
				case client.EventDisconnected:
					log.Info("disconnected", zap.String("reason", ev.Reason.String()))
					return
				case client.EventMessage:
					log.Info("echo received",
						zap.Uint8("channel", ev.Channel),
						zap.ByteString("data", ev.Data))
				}
			}
			if cl.IsConnected() && time.Since(lastSend) >= time.Second {
				lastSend = time.Now()
				seq++
				msg := fmt.Sprintf("ping %d", seq)
				if err := cl.Send(0, []byte(msg)); err != nil {
					log.Warn("send failed", zap.Error(err))
				}
			}
		}
	}
}
