package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"socksbalancer/balancer"
	"socksbalancer/config"
	"socksbalancer/logger"
	"socksbalancer/resolver"
	"socksbalancer/web"
)

func main() {
	configPath := "conf/config.json" // 默认配置文件

	// 检查命令行参数
	if len(os.Args) > 1 {
		if os.Args[1] == "--config" && len(os.Args) > 2 {
			configPath = os.Args[2]
		} else {
			configPath = os.Args[1]
		}
	}

	cfgManager := config.NewManager(configPath)
	if err := cfgManager.Load(); err != nil {
		logger.Error("Failed to load config file: %v", err)
		os.Exit(1)
	}
	cfg := cfgManager.GetConfig()
	logger.SetLevel(cfg.Logging.Level)

	res := resolver.NewResolver(&resolver.Config{
		Servers:         cfg.DNS.Servers,
		CacheSize:       cfg.DNS.CacheSize,
		CleanupInterval: time.Duration(cfg.DNS.CleanupIntervalSeconds) * time.Second,
	}, logger.WithPrefix("[Resolver]"))

	pool := balancer.NewUpstreamPool(cfg.Upstreams, balancer.SelectRule(cfg.Balancer.UpstreamSelectRule), logger.WithPrefix("[UpstreamPool]"))

	prober := balancer.NewProber(pool, res, balancer.ProberConfig{
		TcpCheckPeriod:     cfg.TcpCheckPeriod(),
		ConnectCheckPeriod: cfg.ConnectCheckPeriod(),
		MaxRandomDelay:     cfg.AdditionalCheckMaxRandomDelay(),
		TestRemoteHost:     cfg.Check.TestRemoteHost,
		TestRemotePort:     cfg.Check.TestRemotePort,
		TestRemoteHttpUrl:  cfg.Check.TestRemoteHttpUrl,
	}, logger.WithPrefix("[Prober]"))

	listenAddr := fmt.Sprintf("%s:%d", cfg.Listener.Host, cfg.Listener.Port)
	relayServer, err := balancer.NewRelayServer(listenAddr, pool, res, balancer.SessionConfig{
		ConnectTimeout: cfg.ConnectTimeout(),
		IdleTimeout:    cfg.RelayIdleTimeout(),
		RetryTimes:     cfg.Balancer.RetryTimes,
	}, logger.WithPrefix("[RelayServer]"))
	if err != nil {
		logger.Error("Failed to start relay server: %v", err)
		os.Exit(1)
	}

	monitor := web.NewMonitorServer(cfgManager, pool, relayServer, prober, logger.WithPrefix("[Monitor]"))
	if err := monitor.Start(); err != nil {
		logger.Error("Failed to start monitor server: %v", err)
		os.Exit(1)
	}

	prober.Start()

	// 启动中继服务器
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- relayServer.Start()
	}()

	// 设置信号处理
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal %v, shutting down...", sig)
	case err := <-serveDone:
		if err != nil {
			logger.Error("Relay server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := monitor.Stop(shutdownCtx); err != nil {
		logger.Warn("Monitor server shutdown: %v", err)
	}
	prober.Stop()
	relayServer.Stop()
	res.Stop()

	logger.Info("Shutdown complete")
}
