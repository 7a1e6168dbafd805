// Package main CAN总线安全仿真入口
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/bwu32/canbus/internal/canbus/engine"
	"github.com/bwu32/canbus/internal/config"
	"github.com/bwu32/canbus/internal/metrics"
	simgrpc "github.com/bwu32/canbus/internal/server/grpc"
	"github.com/bwu32/canbus/internal/server/rest"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	// 命令行参数
	var (
		configPath = flag.String("config", "", "YAML config file")
		httpPort   = flag.Int("http-port", 0, "HTTP API port (overrides config)")
		grpcPort   = flag.Int("grpc-port", 0, "gRPC port (overrides config)")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVer    = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("cansim %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// 设置日志级别
	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}
	if *httpPort != 0 {
		cfg.Server.HTTPPort = *httpPort
	}
	if *grpcPort != 0 {
		cfg.Server.GRPCPort = *grpcPort
	}

	log.WithFields(log.Fields{
		"version":    version,
		"http_port":  cfg.Server.HTTPPort,
		"grpc_port":  cfg.Server.GRPCPort,
		"bitrate":    cfg.Bus.Bitrate,
		"rate_limit": cfg.Security.RateLimitThreshold,
	}).Info("Starting CAN bus simulator")

	// 初始化仿真引擎
	eng, err := engine.NewEngine(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to create engine")
	}
	if err := eng.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start engine")
	}

	// 启动gRPC服务器
	grpcServer := simgrpc.NewServer(cfg.Server.GRPCPort, eng, cfg.Server.PushInterval.Duration)
	if err := grpcServer.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start gRPC server")
	}

	// 初始化REST路由
	router := rest.NewRouter(eng, metrics.NewRegistry(eng), cfg.Server.CommandRPS, cfg.Server.CommandBurst)

	// 启动HTTP服务器
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: router,
	}

	go func() {
		log.WithField("port", cfg.Server.HTTPPort).Info("HTTP server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server error")
		}
	}()

	// 等待退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")

	// 停止服务
	grpcServer.Stop()
	httpServer.Close()
	if err := eng.Stop(); err != nil {
		log.WithError(err).Warn("Engine stopped with error")
	}

	log.Info("Simulator stopped")
}
