package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"crypto-exec-engine/internal/api"
	"crypto-exec-engine/internal/engine"
	"crypto-exec-engine/internal/metrics"
	"crypto-exec-engine/internal/oms"
	"crypto-exec-engine/internal/rms"
	"crypto-exec-engine/internal/service"
	"crypto-exec-engine/internal/strategy"
	"crypto-exec-engine/internal/warehouse"

	"go.uber.org/zap"
)

func main() {
	service.InitLogger()
	defer service.Logger.Sync()

	configPath := "config"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		service.Logger.Fatal("Configuration directory 'config/' not found. Please create it.")
	}
	cfg := service.LoadConfig(configPath)

	// 1. 指标服务 (配置了地址才启动)
	if cfg.Metrics.Addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			service.Logger.Info("metrics server listening", zap.String("Addr", cfg.Metrics.Addr))
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				service.Logger.Error("metrics server exited", zap.Error(err))
			}
		}()
	}

	// 2. 进程级共享组件: REST 连接器 / 行情源 / K 线仓库
	connector := api.NewOkxConnector(cfg.Exchange, service.Logger)

	feed := api.NewOkxPriceFeed(cfg.Exchange.WSURL, service.Logger)
	feed.Start()

	db, err := warehouse.Open(cfg.Database.DSN)
	if err != nil {
		service.Logger.Fatal("failed to open kline warehouse", zap.Error(err))
	}
	store := warehouse.NewStore(db, connector, service.Logger)

	// 3. 为每个交易实例组装一条隔离的执行流水线
	var controllers []*engine.Controller
	for instanceName, instanceCfg := range cfg.Instances {
		service.Logger.Info(fmt.Sprintf("Instance: %s, Symbol: %s", instanceName, instanceCfg.Symbol))

		instanceLogger := service.Logger.With(zap.String("Instance", instanceName))

		// K 线聚合: 消费旁路行情，保证 Monitoring 期间仓库持续更新
		aggregator, err := warehouse.NewAggregator(store, instanceCfg.Symbol, instanceCfg.Intervals, instanceLogger)
		if err != nil {
			service.Logger.Fatal("invalid intervals in instance config",
				zap.String("Instance", instanceName), zap.Error(err))
		}
		go aggregator.Run(feed.Tap(instanceCfg.Symbol))

		source := strategy.NewMACDTrend(instanceCfg.Symbol, instanceCfg.Strategy)
		orders := oms.NewOrderManager(connector, instanceCfg.OMS, instanceLogger)
		risk := rms.NewRiskManager(instanceCfg.Risk)

		ctrl := engine.NewController(instanceCfg, source, store, feed, orders, risk, instanceLogger)
		if err := ctrl.Start(); err != nil {
			service.Logger.Fatal("failed to start engine session",
				zap.String("Instance", instanceName), zap.Error(err))
		}
		controllers = append(controllers, ctrl)
	}

	// 4. 等待退出信号，按序优雅停机 (持仓会被强制平掉)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	service.Logger.Info("shutdown signal received, stopping engine sessions...")
	for _, ctrl := range controllers {
		ctrl.Stop()
	}
	feed.Stop()
	service.Logger.Info("all engine sessions stopped")
}
