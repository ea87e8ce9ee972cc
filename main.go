package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dapr/go-sdk/service/common"
	daprd "github.com/dapr/go-sdk/service/http"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"dq-validation-service/api"
	"dq-validation-service/api/controllers"
	_ "dq-validation-service/docs"
	"dq-validation-service/logger"
	"dq-validation-service/service"
	"dq-validation-service/service/config"
)

// @title 数据质量校验编排服务 API
// @version 1.0
// @description 数据质量校验工作流：规则审批、评估作业调度、结果评分与质量告警
// @BasePath /
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	logger.InitLogger(cfg.LogLevel)

	svc, err := service.InitServices(cfg, nil)
	if err != nil {
		log.Fatalf("服务初始化失败: %v", err)
	}
	defer svc.Close()

	mux := chi.NewRouter()

	// 如果有BASE_CONTEXT，则在该路径下挂载所有路由
	if base := cfg.Server.BaseContext; base != "" {
		mux.Route(base, func(r chi.Router) {
			api.InitRoute(r, svc)
			r.Handle("/metrics", promhttp.Handler())
			r.Handle("/swagger*", httpSwagger.WrapHandler)
		})
	} else {
		api.InitRoute(mux, svc)
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/swagger*", httpSwagger.WrapHandler)
	}

	s := daprd.NewServiceWithMux(":"+strconv.Itoa(cfg.Server.Port), mux)

	// 审批决定也可经 dapr pubsub 投递
	approvalController := controllers.NewApprovalController(svc.Broker)
	sub := &common.Subscription{
		PubsubName: cfg.Messaging.PubsubName,
		Topic:      cfg.Messaging.ApprovalDecisionTopic,
		Route:      "/dapr/approval-decisions",
	}
	if err := s.AddTopicEventHandler(sub, approvalController.HandleDecisionEvent); err != nil {
		log.Fatalf("注册审批决定订阅失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("启动后台任务失败: %v", err)
	}

	go func() {
		<-ctx.Done()
		slog.Info("收到退出信号，开始停止服务")
		if err := s.GracefulStop(); err != nil {
			slog.Error("停止HTTP服务失败", "error", err)
		}
	}()

	slog.Info("服务启动", "port", cfg.Server.Port, "base_context", cfg.Server.BaseContext)
	if err := s.Start(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("error: %v", err)
	}
}
