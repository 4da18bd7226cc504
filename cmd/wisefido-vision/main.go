package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wisefido-vision/internal/config"
	"wisefido-vision/internal/logger"
	"wisefido-vision/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置（环境变量 + 拓扑文件）
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-vision")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建服务
	visionService, err := service.NewVisionService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create vision service",
			zap.Error(err),
		)
	}
	defer visionService.Stop()

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 启动服务
	if err := visionService.Start(ctx); err != nil {
		log.Fatal("Failed to start vision service",
			zap.Error(err),
		)
	}

	// 6. 等待信号：SIGINT/SIGTERM 优雅关闭，SIGHUP 重载拓扑
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			log.Info("Received SIGHUP, reloading topology")
			if err := visionService.Reload(); err != nil {
				log.Error("Topology reload failed, keeping previous topology",
					zap.Error(err),
				)
			}
			continue
		}

		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
		break
	}

	log.Info("Vision service stopped")
}
