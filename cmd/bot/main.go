package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/spotcycle/internal/app"
	"github.com/betbot/spotcycle/pkg/config"
	"github.com/betbot/spotcycle/pkg/logger"
	"github.com/betbot/spotcycle/pkg/secretstore"
)

const gracefulShutdownPeriod = 30 * time.Second

func firstExistingFile(paths ...string) (string, bool) {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// loadSecrets 配置/环境变量里没有凭据时，从加密 Badger 库读取
func loadSecrets(cfg *config.Config) error {
	if cfg.HasCredentials() || cfg.Secrets.DB == "" {
		return nil
	}
	key, err := secretstore.ParseKey(cfg.Secrets.Key)
	if err != nil {
		return fmt.Errorf("解析 SECRET_KEY 失败: %w", err)
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{Path: cfg.Secrets.DB, EncryptionKey: key, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("打开凭据库失败 %s: %w", cfg.Secrets.DB, err)
	}
	defer ss.Close()
	apiKey, apiSecret, err := ss.Credentials()
	if err != nil {
		return fmt.Errorf("读取凭据失败: %w", err)
	}
	if cfg.Venue.APIKey == "" {
		cfg.Venue.APIKey = apiKey
	}
	if cfg.Venue.APISecret == "" {
		cfg.Venue.APISecret = apiSecret
	}
	logrus.Infof("🔑 已从凭据库加载 API 凭据: %s", cfg.Secrets.DB)
	return nil
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（.yaml/.yml），默认 yml/config.yaml")
	pair := flag.String("pair", "", "交易对，覆盖配置文件")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	path := *configPath
	if path == "" {
		if p, ok := firstExistingFile("yml/config.yaml"); ok {
			path = p
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}
	if *pair != "" {
		cfg.Trading.Pair = strings.ToUpper(*pair)
	}
	if err := loadSecrets(cfg); err != nil {
		logrus.Fatalf("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("配置无效: %v", err)
	}

	cfg.Log.Pair = cfg.Trading.Pair
	if err := logger.Init(cfg.Log); err != nil {
		logrus.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logrus.Errorf("启动失败: %v", err)
		_ = logger.Close()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	startErr := make(chan error, 1)
	go func() { startErr <- a.Start(ctx) }()

	exitCode := 0
	select {
	case sig := <-sigCh:
		logrus.Infof("收到信号 %s，开始优雅退出", sig)
	case err := <-startErr:
		if err != nil {
			logrus.Errorf("启动对账失败: %v", err)
			exitCode = 1
		} else {
			sig := <-sigCh
			logrus.Infof("收到信号 %s，开始优雅退出", sig)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownPeriod)
	defer shutdownCancel()
	a.Shutdown(shutdownCtx)
	cancel()

	st := a.Status()
	logrus.Infof("👋 已退出: phase=%s sells=%d profit=%s", st.Phase, st.SellSlots, st.Profit)
	if exitCode != 0 {
		_ = logger.Close()
		os.Exit(exitCode)
	}
}
