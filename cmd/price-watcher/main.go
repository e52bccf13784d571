package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/spotcycle/internal/events"
	"github.com/betbot/spotcycle/internal/health"
	"github.com/betbot/spotcycle/internal/infrastructure/websocket"
	"github.com/betbot/spotcycle/pkg/config"
)

// price-watcher 只连公共成交流，打印价格变化。用于上线前检查行情地址、代理与断线重连。
func main() {
	configPath := flag.String("config", "yml/config.yaml", "配置文件路径")
	pairFlag := flag.String("pair", "", "交易对，覆盖配置文件")
	flag.Parse()

	path := *configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	pair := cfg.Trading.Pair
	if *pairFlag != "" {
		pair = strings.ToUpper(*pairFlag)
	}
	if pair == "" || cfg.Venue.WSPublicURL == "" {
		log.Fatalf("需要交易对与 venue.ws_public_url")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("🚀 WebSocket 价格监控程序\n")
	fmt.Printf("交易对: %s\n", pair)
	fmt.Printf("地址:   %s\n", cfg.Venue.WSPublicURL)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

	h := &priceChangeHandler{}
	client := websocket.NewClient(websocket.Options{
		Name:     "market",
		URL:      cfg.Venue.WSPublicURL,
		MinDelay: cfg.Health.ReconnectMinDelay,
		MaxDelay: cfg.Health.ReconnectMaxDelay,
	}, websocket.NewMarketFeed(pair, h))
	monitor := health.NewMonitor(cfg.Health.PollInterval, client)

	go monitor.Run(ctx)
	go client.Run(ctx)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\n收到退出信号，共 %d 个会话，%d 笔成交\n", client.Sessions(), h.count())
			return
		case <-ticker.C:
			age := monitor.Ages()[client.Name()]
			fmt.Printf("📊 会话=%d 成交=%d 最近帧=%s 最新价=%s\n", client.Sessions(), h.count(), age.Truncate(time.Millisecond), h.lastPrice())
		}
	}
}

// priceChangeHandler 只在价格变化时打印
type priceChangeHandler struct {
	mu    sync.Mutex
	last  decimal.Decimal
	ticks int
}

func (p *priceChangeHandler) OnPriceTick(_ context.Context, t events.PriceTick) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks++
	if t.Price.Equal(p.last) {
		return nil
	}
	arrow := "⬆️"
	if t.Price.LessThan(p.last) {
		arrow = "⬇️"
	}
	if p.last.IsZero() {
		arrow = "•"
	}
	fmt.Printf("[%s] %s %s %s\n", t.Time.Format("15:04:05.000"), t.Pair, arrow, t.Price)
	p.last = t.Price
	return nil
}

func (p *priceChangeHandler) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}

func (p *priceChangeHandler) lastPrice() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
