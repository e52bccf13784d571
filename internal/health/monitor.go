package health

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "health")

// Feed 一条被监控的流式连接
type Feed interface {
	Name() string
	Connected() bool
	LastSeen() time.Time
	Ping() error
	Reconnect()
}

// Monitor 连接健康检查：每个周期内，超过两个周期没有任何帧的连接被强制重连，
// 其余连接发送一次 ping。账户流重连后的对账由连接自身的就绪闸门完成。
type Monitor struct {
	interval time.Duration
	feeds    []Feed
	now      func() time.Time
}

// NewMonitor 创建监控器
func NewMonitor(interval time.Duration, feeds ...Feed) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{interval: interval, feeds: feeds, now: time.Now}
}

// Run 周期检查，直到 ctx 取消
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	log.Infof("💓 健康检查启动: interval=%s feeds=%d", m.interval, len(m.feeds))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check 执行一轮检查
func (m *Monitor) Check() {
	now := m.now()
	for _, p := range m.feeds {
		if !p.Connected() {
			// 连接中或对账中，由重连循环负责
			continue
		}
		silence := now.Sub(p.LastSeen())
		if silence > 2*m.interval {
			log.Warnf("⚠️ %s 已 %s 没有任何消息，强制重连", p.Name(), silence.Truncate(time.Millisecond))
			p.Reconnect()
			continue
		}
		if err := p.Ping(); err != nil {
			log.WithError(err).Warnf("%s ping 失败，强制重连", p.Name())
			p.Reconnect()
		}
	}
}

// Ages 各连接距最近一帧的时长（未连接的为 -1）
func (m *Monitor) Ages() map[string]time.Duration {
	now := m.now()
	out := make(map[string]time.Duration, len(m.feeds))
	for _, p := range m.feeds {
		if !p.Connected() {
			out[p.Name()] = -1
			continue
		}
		out[p.Name()] = now.Sub(p.LastSeen())
	}
	return out
}
