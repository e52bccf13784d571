package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/spotcycle/internal/metrics"
)

// Session 一条流的协议部分：握手、就绪闸门、消息处理。连接管理由 Client 负责。
type Session interface {
	// Handshake 连接建立后、读循环开始前执行（认证/订阅）
	Handshake(ctx context.Context, conn *websocket.Conn) error
	// Ready 握手成功后调用；返回之前本会话的消息不会被读取。
	// since 为上一会话最后处理消息的时间（首个会话为零值）。
	Ready(ctx context.Context, since time.Time) error
	// Handle 处理一条消息。返回错误只记录日志，不断开连接。
	Handle(ctx context.Context, msg []byte) error
}

// Options 连接参数
type Options struct {
	Name             string
	URL              string
	MinDelay         time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration
	ProxyURL         string
}

// Client 自动重连的 WebSocket 客户端。重连无次数上限，退避在 MinDelay..MaxDelay 之间翻倍，
// 直到 ctx 取消。
type Client struct {
	opts    Options
	session Session
	log     *logrus.Entry
	dialer  websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	lastSeen      atomic.Int64 // unix nano，任意帧（含 pong）
	lastProcessed atomic.Int64 // unix nano，最后一条成功处理的消息
	readyAt       atomic.Int64 // unix nano，最近一次会话就绪时间
	connected     atomic.Bool
	sessions      atomic.Int64
}

// NewClient 创建客户端
func NewClient(opts Options, session Session) *Client {
	if opts.MinDelay <= 0 {
		opts.MinDelay = time.Second
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	c := &Client{
		opts:    opts,
		session: session,
		log:     logrus.WithField("component", "ws_"+opts.Name),
		dialer:  websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
	}
	c.dialer.Proxy = http.ProxyFromEnvironment
	if opts.ProxyURL != "" {
		if u, err := url.Parse(opts.ProxyURL); err == nil {
			c.dialer.Proxy = http.ProxyURL(u)
			c.log.Infof("使用代理连接: %s", opts.ProxyURL)
		} else {
			c.log.Warnf("解析代理 URL 失败: %v，将按环境变量连接", err)
		}
	}
	return c
}

// Name 流名称
func (c *Client) Name() string { return c.opts.Name }

// Connected 当前是否有已就绪的连接
func (c *Client) Connected() bool { return c.connected.Load() }

// Sessions 已建立的会话数
func (c *Client) Sessions() int64 { return c.sessions.Load() }

// LastSeen 最近一次收到任意帧的时间
func (c *Client) LastSeen() time.Time { return unixNano(c.lastSeen.Load()) }

// LastProcessed 最近一条成功处理的消息时间
func (c *Client) LastProcessed() time.Time { return unixNano(c.lastProcessed.Load()) }

// Ping 发送 ping 控制帧
func (c *Client) Ping() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: not connected", c.opts.Name)
	}
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// Reconnect 关闭当前连接，读循环随之退出并按最小延迟重连
func (c *Client) Reconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.log.Warn("强制重连")
		_ = conn.Close()
	}
}

// Run 连接并保持，直到 ctx 取消
func (c *Client) Run(ctx context.Context) {
	delay := c.opts.MinDelay
	for {
		started := time.Now()
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			c.log.Info("连接已关闭")
			return
		}
		// 会话持续了足够久，视为健康过，退避从头开始
		if time.Since(started) > c.opts.MaxDelay {
			delay = c.opts.MinDelay
		}
		metrics.FeedReconnects.WithLabelValues(c.opts.Name).Inc()
		c.log.WithError(err).Warnf("连接断开，%s 后重连", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.opts.MaxDelay {
			delay = c.opts.MaxDelay
		}
	}
}

func (c *Client) runSession(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.connected.Store(false)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	if err := c.session.Handshake(sessCtx, conn); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	c.touch()

	since := c.resumeFrom()
	if err := c.session.Ready(sessCtx, since); err != nil {
		return fmt.Errorf("ready: %w", err)
	}
	c.readyAt.Store(time.Now().UnixNano())
	c.connected.Store(true)
	n := c.sessions.Add(1)
	c.log.Infof("✅ 会话就绪 (#%d)", n)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.touch()
		if err := c.session.Handle(sessCtx, msg); err != nil {
			c.log.WithError(err).Debug("消息处理失败")
			continue
		}
		c.lastProcessed.Store(time.Now().UnixNano())
	}
}

// resumeFrom 上一会话可以确认的最后时间点：最后处理的消息或会话就绪时间，取较晚者
func (c *Client) resumeFrom() time.Time {
	last := c.lastProcessed.Load()
	if r := c.readyAt.Load(); r > last {
		last = r
	}
	return unixNano(last)
}

func (c *Client) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
