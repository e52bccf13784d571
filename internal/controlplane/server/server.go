package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/betbot/spotcycle/internal/cycle"
	"github.com/betbot/spotcycle/internal/domain"
	"github.com/betbot/spotcycle/internal/journal"
)

var log = logrus.WithField("component", "controlplane")

// StatusSource 循环状态（Controller）
type StatusSource interface {
	Status() cycle.Status
}

// FeedAges 各条流距最近一帧的时长；未连接为负数
type FeedAges interface {
	Ages() map[string]time.Duration
}

// TradeLog 已实现盈亏台账
type TradeLog interface {
	Totals(ctx context.Context) (journal.Totals, error)
	Recent(ctx context.Context, limit int) ([]domain.RealizedTrade, error)
}

// Config 运维接口依赖。Feeds/Trades 可为空。
type Config struct {
	Status      StatusSource
	Feeds       FeedAges
	Trades      TradeLog
	StaleAfter  time.Duration // 超过该时长没有任何帧视为不健康，0 表示不判断
	EnablePprof bool
}

// Server 只读运维 HTTP 接口：/healthz、/metrics、/api/trades
type Server struct {
	cfg Config
}

// New 创建 Server
func New(cfg Config) (*Server, error) {
	if cfg.Status == nil {
		return nil, errors.New("status source is required")
	}
	return &Server{cfg: cfg}, nil
}

type feedHealth struct {
	Connected bool    `json:"connected"`
	AgeSec    float64 `json:"age_sec"`
}

type healthResponse struct {
	OK     bool                  `json:"ok"`
	Cycle  cycle.Status          `json:"cycle"`
	Feeds  map[string]feedHealth `json:"feeds,omitempty"`
	Trades *journal.Totals       `json:"trades,omitempty"`
}

// Router 路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/trades", s.handleTrades)

	if s.cfg.EnablePprof {
		dbg := r.Group("/debug/pprof")
		dbg.GET("/", gin.WrapF(pprof.Index))
		dbg.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(pprof.Profile))
		dbg.GET("/symbol", gin.WrapF(pprof.Symbol))
		dbg.GET("/trace", gin.WrapF(pprof.Trace))
		for _, name := range []string{"heap", "goroutine", "allocs", "block", "mutex", "threadcreate"} {
			dbg.GET("/"+name, gin.WrapH(pprof.Handler(name)))
		}
	}
	return r
}

// handleHealth 进程存活即返回 200；ok 字段反映流是否全部在线且循环未停止
func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{OK: true, Cycle: s.cfg.Status.Status()}
	if resp.Cycle.Stopping {
		resp.OK = false
	}
	if s.cfg.Feeds != nil {
		resp.Feeds = map[string]feedHealth{}
		for name, age := range s.cfg.Feeds.Ages() {
			fh := feedHealth{Connected: age >= 0, AgeSec: age.Seconds()}
			if !fh.Connected || (s.cfg.StaleAfter > 0 && age > s.cfg.StaleAfter) {
				resp.OK = false
			}
			resp.Feeds[name] = fh
		}
	}
	if s.cfg.Trades != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if tot, err := s.cfg.Trades.Totals(ctx); err == nil {
			resp.Trades = &tot
		} else {
			log.WithError(err).Warn("读取台账汇总失败")
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Status.Status())
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.cfg.Trades == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	limit := 50
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	items, err := s.cfg.Trades.Recent(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if items == nil {
		items = []domain.RealizedTrade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": items})
}

// StartAsync 监听并在后台提供服务，ctx 取消时优雅关闭。返回实际监听地址。
func (s *Server) StartAsync(ctx context.Context, listenAddr string) (string, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("运维接口异常退出")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Infof("🩺 运维接口已启动: %s", ln.Addr())
	return ln.Addr().String(), nil
}
