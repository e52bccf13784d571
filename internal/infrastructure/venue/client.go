package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/spotcycle/internal/domain"
	"github.com/betbot/spotcycle/internal/ports"
	"github.com/betbot/spotcycle/pkg/cache"
	"github.com/betbot/spotcycle/pkg/ratelimit"
)

var log = logrus.WithField("component", "venue")

const (
	headerKey  = "X-API-KEY"
	headerTS   = "X-API-TS"
	headerSign = "X-API-SIGN"

	instrumentTTL = 10 * time.Minute
)

// Options REST 网关参数
type Options struct {
	BaseURL      string
	APIKey       string
	APISecret    string
	Pair         string
	Timeout      time.Duration
	Retries      int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	RatePerSec   float64
}

// Client 交易所 REST 订单网关。只做请求/响应，不含业务逻辑。
type Client struct {
	http        *resty.Client
	key         string
	secret      string
	pair        string
	limiter     *ratelimit.TokenBucket
	instruments *cache.InMemoryCache[string, domain.Instrument]
	now         func() time.Time
}

var _ ports.Gateway = (*Client)(nil)

// NewClient 创建网关
func NewClient(opts Options) *Client {
	host := strings.TrimSuffix(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}
	if opts.RetryMaxWait <= 0 {
		opts.RetryMaxWait = 5 * time.Second
	}

	rc := resty.New().
		SetBaseURL(host).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.RetryMaxWait).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			code := resp.StatusCode()
			return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
		}).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 时优先采用 Retry-After 头，其余情况交给 resty 的指数退避
			if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
				if s := resp.Header().Get("Retry-After"); s != "" {
					if secs, err := strconv.Atoi(s); err == nil {
						return time.Duration(secs) * time.Second, nil
					}
				}
			}
			return 0, nil
		})

	c := &Client{
		http:        rc,
		key:         opts.APIKey,
		secret:      opts.APISecret,
		pair:        opts.Pair,
		instruments: cache.NewInMemoryCache[string, domain.Instrument](instrumentTTL),
		now:         time.Now,
	}
	if opts.RatePerSec > 0 {
		burst := int(opts.RatePerSec)
		c.limiter = ratelimit.NewTokenBucket(burst, opts.RatePerSec)
	}
	return c
}

// Sign 计算 hex(HMAC-SHA256(secret, payload))
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// PlaceOrder 下单。价格/数量先按交易对规格取整，低于最小下单量直接按拒单返回。
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	inst, err := c.Instrument(ctx, req.Pair)
	if err != nil {
		return nil, err
	}
	norm, err := inst.Normalize(req)
	if err != nil {
		return nil, errors.Wrap(ports.ErrRejected, err.Error())
	}
	body := placeOrderRequest{
		Pair:          norm.Pair,
		Side:          string(norm.Side),
		Price:         norm.Price.String(),
		Size:          norm.Size.String(),
		ClientOrderID: norm.ClientID,
	}
	var out orderPayload
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", nil, body, &out); err != nil {
		return nil, err
	}
	if out.OrderID == "" {
		return nil, errors.Wrap(ports.ErrTransient, "place order: empty order id in response")
	}
	o := out.toDomain(norm.Pair)
	if o.ClientID == "" {
		o.ClientID = norm.ClientID
	}
	if o.Side == "" {
		o.Side = norm.Side
	}
	if !o.Price.IsPositive() {
		o.Price = norm.Price
	}
	if !o.Size.IsPositive() {
		o.Size = norm.Size
	}
	log.WithFields(logrus.Fields{"order_id": o.OrderID, "client_id": o.ClientID}).
		Debugf("下单成功: %s %s @ %s", o.Side, o.Size, o.Price)
	return &o, nil
}

// CancelOrder 撤单。订单不存在时返回 ports.ErrNotFound。
func (c *Client) CancelOrder(ctx context.Context, orderID, clientID string) error {
	q := url.Values{}
	if c.pair != "" {
		q.Set("pair", c.pair)
	}
	if clientID != "" {
		q.Set("clientOrderId", clientID)
	}
	return c.do(ctx, http.MethodDelete, "/api/v1/orders/"+url.PathEscape(orderID), q, nil, nil)
}

// OpenOrders 当前挂单
func (c *Client) OpenOrders(ctx context.Context, pair string) ([]domain.Order, error) {
	var out []orderPayload
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders/open", url.Values{"pair": {pair}}, nil, &out); err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(out))
	for _, o := range out {
		if o.OrderID == "" {
			continue
		}
		orders = append(orders, o.toDomain(pair))
	}
	return orders, nil
}

// FillsSince since 之后的逐笔成交
func (c *Client) FillsSince(ctx context.Context, pair string, since time.Time) ([]domain.Fill, error) {
	q := url.Values{"pair": {pair}, "since": {strconv.FormatInt(since.UnixMilli(), 10)}}
	var out []fillPayload
	if err := c.do(ctx, http.MethodGet, "/api/v1/fills", q, nil, &out); err != nil {
		return nil, err
	}
	fills := make([]domain.Fill, 0, len(out))
	for _, f := range out {
		fills = append(fills, f.toDomain(pair))
	}
	return fills, nil
}

// LastPrice 最新成交价
func (c *Client) LastPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	var out tickerPayload
	if err := c.do(ctx, http.MethodGet, "/api/v1/ticker/"+url.PathEscape(pair), nil, nil, &out); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return decimal.Zero, errors.Wrapf(ports.ErrUnknownPair, "ticker %s", pair)
		}
		return decimal.Zero, err
	}
	if !out.Last.IsPositive() {
		return decimal.Zero, errors.Errorf("ticker %s: no last price", pair)
	}
	return out.Last, nil
}

// Instrument 交易对规格（带缓存）
func (c *Client) Instrument(ctx context.Context, pair string) (domain.Instrument, error) {
	return c.instruments.GetOrLoad(pair, func() (domain.Instrument, error) {
		var out instrumentPayload
		if err := c.do(ctx, http.MethodGet, "/api/v1/instruments/"+url.PathEscape(pair), nil, nil, &out); err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				return domain.Instrument{}, errors.Wrapf(ports.ErrUnknownPair, "instrument %s", pair)
			}
			return domain.Instrument{}, err
		}
		inst := domain.Instrument{
			Pair:           pair,
			PriceIncrement: out.PriceIncrement,
			SizeIncrement:  out.SizeIncrement,
			MinSize:        out.MinSize,
		}
		log.Infof("交易对规格: pair=%s tick=%s lot=%s min=%s", pair, inst.PriceIncrement, inst.SizeIncrement, inst.MinSize)
		return inst, nil
	})
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		payload = b
	}
	target := path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	r := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetHeader(headerKey, c.key).
		SetHeader(headerTS, ts).
		SetHeader(headerSign, Sign(c.secret, ts+method+target+string(payload)))
	if payload != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(payload)
	}

	resp, err := r.Execute(method, target)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(ports.ErrTransient, "%s %s: %v", method, path, err)
	}
	return decode(method, path, resp, out)
}

func decode(method, path string, resp *resty.Response, out any) error {
	code := resp.StatusCode()
	switch {
	case resp.IsSuccess():
		if out == nil || len(resp.Body()) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return errors.Wrapf(err, "%s %s: decode response", method, path)
		}
		return nil
	case code == http.StatusNotFound:
		return errors.Wrapf(ports.ErrNotFound, "%s %s: %s", method, path, errorMessage(resp))
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return errors.Wrapf(ports.ErrTransient, "%s %s: http %d %s", method, path, code, errorMessage(resp))
	default:
		return errors.Wrapf(ports.ErrRejected, "%s %s: http %d %s", method, path, code, errorMessage(resp))
	}
}

func errorMessage(resp *resty.Response) string {
	var p errorPayload
	if err := json.Unmarshal(resp.Body(), &p); err == nil && p.Message != "" {
		if p.Code != "" {
			return p.Code + ": " + p.Message
		}
		return p.Message
	}
	return strings.TrimSpace(string(resp.Body()))
}
