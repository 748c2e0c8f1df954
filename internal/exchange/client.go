package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"futures-bot/internal/config"
)

// Client 负责与 Binance USDⓈ-M 合约交互。
// 查询类接口带指数退避重试，下单类接口只提交一次，由调用方决定善后。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
	markets       map[string]ccxt.MarketInterface
}

// NewClient 构造 Binance USDⓈ-M 客户端，UseTestnet 时切换到测试网。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseTestnet {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// ResolveSymbol 将用户输入规整为 ccxt 统一符号。
// 同时接受统一符号（BTC/USDT:USDT）与交易所原生ID（BTCUSDT）。
func (c *Client) ResolveSymbol(ctx context.Context, raw string) (string, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return "", err
	}

	input := strings.ToUpper(strings.TrimSpace(raw))
	if input == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownSymbol, raw)
	}

	if _, ok := c.markets[input]; ok {
		return input, nil
	}

	for unified, market := range c.markets {
		if strings.EqualFold(derefString(market.Id), input) {
			return unified, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownSymbol, raw)
}

// ListSymbols 返回当前可交易的交易所原生符号，按字典序排列。
func (c *Client) ListSymbols(ctx context.Context) ([]string, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(c.markets))
	for _, market := range c.markets {
		if market.Active != nil && !*market.Active {
			continue
		}
		if id := derefString(market.Id); id != "" {
			symbols = append(symbols, id)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// FetchTicker 获取指定交易对的最新行情。
func (c *Client) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	var raw ccxt.Ticker
	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchTicker(symbol)
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return Ticker{}, err
	}

	return convertTicker(symbol, raw), nil
}

// FetchCandles 获取指定周期的K线数据。
func (c *Client) FetchCandles(ctx context.Context, symbol string, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV

	err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		ts := time.UnixMilli(item.Timestamp).UTC()
		candles = append(candles, Candle{
			Timestamp: ts,
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

// CreateMarketOrder 提交市价单。
// 下单不重试：失败即返回，避免重复成交。
func (c *Client) CreateMarketOrder(ctx context.Context, symbol string, side string, quantity float64) (OrderConfirmation, error) {
	if err := c.beforeOrder(ctx); err != nil {
		return OrderConfirmation{}, err
	}

	order, err := c.exchange.CreateMarketOrder(symbol, ccxtSide(side), quantity)
	if err != nil {
		normalized, _ := c.classifyError(err)
		c.logger.Error("市价单提交失败",
			zap.String("symbol", symbol),
			zap.String("side", side),
			zap.Float64("quantity", quantity),
			zap.Error(normalized),
		)
		return OrderConfirmation{}, normalized
	}

	confirmation := convertOrder(order)
	c.logger.Info("市价单已提交",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.Float64("quantity", quantity),
		zap.String("order_id", confirmation.ID),
	)
	return confirmation, nil
}

// CreateLimitOrder 提交限价单。
func (c *Client) CreateLimitOrder(ctx context.Context, symbol string, side string, quantity, price float64, timeInForce string) (OrderConfirmation, error) {
	if err := c.beforeOrder(ctx); err != nil {
		return OrderConfirmation{}, err
	}

	params := map[string]interface{}{}
	if timeInForce != "" {
		params["timeInForce"] = strings.ToUpper(timeInForce)
	}

	var opts []ccxt.CreateLimitOrderOptions
	if len(params) > 0 {
		opts = append(opts, ccxt.WithCreateLimitOrderParams(params))
	}

	order, err := c.exchange.CreateLimitOrder(symbol, ccxtSide(side), quantity, price, opts...)
	if err != nil {
		normalized, _ := c.classifyError(err)
		c.logger.Error("限价单提交失败",
			zap.String("symbol", symbol),
			zap.String("side", side),
			zap.Float64("quantity", quantity),
			zap.Float64("price", price),
			zap.Error(normalized),
		)
		return OrderConfirmation{}, normalized
	}

	confirmation := convertOrder(order)
	c.logger.Info("限价单已提交",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.Float64("quantity", quantity),
		zap.Float64("price", price),
		zap.String("order_id", confirmation.ID),
	)
	return confirmation, nil
}

// CreateStopLimitOrder 提交止损限价单：触发价到达后以限价挂出。
func (c *Client) CreateStopLimitOrder(ctx context.Context, symbol string, side string, quantity, stopPrice, limitPrice float64, timeInForce string) (OrderConfirmation, error) {
	if err := c.beforeOrder(ctx); err != nil {
		return OrderConfirmation{}, err
	}

	params := map[string]interface{}{
		"stopPrice": stopPrice,
	}
	if timeInForce != "" {
		params["timeInForce"] = strings.ToUpper(timeInForce)
	}

	order, err := c.exchange.CreateOrder(symbol, "limit", ccxtSide(side), quantity,
		ccxt.WithCreateOrderPrice(limitPrice),
		ccxt.WithCreateOrderParams(params),
	)
	if err != nil {
		normalized, _ := c.classifyError(err)
		c.logger.Error("止损限价单提交失败",
			zap.String("symbol", symbol),
			zap.String("side", side),
			zap.Float64("quantity", quantity),
			zap.Float64("stop_price", stopPrice),
			zap.Float64("limit_price", limitPrice),
			zap.Error(normalized),
		)
		return OrderConfirmation{}, normalized
	}

	confirmation := convertOrder(order)
	c.logger.Info("止损限价单已提交",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.Float64("quantity", quantity),
		zap.Float64("stop_price", stopPrice),
		zap.Float64("limit_price", limitPrice),
		zap.String("order_id", confirmation.ID),
	)
	return confirmation, nil
}

// FetchOpenOrders 查询未成交委托，symbol 为空时返回全部。
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]OrderConfirmation, error) {
	var raw []ccxt.Order
	err := c.callWithRetry(ctx, "fetch_open_orders", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		var opts []ccxt.FetchOpenOrdersOptions
		if symbol != "" {
			opts = append(opts, ccxt.WithFetchOpenOrdersSymbol(symbol))
		}

		orders, err := c.exchange.FetchOpenOrders(opts...)
		if err != nil {
			return err
		}

		raw = orders
		return nil
	})
	if err != nil {
		return nil, err
	}

	confirmations := make([]OrderConfirmation, 0, len(raw))
	for _, order := range raw {
		confirmations = append(confirmations, convertOrder(order))
	}
	return confirmations, nil
}

// CancelOrder 撤销指定委托。撤单幂等，允许重试。
func (c *Client) CancelOrder(ctx context.Context, id string, symbol string) (OrderConfirmation, error) {
	var raw ccxt.Order
	err := c.callWithRetry(ctx, "cancel_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		order, err := c.exchange.CancelOrder(id, ccxt.WithCancelOrderSymbol(symbol))
		if err != nil {
			return err
		}

		raw = order
		return nil
	})
	if err != nil {
		return OrderConfirmation{}, err
	}

	c.logger.Info("委托已撤销", zap.String("symbol", symbol), zap.String("order_id", id))
	return convertOrder(raw), nil
}

// CancelAllOrders 撤销指定交易对的全部未成交委托，返回撤销数量。
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	var cancelled int
	err := c.callWithRetry(ctx, "cancel_all_orders", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		orders, err := c.exchange.CancelAllOrders(ccxt.WithCancelAllOrdersSymbol(symbol))
		if err != nil {
			return err
		}

		cancelled = len(orders)
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.logger.Info("已撤销全部委托", zap.String("symbol", symbol), zap.Int("count", cancelled))
	return cancelled, nil
}

// FetchBalance 获取账户余额原始数据，解析交由 account 包完成。
func (c *Client) FetchBalance(ctx context.Context) (ccxt.Balances, error) {
	var raw ccxt.Balances
	err := c.callWithRetry(ctx, "fetch_balance", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		balances, err := c.exchange.FetchBalance()
		if err != nil {
			return err
		}

		raw = balances
		return nil
	})
	if err != nil {
		return ccxt.Balances{}, err
	}

	return raw, nil
}

// FetchPositions 获取全部持仓原始数据。
func (c *Client) FetchPositions(ctx context.Context) ([]ccxt.Position, error) {
	var raw []ccxt.Position
	err := c.callWithRetry(ctx, "fetch_positions", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		positions, err := c.exchange.FetchPositions()
		if err != nil {
			return err
		}

		raw = positions
		return nil
	})
	if err != nil {
		return nil, err
	}

	return raw, nil
}

func (c *Client) beforeOrder(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ensureMarketsLoaded(ctx)
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	var markets map[string]ccxt.MarketInterface
	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		result, err := c.exchange.LoadMarkets()
		if err != nil {
			return err
		}
		markets = result
		return nil
	})
	if loadErr != nil {
		return loadErr
	}

	c.markets = markets
	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.Int("markets", len(markets)))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OnMaintenanceErrType {
		message := strings.TrimSpace(ccxtErr.Message)
		if message == "" {
			message = "exchange under maintenance"
		}
		return fmt.Errorf("%w: %s", ErrMaintenance, message), false
	}

	if IsRetryable(err) {
		return err, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func ccxtSide(side string) string {
	return strings.ToLower(strings.TrimSpace(side))
}
