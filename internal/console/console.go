package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"futures-bot/internal/account"
	"futures-bot/internal/config"
	"futures-bot/internal/exchange"
	"futures-bot/internal/indicator"
	"futures-bot/internal/journal"
	"futures-bot/internal/twap"
)

type exchangeAPI interface {
	ResolveSymbol(ctx context.Context, raw string) (string, error)
	FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error)
	FetchCandles(ctx context.Context, symbol string, timeframe string, limit int64) ([]exchange.Candle, error)
	CreateMarketOrder(ctx context.Context, symbol string, side string, quantity float64) (exchange.OrderConfirmation, error)
	CreateLimitOrder(ctx context.Context, symbol string, side string, quantity, price float64, timeInForce string) (exchange.OrderConfirmation, error)
	CreateStopLimitOrder(ctx context.Context, symbol string, side string, quantity, stopPrice, limitPrice float64, timeInForce string) (exchange.OrderConfirmation, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderConfirmation, error)
	CancelOrder(ctx context.Context, id string, symbol string) (exchange.OrderConfirmation, error)
	CancelAllOrders(ctx context.Context, symbol string) (int, error)
}

type accountAPI interface {
	FetchSnapshot(ctx context.Context) (account.Snapshot, error)
}

type twapRun struct {
	symbol string
	cancel context.CancelFunc
	done   chan struct{}
}

// Console 为交互式文本界面，将菜单选择翻译为交易所调用。
// TWAP 在后台 goroutine 上执行，菜单在长时间执行期间保持可用。
type Console struct {
	ex        exchangeAPI
	accounts  accountAPI
	journal   *journal.Service
	scheduler *twap.Scheduler
	twapCfg   config.TwapConfig
	logger    *zap.Logger

	in  *bufio.Reader
	out io.Writer

	mu         sync.Mutex
	activeTwap *twapRun
}

// New 创建控制台。
func New(
	ex exchangeAPI,
	accounts accountAPI,
	journalSvc *journal.Service,
	scheduler *twap.Scheduler,
	twapCfg config.TwapConfig,
	in io.Reader,
	out io.Writer,
	logger *zap.Logger,
) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{
		ex:        ex,
		accounts:  accounts,
		journal:   journalSvc,
		scheduler: scheduler,
		twapCfg:   twapCfg,
		logger:    logger,
		in:        bufio.NewReader(in),
		out:       out,
	}
}

// Run 驱动菜单循环，直到用户退出、输入流结束或 ctx 被取消。
func (c *Console) Run(ctx context.Context) error {
	defer c.stopActiveTwap()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		c.printMenu()
		choice, err := c.readLine("Select an option: ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch strings.TrimSpace(choice) {
		case "0", "q", "exit":
			fmt.Fprintln(c.out, "Bye.")
			return nil
		case "1":
			c.showBalance(ctx)
		case "2":
			c.showPrice(ctx)
		case "3":
			c.placeMarketOrder(ctx)
		case "4":
			c.placeLimitOrder(ctx)
		case "5":
			c.placeStopLimitOrder(ctx)
		case "6":
			c.startTwap(ctx)
		case "7":
			c.showOpenOrders(ctx)
		case "8":
			c.cancelOrder(ctx)
		case "9":
			c.cancelAllOrders(ctx)
		case "10":
			c.showPositions(ctx)
		case "11":
			c.showActivity(ctx)
		case "12":
			c.cancelTwap()
		case "":
			// 空回车直接重绘菜单。
		default:
			fmt.Fprintf(c.out, "Unknown option %q\n", strings.TrimSpace(choice))
		}
	}
}

func (c *Console) printMenu() {
	fmt.Fprint(c.out, `
============================================================
   BINANCE FUTURES TESTNET TRADING BOT
============================================================
1.  View Account Balance
2.  Get Current Price
3.  Place Market Order
4.  Place Limit Order
5.  Place Stop-Limit Order
6.  Place TWAP Order (Advanced)
7.  View Open Orders
8.  Cancel Order
9.  Cancel All Orders
10. View Positions
11. View Recent Activity
12. Cancel Running TWAP
0.  Exit
============================================================
`)
}

func (c *Console) showBalance(ctx context.Context) {
	snapshot, err := c.accounts.FetchSnapshot(ctx)
	if err != nil {
		c.reportError(ctx, "fetch balance failed", err)
		return
	}

	balance := snapshot.Balance
	fmt.Fprintf(c.out, "Total wallet balance: %.2f USDT\n", balance.TotalWallet)
	fmt.Fprintf(c.out, "Available balance:    %.2f USDT\n", balance.Available)
	fmt.Fprintf(c.out, "Unrealized PnL:       %.2f USDT\n", balance.Unrealized)
	for _, asset := range balance.Assets {
		fmt.Fprintf(c.out, "  %-6s wallet=%.8f available=%.8f\n", asset.Asset, asset.Wallet, asset.Available)
	}
}

func (c *Console) showPrice(ctx context.Context) {
	symbol, err := c.promptSymbol(ctx)
	if err != nil {
		return
	}

	ticker, err := c.ex.FetchTicker(ctx, symbol)
	if err != nil {
		c.reportError(ctx, "fetch ticker failed", err)
		return
	}

	fmt.Fprintf(c.out, "%s last=%.4f bid=%.4f ask=%.4f 24h=%+.2f%%\n",
		ticker.Symbol, ticker.Last, ticker.Bid, ticker.Ask, ticker.ChangePct)

	candles, err := c.ex.FetchCandles(ctx, symbol, "1h", 50)
	if err != nil {
		c.logger.Warn("获取K线失败，跳过指标摘要", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	stats, err := indicator.Compute(candles)
	if err != nil {
		c.logger.Warn("指标计算失败", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	fmt.Fprintf(c.out, "1h stats: SMA20=%.4f EMA12=%.4f EMA26=%.4f RSI14=%.1f ATR=%.4f (%.2f%%)\n",
		stats.SMA20, stats.EMA12, stats.EMA26, stats.RSI14, stats.ATRAbsolute, stats.ATRRelative*100)
}

func (c *Console) placeMarketOrder(ctx context.Context) {
	symbol, err := c.promptSymbol(ctx)
	if err != nil {
		return
	}
	side, err := c.promptSide()
	if err != nil {
		return
	}
	quantity, err := c.promptQuantity("Quantity: ")
	if err != nil {
		return
	}

	confirmation, err := c.ex.CreateMarketOrder(ctx, symbol, side, quantity)
	if err != nil {
		c.reportRejection(ctx, "market order rejected", err)
		return
	}

	c.journal.RecordOrder(ctx, "market", confirmation)
	fmt.Fprintf(c.out, "[OK] Market %s order placed: %s qty=%v id=%s\n", side, symbol, quantity, confirmation.ID)
}

func (c *Console) placeLimitOrder(ctx context.Context) {
	symbol, err := c.promptSymbol(ctx)
	if err != nil {
		return
	}
	side, err := c.promptSide()
	if err != nil {
		return
	}
	quantity, err := c.promptQuantity("Quantity: ")
	if err != nil {
		return
	}
	price, err := c.promptQuantity("Limit price: ")
	if err != nil {
		return
	}
	tif, err := c.promptTimeInForce()
	if err != nil {
		return
	}

	confirmation, err := c.ex.CreateLimitOrder(ctx, symbol, side, quantity, price, tif)
	if err != nil {
		c.reportRejection(ctx, "limit order rejected", err)
		return
	}

	c.journal.RecordOrder(ctx, "limit", confirmation)
	fmt.Fprintf(c.out, "[OK] Limit %s order placed: %s qty=%v @ %v id=%s\n", side, symbol, quantity, price, confirmation.ID)
}

func (c *Console) placeStopLimitOrder(ctx context.Context) {
	symbol, err := c.promptSymbol(ctx)
	if err != nil {
		return
	}
	side, err := c.promptSide()
	if err != nil {
		return
	}
	quantity, err := c.promptQuantity("Quantity: ")
	if err != nil {
		return
	}
	stopPrice, err := c.promptQuantity("Stop price: ")
	if err != nil {
		return
	}
	limitPrice, err := c.promptQuantity("Limit price: ")
	if err != nil {
		return
	}
	tif, err := c.promptTimeInForce()
	if err != nil {
		return
	}

	confirmation, err := c.ex.CreateStopLimitOrder(ctx, symbol, side, quantity, stopPrice, limitPrice, tif)
	if err != nil {
		c.reportRejection(ctx, "stop-limit order rejected", err)
		return
	}

	c.journal.RecordOrder(ctx, "stop-limit", confirmation)
	fmt.Fprintf(c.out, "[OK] Stop-Limit %s order placed: %s qty=%v stop=%v limit=%v id=%s\n",
		side, symbol, quantity, stopPrice, limitPrice, confirmation.ID)
}

func (c *Console) startTwap(ctx context.Context) {
	c.mu.Lock()
	if c.activeTwap != nil {
		select {
		case <-c.activeTwap.done:
			c.activeTwap = nil
		default:
			symbol := c.activeTwap.symbol
			c.mu.Unlock()
			fmt.Fprintf(c.out, "A TWAP run for %s is still active; cancel it first (option 12).\n", symbol)
			return
		}
	}
	c.mu.Unlock()

	symbol, err := c.promptSymbol(ctx)
	if err != nil {
		return
	}
	side, err := c.promptSide()
	if err != nil {
		return
	}
	quantity, err := c.promptQuantity("Total quantity: ")
	if err != nil {
		return
	}
	duration, err := c.promptDuration(fmt.Sprintf("Duration in minutes [%v]: ", c.twapCfg.DefaultDuration.Minutes()))
	if err != nil {
		return
	}
	slices, err := c.promptSliceCount(fmt.Sprintf("Number of slices [%d]: ", c.twapCfg.DefaultSliceCount))
	if err != nil {
		return
	}

	request := twap.Request{
		Symbol:        symbol,
		Side:          twap.Side(side),
		TotalQuantity: quantity,
		Duration:      duration,
		SliceCount:    slices,
	}
	if err := request.Validate(); err != nil {
		fmt.Fprintf(c.out, "Invalid TWAP request: %v\n", err)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &twapRun{symbol: symbol, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.activeTwap = run
	c.mu.Unlock()

	fmt.Fprintf(c.out, "Starting TWAP: %v %s over %v in %d slices (runs in background)\n",
		quantity, symbol, duration, slices)

	go func() {
		defer close(run.done)
		defer cancel()

		result, err := c.scheduler.Execute(runCtx, request, c.ex)
		if err != nil {
			c.logger.Error("TWAP 执行失败", zap.String("symbol", symbol), zap.Error(err))
			c.journal.RecordError(context.Background(), "twap execution failed", err,
				map[string]interface{}{"symbol": symbol})
			fmt.Fprintf(c.out, "\nTWAP failed: %v\n", err)
			return
		}

		c.journal.RecordTwap(context.Background(), request, result)
		if result.Aborted {
			fmt.Fprintf(c.out, "\nTWAP aborted: %d/%d slices executed\n", len(result.Fills), result.RequestedCount)
		} else {
			fmt.Fprintf(c.out, "\nTWAP completed: %d/%d slices executed\n", len(result.Fills), result.RequestedCount)
		}
	}()
}

func (c *Console) cancelTwap() {
	c.mu.Lock()
	run := c.activeTwap
	c.activeTwap = nil
	c.mu.Unlock()

	if run == nil {
		fmt.Fprintln(c.out, "No TWAP run is active.")
		return
	}

	select {
	case <-run.done:
		fmt.Fprintln(c.out, "The TWAP run has already finished.")
	default:
		run.cancel()
		<-run.done
		fmt.Fprintf(c.out, "TWAP run for %s cancelled.\n", run.symbol)
	}
}

func (c *Console) stopActiveTwap() {
	c.mu.Lock()
	run := c.activeTwap
	c.activeTwap = nil
	c.mu.Unlock()

	if run == nil {
		return
	}
	run.cancel()
	<-run.done
}

func (c *Console) showOpenOrders(ctx context.Context) {
	symbol, err := c.promptOptionalSymbol(ctx)
	if err != nil {
		return
	}

	orders, err := c.ex.FetchOpenOrders(ctx, symbol)
	if err != nil {
		c.reportError(ctx, "fetch open orders failed", err)
		return
	}

	if len(orders) == 0 {
		fmt.Fprintln(c.out, "No open orders.")
		return
	}

	fmt.Fprintf(c.out, "Open orders: %d\n", len(orders))
	for _, order := range orders {
		fmt.Fprintf(c.out, "  #%s %-18s %-5s %-6s qty=%v filled=%v price=%v status=%s\n",
			order.ID, order.Symbol, order.Side, order.Type, order.Amount, order.Filled, order.Price, order.Status)
	}
}

func (c *Console) cancelOrder(ctx context.Context) {
	symbol, err := c.promptSymbol(ctx)
	if err != nil {
		return
	}
	id, err := c.readLine("Order ID: ")
	if err != nil {
		return
	}
	id = strings.TrimSpace(id)
	if id == "" {
		fmt.Fprintln(c.out, "Order ID must not be empty.")
		return
	}

	if _, err := c.ex.CancelOrder(ctx, id, symbol); err != nil {
		c.reportError(ctx, "cancel order failed", err)
		return
	}

	c.journal.RecordCancel(ctx, symbol, id, 1)
	fmt.Fprintf(c.out, "[OK] Order %s cancelled\n", id)
}

func (c *Console) cancelAllOrders(ctx context.Context) {
	symbol, err := c.promptSymbol(ctx)
	if err != nil {
		return
	}

	count, err := c.ex.CancelAllOrders(ctx, symbol)
	if err != nil {
		c.reportError(ctx, "cancel all orders failed", err)
		return
	}

	c.journal.RecordCancel(ctx, symbol, "", count)
	fmt.Fprintf(c.out, "[OK] All orders cancelled for %s (%d)\n", symbol, count)
}

func (c *Console) showPositions(ctx context.Context) {
	snapshot, err := c.accounts.FetchSnapshot(ctx)
	if err != nil {
		c.reportError(ctx, "fetch positions failed", err)
		return
	}

	if len(snapshot.Positions) == 0 {
		fmt.Fprintln(c.out, "No active positions.")
		return
	}

	fmt.Fprintf(c.out, "Active positions: %d\n", len(snapshot.Positions))
	for _, pos := range snapshot.Positions {
		fmt.Fprintf(c.out, "  %-18s %-5s size=%v entry=%.4f mark=%.4f liq=%.4f pnl=%+.4f lev=%vx %s\n",
			pos.Symbol, pos.Side, pos.Size, pos.EntryPrice, pos.MarkPrice, pos.LiqPrice,
			pos.UnrealizedPnl, pos.Leverage, pos.MarginMode)
	}
}

func (c *Console) showActivity(ctx context.Context) {
	events, err := c.journal.ListEvents(ctx, "", 20)
	if err != nil {
		c.reportError(ctx, "list activity failed", err)
		return
	}

	if len(events) == 0 {
		fmt.Fprintln(c.out, "No recorded activity.")
		return
	}

	for _, event := range events {
		fmt.Fprintf(c.out, "  %s %-7s %s\n",
			event.Timestamp.Format(time.RFC3339), event.Type, payloadPreview(event.Payload))
	}
}

func (c *Console) promptSymbol(ctx context.Context) (string, error) {
	for {
		raw, err := c.readLine("Symbol (e.g. BTCUSDT): ")
		if err != nil {
			return "", err
		}

		symbol, err := c.ex.ResolveSymbol(ctx, raw)
		if err != nil {
			if errors.Is(err, exchange.ErrUnknownSymbol) {
				fmt.Fprintf(c.out, "Unknown symbol %q, try again.\n", strings.TrimSpace(raw))
				continue
			}
			c.reportError(ctx, "symbol lookup failed", err)
			return "", err
		}
		return symbol, nil
	}
}

func (c *Console) promptOptionalSymbol(ctx context.Context) (string, error) {
	raw, err := c.readLine("Symbol (empty for all): ")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}

	symbol, err := c.ex.ResolveSymbol(ctx, raw)
	if err != nil {
		if errors.Is(err, exchange.ErrUnknownSymbol) {
			fmt.Fprintf(c.out, "Unknown symbol %q, listing all.\n", strings.TrimSpace(raw))
			return "", nil
		}
		return "", err
	}
	return symbol, nil
}

func (c *Console) promptSide() (string, error) {
	for {
		raw, err := c.readLine("Side (BUY/SELL): ")
		if err != nil {
			return "", err
		}
		side, err := parseSide(raw)
		if err != nil {
			fmt.Fprintf(c.out, "%v\n", err)
			continue
		}
		return side, nil
	}
}

func (c *Console) promptQuantity(label string) (float64, error) {
	for {
		raw, err := c.readLine(label)
		if err != nil {
			return 0, err
		}
		value, err := parsePositiveFloat(raw)
		if err != nil {
			fmt.Fprintf(c.out, "%v\n", err)
			continue
		}
		return value, nil
	}
}

func (c *Console) promptDuration(label string) (time.Duration, error) {
	for {
		raw, err := c.readLine(label)
		if err != nil {
			return 0, err
		}
		if strings.TrimSpace(raw) == "" {
			return c.twapCfg.DefaultDuration, nil
		}
		duration, err := parseDurationMinutes(raw)
		if err != nil {
			fmt.Fprintf(c.out, "%v\n", err)
			continue
		}
		return duration, nil
	}
}

func (c *Console) promptSliceCount(label string) (int, error) {
	for {
		raw, err := c.readLine(label)
		if err != nil {
			return 0, err
		}
		if strings.TrimSpace(raw) == "" {
			return c.twapCfg.DefaultSliceCount, nil
		}
		count, err := parsePositiveInt(raw)
		if err != nil {
			fmt.Fprintf(c.out, "%v\n", err)
			continue
		}
		return count, nil
	}
}

func (c *Console) promptTimeInForce() (string, error) {
	for {
		raw, err := c.readLine("Time in force (GTC/IOC/FOK) [GTC]: ")
		if err != nil {
			return "", err
		}
		tif, err := parseTimeInForce(raw)
		if err != nil {
			fmt.Fprintf(c.out, "%v\n", err)
			continue
		}
		return tif, nil
	}
}

func (c *Console) readLine(label string) (string, error) {
	fmt.Fprint(c.out, label)
	line, err := c.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && strings.TrimSpace(line) != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Console) reportError(ctx context.Context, msg string, err error) {
	c.logger.Error("控制台操作失败", zap.String("action", msg), zap.Error(err))
	c.journal.RecordError(ctx, msg, err, nil)
	fmt.Fprintf(c.out, "Error: %v\n", err)
}

func (c *Console) reportRejection(ctx context.Context, msg string, err error) {
	c.logger.Warn("委托被拒绝", zap.String("action", msg), zap.Error(err))
	c.journal.RecordError(ctx, msg, err, nil)
	fmt.Fprintf(c.out, "Rejected: %s\n", exchange.RejectReason(err))
}

func payloadPreview(payload interface{}) string {
	raw, ok := payload.(interface{ MarshalJSON() ([]byte, error) })
	if !ok {
		return fmt.Sprintf("%v", payload)
	}
	data, err := raw.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	const max = 120
	s := string(data)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
