package exchange

import (
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

// Side 表示下单方向，与交易所约定保持大写。
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// OrderConfirmation 为交易所返回的委托回执。
// 调度器等上游组件只透传该结构，不依赖其内部字段。
type OrderConfirmation struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Type          string
	Side          string
	Status        string
	Price         float64
	Amount        float64
	Filled        float64
	Remaining     float64
	AvgPrice      float64
	Timestamp     time.Time
}

// Ticker 为最新行情摘要。
type Ticker struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	High24h   float64
	Low24h    float64
	ChangePct float64
	Timestamp time.Time
}

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

func convertOrder(order ccxt.Order) OrderConfirmation {
	var ts time.Time
	if order.Timestamp != nil {
		ts = time.UnixMilli(*order.Timestamp).UTC()
	} else {
		ts = time.Now().UTC()
	}

	return OrderConfirmation{
		ID:            derefString(order.Id),
		ClientOrderID: derefString(order.ClientOrderId),
		Symbol:        derefString(order.Symbol),
		Type:          derefString(order.Type),
		Side:          derefString(order.Side),
		Status:        derefString(order.Status),
		Price:         derefFloat(order.Price),
		Amount:        derefFloat(order.Amount),
		Filled:        derefFloat(order.Filled),
		Remaining:     derefFloat(order.Remaining),
		AvgPrice:      derefFloat(order.Average),
		Timestamp:     ts,
	}
}

func convertTicker(symbol string, t ccxt.Ticker) Ticker {
	var ts time.Time
	if t.Timestamp != nil {
		ts = time.UnixMilli(*t.Timestamp).UTC()
	} else {
		ts = time.Now().UTC()
	}

	return Ticker{
		Symbol:    symbol,
		Last:      derefFloat(t.Last),
		Bid:       derefFloat(t.Bid),
		Ask:       derefFloat(t.Ask),
		High24h:   derefFloat(t.High),
		Low24h:    derefFloat(t.Low),
		ChangePct: derefFloat(t.Percentage),
		Timestamp: ts,
	}
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
