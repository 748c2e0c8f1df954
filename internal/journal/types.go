package journal

import (
	"time"

	"futures-bot/internal/exchange"
	"futures-bot/internal/twap"
)

// EventType 表示活动流水事件类型。
type EventType string

const (
	EventOrder  EventType = "order"
	EventTwap   EventType = "twap"
	EventCancel EventType = "cancel"
	EventError  EventType = "error"
)

// Event 封装通用流水事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// OrderPayload 记录单笔委托回执。
type OrderPayload struct {
	Action       string                     `json:"action"`
	Confirmation exchange.OrderConfirmation `json:"confirmation"`
}

// TwapPayload 记录一次 TWAP 执行的请求与结果。
type TwapPayload struct {
	Request twap.Request `json:"request"`
	Result  twap.Result  `json:"result"`
}

// CancelPayload 记录撤单操作。
type CancelPayload struct {
	Symbol  string `json:"symbol"`
	OrderID string `json:"order_id,omitempty"`
	Count   int    `json:"count"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
