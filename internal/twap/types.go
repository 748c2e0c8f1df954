package twap

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"futures-bot/internal/exchange"
)

// ErrInvalidRequest 表示请求参数非法，调度器在任何提交发生前返回该错误。
var ErrInvalidRequest = errors.New("twap: invalid request")

// Side 表示执行方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Request 描述一次 TWAP 执行意图：将 TotalQuantity 均分为
// SliceCount 个市价单，均匀分布在 Duration 区间内提交。
type Request struct {
	Symbol        string
	Side          Side
	TotalQuantity float64
	Duration      time.Duration
	SliceCount    int
}

// Normalized 返回符号规整后的副本。
func (r Request) Normalized() Request {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = Side(strings.ToUpper(strings.TrimSpace(string(r.Side))))
	return r
}

// Validate 校验请求参数。切片数量与下单量不做交易所精度约束，
// 过小的切片由交易所拒单并以单切片失败的形式反馈。
func (r Request) Validate() error {
	var err error

	if r.Symbol == "" {
		err = multierr.Append(err, errors.New("symbol 不能为空"))
	}
	if r.Side != SideBuy && r.Side != SideSell {
		err = multierr.Append(err, fmt.Errorf("side 必须为 %s 或 %s", SideBuy, SideSell))
	}
	if r.TotalQuantity <= 0 {
		err = multierr.Append(err, errors.New("total_quantity 必须大于0"))
	}
	if r.Duration < 0 {
		err = multierr.Append(err, errors.New("duration 不能为负"))
	}
	if r.SliceCount < 1 {
		err = multierr.Append(err, errors.New("slice_count 必须大于等于1"))
	}

	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	return nil
}

// Result 为一次 TWAP 执行的汇总。部分成交不是错误：
// 调用方通过 Aborted 与计数区分全部成交与中途终止。
type Result struct {
	Fills          []exchange.OrderConfirmation
	AttemptedCount int
	RequestedCount int
	Aborted        bool
}

// FullyFilled 返回是否全部切片均已成交。
func (r Result) FullyFilled() bool {
	return !r.Aborted && r.AttemptedCount == r.RequestedCount
}
