package twap

import (
	"context"
	"time"

	"go.uber.org/zap"

	"futures-bot/internal/exchange"
)

// OrderPort 为调度器下单的唯一出口，由交易所客户端实现。
type OrderPort interface {
	CreateMarketOrder(ctx context.Context, symbol string, side string, quantity float64) (exchange.OrderConfirmation, error)
}

// Scheduler 按时间均匀切分大单并顺序提交市价单。
// 同一时刻最多一笔切片在途；切片之间的等待可被 ctx 取消，
// 取消与切片失败都以 Aborted 结果返回而不是错误。
type Scheduler struct {
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewScheduler 创建调度器。
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger: logger,
		sleep:  sleepContext,
	}
}

// Execute 执行一次 TWAP。
//
// 切片量与间隔在循环前一次性算出，逐一顺序提交。任一切片被交易所
// 拒绝即终止后续提交：已成交的切片是真实成交，既不重试也不回滚，
// 结果中以 Aborted 与计数表达部分完成。仅参数非法返回错误。
func (s *Scheduler) Execute(ctx context.Context, req Request, port OrderPort) (Result, error) {
	req = req.Normalized()
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	sliceQuantity := req.TotalQuantity / float64(req.SliceCount)
	wait := req.Duration / time.Duration(req.SliceCount)

	result := Result{
		Fills:          make([]exchange.OrderConfirmation, 0, req.SliceCount),
		RequestedCount: req.SliceCount,
	}

	s.logger.Info("TWAP 开始执行",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("total_quantity", req.TotalQuantity),
		zap.Int("slice_count", req.SliceCount),
		zap.Duration("duration", req.Duration),
		zap.Duration("slice_interval", wait),
	)

	for index := 0; index < req.SliceCount; index++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.Aborted = true
			s.logger.Info("TWAP 在提交前被取消",
				zap.String("symbol", req.Symbol),
				zap.Int("attempted", result.AttemptedCount),
				zap.Int("requested", result.RequestedCount),
			)
			return result, nil
		}

		confirmation, err := port.CreateMarketOrder(ctx, req.Symbol, string(req.Side), sliceQuantity)
		result.AttemptedCount++
		if err != nil {
			result.Aborted = true
			s.logger.Warn("TWAP 切片被拒绝，终止执行",
				zap.String("symbol", req.Symbol),
				zap.Int("slice", index+1),
				zap.Int("requested", result.RequestedCount),
				zap.Error(err),
			)
			return result, nil
		}

		result.Fills = append(result.Fills, confirmation)
		s.logger.Info("TWAP 切片已提交",
			zap.String("symbol", req.Symbol),
			zap.Int("slice", index+1),
			zap.Int("requested", result.RequestedCount),
			zap.Float64("quantity", sliceQuantity),
			zap.String("order_id", confirmation.ID),
		)

		// 最后一个切片之后不再等待。
		if index < req.SliceCount-1 {
			if err := s.sleep(ctx, wait); err != nil {
				result.Aborted = true
				s.logger.Info("TWAP 在等待间隔中被取消",
					zap.String("symbol", req.Symbol),
					zap.Int("attempted", result.AttemptedCount),
					zap.Int("requested", result.RequestedCount),
				)
				return result, nil
			}
		}
	}

	s.logger.Info("TWAP 执行完成",
		zap.String("symbol", req.Symbol),
		zap.Int("filled", len(result.Fills)),
		zap.Int("requested", result.RequestedCount),
	)
	return result, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
