package twap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"futures-bot/internal/exchange"
)

type submission struct {
	symbol   string
	side     string
	quantity float64
}

type stubPort struct {
	submissions []submission
	failAt      int // 1-based，0 表示永不失败
	failErr     error
}

func (p *stubPort) CreateMarketOrder(ctx context.Context, symbol string, side string, quantity float64) (exchange.OrderConfirmation, error) {
	p.submissions = append(p.submissions, submission{symbol: symbol, side: side, quantity: quantity})
	if p.failAt > 0 && len(p.submissions) == p.failAt {
		err := p.failErr
		if err == nil {
			err = errors.New("order rejected")
		}
		return exchange.OrderConfirmation{}, err
	}
	return exchange.OrderConfirmation{
		ID:     strconv.Itoa(len(p.submissions)),
		Symbol: symbol,
		Side:   side,
		Amount: quantity,
		Status: "closed",
	}, nil
}

func newTestScheduler(waits *[]time.Duration) *Scheduler {
	s := NewScheduler(nil)
	s.sleep = func(ctx context.Context, d time.Duration) error {
		if waits != nil {
			*waits = append(*waits, d)
		}
		return ctx.Err()
	}
	return s
}

func TestExecute_AllSlicesFilled(t *testing.T) {
	port := &stubPort{}
	var waits []time.Duration
	s := newTestScheduler(&waits)

	result, err := s.Execute(context.Background(), Request{
		Symbol:        "BTCUSDT",
		Side:          SideBuy,
		TotalQuantity: 1.0,
		Duration:      10 * time.Minute,
		SliceCount:    5,
	}, port)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if result.Aborted {
		t.Errorf("expected aborted=false")
	}
	if result.AttemptedCount != 5 || result.RequestedCount != 5 {
		t.Errorf("unexpected counts: attempted=%d requested=%d", result.AttemptedCount, result.RequestedCount)
	}
	if len(result.Fills) != 5 {
		t.Fatalf("expected 5 fills, got %d", len(result.Fills))
	}
	if !result.FullyFilled() {
		t.Errorf("expected FullyFilled=true")
	}

	if len(port.submissions) != 5 {
		t.Fatalf("expected 5 submissions, got %d", len(port.submissions))
	}
	for i, sub := range port.submissions {
		if sub.symbol != "BTCUSDT" || sub.side != "BUY" {
			t.Errorf("submission %d: unexpected symbol/side %q/%q", i, sub.symbol, sub.side)
		}
		if diff := sub.quantity - 0.2; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("submission %d: expected quantity 0.2, got %f", i, sub.quantity)
		}
	}

	// 切片 1-2、2-3、3-4、4-5 之间各等待 120s，最后一个切片后不等待。
	if len(waits) != 4 {
		t.Fatalf("expected 4 waits, got %d", len(waits))
	}
	for i, w := range waits {
		if w != 2*time.Minute {
			t.Errorf("wait %d: expected 2m, got %v", i, w)
		}
	}
}

func TestExecute_StopsOnSliceFailure(t *testing.T) {
	port := &stubPort{failAt: 3, failErr: errors.New("insufficient margin")}
	var waits []time.Duration
	s := newTestScheduler(&waits)

	result, err := s.Execute(context.Background(), Request{
		Symbol:        "BTCUSDT",
		Side:          SideBuy,
		TotalQuantity: 1.0,
		Duration:      10 * time.Minute,
		SliceCount:    5,
	}, port)
	if err != nil {
		t.Fatalf("slice failure must not surface as error, got: %v", err)
	}

	if !result.Aborted {
		t.Errorf("expected aborted=true")
	}
	if result.AttemptedCount != 3 {
		t.Errorf("expected attempted=3, got %d", result.AttemptedCount)
	}
	if result.RequestedCount != 5 {
		t.Errorf("expected requested=5, got %d", result.RequestedCount)
	}
	if len(result.Fills) != 2 {
		t.Errorf("expected 2 fills, got %d", len(result.Fills))
	}
	if result.FullyFilled() {
		t.Errorf("expected FullyFilled=false")
	}
	if len(port.submissions) != 3 {
		t.Errorf("no further slices may be submitted after a failure, got %d submissions", len(port.submissions))
	}
	// 失败切片之后不再等待。
	if len(waits) != 2 {
		t.Errorf("expected 2 waits, got %d", len(waits))
	}
}

func TestExecute_SingleSliceNoWait(t *testing.T) {
	port := &stubPort{}
	var waits []time.Duration
	s := newTestScheduler(&waits)

	result, err := s.Execute(context.Background(), Request{
		Symbol:        "ETHUSDT",
		Side:          SideSell,
		TotalQuantity: 3,
		Duration:      time.Hour,
		SliceCount:    1,
	}, port)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if len(port.submissions) != 1 {
		t.Fatalf("expected exactly one submission, got %d", len(port.submissions))
	}
	if port.submissions[0].quantity != 3 {
		t.Errorf("expected quantity 3, got %f", port.submissions[0].quantity)
	}
	if len(waits) != 0 {
		t.Errorf("expected zero waits, got %d", len(waits))
	}
	if !result.FullyFilled() {
		t.Errorf("expected FullyFilled=true")
	}
}

func TestExecute_ZeroDurationBackToBack(t *testing.T) {
	port := &stubPort{}
	var waits []time.Duration
	s := newTestScheduler(&waits)

	result, err := s.Execute(context.Background(), Request{
		Symbol:        "BTCUSDT",
		Side:          SideBuy,
		TotalQuantity: 10,
		Duration:      0,
		SliceCount:    5,
	}, port)
	if err != nil {
		t.Fatalf("zero duration must be accepted, got: %v", err)
	}

	if result.AttemptedCount != 5 || result.Aborted {
		t.Errorf("expected all 5 slices attempted, got attempted=%d aborted=%v", result.AttemptedCount, result.Aborted)
	}

	var total time.Duration
	for _, w := range waits {
		total += w
	}
	if total != 0 {
		t.Errorf("expected zero total wait, got %v", total)
	}
}

func TestExecute_UnevenSliceQuantity(t *testing.T) {
	port := &stubPort{}
	s := newTestScheduler(nil)

	if _, err := s.Execute(context.Background(), Request{
		Symbol:        "BTCUSDT",
		Side:          SideBuy,
		TotalQuantity: 1,
		SliceCount:    3,
	}, port); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	want := 1.0 / 3.0
	for i, sub := range port.submissions {
		if diff := sub.quantity - want; diff > 1e-12 || diff < -1e-12 {
			t.Errorf("submission %d: expected quantity %v, got %v", i, want, sub.quantity)
		}
	}
}

func TestExecute_NormalizesSymbolAndSide(t *testing.T) {
	port := &stubPort{}
	s := newTestScheduler(nil)

	if _, err := s.Execute(context.Background(), Request{
		Symbol:        " btcusdt ",
		Side:          Side("buy"),
		TotalQuantity: 1,
		SliceCount:    1,
	}, port); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if port.submissions[0].symbol != "BTCUSDT" {
		t.Errorf("expected normalized symbol BTCUSDT, got %q", port.submissions[0].symbol)
	}
	if port.submissions[0].side != "BUY" {
		t.Errorf("expected normalized side BUY, got %q", port.submissions[0].side)
	}
}

func TestExecute_InvalidRequest(t *testing.T) {
	cases := []struct {
		name string
		req  Request
	}{
		{"empty symbol", Request{Side: SideBuy, TotalQuantity: 1, SliceCount: 1}},
		{"bad side", Request{Symbol: "BTCUSDT", Side: "HOLD", TotalQuantity: 1, SliceCount: 1}},
		{"zero quantity", Request{Symbol: "BTCUSDT", Side: SideBuy, TotalQuantity: 0, SliceCount: 1}},
		{"negative quantity", Request{Symbol: "BTCUSDT", Side: SideBuy, TotalQuantity: -1, SliceCount: 1}},
		{"zero slices", Request{Symbol: "BTCUSDT", Side: SideBuy, TotalQuantity: 1, SliceCount: 0}},
		{"negative duration", Request{Symbol: "BTCUSDT", Side: SideBuy, TotalQuantity: 1, Duration: -time.Second, SliceCount: 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			port := &stubPort{}
			s := newTestScheduler(nil)

			_, err := s.Execute(context.Background(), tc.req, port)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			if len(port.submissions) != 0 {
				t.Errorf("no submission may happen on invalid input, got %d", len(port.submissions))
			}
		})
	}
}

func TestExecute_CancelDuringWait(t *testing.T) {
	port := &stubPort{}
	s := NewScheduler(nil)

	var sleeps int
	s.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		if sleeps == 2 {
			return context.Canceled
		}
		return nil
	}

	result, err := s.Execute(context.Background(), Request{
		Symbol:        "BTCUSDT",
		Side:          SideBuy,
		TotalQuantity: 1,
		Duration:      10 * time.Minute,
		SliceCount:    5,
	}, port)
	if err != nil {
		t.Fatalf("cancellation must not surface as error, got: %v", err)
	}

	if !result.Aborted {
		t.Errorf("expected aborted=true after cancellation")
	}
	if result.AttemptedCount != 2 || len(result.Fills) != 2 {
		t.Errorf("expected 2 attempted/filled before cancellation, got attempted=%d fills=%d",
			result.AttemptedCount, len(result.Fills))
	}
	if len(port.submissions) != 2 {
		t.Errorf("expected no submission after cancellation, got %d", len(port.submissions))
	}
}

func TestExecute_CancelBeforeFirstSubmission(t *testing.T) {
	port := &stubPort{}
	s := newTestScheduler(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := s.Execute(ctx, Request{
		Symbol:        "BTCUSDT",
		Side:          SideBuy,
		TotalQuantity: 1,
		SliceCount:    3,
	}, port)
	if err != nil {
		t.Fatalf("cancellation must not surface as error, got: %v", err)
	}

	if !result.Aborted || result.AttemptedCount != 0 || len(result.Fills) != 0 {
		t.Errorf("expected empty aborted result, got %+v", result)
	}
	if len(port.submissions) != 0 {
		t.Errorf("expected no submissions, got %d", len(port.submissions))
	}
}

func TestExecute_SubmissionOrderIsSequential(t *testing.T) {
	port := &stubPort{}
	s := newTestScheduler(nil)

	result, err := s.Execute(context.Background(), Request{
		Symbol:        "BTCUSDT",
		Side:          SideBuy,
		TotalQuantity: 8,
		SliceCount:    8,
	}, port)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	// 桩端按调用顺序编号回执，成交列表应保持提交顺序。
	for i, fill := range result.Fills {
		if fill.ID != fmt.Sprintf("%d", i+1) {
			t.Errorf("fill %d: expected order id %d, got %s", i, i+1, fill.ID)
		}
	}
}
