package account

import (
	"context"
	"errors"
	"testing"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

type stubAccountClient struct {
	balances  ccxt.Balances
	positions []ccxt.Position

	balanceErr  error
	positionErr error
}

func (s *stubAccountClient) FetchBalance(ctx context.Context) (ccxt.Balances, error) {
	return s.balances, s.balanceErr
}

func (s *stubAccountClient) FetchPositions(ctx context.Context) ([]ccxt.Position, error) {
	return s.positions, s.positionErr
}

func ptrFloat(v float64) *float64 { return &v }
func ptrString(v string) *string  { return &v }

func TestFetchSnapshot_ParsesBalanceAndPositions(t *testing.T) {
	client := &stubAccountClient{
		balances: ccxt.Balances{
			Total: map[string]*float64{
				"USDT": ptrFloat(1500.5),
				"BNB":  ptrFloat(0),
			},
			Free: map[string]*float64{
				"USDT": ptrFloat(1200),
			},
			Info: map[string]interface{}{
				"totalWalletBalance":    "1500.50",
				"totalMarginBalance":    "1510.25",
				"availableBalance":      "1200.00",
				"totalUnrealizedProfit": "9.75",
			},
		},
		positions: []ccxt.Position{
			{
				Symbol:        ptrString("BTC/USDT:USDT"),
				Side:          ptrString("long"),
				Contracts:     ptrFloat(0.02),
				EntryPrice:    ptrFloat(50000),
				MarkPrice:     ptrFloat(51000),
				UnrealizedPnl: ptrFloat(20),
				Leverage:      ptrFloat(10),
				MarginMode:    ptrString("cross"),
			},
			{
				// 零仓位应被过滤。
				Symbol:    ptrString("ETH/USDT:USDT"),
				Contracts: ptrFloat(0),
			},
		},
	}

	mgr := NewManager(client, nil)
	snapshot, err := mgr.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("FetchSnapshot returned error: %v", err)
	}

	if snapshot.Balance.TotalWallet != 1500.5 {
		t.Errorf("expected total wallet 1500.5, got %f", snapshot.Balance.TotalWallet)
	}
	if snapshot.Balance.Available != 1200 {
		t.Errorf("expected available 1200, got %f", snapshot.Balance.Available)
	}
	if snapshot.Balance.Unrealized != 9.75 {
		t.Errorf("expected unrealized 9.75, got %f", snapshot.Balance.Unrealized)
	}
	if len(snapshot.Balance.Assets) != 1 || snapshot.Balance.Assets[0].Asset != "USDT" {
		t.Fatalf("expected single USDT asset, got %+v", snapshot.Balance.Assets)
	}

	if len(snapshot.Positions) != 1 {
		t.Fatalf("expected single active position, got %d", len(snapshot.Positions))
	}
	pos := snapshot.Positions[0]
	if pos.Symbol != "BTC/USDT:USDT" || pos.Side != "LONG" {
		t.Errorf("unexpected position identity: %+v", pos)
	}
	if pos.Size != 0.02 || pos.EntryPrice != 50000 {
		t.Errorf("unexpected position numbers: %+v", pos)
	}
	if pos.MarginMode != "CROSS" {
		t.Errorf("expected margin mode CROSS, got %q", pos.MarginMode)
	}
}

func TestFetchSnapshot_FallsBackToAssetTotals(t *testing.T) {
	client := &stubAccountClient{
		balances: ccxt.Balances{
			Total: map[string]*float64{
				"USDT": ptrFloat(100),
				"USDC": ptrFloat(50),
			},
			Free: map[string]*float64{
				"USDT": ptrFloat(80),
				"USDC": ptrFloat(50),
			},
		},
	}

	mgr := NewManager(client, nil)
	snapshot, err := mgr.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("FetchSnapshot returned error: %v", err)
	}

	if snapshot.Balance.TotalWallet != 150 {
		t.Errorf("expected summed wallet 150, got %f", snapshot.Balance.TotalWallet)
	}
	if snapshot.Balance.Available != 130 {
		t.Errorf("expected summed available 130, got %f", snapshot.Balance.Available)
	}
}

func TestFetchSnapshot_PropagatesErrors(t *testing.T) {
	client := &stubAccountClient{positionErr: errors.New("boom")}

	mgr := NewManager(client, nil)
	if _, err := mgr.FetchSnapshot(context.Background()); err == nil {
		t.Fatalf("expected error from position fetch")
	}
}

func TestParseNumeric(t *testing.T) {
	cases := []struct {
		in   interface{}
		want float64
	}{
		{nil, 0},
		{"", 0},
		{" 42.5 ", 42.5},
		{"abc", 0},
		{float64(7), 7},
		{int(3), 3},
		{int64(-2), -2},
	}

	for _, tc := range cases {
		if got := parseNumeric(tc.in); got != tc.want {
			t.Errorf("parseNumeric(%v) = %f, want %f", tc.in, got, tc.want)
		}
	}
}
