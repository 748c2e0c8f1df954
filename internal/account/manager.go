package account

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type accountClient interface {
	FetchBalance(ctx context.Context) (ccxt.Balances, error)
	FetchPositions(ctx context.Context) ([]ccxt.Position, error)
}

// AssetBalance 为单一资产的余额明细。
type AssetBalance struct {
	Asset     string
	Wallet    float64
	Available float64
}

// Balance 描述合约账户资金概览。
type Balance struct {
	TotalWallet float64
	TotalMargin float64
	Available   float64
	Unrealized  float64
	Assets      []AssetBalance
	Timestamp   time.Time
}

// PositionDetail 表示单个方向的仓位详情。
type PositionDetail struct {
	Symbol        string
	Side          string
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	LiqPrice      float64
	Notional      float64
	UnrealizedPnl float64
	Leverage      float64
	MarginMode    string
	Timestamp     time.Time
}

// Snapshot 聚合账户资金与持仓。
type Snapshot struct {
	Balance   Balance
	Positions []PositionDetail
}

// Manager 维护账户资金与仓位查询。
type Manager struct {
	client accountClient
	logger *zap.Logger
}

// NewManager 创建账户管理器。
func NewManager(client accountClient, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client: client,
		logger: logger,
	}
}

// FetchSnapshot 并行拉取账户余额与当前持仓。
func (m *Manager) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	var (
		rawBalance   ccxt.Balances
		rawPositions []ccxt.Position
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		balances, err := m.client.FetchBalance(groupCtx)
		if err != nil {
			return fmt.Errorf("account: 获取账户余额失败: %w", err)
		}
		rawBalance = balances
		return nil
	})

	group.Go(func() error {
		positions, err := m.client.FetchPositions(groupCtx)
		if err != nil {
			return fmt.Errorf("account: 获取持仓失败: %w", err)
		}
		rawPositions = positions
		return nil
	})

	if err := group.Wait(); err != nil {
		return Snapshot{}, err
	}

	now := time.Now().UTC()
	snapshot := Snapshot{
		Balance:   convertBalance(rawBalance, now),
		Positions: convertPositions(rawPositions, now),
	}

	m.logger.Debug("账户快照获取完成",
		zap.Float64("total_wallet", snapshot.Balance.TotalWallet),
		zap.Int("assets", len(snapshot.Balance.Assets)),
		zap.Int("positions", len(snapshot.Positions)),
	)

	return snapshot, nil
}

func convertBalance(balances ccxt.Balances, now time.Time) Balance {
	balance := Balance{Timestamp: now}

	if balances.Total != nil {
		for asset, total := range balances.Total {
			if total == nil || *total == 0 {
				continue
			}
			entry := AssetBalance{Asset: asset, Wallet: *total}
			if balances.Free != nil {
				if free, ok := balances.Free[asset]; ok && free != nil {
					entry.Available = *free
				}
			}
			balance.Assets = append(balance.Assets, entry)
		}
	}

	if balances.Info != nil {
		balance.TotalWallet = parseNumeric(balances.Info["totalWalletBalance"])
		balance.TotalMargin = parseNumeric(balances.Info["totalMarginBalance"])
		balance.Available = parseNumeric(balances.Info["availableBalance"])
		balance.Unrealized = parseNumeric(balances.Info["totalUnrealizedProfit"])
	}

	// 测试网等环境的 Info 可能缺字段，退化为资产汇总。
	if balance.TotalWallet == 0 {
		for _, asset := range balance.Assets {
			balance.TotalWallet += asset.Wallet
		}
	}
	if balance.Available == 0 {
		for _, asset := range balance.Assets {
			balance.Available += asset.Available
		}
	}

	return balance
}

func convertPositions(rawPositions []ccxt.Position, now time.Time) []PositionDetail {
	var positions []PositionDetail

	for _, rawPos := range rawPositions {
		size := derefFloat(rawPos.Contracts)
		if size == 0 {
			continue
		}

		symbol := derefString(rawPos.Symbol)
		if symbol == "" {
			continue
		}

		side := strings.ToUpper(strings.TrimSpace(derefString(rawPos.Side)))
		if side == "" {
			side = "LONG"
		}

		positions = append(positions, PositionDetail{
			Symbol:        symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    derefFloat(rawPos.EntryPrice),
			MarkPrice:     derefFloat(rawPos.MarkPrice),
			LiqPrice:      derefFloat(rawPos.LiquidationPrice),
			Notional:      derefFloat(rawPos.Notional),
			UnrealizedPnl: derefFloat(rawPos.UnrealizedPnl),
			Leverage:      derefFloat(rawPos.Leverage),
			MarginMode:    strings.ToUpper(strings.TrimSpace(derefString(rawPos.MarginMode))),
			Timestamp:     now,
		})
	}

	return positions
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

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}
