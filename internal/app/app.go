package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"futures-bot/internal/account"
	"futures-bot/internal/config"
	"futures-bot/internal/console"
	"futures-bot/internal/exchange"
	"futures-bot/internal/journal"
	"futures-bot/internal/store"
	"futures-bot/internal/twap"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	in  io.Reader
	out io.Writer
}

// New 创建 App 实例，交互流默认绑定标准输入输出。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
		in:     os.Stdin,
		out:    os.Stdout,
	}
}

// Run 组装交易所客户端与控制台，阻塞至用户退出或收到终止信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易终端已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Bool("testnet", a.cfg.Exchange.UseTestnet),
	)

	client, err := exchange.NewClient(a.cfg.Exchange, a.logger)
	if err != nil {
		return fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	journalSvc, err := journal.NewService(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化流水服务失败: %w", err)
	}

	accounts := account.NewManager(client, a.logger)
	scheduler := twap.NewScheduler(a.logger)

	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, journalSvc, client, a.cfg.Monitor.Port, a.logger); err != nil {
			return fmt.Errorf("启动监控接口失败: %w", err)
		}
	}

	ui := console.New(client, accounts, journalSvc, scheduler, a.cfg.Twap, a.in, a.out, a.logger)

	if err := ui.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		}
		return fmt.Errorf("控制台异常退出: %w", err)
	}

	a.logger.Info("控制台已退出")
	return nil
}
