package main

import (
	"context"
	"errors"
	"fmt"
	"lobster-mm-bot-go/internal/bot"
	"lobster-mm-bot-go/internal/config"
	"lobster-mm-bot-go/internal/exchange"
	"lobster-mm-bot-go/internal/logger"
	"lobster-mm-bot-go/internal/models"
	"lobster-mm-bot-go/internal/paramstore"
	"lobster-mm-bot-go/internal/persistence"
	"lobster-mm-bot-go/internal/reporter"
	"lobster-mm-bot-go/internal/storage"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "lobster",
		Short:         "Market making and grid trading bot for Binance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.json", "path to the bot config file")

	rootCmd.AddCommand(runCmd(), stopCmd(), historyCmd(), reportCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var cfgErr *models.ConfigError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// setup 加载配置并用配置中的日志设置重新初始化 logger
func setup() (*models.Config, error) {
	// 先用默认配置初始化，以便加载配置时就能记录日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	logger.InitLogger(cfg.LogConfig)
	return cfg, nil
}

func openStore(cfg *models.Config) (*storage.Store, error) {
	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, &models.PersistenceError{Op: "open " + cfg.Storage.DBPath, Err: err}
	}
	return store, nil
}

// newExchange 根据 venue 选择真实交易所或模拟撮合。
// paper 模式使用币安公共行情，不需要 API 密钥。
func newExchange(cfg *models.Config, log *zap.Logger) (exchange.Exchange, error) {
	creds, loaded := config.LoadCredentials()
	if loaded {
		logger.S().Info("成功从 .env 文件加载配置。")
	} else {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	}

	spot := cfg.Strategy == models.StrategySpot
	switch exchange.Venue(cfg.Exchange.Venue) {
	case exchange.VenuePaper:
		feedCfg := cfg.Exchange
		feedCfg.Venue = string(exchange.VenueFutures)
		if spot {
			feedCfg.Venue = string(exchange.VenueSpot)
		}
		feed := exchange.NewBinanceExchange(feedCfg, "", "", log)
		log.Info("使用模拟撮合，行情来自币安公共接口", zap.Float64("quote_balance", cfg.Exchange.PaperQuoteBalance))
		return exchange.NewPaperExchange(cfg.Exchange, spot, feed, log), nil
	case exchange.VenueFutures, exchange.VenueSpot:
		if !creds.Complete() {
			return nil, &models.ConfigError{Reason: "BINANCE_API_KEY 和 BINANCE_SECRET_KEY 必须被设置"}
		}
		if cfg.Exchange.Testnet {
			log.Info("正在使用币安测试网...")
		}
		return exchange.NewBinanceExchange(cfg.Exchange, creds.APIKey, creds.SecretKey, log), nil
	default:
		return nil, &models.ConfigError{Field: "exchange.venue", Reason: fmt.Sprintf("未知的交易场所: %s", cfg.Exchange.Venue)}
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the control loop for the configured pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			log := logger.L()
			defer log.Sync()

			// 先校验凭证再打开数据库
			ex, err := newExchange(cfg, log)
			if err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			repo, err := persistence.NewBadgerRepository(cfg.Storage.StatePath)
			if err != nil {
				return &models.PersistenceError{Op: "open state store", Err: err}
			}
			defer repo.Close()

			b, err := bot.New(cfg, ex, store, repo, log)
			if err != nil {
				return err
			}

			// SIGINT/SIGTERM 触发优雅停机：撤销全部挂单并写入最终快照
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("--- 启动控制循环 ---",
				zap.String("pair", cfg.Pair),
				zap.String("strategy", string(cfg.Strategy)),
				zap.String("venue", cfg.Exchange.Venue))
			if err := b.Run(ctx); err != nil {
				if errors.Is(err, models.ErrHalted) {
					log.Error("机器人已停机，需要人工检查后重新启动", zap.Error(err))
				}
				return err
			}
			log.Info("机器人已正常退出")
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Cancel every open order for the configured pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			log := logger.L()
			defer log.Sync()

			if exchange.Venue(cfg.Exchange.Venue) == exchange.VenuePaper {
				log.Warn("模拟撮合的挂单只存在于运行中的进程内，请直接中断该进程")
				return nil
			}

			ex, err := newExchange(cfg, log)
			if err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			open, err := ex.OpenOrders(ctx, cfg.Pair)
			if err != nil {
				log.Warn("获取挂单失败，仍然尝试全部撤销", zap.Error(err))
			}
			if err := ex.CancelAllOrders(ctx, cfg.Pair); err != nil {
				return fmt.Errorf("撤销 %s 挂单失败: %w", cfg.Pair, err)
			}
			log.Warn("已撤销全部挂单", zap.String("pair", cfg.Pair), zap.Int("orders", len(open)))

			_, err = store.InsertSystemEvent(ctx, &models.SystemEvent{
				Timestamp:   time.Now(),
				Pair:        cfg.Pair,
				Type:        "emergency",
				Title:       "手动停止",
				Description: "stop 命令撤销了全部挂单",
				Metadata:    map[string]interface{}{"canceled_orders": len(open)},
			})
			if err != nil {
				log.Error("系统事件写入失败", zap.Error(&models.PersistenceError{Op: "insert system event", Err: err}))
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the parameter change history of the configured pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ps := paramstore.New(store, logger.L())
			ctx := cmd.Context()
			changes, err := ps.History(ctx, cfg.Pair, limit)
			if err != nil {
				return err
			}
			fmt.Println(reporter.HistoryTable(cfg.Pair, changes))

			active, err := ps.ActiveParameterSet(ctx, cfg.Pair)
			if err != nil {
				return err
			}
			if active != nil {
				fmt.Printf("当前参数集 #%d  hash %s  创建于 %s\n",
					active.ID, active.ConfigHash, active.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of changes to show, 0 for all")
	return cmd
}

func reportCmd() *cobra.Command {
	var (
		since  time.Duration
		events int
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize minute metrics and recent system events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			pairs := []string{cfg.Pair}
			if all {
				if pairs, err = store.ListPairs(ctx); err != nil {
					return err
				}
			}
			for _, pair := range pairs {
				snaps, err := store.ListSnapshots(ctx, pair, time.Now().Add(-since), 0)
				if err != nil {
					return err
				}
				fmt.Println(reporter.SummaryTable(reporter.Summarize(pair, snaps)))
			}

			if events > 0 {
				evs, err := store.ListSystemEvents(ctx, cfg.Pair, events)
				if err != nil {
					return err
				}
				fmt.Println(reporter.EventsTable(cfg.Pair, evs))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "report window ending now")
	cmd.Flags().IntVar(&events, "events", 20, "number of recent system events to show, 0 to hide")
	cmd.Flags().BoolVar(&all, "all", false, "summarize every pair found in the database")
	return cmd
}
