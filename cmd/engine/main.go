package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/deep-research/execution-engine/internal/engine"
	"github.com/deep-research/execution-engine/internal/exchange"
	"github.com/deep-research/execution-engine/internal/exchange/bybit"
	"github.com/deep-research/execution-engine/internal/monitoring"
	"github.com/deep-research/execution-engine/internal/notifications"
	"github.com/deep-research/execution-engine/internal/reporting"
	"github.com/deep-research/execution-engine/internal/store"
)

func main() {
	var (
		accounts       = flag.String("accounts", "", "Comma-separated account IDs to start engines for")
		envFile        = flag.String("env", ".env", "Environment file path (default: .env)")
		storeDir       = flag.String("store-dir", "data", "Directory for file-backed config and audit storage")
		logDir         = flag.String("log-dir", "logs", "Directory for per-account log files")
		metricsAddr    = flag.String("metrics-addr", ":9090", "Listen address for Prometheus metrics")
		streamURL      = flag.String("stream-url", "", "Private execution WebSocket URL (optional)")
		demo           = flag.Bool("demo", true, "Use demo trading environment - paper trading (default: true)")
		testnet        = flag.Bool("testnet", false, "Use testnet environment")
		statusInterval = flag.Duration("status-interval", time.Minute, "Interval between status table prints")
		exportDir      = flag.String("export-dir", "", "Directory for per-account trade-history Excel export on shutdown (optional)")
	)
	flag.Parse()

	if *accounts == "" {
		log.Fatal("Please specify at least one account with -accounts flag")
	}

	// Load environment variables from .env file
	if err := loadEnvFile(*envFile); err != nil {
		log.Printf("Warning: Could not load .env file (%v), checking environment variables...", err)
	}

	fmt.Println("🚀 Execution Engine Starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := buildStore(ctx, *storeDir)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer closeStore()

	notifier := buildNotifier()
	factory := buildConnectorFactory(*demo, *testnet)

	registry := engine.NewRegistry(st, factory, notifier, *logDir)

	accountIDs := splitAccounts(*accounts)
	for _, id := range accountIDs {
		if _, err := registry.Get(ctx, id); err != nil {
			log.Fatalf("Failed to start engine for account %s: %v", id, err)
		}
		fmt.Printf("✅ Engine ready for account %s\n", id)
	}
	if err := notifier.SendAlert(notifications.LevelInfo,
		fmt.Sprintf("Execution engine started for accounts: %s", strings.Join(accountIDs, ", "))); err != nil {
		log.Printf("Startup alert failed: %v", err)
	}

	// Prometheus metrics endpoint
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: metricsMux()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server failed: %v", err)
		}
	}()
	fmt.Printf("📊 Metrics available at %s/metrics\n", *metricsAddr)

	// Private execution stream feeds maker fill accounting.
	var stream *exchange.FillStream
	if *streamURL != "" {
		stream, err = exchange.NewFillStream(*streamURL)
		if err != nil {
			log.Fatalf("Failed to connect execution stream: %v", err)
		}
		if err := stream.Subscribe("execution"); err != nil {
			log.Fatalf("Failed to subscribe to execution stream: %v", err)
		}
		go func() {
			err := stream.Listen(ctx, func(fill exchange.FillEvent) {
				for _, id := range registry.Accounts() {
					if c, err := registry.Get(ctx, id); err == nil {
						c.OnFill(fill)
					}
				}
			})
			if err != nil && ctx.Err() == nil {
				log.Printf("Execution stream stopped: %v", err)
			}
		}()
		fmt.Println("🔌 Execution stream connected")
	}

	// Periodic operator status table.
	go func() {
		ticker := time.NewTicker(*statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				engine.RenderStatusTable(os.Stdout, registry.Statuses(ctx))
			}
		}
	}()

	<-ctx.Done()
	fmt.Println("\n🛑 Shutdown signal received...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if stream != nil {
		stream.Close()
	}
	if *exportDir != "" {
		exportTradeHistories(shutdownCtx, registry, *exportDir)
	}
	registry.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)

	if err := notifier.SendAlert(notifications.LevelWarning, "Execution engine stopped"); err != nil {
		log.Printf("Shutdown alert failed: %v", err)
	}
	fmt.Println("✅ Engine stopped successfully")
}

// loadEnvFile loads environment variables from a file
func loadEnvFile(envFile string) error {
	if _, err := os.Stat(envFile); err == nil {
		return godotenv.Load(envFile)
	}
	return fmt.Errorf("env file %s not found", envFile)
}

// buildStore selects the persistence backend: Postgres when DATABASE_URL is
// set, files otherwise.
func buildStore(ctx context.Context, dir string) (store.Store, func(), error) {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pg, err := store.NewPostgresStore(ctx, dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		fmt.Println("💾 Using Postgres store")
		return pg, pg.Close, nil
	}

	fs, err := store.NewFileStore(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("file store: %w", err)
	}
	fmt.Printf("💾 Using file store at %s\n", dir)
	return fs, func() {}, nil
}

// buildNotifier wires Telegram alerts when credentials are present.
func buildNotifier() notifications.Notifier {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatID := os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || chatID == "" {
		return notifications.NopNotifier{}
	}
	fmt.Println("📣 Telegram alerts enabled")
	return notifications.NewTelegramNotifier(token, chatID)
}

// buildConnectorFactory returns a factory producing Bybit connectors from
// environment credentials.
func buildConnectorFactory(demo, testnet bool) engine.ConnectorFactory {
	return func(ctx context.Context, accountID string) (exchange.Connector, error) {
		apiKey := os.Getenv("BYBIT_API_KEY")
		apiSecret := os.Getenv("BYBIT_API_SECRET")
		if apiKey == "" || apiSecret == "" {
			return nil, fmt.Errorf("BYBIT_API_KEY and BYBIT_API_SECRET are required (set in environment or .env)")
		}
		return bybit.New(bybit.Config{
			APIKey:    apiKey,
			APISecret: apiSecret,
			Demo:      demo,
			Testnet:   testnet,
		}), nil
	}
}

// exportTradeHistories writes one Excel workbook per account covering its
// closed and still-open trades. Accounts with no trades are skipped.
func exportTradeHistories(ctx context.Context, registry *engine.Registry, dir string) {
	reporter := reporting.NewExcelReporter()
	for _, id := range registry.Accounts() {
		c, err := registry.Get(ctx, id)
		if err != nil {
			log.Printf("Trade history export skipped for %s: %v", id, err)
			continue
		}
		trades := append(c.ClosedTrades(), c.ActiveTrades()...)
		if len(trades) == 0 {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_trades.xlsx", id))
		if err := reporter.WriteTradeHistory(id, trades, path); err != nil {
			log.Printf("Trade history export failed for %s: %v", id, err)
			continue
		}
		fmt.Printf("📄 Trade history for %s exported to %s\n", id, path)
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())
	return mux
}

func splitAccounts(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
