package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/hiregrid/connects/internal/connectsapi"
	"github.com/hiregrid/connects/internal/directory"
	"github.com/hiregrid/connects/internal/store/gormstore"
	"github.com/hiregrid/connects/internal/store/pgstore"
	"github.com/hiregrid/connects/pkg/connects"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagAllowedOrigins   = "allowed-origins"
	flagPriceCents       = "price-cents"
	flagStoreBackend     = "store"
	flagInitialBalance   = "initial-balance"
	configKeyDatabaseURL = "database_url"
	configKeyListenAddr  = "listen_addr"
	configKeyOrigins     = "allowed_origins"
	configKeyPriceCents  = "price_cents"
	configKeyStore       = "store"
	defaultDatabaseURL   = "sqlite:///tmp/connects.db"
	defaultListenAddr    = ":8080"
	storeBackendGorm     = "gorm"
	storeBackendPgx      = "pgx"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	AllowedOrigins string
	PriceCents     int64
	StoreBackend   string
}

// ledgerStores bundles the persistence contracts plus the provisioning hook
// both store backends expose.
type ledgerStores struct {
	balances     connects.BalanceStore
	transactions connects.TransactionLog
	provision    func(ctx context.Context, accountID connects.AccountID, initialBalance int64) error
	close        func() error
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "connectsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "connectsd",
		Short:         "Connects balance ledger HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.PersistentFlags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.PersistentFlags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.PersistentFlags().Int64(flagPriceCents, 10, "price per connect in cents for buy transactions")
	cmd.PersistentFlags().String(flagStoreBackend, storeBackendGorm, "storage backend: gorm or pgx")

	cmd.AddCommand(newProvisionCommand(cfg))
	cmd.AddCommand(newReconcileCommand(cfg))

	return cmd
}

func newProvisionCommand(cfg *runtimeConfig) *cobra.Command {
	var initialBalance int64
	cmd := &cobra.Command{
		Use:   "provision <account_id>",
		Short: "Create a balance row for an account (account-directory stand-in)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := connects.NewAccountID(args[0])
			if err != nil {
				return err
			}
			stores, err := openStores(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = stores.close() }()
			return stores.provision(cmd.Context(), accountID, initialBalance)
		},
	}
	cmd.Flags().Int64Var(&initialBalance, flagInitialBalance, 0, "starting balance in connects")
	return cmd
}

func newReconcileCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <account_id>",
		Short: "Repair balance/transaction-log drift for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := connects.NewAccountID(args[0])
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			stores, err := openStores(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = stores.close() }()

			clock := func() int64 { return time.Now().UTC().Unix() }
			reconciler, err := connects.NewReconciler(stores.balances, stores.transactions, clock, connectsapi.NewZapOperationLogger(logger))
			if err != nil {
				return err
			}
			report, err := reconciler.ReconcileAccount(cmd.Context(), accountID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account=%s balance=%d ledger_sum=%d drift=%d repair=%s\n",
				report.AccountID, report.Balance, report.LedgerSum, report.Drift, report.RepairTransactionID)
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL: "DATABASE_URL",
		configKeyListenAddr:  "HTTP_LISTEN_ADDR",
		configKeyOrigins:     "ALLOWED_ORIGINS",
		configKeyPriceCents:  "PRICE_CENTS",
		configKeyStore:       "STORE_BACKEND",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL: flagDatabaseURL,
		configKeyListenAddr:  flagListenAddr,
		configKeyOrigins:     flagAllowedOrigins,
		configKeyPriceCents:  flagPriceCents,
		configKeyStore:       flagStoreBackend,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetString(configKeyOrigins)
	cfg.PriceCents = viper.GetInt64(configKeyPriceCents)
	cfg.StoreBackend = viper.GetString(configKeyStore)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = storeBackendGorm
	}
	if cfg.StoreBackend != storeBackendGorm && cfg.StoreBackend != storeBackendPgx {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.PriceCents < 0 {
		return fmt.Errorf("price cents must not be negative")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = stores.close() }()

	pricing, err := connects.NewFixedRatePolicy(cfg.PriceCents)
	if err != nil {
		return err
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := connects.NewService(
		stores.balances,
		stores.transactions,
		clock,
		connects.WithPricingPolicy(pricing),
		connects.WithOperationLogger(connectsapi.NewZapOperationLogger(logger)),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	accountDirectory, err := directory.NewBalanceDirectory(stores.balances)
	if err != nil {
		return err
	}

	apiConfig := connectsapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: connectsapi.ParseAllowedOrigins(cfg.AllowedOrigins),
	}
	return connectsapi.Run(ctx, apiConfig, service, accountDirectory, logger)
}

func openStores(ctx context.Context, cfg *runtimeConfig) (*ledgerStores, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.StoreBackend == storeBackendPgx {
		if driver != "postgres" {
			return nil, fmt.Errorf("pgx store requires a postgres database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store := pgstore.New(pool)
		return &ledgerStores{
			balances:     store,
			transactions: store,
			provision:    store.ProvisionAccount,
			close:        func() error { pool.Close(); return nil },
		}, nil
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	store := gormstore.New(db.WithContext(ctx))
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return &ledgerStores{
		balances:     store,
		transactions: store,
		provision:    store.ProvisionAccount,
		close:        sqlDB.Close,
	}, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "connects.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
