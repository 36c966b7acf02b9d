package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"github.com/usdb-labs/vaultd/internal/core/application"
	"github.com/usdb-labs/vaultd/internal/core/domain"
	"github.com/usdb-labs/vaultd/internal/core/ports"
	alertsmanager "github.com/usdb-labs/vaultd/internal/infrastructure/alertsmanager"
	"github.com/usdb-labs/vaultd/internal/infrastructure/db"
	badgerdb "github.com/usdb-labs/vaultd/internal/infrastructure/db/badger"
	pgdb "github.com/usdb-labs/vaultd/internal/infrastructure/db/postgres"
	watermillbus "github.com/usdb-labs/vaultd/internal/infrastructure/events/watermill"
	inmemorylocker "github.com/usdb-labs/vaultd/internal/infrastructure/locker/inmemory"
	redislocker "github.com/usdb-labs/vaultd/internal/infrastructure/locker/redis"
	"github.com/usdb-labs/vaultd/internal/infrastructure/node/bitcoind"
	"github.com/usdb-labs/vaultd/internal/infrastructure/oracle"
	"github.com/usdb-labs/vaultd/internal/infrastructure/pricefeed/coingecko"
	blockscheduler "github.com/usdb-labs/vaultd/internal/infrastructure/scheduler/block"
	timescheduler "github.com/usdb-labs/vaultd/internal/infrastructure/scheduler/gocron"
	"github.com/usdb-labs/vaultd/internal/telemetry"
	vaultlib "github.com/usdb-labs/vaultd/pkg/vault-lib"
	"go.opentelemetry.io/otel"
)

var (
	supportedDbs = supportedType{
		"badger":   {},
		"sqlite":   {},
		"postgres": {},
	}
	supportedEventBuses = supportedType{
		"inmemory": {},
		"postgres": {},
	}
	supportedSchedulers = supportedType{
		"gocron": {},
		"block":  {},
	}
	supportedLockers = supportedType{
		"inmemory": {},
		"redis":    {},
	}
)

type Config struct {
	Datadir  string
	LogLevel int
	Network  string

	GuardianKey  string
	RecoveryKeyA string
	RecoveryKeyB string

	DbType       string
	DbDir        string
	DbUrl        string
	EventBusType string
	EventDbUrl   string

	BitcoindRpcHost string
	BitcoindRpcUser string
	BitcoindRpcPass string

	OracleUrl     string
	OracleApiKey  string
	OracleTimeout time.Duration

	PriceFeedUrl     string
	PriceFeedApiKey  string
	PriceCacheTTL    time.Duration
	FallbackPriceUsd float64

	LockerType   string
	RedisUrl     string
	LockTimeout  time.Duration
	LockLeaseTTL time.Duration

	SchedulerType       string
	HealthRefreshPeriod int64
	AtRiskThresholdBps  uint32

	CollateralRatioBps uint32
	CollateralUsdCents uint64
	OrdinalsSats       uint64
	FeeRecipient       string
	FeeRecipientSats   uint64
	RuneHex            string
	WalletPrefix       string
	MinConfirmations   uint32
	RescanTimeout      time.Duration

	AlertManagerURL string
	ExplorerURL     string

	OtelCollectorEndpoint string
	OtelPushInterval      int64
	PyroscopeServerURL    string

	network   *chaincfg.Params
	repo      ports.RepoManager
	node      ports.BitcoinNode
	oracle    ports.SignatureOracle
	priceFeed ports.PriceFeed
	locker    ports.VaultLocker
	scheduler ports.SchedulerService
	eventBus  ports.EventBus
	alerts    ports.Alerts
	svc       application.Service
}

func (c *Config) String() string {
	clone := *c
	for _, secret := range []*string{
		&clone.BitcoindRpcPass, &clone.OracleApiKey, &clone.PriceFeedApiKey,
	} {
		if *secret != "" {
			*secret = "••••••"
		}
	}
	clone.DbUrl = maskUrl(clone.DbUrl)
	clone.EventDbUrl = maskUrl(clone.EventDbUrl)
	clone.RedisUrl = maskUrl(clone.RedisUrl)
	json, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	defaultDatadir             = btcutil.AppDataDir("vaultd", false)
	defaultLogLevel            = 4
	defaultNetwork             = "bitcoin"
	defaultDbType              = "sqlite"
	defaultEventBusType        = "inmemory"
	defaultBitcoindRpcHost     = "http://localhost:8332"
	defaultOracleTimeout       = 10 // seconds
	defaultPriceCacheTTL       = 60 // seconds
	defaultLockerType          = "inmemory"
	defaultLockTimeout         = 30 // seconds
	defaultLockLeaseTTL        = 30 // seconds
	defaultSchedulerType       = "gocron"
	defaultHealthRefreshPeriod = 300 // seconds, or blocks with the block scheduler
	defaultRescanTimeout       = 300 // seconds
	defaultOtelPushInterval    = 10  // seconds
)

// env returns a list of strings prefixed with `VAULTD_`.
// This is used as a syntax sugar for defining env vars.
func env(values ...string) []string {
	envs := make([]string, len(values))

	for i, value := range values {
		envs[i] = fmt.Sprintf("VAULTD_%s", value)
	}

	return envs
}

var (
	ConfigFile = &cli.StringFlag{
		Usage: "Optional config file (yaml, toml or json), flags and env vars take precedence",
		Name:  "config", EnvVars: env("CONFIG"),
	}

	Datadir = &cli.StringFlag{
		Usage: "Directory to store data",
		Name:  "datadir", EnvVars: env("DATADIR"),
		Value: defaultDatadir,
	}

	LogLevel = &cli.IntFlag{
		Usage: "Logging level (0-6, where 6 is trace)",
		Name:  "log-level", EnvVars: env("LOG_LEVEL"),
		Value: defaultLogLevel,
	}

	Network = &cli.StringFlag{
		Usage: "Bitcoin network (bitcoin, testnet, signet, regtest)",
		Name:  "network", EnvVars: env("NETWORK"),
		Value: defaultNetwork,
	}

	GuardianKey = &cli.StringFlag{
		Usage: "Guardian public key (hex), used as taproot internal key of every vault",
		Name:  "guardian-key", EnvVars: env("GUARDIAN_KEY"),
	}

	RecoveryKeyA = &cli.StringFlag{
		Usage: "First recovery public key (hex) of the recover leaf",
		Name:  "recovery-key-a", EnvVars: env("RECOVERY_KEY_A"),
	}

	RecoveryKeyB = &cli.StringFlag{
		Usage: "Second recovery public key (hex) of the recover leaf",
		Name:  "recovery-key-b", EnvVars: env("RECOVERY_KEY_B"),
	}

	DbType = &cli.StringFlag{
		Usage: "Database type (postgres, sqlite, badger)",
		Name:  "db-type", EnvVars: env("DB_TYPE"),
		Value: defaultDbType,
	}

	DbUrl = &cli.StringFlag{
		Usage: "Postgres connection url if VAULTD_DB_TYPE is set to postgres",
		Name:  "pg-db-url", EnvVars: env("PG_DB_URL"),
	}

	EventBusType = &cli.StringFlag{
		Usage: "Event bus type (inmemory, postgres)",
		Name:  "event-bus-type", EnvVars: env("EVENT_BUS_TYPE"),
		Value: defaultEventBusType,
	}

	EventDbUrl = &cli.StringFlag{
		Usage: "Postgres connection url of the event bus, fallback to the db url",
		Name:  "pg-event-db-url", EnvVars: env("PG_EVENT_DB_URL"),
	}

	BitcoindRpcHost = &cli.StringFlag{
		Usage: "Bitcoind json-rpc host, TLS is used unless the url starts with http://",
		Name:  "bitcoind-rpc-host", EnvVars: env("BITCOIND_RPC_HOST"),
		Value: defaultBitcoindRpcHost,
	}

	BitcoindRpcUser = &cli.StringFlag{
		Usage: "Bitcoind json-rpc user",
		Name:  "bitcoind-rpc-user", EnvVars: env("BITCOIND_RPC_USER"),
	}

	BitcoindRpcPass = &cli.StringFlag{
		Usage: "Bitcoind json-rpc password",
		Name:  "bitcoind-rpc-pass", EnvVars: env("BITCOIND_RPC_PASS"),
	}

	OracleUrl = &cli.StringFlag{
		Usage: "Url of the threshold signature oracle",
		Name:  "oracle-url", EnvVars: env("ORACLE_URL"),
	}

	OracleApiKey = &cli.StringFlag{
		Usage: "Api key sent to the signature oracle",
		Name:  "oracle-api-key", EnvVars: env("ORACLE_API_KEY"),
	}

	OracleTimeout = &cli.Int64Flag{
		Usage: "Timeout (in seconds) of a single oracle request",
		Name:  "oracle-timeout", EnvVars: env("ORACLE_TIMEOUT"),
		Value: int64(defaultOracleTimeout),
	}

	PriceFeedUrl = &cli.StringFlag{
		Usage: "Base url of the CoinGecko compatible price api",
		Name:  "price-feed-url", EnvVars: env("PRICE_FEED_URL"),
		Value: coingecko.DefaultBaseURL,
	}

	PriceFeedApiKey = &cli.StringFlag{
		Usage: "CoinGecko api key",
		Name:  "price-feed-api-key", EnvVars: env("PRICE_FEED_API_KEY"),
	}

	PriceCacheTTL = &cli.Int64Flag{
		Usage: "How long (in seconds) a fetched BTC price is reused",
		Name:  "price-cache-ttl", EnvVars: env("PRICE_CACHE_TTL"),
		Value: int64(defaultPriceCacheTTL),
	}

	FallbackPriceUsd = &cli.Float64Flag{
		Usage: "BTC price (in USD) used when the price feed is unreachable",
		Name:  "fallback-price-usd", EnvVars: env("FALLBACK_PRICE_USD"),
		Value: application.DefaultFallbackPriceUsd,
	}

	LockerType = &cli.StringFlag{
		Usage: "Vault locker type (inmemory, redis), redis is required to run several daemons",
		Name:  "locker-type", EnvVars: env("LOCKER_TYPE"),
		Value: defaultLockerType,
	}

	RedisUrl = &cli.StringFlag{
		Usage: "Redis connection url if VAULTD_LOCKER_TYPE is set to redis",
		Name:  "redis-url", EnvVars: env("REDIS_URL"),
	}

	LockTimeout = &cli.Int64Flag{
		Usage: "How long (in seconds) a withdrawal waits for the vault lock",
		Name:  "lock-timeout", EnvVars: env("LOCK_TIMEOUT"),
		Value: int64(defaultLockTimeout),
	}

	LockLeaseTTL = &cli.Int64Flag{
		Usage: "Lease (in seconds) of a redis vault lock, refreshed while held",
		Name:  "lock-lease-ttl", EnvVars: env("LOCK_LEASE_TTL"),
		Value: int64(defaultLockLeaseTTL),
	}

	SchedulerType = &cli.StringFlag{
		Usage: "Scheduler type (gocron, block)",
		Name:  "scheduler-type", EnvVars: env("SCHEDULER_TYPE"),
		Value: defaultSchedulerType,
	}

	HealthRefreshPeriod = &cli.Int64Flag{
		Usage: "Period of the vault health refresh, in seconds or blocks depending on the scheduler, 0 disables it",
		Name:  "health-refresh-period", EnvVars: env("HEALTH_REFRESH_PERIOD"),
		Value: int64(defaultHealthRefreshPeriod),
	}

	AtRiskThresholdBps = &cli.UintFlag{
		Usage: "Collateral ratio (in bps) below which a vault is at risk",
		Name:  "at-risk-threshold-bps", EnvVars: env("AT_RISK_THRESHOLD_BPS"),
		Value: application.DefaultAtRiskThresholdBps,
	}

	CollateralRatioBps = &cli.UintFlag{
		Usage: "Target collateral ratio (in bps) of a new vault",
		Name:  "collateral-ratio-bps", EnvVars: env("COLLATERAL_RATIO_BPS"),
		Value: application.DefaultCollateralRatioBps,
	}

	CollateralUsdCents = &cli.Uint64Flag{
		Usage: "Minted value (in USD cents) the vault collateral is sized for",
		Name:  "collateral-usd-cents", EnvVars: env("COLLATERAL_USD_CENTS"),
		Value: application.DefaultCollateralUsdCents,
	}

	OrdinalsSats = &cli.Uint64Flag{
		Usage: "Amount (in sats) of the ordinals output of a mint",
		Name:  "ordinals-sats", EnvVars: env("ORDINALS_SATS"),
		Value: application.DefaultOrdinalsSats,
	}

	FeeRecipient = &cli.StringFlag{
		Usage: "Address receiving the protocol fee of a mint, no fee output if empty",
		Name:  "fee-recipient", EnvVars: env("FEE_RECIPIENT"),
	}

	FeeRecipientSats = &cli.Uint64Flag{
		Usage: "Amount (in sats) of the protocol fee output",
		Name:  "fee-recipient-sats", EnvVars: env("FEE_RECIPIENT_SATS"),
		Value: application.DefaultFeeRecipientSats,
	}

	RuneHex = &cli.StringFlag{
		Usage: "Runestone payload (hex) of the mint OP_RETURN output",
		Name:  "rune-hex", EnvVars: env("RUNE_HEX"),
		Value: application.DefaultRuneHex,
	}

	WalletPrefix = &cli.StringFlag{
		Usage: "Prefix of the watch-only wallets created on the node",
		Name:  "wallet-prefix", EnvVars: env("WALLET_PREFIX"),
		Value: application.DefaultWalletPrefix,
	}

	MinConfirmations = &cli.UintFlag{
		Usage: "Confirmations required before a vault is withdrawable",
		Name:  "min-confirmations", EnvVars: env("MIN_CONFIRMATIONS"),
		Value: domain.DefaultMinConfirmations,
	}

	RescanTimeout = &cli.Int64Flag{
		Usage: "How long (in seconds) a vault import waits for the wallet rescan",
		Name:  "rescan-timeout", EnvVars: env("RESCAN_TIMEOUT"),
		Value: int64(defaultRescanTimeout),
	}

	AlertManagerURL = &cli.StringFlag{
		Usage: "Alertmanager url, alerts are disabled if empty",
		Name:  "alert-manager-url", EnvVars: env("ALERT_MANAGER_URL"),
	}

	ExplorerURL = &cli.StringFlag{
		Usage: "Block explorer url linked in alerts",
		Name:  "explorer-url", EnvVars: env("EXPLORER_URL"),
	}

	OtelCollectorEndpoint = &cli.StringFlag{
		Usage: "OpenTelemetry collector endpoint, telemetry is disabled if empty",
		Name:  "otel-collector-endpoint", EnvVars: env("OTEL_COLLECTOR_ENDPOINT"),
	}

	OtelPushInterval = &cli.Int64Flag{
		Usage: "OpenTelemetry push interval (in seconds)",
		Name:  "otel-push-interval", EnvVars: env("OTEL_PUSH_INTERVAL"),
		Value: int64(defaultOtelPushInterval),
	}

	PyroscopeServerURL = &cli.StringFlag{
		Usage: "Pyroscope server url, profiling is disabled if empty",
		Name:  "pyroscope-server-url", EnvVars: env("PYROSCOPE_SERVER_URL"),
	}
)

var Flags = []cli.Flag{
	ConfigFile,
	Datadir,
	LogLevel,
	Network,
	GuardianKey,
	RecoveryKeyA,
	RecoveryKeyB,
	DbType,
	DbUrl,
	EventBusType,
	EventDbUrl,
	BitcoindRpcHost,
	BitcoindRpcUser,
	BitcoindRpcPass,
	OracleUrl,
	OracleApiKey,
	OracleTimeout,
	PriceFeedUrl,
	PriceFeedApiKey,
	PriceCacheTTL,
	FallbackPriceUsd,
	LockerType,
	RedisUrl,
	LockTimeout,
	LockLeaseTTL,
	SchedulerType,
	HealthRefreshPeriod,
	AtRiskThresholdBps,
	CollateralRatioBps,
	CollateralUsdCents,
	OrdinalsSats,
	FeeRecipient,
	FeeRecipientSats,
	RuneHex,
	WalletPrefix,
	MinConfirmations,
	RescanTimeout,
	AlertManagerURL,
	ExplorerURL,
	OtelCollectorEndpoint,
	OtelPushInterval,
	PyroscopeServerURL,
}

func LoadConfig(c *cli.Context) (*Config, error) {
	if err := applyConfigFile(c); err != nil {
		return nil, err
	}

	if err := initDatadir(c); err != nil {
		return nil, fmt.Errorf("failed to create datadir: %s", err)
	}

	dbPath := filepath.Join(c.String(Datadir.Name), "db")

	var dbUrl string
	if c.String(DbType.Name) == "postgres" {
		dbUrl = c.String(DbUrl.Name)
		if dbUrl == "" {
			return nil, fmt.Errorf("db type set to 'postgres' but db url is missing")
		}
	}

	var eventDbUrl string
	if c.String(EventBusType.Name) == "postgres" {
		eventDbUrl = c.String(EventDbUrl.Name)
		if eventDbUrl == "" {
			eventDbUrl = c.String(DbUrl.Name)
		}
		if eventDbUrl == "" {
			return nil, fmt.Errorf("event bus type set to 'postgres' but event db url is missing")
		}
	}

	var redisUrl string
	if c.String(LockerType.Name) == "redis" {
		redisUrl = c.String(RedisUrl.Name)
		if redisUrl == "" {
			return nil, fmt.Errorf("locker type set to 'redis' but redis url is missing")
		}
	}

	return &Config{
		Datadir:               c.String(Datadir.Name),
		LogLevel:              c.Int(LogLevel.Name),
		Network:               c.String(Network.Name),
		GuardianKey:           c.String(GuardianKey.Name),
		RecoveryKeyA:          c.String(RecoveryKeyA.Name),
		RecoveryKeyB:          c.String(RecoveryKeyB.Name),
		DbType:                c.String(DbType.Name),
		DbDir:                 dbPath,
		DbUrl:                 dbUrl,
		EventBusType:          c.String(EventBusType.Name),
		EventDbUrl:            eventDbUrl,
		BitcoindRpcHost:       c.String(BitcoindRpcHost.Name),
		BitcoindRpcUser:       c.String(BitcoindRpcUser.Name),
		BitcoindRpcPass:       c.String(BitcoindRpcPass.Name),
		OracleUrl:             c.String(OracleUrl.Name),
		OracleApiKey:          c.String(OracleApiKey.Name),
		OracleTimeout:         seconds(c.Int64(OracleTimeout.Name)),
		PriceFeedUrl:          c.String(PriceFeedUrl.Name),
		PriceFeedApiKey:       c.String(PriceFeedApiKey.Name),
		PriceCacheTTL:         seconds(c.Int64(PriceCacheTTL.Name)),
		FallbackPriceUsd:      c.Float64(FallbackPriceUsd.Name),
		LockerType:            c.String(LockerType.Name),
		RedisUrl:              redisUrl,
		LockTimeout:           seconds(c.Int64(LockTimeout.Name)),
		LockLeaseTTL:          seconds(c.Int64(LockLeaseTTL.Name)),
		SchedulerType:         c.String(SchedulerType.Name),
		HealthRefreshPeriod:   c.Int64(HealthRefreshPeriod.Name),
		AtRiskThresholdBps:    uint32(c.Uint(AtRiskThresholdBps.Name)),
		CollateralRatioBps:    uint32(c.Uint(CollateralRatioBps.Name)),
		CollateralUsdCents:    c.Uint64(CollateralUsdCents.Name),
		OrdinalsSats:          c.Uint64(OrdinalsSats.Name),
		FeeRecipient:          c.String(FeeRecipient.Name),
		FeeRecipientSats:      c.Uint64(FeeRecipientSats.Name),
		RuneHex:               c.String(RuneHex.Name),
		WalletPrefix:          c.String(WalletPrefix.Name),
		MinConfirmations:      uint32(c.Uint(MinConfirmations.Name)),
		RescanTimeout:         seconds(c.Int64(RescanTimeout.Name)),
		AlertManagerURL:       c.String(AlertManagerURL.Name),
		ExplorerURL:           c.String(ExplorerURL.Name),
		OtelCollectorEndpoint: c.String(OtelCollectorEndpoint.Name),
		OtelPushInterval:      c.Int64(OtelPushInterval.Name),
		PyroscopeServerURL:    c.String(PyroscopeServerURL.Name),
	}, nil
}

// applyConfigFile fills every flag that was not set on the command line or
// through env vars with the value found in the config file, if any.
func applyConfigFile(c *cli.Context) error {
	path := c.String(ConfigFile.Name)
	if path == "" {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	for _, flag := range Flags {
		name := flag.Names()[0]
		if name == ConfigFile.Name || c.IsSet(name) || !v.IsSet(name) {
			continue
		}
		value := v.Get(name)
		if slice, ok := value.([]interface{}); ok {
			parts := make([]string, 0, len(slice))
			for _, p := range slice {
				parts = append(parts, fmt.Sprint(p))
			}
			value = strings.Join(parts, ",")
		}
		if err := c.Set(name, fmt.Sprint(value)); err != nil {
			return fmt.Errorf("invalid value for %s in config file: %w", name, err)
		}
	}
	return nil
}

func initDatadir(c *cli.Context) error {
	datadir := c.String(Datadir.Name)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0o755)
	}
	return nil
}

func (c *Config) Validate() error {
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if !supportedEventBuses.supports(c.EventBusType) {
		return fmt.Errorf(
			"event bus type not supported, please select one of: %s",
			supportedEventBuses,
		)
	}
	if !supportedSchedulers.supports(c.SchedulerType) {
		return fmt.Errorf(
			"scheduler type not supported, please select one of: %s",
			supportedSchedulers,
		)
	}
	if !supportedLockers.supports(c.LockerType) {
		return fmt.Errorf(
			"locker type not supported, please select one of: %s",
			supportedLockers,
		)
	}
	if c.LogLevel < int(log.PanicLevel) || c.LogLevel > int(log.TraceLevel) {
		return fmt.Errorf("invalid log level %d, must be in range 0-6", c.LogLevel)
	}
	network, err := vaultlib.NetworkParams(c.Network)
	if err != nil {
		return err
	}
	c.network = network

	for flag, key := range map[string]string{
		GuardianKey.Name:  c.GuardianKey,
		RecoveryKeyA.Name: c.RecoveryKeyA,
		RecoveryKeyB.Name: c.RecoveryKeyB,
	} {
		if key == "" {
			return fmt.Errorf("missing %s", flag)
		}
		if _, _, err := vaultlib.ParseXOnlyKey(key); err != nil {
			return fmt.Errorf("invalid %s: %s", flag, err)
		}
	}
	if c.OracleUrl == "" {
		return fmt.Errorf("missing oracle url")
	}
	if c.CollateralRatioBps < c.AtRiskThresholdBps {
		log.Warnf(
			"target collateral ratio %d bps is below the at-risk threshold %d bps, "+
				"new vaults will be at risk",
			c.CollateralRatioBps, c.AtRiskThresholdBps,
		)
	}
	if c.HealthRefreshPeriod < 0 {
		return fmt.Errorf("invalid health refresh period, must be >= 0")
	}
	if c.FallbackPriceUsd <= 0 {
		return fmt.Errorf("invalid fallback price, must be > 0")
	}

	if err := c.repoManager(); err != nil {
		return err
	}
	if err := c.nodeService(); err != nil {
		return err
	}
	if err := c.oracleService(); err != nil {
		return err
	}
	if err := c.priceFeedService(); err != nil {
		return err
	}
	if err := c.lockerService(); err != nil {
		return err
	}
	if err := c.schedulerService(); err != nil {
		return err
	}
	if err := c.eventBusService(); err != nil {
		return err
	}
	if err := c.alertsService(); err != nil {
		return err
	}
	return nil
}

func (c *Config) AppService() (application.Service, error) {
	if c.svc == nil {
		if err := c.appService(); err != nil {
			return nil, err
		}
	}
	return c.svc, nil
}

// Telemetry starts exporting traces, metrics and logs when a collector is
// configured and profiling when a pyroscope server is. The returned function
// flushes and stops everything.
func (c *Config) Telemetry(ctx context.Context) (func(context.Context), error) {
	shutdowns := make([]func(context.Context) error, 0)
	shutdown := func(ctx context.Context) {
		for _, fn := range shutdowns {
			if err := fn(ctx); err != nil {
				log.WithError(err).Warn("failed to shutdown telemetry")
			}
		}
	}

	if c.OtelCollectorEndpoint != "" {
		otelShutdown, err := telemetry.InitOtelSDK(
			ctx, c.OtelCollectorEndpoint, seconds(c.OtelPushInterval),
		)
		if err != nil {
			return nil, err
		}
		shutdowns = append(shutdowns, otelShutdown)

		metrics, err := telemetry.NewVaultMetrics(
			otel.Meter("vaultd"), telemetry.CountVaults(c.repo.Vaults()),
		)
		if err != nil {
			shutdown(ctx)
			return nil, err
		}
		c.eventBus.RegisterEventsHandler(domain.VaultTopic, metrics.HandleEvent)
	}

	if c.PyroscopeServerURL != "" {
		pyroscopeShutdown, err := telemetry.InitPyroscope(c.PyroscopeServerURL)
		if err != nil {
			shutdown(ctx)
			return nil, err
		}
		shutdowns = append(shutdowns, func(context.Context) error {
			return pyroscopeShutdown()
		})
	}

	return shutdown, nil
}

// Close releases every service built by Validate. The app service, once
// built, owns the scheduler, locker, node and db.
func (c *Config) Close() {
	if c.eventBus != nil {
		c.eventBus.Close()
	}
	if c.svc != nil {
		c.svc.Stop()
		return
	}
	if c.locker != nil {
		c.locker.Close()
	}
	if c.node != nil {
		c.node.Close()
	}
	if c.repo != nil {
		c.repo.Close()
	}
}

func (c *Config) repoManager() error {
	var dataStoreConfig []interface{}

	switch c.DbType {
	case "badger":
		dataStoreConfig = []interface{}{c.DbDir, badgerdb.NewLogger("vaults")}
	case "sqlite":
		dataStoreConfig = []interface{}{c.DbDir}
	case "postgres":
		dataStoreConfig = []interface{}{c.DbUrl, false}
	default:
		return fmt.Errorf("unknown db type")
	}

	svc, err := db.NewService(db.ServiceConfig{
		DataStoreType:   c.DbType,
		DataStoreConfig: dataStoreConfig,
	})
	if err != nil {
		return err
	}

	c.repo = svc
	return nil
}

func (c *Config) nodeService() error {
	svc, err := bitcoind.NewService(bitcoind.Config{
		Host:     c.BitcoindRpcHost,
		User:     c.BitcoindRpcUser,
		Password: c.BitcoindRpcPass,
	})
	if err != nil {
		return err
	}
	c.node = svc
	return nil
}

func (c *Config) oracleService() error {
	svc, err := oracle.NewService(c.OracleUrl, c.OracleApiKey, c.OracleTimeout)
	if err != nil {
		return err
	}
	c.oracle = svc
	return nil
}

func (c *Config) priceFeedService() error {
	c.priceFeed = coingecko.NewService(c.PriceFeedUrl, c.PriceFeedApiKey, c.PriceCacheTTL)
	return nil
}

func (c *Config) lockerService() error {
	var svc ports.VaultLocker
	switch c.LockerType {
	case "inmemory":
		svc = inmemorylocker.NewVaultLocker()
	case "redis":
		redisOpts, err := redis.ParseURL(c.RedisUrl)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		opts := make([]redislocker.Option, 0)
		if c.LockLeaseTTL > 0 {
			opts = append(opts, redislocker.WithLeaseTTL(c.LockLeaseTTL))
		}
		svc = redislocker.NewVaultLocker(redis.NewClient(redisOpts), opts...)
	default:
		return fmt.Errorf("unknown locker type")
	}

	c.locker = svc
	return nil
}

func (c *Config) schedulerService() error {
	var svc ports.SchedulerService
	var err error
	switch c.SchedulerType {
	case "gocron":
		svc = timescheduler.NewScheduler()
	case "block":
		svc, err = blockscheduler.NewScheduler(c.node)
	default:
		err = fmt.Errorf("unknown scheduler type")
	}
	if err != nil {
		return err
	}

	c.scheduler = svc
	return nil
}

func (c *Config) eventBusService() error {
	var svc ports.EventBus
	switch c.EventBusType {
	case "inmemory":
		svc = watermillbus.NewInMemoryEventBus()
	case "postgres":
		db, err := pgdb.OpenDb(c.EventDbUrl, false)
		if err != nil {
			return fmt.Errorf("failed to open event db: %w", err)
		}
		svc, err = watermillbus.NewPostgresEventBus(db)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown event bus type")
	}

	c.eventBus = svc
	return nil
}

func (c *Config) alertsService() error {
	if c.AlertManagerURL == "" {
		return nil
	}

	c.alerts = alertsmanager.NewService(c.AlertManagerURL, c.ExplorerURL)
	return nil
}

func (c *Config) appService() error {
	if c.repo == nil {
		return fmt.Errorf("config not validated")
	}

	svc, err := application.NewService(
		application.Config{
			Network:      c.network,
			GuardianKey:  c.GuardianKey,
			RecoveryKeyA: c.RecoveryKeyA,
			RecoveryKeyB: c.RecoveryKeyB,
			Mint: application.MintConfig{
				CollateralRatioBps: c.CollateralRatioBps,
				CollateralUsdCents: c.CollateralUsdCents,
				OrdinalsSats:       c.OrdinalsSats,
				FeeRecipient:       c.FeeRecipient,
				FeeRecipientSats:   c.FeeRecipientSats,
				RuneHex:            c.RuneHex,
				WalletPrefix:       c.WalletPrefix,
				MinConfirmations:   c.MinConfirmations,
				RescanTimeout:      c.RescanTimeout,
			},
			AtRiskThresholdBps:  c.AtRiskThresholdBps,
			HealthRefreshPeriod: c.HealthRefreshPeriod,
			FallbackPriceUsd:    c.FallbackPriceUsd,
			LockTimeout:         c.LockTimeout,
		},
		c.repo, c.node, c.oracle, c.priceFeed, c.locker, c.scheduler, c.eventBus, c.alerts,
	)
	if err != nil {
		return err
	}

	c.svc = svc
	return nil
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

// maskUrl hides the password of a connection url.
func maskUrl(rawUrl string) string {
	scheme, rest, ok := strings.Cut(rawUrl, "://")
	if !ok {
		return rawUrl
	}
	userInfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return rawUrl
	}
	user, _, hasPass := strings.Cut(userInfo, ":")
	if !hasPass {
		return rawUrl
	}
	return fmt.Sprintf("%s://%s:••••••@%s", scheme, user, host)
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
