package application

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/domain"
	"github.com/usdb-labs/vaultd/internal/core/ports"
	"github.com/usdb-labs/vaultd/pkg/errors"
)

type Config struct {
	Network      *chaincfg.Params
	GuardianKey  string
	RecoveryKeyA string
	RecoveryKeyB string

	Mint MintConfig

	AtRiskThresholdBps uint32
	// HealthRefreshPeriod is expressed in the unit of the scheduler, seconds
	// or blocks.
	HealthRefreshPeriod int64
	FallbackPriceUsd    float64
	LockTimeout         time.Duration
}

type service struct {
	// services
	repoManager ports.RepoManager
	node        ports.BitcoinNode
	oracle      ports.SignatureOracle
	locker      ports.VaultLocker
	scheduler   ports.SchedulerService
	events      ports.EventBus
	alerts      ports.Alerts

	// components
	builder     *descriptorBuilder
	prices      *priceSource
	health      *healthMonitor
	mint        *mintService
	coordinator *signatureCoordinator

	// config
	cfg Config
}

func NewService(
	cfg Config,
	repoManager ports.RepoManager,
	node ports.BitcoinNode,
	oracle ports.SignatureOracle,
	priceFeed ports.PriceFeed,
	locker ports.VaultLocker,
	scheduler ports.SchedulerService,
	events ports.EventBus,
	alerts ports.Alerts,
) (Service, error) {
	if cfg.Network == nil {
		return nil, fmt.Errorf("missing network")
	}
	if repoManager == nil {
		return nil, fmt.Errorf("missing repo manager")
	}
	if node == nil {
		return nil, fmt.Errorf("missing bitcoin node")
	}
	if oracle == nil {
		return nil, fmt.Errorf("missing signature oracle")
	}
	if locker == nil {
		return nil, fmt.Errorf("missing vault locker")
	}

	builder, err := newDescriptorBuilder(
		cfg.GuardianKey, cfg.RecoveryKeyA, cfg.RecoveryKeyB, cfg.Network,
	)
	if err != nil {
		return nil, err
	}

	cfg.Mint = cfg.Mint.withDefaults()
	if cfg.AtRiskThresholdBps == 0 {
		cfg.AtRiskThresholdBps = DefaultAtRiskThresholdBps
	}
	if cfg.FallbackPriceUsd <= 0 {
		cfg.FallbackPriceUsd = DefaultFallbackPriceUsd
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}

	ctx := context.Background()
	lastId, err := lastVaultId(ctx, repoManager)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch last vault id from db: %w", err)
	}

	prices := newPriceSource(priceFeed, cfg.FallbackPriceUsd)
	finalizer := newWitnessFinalizer(node)
	analyzer := newWithdrawalAnalyzer(node, cfg.Network)

	svc := &service{
		repoManager: repoManager,
		node:        node,
		oracle:      oracle,
		locker:      locker,
		scheduler:   scheduler,
		events:      events,
		alerts:      alerts,
		builder:     builder,
		prices:      prices,
		health: newHealthMonitor(
			repoManager.Vaults(), node, prices, scheduler, events,
			cfg.AtRiskThresholdBps, cfg.HealthRefreshPeriod,
		),
		mint: &mintService{
			cfg:       cfg.Mint,
			vaults:    repoManager.Vaults(),
			pending:   repoManager.PendingMints(),
			node:      node,
			oracle:    oracle,
			builder:   builder,
			prices:    prices,
			ids:       newVaultIdGenerator(lastId),
			events:    events,
			network:   cfg.Network,
			finalizer: finalizer,
		},
		coordinator: &signatureCoordinator{
			repo:        repoManager.Vaults(),
			analyzer:    analyzer,
			finalizer:   finalizer,
			oracle:      oracle,
			locker:      locker,
			events:      events,
			lockTimeout: cfg.LockTimeout,
		},
		cfg: cfg,
	}

	return svc, nil
}

func (s *service) Start() error {
	if s.events != nil && s.alerts != nil {
		s.events.RegisterEventsHandler(domain.VaultTopic, s.handleVaultEvent)
	}

	log.Debug("starting health monitor...")
	if err := s.health.start(); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	log.Debug("started app service")
	return nil
}

func (s *service) Stop() {
	s.health.stop()
	log.Debug("stopped health monitor")

	if s.locker != nil {
		s.locker.Close()
		log.Debug("closed vault locker")
	}
	s.node.Close()
	log.Debug("closed connection to bitcoin node")
	s.repoManager.Close()
	log.Debug("closed connection to db")
}

func (s *service) GetInfo(_ context.Context) (*ServiceInfo, error) {
	return &ServiceInfo{
		Network:            s.cfg.Network.Name,
		GuardianKey:        xonlyHex(s.builder.guardianKey),
		RecoveryKeyA:       xonlyHex(s.builder.recoveryKeyA),
		RecoveryKeyB:       xonlyHex(s.builder.recoveryKeyB),
		CollateralRatioBps: s.cfg.Mint.CollateralRatioBps,
		CollateralUsdCents: s.cfg.Mint.CollateralUsdCents,
		AtRiskThresholdBps: s.cfg.AtRiskThresholdBps,
		MinConfirmations:   s.cfg.Mint.MinConfirmations,
		FallbackPriceUsd:   s.cfg.FallbackPriceUsd,
	}, nil
}

func (s *service) BuildVaultDescriptor(
	ctx context.Context, protocolPublicKey, userPublicKey string,
) (*VaultDescriptor, error) {
	return s.builder.deriveAddress(ctx, s.node, protocolPublicKey, userPublicKey)
}

func (s *service) GetCollateralPreview(ctx context.Context) (*CollateralPreview, error) {
	return s.mint.preview(ctx), nil
}

func (s *service) BuildMint(ctx context.Context, req MintRequest) (*MintResult, error) {
	return s.mint.build(ctx, req)
}

func (s *service) FinalizeMint(
	ctx context.Context, vaultId, signedPsbt string,
) (*domain.Vault, error) {
	return s.mint.finalize(ctx, vaultId, signedPsbt)
}

func (s *service) ImportVault(ctx context.Context, vaultId string) error {
	vault, err := s.coordinator.getVault(ctx, vaultId)
	if err != nil {
		return err
	}
	return s.mint.importVault(ctx, *vault)
}

func (s *service) GetVault(ctx context.Context, vaultId string) (*domain.Vault, error) {
	return s.coordinator.getVault(ctx, vaultId)
}

// ListVaults returns the vaults of the given payment address, or all of them
// if empty, newest first.
func (s *service) ListVaults(ctx context.Context, paymentAddress string) ([]VaultSummary, error) {
	var (
		vaults []domain.Vault
		err    error
	)
	paymentAddress = strings.TrimSpace(paymentAddress)
	if len(paymentAddress) > 0 {
		vaults, err = s.repoManager.Vaults().GetByPaymentAddress(ctx, paymentAddress)
	} else {
		vaults, err = s.repoManager.Vaults().GetAll(ctx)
	}
	if err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}

	sort.SliceStable(vaults, func(i, j int) bool {
		if vaults[i].CreatedAt == vaults[j].CreatedAt {
			return vaults[i].Id > vaults[j].Id
		}
		return vaults[i].CreatedAt > vaults[j].CreatedAt
	})

	summaries := make([]VaultSummary, 0, len(vaults))
	for _, v := range vaults {
		summaries = append(summaries, newVaultSummary(v))
	}
	return summaries, nil
}

func (s *service) RefreshVault(ctx context.Context, vaultId string) (*domain.Vault, error) {
	vault, err := s.coordinator.getVault(ctx, vaultId)
	if err != nil {
		return nil, err
	}
	updated, err := s.health.refreshOne(ctx, *vault)
	if err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}
	return updated, nil
}

func (s *service) PrepareWithdraw(
	ctx context.Context, vaultId, tx string,
) (*SignatureRequired, error) {
	return s.coordinator.prepare(ctx, vaultId, tx)
}

func (s *service) FinalizeWithdraw(
	ctx context.Context, req WithdrawRequest,
) (*WithdrawResult, error) {
	return s.coordinator.finalize(ctx, req)
}

func (s *service) SignAndFinalizeWithdraw(
	ctx context.Context, req WithdrawRequest,
) (*WithdrawResult, error) {
	return s.coordinator.signAndFinalize(ctx, req)
}

func lastVaultId(ctx context.Context, repoManager ports.RepoManager) (uint64, error) {
	lastVault, err := repoManager.Vaults().MaxId(ctx)
	if err != nil {
		return 0, err
	}
	lastPending, err := repoManager.PendingMints().MaxId(ctx)
	if err != nil {
		return 0, err
	}
	return max(lastVault, lastPending), nil
}
