package application

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/domain"
	"github.com/usdb-labs/vaultd/internal/core/ports"
	"github.com/usdb-labs/vaultd/pkg/errors"
	vaultlib "github.com/usdb-labs/vaultd/pkg/vault-lib"
	"github.com/usdb-labs/vaultd/pkg/vault-lib/descriptor"
	"github.com/usdb-labs/vaultd/pkg/vault-lib/txutils"
)

const (
	DefaultCollateralRatioBps = 13_000
	DefaultCollateralUsdCents = 2_000
	DefaultOrdinalsSats       = 1_000
	DefaultFeeRecipientSats   = 1_000
	DefaultRuneHex            = "00dde905020a00"
	DefaultWalletPrefix       = "vaultd"
	DefaultRescanTimeout      = 5 * time.Minute

	txFeeBufferSats      = 3_000
	rescanPollInterval   = 2 * time.Second
	descriptorVaultLabel = "vault"
	descriptorFundsLabel = "payment"
)

// MintConfig holds the collateral and output policy of newly minted vaults.
type MintConfig struct {
	CollateralRatioBps uint32
	CollateralUsdCents uint64
	OrdinalsSats       uint64
	FeeRecipient       string
	FeeRecipientSats   uint64
	RuneHex            string
	WalletPrefix       string
	MinConfirmations   uint32
	RescanTimeout      time.Duration
}

func (c MintConfig) withDefaults() MintConfig {
	if c.CollateralRatioBps == 0 {
		c.CollateralRatioBps = DefaultCollateralRatioBps
	}
	if c.CollateralUsdCents == 0 {
		c.CollateralUsdCents = DefaultCollateralUsdCents
	}
	if c.OrdinalsSats == 0 {
		c.OrdinalsSats = DefaultOrdinalsSats
	}
	if c.FeeRecipientSats == 0 {
		c.FeeRecipientSats = DefaultFeeRecipientSats
	}
	if len(c.RuneHex) == 0 {
		c.RuneHex = DefaultRuneHex
	}
	if len(c.WalletPrefix) == 0 {
		c.WalletPrefix = DefaultWalletPrefix
	}
	if c.MinConfirmations == 0 {
		c.MinConfirmations = domain.DefaultMinConfirmations
	}
	if c.RescanTimeout <= 0 {
		c.RescanTimeout = DefaultRescanTimeout
	}
	return c
}

// vaultIdGenerator hands out strictly increasing, time derived vault ids.
type vaultIdGenerator struct {
	lock *sync.Mutex
	last uint64
	now  func() time.Time
}

func newVaultIdGenerator(last uint64) *vaultIdGenerator {
	return &vaultIdGenerator{lock: &sync.Mutex{}, last: last, now: time.Now}
}

func (g *vaultIdGenerator) next() uint64 {
	g.lock.Lock()
	defer g.lock.Unlock()

	id := uint64(g.now().UnixNano())
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}

// computeTargetCollateralSats returns ceil(usd * ratio / price * 1e8).
func computeTargetCollateralSats(price float64, ratioBps uint32, usdCents uint64) uint64 {
	if price <= 0 {
		return 0
	}
	usd := decimal.NewFromInt(int64(usdCents)).Div(decimal.NewFromInt(100))
	ratio := decimal.NewFromInt(int64(ratioBps)).Div(decimal.NewFromInt(10_000))
	sats := usd.Mul(ratio).
		Div(decimal.NewFromFloat(price)).
		Mul(decimal.NewFromInt(vaultlib.SatsPerBtc)).
		Ceil()
	return uint64(sats.IntPart())
}

type mintService struct {
	cfg       MintConfig
	vaults    domain.VaultRepository
	pending   domain.PendingMintRepository
	node      ports.BitcoinNode
	oracle    ports.SignatureOracle
	builder   *descriptorBuilder
	prices    *priceSource
	ids       *vaultIdGenerator
	events    ports.EventBus
	network   *chaincfg.Params
	finalizer *witnessFinalizer
}

func (s *mintService) preview(ctx context.Context) *CollateralPreview {
	quote := s.prices.quote(ctx)
	return &CollateralPreview{
		BtcPriceUsd:        quote.price,
		Sats:               computeTargetCollateralSats(quote.price, s.cfg.CollateralRatioBps, s.cfg.CollateralUsdCents),
		RatioBps:           s.cfg.CollateralRatioBps,
		UsdCents:           s.cfg.CollateralUsdCents,
		UsingFallbackPrice: quote.usingFallback,
	}
}

func (s *mintService) walletName(vaultId uint64) string {
	return fmt.Sprintf("%s-%d", s.cfg.WalletPrefix, vaultId)
}

func (s *mintService) build(ctx context.Context, req MintRequest) (*MintResult, error) {
	if err := s.validateMintRequest(req); err != nil {
		return nil, err
	}

	quote := s.prices.quote(ctx)
	vaultSats := computeTargetCollateralSats(
		quote.price, s.cfg.CollateralRatioBps, s.cfg.CollateralUsdCents,
	)
	if quote.usingFallback && req.Amounts.VaultSats != nil && *req.Amounts.VaultSats > 0 {
		vaultSats = *req.Amounts.VaultSats
	}

	vaultId := s.ids.next()
	protocolKey, err := s.oracle.DeriveProtocolKey(
		ctx, vaultId, vaultlib.ProtocolDerivationPath(vaultId),
	)
	if err != nil {
		return nil, errors.ORACLE_UNAVAILABLE.Wrap(
			fmt.Errorf("failed to derive protocol key: %w", err),
		).WithMetadata(errors.VaultMetadata{VaultId: fmt.Sprintf("%d", vaultId)})
	}

	vaultDesc, err := s.builder.deriveAddress(ctx, s.node, protocolKey.PublicKey, req.PaymentPublicKey)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"vault_id":      vaultId,
		"vault_address": vaultDesc.Address,
		"vault_sats":    vaultSats,
	}).Info("building mint psbt")

	wallet := s.walletName(vaultId)
	paymentDesc, err := descriptor.AddChecksum(fmt.Sprintf("addr(%s)", req.PaymentAddress))
	if err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}
	if err := s.node.EnsureWallet(ctx, wallet); err != nil {
		return nil, errors.NODE_UNAVAILABLE.Wrap(fmt.Errorf("failed to load wallet: %w", err))
	}
	// fresh vaults have no history, the import skips the rescan
	if err := s.node.ImportDescriptors(ctx, wallet, []ports.DescriptorImport{
		{Descriptor: vaultDesc.Descriptor, Label: descriptorVaultLabel},
		{Descriptor: paymentDesc, Label: descriptorFundsLabel},
	}); err != nil {
		return nil, errors.NODE_UNAVAILABLE.Wrap(fmt.Errorf("failed to import descriptors: %w", err))
	}

	outputs, err := s.mintOutputs(req, vaultDesc.Address, vaultSats)
	if err != nil {
		return nil, err
	}

	funded, err := s.fundFromPaymentUtxos(ctx, req, paymentDesc, outputs)
	if err != nil {
		log.WithError(err).Debug("coin selection failed, funding with the watch-only wallet")
		fundedPsbt, err := s.node.WalletCreateFundedPsbt(ctx, wallet, outputs, ports.FundPsbtOptions{
			FeeRate:       req.FeeRate,
			ChangeAddress: req.PaymentAddress,
			SolvingKeys:   []string{req.PaymentPublicKey},
		})
		if err != nil {
			return nil, errors.NODE_UNAVAILABLE.Wrap(fmt.Errorf("failed to fund mint psbt: %w", err))
		}
		funded = fundedPsbt.Psbt
	}

	now := time.Now().Unix()
	pending := domain.PendingMint{
		Vault: domain.Vault{
			Id:                vaultId,
			PaymentAddress:    req.PaymentAddress,
			OrdinalsAddress:   req.OrdinalsAddress,
			UserPublicKey:     req.PaymentPublicKey,
			ProtocolPublicKey: vaultDesc.ProtocolPublicKey,
			ProtocolChainCode: protocolKey.ChainCode,
			VaultAddress:      vaultDesc.Address,
			Descriptor:        vaultDesc.Descriptor,
			CollateralSats:    vaultSats,
			Rune:              req.Rune,
			FeeRate:           req.FeeRate,
			MintTokens:        domain.DefaultMintTokens,
			MintUsdCents:      domain.DefaultMintUsdCents,
			MinConfirmations:  s.cfg.MinConfirmations,
		},
		Wallet:      wallet,
		Psbt:        funded,
		BtcPriceUsd: quote.price,
		CreatedAt:   now,
	}
	if err := s.pending.Add(ctx, pending); err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(fmt.Errorf("failed to store pending mint: %w", err))
	}

	return &MintResult{
		VaultId:            pending.Vault.IdString(),
		Wallet:             wallet,
		Psbt:               funded,
		VaultAddress:       vaultDesc.Address,
		Descriptor:         vaultDesc.Descriptor,
		ProtocolPublicKey:  vaultDesc.ProtocolPublicKey,
		CollateralSats:     vaultSats,
		BtcPriceUsd:        quote.price,
		UsingFallbackPrice: quote.usingFallback,
	}, nil
}

func (s *mintService) validateMintRequest(req MintRequest) error {
	addresses := []struct{ field, addr string }{
		{"payment", req.PaymentAddress},
		{"ordinals", req.OrdinalsAddress},
	}
	if len(req.FeeRecipient) > 0 {
		addresses = append(addresses, struct{ field, addr string }{"fee recipient", req.FeeRecipient})
	}
	for _, a := range addresses {
		if _, err := btcutil.DecodeAddress(a.addr, s.network); err != nil {
			return errors.INVALID_ADDRESS.New("invalid %s address %q: %s", a.field, a.addr, err).
				WithMetadata(errors.AddressMetadata{Field: a.field, Address: a.addr})
		}
	}
	if _, _, err := vaultlib.ParseXOnlyKey(req.PaymentPublicKey); err != nil {
		return errors.INVALID_KEY_ENCODING.Wrap(err).WithMetadata(errors.KeyMetadata{
			Key: req.PaymentPublicKey, Length: len(req.PaymentPublicKey) / 2,
		})
	}
	if req.FeeRate < 0 {
		return errors.MALFORMED_TRANSACTION.New("invalid fee rate %f", req.FeeRate)
	}
	return nil
}

// mintOutputs lists the mint outputs in order: rune marker, ordinals, fee
// recipient and vault.
func (s *mintService) mintOutputs(
	req MintRequest, vaultAddress string, vaultSats uint64,
) ([]ports.TxOutput, error) {
	outputs := make([]ports.TxOutput, 0, 4)

	if len(req.Rune) > 0 {
		runeHex := s.cfg.RuneHex
		if isHex(req.Rune) {
			runeHex = req.Rune
		}
		data, err := hex.DecodeString(runeHex)
		if err != nil {
			return nil, errors.MALFORMED_TRANSACTION.New("invalid rune marker %q", runeHex)
		}
		if _, err := txscript.NullDataScript(data); err != nil {
			return nil, errors.MALFORMED_TRANSACTION.Wrap(err)
		}
		outputs = append(outputs, ports.TxOutput{Data: data})
	}

	ordinalsSats := s.cfg.OrdinalsSats
	if req.Amounts.OrdinalsSats != nil && *req.Amounts.OrdinalsSats > 0 {
		ordinalsSats = *req.Amounts.OrdinalsSats
	}
	outputs = append(outputs, ports.TxOutput{Address: req.OrdinalsAddress, Amount: ordinalsSats})

	feeRecipient := req.FeeRecipient
	if len(feeRecipient) == 0 {
		feeRecipient = s.cfg.FeeRecipient
	}
	if len(feeRecipient) > 0 {
		feeSats := s.cfg.FeeRecipientSats
		if req.Amounts.FeeRecipientSats != nil && *req.Amounts.FeeRecipientSats > 0 {
			feeSats = *req.Amounts.FeeRecipientSats
		}
		outputs = append(outputs, ports.TxOutput{Address: feeRecipient, Amount: feeSats})
	}

	outputs = append(outputs, ports.TxOutput{Address: vaultAddress, Amount: vaultSats})
	return outputs, nil
}

// fundFromPaymentUtxos selects payment utxos smallest first until they cover
// the outputs plus a fixed fee buffer and builds the unsigned mint psbt, change
// going back to the payment address.
func (s *mintService) fundFromPaymentUtxos(
	ctx context.Context, req MintRequest, paymentDesc string, outputs []ports.TxOutput,
) (string, error) {
	utxos, err := s.node.ScanUtxos(ctx, []string{paymentDesc})
	if err != nil {
		return "", err
	}
	if len(utxos) == 0 {
		return "", fmt.Errorf("no utxos available for %s", req.PaymentAddress)
	}

	required := uint64(txFeeBufferSats)
	for _, out := range outputs {
		required += out.Amount
	}

	sort.SliceStable(utxos, func(i, j int) bool {
		if utxos[i].Amount == utxos[j].Amount {
			return utxos[i].Vout < utxos[j].Vout
		}
		return utxos[i].Amount < utxos[j].Amount
	})

	selected := make([]ports.Utxo, 0, len(utxos))
	sum := uint64(0)
	for _, utxo := range utxos {
		sum += utxo.Amount
		selected = append(selected, utxo)
		if sum >= required {
			break
		}
	}
	if sum < required {
		return "", fmt.Errorf("insufficient utxos: got %d sats, required %d", sum, required)
	}

	tx := wire.NewMsgTx(2)
	for _, utxo := range selected {
		hash, err := chainhash.NewHashFromStr(utxo.Txid)
		if err != nil {
			return "", err
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, utxo.Vout), nil, nil))
	}

	if change := sum - required; change > 0 {
		outputs = append(outputs, ports.TxOutput{Address: req.PaymentAddress, Amount: change})
	}
	for _, out := range outputs {
		txOut, err := s.toTxOut(out)
		if err != nil {
			return "", err
		}
		tx.AddTxOut(txOut)
	}

	ptx, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return "", err
	}
	encoded, err := ptx.B64Encode()
	if err != nil {
		return "", err
	}
	return s.node.UtxoUpdatePsbt(ctx, encoded, []string{paymentDesc})
}

func (s *mintService) toTxOut(out ports.TxOutput) (*wire.TxOut, error) {
	if len(out.Data) > 0 {
		pkScript, err := txscript.NullDataScript(out.Data)
		if err != nil {
			return nil, err
		}
		return wire.NewTxOut(0, pkScript), nil
	}
	addr, err := btcutil.DecodeAddress(out.Address, s.network)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}
	return wire.NewTxOut(int64(out.Amount), pkScript), nil
}

// finalize completes a pending mint with the user signed psbt. The pending
// mint is restored if anything fails before the vault is stored.
func (s *mintService) finalize(
	ctx context.Context, vaultId, signedPsbt string,
) (vault *domain.Vault, err error) {
	id, err := domain.ParseVaultId(vaultId)
	if err != nil {
		return nil, errors.INVALID_VAULT_ID.Wrap(err).
			WithMetadata(errors.VaultMetadata{VaultId: vaultId})
	}
	if len(strings.TrimSpace(signedPsbt)) == 0 {
		return nil, errors.MALFORMED_TRANSACTION.New("missing signed psbt")
	}

	pending, err := s.pending.Take(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPendingMintNotFound) {
			return nil, errors.VAULT_NOT_PENDING.Wrap(err).
				WithMetadata(errors.VaultMetadata{VaultId: vaultId})
		}
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}
	defer func() {
		if err == nil {
			return
		}
		if restoreErr := s.pending.Add(context.Background(), *pending); restoreErr != nil {
			log.WithError(restoreErr).WithField("vault_id", vaultId).
				Error("failed to restore pending mint")
		}
	}()

	if _, err := txutils.DecodePacket(signedPsbt); err != nil {
		return nil, errors.MALFORMED_TRANSACTION.Wrap(err).
			WithMetadata(errors.PsbtMetadata{Tx: signedPsbt})
	}

	combined, err := s.node.CombinePsbt(ctx, []string{pending.Psbt, signedPsbt})
	if err != nil {
		return nil, errors.MALFORMED_TRANSACTION.Wrap(fmt.Errorf("failed to combine psbts: %w", err))
	}
	finalized, err := s.node.FinalizePsbt(ctx, combined)
	if err != nil {
		return nil, errors.NODE_UNAVAILABLE.Wrap(fmt.Errorf("failed to finalize psbt: %w", err))
	}
	if !finalized.Complete || len(finalized.Hex) == 0 {
		return nil, errors.WITHDRAW_FINALIZE_INCOMPLETE.New("mint psbt is not fully signed").
			WithMetadata(errors.VaultMetadata{VaultId: vaultId})
	}

	tx, err := txutils.DecodeTx(finalized.Hex)
	if err != nil {
		return nil, errors.MALFORMED_TRANSACTION.Wrap(err)
	}
	txid := tx.TxHash().String()
	if err := s.finalizer.broadcast(ctx, txid, finalized.Hex); err != nil {
		return nil, err
	}

	minted := pending.Finalize(txid)
	if err := s.vaults.Add(ctx, minted); err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(fmt.Errorf("failed to store vault: %w", err))
	}

	log.WithFields(log.Fields{
		"vault_id": minted.IdString(),
		"txid":     txid,
	}).Info("vault minted")

	if s.events != nil {
		if err := s.events.Publish(ctx, domain.NewVaultCreated(minted)); err != nil {
			log.WithError(err).Warn("failed to publish vault created event")
		}
	}
	return &minted, nil
}

// importVault re-imports the vault descriptor into its watch-only wallet with
// a rescan from the vault creation time and waits for the rescan to end. The
// import and the rescan share the RescanTimeout ceiling.
func (s *mintService) importVault(ctx context.Context, vault domain.Vault) error {
	wallet := s.walletName(vault.Id)
	if err := s.node.EnsureWallet(ctx, wallet); err != nil {
		return errors.NODE_UNAVAILABLE.Wrap(fmt.Errorf("failed to load wallet: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RescanTimeout)
	defer cancel()

	// importdescriptors blocks until the rescan ends
	rescanFrom := vault.CreatedAt
	importCh := make(chan error, 1)
	go func(done chan<- error) {
		done <- s.node.ImportDescriptors(ctx, wallet, []ports.DescriptorImport{{
			Descriptor: vault.Descriptor,
			Label:      descriptorVaultLabel,
			RescanFrom: &rescanFrom,
		}})
	}(importCh)

	ticker := time.NewTicker(rescanPollInterval)
	defer ticker.Stop()

	imported := false
	for {
		select {
		case <-ctx.Done():
			return errors.WALLET_RESCAN_TIMEOUT.New(
				"rescan of wallet %s did not complete in %s", wallet, s.cfg.RescanTimeout,
			).WithMetadata(errors.RescanMetadata{
				Wallet: wallet, Timeout: s.cfg.RescanTimeout.String(),
			})
		case err := <-importCh:
			imported = true
			importCh = nil
			// a timed out request leaves the rescan running on the node
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return errors.NODE_UNAVAILABLE.Wrap(
					fmt.Errorf("failed to import descriptor: %w", err),
				)
			}
			if err != nil {
				log.WithError(err).Warn("descriptor import timed out, polling rescan status")
			}
		case <-ticker.C:
		}

		info, err := s.node.GetWalletInfo(ctx, wallet)
		if err != nil {
			log.WithError(err).WithField("wallet", wallet).Debug("failed to get wallet info")
			continue
		}
		if imported && !info.Scanning {
			log.WithField("wallet", wallet).Info("vault descriptor imported")
			return nil
		}
		if info.Scanning {
			log.Debugf("wallet %s rescan progress %.2f", wallet, info.ScanProgress)
		}
	}
}

func isHex(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
