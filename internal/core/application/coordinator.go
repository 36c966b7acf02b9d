package application

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/domain"
	"github.com/usdb-labs/vaultd/internal/core/ports"
	"github.com/usdb-labs/vaultd/pkg/errors"
	vaultlib "github.com/usdb-labs/vaultd/pkg/vault-lib"
	"github.com/usdb-labs/vaultd/pkg/vault-lib/txutils"
)

const defaultLockTimeout = 10 * time.Second

// signatureCoordinator drives the two phase withdrawal signing: the payload
// for the protocol signer is derived first, the signatures are merged into
// the vault input witness afterwards.
type signatureCoordinator struct {
	repo        domain.VaultRepository
	analyzer    *withdrawalAnalyzer
	finalizer   *witnessFinalizer
	oracle      ports.SignatureOracle
	locker      ports.VaultLocker
	events      ports.EventBus
	lockTimeout time.Duration
}

func (c *signatureCoordinator) getVault(ctx context.Context, vaultId string) (*domain.Vault, error) {
	id, err := domain.ParseVaultId(vaultId)
	if err != nil {
		return nil, errors.INVALID_VAULT_ID.Wrap(err).
			WithMetadata(errors.VaultMetadata{VaultId: vaultId})
	}
	vault, err := c.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrVaultNotFound) {
			return nil, errors.VAULT_NOT_FOUND.Wrap(err).
				WithMetadata(errors.VaultMetadata{VaultId: vaultId})
		}
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}
	return vault, nil
}

func alreadyWithdrawn(vault *domain.Vault) error {
	return errors.VAULT_ALREADY_WITHDRAWN.New(
		"vault %d was withdrawn in tx %s", vault.Id, vault.WithdrawTxid,
	).WithMetadata(errors.WithdrawnMetadata{
		VaultId: vault.IdString(), WithdrawTxid: vault.WithdrawTxid,
	})
}

func (c *signatureCoordinator) prepare(
	ctx context.Context, vaultId, tx string,
) (*SignatureRequired, error) {
	vault, err := c.getVault(ctx, vaultId)
	if err != nil {
		return nil, err
	}
	if vault.IsWithdrawn() {
		return nil, alreadyWithdrawn(vault)
	}

	session, err := c.analyzer.analyze(ctx, *vault, tx)
	if err != nil {
		return nil, err
	}
	return session.signatureRequired(), nil
}

func (c *signatureCoordinator) finalize(
	ctx context.Context, req WithdrawRequest,
) (*WithdrawResult, error) {
	vault, err := c.getVault(ctx, req.VaultId)
	if err != nil {
		return nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()
	unlock, err := c.locker.Lock(lockCtx, vault.Id)
	if err != nil {
		if errors.Is(err, ports.ErrVaultLocked) {
			return nil, errors.WITHDRAW_IN_PROGRESS.Wrap(err).
				WithMetadata(errors.VaultMetadata{VaultId: vault.IdString()})
		}
		return nil, errors.INTERNAL_ERROR.Wrap(fmt.Errorf("failed to lock vault: %w", err))
	}
	defer unlock()

	// the vault might have been withdrawn while waiting for the lock
	vault, err = c.getVault(ctx, req.VaultId)
	if err != nil {
		return nil, err
	}
	if vault.IsWithdrawn() {
		return nil, alreadyWithdrawn(vault)
	}

	session, err := c.analyzer.analyze(ctx, *vault, req.Tx)
	if err != nil {
		return nil, err
	}

	protocolKey, err := hex.DecodeString(strings.ToLower(vault.ProtocolPublicKey))
	if err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(fmt.Errorf("invalid stored protocol key: %w", err))
	}
	userKey, userSig, err := findUserSignature(*vault, session, protocolKey)
	if err != nil {
		return nil, err
	}

	protocolSig, err := findProtocolSignature(req.ProtocolSignature, session, protocolKey)
	if err != nil {
		return nil, err
	}
	if protocolSig == nil {
		return &WithdrawResult{
			SignatureRequired: session.signatureRequired(),
			VaultId:           vault.IdString(),
		}, nil
	}

	finalized, err := c.finalizer.finalize(
		ctx, session, userKey, userSig, protocolKey, protocolSig, req.Broadcast,
	)
	if err != nil {
		return nil, err
	}

	result := &WithdrawResult{
		VaultId:     vault.IdString(),
		Txid:        finalized.txid,
		Hex:         finalized.hex,
		Psbt:        finalized.psbt,
		Broadcasted: finalized.broadcasted,
	}
	if !finalized.broadcasted {
		return result, nil
	}

	updated, err := c.repo.Update(ctx, vault.Id, func(v *domain.Vault) error {
		return v.MarkWithdrawn(finalized.txid)
	})
	if err != nil {
		// the tx is out already, a retry finds it on the node and marks the vault again
		log.WithError(err).WithFields(log.Fields{
			"vault_id": vault.IdString(),
			"txid":     finalized.txid,
		}).Error("failed to mark vault as withdrawn")
		if errors.Is(err, domain.ErrVaultAlreadyWithdrawn) {
			return nil, alreadyWithdrawn(vault)
		}
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}

	log.WithFields(log.Fields{
		"vault_id": updated.IdString(),
		"txid":     updated.WithdrawTxid,
	}).Info("vault withdrawn")
	c.publish(ctx, domain.NewVaultWithdrawn(*updated))

	return result, nil
}

// signAndFinalize asks the oracle for the protocol signature of the
// withdrawal and completes it in one go.
func (c *signatureCoordinator) signAndFinalize(
	ctx context.Context, req WithdrawRequest,
) (*WithdrawResult, error) {
	vault, err := c.getVault(ctx, req.VaultId)
	if err != nil {
		return nil, err
	}
	if vault.IsWithdrawn() {
		return nil, alreadyWithdrawn(vault)
	}

	session, err := c.analyzer.analyze(ctx, *vault, req.Tx)
	if err != nil {
		return nil, err
	}

	protocolKey, err := hex.DecodeString(strings.ToLower(vault.ProtocolPublicKey))
	if err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(fmt.Errorf("invalid stored protocol key: %w", err))
	}
	// the user signs first
	if _, _, err := findUserSignature(*vault, session, protocolKey); err != nil {
		return nil, err
	}

	sig, err := c.oracle.SignWithdrawal(ctx, ports.SignRequest{
		VaultId:        vault.Id,
		Sighash:        session.sighash,
		TapleafHash:    session.leafHash[:],
		ControlBlock:   session.controlBlock,
		MerkleRoot:     session.merkleRoot[:],
		DerivationPath: vaultlib.ProtocolDerivationPath(vault.Id),
	})
	if err != nil {
		return nil, errors.ORACLE_UNAVAILABLE.Wrap(err).
			WithMetadata(errors.VaultMetadata{VaultId: vault.IdString()})
	}

	normalized, err := normalizeSignature(protocolSigner, sig, session.hashType)
	if err != nil {
		return nil, err
	}
	if err := txutils.VerifySchnorr(protocolKey, normalized, session.sighash); err != nil {
		return nil, errors.INVALID_SIGNATURE.Wrap(
			fmt.Errorf("oracle signature: %w", err),
		).WithMetadata(errors.UserSignatureMetadata{
			VaultId: vault.IdString(), TapleafHash: hex.EncodeToString(session.leafHash[:]),
		})
	}

	req.ProtocolSignature = hex.EncodeToString(sig)
	return c.finalize(ctx, req)
}

func (c *signatureCoordinator) publish(ctx context.Context, events ...domain.Event) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, events...); err != nil {
		log.WithError(err).Warn("failed to publish vault events")
	}
}

// findUserSignature returns the key and the raw signature of the user for
// the leaf being spent.
func findUserSignature(
	vault domain.Vault, session *withdrawalSession, protocolKey []byte,
) ([]byte, []byte, error) {
	metadata := errors.UserSignatureMetadata{
		VaultId: vault.IdString(), TapleafHash: hex.EncodeToString(session.leafHash[:]),
	}

	userKey, _, err := vaultlib.ParseXOnlyKey(vault.UserPublicKey)
	if err != nil {
		return nil, nil, errors.INTERNAL_ERROR.Wrap(
			fmt.Errorf("invalid stored user key: %w", err),
		)
	}

	var found *psbt.TaprootScriptSpendSig
	otherLeaf := false
	for _, sig := range session.ptx.Inputs[session.inputIndex].TaprootScriptSpendSig {
		if bytes.Equal(sig.XOnlyPubKey, protocolKey) {
			continue
		}
		if !bytes.Equal(sig.LeafHash, session.leafHash[:]) {
			otherLeaf = true
			continue
		}
		if found == nil || bytes.Equal(sig.XOnlyPubKey, userKey) {
			found = sig
		}
	}

	if found == nil {
		if otherLeaf {
			return nil, nil, errors.USER_SIGNATURE_WRONG_LEAF.New(
				"user signature does not commit to leaf %x", session.leafHash[:],
			).WithMetadata(metadata)
		}
		return nil, nil, errors.USER_SIGNATURE_MISSING.New(
			"no user signature for input %d", session.inputIndex,
		).WithMetadata(metadata)
	}

	return found.XOnlyPubKey, txutils.EncodeTaprootSignature(found.Signature, found.SigHash), nil
}

// findProtocolSignature decodes the given protocol signature or, when empty,
// looks for one attached to the psbt. It returns nil if there's none.
func findProtocolSignature(
	encoded string, session *withdrawalSession, protocolKey []byte,
) ([]byte, error) {
	if len(encoded) > 0 {
		sig, err := hex.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, errors.INVALID_SIGNATURE.Wrap(
				fmt.Errorf("invalid protocol signature encoding: %w", err),
			).WithMetadata(errors.UserSignatureMetadata{
				VaultId:     fmt.Sprintf("%d", session.vaultId),
				TapleafHash: hex.EncodeToString(session.leafHash[:]),
			})
		}
		return sig, nil
	}

	for _, sig := range session.ptx.Inputs[session.inputIndex].TaprootScriptSpendSig {
		if bytes.Equal(sig.XOnlyPubKey, protocolKey) &&
			bytes.Equal(sig.LeafHash, session.leafHash[:]) {
			return txutils.EncodeTaprootSignature(sig.Signature, sig.SigHash), nil
		}
	}
	return nil, nil
}
