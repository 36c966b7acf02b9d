package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/usdb-labs/vaultd/internal/config"
	"github.com/usdb-labs/vaultd/internal/core/application"
	"github.com/usdb-labs/vaultd/internal/core/domain"
)

// withService runs fn against an app service built from the global flags,
// without starting the periodic health refresh.
func withService(
	c *cli.Context, fn func(ctx context.Context, svc application.Service) error,
) error {
	cfg, err := config.LoadConfig(c)
	if err != nil {
		return fmt.Errorf("invalid config: %s", err)
	}

	log.SetLevel(log.Level(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		cfg.Close()
		return fmt.Errorf("invalid config: %s", err)
	}
	defer cfg.Close()

	svc, err := cfg.AppService()
	if err != nil {
		return fmt.Errorf("failed to create service: %s", err)
	}

	return fn(c.Context, svc)
}

func optionalUint64(c *cli.Context, name string) *uint64 {
	if !c.IsSet(name) {
		return nil
	}
	value := c.Uint64(name)
	return &value
}

func vaultJSON(v *domain.Vault) map[string]any {
	resp := map[string]any{
		"vaultId":            v.IdString(),
		"paymentAddress":     v.PaymentAddress,
		"ordinalsAddress":    v.OrdinalsAddress,
		"userPublicKey":      v.UserPublicKey,
		"protocolPublicKey":  v.ProtocolPublicKey,
		"protocolChainCode":  v.ProtocolChainCode,
		"vaultAddress":       v.VaultAddress,
		"descriptor":         v.Descriptor,
		"collateralSats":     v.CollateralSats,
		"mintTokens":         v.MintTokens,
		"mintUsdCents":       v.MintUsdCents,
		"createdAt":          time.Unix(v.CreatedAt, 0).Format(time.RFC3339),
		"txid":               v.Txid,
		"withdrawTxid":       v.WithdrawTxid,
		"confirmations":      v.Confirmations,
		"minConfirmations":   v.MinConfirmations,
		"withdrawable":       v.Withdrawable,
		"health":             v.Health,
		"lastBtcPriceUsd":    v.LastBtcPriceUsd,
		"usingFallbackPrice": v.UsingFallbackPrice,
	}
	if v.Rune != "" {
		resp["rune"] = v.Rune
	}
	if v.CollateralRatioBps != nil {
		resp["collateralRatioBps"] = *v.CollateralRatioBps
	}
	return resp
}

func vaultSummaryJSON(v application.VaultSummary) map[string]any {
	resp := map[string]any{
		"vaultId":             v.VaultId,
		"vaultAddress":        v.VaultAddress,
		"paymentAddress":      v.PaymentAddress,
		"ordinalsAddress":     v.OrdinalsAddress,
		"collateralSats":      v.CollateralSats,
		"lockedCollateralBtc": v.LockedCollateralBtc,
		"mintTokens":          v.MintTokens,
		"mintUsdCents":        v.MintUsdCents,
		"health":              v.Health,
		"confirmations":       v.Confirmations,
		"minConfirmations":    v.MinConfirmations,
		"withdrawable":        v.Withdrawable,
		"txid":                v.Txid,
		"withdrawTxid":        v.WithdrawTxid,
		"createdAt":           v.CreatedAt.Format(time.RFC3339),
	}
	if v.CollateralRatioBps != nil {
		resp["collateralRatioBps"] = *v.CollateralRatioBps
	}
	return resp
}

func signatureRequiredJSON(req *application.SignatureRequired) map[string]any {
	return map[string]any{
		"vaultId":      req.VaultId,
		"inputIndex":   req.InputIndex,
		"sighash":      req.Sighash,
		"tapleafHash":  req.TapleafHash,
		"controlBlock": req.ControlBlock,
		"merkleRoot":   req.MerkleRoot,
		"hashType":     req.HashType,
	}
}

func withdrawResultJSON(res *application.WithdrawResult) map[string]any {
	if res.SignatureRequired != nil {
		return map[string]any{
			"status":  "signature_required",
			"vaultId": res.VaultId,
			"payload": signatureRequiredJSON(res.SignatureRequired),
		}
	}
	return map[string]any{
		"status":      "finalized",
		"vaultId":     res.VaultId,
		"txid":        res.Txid,
		"hex":         res.Hex,
		"psbt":        res.Psbt,
		"broadcasted": res.Broadcasted,
	}
}

func printJSON(resp interface{}) error {
	jsonBytes, err := json.MarshalIndent(resp, "", "\t")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}
