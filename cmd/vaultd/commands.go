package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/usdb-labs/vaultd/internal/config"
	"github.com/usdb-labs/vaultd/internal/core/application"
)

const shutdownTimeout = 10 * time.Second

var (
	startCmd = &cli.Command{
		Name:   "start",
		Usage:  "Start the daemon and the periodic vault health refresh",
		Action: startAction,
	}
	infoCmd = &cli.Command{
		Name:   "info",
		Usage:  "Show network, keys and collateral policy",
		Action: infoAction,
	}
	descriptorCmd = &cli.Command{
		Name:   "descriptor",
		Usage:  "Build the taproot descriptor and address of a vault",
		Flags:  []cli.Flag{protocolKeyFlag, userKeyFlag},
		Action: descriptorAction,
	}
	previewCmd = &cli.Command{
		Name:   "preview",
		Usage:  "Show the collateral required by a new vault at the current BTC price",
		Action: previewAction,
	}
	mintCmd = &cli.Command{
		Name:  "mint",
		Usage: "Open a new vault",
		Subcommands: cli.Commands{
			{
				Name:  "build",
				Usage: "Build the funded mint psbt to be signed by the user",
				Flags: []cli.Flag{
					paymentAddressFlag(true), paymentKeyFlag, ordinalsAddressFlag, runeFlag,
					feeRateFlag, feeRecipientFlag, ordinalsAmountFlag, feeRecipientAmountFlag,
					vaultAmountFlag,
				},
				Action: mintBuildAction,
			},
			{
				Name:   "finalize",
				Usage:  "Finalize and broadcast the mint psbt signed by the user",
				Flags:  []cli.Flag{vaultIdFlag, psbtFlag},
				Action: mintFinalizeAction,
			},
		},
	}
	vaultCmd = &cli.Command{
		Name:  "vault",
		Usage: "Inspect and maintain vaults",
		Subcommands: cli.Commands{
			{
				Name:   "get",
				Usage:  "Show a vault",
				Flags:  []cli.Flag{vaultIdFlag},
				Action: vaultGetAction,
			},
			{
				Name:   "list",
				Usage:  "List vaults, newest first",
				Flags:  []cli.Flag{paymentAddressFlag(false)},
				Action: vaultListAction,
			},
			{
				Name:   "refresh",
				Usage:  "Refresh confirmations, collateral ratio and health of a vault",
				Flags:  []cli.Flag{vaultIdFlag},
				Action: vaultRefreshAction,
			},
			{
				Name:   "import",
				Usage:  "Import the vault descriptor into the node wallet and rescan",
				Flags:  []cli.Flag{vaultIdFlag},
				Action: vaultImportAction,
			},
		},
	}
	withdrawCmd = &cli.Command{
		Name:  "withdraw",
		Usage: "Spend the redeem leaf of a vault",
		Subcommands: cli.Commands{
			{
				Name:   "prepare",
				Usage:  "Show the payload the protocol signer must sign",
				Flags:  []cli.Flag{vaultIdFlag, txFlag},
				Action: withdrawPrepareAction,
			},
			{
				Name:   "finalize",
				Usage:  "Assemble the witness with the given protocol signature",
				Flags:  []cli.Flag{vaultIdFlag, txFlag, signatureFlag, broadcastFlag},
				Action: withdrawFinalizeAction,
			},
			{
				Name:   "sign",
				Usage:  "Request the protocol signature to the oracle and finalize",
				Flags:  []cli.Flag{vaultIdFlag, txFlag, broadcastFlag},
				Action: withdrawSignAction,
			},
		},
	}
)

func startAction(c *cli.Context) error {
	cfg, err := config.LoadConfig(c)
	if err != nil {
		return fmt.Errorf("invalid config: %s", err)
	}

	log.SetLevel(log.Level(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %s", err)
	}

	shutdownTelemetry, err := cfg.Telemetry(c.Context)
	if err != nil {
		cfg.Close()
		return fmt.Errorf("failed to start telemetry: %s", err)
	}

	svc, err := cfg.AppService()
	if err != nil {
		cfg.Close()
		return fmt.Errorf("failed to create service: %s", err)
	}

	log.Infof("vaultd config: %s", cfg)

	log.Info("starting service...")
	if err := svc.Start(); err != nil {
		cfg.Close()
		return fmt.Errorf("failed to start service: %s", err)
	}

	stop := func() {
		cfg.Close()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownTelemetry(ctx)
	}
	log.RegisterExitHandler(stop)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(
		sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP, os.Interrupt,
	)
	<-sigChan

	log.Info("shutting down service...")
	log.Exit(0)
	return nil
}

func infoAction(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc application.Service) error {
		info, err := svc.GetInfo(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"network":            info.Network,
			"guardianKey":        info.GuardianKey,
			"recoveryKeyA":       info.RecoveryKeyA,
			"recoveryKeyB":       info.RecoveryKeyB,
			"collateralRatioBps": info.CollateralRatioBps,
			"collateralUsdCents": info.CollateralUsdCents,
			"atRiskThresholdBps": info.AtRiskThresholdBps,
			"minConfirmations":   info.MinConfirmations,
			"fallbackPriceUsd":   info.FallbackPriceUsd,
		})
	})
}

func descriptorAction(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc application.Service) error {
		desc, err := svc.BuildVaultDescriptor(
			ctx, c.String(protocolKeyFlagName), c.String(userKeyFlagName),
		)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"descriptor":        desc.Descriptor,
			"address":           desc.Address,
			"internalKey":       desc.InternalKey,
			"protocolPublicKey": desc.ProtocolPublicKey,
			"userPublicKey":     desc.UserPublicKey,
			"outputKey":         desc.OutputKey,
			"merkleRoot":        desc.MerkleRoot,
			"redeemScript":      desc.RedeemScript,
			"recoverScript":     desc.RecoverScript,
		})
	})
}

func previewAction(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc application.Service) error {
		preview, err := svc.GetCollateralPreview(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"price":              preview.BtcPriceUsd,
			"sats":               preview.Sats,
			"ratioBps":           preview.RatioBps,
			"usdCents":           preview.UsdCents,
			"usingFallbackPrice": preview.UsingFallbackPrice,
		})
	})
}

func mintBuildAction(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc application.Service) error {
		req := application.MintRequest{
			PaymentAddress:   c.String(paymentAddressFlagName),
			PaymentPublicKey: c.String(paymentKeyFlagName),
			OrdinalsAddress:  c.String(ordinalsAddressFlagName),
			Rune:             c.String(runeFlagName),
			FeeRate:          c.Float64(feeRateFlagName),
			FeeRecipient:     c.String(feeRecipientFlagName),
			Amounts: application.AmountOverrides{
				OrdinalsSats:     optionalUint64(c, ordinalsAmountFlagName),
				FeeRecipientSats: optionalUint64(c, feeRecipientAmountFlagName),
				VaultSats:        optionalUint64(c, vaultAmountFlagName),
			},
		}
		res, err := svc.BuildMint(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"vaultId":            res.VaultId,
			"wallet":             res.Wallet,
			"psbt":               res.Psbt,
			"vaultAddress":       res.VaultAddress,
			"descriptor":         res.Descriptor,
			"protocolPublicKey":  res.ProtocolPublicKey,
			"collateralSats":     res.CollateralSats,
			"btcPriceUsd":        res.BtcPriceUsd,
			"usingFallbackPrice": res.UsingFallbackPrice,
		})
	})
}

func mintFinalizeAction(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc application.Service) error {
		vault, err := svc.FinalizeMint(ctx, c.String(vaultIdFlagName), c.String(psbtFlagName))
		if err != nil {
			return err
		}
		return printJSON(vaultJSON(vault))
	})
}

func vaultGetAction(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc application.Service) error {
		vault, err := svc.GetVault(ctx, c.String(vaultIdFlagName))
		if err != nil {
			return err
		}
		return printJSON(vaultJSON(vault))
	})
}

func vaultListAction(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc application.Service) error {
		vaults, err := svc.ListVaults(ctx, c.String(paymentAddressFlagName))
		if err != nil {
			return err
		}
		list := make([]map[string]any, 0, len(vaults))
		for _, v := range vaults {
			list = append(list, vaultSummaryJSON(v))
		}
		return printJSON(map[string]any{"vaults": list})
	})
}

func vaultRefreshAction(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc application.Service) error {
		vault, err := svc.RefreshVault(ctx, c.String(vaultIdFlagName))
		if err != nil {
			return err
		}
		return printJSON(vaultJSON(vault))
	})
}

func vaultImportAction(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc application.Service) error {
		vaultId := c.String(vaultIdFlagName)
		if err := svc.ImportVault(ctx, vaultId); err != nil {
			return err
		}
		return printJSON(map[string]any{"vaultId": vaultId, "imported": true})
	})
}

func withdrawPrepareAction(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc application.Service) error {
		req, err := svc.PrepareWithdraw(ctx, c.String(vaultIdFlagName), c.String(txFlagName))
		if err != nil {
			return err
		}
		return printJSON(signatureRequiredJSON(req))
	})
}

func withdrawFinalizeAction(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc application.Service) error {
		res, err := svc.FinalizeWithdraw(ctx, withdrawRequest(c))
		if err != nil {
			return err
		}
		return printJSON(withdrawResultJSON(res))
	})
}

func withdrawSignAction(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc application.Service) error {
		res, err := svc.SignAndFinalizeWithdraw(ctx, withdrawRequest(c))
		if err != nil {
			return err
		}
		return printJSON(withdrawResultJSON(res))
	})
}

func withdrawRequest(c *cli.Context) application.WithdrawRequest {
	return application.WithdrawRequest{
		VaultId:           c.String(vaultIdFlagName),
		Tx:                c.String(txFlagName),
		ProtocolSignature: c.String(signatureFlagName),
		Broadcast:         c.Bool(broadcastFlagName),
	}
}
