package main

import "github.com/urfave/cli/v2"

const (
	vaultIdFlagName            = "vault-id"
	protocolKeyFlagName        = "protocol-key"
	userKeyFlagName            = "user-key"
	paymentAddressFlagName     = "payment-address"
	paymentKeyFlagName         = "payment-key"
	ordinalsAddressFlagName    = "ordinals-address"
	runeFlagName               = "rune"
	feeRateFlagName            = "fee-rate"
	feeRecipientFlagName       = "fee-address"
	ordinalsAmountFlagName     = "ordinals-amount"
	feeRecipientAmountFlagName = "fee-amount"
	vaultAmountFlagName        = "vault-amount"
	psbtFlagName               = "psbt"
	txFlagName                 = "tx"
	signatureFlagName          = "signature"
	broadcastFlagName          = "broadcast"
)

var (
	vaultIdFlag = &cli.StringFlag{
		Name:     vaultIdFlagName,
		Usage:    "id of the vault",
		Required: true,
	}
	protocolKeyFlag = &cli.StringFlag{
		Name:     protocolKeyFlagName,
		Usage:    "protocol public key in hex format, x-only or compressed",
		Required: true,
	}
	userKeyFlag = &cli.StringFlag{
		Name:     userKeyFlagName,
		Usage:    "user public key in hex format, x-only or compressed",
		Required: true,
	}
	paymentAddressFlag = func(required bool) *cli.StringFlag {
		return &cli.StringFlag{
			Name:     paymentAddressFlagName,
			Usage:    "address of the user wallet",
			Required: required,
		}
	}
	paymentKeyFlag = &cli.StringFlag{
		Name:     paymentKeyFlagName,
		Usage:    "public key of the user payment address in hex format",
		Required: true,
	}
	ordinalsAddressFlag = &cli.StringFlag{
		Name:     ordinalsAddressFlagName,
		Usage:    "address receiving the ordinals output",
		Required: true,
	}
	runeFlag = &cli.StringFlag{
		Name:  runeFlagName,
		Usage: "rune to mint, a hex payload is used as is, anything else selects the daemon default marker",
	}
	feeRateFlag = &cli.Float64Flag{
		Name:  feeRateFlagName,
		Usage: "fee rate in sat/vB, the node estimate is used if not set",
	}
	feeRecipientFlag = &cli.StringFlag{
		Name:  feeRecipientFlagName,
		Usage: "address receiving the protocol fee, overrides the daemon one",
	}
	ordinalsAmountFlag = &cli.Uint64Flag{
		Name:  ordinalsAmountFlagName,
		Usage: "amount of the ordinals output in sats",
	}
	feeRecipientAmountFlag = &cli.Uint64Flag{
		Name:  feeRecipientAmountFlagName,
		Usage: "amount of the protocol fee output in sats",
	}
	vaultAmountFlag = &cli.Uint64Flag{
		Name:  vaultAmountFlagName,
		Usage: "amount of the vault output in sats, honored only while the price feed is unavailable",
	}
	psbtFlag = &cli.StringFlag{
		Name:     psbtFlagName,
		Usage:    "psbt signed by the user in base64 or hex format",
		Required: true,
	}
	txFlag = &cli.StringFlag{
		Name:     txFlagName,
		Usage:    "funded withdrawal psbt in base64 or hex format, or raw transaction",
		Required: true,
	}
	signatureFlag = &cli.StringFlag{
		Name:  signatureFlagName,
		Usage: "protocol signature in hex format, looked up in the psbt if empty",
	}
	broadcastFlag = &cli.BoolFlag{
		Name:  broadcastFlagName,
		Usage: "broadcast the finalized transaction",
		Value: true,
	}
)
