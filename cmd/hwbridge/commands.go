package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli"

	"github.com/keyfort/hwbridge/bip32path"
	"github.com/keyfort/hwbridge/psbt2"
	"github.com/keyfort/hwbridge/ur"
	"github.com/keyfort/hwbridge/walletconf"
)

var urEncodeCommand = cli.Command{
	Name:      "urencode",
	Category:  "UR",
	Usage:     "Encode a hex payload as UR fragments.",
	ArgsUsage: "payload_hex",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "max_fragment_len",
			Usage: "maximum payload bytes per fragment",
			Value: 100,
		},
		cli.StringFlag{
			Name:  "type",
			Usage: "UR type tag to encode under",
			Value: ur.TypeBytes,
		},
	},
	Action: urEncode,
}

func urEncode(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "urencode")
	}

	payload, err := hex.DecodeString(ctx.Args().First())
	if err != nil {
		return fmt.Errorf("invalid payload hex: %w", err)
	}

	wrapped, err := ur.WrapBytes(payload)
	if err != nil {
		return err
	}

	fragments, err := ur.Encode(ctx.String("type"), wrapped,
		ctx.Int("max_fragment_len"))
	if err != nil {
		return err
	}

	for _, fragment := range ur.FragmentStrings(fragments) {
		fmt.Println(fragment)
	}

	return nil
}

var urDecodeCommand = cli.Command{
	Name:      "urdecode",
	Category:  "UR",
	Usage:     "Reassemble UR fragments read from stdin or arguments.",
	ArgsUsage: "[fragment...]",
	Action:    urDecode,
}

func urDecode(ctx *cli.Context) error {
	fragments := ctx.Args()
	if len(fragments) == 0 {
		raw, err := os.ReadFile(os.Stdin.Name())
		if err != nil {
			return err
		}
		fragments = strings.Fields(string(raw))
	}

	decoder := ur.NewDecoder()
	var summary *ur.DecodeSummary
	for _, fragment := range fragments {
		var err error
		summary, err = decoder.Receive(fragment)
		if err != nil {
			return err
		}
		if summary.State == ur.StateFailed {
			return summary.Err
		}
		if summary.IsSuccess() {
			break
		}
	}
	if summary == nil || !summary.IsSuccess() {
		return fmt.Errorf("incomplete: need more fragments")
	}

	payload, err := ur.DecodeBytes(summary.Result)
	if err != nil {
		// Not every type wraps its payload; print the raw message.
		payload = summary.Result
	}

	fmt.Printf("type: %s\n", summary.Type)
	fmt.Printf("payload: %x\n", payload)

	return nil
}

var confParseCommand = cli.Command{
	Name:      "confparse",
	Category:  "Config",
	Usage:     "Parse a wallet config file (text or JSON) and dump it.",
	ArgsUsage: "config_file",
	Action:    confParse,
}

func confParse(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "confparse")
	}

	raw, err := os.ReadFile(ctx.Args().First())
	if err != nil {
		return err
	}

	var cfg *walletconf.Config
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		wallet, err := walletconf.ParseWalletConfig(raw)
		if err != nil {
			return err
		}
		cfg, err = wallet.ToTextConfig()
		if err != nil {
			return err
		}
	} else {
		cfg, err = walletconf.ParseConfig(string(raw))
		if err != nil {
			return err
		}
	}

	fmt.Printf("name: %s\n", cfg.Name)
	fmt.Printf("policy: %d of %d\n", cfg.RequiredSigners,
		cfg.TotalSigners)
	fmt.Printf("format: %s\n", cfg.Format)
	for _, key := range cfg.Keys {
		fmt.Printf("key %s derivation=%s\n  %s\n",
			bip32path.FingerprintHex(key.Fingerprint),
			key.Derivation, key.XPub)
	}

	return nil
}

var confEmitCommand = cli.Command{
	Name:      "confemit",
	Category:  "Config",
	Usage:     "Convert a JSON wallet config into the text setup form.",
	ArgsUsage: "config_json_file",
	Action:    confEmit,
}

func confEmit(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "confemit")
	}

	raw, err := os.ReadFile(ctx.Args().First())
	if err != nil {
		return err
	}

	wallet, err := walletconf.ParseWalletConfig(raw)
	if err != nil {
		return err
	}

	cfg, err := wallet.ToTextConfig()
	if err != nil {
		return err
	}

	text, err := walletconf.EmitConfig(cfg)
	if err != nil {
		return err
	}

	fmt.Print(text)

	return nil
}

var psbtInspectCommand = cli.Command{
	Name:      "psbtinspect",
	Category:  "PSBT",
	Usage:     "Parse a PSBT (hex) and dump its structure.",
	ArgsUsage: "psbt_hex",
	Action:    psbtInspect,
}

func psbtInspect(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "psbtinspect")
	}

	raw, err := hex.DecodeString(ctx.Args().First())
	if err != nil {
		return fmt.Errorf("invalid psbt hex: %w", err)
	}

	version, err := psbt2.DetectVersion(raw)
	if err != nil {
		return err
	}

	packet, err := psbt2.Parse(raw)
	if err != nil {
		return err
	}

	fmt.Printf("version: %d\n", version)
	fmt.Printf("tx version: %d\n", packet.TxVersion())
	fmt.Printf("inputs: %d\n", packet.NumInputs())
	fmt.Printf("outputs: %d\n", packet.NumOutputs())

	for i := 0; i < packet.NumInputs(); i++ {
		in, err := packet.Input(i)
		if err != nil {
			return err
		}

		fmt.Printf("input %d\n", i)
		for _, deriv := range in.Derivations {
			fmt.Printf("  derivation %s fingerprint=%s\n",
				hex.EncodeToString(deriv.PubKey),
				bip32path.FingerprintHex(
					deriv.MasterFingerprint,
				))
		}
		for _, sig := range in.PartialSigs {
			fmt.Printf("  partial sig %s\n",
				hex.EncodeToString(sig.PubKey))
		}
	}

	return nil
}
