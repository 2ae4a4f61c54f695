package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/brojonat/tokendesk/service/solana"
	"github.com/tyler-smith/go-bip39"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

func walletCommands() *cli.Command {
	return &cli.Command{
		Name:  "wallet",
		Usage: "Wallet commands",
		Subcommands: []*cli.Command{
			walletShowCommand(),
			walletDeriveCommand(),
		},
	}
}

func walletShowCommand() *cli.Command {
	return &cli.Command{
		Name:  "show",
		Usage: "Show the server's connected wallet",
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			wallet, err := cl.Wallet(c.Context)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, wallet)
			}

			w := c.App.Writer
			if !wallet.Connected {
				fmt.Fprintf(w, "No wallet connected (network: %s)\n", wallet.Network)
				return nil
			}
			fmt.Fprintf(w, "Address:  %s\n", wallet.Address)
			fmt.Fprintf(w, "Network:  %s\n", wallet.Network)
			fmt.Fprintf(w, "SOL:      %s\n", wallet.SOLBalance.String())
			fmt.Fprintf(w, "Holdings: %d (updated %s)\n", wallet.HoldingCount, formatTime(wallet.BalancesUpdatedAt))
			fmt.Fprintf(w, "History:  %d records (updated %s)\n", wallet.RecordCount, formatTime(wallet.HistoryUpdatedAt))
			if wallet.InFlight != nil {
				fmt.Fprintf(w, "Busy:     %s since %s\n", wallet.InFlight.Intent, formatTime(&wallet.InFlight.StartedAt))
			}
			return nil
		},
	}
}

func walletDeriveCommand() *cli.Command {
	return &cli.Command{
		Name:  "derive",
		Usage: "Print the public key of a local keypair or mnemonic",
		Description: `Resolves the address a server would sign with for the given
WALLET_KEYPAIR_PATH or WALLET_MNEMONIC. With neither flag the mnemonic is
read from the terminal without echo.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "keypair", Usage: "Path to a Solana CLI keypair file"},
			&cli.StringFlag{Name: "mnemonic", Usage: "BIP-39 mnemonic phrase"},
			&cli.StringFlag{Name: "passphrase", Usage: "Optional BIP-39 passphrase", EnvVars: []string{"WALLET_PASSPHRASE"}},
			&cli.BoolFlag{Name: "generate", Usage: "Generate a new 24-word mnemonic"},
		},
		Action: func(c *cli.Context) error {
			var (
				wallet   *solana.LocalWallet
				mnemonic string
				err      error
			)
			switch {
			case c.Bool("generate"):
				mnemonic, err = generateMnemonic()
				if err != nil {
					return err
				}
				wallet, err = solana.WalletFromMnemonic(mnemonic, c.String("passphrase"))
			case c.String("keypair") != "":
				wallet, err = solana.LoadKeypairFile(c.String("keypair"))
			default:
				phrase := c.String("mnemonic")
				if phrase == "" {
					phrase, err = readMnemonic(os.Stdin, os.Stderr)
					if err != nil {
						return err
					}
				}
				wallet, err = solana.WalletFromMnemonic(phrase, c.String("passphrase"))
			}
			if err != nil {
				return err
			}

			if c.Bool("json") {
				out := map[string]string{"address": wallet.PublicKey().String()}
				if mnemonic != "" {
					out["mnemonic"] = mnemonic
				}
				return outputJSON(c.App.Writer, out)
			}
			if mnemonic != "" {
				fmt.Fprintf(c.App.Writer, "Mnemonic: %s\n", mnemonic)
			}
			fmt.Fprintf(c.App.Writer, "Address:  %s\n", wallet.PublicKey().String())
			return nil
		},
	}
}

func generateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// readMnemonic prompts on a terminal without echo, or reads a line when
// stdin is piped.
func readMnemonic(in *os.File, prompt io.Writer) (string, error) {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(prompt, "Mnemonic: ")
		phrase, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read mnemonic: %w", err)
		}
		return normalizeMnemonic(string(phrase)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read mnemonic: %w", err)
	}
	phrase := normalizeMnemonic(line)
	if phrase == "" {
		return "", fmt.Errorf("mnemonic is required (use --mnemonic, --keypair or pipe it on stdin)")
	}
	return phrase, nil
}

func normalizeMnemonic(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
