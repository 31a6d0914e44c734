// Command spa-gatewayd is the SPA-PQ gateway daemon: it binds a UDP port,
// authenticates knocks against a post-quantum KEM keypair and a pre-shared
// key, and requests that nftables admit authorized source addresses into a
// timeout-enabled address-set.
//
// Usage:
//
//	spa-gatewayd gen-keys --priv-out PATH --pub-out PATH
//	spa-gatewayd run --wg-port 51820 --kem-priv PATH --psk-file PATH
//	spa-gatewayd check-filter --nft-table inet --nft-chain wg_spa_allow
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	internalconfig "github.com/csysp/open-winder/internal/config"
	internalcrypto "github.com/csysp/open-winder/internal/crypto"
	"github.com/csysp/open-winder/internal/daemon"
	"github.com/csysp/open-winder/internal/decisionlog"
	"github.com/csysp/open-winder/internal/firewall"
)

var logLevel string

func main() {
	root := &cobra.Command{
		Use:   "spa-gatewayd",
		Short: "Post-quantum Single Packet Authorization gateway daemon",
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newGenKeysCmd(), newRunCmd(), newCheckFilterCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ────────────────────────────────────────────────────────────────────────────
// spa-gatewayd gen-keys
// ────────────────────────────────────────────────────────────────────────────

func newGenKeysCmd() *cobra.Command {
	var privOut, pubOut string

	cmd := &cobra.Command{
		Use:   "gen-keys",
		Short: "Generate a fresh ML-KEM-768 keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenKeys(privOut, pubOut)
		},
	}
	cmd.Flags().StringVar(&privOut, "priv-out", "", "path to write the raw private key seed (required)")
	cmd.Flags().StringVar(&pubOut, "pub-out", "", "path to write the raw public key (required)")
	_ = cmd.MarkFlagRequired("priv-out")
	_ = cmd.MarkFlagRequired("pub-out")
	return cmd
}

func runGenKeys(privOut, pubOut string) error {
	dk, err := internalcrypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}

	if err := os.WriteFile(privOut, dk.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing private key to %s: %w", privOut, err)
	}
	if err := os.WriteFile(pubOut, dk.EncapsulationKey().Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing public key to %s: %w", pubOut, err)
	}

	fmt.Printf("Generated ML-KEM-768 keypair.\n  private key: %s\n  public key:  %s\n  fingerprint: %s\n",
		privOut, pubOut, internalcrypto.FingerprintKey(dk.EncapsulationKey().Bytes()))
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// spa-gatewayd run
// ────────────────────────────────────────────────────────────────────────────

func newRunCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		wgPort     uint16
		kemPriv    string
		pskFile    string
		openSecs   int
		windowSecs int
		nftTable   string
		nftChain   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway's receive loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			fileCfg, err := internalconfig.LoadDaemonConfig(configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("listen") {
				listen = fileCfg.Listen
			}
			if !cmd.Flags().Changed("open-secs") {
				openSecs = int(fileCfg.OpenSecs.Seconds())
			}
			if !cmd.Flags().Changed("window-secs") {
				windowSecs = int(fileCfg.WindowSecs.Seconds())
			}
			if !cmd.Flags().Changed("nft-table") {
				nftTable = fileCfg.NFTable
			}
			if !cmd.Flags().Changed("nft-chain") {
				nftChain = fileCfg.NFChain
			}
			return runRun(listen, wgPort, kemPriv, pskFile, openSecs, windowSecs, nftTable, nftChain)
		},
	}

	defaults := internalconfig.DefaultDaemonConfig()
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML file supplying defaults for the flags below")
	cmd.Flags().StringVar(&listen, "listen", defaults.Listen, "UDP listen address")
	cmd.Flags().Uint16Var(&wgPort, "wg-port", 0, "hidden WireGuard UDP port (passed through, not enforced) (required)")
	cmd.Flags().StringVar(&kemPriv, "kem-priv", "", "path to the raw ML-KEM-768 private key (required)")
	cmd.Flags().StringVar(&pskFile, "psk-file", "", "path to the raw 32-byte pre-shared key (required)")
	cmd.Flags().IntVar(&openSecs, "open-secs", int(defaults.OpenSecs.Seconds()), "seconds an address-set membership stays open")
	cmd.Flags().IntVar(&windowSecs, "window-secs", int(defaults.WindowSecs.Seconds()), "freshness window in seconds")
	cmd.Flags().StringVar(&nftTable, "nft-table", defaults.NFTable, "nftables table name (inet family)")
	cmd.Flags().StringVar(&nftChain, "nft-chain", defaults.NFChain, "nftables chain name")
	_ = cmd.MarkFlagRequired("wg-port")
	_ = cmd.MarkFlagRequired("kem-priv")
	_ = cmd.MarkFlagRequired("psk-file")

	return cmd
}

func runRun(listen string, wgPort uint16, kemPrivPath, pskPath string, openSecs, windowSecs int, nftTable, nftChain string) error {
	log := newLogger()

	privBytes, err := os.ReadFile(kemPrivPath)
	if err != nil {
		return fmt.Errorf("reading KEM private key %s: %w", kemPrivPath, err)
	}
	priv, err := internalcrypto.ParsePrivateKey(privBytes)
	if err != nil {
		return fmt.Errorf("parsing KEM private key: %w", err)
	}

	psk, err := os.ReadFile(pskPath)
	if err != nil {
		return fmt.Errorf("reading PSK file %s: %w", pskPath, err)
	}
	if len(psk) != internalcrypto.PSKSize {
		return fmt.Errorf("PSK file %s must contain exactly %d bytes, got %d", pskPath, internalcrypto.PSKSize, len(psk))
	}

	filter := firewall.New(nftTable, nftChain)
	if err := filter.VerifyPrerequisites(); err != nil {
		return fmt.Errorf("nft_missing: %w", err)
	}

	d, err := daemon.New(daemon.Config{
		Listen:      listen,
		WGPort:      wgPort,
		PrivateKey:  priv,
		PSK:         psk,
		OpenSecs:    time.Duration(openSecs) * time.Second,
		WindowSecs:  time.Duration(windowSecs) * time.Second,
		Filter:      filter,
		DecisionLog: decisionlog.New(os.Stdout, nil),
		Log:         log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}

// ────────────────────────────────────────────────────────────────────────────
// spa-gatewayd check-filter
// ────────────────────────────────────────────────────────────────────────────

func newCheckFilterCmd() *cobra.Command {
	var nftTable, nftChain string

	defaults := internalconfig.DefaultDaemonConfig()
	cmd := &cobra.Command{
		Use:   "check-filter",
		Short: "Verify the nft table/chain/address-set exist, without binding a socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := firewall.New(nftTable, nftChain)
			if err := filter.VerifyPrerequisites(); err != nil {
				return err
			}
			fmt.Printf("OK: table inet %s, chain %s, address-set %s_set are present and timeout-enabled.\n", nftTable, nftChain, nftChain)
			return nil
		},
	}
	cmd.Flags().StringVar(&nftTable, "nft-table", defaults.NFTable, "nftables table name (inet family)")
	cmd.Flags().StringVar(&nftChain, "nft-chain", defaults.NFChain, "nftables chain name")
	return cmd
}
