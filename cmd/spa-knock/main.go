// Command spa-knock is the SPA-PQ client: it sends a single authenticated
// knock packet to a gateway and reports whether the gateway acknowledged it.
//
// Usage:
//
//	spa-knock gen-config --out PATH --router-host HOST --spa-port N --wg-port N --kem-pub PATH --psk-file PATH
//	spa-knock qr [--config PATH] [--out PNG_PATH]
//	spa-knock knock [--config PATH]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/csysp/open-winder/internal/client"
	"github.com/csysp/open-winder/internal/config"
	internalcrypto "github.com/csysp/open-winder/internal/crypto"
	"github.com/csysp/open-winder/internal/qr"
)

func main() {
	root := &cobra.Command{
		Use:   "spa-knock",
		Short: "Post-quantum Single Packet Authorization client",
	}

	root.AddCommand(newKnockCmd(), newGenConfigCmd(), newQRCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func configFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVar(configPath, "config", config.DefaultClientConfigPath(), "path to the client config JSON bundle")
}

// ────────────────────────────────────────────────────────────────────────────
// spa-knock knock
// ────────────────────────────────────────────────────────────────────────────

func newKnockCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "knock",
		Short: "Send a single SPA knock using the configured gateway and credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKnock(configPath)
		},
	}
	configFlag(cmd, &configPath)
	return cmd
}

func runKnock(configPath string) error {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading client config %s: %w", configPath, err)
	}

	pubBytes, err := internalcrypto.DecodeKey(cfg.KEMPubB64)
	if err != nil {
		return fmt.Errorf("decoding kem_pub_b64: %w", err)
	}
	pub, err := internalcrypto.ParsePublicKey(pubBytes)
	if err != nil {
		return fmt.Errorf("parsing gateway public key: %w", err)
	}

	psk, err := internalcrypto.DecodeKey(cfg.PSKB64)
	if err != nil {
		return fmt.Errorf("decoding psk_b64: %w", err)
	}

	result, err := client.Knock(client.KnockOptions{
		RouterHost: cfg.RouterHost,
		SPAPort:    cfg.SPAPort,
		PublicKey:  pub,
		PSK:        psk,
	})
	if err != nil {
		return fmt.Errorf("knock failed: %w", err)
	}

	if result.Acknowledged {
		fmt.Printf("Knock acknowledged. %s:%d should be reachable shortly.\n", cfg.RouterHost, cfg.WGPort)
	} else {
		fmt.Println("Knock sent; port should open shortly.")
	}
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// spa-knock gen-config
// ────────────────────────────────────────────────────────────────────────────

func newGenConfigCmd() *cobra.Command {
	var (
		out        string
		routerHost string
		spaPort    uint16
		wgPort     uint16
		kemPub     string
		pskFile    string
	)

	cmd := &cobra.Command{
		Use:   "gen-config",
		Short: "Assemble a client config bundle from a gateway's public key and PSK",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenConfig(out, routerHost, spaPort, wgPort, kemPub, pskFile)
		},
	}

	cmd.Flags().StringVar(&out, "out", config.DefaultClientConfigPath(), "path to write the client config JSON bundle")
	cmd.Flags().StringVar(&routerHost, "router-host", "", "gateway hostname or IP (required)")
	cmd.Flags().Uint16Var(&spaPort, "spa-port", 0, "gateway's UDP knock port (required)")
	cmd.Flags().Uint16Var(&wgPort, "wg-port", 0, "hidden WireGuard UDP port (required)")
	cmd.Flags().StringVar(&kemPub, "kem-pub", "", "path to the gateway's raw ML-KEM-768 public key (required)")
	cmd.Flags().StringVar(&pskFile, "psk-file", "", "path to the raw 32-byte pre-shared key (required)")
	_ = cmd.MarkFlagRequired("router-host")
	_ = cmd.MarkFlagRequired("spa-port")
	_ = cmd.MarkFlagRequired("wg-port")
	_ = cmd.MarkFlagRequired("kem-pub")
	_ = cmd.MarkFlagRequired("psk-file")

	return cmd
}

func runGenConfig(out, routerHost string, spaPort, wgPort uint16, kemPubPath, pskPath string) error {
	pubBytes, err := os.ReadFile(kemPubPath)
	if err != nil {
		return fmt.Errorf("reading KEM public key %s: %w", kemPubPath, err)
	}
	if _, err := internalcrypto.ParsePublicKey(pubBytes); err != nil {
		return fmt.Errorf("invalid KEM public key: %w", err)
	}

	pskBytes, err := os.ReadFile(pskPath)
	if err != nil {
		return fmt.Errorf("reading PSK file %s: %w", pskPath, err)
	}
	if len(pskBytes) != internalcrypto.PSKSize {
		return fmt.Errorf("PSK file %s must contain exactly %d bytes, got %d", pskPath, internalcrypto.PSKSize, len(pskBytes))
	}

	cfg := &config.ClientConfig{
		RouterHost: routerHost,
		SPAPort:    spaPort,
		WGPort:     wgPort,
		KEMPubB64:  internalcrypto.EncodeKey(pubBytes),
		PSKB64:     internalcrypto.EncodeKey(pskBytes),
	}

	if err := config.SaveClientConfig(out, cfg); err != nil {
		return fmt.Errorf("writing client config to %s: %w", out, err)
	}

	fmt.Printf("Client config written to %s\n", out)
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// spa-knock qr
// ────────────────────────────────────────────────────────────────────────────

func newQRCmd() *cobra.Command {
	var configPath, out string

	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Render the client config bundle as a QR code for bootstrapping another device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading client config %s: %w", configPath, err)
			}
			return qr.Generate(cfg, &qr.GenerateOptions{OutputPath: out})
		},
	}
	configFlag(cmd, &configPath)
	cmd.Flags().StringVar(&out, "out", "", "path to write a QR PNG; if empty, prints ASCII art to the terminal")
	return cmd
}
