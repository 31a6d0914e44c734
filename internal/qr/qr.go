// Package qr renders a client's knock bundle as a QR code, for bootstrapping
// a new client without retyping a base64 public key and PSK by hand. The QR
// payload is exactly the client config JSON document (see internal/config);
// since it carries the PSK, callers should treat the QR image as a secret.
package qr

import (
	"encoding/json"
	"fmt"
	"os"

	goqr "github.com/skip2/go-qrcode"

	"github.com/csysp/open-winder/internal/config"
)

// GenerateOptions controls QR code generation.
type GenerateOptions struct {
	// Size is the QR image size in pixels (default: 256).
	Size int

	// OutputPath is the file path to write the QR PNG to. If empty, the QR
	// is printed to the terminal as ASCII art.
	OutputPath string

	// RecoveryLevel is the QR error correction level. The zero value is
	// treated as unset and replaced by goqr.Medium; since goqr.Low is that
	// zero value, Low cannot be selected here.
	RecoveryLevel goqr.RecoveryLevel
}

// Generate encodes cfg into a QR code. If opts.OutputPath is set, a PNG is
// written to that path; otherwise ASCII art is printed to stdout.
func Generate(cfg *config.ClientConfig, opts *GenerateOptions) error {
	if opts == nil {
		opts = &GenerateOptions{}
	}
	if opts.Size == 0 {
		opts.Size = 256
	}
	if opts.RecoveryLevel == 0 {
		opts.RecoveryLevel = goqr.Medium
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling QR payload: %w", err)
	}

	if opts.OutputPath != "" {
		if err := goqr.WriteFile(string(data), opts.RecoveryLevel, opts.Size, opts.OutputPath); err != nil {
			return fmt.Errorf("writing QR PNG to %s: %w", opts.OutputPath, err)
		}
		fmt.Fprintf(os.Stdout, "QR code written to %s\n", opts.OutputPath)
		return nil
	}

	q, err := goqr.New(string(data), opts.RecoveryLevel)
	if err != nil {
		return fmt.Errorf("generating QR: %w", err)
	}
	fmt.Println(q.ToSmallString(false))
	return nil
}
