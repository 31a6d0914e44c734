package qr_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/csysp/open-winder/internal/config"
	"github.com/csysp/open-winder/internal/qr"
)

func testConfig() *config.ClientConfig {
	return &config.ClientConfig{
		RouterHost: "gateway.example.com",
		SPAPort:    51888,
		WGPort:     51820,
		KEMPubB64:  "cGxhY2Vob2xkZXI=",
		PSKB64:     "c2VjcmV0cHNr",
	}
}

func TestGenerate_WritesPNGFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.png")

	err := qr.Generate(testConfig(), &qr.GenerateOptions{OutputPath: path})
	if err != nil {
		t.Fatalf("Generate error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected PNG file at %s: %v", path, err)
	}
	if info.Size() == 0 {
		t.Error("PNG file is empty")
	}
}

func TestGenerate_ASCIIFallback(t *testing.T) {
	// No OutputPath: should print to stdout without error.
	if err := qr.Generate(testConfig(), nil); err != nil {
		t.Fatalf("Generate (ASCII) error = %v", err)
	}
}
