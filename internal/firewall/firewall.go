// Package firewall implements the gateway's sole firewall primitive: an
// nftables timeout-enabled IPv4 address-set. The daemon never deletes an
// element and never owns a timer — nft's own per-element timeout expires
// membership, so there is nothing here to race against a crash or a clock
// skew. This is the address-set variant; the rule-insertion-plus-Go-timer
// and iptables approaches this package used to support are gone — see
// DESIGN.md.
package firewall

import (
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"time"
)

// Runner executes an external command and returns its combined output. It
// exists so tests can substitute a fake nft binary without shelling out.
type Runner interface {
	Run(name string, args ...string) ([]byte, error)
}

// execRunner is the production Runner, backed by os/exec.
type execRunner struct{}

func (execRunner) Run(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Filter manages a single nftables address-set within a fixed "inet"
// family table/chain pair.
type Filter struct {
	run   Runner
	table string
	chain string
}

// setName is the address-set the daemon inserts elements into, within
// Table/Chain.
func (f *Filter) setName() string {
	return f.chain + "_set"
}

// New constructs a Filter targeting the given nft table and chain, both in
// the "inet" address family. The family is fixed rather than configurable:
// a single gateway never needs to straddle ip/ip6/inet variants, and fixing
// it removes a class of operator misconfiguration.
func New(table, chain string) *Filter {
	return &Filter{run: execRunner{}, table: table, chain: chain}
}

// NewWithRunner constructs a Filter using a caller-supplied Runner, for
// tests.
func NewWithRunner(run Runner, table, chain string) *Filter {
	return &Filter{run: run, table: table, chain: chain}
}

type nftListing struct {
	Nftables []struct {
		Set *struct {
			Table   string `json:"table"`
			Name    string `json:"name"`
			Timeout int    `json:"timeout"`
		} `json:"set,omitempty"`
	} `json:"nftables"`
}

// VerifyPrerequisites checks that the table, chain and timeout-enabled
// address-set already exist, the way an operator's deployment script would
// before trusting the daemon to start. It never creates anything: the nft
// ruleset is owned by configuration management, not by this daemon.
func (f *Filter) VerifyPrerequisites() error {
	out, err := f.run.Run("nft", "-j", "list", "table", "inet", f.table)
	if err != nil {
		return fmt.Errorf("nft_missing: table inet %s: %w (output: %s)", f.table, err, out)
	}

	out, err = f.run.Run("nft", "-j", "list", "chain", "inet", f.table, f.chain)
	if err != nil {
		return fmt.Errorf("nft_missing: chain %s in table inet %s: %w (output: %s)", f.chain, f.table, err, out)
	}

	out, err = f.run.Run("nft", "-j", "list", "set", "inet", f.table, f.setName())
	if err != nil {
		return fmt.Errorf("nft_missing: set %s in table inet %s: %w (output: %s)", f.setName(), f.table, err, out)
	}

	var listing nftListing
	if err := json.Unmarshal(out, &listing); err != nil {
		return fmt.Errorf("nft_missing: parsing nft -j list set output: %w", err)
	}
	for _, item := range listing.Nftables {
		if item.Set != nil && item.Set.Name == f.setName() {
			if item.Set.Timeout <= 0 {
				return fmt.Errorf("nft_missing: set %s is not timeout-enabled", f.setName())
			}
			return nil
		}
	}
	return fmt.Errorf("nft_missing: set %s not found in nft -j list output", f.setName())
}

// AddAllow inserts srcIP into the address-set with the given membership
// duration. This is the only mutation this package ever performs; there is
// no corresponding Remove.
func (f *Filter) AddAllow(srcIP net.IP, openFor time.Duration) error {
	v4 := srcIP.To4()
	if v4 == nil {
		return fmt.Errorf("nft_add_failed: address-set only accepts IPv4, got %s", srcIP)
	}

	element := fmt.Sprintf("add element inet %s %s { %s timeout %ds }",
		f.table, f.setName(), v4.String(), int(openFor.Seconds()))

	out, err := f.run.Run("nft", element)
	if err != nil {
		return fmt.Errorf("nft_add_failed: %w (output: %s)", err, out)
	}
	return nil
}
