// Package daemon implements the SPA-PQ gateway's receive loop: a single
// goroutine, blocking UDP reads, a fixed per-packet decision pipeline
// (rate-limit → parse → freshness → replay-insert → decapsulate →
// HMAC-verify → filter-insert → acknowledge → log), and nothing else. There
// is deliberately no per-packet goroutine and no mutex anywhere in this
// package: the replay cache, both token buckets and the UDP socket are
// owned exclusively by the loop that calls Run.
package daemon

import (
	"context"
	"crypto/mlkem"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/csysp/open-winder/internal/crypto"
	"github.com/csysp/open-winder/internal/decisionlog"
	"github.com/csysp/open-winder/internal/firewall"
	"github.com/csysp/open-winder/internal/ratelimit"
	"github.com/csysp/open-winder/internal/replay"
	"github.com/csysp/open-winder/pkg/protocol"
)

// readTimeout bounds each blocking read so the loop wakes periodically even
// without traffic and can notice that ctx has been cancelled. A timeout does
// nothing else: the rate limiter's refill and stale-source eviction and the
// replay cache's window-based purge run only when a packet is handled.
const readTimeout = 500 * time.Millisecond

const (
	globalBucketCapacity    = 200
	perSourceBucketCapacity = 20
	rateLimitStaleAfter     = 10 * time.Second
	replayCacheCapacity     = 4096
)

// Config holds everything the receive loop needs. All fields are read once
// at startup and treated as immutable for the process lifetime.
type Config struct {
	// Listen is the UDP address to bind, e.g. "0.0.0.0:51820".
	Listen string

	// WGPort is the hidden service's port, passed through for diagnostics
	// only — the daemon never enforces or dials it.
	WGPort uint16

	// PrivateKey is the daemon's ML-KEM-768 decapsulation key.
	PrivateKey *mlkem.DecapsulationKey768

	// PSK is the 32-byte long-term pre-shared key.
	PSK []byte

	// OpenSecs is how long a successful knock's address-set membership lasts.
	OpenSecs time.Duration

	// WindowSecs is the freshness window a knock's timestamp must fall within.
	WindowSecs time.Duration

	// Filter performs the address-set insertion side effect.
	Filter *firewall.Filter

	// DecisionLog emits one JSON record per accepted or rejected knock.
	DecisionLog *decisionlog.Logger

	// Log is the structured operational logger (startup, socket errors).
	Log *slog.Logger
}

// Daemon is the running receive loop, its replay cache and its rate limiter.
type Daemon struct {
	cfg     Config
	replay  *replay.Cache
	limiter *ratelimit.Limiter
	conn    net.PacketConn
}

// New validates cfg and constructs a Daemon. It does not bind a socket —
// that happens in Run.
func New(cfg Config) (*Daemon, error) {
	if len(cfg.PSK) != crypto.PSKSize {
		return nil, fmt.Errorf("PSK must be exactly %d bytes, got %d", crypto.PSKSize, len(cfg.PSK))
	}
	return &Daemon{
		cfg:    cfg,
		replay: replay.New(cfg.WindowSecs, replayCacheCapacity, nil),
		limiter: ratelimit.New(
			ratelimit.Config{Capacity: globalBucketCapacity, RefillPerSecond: globalBucketCapacity},
			ratelimit.Config{Capacity: perSourceBucketCapacity, RefillPerSecond: perSourceBucketCapacity},
			rateLimitStaleAfter,
			nil,
		),
	}, nil
}

// Run binds the UDP socket and blocks, processing knocks synchronously,
// until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", d.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening UDP %s: %w", d.cfg.Listen, err)
	}
	defer conn.Close()
	d.conn = conn

	d.cfg.Log.Info("gateway listening",
		"listen", d.cfg.Listen,
		"wg_port", d.cfg.WGPort,
		"open_secs", d.cfg.OpenSecs,
		"window_secs", d.cfg.WindowSecs,
	)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, protocol.Size(crypto.CiphertextSize)+1)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					return nil
				default:
					continue
				}
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				d.cfg.Log.Warn("UDP read error", "err", err)
				continue
			}
		}
		d.handlePacket(append([]byte(nil), buf[:n]...), addr)
	}
}

func (d *Daemon) handlePacket(raw []byte, addr net.Addr) {
	srcIP := extractIPv4(addr)
	if srcIP == nil {
		return // non-IPv4 source: silently dropped per spec.
	}
	var srcKey [4]byte
	copy(srcKey[:], srcIP.To4())

	if !d.limiter.Allow(srcKey) {
		return // rate-limited: no log, no reply.
	}

	pkt, err := protocol.Decode(raw, crypto.CiphertextSize)
	if err != nil {
		d.deny(srcIP, err.Error())
		return
	}

	if !d.fresh(pkt.Timestamp) {
		d.deny(srcIP, "stale_ts")
		return
	}

	key := replay.Key{SourceIP: srcKey, Nonce: pkt.Nonce, Timestamp: pkt.Timestamp}
	if d.replay.SeenOrInsert(key) {
		d.deny(srcIP, "replay")
		return
	}

	sharedSecret, err := crypto.Decapsulate(d.cfg.PrivateKey, pkt.Ciphertext)
	if err != nil {
		d.deny(srcIP, "decap_failed")
		return
	}

	msg := protocol.MACMessage(d.cfg.PSK, pkt.Version, pkt.Nonce, pkt.Timestamp)
	tagOK, err := crypto.VerifyTag(sharedSecret, msg, pkt.Tag[:])
	if err != nil {
		d.deny(srcIP, "hmac_key")
		return
	}
	if !tagOK {
		d.deny(srcIP, "bad_hmac")
		return
	}

	if err := d.cfg.Filter.AddAllow(srcIP, d.cfg.OpenSecs); err != nil {
		d.cfg.Log.Error("filter insertion failed", "src", srcIP, "err", err)
		d.deny(srcIP, "nft_add_failed")
		return
	}

	if _, err := d.conn.WriteTo([]byte("OK"), addr); err != nil {
		d.cfg.Log.Warn("sending ack failed", "src", srcIP, "err", err)
	}

	reason := "ok"
	if !net.IP(pkt.ClientIP[:]).Equal(srcIP) {
		reason = "ok_nat_mismatch"
	}
	if err := d.cfg.DecisionLog.EmitAllow(srcIP.String(), reason, int(d.cfg.OpenSecs.Seconds())); err != nil {
		d.cfg.Log.Error("writing decision log", "err", err)
	}
	d.cfg.Log.Debug("knock allowed", "src", srcIP, "reason", reason)
}

func (d *Daemon) fresh(ts int64) bool {
	now := time.Now().Unix()
	delta := now - ts
	if delta < 0 {
		delta = -delta
	}
	return delta <= int64(d.cfg.WindowSecs.Seconds())
}

func (d *Daemon) deny(srcIP net.IP, reason string) {
	if err := d.cfg.DecisionLog.EmitDeny(srcIP.String(), reason); err != nil {
		d.cfg.Log.Error("writing decision log", "err", err)
	}
}

// extractIPv4 returns addr's source IPv4 address, or nil if it is not IPv4.
func extractIPv4(addr net.Addr) net.IP {
	var ip net.IP
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		ip = net.ParseIP(host)
	}
	return ip.To4()
}
