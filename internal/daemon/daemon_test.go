package daemon

import (
	"bytes"
	"crypto/mlkem"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/csysp/open-winder/internal/crypto"
	"github.com/csysp/open-winder/internal/decisionlog"
	"github.com/csysp/open-winder/internal/firewall"
	"github.com/csysp/open-winder/pkg/protocol"
)

// fakeConn is a minimal net.PacketConn recording WriteTo calls, standing in
// for the UDP socket so handlePacket can be exercised without binding a
// real port.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
}

func (f *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) { return 0, nil, nil }
func (f *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), p...))
	return len(p), nil
}
func (f *fakeConn) Close() error                      { return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return &net.UDPAddr{} }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

// fakeNFTRunner always answers nft queries as if the table/chain/set exist
// and accepts element insertion, so tests don't shell out.
type fakeNFTRunner struct{}

func (fakeNFTRunner) Run(name string, args ...string) ([]byte, error) {
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "list set") {
		return []byte(`{"nftables":[{"set":{"table":"filter","name":"spa_set","timeout":45}}]}`), nil
	}
	return nil, nil
}

type testFixture struct {
	daemon *Daemon
	dk     *mlkem.DecapsulationKey768
	psk    []byte
	conn   *fakeConn
	logBuf *bytes.Buffer
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	dk, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	psk := bytes.Repeat([]byte{0x01}, crypto.PSKSize)

	var logBuf bytes.Buffer
	filter := firewall.NewWithRunner(fakeNFTRunner{}, "filter", "spa")

	cfg := Config{
		Listen:      "unused",
		PrivateKey:  dk,
		PSK:         psk,
		OpenSecs:    45 * time.Second,
		WindowSecs:  30 * time.Second,
		Filter:      filter,
		DecisionLog: decisionlog.New(&logBuf, nil),
		Log:         slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil)),
	}
	d, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fc := &fakeConn{}
	d.conn = fc
	return &testFixture{daemon: d, dk: dk, psk: psk, conn: fc, logBuf: &logBuf}
}

// buildKnock assembles a valid wire frame against fx's daemon keypair.
func buildKnock(t *testing.T, fx *testFixture, nonceByte byte, ts int64, clientIP [4]byte) []byte {
	t.Helper()
	ct, sharedSecret := crypto.Encapsulate(fx.dk.EncapsulationKey())

	var nonce [protocol.NonceSize]byte
	for i := range nonce {
		nonce[i] = nonceByte
	}

	msg := protocol.MACMessage(fx.psk, protocol.Version, nonce, ts)
	tag, err := crypto.ComputeTag(sharedSecret, msg)
	if err != nil {
		t.Fatal(err)
	}

	pkt := &protocol.KnockPacket{
		Ciphertext: ct,
		Nonce:      nonce,
		Timestamp:  ts,
		ClientIP:   clientIP,
	}
	copy(pkt.Tag[:], tag)
	return protocol.Encode(pkt)
}

func lastLogRecord(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &rec); err != nil {
		t.Fatalf("decision log line is not valid JSON: %v (%q)", err, lines[len(lines)-1])
	}
	return rec
}

func clientAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 40000}
}

func TestHandlePacket_HappyPath(t *testing.T) {
	fx := newTestFixture(t)
	now := time.Now().Unix()
	raw := buildKnock(t, fx, 0x02, now, [4]byte{192, 168, 1, 50})

	fx.daemon.handlePacket(raw, clientAddr())

	rec := lastLogRecord(t, fx.logBuf)
	if rec["decision"] != "allow" {
		t.Fatalf("decision = %v, want allow (%v)", rec["decision"], rec)
	}
	if rec["reason"] != "ok" {
		t.Errorf("reason = %v, want ok", rec["reason"])
	}
	if fx.conn.writeCount() != 1 {
		t.Errorf("expected exactly one ack write, got %d", fx.conn.writeCount())
	}
}

func TestHandlePacket_NATMismatch(t *testing.T) {
	fx := newTestFixture(t)
	now := time.Now().Unix()
	raw := buildKnock(t, fx, 0x03, now, [4]byte{10, 9, 9, 9}) // declared IP differs from source

	fx.daemon.handlePacket(raw, clientAddr())

	rec := lastLogRecord(t, fx.logBuf)
	if rec["decision"] != "allow" {
		t.Fatalf("decision = %v, want allow", rec["decision"])
	}
	if rec["reason"] != "ok_nat_mismatch" {
		t.Errorf("reason = %v, want ok_nat_mismatch", rec["reason"])
	}
}

func TestHandlePacket_StaleTimestamp(t *testing.T) {
	fx := newTestFixture(t)
	stale := time.Now().Add(-60 * time.Second).Unix()
	raw := buildKnock(t, fx, 0x04, stale, [4]byte{192, 168, 1, 50})

	fx.daemon.handlePacket(raw, clientAddr())

	rec := lastLogRecord(t, fx.logBuf)
	if rec["decision"] != "deny" || rec["reason"] != "stale_ts" {
		t.Errorf("got %v, want deny/stale_ts", rec)
	}
	if fx.conn.writeCount() != 0 {
		t.Error("no ack should be sent on denial")
	}
}

func TestHandlePacket_Replay(t *testing.T) {
	fx := newTestFixture(t)
	now := time.Now().Unix()
	raw := buildKnock(t, fx, 0x05, now, [4]byte{192, 168, 1, 50})

	fx.daemon.handlePacket(raw, clientAddr())
	if rec := lastLogRecord(t, fx.logBuf); rec["decision"] != "allow" {
		t.Fatalf("first knock: got %v, want allow", rec)
	}

	fx.daemon.handlePacket(raw, clientAddr())
	rec := lastLogRecord(t, fx.logBuf)
	if rec["decision"] != "deny" || rec["reason"] != "replay" {
		t.Errorf("second knock: got %v, want deny/replay", rec)
	}
	if fx.conn.writeCount() != 1 {
		t.Error("replayed knock must not trigger a second ack")
	}
}

func TestHandlePacket_BadMAC(t *testing.T) {
	fx := newTestFixture(t)
	now := time.Now().Unix()
	raw := buildKnock(t, fx, 0x06, now, [4]byte{192, 168, 1, 50})
	raw[len(raw)-1] ^= 0xFF // flip a bit in the tag

	fx.daemon.handlePacket(raw, clientAddr())

	rec := lastLogRecord(t, fx.logBuf)
	if rec["decision"] != "deny" || rec["reason"] != "bad_hmac" {
		t.Errorf("got %v, want deny/bad_hmac", rec)
	}
}

func TestHandlePacket_BadCiphertextLen(t *testing.T) {
	fx := newTestFixture(t)
	now := time.Now().Unix()

	ct, sharedSecret := crypto.Encapsulate(fx.dk.EncapsulationKey())
	shortCt := ct[:len(ct)-1] // self-consistent frame, wrong pinned size

	var nonce [protocol.NonceSize]byte
	nonce[0] = 0x07
	msg := protocol.MACMessage(fx.psk, protocol.Version, nonce, now)
	tag, _ := crypto.ComputeTag(sharedSecret, msg)

	pkt := &protocol.KnockPacket{Ciphertext: shortCt, Nonce: nonce, Timestamp: now}
	copy(pkt.Tag[:], tag)
	raw := protocol.Encode(pkt)

	fx.daemon.handlePacket(raw, clientAddr())

	rec := lastLogRecord(t, fx.logBuf)
	if rec["decision"] != "deny" || rec["reason"] != "bad_ct_len" {
		t.Errorf("got %v, want deny/bad_ct_len", rec)
	}
}

func TestHandlePacket_NonIPv4SourceSilentlyDropped(t *testing.T) {
	fx := newTestFixture(t)
	now := time.Now().Unix()
	raw := buildKnock(t, fx, 0x08, now, [4]byte{192, 168, 1, 50})

	v6Addr := &net.UDPAddr{IP: net.ParseIP("::1"), Port: 40000}
	fx.daemon.handlePacket(raw, v6Addr)

	if fx.logBuf.Len() != 0 {
		t.Errorf("expected no decision record for a non-IPv4 source, got %q", fx.logBuf.String())
	}
}

func TestHandlePacket_RateLimitSilentDrop(t *testing.T) {
	fx := newTestFixture(t)
	now := time.Now().Unix()

	for i := 0; i < perSourceBucketCapacity; i++ {
		raw := buildKnock(t, fx, byte(i), now, [4]byte{192, 168, 1, 50})
		fx.daemon.handlePacket(raw, clientAddr())
	}
	before := fx.logBuf.Len()

	raw := buildKnock(t, fx, 0xEE, now, [4]byte{192, 168, 1, 50})
	fx.daemon.handlePacket(raw, clientAddr())

	if fx.logBuf.Len() != before {
		t.Error("a rate-limited knock must produce no decision record")
	}
}
