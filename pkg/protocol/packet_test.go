package protocol_test

import (
	"bytes"
	"testing"

	"github.com/csysp/open-winder/pkg/protocol"
)

func samplePacket(ctLen int) *protocol.KnockPacket {
	pkt := &protocol.KnockPacket{
		Ciphertext: bytes.Repeat([]byte{0xAB}, ctLen),
		Timestamp:  1700000000,
	}
	copy(pkt.Nonce[:], bytes.Repeat([]byte{0x02}, protocol.NonceSize))
	copy(pkt.ClientIP[:], []byte{192, 168, 1, 50})
	copy(pkt.Tag[:], bytes.Repeat([]byte{0x09}, protocol.TagSize))
	return pkt
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	const ctLen = 1088
	original := samplePacket(ctLen)

	raw := protocol.Encode(original)
	if len(raw) != protocol.Size(ctLen) {
		t.Fatalf("encoded size = %d, want %d", len(raw), protocol.Size(ctLen))
	}

	decoded, err := protocol.Decode(raw, ctLen)
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}

	if decoded.Version != protocol.Version {
		t.Errorf("Version = %d, want %d", decoded.Version, protocol.Version)
	}
	if !bytes.Equal(decoded.Ciphertext, original.Ciphertext) {
		t.Errorf("Ciphertext mismatch")
	}
	if decoded.Nonce != original.Nonce {
		t.Errorf("Nonce mismatch")
	}
	if decoded.Timestamp != original.Timestamp {
		t.Errorf("Timestamp = %d, want %d", decoded.Timestamp, original.Timestamp)
	}
	if decoded.ClientIP != original.ClientIP {
		t.Errorf("ClientIP mismatch")
	}
	if decoded.Tag != original.Tag {
		t.Errorf("Tag mismatch")
	}
}

func TestDecode_TooShort(t *testing.T) {
	_, err := protocol.Decode([]byte{1, 2, 3}, 1088)
	if err != protocol.ErrPacketTooShort {
		t.Errorf("err = %v, want %v", err, protocol.ErrPacketTooShort)
	}
}

func TestDecode_LengthMismatch(t *testing.T) {
	raw := protocol.Encode(samplePacket(1088))
	// Boundary: length ±1 must be rejected with ErrLengthMismatch.
	if _, err := protocol.Decode(raw[:len(raw)-1], 1088); err != protocol.ErrLengthMismatch {
		t.Errorf("truncated by 1: err = %v, want %v", err, protocol.ErrLengthMismatch)
	}
	padded := append(append([]byte(nil), raw...), 0x00)
	if _, err := protocol.Decode(padded, 1088); err != protocol.ErrLengthMismatch {
		t.Errorf("padded by 1: err = %v, want %v", err, protocol.ErrLengthMismatch)
	}
}

func TestDecode_BadVersion(t *testing.T) {
	raw := protocol.Encode(samplePacket(1088))
	raw[protocol.OffVersion] = 2
	if _, err := protocol.Decode(raw, 1088); err != protocol.ErrBadVersion {
		t.Errorf("err = %v, want %v", err, protocol.ErrBadVersion)
	}
}

func TestDecode_BadCiphertextLen(t *testing.T) {
	// ct_len field says 1087 and the frame is shrunk to match — self-consistent
	// in total length, but not equal to the daemon's pinned KEM ciphertext size.
	pkt := samplePacket(1087)
	raw := protocol.Encode(pkt)
	if _, err := protocol.Decode(raw, 1088); err != protocol.ErrBadCiphertextLen {
		t.Errorf("err = %v, want %v", err, protocol.ErrBadCiphertextLen)
	}
}

func TestDecode_ExactBoundarySize(t *testing.T) {
	raw := protocol.Encode(samplePacket(1088))
	if len(raw) != 1+2+1088+16+8+4+32 {
		t.Fatalf("unexpected encoded length %d", len(raw))
	}
	if _, err := protocol.Decode(raw, 1088); err != nil {
		t.Errorf("exact-size frame should decode, got err = %v", err)
	}
}

func TestMACMessage_Composition(t *testing.T) {
	psk := bytes.Repeat([]byte{0x01}, 32)
	var nonce [protocol.NonceSize]byte
	copy(nonce[:], bytes.Repeat([]byte{0x02}, 16))

	msg := protocol.MACMessage(psk, protocol.Version, nonce, 123456789)
	wantLen := 32 + 1 + 16 + 8
	if len(msg) != wantLen {
		t.Fatalf("MACMessage length = %d, want %d", len(msg), wantLen)
	}
	if !bytes.Equal(msg[:32], psk) {
		t.Error("MACMessage does not start with PSK")
	}
	if msg[32] != protocol.Version {
		t.Error("MACMessage version byte mismatch")
	}
	if !bytes.Equal(msg[33:49], nonce[:]) {
		t.Error("MACMessage nonce mismatch")
	}
}

func TestMACMessage_ExcludesClientIP(t *testing.T) {
	// client_ip must never influence the MAC input — two packets differing
	// only in client_ip must produce an identical MACMessage for the same
	// psk/version/nonce/timestamp.
	psk := bytes.Repeat([]byte{0x07}, 32)
	pa := samplePacket(1088)
	pb := samplePacket(1088)
	pb.ClientIP = [protocol.ClientIPSize]byte{10, 9, 9, 9}
	da, err := protocol.Decode(protocol.Encode(pa), 1088)
	if err != nil {
		t.Fatal(err)
	}
	db, err := protocol.Decode(protocol.Encode(pb), 1088)
	if err != nil {
		t.Fatal(err)
	}
	a := protocol.MACMessage(psk, da.Version, da.Nonce, da.Timestamp)
	b := protocol.MACMessage(psk, db.Version, db.Nonce, db.Timestamp)
	if !bytes.Equal(a, b) {
		t.Error("MACMessage should be a pure function of psk/version/nonce/timestamp")
	}
}
