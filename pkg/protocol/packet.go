// Package protocol defines the SPA-PQ Single Packet Authorization wire
// format: one UDP datagram authenticating a client by proof of possession
// of a post-quantum KEM decapsulation key and a long-term pre-shared key.
//
// Packet layout, version 1, big-endian, concatenated, no padding:
//
//	[version(1)] [ct_len(2)] [ciphertext(ct_len)] [nonce(16)] [timestamp(8)] [client_ip(4)] [tag(32)]
//
// The ciphertext is a KEM encapsulation against the daemon's public key;
// the shared secret it decapsulates to is used as an HMAC-SHA-256 key over
// PSK || version || nonce || timestamp — never to encrypt anything. This
// protocol authenticates, it does not provide confidentiality: client_ip is
// carried in the clear and is advisory only (NAT-mismatch diagnostics), not
// part of the MAC input.
package protocol

import (
	"encoding/binary"
)

const (
	// Version is the only wire version this package accepts.
	Version = 1

	// NonceSize is the size of the client-chosen replay nonce in bytes.
	NonceSize = 16

	// TimestampSize is the size of the signed Unix-seconds timestamp in bytes.
	TimestampSize = 8

	// ClientIPSize is the size of the client-declared IPv4 address field.
	ClientIPSize = 4

	// TagSize is the HMAC-SHA-256 tag size in bytes.
	TagSize = 32

	// CtLenFieldSize is the size of the ciphertext-length prefix.
	CtLenFieldSize = 2

	// FixedSize is the total wire size of every field except the ciphertext.
	FixedSize = 1 + CtLenFieldSize + NonceSize + TimestampSize + ClientIPSize + TagSize
)

// Offsets into the fixed-size prefix. The ciphertext begins at OffCiphertext
// and its length is read from the ct_len field, so offsets past it are
// expressed relative to ctLen rather than as further constants.
const (
	OffVersion    = 0
	OffCtLen      = OffVersion + 1
	OffCiphertext = OffCtLen + CtLenFieldSize
)

// KnockPacket holds the parsed fields of a single SPA knock.
type KnockPacket struct {
	// Version is the wire version byte. Always Version after a successful Decode.
	Version uint8

	// Ciphertext is the KEM encapsulation ciphertext.
	Ciphertext []byte

	// Nonce is the client-chosen 16-byte replay-protection nonce.
	Nonce [NonceSize]byte

	// Timestamp is signed Unix seconds at knock construction time.
	Timestamp int64

	// ClientIP is the client's self-observed IPv4 address, advisory only —
	// it is never part of the MAC input (see package docs).
	ClientIP [ClientIPSize]byte

	// Tag is the HMAC-SHA-256 authenticator.
	Tag [TagSize]byte
}

// Size returns the total wire size of a packet with this ciphertext length.
func Size(ctLen int) int {
	return FixedSize + ctLen
}

// Encode serialises pkt to its wire form. The caller is responsible for
// ensuring pkt.Ciphertext's length fits in a uint16.
func Encode(pkt *KnockPacket) []byte {
	total := Size(len(pkt.Ciphertext))
	buf := make([]byte, total)

	buf[OffVersion] = Version
	binary.BigEndian.PutUint16(buf[OffCtLen:], uint16(len(pkt.Ciphertext)))
	off := OffCiphertext
	copy(buf[off:], pkt.Ciphertext)
	off += len(pkt.Ciphertext)
	copy(buf[off:], pkt.Nonce[:])
	off += NonceSize
	binary.BigEndian.PutUint64(buf[off:], uint64(pkt.Timestamp))
	off += TimestampSize
	copy(buf[off:], pkt.ClientIP[:])
	off += ClientIPSize
	copy(buf[off:], pkt.Tag[:])

	return buf
}

// Decode parses raw wire bytes into a KnockPacket. expectedCtLen pins the
// ciphertext length to the daemon's configured KEM parameter set — any
// other declared length is rejected before the bytes are touched further.
//
// Checks run in the order spec'd: undersized frame, then declared-vs-actual
// length mismatch, then version, then the ciphertext-length pin. All four
// happen before any cryptographic operation, so malformed or adversarial
// input never reaches the KEM.
func Decode(raw []byte, expectedCtLen int) (*KnockPacket, error) {
	if len(raw) < FixedSize {
		return nil, ErrPacketTooShort
	}

	ctLen := int(binary.BigEndian.Uint16(raw[OffCtLen:]))
	if len(raw) != Size(ctLen) {
		return nil, ErrLengthMismatch
	}

	if raw[OffVersion] != Version {
		return nil, ErrBadVersion
	}

	if ctLen != expectedCtLen {
		return nil, ErrBadCiphertextLen
	}

	pkt := &KnockPacket{
		Version:    raw[OffVersion],
		Ciphertext: append([]byte(nil), raw[OffCiphertext:OffCiphertext+ctLen]...),
	}

	off := OffCiphertext + ctLen
	copy(pkt.Nonce[:], raw[off:off+NonceSize])
	off += NonceSize
	pkt.Timestamp = int64(binary.BigEndian.Uint64(raw[off : off+TimestampSize]))
	off += TimestampSize
	copy(pkt.ClientIP[:], raw[off:off+ClientIPSize])
	off += ClientIPSize
	copy(pkt.Tag[:], raw[off:off+TagSize])

	return pkt, nil
}

// MACMessage builds the authoritative HMAC input: PSK || version || nonce ||
// timestamp_be8. client_ip is deliberately excluded — see package docs.
func MACMessage(psk []byte, version uint8, nonce [NonceSize]byte, timestamp int64) []byte {
	msg := make([]byte, 0, len(psk)+1+NonceSize+TimestampSize)
	msg = append(msg, psk...)
	msg = append(msg, version)
	msg = append(msg, nonce[:]...)
	var ts [TimestampSize]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	msg = append(msg, ts[:]...)
	return msg
}
