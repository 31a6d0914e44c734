// Package client implements the SPA-PQ knock client.
//
// To send a knock:
//  1. Resolve the destination and connect an unconnected UDP socket, which
//     also learns the kernel-chosen local IPv4 address.
//  2. Generate a 16-byte random nonce and read the current Unix timestamp.
//  3. Perform ML-KEM-768 encapsulation against the gateway's public key to
//     obtain a ciphertext and shared secret.
//  4. Compute the HMAC-SHA-256 tag over PSK || version || nonce || timestamp.
//  5. Assemble the wire frame and transmit it once.
//  6. Wait up to one second for a two-byte "OK" acknowledgement.
package client

import (
	"bytes"
	"crypto/mlkem"
	"fmt"
	"net"
	"time"

	internalcrypto "github.com/csysp/open-winder/internal/crypto"
	"github.com/csysp/open-winder/pkg/protocol"
)

// ackDeadline bounds how long the client waits for the daemon's two-byte
// acknowledgement before reporting the knock as sent without confirmation.
const ackDeadline = 1 * time.Second

// KnockOptions holds the parameters for a single SPA knock.
type KnockOptions struct {
	// RouterHost is the hostname or IP address the knock is sent to.
	RouterHost string

	// SPAPort is the gateway's UDP knock port.
	SPAPort uint16

	// PublicKey is the gateway's ML-KEM-768 encapsulation key.
	PublicKey *mlkem.EncapsulationKey768

	// PSK is the 32-byte long-term pre-shared key.
	PSK []byte
}

// Result reports the outcome of a single Knock call.
type Result struct {
	// Acknowledged is true if a reply beginning with "OK" was received
	// within ackDeadline.
	Acknowledged bool
}

// Knock builds and sends a single SPA knock packet, then waits briefly for
// an acknowledgement. A nil error with Acknowledged == false means the
// knock was sent but no reply arrived in time — not a failure, since the
// daemon never reveals denial reasons to the client: the caller should
// report "knock sent; port should open shortly" and not retry.
func Knock(opts KnockOptions) (Result, error) {
	addr := fmt.Sprintf("%s:%d", opts.RouterHost, opts.SPAPort)
	conn, err := net.Dial("udp4", addr)
	if err != nil {
		return Result{}, fmt.Errorf("dialing UDP %s: %w", addr, err)
	}
	defer conn.Close()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || udpAddr.IP.To4() == nil {
		return Result{}, fmt.Errorf("local address is not IPv4: %v", conn.LocalAddr())
	}
	var clientIP [protocol.ClientIPSize]byte
	copy(clientIP[:], udpAddr.IP.To4())

	nonceBytes, err := internalcrypto.RandomNonce(protocol.NonceSize)
	if err != nil {
		return Result{}, fmt.Errorf("generating nonce: %w", err)
	}
	var nonce [protocol.NonceSize]byte
	copy(nonce[:], nonceBytes)

	raw, err := BuildPacket(opts.PublicKey, opts.PSK, clientIP, nonce, time.Now().Unix())
	if err != nil {
		return Result{}, fmt.Errorf("building knock packet: %w", err)
	}

	if _, err := conn.Write(raw); err != nil {
		return Result{}, fmt.Errorf("sending knock packet: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(ackDeadline)); err != nil {
		return Result{}, fmt.Errorf("setting read deadline: %w", err)
	}
	reply := make([]byte, 2)
	n, err := conn.Read(reply)
	if err != nil {
		return Result{Acknowledged: false}, nil
	}
	return Result{Acknowledged: n >= 2 && bytes.Equal(reply[:2], []byte("OK"))}, nil
}

// BuildPacket constructs the raw SPA knock frame without sending it. Useful
// for testing and for callers that want to control the nonce and timestamp.
func BuildPacket(pub *mlkem.EncapsulationKey768, psk []byte, clientIP [protocol.ClientIPSize]byte, nonce [protocol.NonceSize]byte, timestamp int64) ([]byte, error) {
	ciphertext, sharedSecret := internalcrypto.Encapsulate(pub)

	msg := protocol.MACMessage(psk, protocol.Version, nonce, timestamp)
	tag, err := internalcrypto.ComputeTag(sharedSecret, msg)
	if err != nil {
		return nil, fmt.Errorf("computing MAC: %w", err)
	}

	pkt := &protocol.KnockPacket{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Timestamp:  timestamp,
		ClientIP:   clientIP,
	}
	copy(pkt.Tag[:], tag)

	return protocol.Encode(pkt), nil
}
