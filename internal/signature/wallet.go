package signature

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

const (
	// Sentinel replaces the signature field while a payload is signed or
	// verified.
	Sentinel = "0x"

	// SignatureField is the JSON field every envelope carries its signature in.
	SignatureField = "signature"

	signatureLen     = 65
	personalSignHead = "\x19Ethereum Signed Message:\n"
)

var (
	ErrInvalidKey         = errors.New("signature: invalid private key")
	ErrMalformedSignature = errors.New("signature: malformed signature")
)

// Wallet holds a secp256k1 private key and its derived address.
type Wallet struct {
	key     *secp256k1.PrivateKey
	address string
}

// GenerateWallet creates a wallet with a fresh random key.
func GenerateWallet() (*Wallet, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("signature: generate key: %w", err)
	}
	return newWallet(key), nil
}

// NewWallet parses a hex-encoded 32-byte private key, with or without 0x.
func NewWallet(hexKey string) (*Wallet, error) {
	raw, err := decodeHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(raw), secp256k1.PrivKeyBytesLen)
	}
	key := secp256k1.PrivKeyFromBytes(raw)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("%w: zero scalar", ErrInvalidKey)
	}
	return newWallet(key), nil
}

func newWallet(key *secp256k1.PrivateKey) *Wallet {
	return &Wallet{key: key, address: AddressOf(key.PubKey())}
}

// Address returns the lower-cased 0x address of the wallet.
func (w *Wallet) Address() string {
	return w.address
}

// PrivateKeyHex returns the 0x-prefixed private key.
func (w *Wallet) PrivateKeyHex() string {
	return "0x" + hex.EncodeToString(w.key.Serialize())
}

// Sign produces a personal-sign signature (R || S || V, V in {27, 28}) over
// payload.
func (w *Wallet) Sign(payload []byte) string {
	compact := ecdsa.SignCompact(w.key, hashMessage(payload), false)
	// compact is [27+recid] || R || S.
	out := make([]byte, signatureLen)
	copy(out, compact[1:])
	out[64] = compact[0]
	return "0x" + hex.EncodeToString(out)
}

// SignEnvelope signs the canonical form of envelope with its signature field
// set to Sentinel. The caller stores the result in the signature field.
func (w *Wallet) SignEnvelope(envelope any) (string, error) {
	payload, err := sentinelPayload(envelope)
	if err != nil {
		return "", err
	}
	return w.Sign(payload), nil
}

// Recover returns the lower-cased address that produced signature over
// payload.
func Recover(signature string, payload []byte) (string, error) {
	raw, err := decodeHex(signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(raw) != signatureLen {
		return "", fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedSignature, len(raw), signatureLen)
	}
	v := raw[64]
	if v >= 27 {
		v -= 27
	}
	if v > 3 {
		return "", fmt.Errorf("%w: recovery id %d", ErrMalformedSignature, raw[64])
	}
	compact := make([]byte, signatureLen)
	compact[0] = 27 + v
	copy(compact[1:], raw[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, hashMessage(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return AddressOf(pub), nil
}

// AddressOf derives the 0x address (last 20 bytes of Keccak-256 of the
// uncompressed public key) in lower case.
func AddressOf(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:])
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:])
}

// hashMessage applies the personal-sign prefix and Keccak-256.
func hashMessage(payload []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(personalSignHead))
	h.Write([]byte(strconv.Itoa(len(payload))))
	h.Write(payload)
	return h.Sum(nil)
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}
