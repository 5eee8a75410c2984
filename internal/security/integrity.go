// Package security makes run summaries tamper evident: every exported
// summary is hashed and signed with an Ethereum style secp256k1 key so an
// auditor can check both the content and who produced it.
package security

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Algorithm names the signature scheme carried in every envelope.
const Algorithm = "secp256k1-keccak256"

// Integrity holds the digests of an envelope's payload.
type Integrity struct {
	SHA256    string `json:"sha256"`
	Keccak256 string `json:"keccak256"`
	Timestamp string `json:"timestamp"`
}

// Envelope is a signed payload.
type Envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Integrity Integrity       `json:"integrity"`
	Algorithm string          `json:"algorithm"`
	Signature string          `json:"signature"`
	Signer    string          `json:"signer"`
}

// Signer signs payloads with one private key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner loads a hex encoded secp256k1 private key. An empty key
// generates an ephemeral one, which is only useful for local previews.
func NewSigner(keyHex string) (*Signer, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if keyHex == "" {
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		logrus.Warn("No summary signing key configured, using an ephemeral key")
	} else {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
	}

	s := &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
	logrus.WithField("signer", s.address.Hex()).Debug("Summary signer initialized")
	return s, nil
}

// Address returns the account that signatures recover to.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Sign wraps payload in a signed envelope. The signature covers the
// Keccak256 digest of the compact JSON payload.
func (s *Signer) Sign(payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	digest := crypto.Keccak256(raw)
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to sign payload: %w", err)
	}

	sum := sha256.Sum256(raw)
	return Envelope{
		Payload: raw,
		Integrity: Integrity{
			SHA256:    hex.EncodeToString(sum[:]),
			Keccak256: "0x" + hex.EncodeToString(digest),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
		Algorithm: Algorithm,
		Signature: "0x" + hex.EncodeToString(sig),
		Signer:    s.address.Hex(),
	}, nil
}

// Verify checks an envelope's digests and that its signature recovers to
// the claimed signer.
func Verify(env Envelope) error {
	if env.Algorithm != Algorithm {
		return fmt.Errorf("unsupported algorithm %q", env.Algorithm)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	raw := compact.Bytes()

	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != env.Integrity.SHA256 {
		return fmt.Errorf("SHA256 digest mismatch")
	}
	digest := crypto.Keccak256(raw)
	if "0x"+hex.EncodeToString(digest) != env.Integrity.Keccak256 {
		return fmt.Errorf("Keccak256 digest mismatch")
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(env.Signature, "0x"))
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("invalid signature length: %d", len(sig))
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("failed to recover signer: %w", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != common.HexToAddress(env.Signer) {
		return fmt.Errorf("signature recovers to %s, envelope claims %s", got.Hex(), env.Signer)
	}
	return nil
}
