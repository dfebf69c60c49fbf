package protocol

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

// Signer proves control of the identity's wallet during registration.
type Signer interface {
	Address() types.Address
	// SignText returns an EIP-191 personal_sign signature over text.
	SignText(text string) ([]byte, error)
}

// KeySigner signs with a local secp256k1 key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address types.Address
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &KeySigner{key: key, address: types.MustAddress(addr.Hex())}
}

// NewKeySignerFromHex parses a hex private key (with or without 0x).
func NewKeySignerFromHex(hexKey string) (*KeySigner, error) {
	raw, err := hexutil.Decode(ensure0x(hexKey))
	if err != nil {
		return nil, fmt.Errorf("invalid private key encoding: %w", err)
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeySigner(key), nil
}

// GenerateKeySigner creates a fresh identity key and returns it with its hex encoding.
func GenerateKeySigner() (*KeySigner, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate key: %w", err)
	}
	return NewKeySigner(key), hexutil.Encode(crypto.FromECDSA(key)), nil
}

func (s *KeySigner) Address() types.Address { return s.address }

func (s *KeySigner) SignText(text string) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(text)), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	// wallets report v as 27/28
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// VerifyText checks an EIP-191 signature against the expected address.
func VerifyText(addr types.Address, text string, sig []byte) bool {
	if len(sig) != crypto.SignatureLength {
		return false
	}
	s := append([]byte(nil), sig...)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(text)), s)
	if err != nil {
		return false
	}
	recovered, err := types.NewAddress(crypto.PubkeyToAddress(*pub).Hex())
	return err == nil && recovered == addr
}

func ensure0x(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}
