package types

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

// SyntheticInboxPrefix marks locally derived inbox ids that were never confirmed by the network.
const SyntheticInboxPrefix = "static-"

// Address is a wallet address, lower-cased on construction.
type Address string

// NewAddress validates and normalizes an externally formatted address.
// EVM hex addresses are checked with go-ethereum; anything else is only trimmed and lower-cased.
func NewAddress(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty address")
	}
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		if !common.IsHexAddress(s) {
			return "", fmt.Errorf("invalid hex address %q", raw)
		}
		return Address(strings.ToLower(common.HexToAddress(s).Hex())), nil
	}
	return Address(strings.ToLower(s)), nil
}

// MustAddress is NewAddress for trusted literals.
func MustAddress(raw string) Address {
	a, err := NewAddress(raw)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string { return string(a) }

func (a Address) IsZero() bool { return a == "" }

// Checksum renders EIP-55 mixed case for display. Non-hex addresses are returned as is.
func (a Address) Checksum() string {
	if common.IsHexAddress(string(a)) {
		return common.HexToAddress(string(a)).Hex()
	}
	return string(a)
}

// InboxID is the protocol's stable per-identity network identifier, lower-cased on construction.
type InboxID string

func NewInboxID(raw string) InboxID {
	return InboxID(strings.ToLower(strings.TrimSpace(raw)))
}

func (id InboxID) String() string { return string(id) }

func (id InboxID) IsZero() bool { return id == "" }

// IsSynthetic reports whether the id was derived locally as a static fallback.
func (id InboxID) IsSynthetic() bool {
	return strings.HasPrefix(string(id), SyntheticInboxPrefix)
}

// SyntheticInboxID derives a deterministic placeholder inbox id for an address.
func SyntheticInboxID(addr Address) InboxID {
	return InboxID(SyntheticInboxPrefix + utils.ShortHash(addr.String(), 40))
}

// Addresses is an ordered set of normalized addresses.
type Addresses []Address

func (as Addresses) Contains(a Address) bool {
	for _, x := range as {
		if x == a {
			return true
		}
	}
	return false
}

// Merge appends the addresses not yet present, preserving order.
func (as Addresses) Merge(more ...Address) Addresses {
	out := append(Addresses(nil), as...)
	for _, a := range more {
		if !a.IsZero() && !out.Contains(a) {
			out = append(out, a)
		}
	}
	return out
}

// InboxIDs is an ordered set of inbox ids.
type InboxIDs []InboxID

func (ids InboxIDs) Contains(id InboxID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (ids InboxIDs) Merge(more ...InboxID) InboxIDs {
	out := append(InboxIDs(nil), ids...)
	for _, id := range more {
		if !id.IsZero() && !out.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

func (ids InboxIDs) Remove(drop ...InboxID) InboxIDs {
	out := make(InboxIDs, 0, len(ids))
	for _, id := range ids {
		if !InboxIDs(drop).Contains(id) {
			out = append(out, id)
		}
	}
	return out
}
