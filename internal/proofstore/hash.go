package proofstore

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// ProposalHash is keccak256 over the UTF-8 bytes of a content id, 0x-prefixed.
func ProposalHash(cid string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(cid))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
