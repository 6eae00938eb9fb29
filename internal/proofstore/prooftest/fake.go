// Package prooftest provides an in-memory proofstore.Store.
package prooftest

import (
	"context"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// Store keeps uploaded documents by a content id derived from their bytes.
type Store struct {
	mu   sync.Mutex
	docs map[string][]byte
	// Err is returned by Store when set.
	Err error
}

func New() *Store {
	return &Store{docs: map[string][]byte{}}
}

func (s *Store) Store(_ context.Context, _ string, r io.Reader) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	cid := "bafy" + crypto.Keccak256Hash(b).Hex()[2:18]
	s.docs[cid] = b
	return cid, nil
}

// Get returns the document stored under cid.
func (s *Store) Get(cid string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.docs[cid]
	return b, ok
}
