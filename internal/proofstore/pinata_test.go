package proofstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"milestonepay/pkg/config"
)

func TestPinataClientStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		body, _ := io.ReadAll(file)
		assert.Equal(t, "proof.pdf", header.Filename)
		assert.Equal(t, "hello proof", string(body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"IpfsHash":"QmTestCid","PinSize":11,"Timestamp":"2026-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	c := NewPinataClient(config.ProofStoreConfig{Endpoint: srv.URL, JWT: "secret", Timeout: 5 * time.Second}, zap.NewNop())
	cid, err := c.Store(context.Background(), "proof.pdf", strings.NewReader("hello proof"))
	require.NoError(t, err)
	assert.Equal(t, "QmTestCid", cid)
}

func TestPinataClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"try later"}`))
	}))
	defer srv.Close()

	c := NewPinataClient(config.ProofStoreConfig{Endpoint: srv.URL, JWT: "secret"}, zap.NewNop())
	_, err := c.Store(context.Background(), "proof.pdf", strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestProposalHash(t *testing.T) {
	// keccak256("") is a well-known constant
	assert.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", ProposalHash(""))
	assert.Len(t, ProposalHash("QmTestCid"), 66)
}
