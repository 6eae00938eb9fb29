// Package proofstore uploads proof and proposal documents to an IPFS pinning
// service and returns their content ids.
package proofstore

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"milestonepay/pkg/circuitbreaker"
	"milestonepay/pkg/config"
)

// Store saves a document and returns its content id.
type Store interface {
	Store(ctx context.Context, name string, r io.Reader) (string, error)
}

// PinataClient calls Pinata's pinFileToIPFS endpoint.
type PinataClient struct {
	endpoint   string
	jwt        string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewPinataClient(cfg config.ProofStoreConfig, logger *zap.Logger) *PinataClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &PinataClient{
		endpoint:   cfg.Endpoint,
		jwt:        cfg.JWT,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("pinata")),
		logger:     logger,
	}
}

func (c *PinataClient) Store(ctx context.Context, name string, r io.Reader) (string, error) {
	var cid string
	err := c.breaker.Execute(func() error {
		var err error
		cid, err = c.pin(ctx, name, r)
		return err
	})
	if err != nil {
		c.logger.Error("Failed to pin document", zap.String("name", name), zap.Error(err))
		return "", err
	}
	c.logger.Info("Document pinned", zap.String("name", name), zap.String("cid", cid))
	return cid, nil
}

func (c *PinataClient) pin(ctx context.Context, name string, r io.Reader) (string, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	// stream the file into the request body
	go func() {
		part, err := form.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, pr)
	if err != nil {
		_ = pr.Close()
		return "", fmt.Errorf("build pin request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.jwt)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		_ = pr.Close()
		return "", fmt.Errorf("pin request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read pin response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("pinata returned %d: %s", resp.StatusCode, gjson.GetBytes(body, "error").String())
	}

	cid := gjson.GetBytes(body, "IpfsHash").String()
	if cid == "" {
		return "", fmt.Errorf("pinata response has no IpfsHash")
	}
	return cid, nil
}
