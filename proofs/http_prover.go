package proofs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProver talks to an external proving service that accepts the circuit
// input as JSON and returns a groth16 proof. The service wraps the actual
// prover binary; this client treats it as a black box.
type HTTPProver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProver builds a prover client for baseURL. Proving can take
// seconds, so the client timeout is generous.
func NewHTTPProver(baseURL string) *HTTPProver {
	return &HTTPProver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *HTTPProver) Prove(ctx context.Context, input *CircuitInput) (*Proof, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/prove", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prover request failed: %s", resp.Status)
	}
	var proof Proof
	if err := json.NewDecoder(resp.Body).Decode(&proof); err != nil {
		return nil, err
	}
	return &proof, nil
}

// ProverFunc adapts a function to the Prover interface.
type ProverFunc func(ctx context.Context, input *CircuitInput) (*Proof, error)

func (f ProverFunc) Prove(ctx context.Context, input *CircuitInput) (*Proof, error) {
	return f(ctx, input)
}
