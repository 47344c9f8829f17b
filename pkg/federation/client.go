package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/reef/pkg/graph"
)

// Client negotiates claims against exporting servers. It implements the
// orchestrator's RemoteClaimer contract.
type Client struct {
	http   *http.Client
	wallet string
	logger zerolog.Logger
}

// NewClient creates a federation client. wallet is this server's payout
// address attached to every claim request.
func NewClient(wallet string, logger zerolog.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: 30 * time.Second},
		wallet: wallet,
		logger: logger,
	}
}

// NegotiateClaim asks the exporting server at address to create a claim for
// the given agent and returns the claim id.
func (c *Client) NegotiateClaim(ctx context.Context, address string, agent *graph.Agent, paymentSessionID string) (string, error) {
	req := ClaimRequest{
		AgentName:        agent.Name,
		RegistryName:     agent.RegistryName,
		Options:          agent.Options,
		SystemPrompt:     agent.SystemPrompt,
		PaymentSessionID: paymentSessionID,
		Wallet:           c.wallet,
	}
	switch provider := agent.Provider.(type) {
	case *graph.Remote:
		req.Runtime = provider.Runtime
	case *graph.RemoteRequest:
		req.Runtime = provider.Runtime
		req.MaxCost = provider.MaxCost
	default:
		return "", fmt.Errorf("agent %s: provider %s cannot be claimed", agent.Name, graph.ProviderKind(agent.Provider))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode claim request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, address+"/api/v1/claims", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build claim request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("claim request to %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("claim request to %s: status %d: %s", address, resp.StatusCode, string(payload))
	}

	var decoded ClaimResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode claim response: %w", err)
	}
	if decoded.ClaimID == "" {
		return "", fmt.Errorf("claim response from %s carried no claim id", address)
	}

	c.logger.Info().
		Str("address", address).
		Str("claim", decoded.ClaimID).
		Str("agent", agent.Name).
		Msg("claim negotiated")
	return decoded.ClaimID, nil
}
