package graph

import (
	"fmt"

	"github.com/harun/reef/pkg/registry"
)

// Provider decides which server runs an agent and on what substrate.
type Provider interface {
	providerKind() string
}

// Local runs the agent on this server using one of the registry agent's
// declared runtimes.
type Local struct {
	Runtime registry.RuntimeID `json:"runtime"`
}

// ServerSource names candidate exporting servers for a remote agent.
type ServerSource struct {
	Addresses []string `json:"addresses"`
}

// Remote runs the agent on another server, resolved from a RemoteRequest.
// The claim has already been negotiated: ClaimID and Address identify it.
type Remote struct {
	Runtime registry.RuntimeID `json:"runtime"`
	Address string             `json:"address"`
	ClaimID string             `json:"claim_id"`

	// Wallet is the exporting server's payout address, recorded for the
	// payment layer.
	Wallet string `json:"wallet"`
}

// RemoteRequest is an unresolved remote provider: candidate servers are
// known but no claim has been made yet. Orchestrating a RemoteRequest is a
// programming error; it must be resolved to Remote first.
type RemoteRequest struct {
	Runtime registry.RuntimeID `json:"runtime"`
	Source  ServerSource       `json:"server_source"`

	// MaxCost caps what the importing side will pay for this agent, in
	// micro-credits.
	MaxCost int64 `json:"max_cost"`
}

func (*Local) providerKind() string         { return "local" }
func (*Remote) providerKind() string        { return "remote" }
func (*RemoteRequest) providerKind() string { return "remote_request" }

// Resolve converts the request into a resolved Remote provider once a claim
// has been negotiated with the chosen server.
func (r *RemoteRequest) Resolve(address, claimID, wallet string) *Remote {
	return &Remote{
		Runtime: r.Runtime,
		Address: address,
		ClaimID: claimID,
		Wallet:  wallet,
	}
}

// ProviderKind returns a stable name for logging and wire encoding.
func ProviderKind(p Provider) string {
	if p == nil {
		return "none"
	}
	return p.providerKind()
}

func validRuntime(id registry.RuntimeID) error {
	switch id {
	case registry.RuntimeExecutable, registry.RuntimeDocker, registry.RuntimeFunction:
		return nil
	default:
		return fmt.Errorf("unknown runtime id: %s", id)
	}
}
