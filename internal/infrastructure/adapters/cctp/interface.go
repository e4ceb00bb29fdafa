package cctp

import "context"

// AttestationClient defines the Iris API operations the bridge needs
type AttestationClient interface {
	// GetAttestation fetches attestation for a burn transaction
	GetAttestation(ctx context.Context, sourceDomain uint32, txHash string) (*AttestationResponse, error)

	// GetFees retrieves current fees for a transfer between domains
	GetFees(ctx context.Context, sourceDomain, destDomain uint32) (*FeesResponse, error)
}

// Ensure Client implements AttestationClient interface
var _ AttestationClient = (*Client)(nil)
