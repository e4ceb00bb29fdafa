package cctp

// AttestationResponse represents the response from the attestation API
type AttestationResponse struct {
	Messages []CCTPMessage `json:"messages"`
}

// CCTPMessage represents a single CCTP message with attestation
type CCTPMessage struct {
	Attestation    string          `json:"attestation"`
	Message        string          `json:"message"`
	EventNonce     string          `json:"eventNonce"`
	CCTPVersion    int             `json:"cctpVersion"`
	Status         string          `json:"status"`
	DecodedMessage *DecodedMessage `json:"decodedMessage,omitempty"`
}

// DecodedMessage is the parsed form of the burn message
type DecodedMessage struct {
	SourceDomain      string `json:"sourceDomain"`
	DestinationDomain string `json:"destinationDomain"`
	Nonce             string `json:"nonce"`
	Sender            string `json:"sender"`
	Recipient         string `json:"recipient"`
}

// Ready reports whether the message can be submitted on the destination chain
func (m CCTPMessage) Ready() bool {
	return m.Status == AttestationStatusComplete && m.Attestation != "" && m.Attestation != "PENDING"
}

// FeeTier is one finality threshold's fee in basis points
type FeeTier struct {
	FinalityThreshold uint32  `json:"finalityThreshold"`
	MinimumFee        float64 `json:"minimumFee"`
}

// FeesResponse represents the fees for a cross-chain transfer
type FeesResponse struct {
	SourceDomain      uint32 `json:"sourceDomain"`
	DestinationDomain uint32 `json:"destinationDomain"`
	FastTransferFee   Fee    `json:"fastTransferFee"`
	StandardFee       Fee    `json:"standardFee"`
}

// Fee represents fee details
type Fee struct {
	MinimumFee float64 `json:"minimumFee"` // in basis points
}

func newFeesResponse(sourceDomain, destDomain uint32, tiers []FeeTier) *FeesResponse {
	resp := &FeesResponse{SourceDomain: sourceDomain, DestinationDomain: destDomain}
	for _, t := range tiers {
		switch {
		case t.FinalityThreshold <= FinalityThresholdFast:
			resp.FastTransferFee = Fee{MinimumFee: t.MinimumFee}
		default:
			resp.StandardFee = Fee{MinimumFee: t.MinimumFee}
		}
	}
	return resp
}
