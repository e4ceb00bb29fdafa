package cctp

const (
	// API Hosts
	IrisMainnetURL = "https://iris-api.circle.com"
	IrisSandboxURL = "https://iris-api-sandbox.circle.com"

	// Domain IDs of the EVM chains we settle on
	DomainEthereum  uint32 = 0
	DomainAvalanche uint32 = 1
	DomainOptimism  uint32 = 2
	DomainArbitrum  uint32 = 3
	DomainBase      uint32 = 6
	DomainPolygon   uint32 = 7

	// Rate limiting
	MaxRequestsPerSecond = 35

	// Attestation statuses
	AttestationStatusPending  = "pending_confirmations"
	AttestationStatusComplete = "complete"

	// Finality thresholds accepted by depositForBurn
	FinalityThresholdFast     uint32 = 1000
	FinalityThresholdStandard uint32 = 2000

	// USDC is the only token CCTP burns
	USDCDecimals int32 = 6
)

// DomainNames maps domain IDs to human-readable names
var DomainNames = map[uint32]string{
	DomainEthereum:  "Ethereum",
	DomainAvalanche: "Avalanche",
	DomainOptimism:  "Optimism",
	DomainArbitrum:  "Arbitrum",
	DomainBase:      "Base",
	DomainPolygon:   "Polygon",
}
