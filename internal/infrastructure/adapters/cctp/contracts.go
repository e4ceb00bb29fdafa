package cctp

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/rail-service/settlement_service/internal/infrastructure/chain"
)

const tokenMessengerABIJSON = `[{"inputs":[{"name":"amount","type":"uint256"},{"name":"destinationDomain","type":"uint32"},{"name":"mintRecipient","type":"bytes32"},{"name":"burnToken","type":"address"},{"name":"destinationCaller","type":"bytes32"},{"name":"maxFee","type":"uint256"},{"name":"minFinalityThreshold","type":"uint32"}],"name":"depositForBurn","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

const messageTransmitterABIJSON = `[{"inputs":[{"name":"message","type":"bytes"},{"name":"attestation","type":"bytes"}],"name":"receiveMessage","outputs":[{"name":"success","type":"bool"}],"stateMutability":"nonpayable","type":"function"}]`

var (
	tokenMessengerABI     = mustParse(tokenMessengerABIJSON)
	messageTransmitterABI = mustParse(messageTransmitterABIJSON)
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse cctp abi: %v", err))
	}
	return parsed
}

// depositForBurnCall burns USDC on the source chain for minting to recipient on destDomain
func depositForBurnCall(messenger, usdc common.Address, amount *big.Int, destDomain uint32, recipient common.Address, maxFee *big.Int, finality uint32) (chain.Call, error) {
	var mintRecipient [32]byte
	copy(mintRecipient[:], common.LeftPadBytes(recipient.Bytes(), 32))

	data, err := tokenMessengerABI.Pack("depositForBurn", amount, destDomain, mintRecipient, usdc, [32]byte{}, maxFee, finality)
	if err != nil {
		return chain.Call{}, fmt.Errorf("pack depositForBurn: %w", err)
	}
	return chain.Call{To: messenger, Data: data}, nil
}

// receiveMessageCall mints on the destination chain from an attested message
func receiveMessageCall(transmitter common.Address, message, attestation []byte) (chain.Call, error) {
	data, err := messageTransmitterABI.Pack("receiveMessage", message, attestation)
	if err != nil {
		return chain.Call{}, fmt.Errorf("pack receiveMessage: %w", err)
	}
	return chain.Call{To: transmitter, Data: data}, nil
}
