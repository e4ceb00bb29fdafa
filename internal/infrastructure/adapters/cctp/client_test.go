package cctp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/settlement_service/pkg/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestNewClient(t *testing.T) {
	logger := zap.NewNop()

	t.Run("defaults to sandbox URL", func(t *testing.T) {
		client := NewClient(Config{Environment: "sandbox"}, logger)
		assert.Equal(t, IrisSandboxURL, client.config.BaseURL)
	})

	t.Run("uses mainnet URL", func(t *testing.T) {
		client := NewClient(Config{Environment: "mainnet"}, logger)
		assert.Equal(t, IrisMainnetURL, client.config.BaseURL)
	})

	t.Run("respects custom base URL", func(t *testing.T) {
		client := NewClient(Config{BaseURL: "https://custom.api"}, logger)
		assert.Equal(t, "https://custom.api", client.config.BaseURL)
	})
}

func TestGetAttestation(t *testing.T) {
	logger := zap.NewNop()

	t.Run("returns attestation on success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v2/messages/0", r.URL.Path)
			assert.Equal(t, "0xabc123", r.URL.Query().Get("transactionHash"))

			resp := AttestationResponse{
				Messages: []CCTPMessage{{
					Attestation: "0xattestation",
					Message:     "0xmessage",
					Status:      AttestationStatusComplete,
					DecodedMessage: &DecodedMessage{
						SourceDomain:      "0",
						DestinationDomain: "6",
					},
				}},
			}
			json.NewEncoder(w).Encode(resp)
		}))
		defer server.Close()

		client := NewClient(Config{BaseURL: server.URL, RetryPolicy: fastRetry()}, logger)
		resp, err := client.GetAttestation(context.Background(), DomainEthereum, "0xabc123")

		require.NoError(t, err)
		require.Len(t, resp.Messages, 1)
		assert.True(t, resp.Messages[0].Ready())
		assert.Equal(t, "6", resp.Messages[0].DecodedMessage.DestinationDomain)
	})

	t.Run("returns error when no messages", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(AttestationResponse{Messages: []CCTPMessage{}})
		}))
		defer server.Close()

		client := NewClient(Config{BaseURL: server.URL, RetryPolicy: fastRetry()}, logger)
		_, err := client.GetAttestation(context.Background(), DomainEthereum, "0xabc123")

		assert.ErrorIs(t, err, ErrNoMessages)
	})

	t.Run("does not retry not found", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"message": "Transaction not found"})
		}))
		defer server.Close()

		client := NewClient(Config{BaseURL: server.URL, RetryPolicy: fastRetry()}, logger)
		_, err := client.GetAttestation(context.Background(), DomainEthereum, "0xabc123")

		require.Error(t, err)
		assert.True(t, isNotIndexed(err))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			json.NewEncoder(w).Encode(AttestationResponse{Messages: []CCTPMessage{{Status: AttestationStatusPending, Attestation: "PENDING"}}})
		}))
		defer server.Close()

		client := NewClient(Config{BaseURL: server.URL, RetryPolicy: fastRetry()}, logger)
		resp, err := client.GetAttestation(context.Background(), DomainEthereum, "0xabc123")

		require.NoError(t, err)
		assert.False(t, resp.Messages[0].Ready())
		assert.Equal(t, int32(3), calls.Load())
	})
}

func TestGetFees(t *testing.T) {
	logger := zap.NewNop()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/burn/USDC/fees/0/6", r.URL.Path)

		json.NewEncoder(w).Encode([]FeeTier{
			{FinalityThreshold: FinalityThresholdFast, MinimumFee: 1},
			{FinalityThreshold: FinalityThresholdStandard, MinimumFee: 0},
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, RetryPolicy: fastRetry()}, logger)
	resp, err := client.GetFees(context.Background(), DomainEthereum, DomainBase)

	require.NoError(t, err)
	assert.Equal(t, DomainEthereum, resp.SourceDomain)
	assert.Equal(t, DomainBase, resp.DestinationDomain)
	assert.Equal(t, float64(1), resp.FastTransferFee.MinimumFee)
	assert.Equal(t, float64(0), resp.StandardFee.MinimumFee)
}

func TestDomainConstants(t *testing.T) {
	assert.Equal(t, uint32(0), DomainEthereum)
	assert.Equal(t, uint32(6), DomainBase)
	assert.Equal(t, uint32(7), DomainPolygon)

	assert.Equal(t, "Ethereum", DomainNames[DomainEthereum])
	assert.Equal(t, "Base", DomainNames[DomainBase])
}
