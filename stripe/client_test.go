package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	coreerrors "hustlexp/core/errors"
)

func TestCreateTransferSendsFormAndIdempotencyKey(t *testing.T) {
	var gotKey, gotAuth, gotGroup string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transfers", r.URL.Path)
		require.NoError(t, r.ParseForm())
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotGroup = r.PostForm.Get("transfer_group")
		require.Equal(t, "2500", r.PostForm.Get("amount"))
		require.Equal(t, "usd", r.PostForm.Get("currency"))
		w.Write([]byte(`{"id":"tr_1","amount":2500,"currency":"usd","transfer_group":"01ABC"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "sk_test_x")
	transfer, err := client.CreateTransfer(context.Background(), "01ABC", &TransferRequest{
		AmountCents: 2500, Currency: "USD", Destination: "acct_1", Group: "01ABC", TaskID: "task-1",
	})
	require.NoError(t, err)
	require.Equal(t, "tr_1", transfer.ID)
	require.Equal(t, "01ABC", gotKey)
	require.Equal(t, "Bearer sk_test_x", gotAuth)
	require.Equal(t, "01ABC", gotGroup)
}

func TestClientErrorMapping(t *testing.T) {
	status := http.StatusBadRequest
	body := `{"error":{"type":"invalid_request_error","code":"amount_too_small","message":"amount too small"}}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	defer server.Close()
	client := NewHTTPClient(server.URL, "sk_test_x")

	_, err := client.CreateRefund(context.Background(), "key-1", &RefundRequest{PaymentIntentID: "pi_1", AmountCents: 100})
	require.Error(t, err)
	require.Equal(t, coreerrors.KindExternalProvider, coreerrors.KindOf(err))
	require.Equal(t, "amount_too_small", coreerrors.CodeOf(err))
	require.False(t, Retryable(err), "4xx is a terminal provider failure")

	status = http.StatusInternalServerError
	body = `{"error":{"message":"boom"}}`
	_, err = client.CreateRefund(context.Background(), "key-2", &RefundRequest{PaymentIntentID: "pi_1", AmountCents: 100})
	require.Error(t, err)
	require.True(t, Retryable(err), "5xx should be retryable")
}

func TestFindTransferByGroup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transfers", r.URL.Path)
		if r.URL.Query().Get("transfer_group") == "01KNOWN" {
			w.Write([]byte(`{"data":[{"id":"tr_9","amount":2500,"transfer_group":"01KNOWN"}]}`))
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()
	client := NewHTTPClient(server.URL, "sk_test_x")

	transfer, err := client.FindTransferByGroup(context.Background(), "01KNOWN")
	require.NoError(t, err)
	require.Equal(t, "tr_9", transfer.ID)

	_, err = client.FindTransferByGroup(context.Background(), "01MISSING")
	require.Equal(t, coreerrors.KindNotFound, coreerrors.KindOf(err))
}

func TestBreakerOpensOnBurstAndProbesAfterCooldown(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	client := NewHTTPClient(server.URL, "sk_test_x")

	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	client.breaker.SetNowFunc(func() time.Time { return clock })

	for i := 0; i < 5; i++ {
		_, err := client.CreateRefund(context.Background(), "k", &RefundRequest{PaymentIntentID: "pi_1", AmountCents: 100})
		require.Error(t, err)
	}
	require.Equal(t, 5, calls)

	// Circuit is open: the next call fails fast without hitting the wire.
	_, err := client.CreateRefund(context.Background(), "k", &RefundRequest{PaymentIntentID: "pi_1", AmountCents: 100})
	require.Equal(t, "CIRCUIT_OPEN", coreerrors.CodeOf(err))
	require.Equal(t, 5, calls)

	// After the cooldown one probe goes through.
	clock = clock.Add(31 * time.Second)
	_, err = client.CreateRefund(context.Background(), "k", &RefundRequest{PaymentIntentID: "pi_1", AmountCents: 100})
	require.Error(t, err)
	require.Equal(t, 6, calls)
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	secret := "whsec_test"
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	header := Sign(payload, secret, now)
	require.NoError(t, VerifySignature(payload, header, secret, now))
	require.NoError(t, VerifySignature(payload, header, secret, now.Add(4*time.Minute)))

	require.Error(t, VerifySignature(payload, header, secret, now.Add(6*time.Minute)), "stale timestamp")
	require.Error(t, VerifySignature(payload, header, "whsec_other", now), "wrong secret")
	require.Error(t, VerifySignature([]byte(`{"id":"evt_2"}`), header, secret, now), "tampered payload")
	require.Error(t, VerifySignature(payload, "", secret, now), "missing header")
	require.Error(t, VerifySignature(payload, "t=abc,v1=00", secret, now), "bad timestamp")
}
