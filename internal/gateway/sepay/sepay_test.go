package sepay

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mmeshcher/wallet-system/internal/gateway"
	"github.com/mmeshcher/wallet-system/internal/model"
)

func TestParseNotificationIncoming(t *testing.T) {
	a := NewAdapter("0123456789")

	body := []byte(`{
		"id": 92704,
		"gateway": "Vietcombank",
		"transactionDate": "2024-05-25 21:11:02",
		"accountNumber": "0123456789",
		"content": "998-DEPOSITDEP123AB-TRANSFER",
		"transferType": "in",
		"transferAmount": 50000,
		"referenceCode": "MBVCB.3278907687"
	}`)

	n, err := a.ParseNotification(context.Background(), body, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n.Provider != model.PaymentMethodBankTransfer {
		t.Errorf("provider = %s", n.Provider)
	}
	if n.Memo != "998-DEPOSITDEP123AB-TRANSFER" {
		t.Errorf("memo = %q", n.Memo)
	}
	if n.Amount != 50000 {
		t.Errorf("amount = %d, want 50000", n.Amount)
	}
	if n.ExternalID != "MBVCB.3278907687" {
		t.Errorf("external id = %q", n.ExternalID)
	}
	if !n.Succeeded {
		t.Error("incoming transfer must be reported as succeeded")
	}
}

func TestParseNotificationOutgoingIgnored(t *testing.T) {
	a := NewAdapter("0123456789")

	body := []byte(`{"id": 92705, "transferType": "out", "transferAmount": 10000}`)

	_, err := a.ParseNotification(context.Background(), body, nil)
	if !errors.Is(err, gateway.ErrIgnored) {
		t.Fatalf("outgoing transfer must be ignored, got %v", err)
	}
}

func TestParseNotificationFallsBackToID(t *testing.T) {
	a := NewAdapter("0123456789")

	body := []byte(`{"id": 92706, "transferType": "in", "transferAmount": 10000, "content": "x"}`)

	n, err := a.ParseNotification(context.Background(), body, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n.ExternalID != "92706" {
		t.Errorf("external id must fall back to event id, got %q", n.ExternalID)
	}
}

func TestParseNotificationZeroAmountRejected(t *testing.T) {
	a := NewAdapter("0123456789")

	body := []byte(`{"id": 92707, "transferType": "in", "transferAmount": 0, "content": "DEPOSIT_DEP_123_AB"}`)

	_, err := a.ParseNotification(context.Background(), body, nil)
	if err == nil {
		t.Fatal("transfer without a positive amount must be rejected")
	}
	if errors.Is(err, gateway.ErrIgnored) {
		t.Fatal("zero amount is a rejection, not an ignorable event")
	}
}

func TestParseNotificationBadJSON(t *testing.T) {
	a := NewAdapter("0123456789")

	if _, err := a.ParseNotification(context.Background(), []byte("not json"), nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestInitiateRequiresToken(t *testing.T) {
	a := NewAdapter("0123456789")

	if _, err := a.Initiate(context.Background(), gateway.InitiateRequest{Amount: 50000}); err == nil {
		t.Fatal("initiate without a token must fail")
	}
}

func TestInitiateBuildsQR(t *testing.T) {
	a := NewAdapter("0123456789")

	res, err := a.Initiate(context.Background(), gateway.InitiateRequest{
		Amount: 50000,
		Token:  "DEPOSIT_DEP_123_AB",
	})
	if err != nil {
		t.Fatal(err)
	}

	if res.Token != "DEPOSIT_DEP_123_AB" {
		t.Errorf("token = %q", res.Token)
	}
	if !strings.Contains(res.QRCodeURL, "acc=0123456789") ||
		!strings.Contains(res.QRCodeURL, "amount=50000") ||
		!strings.Contains(res.QRCodeURL, "DEPOSIT_DEP_123_AB") {
		t.Errorf("unexpected QR url: %s", res.QRCodeURL)
	}
	if res.Payload["transfer_memo"] != "DEPOSIT_DEP_123_AB" {
		t.Errorf("payload memo = %q", res.Payload["transfer_memo"])
	}
}
