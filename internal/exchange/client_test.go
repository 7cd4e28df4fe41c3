package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestConvertVNDToUSD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rates/vnd-usd" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"rate": 25000}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 24000, zap.NewNop())

	got := c.ConvertVNDToUSD(context.Background(), 51250)
	if got.StringFixed(2) != "2.05" {
		t.Fatalf("got %s, want 2.05", got.StringFixed(2))
	}
}

func TestConvertFallbackOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 25000, zap.NewNop())

	got := c.ConvertVNDToUSD(context.Background(), 50000)
	if got.StringFixed(2) != "2.00" {
		t.Fatalf("got %s, want fallback-based 2.00", got.StringFixed(2))
	}
}

func TestConvertFallbackOnBadRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rate": 0}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 25000, zap.NewNop())

	got := c.ConvertVNDToUSD(context.Background(), 25000)
	if got.StringFixed(2) != "1.00" {
		t.Fatalf("got %s, want fallback-based 1.00", got.StringFixed(2))
	}
}

func TestConvertWithoutSource(t *testing.T) {
	c := NewClient("", 25000, zap.NewNop())

	got := c.ConvertVNDToUSD(context.Background(), 12500)
	if got.StringFixed(2) != "0.50" {
		t.Fatalf("got %s, want 0.50", got.StringFixed(2))
	}
}

func TestConvertRounding(t *testing.T) {
	c := NewClient("", 25000, zap.NewNop())

	// 10001 / 25000 = 0.40004 -> 0.40 после округления до центов.
	got := c.ConvertVNDToUSD(context.Background(), 10001)
	if got.StringFixed(2) != "0.40" {
		t.Fatalf("got %s, want 0.40", got.StringFixed(2))
	}
}
