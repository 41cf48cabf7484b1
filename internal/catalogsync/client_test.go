package catalogsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFetchRefrigerants_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/refrigerants" {
			t.Fatalf("path = %s, want /api/refrigerants", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"code":"R-410A","chemical_name":"R-32/R-125 blend","hs_code":"3824.78","gwp":2088},
			{"code":"R-717","chemical_name":"Ammonia","hs_code":"2814.10","gwp":null}
		]`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL + "/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.FetchRefrigerants(ctx)
	if err != nil {
		t.Fatalf("FetchRefrigerants error: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", code, http.StatusOK)
	}
	if retry != 0 {
		t.Fatalf("retryAfter = %v, want 0", retry)
	}
	if len(res) != 2 {
		t.Fatalf("records = %d, want 2", len(res))
	}

	r410 := res[0].Refrigerant()
	if r410.Code != "R-410A" || !r410.GWP.Valid || r410.GWP.Decimal.IntPart() != 2088 {
		t.Fatalf("unexpected record: %+v", r410)
	}
	if res[1].Refrigerant().GWP.Valid {
		t.Fatalf("null gwp must stay absent")
	}
}

func TestFetchRefrigerants_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.FetchRefrigerants(ctx)
	if err != nil {
		t.Fatalf("FetchRefrigerants error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil response for 429, got %+v", res)
	}
	if code != http.StatusTooManyRequests {
		t.Fatalf("status code = %d, want %d", code, http.StatusTooManyRequests)
	}
	if retry < 5*time.Second {
		t.Fatalf("retryAfter = %v, want at least 5s", retry)
	}
}

func TestFetchRefrigerants_UnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	client := NewClient(strings.TrimPrefix(ts.URL, "http://"))

	_, code, _, err := client.FetchRefrigerants(context.Background())
	if err == nil {
		t.Fatalf("expected error for 502")
	}
	if code != http.StatusBadGateway {
		t.Fatalf("status code = %d, want %d", code, http.StatusBadGateway)
	}
}

func TestFetchRefrigerants_NotConfigured(t *testing.T) {
	var client *Client
	if _, _, _, err := client.FetchRefrigerants(context.Background()); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
