package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestFetchPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/ticker/price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("symbol") != "ETHUSDT" {
			t.Errorf("unexpected symbol %s", r.URL.Query().Get("symbol"))
		}
		w.Write([]byte(`{"symbol":"ETHUSDT","price":"2000.50"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	price, err := c.FetchPrice(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price != 2000.50 {
		t.Errorf("expected 2000.50, got %v", price)
	}
}

func TestFetchPriceRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"symbol":"ETHUSDT","price":"1999.00"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	price, err := c.FetchPrice(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price != 1999.00 {
		t.Errorf("expected 1999.00, got %v", price)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestFetchPriceDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	if _, err := c.FetchPrice(context.Background(), "ETHUSDT"); err == nil {
		t.Fatal("expected an error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestSignalClientDisabled(t *testing.T) {
	s := NewSignalClient("", zerolog.Nop())
	cand, err := s.NextCandidate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cand != nil {
		t.Error("expected no candidate when disabled")
	}
}

func TestSignalClientNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewSignalClient(srv.URL, zerolog.Nop())
	cand, err := s.NextCandidate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cand != nil {
		t.Error("expected no candidate on 204")
	}
}

func TestSignalClientCandidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"symbol": "ETHUSDT",
			"direction": "LONG",
			"strategy_type": "momentum",
			"leverage": 3,
			"entry_price": 2000,
			"current_price": 2000,
			"take_profit_price": 2056,
			"stop_loss_price": 1960,
			"confidence": 0.8
		}`))
	}))
	defer srv.Close()

	s := NewSignalClient(srv.URL, zerolog.Nop())
	cand, err := s.NextCandidate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	if cand.Symbol != "ETHUSDT" || cand.EntryPrice != 2000 || cand.Confidence != 0.8 {
		t.Errorf("candidate decoded incorrectly: %+v", cand)
	}
}
