package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ListPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/5WX00001/positions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"items":[{"symbol":"SPY   251107C00690000","underlying-symbol":"SPY","quantity":"2","quantity-direction":"Short","average-open-price":"1.70","close-price":"1.02","multiplier":"100","instrument-type":"Equity Option"}]}}`))
	}))
	defer srv.Close()

	c := NewClient("test-token", true)
	c.baseURL = srv.URL

	legs, err := c.ListPositions(context.Background(), "5WX00001", false)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, "SPY", legs[0].UnderlyingSymbol)
	assert.Equal(t, int64(2), legs[0].Quantity)
	assert.Equal(t, "Short", legs[0].QuantityDirection)
}

func TestClient_ListPositions_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient("test-token", true)
	c.baseURL = srv.URL
	c.http.RetryMax = 0

	_, err := c.ListPositions(context.Background(), "missing", false)
	assert.Error(t, err)
}
