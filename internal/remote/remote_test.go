package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/offline/internal/model"
	"github.com/opsdeck/offline/internal/registry"
)

func TestHandler_SuccessOn2xx(t *testing.T) {
	var gotPath, gotContentType, gotMutationID string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotMutationID = r.Header.Get("X-Mutation-ID")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(model.RemoteConfig{BaseURL: srv.URL, Endpoints: map[string]string{"createOrder": "/orders"}})
	h := c.Handler("/orders")

	res := h(context.Background(), model.Mutation{
		ID:      "mut_abc",
		Type:    "createOrder",
		Payload: map[string]any{"sku": "A-100", "qty": float64(3)},
	})

	assert.Equal(t, registry.ResultSuccess, res.Status)
	assert.Equal(t, "/orders", gotPath)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "mut_abc", gotMutationID)
	assert.Equal(t, map[string]any{"sku": "A-100", "qty": float64(3)}, gotBody)
}

func TestHandler_SemanticRejectionDiscards(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "qty must be positive", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(model.RemoteConfig{BaseURL: srv.URL})
	res := c.Handler("/orders")(context.Background(), model.Mutation{Payload: map[string]any{}})

	assert.Equal(t, registry.ResultDiscard, res.Status)
	assert.Contains(t, res.Message, "422")
	assert.Contains(t, res.Message, "qty must be positive")
}

func TestHandler_ServerFaultRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream db down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(model.RemoteConfig{BaseURL: srv.URL})
	res := c.Handler("/orders")(context.Background(), model.Mutation{Payload: map[string]any{}})

	assert.Equal(t, registry.ResultRetry, res.Status)
	assert.Contains(t, res.Message, "503")
}

func TestHandler_ThrottlingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(model.RemoteConfig{BaseURL: srv.URL})
	res := c.Handler("/orders")(context.Background(), model.Mutation{Payload: map[string]any{}})

	assert.Equal(t, registry.ResultRetry, res.Status)
}

func TestHandler_TransportFailureRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	c := New(model.RemoteConfig{BaseURL: srv.URL})
	res := c.Handler("/orders")(context.Background(), model.Mutation{Payload: map[string]any{}})

	assert.Equal(t, registry.ResultRetry, res.Status)
	assert.NotEmpty(t, res.Message)
}

func TestHandler_UnencodablePayloadDiscards(t *testing.T) {
	c := New(model.RemoteConfig{BaseURL: "http://127.0.0.1:1"})
	res := c.Handler("/orders")(context.Background(), model.Mutation{
		Payload: map[string]any{"bad": func() {}},
	})

	assert.Equal(t, registry.ResultDiscard, res.Status)
	assert.Contains(t, res.Message, "encode payload")
}

type fakeRegistrar struct {
	registered []string
}

func (f *fakeRegistrar) RegisterHandler(mutType string, h registry.Handler) func() {
	f.registered = append(f.registered, mutType)
	return func() {}
}

func TestRegisterAll(t *testing.T) {
	c := New(model.RemoteConfig{
		BaseURL: "http://localhost:8080",
		Endpoints: map[string]string{
			"createOrder":   "/orders",
			"submitRestock": "/restocks",
		},
	})

	r := &fakeRegistrar{}
	types := c.RegisterAll(r)

	assert.ElementsMatch(t, []string{"createOrder", "submitRestock"}, types)
	assert.ElementsMatch(t, []string{"createOrder", "submitRestock"}, r.registered)
}

func TestHandler_JoinsBaseURLAndPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Trailing and leading slashes should not double up
	c := New(model.RemoteConfig{BaseURL: srv.URL + "/"})
	res := c.Handler("orders")(context.Background(), model.Mutation{Payload: map[string]any{}})
	require.Equal(t, registry.ResultSuccess, res.Status)
	assert.Equal(t, "/orders", gotPath)
}
