package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/offline/internal/model"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()

	unregister := r.Register("createOrder", func(ctx context.Context, m model.Mutation) Result {
		return Success()
	})
	defer unregister()

	h, ok := r.Lookup("createOrder")
	require.True(t, ok)
	assert.Equal(t, ResultSuccess, h(context.Background(), model.Mutation{}).Status)

	_, ok = r.Lookup("submitRestock")
	assert.False(t, ok)
}

func TestRegister_ReplacesPrevious(t *testing.T) {
	r := New()

	r.Register("createOrder", func(ctx context.Context, m model.Mutation) Result {
		return Retry("first")
	})
	r.Register("createOrder", func(ctx context.Context, m model.Mutation) Result {
		return Discard("second")
	})

	h, ok := r.Lookup("createOrder")
	require.True(t, ok)
	assert.Equal(t, "second", h(context.Background(), model.Mutation{}).Message)
}

func TestUnregister_RestoresNoHandler(t *testing.T) {
	r := New()

	unregister := r.Register("createOrder", func(ctx context.Context, m model.Mutation) Result {
		return Success()
	})
	unregister()

	_, ok := r.Lookup("createOrder")
	assert.False(t, ok)

	// Calling the disposer again is harmless
	unregister()
}

func TestUnregister_StaleDisposerIsNoOp(t *testing.T) {
	r := New()

	stale := r.Register("createOrder", func(ctx context.Context, m model.Mutation) Result {
		return Retry("old")
	})
	r.Register("createOrder", func(ctx context.Context, m model.Mutation) Result {
		return Success()
	})

	// Disposing the replaced registration must not tear down its successor
	stale()

	h, ok := r.Lookup("createOrder")
	require.True(t, ok)
	assert.Equal(t, ResultSuccess, h(context.Background(), model.Mutation{}).Status)
}

func TestTypes(t *testing.T) {
	r := New()
	r.Register("createOrder", func(ctx context.Context, m model.Mutation) Result { return Success() })
	r.Register("submitRestock", func(ctx context.Context, m model.Mutation) Result { return Success() })

	assert.ElementsMatch(t, []string{"createOrder", "submitRestock"}, r.Types())
}
