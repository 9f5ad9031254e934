package dht_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mifka01/cache-server/pkg/dht"
)

func TestStandaloneRunnerIsNoOp(t *testing.T) {
	t.Parallel()

	r, err := dht.New(context.Background(), dht.Options{Standalone: true})
	require.NoError(t, err)
	assert.False(t, r.IsLive())

	require.NoError(t, r.Put(context.Background(), "k", "v"))

	values, ok := r.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.Nil(t, values)

	r.Close()
}

func TestNilRunnerIsNoOp(t *testing.T) {
	t.Parallel()

	var r *dht.Runner

	assert.False(t, r.IsLive())
	require.NoError(t, r.Put(context.Background(), "k", "v"))

	values, ok := r.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.Nil(t, values)

	r.Close()
}
