package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Lookup(1)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())

	r.Bind(1, "alice")
	r.Bind(2, "bob")
	username, ok := r.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, "alice", username)
	assert.Equal(t, 2, r.Len())

	// Bind substitui a associação anterior
	r.Bind(1, "carla")
	username, _ = r.Lookup(1)
	assert.Equal(t, "carla", username)
	assert.Equal(t, 2, r.Len())

	r.Unbind(1)
	_, ok = r.Lookup(1)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())

	// Desassociar uma conexão ausente não faz nada
	r.Unbind(1)
	r.Unbind(42)
	assert.Equal(t, 1, r.Len())
}

func TestRegistrySameUserOnManyConnections(t *testing.T) {
	r := NewRegistry()
	r.Bind(1, "alice")
	r.Bind(2, "alice")
	assert.Equal(t, 2, r.Len())

	r.Unbind(1)
	username, ok := r.Lookup(2)
	assert.True(t, ok)
	assert.Equal(t, "alice", username)
}
