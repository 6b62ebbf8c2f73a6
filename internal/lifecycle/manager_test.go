package lifecycle

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerClosesInReverseOrder(t *testing.T) {
	m := NewManager(zerolog.Nop())
	var order []string
	m.RegisterFunc("store", func() error { order = append(order, "store"); return nil })
	m.RegisterFunc("token_cache", func() error { order = append(order, "token_cache"); return nil })
	m.RegisterFunc("http", func() error { order = append(order, "http"); return nil })

	require.NoError(t, m.Close())
	assert.Equal(t, []string{"http", "token_cache", "store"}, order)
}

func TestManagerReturnsFirstErrorAndClosesEverything(t *testing.T) {
	m := NewManager(zerolog.Nop())
	first := errors.New("first")
	calls := 0
	m.RegisterFunc("a", func() error { calls++; return errors.New("later") })
	m.RegisterFunc("b", func() error { calls++; return first })
	m.RegisterFunc("c", func() error { calls++; return nil })

	assert.ErrorIs(t, m.Close(), first)
	assert.Equal(t, 3, calls)

	require.NoError(t, m.Close())
	assert.Equal(t, 3, calls)
}

func TestManagerIgnoresNilClosers(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.Register("nil", nil)
	m.RegisterFunc("nil func", nil)
	assert.NoError(t, m.Close())
}
