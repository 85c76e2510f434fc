package checkout

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/money"
)

func TestReadCatalog(t *testing.T) {
	// Arrange
	src := `[
		{"id":"p1","name":"Mug","sku":"MUG-1","price":"10.00","currency":"USD"},
		{"id":"p2","name":"Poster","sku":"POS-1","price":"15.50","currency":"USD"}
	]`

	// Act
	c, err := ReadCatalog(strings.NewReader(src))

	// Assert
	require.NoError(t, err)
	p, err := c.Product(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, "Poster", p.Name)
	assert.True(t, p.Price.Equal(money.MustParse("15.50", "USD")))

	_, err = c.Product(context.Background(), "missing")
	assert.True(t, apperr.HasCode(err, apperr.CodeOrderValidation))
}

func TestReadCatalog_Rejects(t *testing.T) {
	tests := map[string]string{
		"not json":  `{`,
		"no id":     `[{"name":"Mug","price":"1.00","currency":"USD"}]`,
		"duplicate": `[{"id":"p1","price":"1.00","currency":"USD"},{"id":"p1","price":"2.00","currency":"USD"}]`,
		"bad price": `[{"id":"p1","price":"ten","currency":"USD"}]`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadCatalog(strings.NewReader(src))
			assert.Error(t, err)
		})
	}
}
