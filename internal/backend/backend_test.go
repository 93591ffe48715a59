package backend

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateDestination(t *testing.T) {
	valid := []string{"testQueue", "orders.eu/created", "a", strings.Repeat("q", MaxDestinationLength)}
	for _, d := range valid {
		assert.NoError(t, ValidateDestination(d), d)
	}

	invalid := []string{"", "orders/#", "orders/+", "orders.*", "orders.>", "with space", "tab\tname", strings.Repeat("q", MaxDestinationLength+1)}
	for _, d := range invalid {
		assert.ErrorIs(t, ValidateDestination(d), ErrInvalidDestination, d)
	}
}

func TestCloneHeaders(t *testing.T) {
	assert.Nil(t, CloneHeaders(nil))

	src := map[string]string{"k": "v"}
	dst := CloneHeaders(src)
	dst["k"] = "changed"
	assert.Equal(t, "v", src["k"])
}
