package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()

	it, ok := c.Lookup("Chocolate")
	require.True(t, ok)
	assert.Equal(t, int64(500), it.Price)

	it, ok = c.Lookup(" vanilla ")
	require.True(t, ok)
	assert.Equal(t, int64(300), it.Price)

	_, ok = c.Lookup("strawberry")
	assert.False(t, ok)

	names := []string{}
	for _, it := range c.Items() {
		names = append(names, it.Name)
	}
	assert.Equal(t, []string{"butterscotch", "chocolate", "vanilla"}, names)
}

func TestNew_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		items []Item
	}{
		{"empty", nil},
		{"blank name", []Item{{Name: " ", Price: 1}}},
		{"zero price", []Item{{Name: "plain", Price: 0}}},
		{"duplicate", []Item{{Name: "plain", Price: 1}, {Name: "PLAIN", Price: 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.items)
			assert.Error(t, err)
		})
	}
}

func TestMatch(t *testing.T) {
	c := Default()

	it, ok := c.Match("I'd like the Butterscotch one please!")
	require.True(t, ok)
	assert.Equal(t, "butterscotch", it.Name)

	_, ok = c.Match("chocolatey goodness")
	assert.False(t, ok)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("items:\n  - name: Red Velvet\n    price: 900\n  - name: plain\n    price: 250\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	it, ok := c.Lookup("red velvet")
	require.True(t, ok)
	assert.Equal(t, int64(900), it.Price)
	assert.Equal(t, "plain - 250 INR\nred velvet - 900 INR", c.Describe("INR"))
}

func TestLoad_EmptyPathUsesDefault(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Len(t, c.Items(), 3)
}

func TestMatch_MultiWord(t *testing.T) {
	c, err := New([]Item{{Name: "Red Velvet", Price: 900}, {Name: "plain", Price: 250}})
	require.NoError(t, err)

	it, ok := c.Match("one red-velvet cake")
	require.True(t, ok)
	assert.Equal(t, "red velvet", it.Name)
}
