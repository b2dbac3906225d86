package jobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategories(t *testing.T) {
	var nilCats *Categories
	assert.True(t, nilCats.IsEnabled("anything"))
	assert.Nil(t, nilCats.List())

	cats := NewCategories()
	assert.True(t, cats.IsEnabled("c1"), "empty allow-list enables everything")

	cats.Set([]string{"c2", " c1 ", ""})
	assert.Equal(t, []string{"c1", "c2"}, cats.List())
	assert.True(t, cats.IsEnabled("c1"))
	assert.False(t, cats.IsEnabled("c3"))
	assert.True(t, cats.IsEnabled(""), "uncategorized jobs are always eligible")

	cats.Disable("c1")
	cats.Enable("c3")
	assert.Equal(t, []string{"c2", "c3"}, cats.List())

	cats.Disable("c2")
	cats.Disable("c3")
	assert.True(t, cats.IsEnabled("c9"), "removing the last entry enables everything")
}
