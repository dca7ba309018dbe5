package sources

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func refs(a *Aggregator) []string {
	var out []string
	for _, r := range a.List() {
		out = append(out, r.Reference)
	}
	return out
}

func TestApplySnapshotReplaces(t *testing.T) {
	var a Aggregator
	a.Apply([]string{"a", "b"})
	a.Apply([]string{"b", "c"})
	assert.Equal(t, []string{"b", "c"}, refs(&a))
}

func TestApplyKeepsFirstSeenOrder(t *testing.T) {
	var a Aggregator
	a.Apply([]string{"a", "b"})
	a.Apply([]string{"c", "b", "a"})
	assert.Equal(t, []string{"a", "b", "c"}, refs(&a))
}

func TestApplyDeduplicates(t *testing.T) {
	var a Aggregator
	a.Apply([]string{"x", "", "x", "y", "x"})
	assert.Equal(t, []string{"x", "y"}, refs(&a))
	assert.Equal(t, 2, a.Len())

	a.Apply(nil)
	assert.Empty(t, a.List())
}

func TestListIsACopy(t *testing.T) {
	var a Aggregator
	a.Apply([]string{"https://go.dev"})
	list := a.List()
	list[0].Label = "mutated"
	assert.Equal(t, "go.dev", a.List()[0].Label)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "python.org", Label("https://www.docs.python.org/3/library/"))
	assert.Equal(t, "bbc.co.uk", Label("https://news.bbc.co.uk/article"))
	assert.Equal(t, "go.dev", Label("go.dev/doc/effective_go"))
	assert.Equal(t, "localhost", Label("http://localhost:8080/x"))
	assert.Equal(t, "10.0.0.1", Label("http://10.0.0.1/report"))
	assert.Equal(t, "doc-123", Label("doc-123"))

	long := strings.Repeat("z", 60)
	got := Label(long)
	assert.Equal(t, maxLabelRunes, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}
