package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "les miserables", foldText("  Les Misérables!! "))
	assert.Equal(t, "spider man 2", foldText("Spider-Man 2"))
	assert.Equal(t, "", foldText("--"))
}

func TestTitleScore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expected, candidate string
		want                int
	}{
		{"Dune", "DUNE", 4},
		{"Les Misérables", "Les Miserables", 4},
		{"Spider-Man", "Spiderman", 4},
		{"Dune", "Dune Messiah", 3},
		{"The Left Hand of Darkness", "Left Hand of Darkness, The", 3},
		{"Dune Messiah Collected", "Dune Messiah Special", 2},
		{"Foundation and Empire", "Foundation Empire Trilogy Box", 0},
		{"Dune", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.expected+"/"+tt.candidate, func(t *testing.T) {
			assert.Equal(t, tt.want, titleScore(tt.expected, tt.candidate))
		})
	}
}

func TestAuthorScore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		expected   string
		candidates []string
		want       int
	}{
		{"exact", "Frank Herbert", []string{"frank herbert"}, 3},
		{"no expectation", "", []string{"Anyone"}, 1},
		{"initial", "F. Herbert", []string{"Frank Herbert"}, 2},
		{"diacritics", "Ursula K. Le Guin", []string{"Ursula K Le Guin"}, 3},
		{"best of many", "Frank Herbert", []string{"Kevin J. Anderson", "Frank Herbert"}, 3},
		{"same surname other person", "Brian Herbert", []string{"Frank Herbert"}, 0},
		{"no candidates", "Frank Herbert", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, authorScore(tt.expected, tt.candidates))
		})
	}
}

func TestAuthorVariants(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"Frank Herbert", "f herbert", "herbert", ""}, authorVariants("Frank Herbert"))
	assert.Equal(t, []string{"Plato", ""}, authorVariants("Plato"))
	assert.Equal(t, []string{""}, authorVariants("  "))
}

func TestTitleVariants(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"Dune: Deluxe Edition", "Dune"}, titleVariants("Dune: Deluxe Edition"))
	assert.Equal(t, []string{"Dune (Penguin Classics)", "Dune"}, titleVariants("Dune (Penguin Classics)"))
	assert.Equal(t, []string{"Dune"}, titleVariants("Dune"))
}

func TestISBNScore(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 5, isbnScore([]string{"978-0-441-17271-9"}, []string{"9780441172719"}))
	assert.Equal(t, 4, isbnScore([]string{"0441172717"}, []string{"", "0441172717"}))
	assert.Equal(t, 0, isbnScore([]string{"0441172717"}, []string{"9780441172719"}))
	assert.Equal(t, 0, isbnScore(nil, []string{"9780441172719"}))
}
