package library

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Trip/chapter1.mp3", "Trip/chapter1.mp3"},
		{"leading slash", "/Trip/book.mp3", "Trip/book.mp3"},
		{"trailing slash", "Trip/", "Trip"},
		{"doubled slashes", "Trip//Nested///book.mp3", "Trip/Nested/book.mp3"},
		{"non-breaking space", "My Book.mp3", "My Book.mp3"},
		{"narrow no-break space", "My Book.mp3", "My Book.mp3"},
		{"nfc normalization", "Café", "Café"},
		{"empty", "", ""},
		{"only slashes", "///", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.in))
		})
	}
}

func TestParentPath(t *testing.T) {
	assert.Equal(t, "", ParentPath("book.mp3"))
	assert.Equal(t, "Trip", ParentPath("Trip/book.mp3"))
	assert.Equal(t, "Trip/Nested", ParentPath("Trip/Nested/book.mp3"))
	assert.Equal(t, "", ParentPath(""))
}

func TestLeafName(t *testing.T) {
	assert.Equal(t, "book.mp3", LeafName("book.mp3"))
	assert.Equal(t, "book.mp3", LeafName("Trip/Nested/book.mp3"))
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "book.mp3", JoinPath("", "book.mp3"))
	assert.Equal(t, "Trip/book.mp3", JoinPath("Trip", "book.mp3"))
}

func TestIsSelfOrDescendant(t *testing.T) {
	assert.True(t, IsSelfOrDescendant("Trip", "Trip"))
	assert.True(t, IsSelfOrDescendant("Trip/book.mp3", "Trip"))
	assert.True(t, IsSelfOrDescendant("Trip/Nested/book.mp3", "Trip"))
	assert.True(t, IsSelfOrDescendant("anything", ""))

	assert.False(t, IsSelfOrDescendant("Tripwire", "Trip"))
	assert.False(t, IsSelfOrDescendant("Trip", "Trip/book.mp3"))
	assert.False(t, IsSelfOrDescendant("Other/book.mp3", "Trip"))
}

func TestRewritePrefix(t *testing.T) {
	assert.Equal(t, "Dest", RewritePrefix("Src", "Src", "Dest"))
	assert.Equal(t, "Dest/book.mp3", RewritePrefix("Src/book.mp3", "Src", "Dest"))
	assert.Equal(t, "A/B/Nested/book.mp3", RewritePrefix("Src/Nested/book.mp3", "Src", "A/B"))
}
