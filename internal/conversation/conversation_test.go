package conversation

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name    string
		content string
		maxLen  int
		want    string
	}{
		{"empty", "", 50, DefaultTitle},
		{"whitespace only", " \t\n ", 50, DefaultTitle},
		{"short", "Hello world", 50, "Hello world"},
		{"collapses whitespace", "hello \n\n   there", 50, "hello there"},
		{"exact fit", strings.Repeat("a", 50), 50, strings.Repeat("a", 50)},
		{"truncated", strings.Repeat("a", 60), 50, strings.Repeat("a", 47) + "..."},
		{"trims before ellipsis", "aaaa bbbb", 8, "aaaa..."},
		{"multibyte", strings.Repeat("日", 60), 10, strings.Repeat("日", 7) + "..."},
		{"tiny limit uses default", strings.Repeat("b", 60), 2, strings.Repeat("b", 47) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveTitle(tt.content, tt.maxLen)
			assert.Equal(t, tt.want, got)
			if tt.maxLen >= 4 {
				assert.LessOrEqual(t, utf8.RuneCountInString(got), tt.maxLen)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))
	long := strings.Repeat("x", 200)
	got := Preview(long)
	assert.Equal(t, 80, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleUser.Valid())
	assert.True(t, RoleAssistant.Valid())
	assert.False(t, Role("system").Valid())
	assert.False(t, Role("").Valid())
}
