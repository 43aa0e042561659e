package postprocess

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"normal title.epub",
		`weird:/\*?"<>|chars`,
		"   leading and trailing spaces...  ",
		"multiple___underscores____collapse",
		strings.Repeat("a", 300),
		strings.Repeat("a", 244) + "." + strings.Repeat("b", 50), // dot lands right at the truncation boundary
		strings.Repeat("x", 245) + "   ",
	}
	for _, in := range inputs {
		once := SanitizeFilename(in)
		twice := SanitizeFilename(once)
		require.Equal(t, once, twice, "sanitize not idempotent for %q", in)
	}
}

func TestSanitizeFilename_StripsInvalidCharacters(t *testing.T) {
	out := SanitizeFilename(`a\b/c:d*e?f"g<h>i|j`)
	for _, c := range []rune{'\\', '/', ':', '*', '?', '"', '<', '>', '|'} {
		require.NotContains(t, out, string(c))
	}
}

func TestSanitizeFilename_TruncatesToMaxLength(t *testing.T) {
	out := SanitizeFilename(strings.Repeat("a", 500))
	require.LessOrEqual(t, utf8.RuneCountInString(out), maxFilenameLength)
}

func TestFinalFilename_TitleVsTaskID(t *testing.T) {
	require.Equal(t, "My Book.epub", FinalFilename("My Book", ".EPUB", "task123", true))
	require.Equal(t, "task123.epub", FinalFilename("My Book", "epub", "task123", false))
	require.Equal(t, "task123.epub", FinalFilename("", "epub", "task123", true),
		"expected fallback to task id when title sanitizes to empty")
}
