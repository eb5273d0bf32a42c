package bot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize_EscapesReservedMarkdownV2Characters(t *testing.T) {
	assert.Equal(t, `Price: $5\.00\!`, Sanitize(`Price: $5.00!`))
}

func TestSanitize_EscapesBracketsAndDashes(t *testing.T) {
	assert.Equal(t, `\[a\-b\]`, Sanitize(`[a-b]`))
}

func TestSanitize_LeavesPlainTextUntouched(t *testing.T) {
	assert.Equal(t, "hello world", Sanitize("hello world"))
}

func TestFormatCents_RendersTwoDecimalPlaces(t *testing.T) {
	assert.Equal(t, "4.99", formatCents(499))
	assert.Equal(t, "0.00", formatCents(0))
	assert.Equal(t, "100.00", formatCents(10000))
}

func TestSplitMessage_ReturnsWholeTextWhenUnderLimit(t *testing.T) {
	parts := splitMessage("short", 100)
	assert.Equal(t, []string{"short"}, parts)
}

func TestSplitMessage_BreaksAtNewlineBoundary(t *testing.T) {
	text := "line one\nline two\nline three"
	parts := splitMessage(text, 10)
	require := assert.New(t)
	require.Greater(len(parts), 1)
	for _, p := range parts {
		require.LessOrEqual(len(p), 10)
	}
	assert.Equal(t, text, strings.Join(parts, ""))
}
