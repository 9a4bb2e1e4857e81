package memory

// EstimateTokens approximates the token count of text as len/4, the usual
// rule of thumb for English prose under BPE tokenizers. Counting is
// deterministic so budget checks are reproducible.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// TruncateToTokens cuts text down so that the result plus a trailing
// newline stays within budget estimated tokens. The appended ellipsis is
// charged against the budget.
func TruncateToTokens(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if EstimateTokens(text) <= budget {
		return text
	}

	limit := budget*4 - 4
	if limit < 0 {
		limit = 0
	}
	if limit > len(text) {
		limit = len(text)
	}

	// Back up to a rune boundary.
	for limit > 0 && text[limit-1]&0xC0 == 0x80 {
		limit--
	}

	return text[:limit] + "..."
}
