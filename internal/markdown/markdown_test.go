package markdown

import (
	"strings"
	"testing"
)

func TestTokenizePlainText(t *testing.T) {
	got := Tokenize("hello world")
	want := []string{"hello", "world"}
	if !equalTokens(got, want) {
		t.Errorf("Tokenize = %v, want %v", got, want)
	}
}

func TestTokenizeStripsMarkdownSyntax(t *testing.T) {
	got := Tokenize("**bold** and _italic_ and [a link](https://example.com)")
	for _, tok := range got {
		if strings.ContainsAny(tok, "*_[]()") {
			t.Errorf("token %q still contains markdown syntax", tok)
		}
	}
	if !containsToken(got, "bold") || !containsToken(got, "italic") {
		t.Errorf("Tokenize dropped emphasized words: %v", got)
	}
}

func TestTokenizePreservesCodeSpans(t *testing.T) {
	got := Tokenize("run `go test ./...` to verify")
	if !containsToken(got, "go") {
		t.Errorf("Tokenize dropped code span content: %v", got)
	}
}

func TestTokenizeEmptyInput(t *testing.T) {
	if got := Tokenize(""); got != nil {
		t.Errorf("Tokenize(empty) = %v, want nil", got)
	}
	if got := Tokenize("   \n\t  "); got != nil {
		t.Errorf("Tokenize(whitespace) = %v, want nil", got)
	}
}

func TestTokenizeCapsAtMaxTokens(t *testing.T) {
	words := make([]string, maxTokens+50)
	for i := range words {
		words[i] = "word"
	}
	got := Tokenize(strings.Join(words, " "))
	if len(got) != maxTokens {
		t.Errorf("Tokenize returned %d tokens, want cap of %d", len(got), maxTokens)
	}
}

func equalTokens(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func containsToken(tokens []string, want string) bool {
	for _, tok := range tokens {
		if tok == want {
			return true
		}
	}
	return false
}
