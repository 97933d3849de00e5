// Package names extracts the user's name from conversation messages.
//
// Extraction runs in two tiers: cheap Portuguese self-introduction
// patterns first, then a constrained model completion for messages the
// patterns miss. Results are memoized by exact input text, including
// misses, so greeting loops never re-trigger the model tier.
package names

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/rfarias/mentoria/internal/assistant"
)

// NotFound is the sentinel the model tier is instructed to answer with
// when the message carries no name. Comparison is case-insensitive.
const NotFound = "Nenhum nome encontrado"

// minModelInput is the shortest message worth a model call. Anything
// shorter cannot plausibly contain a self-introduction.
const minModelInput = 4

const extractSystemPrompt = `Você é um extrator de nomes. Analise a mensagem do usuário e responda APENAS com o primeiro nome (ou nome composto) da pessoa que está falando, caso ela se apresente. Se a mensagem não contiver o nome do próprio usuário, responda exatamente: Nenhum nome encontrado. Não explique, não pontue, não adicione nada além do nome.`

// introPatterns match common Portuguese self-introductions. The capture
// group holds whole tokens so that candidates like "John123" reach
// validation intact and get rejected there.
var introPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)meu\s+nome\s+é\s+(\S+(?:\s+\S+){0,2})`),
	regexp.MustCompile(`(?i)me\s+chamo\s+(\S+(?:\s+\S+){0,2})`),
	regexp.MustCompile(`(?i)pode\s+me\s+chamar\s+de\s+(\S+(?:\s+\S+){0,2})`),
	regexp.MustCompile(`(?i)aqui\s+(?:é|eh)\s+(?:o|a)\s+(\S+(?:\s+\S+){0,2})`),
	regexp.MustCompile(`(?i)\beu\s+sou\s+(?:(?:o|a)\s+)?(\S+(?:\s+\S+){0,2})`),
	regexp.MustCompile(`(?i)\bsou\s+(?:o|a)\s+(\S+(?:\s+\S+){0,2})`),
	regexp.MustCompile(`(?i)^\s*nome\s*:\s*(\S+(?:\s+\S+){0,2})`),
}

// connectors end a captured name: "meu nome é Carlos e preciso de
// ajuda" should yield Carlos, not the whole clause.
var connectors = map[string]bool{
	"e": true, "mas": true, "que": true, "de": true, "da": true,
	"do": true, "por": true, "para": true, "com": true, "tudo": true,
}

// placeholders are words the patterns or the model sometimes return
// that are never real names.
var placeholders = map[string]bool{
	"ok":        true,
	"sim":       true,
	"não":       true,
	"nao":       true,
	"oi":        true,
	"olá":       true,
	"ola":       true,
	"eu":        true,
	"você":      true,
	"voce":      true,
	"teste":     true,
	"test":      true,
	"user":      true,
	"usuário":   true,
	"usuario":   true,
	"admin":     true,
	"cliente":   true,
	"ninguém":   true,
	"ninguem":   true,
	"nome":      true,
	"anônimo":   true,
	"anonimo":   true,
	"anonymous": true,
}

// Extractor finds user names in messages, escalating to a model
// completion when the pattern tier comes up empty.
type Extractor struct {
	completer assistant.Completer
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]string // exact input text -> result ("" means no name)
}

// NewExtractor creates an extractor backed by the given completer. A
// nil completer disables the model tier; patterns still run.
func NewExtractor(completer assistant.Completer, logger *slog.Logger) *Extractor {
	return &Extractor{
		completer: completer,
		logger:    logger,
		cache:     make(map[string]string),
	}
}

// Extract returns the user's name found in text, or "" when none is
// found. Repeated calls with the same text hit the memo and never
// repeat the model call.
func (e *Extractor) Extract(ctx context.Context, text string) string {
	e.mu.Lock()
	if name, ok := e.cache[text]; ok {
		e.mu.Unlock()
		return name
	}
	e.mu.Unlock()

	name := e.fromPatterns(text)
	if name == "" {
		name = e.fromModel(ctx, text)
	}

	e.mu.Lock()
	e.cache[text] = name
	e.mu.Unlock()

	if name != "" {
		e.logger.Debug("extracted user name", "name", name)
	}
	return name
}

// fromPatterns runs the cheap tier. First match wins.
func (e *Extractor) fromPatterns(text string) string {
	for _, pattern := range introPatterns {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		var words []string
		for _, w := range strings.Fields(m[1]) {
			trimmed := strings.TrimRight(w, ".,!?;:")
			if connectors[strings.ToLower(trimmed)] {
				break
			}
			words = append(words, trimmed)
			// A token that ended in punctuation closes the name.
			if trimmed != w {
				break
			}
		}
		if name := Normalize(strings.Join(words, " ")); name != "" {
			return name
		}
	}
	return ""
}

// fromModel asks the completion model for a single name.
func (e *Extractor) fromModel(ctx context.Context, text string) string {
	if e.completer == nil || utf8.RuneCountInString(strings.TrimSpace(text)) < minModelInput {
		return ""
	}

	answer, err := e.completer.Complete(ctx, extractSystemPrompt, text, 20)
	if err != nil {
		e.logger.Warn("name extraction completion failed", "error", err)
		return ""
	}

	answer = strings.TrimSpace(answer)
	if strings.EqualFold(answer, NotFound) {
		return ""
	}
	return Normalize(answer)
}

// Normalize validates a candidate name and title-cases it. Returns ""
// when the candidate is not a plausible name: it must be 2 to 30 runes
// of letters and spaces, and its first word must not be a placeholder.
func Normalize(candidate string) string {
	candidate = strings.Join(strings.Fields(candidate), " ")
	n := len([]rune(candidate))
	if n < 2 || n > 30 {
		return ""
	}
	for _, r := range candidate {
		if !unicode.IsLetter(r) && r != ' ' {
			return ""
		}
	}

	words := strings.Split(candidate, " ")
	if placeholders[strings.ToLower(words[0])] {
		return ""
	}

	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
