// Package generator produces candidate characters for the next auction
// round.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel/trace"

	"github.com/digichar/keeper/internal/config"
)

// ErrGeneration wraps every failed generation.
var ErrGeneration = errors.New("character generation failed")

// Draft is a generated character whose avatar has not been published yet.
type Draft struct {
	Name        string
	Symbol      string
	Description string
	Avatar      []byte
}

// Generator returns n new drafts.
type Generator interface {
	Generate(ctx context.Context, n int) ([]Draft, error)
}

// New builds the generator selected by cfg.Driver.
func New(cfg config.GeneratorConfig, logger *slog.Logger, tp trace.TracerProvider) (Generator, error) {
	switch cfg.Driver {
	case "openai":
		return NewOpenAI(cfg, logger, tp), nil
	case "static":
		return NewStatic(cfg.Theme), nil
	default:
		return nil, fmt.Errorf("unknown generator driver %q", cfg.Driver)
	}
}

const maxSymbolLen = 11

// NormalizeSymbol upper-cases s and keeps only ASCII letters and digits.
// An empty result falls back to the initials of name.
func NormalizeSymbol(s, name string) string {
	clean := func(in string) string {
		var b strings.Builder
		for _, r := range strings.ToUpper(in) {
			if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
				b.WriteRune(r)
			}
			if b.Len() == maxSymbolLen {
				break
			}
		}
		return b.String()
	}

	if sym := clean(s); sym != "" {
		return sym
	}
	var initials strings.Builder
	for _, w := range strings.Fields(name) {
		initials.WriteString(w[:1])
	}
	if sym := clean(initials.String()); sym != "" {
		return sym
	}
	return "CHAR"
}

func validate(d Draft) error {
	switch {
	case strings.TrimSpace(d.Name) == "":
		return errors.New("draft has no name")
	case d.Symbol == "":
		return fmt.Errorf("draft %q has no symbol", d.Name)
	case len(d.Avatar) == 0:
		return fmt.Errorf("draft %q has no avatar", d.Name)
	}
	return nil
}
