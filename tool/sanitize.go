package tool

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/hupe1980/agentbridge/core"
)

// fallbackName replaces names that sanitize to nothing.
const fallbackName = "tool"

const defaultMaxLength = 64

// NamePolicy describes a runtime's tool naming constraints.
//
// Sanitize is pure, deterministic and idempotent for every policy:
// Sanitize(Sanitize(x)) == Sanitize(x).
type NamePolicy struct {
	// MaxLength caps the sanitized name length. <= 0 means 64.
	MaxLength int
	// AllowUpper keeps upper case letters; otherwise names are lower cased.
	AllowUpper bool
	// AllowHyphen keeps '-'; otherwise it is folded into '_'.
	AllowHyphen bool
}

var (
	// DefaultNames folds names into lower snake_case of at most 64 bytes.
	DefaultNames = NamePolicy{MaxLength: defaultMaxLength}
	// OpenAINames satisfies the Chat Completions function name pattern.
	OpenAINames = NamePolicy{MaxLength: 64}
	// AnthropicNames satisfies the Messages API tool name pattern.
	AnthropicNames = NamePolicy{MaxLength: 64}
	// GeminiNames satisfies the function declaration name pattern.
	GeminiNames = NamePolicy{MaxLength: 64}
	// MCPNames satisfies the MCP tool name recommendation.
	MCPNames = NamePolicy{MaxLength: 128}
)

func (p NamePolicy) maxLength() int {
	if p.MaxLength <= 0 {
		return defaultMaxLength
	}
	return p.MaxLength
}

func (p NamePolicy) keeps(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r >= 'A' && r <= 'Z':
		return p.AllowUpper
	case r == '-':
		return p.AllowHyphen
	default:
		return false
	}
}

// Sanitize maps name onto the policy's alphabet. Disallowed runes become
// '_', runs of '_' collapse, leading and trailing '_' are dropped and the
// result is truncated to MaxLength. Empty results become "tool".
func (p NamePolicy) Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pending := false
	for _, r := range name {
		if !p.AllowUpper {
			r = unicode.ToLower(r)
		}
		if !p.keeps(r) {
			pending = b.Len() > 0
			continue
		}
		if pending {
			b.WriteByte('_')
			pending = false
		}
		b.WriteRune(r)
	}
	out := b.String()
	if max := p.maxLength(); len(out) > max {
		out = strings.TrimRight(out[:max], "_")
	}
	if out == "" {
		return fallbackName
	}
	return out
}

// CollisionPolicy decides what happens when two tools sanitize to the same name.
type CollisionPolicy int

const (
	// CollisionSuffix keeps the first tool's name and appends "_2", "_3", ...
	// to later ones, in input order.
	CollisionSuffix CollisionPolicy = iota
	// CollisionError rejects the configuration with an
	// AdapterConfigurationError wrapping core.ErrNameCollision.
	CollisionError
)

// String returns the policy name.
func (c CollisionPolicy) String() string {
	switch c {
	case CollisionSuffix:
		return "suffix"
	case CollisionError:
		return "error"
	default:
		return "unknown"
	}
}

// AssignNames sanitizes the names of tools under policy and resolves
// collisions. The result is parallel to tools and depends only on the input
// names and their order.
func AssignNames(tools []core.Tool, names NamePolicy, collisions CollisionPolicy) ([]string, error) {
	out := make([]string, len(tools))
	owner := make(map[string]string, len(tools))
	for i, t := range tools {
		base := names.Sanitize(t.Name())
		name := base
		if prev, taken := owner[name]; taken {
			if collisions == CollisionError {
				return nil, core.NewConfigurationError("",
					fmt.Sprintf("tools %q and %q both sanitize to %q", prev, t.Name(), base),
					core.ErrNameCollision,
				).WithTool(t.Name())
			}
			name = suffixed(base, names.maxLength(), owner)
		}
		owner[name] = t.Name()
		out[i] = name
	}
	return out, nil
}

func suffixed(base string, max int, taken map[string]string) string {
	for n := 2; ; n++ {
		suffix := "_" + strconv.Itoa(n)
		stem := base
		if len(stem)+len(suffix) > max {
			cut := max - len(suffix)
			if cut < 1 {
				cut = 1
			}
			stem = strings.TrimRight(stem[:cut], "_")
		}
		candidate := stem + suffix
		if _, used := taken[candidate]; !used {
			return candidate
		}
	}
}
