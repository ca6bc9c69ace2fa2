package consensus

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/model"
)

// Total sides.
const (
	SideOver  = "OVER"
	SideUnder = "UNDER"
)

// canonicalText folds s to NFKC upper case with surrounding space removed.
// A Caser holds state, so each call gets its own.
func canonicalText(s string) string {
	return cases.Upper(language.Und).String(norm.NFKC.String(strings.TrimSpace(s)))
}

// Aliases maps team abbreviations to their canonical form. Lookups are case
// insensitive.
type Aliases map[string]string

// NewAliases builds an alias table from raw pairs, folding both sides.
func NewAliases(raw map[string]string) Aliases {
	a := make(Aliases, len(raw))
	for k, v := range raw {
		a[canonicalText(k)] = canonicalText(v)
	}
	return a
}

// Canonical returns the canonical form of team.
func (a Aliases) Canonical(team string) string {
	t := canonicalText(team)
	if c, ok := a[t]; ok {
		return c
	}
	return t
}

// ParseSelection splits a selection into its side and an optional line.
// Totals accept OVER/UNDER or O/U; directional kinds accept a team followed
// by an optional signed line.
func ParseSelection(kind model.DecisionKind, raw string, aliases Aliases) (string, *float64, error) {
	fields := strings.Fields(canonicalText(raw))
	if len(fields) == 0 || len(fields) > 2 {
		return "", nil, fault.Validation("consensus: malformed selection %q", raw)
	}

	var line *float64
	if len(fields) == 2 {
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return "", nil, fault.Validation("consensus: malformed line in selection %q", raw)
		}
		line = &v
	}

	if !kind.Directional() {
		switch fields[0] {
		case "OVER", "O":
			return SideOver, line, nil
		case "UNDER", "U":
			return SideUnder, line, nil
		default:
			return "", nil, fault.Validation("consensus: total selection %q must be OVER or UNDER", raw)
		}
	}
	return aliases.Canonical(fields[0]), line, nil
}
