package dialect

import (
	"regexp"
	"strings"
	"sync"
)

type rule struct {
	pattern *regexp.Regexp
	replace string
}

// Translator rewrites statements written for one dialect into another.
type Translator struct {
	from  string
	to    string
	rules []rule
}

// From returns the source dialect.
func (t *Translator) From() string { return t.from }

// To returns the target dialect.
func (t *Translator) To() string { return t.to }

// Translate rewrites one statement. Literals and comments are left untouched.
func (t *Translator) Translate(stmt string) string {
	return mapCode(stmt, func(code string) string {
		for _, r := range t.rules {
			code = r.pattern.ReplaceAllString(code, r.replace)
		}

		return code
	})
}

// TranslatorCache holds compiled translators keyed by "from->to".
// Its lifetime is chosen by the owner; adapters created without one get a private cache.
type TranslatorCache struct {
	mu          sync.Mutex
	translators map[string]*Translator
}

// NewTranslatorCache returns an empty cache.
func NewTranslatorCache() *TranslatorCache {
	return &TranslatorCache{translators: make(map[string]*Translator)}
}

// Len returns the number of cached pairs, including unsupported ones.
func (c *TranslatorCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.translators)
}

// translator returns the cached translator for the pair, building it on first use.
// The bool result is false when the pair is unsupported; the miss is cached too.
func (c *TranslatorCache) translator(from string, target Adapter) (*Translator, bool, bool) {
	key := from + "->" + target.Name()

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.translators[key]; ok {
		return t, t != nil, false
	}
	t := buildTranslator(from, target)
	c.translators[key] = t

	return t, t != nil, true
}

func mustRule(pattern, replace string) rule {
	return rule{pattern: regexp.MustCompile(pattern), replace: replace}
}

// buildTranslator knows translations from Oracle, the usual authoring dialect, to every target.
func buildTranslator(from string, target Adapter) *Translator {
	if from != Oracle {
		return nil
	}
	to := target.Name()
	rules := []rule{
		mustRule(`(?i)\bSYSTIMESTAMP\b`, target.SysDate()),
		mustRule(`(?i)\bSYSDATE\b`, target.SysDate()),
		mustRule(`(?i)\bEMPTY_[BC]LOB\(\)`, target.EmptyLobValue()),
	}
	if to != Oracle {
		rules = append(rules, mustRule(`(?i)\bNVL\(`, "COALESCE("))
	}
	if target.FromDual() == "" {
		rules = append(rules, mustRule(`(?i)\s+FROM\s+DUAL\b`, ""))
	}

	switch to {
	case Postgres:
		rules = append(rules,
			mustRule(`(?i)\b([A-Za-z_][A-Za-z0-9_$]*)\.NEXTVAL\b`, "nextval('$1')"),
			mustRule(`(?i)\b([A-Za-z_][A-Za-z0-9_$]*)\.CURRVAL\b`, "currval('$1')"),
		)
	case H2, MSSQL:
		rules = append(rules, mustRule(`(?i)\b([A-Za-z_][A-Za-z0-9_$]*)\.NEXTVAL\b`, "NEXT VALUE FOR $1"))
	}
	if to == MSSQL {
		rules = append(rules,
			mustRule(`(?i)\bSUBSTR\(`, "SUBSTRING("),
			mustRule(`(?i)\bLENGTH\(`, "LEN("),
		)
	}

	return &Translator{from: from, to: to, rules: rules}
}

// convertQuery is the shared ConvertQuery implementation.
func convertQuery(target Adapter, cfg Config, query, fromDialect string) (string, error) {
	if strings.TrimSpace(fromDialect) == "" {
		return query, nil
	}
	from, ok := Canonical(fromDialect)
	if !ok {
		return "", ErrUnknownDialect
	}
	if from == target.Name() || from == Generic {
		return query, nil
	}

	t, supported, built := cfg.Cache.translator(from, target)
	if !supported {
		if built {
			cfg.Logger.Warn("tablequeue dialect translation not supported; queries are used unchanged",
				"from", from, "to", target.Name())
		}

		return query, nil
	}

	stmts := SplitStatements(query)
	if len(stmts) <= 1 {
		return t.Translate(strings.TrimSpace(query)), nil
	}
	for i, stmt := range stmts {
		stmts[i] = t.Translate(stmt)
	}

	return strings.Join(stmts, ";\n"), nil
}
