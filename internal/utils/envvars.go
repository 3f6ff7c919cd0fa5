package utils

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseVars parses KEY=VALUE pairs into a map. The value may contain '='
// characters; only the first one splits.
func ParseVars(pairs []string) (map[string]string, error) {
	vars := map[string]string{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid variable %q, expected KEY=VALUE", pair)
		}
		if !envKeyPattern.MatchString(key) {
			return nil, fmt.Errorf("invalid variable name %q", key)
		}
		vars[key] = value
	}
	return vars, nil
}

// MergeVars merges multiple variable maps with later maps having higher precedence
func MergeVars(vv ...map[string]string) map[string]string {
	m := map[string]string{}
	for _, v := range vv {
		maps.Copy(m, v)
	}
	return m
}

// RenderEnvFile renders variables as a dotenv file with keys sorted so the
// output is stable across runs. Values are quoted when a dotenv parser would
// otherwise mangle them.
func RenderEnvFile(vars map[string]string) []byte {
	var buf strings.Builder
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(quoteEnvValue(vars[k]))
		buf.WriteByte('\n')
	}
	return []byte(buf.String())
}

func quoteEnvValue(v string) string {
	if v == "" || !strings.ContainsAny(v, " \t#\"'\\\n") {
		return v
	}

	var b strings.Builder
	b.WriteByte('"')
	for _, r := range v {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
