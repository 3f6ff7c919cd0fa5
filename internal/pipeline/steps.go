package pipeline

import (
	"fmt"
	"strings"
)

// CanonicalCommands returns the post-deployment commands every release runs,
// in their documented order: migrate the schema, then rebuild the config,
// route, and view caches.
func CanonicalCommands() []string {
	return []string{
		"php artisan migrate --force",
		"php artisan config:cache",
		"php artisan route:cache",
		"php artisan view:cache",
	}
}

// PlanCommands returns the post-deployment command list for a site. An empty
// custom list selects the canonical commands. A custom list may add commands
// but must keep all canonical commands in their documented order.
func PlanCommands(custom []string) ([]string, error) {
	if len(custom) == 0 {
		return CanonicalCommands(), nil
	}

	canonical := CanonicalCommands()
	next := 0
	for _, command := range custom {
		if next < len(canonical) && command == canonical[next] {
			next++
		}
	}
	if next != len(canonical) {
		return nil, fmt.Errorf("post-deploy commands must include %q in order", canonical[next])
	}
	return custom, nil
}

// commandStepName derives a short step name from a command line. Canonical
// commands keep their well-known names; anything else gets a slug.
func commandStepName(command string) string {
	switch command {
	case "php artisan migrate --force":
		return "migrate"
	case "php artisan config:cache":
		return "config_cache"
	case "php artisan route:cache":
		return "route_cache"
	case "php artisan view:cache":
		return "view_cache"
	}
	return slugify(command)
}

func slugify(command string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(command) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "_")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" {
		return "command"
	}
	return slug
}
