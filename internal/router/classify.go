package router

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/kalambet/obrasync/internal/cache"
)

// Role decides how a request is resolved.
type Role string

const (
	RoleAuth    Role = "AUTH"    // never cached
	RoleObras   Role = "OBRAS"   // cache-first, refreshed in the background
	RoleCore    Role = "CORE"    // cache-first, versioned static assets
	RoleDefault Role = "DEFAULT" // network-first with cache fallback
)

// CacheRole is the cache partition backing r. AUTH has none.
func (r Role) CacheRole() (cache.Role, bool) {
	switch r {
	case RoleCore:
		return cache.RoleCore, true
	case RoleObras:
		return cache.RoleObras, true
	case RoleDefault:
		return cache.RoleRuntime, true
	}
	return "", false
}

// Pattern maps request paths matching Regex to Role.
type Pattern struct {
	Regex *regexp.Regexp
	Role  Role
}

// DefaultPatterns are the path classes of the field-reporting application.
var DefaultPatterns = []Pattern{
	{
		Regex: regexp.MustCompile(`^/(auth/)?(login|logout|register|registro|cadastro|reset[-_]?password|forgot[-_]?password|esqueci[-_]?senha|redefinir[-_]?senha|first[-_]?login|primeiro[-_]?acesso)(/|$)`),
		Role:  RoleAuth,
	},
	{
		Regex: regexp.MustCompile(`^/(relatorios|reports|obras|projetos|projects|visitas)(/|$)`),
		Role:  RoleObras,
	},
	{
		Regex: regexp.MustCompile(`^/static/|\.(css|js|mjs|png|jpe?g|gif|svg|ico|webp|woff2?|ttf|webmanifest)$`),
		Role:  RoleCore,
	},
}

// Classifier assigns a Role to request URLs. It is immutable once built and
// safe for concurrent use.
type Classifier struct {
	auth     []Pattern
	rest     []Pattern
	manifest map[string]bool
}

// NewClassifier builds a Classifier. AUTH patterns always win; precache
// manifest members are CORE; the remaining patterns are tried in order and
// anything unmatched is DEFAULT.
func NewClassifier(patterns []Pattern, manifest []string) *Classifier {
	c := &Classifier{manifest: make(map[string]bool, len(manifest))}
	for _, p := range patterns {
		if p.Role == RoleAuth {
			c.auth = append(c.auth, p)
		} else {
			c.rest = append(c.rest, p)
		}
	}
	for _, m := range manifest {
		if p := ManifestPath(m); p != "" {
			c.manifest[p] = true
		}
	}
	return c
}

// Classify returns the role of u.
func (c *Classifier) Classify(u *url.URL) Role {
	path := u.Path
	if path == "" {
		path = "/"
	}
	for _, p := range c.auth {
		if p.Regex.MatchString(path) {
			return RoleAuth
		}
	}
	if c.manifest[path] {
		return RoleCore
	}
	for _, p := range c.rest {
		if p.Regex.MatchString(path) {
			return p.Role
		}
	}
	return RoleDefault
}

// ManifestPath normalizes a precache manifest entry to a request path.
func ManifestPath(entry string) string {
	u, err := url.Parse(strings.TrimSpace(entry))
	if err != nil || u.Path == "" {
		return ""
	}
	if !strings.HasPrefix(u.Path, "/") {
		return "/" + u.Path
	}
	return u.Path
}
