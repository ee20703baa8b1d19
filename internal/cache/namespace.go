package cache

import (
	"fmt"
	"strings"
)

// Prefix is prepended to every namespace name owned by the agent.
const Prefix = "obrasync"

// Role is a logical cache partition. Exactly one namespace per role is live.
type Role string

const (
	RoleCore    Role = "core"    // precached static assets
	RoleObras   Role = "obras"   // report and project pages
	RoleRuntime Role = "runtime" // network-first fallbacks
)

// Roles lists every role the agent manages.
var Roles = []Role{RoleCore, RoleObras, RoleRuntime}

// Namespace identifies one generation of a role's cache.
type Namespace struct {
	Role    Role
	Version string
}

// Name renders the namespace as {role-prefix}-{version}, e.g. "obrasync-core-v3".
func (n Namespace) Name() string {
	return rolePrefix(n.Role) + n.Version
}

func rolePrefix(r Role) string {
	return fmt.Sprintf("%s-%s-", Prefix, r)
}

// ParseName splits a namespace name into its role and version. It reports
// false for names that do not belong to a known role.
func ParseName(name string) (Namespace, bool) {
	for _, r := range Roles {
		p := rolePrefix(r)
		if strings.HasPrefix(name, p) && len(name) > len(p) {
			return Namespace{Role: r, Version: name[len(p):]}, true
		}
	}
	return Namespace{}, false
}
