package rbac

import "strings"

// Capabilities checked at the HTTP boundary.
const (
	CapInventoryView      = "inventory.view"
	CapInventoryAdjust    = "inventory.adjust"
	CapInventoryConfigure = "inventory.configure"
	CapInventoryRepair    = "inventory.repair"
)

// Policy maps role names to the capabilities they grant.
type Policy map[string][]string

// DefaultPolicy is the built-in role table.
func DefaultPolicy() Policy {
	return Policy{
		"admin":   {CapInventoryView, CapInventoryAdjust, CapInventoryConfigure, CapInventoryRepair},
		"manager": {CapInventoryView, CapInventoryAdjust, CapInventoryConfigure},
		"staff":   {CapInventoryView, CapInventoryAdjust},
		"viewer":  {CapInventoryView},
	}
}

// Capabilities returns what a role grants; unknown roles grant nothing.
func (p Policy) Capabilities(role string) []string {
	return p[strings.ToLower(strings.TrimSpace(role))]
}
