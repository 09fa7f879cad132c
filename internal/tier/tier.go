// Package tier implements trust-tier capability policy: the mapping from a
// contact's trust level to the tool allowlist, permission mode, and
// per-injection turn budget an agent session runs under.
package tier

// Tier is a contact's trust level. Capability descends admin == wife > family
// > favorite > bots == unknown.
type Tier int

const (
	Unknown Tier = iota
	Bots
	Favorite
	Family
	Wife
	Admin
)

// String renders the tier's canonical lowercase name.
func (t Tier) String() string {
	switch t {
	case Admin:
		return "admin"
	case Wife:
		return "wife"
	case Family:
		return "family"
	case Favorite:
		return "favorite"
	case Bots:
		return "bots"
	default:
		return "unknown"
	}
}

// Parse recovers a Tier from its canonical name, defaulting to Unknown.
func Parse(name string) Tier {
	switch name {
	case "admin":
		return Admin
	case "wife":
		return Wife
	case "family":
		return Family
	case "favorite":
		return Favorite
	case "bots":
		return Bots
	default:
		return Unknown
	}
}

// PermissionMode is the agent-adapter permission mode a session runs under.
type PermissionMode string

const (
	PermissionBypass       PermissionMode = "bypass"
	PermissionDefaultPrompt PermissionMode = "default"
	PermissionCallback     PermissionMode = "callback"
)

// Capabilities is the resolved policy for a tier: allowed tools, permission
// mode, and the per-injected-prompt turn budget.
type Capabilities struct {
	Tools          []string
	PermissionMode PermissionMode
	MaxTurns       int
}

var (
	blessedTools = []string{
		"Read", "Write", "Edit", "Bash", "Glob", "Grep",
		"WebSearch", "WebFetch", "Task", "NotebookEdit", "Skill", "AskUserQuestion",
	}
	familyTools   = []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep", "WebSearch", "WebFetch", "Task"}
	favoriteTools = []string{"Read", "Grep", "Glob", "WebSearch", "WebFetch", "Bash"}
)

// For returns the capability set a tier runs under (§4.3). Group sessions do
// not go through this table directly — the orchestrator treats every group
// session as admin-equivalent regardless of the sender's own tier; see
// ForGroup.
func For(t Tier) Capabilities {
	switch t {
	case Admin, Wife:
		return Capabilities{Tools: blessedTools, PermissionMode: PermissionBypass, MaxTurns: 200}
	case Family:
		return Capabilities{Tools: familyTools, PermissionMode: PermissionDefaultPrompt, MaxTurns: 50}
	default: // Favorite, Bots, Unknown
		return Capabilities{Tools: favoriteTools, PermissionMode: PermissionCallback, MaxTurns: 30}
	}
}

// ForGroup returns the capability set for a group session: admin-equivalent
// regardless of the triggering sender's tier (group participants are assumed
// to include at least one blessed contact — see the orchestrator's group
// admission rule).
func ForGroup() Capabilities {
	return Capabilities{Tools: blessedTools, PermissionMode: PermissionBypass, MaxTurns: 200}
}

// NeedsPermissionCallback reports whether sessions at this tier run the
// runtime permission callback (§4.3): deny Write/Edit/NotebookEdit, allow
// only a single whitelisted Bash program, deny reads of sensitive paths.
func NeedsPermissionCallback(t Tier) bool {
	return t == Favorite || t == Family || t == Bots || t == Unknown
}

// IsBlessed reports whether a tier counts as "blessed" for group-admission
// purposes (§4.4): any tier an owner would consider a trusted contact.
func IsBlessed(t Tier) bool {
	return t >= Favorite
}
