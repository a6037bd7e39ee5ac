package access

import (
	"slices"

	"flowext/api/internal/extension"
)

type Role string

const (
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleAdmin       Role = "admin"
)

const (
	DefaultAdminGroup       = "ABC_BOOMI_FLOW_ADMIN"
	DefaultContributorGroup = "ABC_BOOMI_FLOW_CONTRIBUTOR"
)

// ConfirmThreshold is the number of processes sharing an entity at which a
// save must be confirmed by the user.
const ConfirmThreshold = 2

// Config names the host groups that grant admin and contributor capability.
type Config struct {
	AdminGroup       string
	ContributorGroup string
}

func DefaultConfig() Config {
	return Config{
		AdminGroup:       DefaultAdminGroup,
		ContributorGroup: DefaultContributorGroup,
	}
}

// Policy answers edit permission questions for one user over one set of
// access mappings. It holds no mutable state.
type Policy struct {
	cfg      Config
	groups   []string
	isAdmin  bool
	byEntity map[string][]extension.AccessMapping
}

func New(cfg Config, mappings []extension.AccessMapping, groups []string, isAdmin bool) *Policy {
	byEntity := make(map[string][]extension.AccessMapping)
	for _, mapping := range mappings {
		for _, id := range mapping.ExtensionIDs {
			byEntity[id] = append(byEntity[id], mapping)
		}
	}
	return &Policy{
		cfg:      cfg,
		groups:   slices.Clone(groups),
		isAdmin:  isAdmin,
		byEntity: byEntity,
	}
}

func (p *Policy) EffectiveAdmin() bool {
	return p.isAdmin || slices.Contains(p.groups, p.cfg.AdminGroup)
}

func (p *Policy) IsContributor() bool {
	return slices.Contains(p.groups, p.cfg.ContributorGroup)
}

func (p *Policy) Role() Role {
	switch {
	case p.EffectiveAdmin():
		return RoleAdmin
	case p.IsContributor():
		return RoleContributor
	default:
		return RoleViewer
	}
}

// CanEdit reports whether the entity may be edited. An admin-only mapping is a
// veto for non-admins even when other mappings referencing the entity are not
// admin-only.
func (p *Policy) CanEdit(entityID string) bool {
	if p.EffectiveAdmin() {
		return true
	}
	if p.IsAdminOnly(entityID) {
		return false
	}
	return p.IsContributor()
}

// IsConnectionEntity is a plain membership test.
func IsConnectionEntity(entityID string, connectionIDs map[string]struct{}) bool {
	_, ok := connectionIDs[entityID]
	return ok
}

// CanEditEntity combines CanEdit with the rule that connections always require
// an admin.
func (p *Policy) CanEditEntity(entityID string, connectionIDs map[string]struct{}) bool {
	if !p.CanEdit(entityID) {
		return false
	}
	return !IsConnectionEntity(entityID, connectionIDs) || p.EffectiveAdmin()
}

// AuthorizedProcesses returns the names of every process referencing the
// entity, in mapping order and without deduplication.
func (p *Policy) AuthorizedProcesses(entityID string) []string {
	mappings := p.byEntity[entityID]
	names := make([]string, 0, len(mappings))
	for _, mapping := range mappings {
		names = append(names, mapping.ProcessName)
	}
	return names
}

func (p *Policy) IsShared(entityID string) bool {
	return len(p.byEntity[entityID]) > 1
}

func (p *Policy) IsAdminOnly(entityID string) bool {
	return slices.ContainsFunc(p.byEntity[entityID], func(m extension.AccessMapping) bool {
		return m.AdminOnly
	})
}

func (p *Policy) RequiresConfirmation(entityID string) bool {
	return len(p.byEntity[entityID]) >= ConfirmThreshold
}
