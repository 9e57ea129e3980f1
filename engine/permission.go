package engine

// =============================================================================
// PRINCIPAL - Acting user, as issued by identity/session
// =============================================================================

type Role string

const (
	// RoleAdmin is the platform administrator. Bypasses company checks.
	RoleAdmin Role = "admin"
	// RoleStaff is an institution user. Needs module grants.
	RoleStaff Role = "staff"
	// RoleVendor is a vendor-company user. Needs company-scoped module grants.
	RoleVendor Role = "vendor"
)

// Grant gives a principal action classes on one module. An empty CompanyID
// means institution-wide and is honoured only for staff principals.
type Grant struct {
	CompanyID CompanyID
	Module    Module
	Operate   bool
	Authorize bool
}

func (g Grant) allows(class ActionClass) bool {
	switch class {
	case ClassOperate:
		return g.Operate
	case ClassAuthorize:
		return g.Authorize
	}
	return false
}

type Principal struct {
	ID     PrincipalID
	Role   Role
	Grants []Grant
}

// =============================================================================
// PERMISSION GATE
// =============================================================================

// Authorize decides whether p may perform an action of the given class on
// module for a deliverable owned by company. It is a pure function of its
// arguments; callers evaluate it on every transition. Unknown or anonymous
// principals are denied, never reported as errors.
func Authorize(p Principal, module Module, class ActionClass, company CompanyID) bool {
	if p.ID == "" {
		return false
	}
	if class != ClassOperate && class != ClassAuthorize {
		return false
	}

	switch p.Role {
	case RoleAdmin:
		return true
	case RoleStaff:
		for _, g := range p.Grants {
			if g.Module != module {
				continue
			}
			if (g.CompanyID == "" || g.CompanyID == company) && g.allows(class) {
				return true
			}
		}
		return false
	case RoleVendor:
		if company == "" {
			return false
		}
		for _, g := range p.Grants {
			if g.Module == module && g.CompanyID == company && g.allows(class) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Companies returns the companies a vendor principal holds any grant for.
// Used to scope list queries; admin and staff return nil (no restriction).
func (p Principal) Companies() []CompanyID {
	if p.Role != RoleVendor {
		return nil
	}
	seen := make(map[CompanyID]bool)
	var out []CompanyID
	for _, g := range p.Grants {
		if g.CompanyID != "" && !seen[g.CompanyID] {
			seen[g.CompanyID] = true
			out = append(out, g.CompanyID)
		}
	}
	return out
}
