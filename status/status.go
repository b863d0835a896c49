// Package status turns a HARP roles answer into the lifecycle state and role
// list stored on a user record.
package status

import (
	"strings"
	"time"

	"github.com/Seann-Moser/usersync/harp"
	"github.com/Seann-Moser/usersync/user"
)

const activeRoleStatus = "Active"

// Result is what a roles answer means for the local record.
type Result struct {
	Status user.Status
	Roles  []user.Role
	// AccessStartAt is only set for ACTIVE users.
	AccessStartAt *time.Time
}

// Derive maps the outcome of a getUserRoles call to a status and the roles the
// user holds in homeProgram.
//
// A missing outcome or a HARP error is DEACTIVATED when HARP says the user has
// no role record, ERROR_SUSPENDED otherwise. A successful answer is ACTIVE when
// at least one active role of homeProgram exists, DEACTIVATED otherwise.
func Derive(outcome harp.RolesOutcome, homeProgram string) Result {
	switch o := outcome.(type) {
	case *harp.RolesSuccess:
		if o == nil {
			break
		}
		return Derive(*o, homeProgram)
	case *harp.RolesError:
		if o == nil {
			break
		}
		return Derive(*o, homeProgram)
	case harp.RolesSuccess:
		if !o.OK() {
			return Result{Status: user.StatusErrorSuspended, Roles: []user.Role{}}
		}
		roles := ActiveProgramRoles(o.Roles, homeProgram)
		if len(roles) == 0 {
			return Result{Status: user.StatusDeactivated, Roles: []user.Role{}}
		}
		return Result{
			Status:        user.StatusActive,
			Roles:         roles,
			AccessStartAt: MostRecentStartDate(o.Roles),
		}
	case harp.RolesError:
		if o.Code == harp.RoleNotFoundCode {
			return Result{Status: user.StatusDeactivated, Roles: []user.Role{}}
		}
		return Result{Status: user.StatusErrorSuspended, Roles: []user.Role{}}
	}
	return Result{Status: user.StatusErrorSuspended, Roles: []user.Role{}}
}

// ActiveProgramRoles keeps the active roles of program, matched case-insensitively.
func ActiveProgramRoles(roles []harp.UserRole, program string) []user.Role {
	out := make([]user.Role, 0, len(roles))
	for _, r := range roles {
		if !strings.EqualFold(r.ProgramName, program) || !strings.EqualFold(r.Status, activeRoleStatus) {
			continue
		}
		out = append(out, user.Role{Role: r.DisplayName, RoleType: r.RoleType})
	}
	return out
}

// MostRecentStartDate returns the latest parsable start date of roles, or nil.
func MostRecentStartDate(roles []harp.UserRole) *time.Time {
	var latest *time.Time
	for _, r := range roles {
		t := harp.ParseTimestamp(r.StartDate)
		if t == nil {
			continue
		}
		if latest == nil || t.After(*latest) {
			latest = t
		}
	}
	return latest
}
