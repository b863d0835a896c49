package reconcile

import (
	"time"

	"github.com/Seann-Moser/usersync/user"
)

// Stored field names touched by a sparse update.
const (
	FieldEmail          = "email"
	FieldFirstName      = "firstName"
	FieldLastName       = "lastName"
	FieldDisplayName    = "displayName"
	FieldStatus         = "status"
	FieldRoles          = "roles"
	FieldAccessStartAt  = "accessStartAt"
	FieldCreatedAt      = "createdAt"
	FieldLastModifiedAt = "lastModifiedAt"
)

// Update is a sparse field to value map applied to one stored record.
type Update map[string]any

// HasChanges reports whether the update carries anything besides the lastModifiedAt stamp.
func (u Update) HasChanges() bool {
	for k := range u {
		if k != FieldLastModifiedAt {
			return true
		}
	}
	return false
}

// PrepareUpdate computes the fields of existing that must change to match candidate.
// lastModifiedAt is always stamped; createdAt only when existing never had one.
func PrepareUpdate(existing, candidate *user.Record, now time.Time) Update {
	u := Update{FieldLastModifiedAt: now}

	setIfChanged := func(field, from, to string) {
		if from != to {
			u[field] = to
		}
	}
	setIfChanged(FieldEmail, existing.Email, candidate.Email)
	setIfChanged(FieldFirstName, existing.FirstName, candidate.FirstName)
	setIfChanged(FieldLastName, existing.LastName, candidate.LastName)
	setIfChanged(FieldDisplayName, existing.DisplayName, candidate.DisplayName)

	if existing.Status != candidate.Status {
		u[FieldStatus] = candidate.Status
	}
	if !sameTime(existing.AccessStartAt, candidate.AccessStartAt) {
		u[FieldAccessStartAt] = candidate.AccessStartAt
	}
	if !sameRoles(existing.Roles, candidate.Roles) {
		roles := candidate.Roles
		if roles == nil {
			roles = []user.Role{}
		}
		u[FieldRoles] = roles
	}
	if existing.CreatedAt == nil {
		u[FieldCreatedAt] = now
	}
	return u
}

// Apply copies the fields of u onto rec, as the store would after a sparse update.
func (u Update) Apply(rec *user.Record) {
	for k, v := range u {
		switch k {
		case FieldEmail:
			rec.Email = v.(string)
		case FieldFirstName:
			rec.FirstName = v.(string)
		case FieldLastName:
			rec.LastName = v.(string)
		case FieldDisplayName:
			rec.DisplayName = v.(string)
		case FieldStatus:
			rec.Status = v.(user.Status)
		case FieldRoles:
			rec.Roles = v.([]user.Role)
		case FieldAccessStartAt:
			rec.AccessStartAt = v.(*time.Time)
		case FieldCreatedAt:
			t := v.(time.Time)
			rec.CreatedAt = &t
		case FieldLastModifiedAt:
			t := v.(time.Time)
			rec.LastModifiedAt = &t
		}
	}
}

// MergeRoles unions stored and derived roles, keeping stored order first.
// Used only when role merging is configured; the default replaces roles wholesale.
func MergeRoles(stored, derived []user.Role) []user.Role {
	out := make([]user.Role, 0, len(stored)+len(derived))
	seen := make(map[user.Role]struct{}, len(stored)+len(derived))
	for _, list := range [][]user.Role{stored, derived} {
		for _, r := range list {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func sameRoles(a, b []user.Role) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
