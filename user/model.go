package user

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// =============================================================================
// Core Data Structures
// =============================================================================

// Status is the lifecycle state of a user as derived from HARP.
type Status string

const (
	StatusActive         Status = "ACTIVE"
	StatusDeactivated    Status = "DEACTIVATED"
	StatusErrorSuspended Status = "ERROR_SUSPENDED"
)

// Role is a HARP role the user holds in the home program.
type Role struct {
	Role     string `bson:"role" json:"role"`
	RoleType string `bson:"roleType" json:"roleType"`
}

// Record is the locally persisted user. HarpID is the unique key and is
// stored lower-cased.
type Record struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	HarpID         string             `bson:"harpId" json:"harpId"`
	Email          string             `bson:"email,omitempty" json:"email,omitempty"`
	FirstName      string             `bson:"firstName,omitempty" json:"firstName,omitempty"`
	LastName       string             `bson:"lastName,omitempty" json:"lastName,omitempty"`
	DisplayName    string             `bson:"displayName,omitempty" json:"displayName,omitempty"`
	Status         Status             `bson:"status,omitempty" json:"status,omitempty"`
	Roles          []Role             `bson:"roles,omitempty" json:"roles,omitempty"`
	AccessStartAt  *time.Time         `bson:"accessStartAt,omitempty" json:"accessStartAt,omitempty"`
	CreatedAt      *time.Time         `bson:"createdAt,omitempty" json:"createdAt,omitempty"`
	LastModifiedAt *time.Time         `bson:"lastModifiedAt,omitempty" json:"lastModifiedAt,omitempty"`
	LastLoginAt    *time.Time         `bson:"lastLoginAt,omitempty" json:"lastLoginAt,omitempty"`
}

// Details is the identity subset of a record handed to other services.
type Details struct {
	HarpID    string `json:"harpId"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Activity is one row of the user activity report.
type Activity struct {
	HarpID        string     `json:"harpId"`
	FirstName     string     `json:"firstName,omitempty"`
	LastName      string     `json:"lastName,omitempty"`
	Email         string     `json:"email,omitempty"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
	AccessStartAt *time.Time `json:"accessStartAt,omitempty"`
	Status        Status     `json:"status,omitempty"`
}

// Page is one page of harp ids walked by the sync job.
type Page struct {
	HarpIDs []string
	HasMore bool
}

// NormalizeID returns the store key for a HARP id.
func NormalizeID(harpID string) string {
	return strings.ToLower(strings.TrimSpace(harpID))
}

func (r *Record) Details() Details {
	return Details{
		HarpID:    r.HarpID,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Email:     r.Email,
	}
}

func (r *Record) Activity() Activity {
	return Activity{
		HarpID:        r.HarpID,
		FirstName:     r.FirstName,
		LastName:      r.LastName,
		Email:         r.Email,
		LastLoginAt:   r.LastLoginAt,
		AccessStartAt: r.AccessStartAt,
		Status:        r.Status,
	}
}
