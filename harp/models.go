package harp

import (
	"net/http"
	"strings"
	"time"
)

// RoleNotFoundCode is returned by getUserRoles when the identity has no role record yet.
const RoleNotFoundCode = "ERR-ROLECREATION-027"

// TimestampLayout is the layout HARP uses for every date string it returns.
const TimestampLayout = "2006-01-02 15:04:05"

// UserDetailsRequest is the body of a findUser bulk detail lookup.
type UserDetailsRequest struct {
	ProgramName string              `json:"programName"`
	Attributes  map[string][]string `json:"attributes"`
	Details     string              `json:"details"`
	Offset      int                 `json:"offset"`
	Max         int                 `json:"max"`
}

// UserDetailsResponse is the findUser answer.
type UserDetailsResponse struct {
	Msg          string       `json:"msg"`
	DisplayCount string       `json:"displaycount"`
	TotalCount   string       `json:"totalcount"`
	UserDetails  []UserDetail `json:"userdetails"`
	ErrorCode    string       `json:"errorCode,omitempty"`
}

// UserDetail is one entry of a bulk detail lookup. HARP returns many more
// properties; only the ones the sync reads are mapped.
type UserDetail struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	FirstName   string `json:"firstname"`
	LastName    string `json:"lastname"`
	DisplayName string `json:"displayname"`
	CreateDate  string `json:"createdate"`
	UpdateDate  string `json:"updatedate"`
	Enabled     string `json:"enabled"`
	UserKey     int    `json:"userKey"`
}

// FindDetail returns the entry whose username matches harpID case-insensitively.
func (r *UserDetailsResponse) FindDetail(harpID string) (UserDetail, bool) {
	if r == nil {
		return UserDetail{}, false
	}
	for _, d := range r.UserDetails {
		if strings.EqualFold(d.Username, harpID) {
			return d, true
		}
	}
	return UserDetail{}, false
}

// UserRolesRequest is the body of a getUserRoles call.
type UserRolesRequest struct {
	UserName    string `json:"userName"`
	AdoName     string `json:"adoName"`
	ProgramName string `json:"programName"`
}

// UserRolesResponse is the getUserRoles answer on a 2xx status.
type UserRolesResponse struct {
	Success        bool       `json:"success"`
	UserRoles      []UserRole `json:"userRoles"`
	TotalRoleCount int        `json:"totalRoleCount"`
	Message        string     `json:"message"`
}

// UserRole is one role assignment of a user in some program.
type UserRole struct {
	Status      string `json:"status"`
	OrgName     string `json:"orgName"`
	ProgramName string `json:"programName"`
	DisplayName string `json:"displayName"`
	RoleType    string `json:"roleType"`
	RoleValue   string `json:"roleValue"`
	StartDate   string `json:"startDate"`
	IsSoRole    bool   `json:"isSoRole"`
	SystemName  string `json:"systemName"`
}

// ErrorResponse is the body HARP sends with a non-2xx status.
type ErrorResponse struct {
	ErrorCode    string `json:"errorCode"`
	ErrorSummary string `json:"errorSummary"`
	ErrorMessage string `json:"errorMessage"`
	Details      string `json:"details"`
}

// RolesOutcome is the result of one getUserRoles call. It is either a
// RolesSuccess or a RolesError.
type RolesOutcome interface {
	rolesOutcome()
}

// RolesSuccess carries the roles of a parsed getUserRoles answer.
type RolesSuccess struct {
	StatusCode int
	Roles      []UserRole
}

// RolesError carries a non-2xx answer. Code is empty when the error body could
// not be parsed.
type RolesError struct {
	StatusCode int
	Code       string
	Summary    string
	Message    string
	Raw        string
}

func (RolesSuccess) rolesOutcome() {}
func (RolesError) rolesOutcome()   {}

// OK reports whether StatusCode is 2xx.
func (s RolesSuccess) OK() bool {
	return s.StatusCode >= http.StatusOK && s.StatusCode < http.StatusMultipleChoices
}

// ParseTimestamp parses a HARP date string in the local zone. Empty or
// malformed input yields nil.
func ParseTimestamp(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	t, err := time.ParseInLocation(TimestampLayout, value, time.Local)
	if err != nil {
		return nil
	}
	return &t
}
