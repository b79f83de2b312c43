// ABOUTME: Cube data model enums and identity types
// ABOUTME: Value types, lifecycle status, cube identity and summaries

package cube

import (
	"fmt"
	"strings"
	"time"
)

// ValueType is the declared coordinate type of an axis
type ValueType int

const (
	TypeString ValueType = iota + 1
	TypeLong
	TypeDouble
	TypeDate
	TypeExpression
	TypeComparable
)

var valueTypeNames = map[ValueType]string{
	TypeString:     "STRING",
	TypeLong:       "LONG",
	TypeDouble:     "DOUBLE",
	TypeDate:       "DATE",
	TypeExpression: "EXPRESSION",
	TypeComparable: "COMPARABLE",
}

func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ValueType(%d)", int(t))
}

// Valid reports whether t is a supported axis value type
func (t ValueType) Valid() bool {
	_, ok := valueTypeNames[t]
	return ok
}

// ParseValueType maps a type name (case-insensitive) to a ValueType
func ParseValueType(s string) (ValueType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for t, n := range valueTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, &Error{Kind: KindInvalid, Err: ErrInvalidAxisType, Detail: fmt.Sprintf("unsupported value type %q", s)}
}

// Status is the lifecycle state of a cube version
type Status int

const (
	StatusAny Status = iota
	StatusSnapshot
	StatusRelease
)

func (s Status) String() string {
	switch s {
	case StatusSnapshot:
		return "SNAPSHOT"
	case StatusRelease:
		return "RELEASE"
	}
	return ""
}

// ParseStatus maps "SNAPSHOT"/"RELEASE" (case-insensitive) to a Status.
// The empty string maps to StatusAny.
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return StatusAny, nil
	case "SNAPSHOT":
		return StatusSnapshot, nil
	case "RELEASE":
		return StatusRelease, nil
	}
	return StatusAny, &Error{Kind: KindInvalid, Err: ErrInvalidArgument, Detail: fmt.Sprintf("unknown status %q", s)}
}

// Identity uniquely names a cube: (name, application, version, status).
// Names compare case-insensitively.
type Identity struct {
	App     string
	Version string
	Status  Status
	Name    string
}

// NameKey is the case-folded name used for uniqueness checks
func (id Identity) NameKey() string {
	return strings.ToLower(id.Name)
}

// Same reports whether two identities address the same cube
func (id Identity) Same(o Identity) bool {
	return id.App == o.App && id.Version == o.Version && id.Status == o.Status && strings.EqualFold(id.Name, o.Name)
}

// WithStatus returns a copy of id with a different status
func (id Identity) WithStatus(s Status) Identity {
	id.Status = s
	return id
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", id.App, id.Version, id.Status, id.Name)
}

// Ref names a cube referenced from a formula
type Ref struct {
	Name    string `json:"name"`
	App     string `json:"app"`
	Version string `json:"version"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s/%s", r.App, r.Version, r.Name)
}

// Summary is the list-view of a cube
type Summary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	App       string    `json:"app"`
	Version   string    `json:"version"`
	Status    string    `json:"status"`
	SHA       string    `json:"sha"`
	AxisCount int       `json:"axisCount"`
	CellCount int       `json:"cellCount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Identity reconstructs the identity of the summarized cube
func (s Summary) Identity() Identity {
	st, _ := ParseStatus(s.Status)
	return Identity{App: s.App, Version: s.Version, Status: st, Name: s.Name}
}
