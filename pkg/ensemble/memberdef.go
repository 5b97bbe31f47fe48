package ensemble

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/maestro/pkg/errors"
)

// MemberType is advisory metadata describing what a member does.
// The runtime treats every member uniformly via the contract.
type MemberType string

// Standard member types.
const (
	MemberThink    MemberType = "Think"
	MemberFunction MemberType = "Function"
	MemberData     MemberType = "Data"
	MemberAPI      MemberType = "API"
	MemberMCP      MemberType = "MCP"
	MemberScoring  MemberType = "Scoring"
	MemberEmail    MemberType = "Email"
	MemberSMS      MemberType = "SMS"
	MemberForm     MemberType = "Form"
	MemberPage     MemberType = "Page"
	MemberHTML     MemberType = "HTML"
	MemberPDF      MemberType = "PDF"
)

// memberTypes is the set of recognized member types.
var memberTypes = map[MemberType]bool{
	MemberThink: true, MemberFunction: true, MemberData: true,
	MemberAPI: true, MemberMCP: true, MemberScoring: true,
	MemberEmail: true, MemberSMS: true, MemberForm: true,
	MemberPage: true, MemberHTML: true, MemberPDF: true,
}

// MemberDefinition is the on-disk metadata for a reusable member.
type MemberDefinition struct {
	// Name is the member identifier
	Name string `yaml:"name" json:"name"`

	// Type is advisory metadata (Think, Function, Data, ...)
	Type MemberType `yaml:"type" json:"type"`

	// Version is the member's semver version (e.g. "v1.2.0")
	Version string `yaml:"version" json:"version"`

	// Description explains what the member does
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Config is the member's static configuration, hashed into fingerprints
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// Schema declares optional input/output JSON Schemas
	Schema *MemberSchema `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// MemberSchema declares JSON Schemas for member I/O validation.
type MemberSchema struct {
	Input  map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
	Output map[string]any `yaml:"output,omitempty" json:"output,omitempty"`
}

// Validate checks the member definition for structural problems.
func (m *MemberDefinition) Validate() error {
	if m.Name == "" {
		return &errors.ValidationError{
			Field:   "name",
			Message: "member name is required",
		}
	}
	if !memberNamePattern.MatchString(m.Name) {
		return &errors.ValidationError{
			Field:      "name",
			Message:    fmt.Sprintf("invalid member name: %s", m.Name),
			Suggestion: "use lowercase letters, digits, hyphens and underscores, starting with a letter",
		}
	}
	if m.Type != "" && !memberTypes[m.Type] {
		return &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("unknown member type: %s", m.Type),
			Suggestion: "use one of: Think, Function, Data, API, MCP, Scoring, Email, SMS, Form, Page, HTML, PDF",
		}
	}
	if m.Version != "" && !semverPattern.MatchString(m.Version) {
		return &errors.ValidationError{
			Field:      "version",
			Message:    fmt.Sprintf("invalid member version: %s", m.Version),
			Suggestion: "use semver like v1.2.3",
		}
	}
	return nil
}

// ParseMember decodes and validates a member definition from YAML.
func ParseMember(data []byte) (*MemberDefinition, error) {
	var def MemberDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &errors.ValidationError{
			Field:      "yaml",
			Message:    fmt.Sprintf("failed to parse member definition: %s", err.Error()),
			Suggestion: "check YAML syntax and indentation",
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadMember reads and parses a member definition from a file.
func LoadMember(path string) (*MemberDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{
			Key:    "member",
			Reason: fmt.Sprintf("cannot read %s", path),
			Cause:  err,
		}
	}
	return ParseMember(data)
}

var (
	// memberNamePattern matches valid member names.
	memberNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

	// semverPattern matches versions like v1.2.3 (leading v optional).
	semverPattern = regexp.MustCompile(`^v?\d+\.\d+\.\d+$`)

	// labelPattern matches deployment labels like "production".
	labelPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
)

// VersionLatest is the sentinel version resolving to the highest semver.
const VersionLatest = "latest"

// SplitMemberRef splits a member reference "name" or "name@version" into
// its parts. The version is empty when absent.
func SplitMemberRef(ref string) (name, version string) {
	if idx := strings.IndexByte(ref, '@'); idx >= 0 {
		return ref[:idx], ref[idx+1:]
	}
	return ref, ""
}

// ValidateMemberRef checks the "name" / "name@version" grammar. The
// version may be semver, "latest", or a deployment label.
func ValidateMemberRef(ref string) error {
	name, version := SplitMemberRef(ref)
	if name == "" || !memberNamePattern.MatchString(name) {
		return &errors.ValidationError{
			Field:      "member",
			Message:    fmt.Sprintf("invalid member reference: %q", ref),
			Suggestion: "use 'name' or 'name@version' with a lowercase member name",
		}
	}
	if version == "" || version == VersionLatest {
		return nil
	}
	if semverPattern.MatchString(version) || labelPattern.MatchString(version) {
		return nil
	}
	return &errors.ValidationError{
		Field:      "member",
		Message:    fmt.Sprintf("invalid member version in %q", ref),
		Suggestion: "use semver (v1.2.3), 'latest', or a deployment label",
	}
}
