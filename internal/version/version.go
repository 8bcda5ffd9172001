// Package version provides version information and target description
// schema compatibility checks.
package version

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const (
	// Version is the current version of probe-gdb
	Version = "0.4.0"

	// SchemaVersion is the newest target description schema this build understands
	SchemaVersion = "1.1.0"

	// SchemaConstraint accepts every description written for a compatible schema
	SchemaConstraint = "^1.0"
)

var maxSchema = semver.MustParse(SchemaVersion)

// CheckSchema reports whether a description written for schema version v can
// be loaded. An empty version predates versioning and is accepted.
func CheckSchema(v string) error {
	if v == "" {
		return nil
	}

	parsed, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid schema version %q: %w", v, err)
	}

	c, err := semver.NewConstraint(SchemaConstraint)
	if err != nil {
		return err
	}
	if !c.Check(parsed) {
		return fmt.Errorf("schema version %s is not compatible with %s", parsed, SchemaConstraint)
	}
	if parsed.GreaterThan(maxSchema) {
		return fmt.Errorf("schema version %s is newer than supported %s", parsed, SchemaVersion)
	}
	return nil
}

// GetVersion returns the current version
func GetVersion() string {
	return Version
}
