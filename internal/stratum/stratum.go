package stratum

import (
	"fmt"
	"strconv"
	"strings"
)

// CurrentVersion is the stratification scheme in effect. Bumping it
// invalidates cross-version lookups by construction: a v2 key never
// matches v1 calibration, seed, or critic rows.
const CurrentVersion = 1

// Key is a versioned stratification tuple. Calibration, seed-safe, and
// critic lookups all key on the canonical string form, so the tuple is
// the only way a stratum identity is ever constructed.
type Key struct {
	Version  int
	Category string
	AgeBin   string
	Region   string
}

// New builds a Key under the current stratification version.
func New(category, ageBin, region string) Key {
	return Key{
		Version:  CurrentVersion,
		Category: category,
		AgeBin:   ageBin,
		Region:   region,
	}
}

// String renders the canonical form, e.g. "v1|roofing|age_20_40|pnw".
func (k Key) String() string {
	return fmt.Sprintf("v%d|%s|%s|%s", k.Version, k.Category, k.AgeBin, k.Region)
}

func (k Key) Validate() error {
	if k.Version <= 0 {
		return fmt.Errorf("stratum version must be positive, got %d", k.Version)
	}
	for _, part := range []struct {
		name  string
		value string
	}{
		{"category", k.Category},
		{"age_bin", k.AgeBin},
		{"region", k.Region},
	} {
		if strings.TrimSpace(part.value) == "" {
			return fmt.Errorf("stratum %s is required", part.name)
		}
		if strings.Contains(part.value, "|") {
			return fmt.Errorf("stratum %s must not contain '|'", part.name)
		}
	}
	return nil
}

// Parse decodes the canonical string form back into a Key.
func Parse(s string) (Key, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("malformed stratum key %q", s)
	}
	if !strings.HasPrefix(parts[0], "v") {
		return Key{}, fmt.Errorf("malformed stratum version in %q", s)
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "v"))
	if err != nil {
		return Key{}, fmt.Errorf("malformed stratum version in %q: %w", s, err)
	}
	key := Key{Version: version, Category: parts[1], AgeBin: parts[2], Region: parts[3]}
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	return key, nil
}
