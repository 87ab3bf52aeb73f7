// Package featureflag toggles optional stages of a decomposition from the
// environment.
package featureflag

import (
	"sort"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/logs"
)

// FeatureFlag is a lookup map for features that is enabled or disabled
type FeatureFlag map[Flag]struct{}

// New return a new feature flags initialized with list of flags. Names are
// case insensitive and unknown ones are reported then ignored.
func New(flags []string) FeatureFlag {
	featureFlag := make(FeatureFlag)
	for _, f := range flags {
		flag := Flag(strings.ToUpper(strings.TrimSpace(f)))
		if flag == "" {
			continue
		}

		if _, ok := knownFlags[flag]; !ok {
			logs.WithTag("flag", f).Warn("unknown feature flag")
			continue
		}
		featureFlag[flag] = struct{}{}
	}
	return featureFlag
}

// IsSet reports whether flag is set.
func (f FeatureFlag) IsSet(flag Flag) bool {
	_, ok := f[flag]
	return ok
}

// IfSet runs function `do ` if flag is set in the feature flags
func (f FeatureFlag) IfSet(flag Flag, do func()) {
	if !f.IsSet(flag) {
		return
	}
	do()
}

// IfNotSet runs function `do` if flag is not set in the feature flags
func (f FeatureFlag) IfNotSet(flag Flag, do func()) {
	if f.IsSet(flag) {
		return
	}
	do()
}

// List returns the flags that are set, sorted.
func (f FeatureFlag) List() []string {
	flags := make([]string, 0, len(f))
	for flag := range f {
		flags = append(flags, string(flag))
	}
	sort.Strings(flags)
	return flags
}
