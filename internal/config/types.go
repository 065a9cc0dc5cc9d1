// Package config loads the governor's static bootstrap configuration: the
// handful of settings that must exist before the policy store can open
// (interface names, addresses, file paths, cadences). Everything that
// changes at runtime (limits, quotas, schedules, access lists) lives in
// the policy store and the persisted database instead.
package config

// SecureString is a string that hides its value in String/JSON output.
// Used for the hotspot password loaded from the bootstrap file.
type SecureString string

func (s SecureString) String() string {
	if s == "" {
		return ""
	}
	return "(hidden)"
}

func (s SecureString) GoString() string {
	return "(hidden)"
}

// MarshalJSON masks the value wherever the config is serialized.
func (s SecureString) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte(`""`), nil
	}
	return []byte(`"(hidden)"`), nil
}

// UnmarshalText lets hclsimple decode a plain HCL string into SecureString.
func (s *SecureString) UnmarshalText(text []byte) error {
	*s = SecureString(string(text))
	return nil
}
