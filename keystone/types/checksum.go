package types

import "github.com/keystonedb/keystone/keystone/kerr"

// IsCorruption reports whether err is a kerr.Corruption error, a small
// convenience used by tests and callers inspecting decode failures.
func IsCorruption(err error) bool { return kerr.Is(err, kerr.Corruption) }
