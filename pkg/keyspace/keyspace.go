// Package keyspace builds the shared-store key names used by the admission
// controller. All three key families are colon-delimited strings; userId
// and jobId are opaque text that must never contain a colon (the HTTP
// boundary in pkg/importjob rejects such input before it reaches here).
package keyspace

import "strings"

// RunningSet returns the key for the set of jobIds currently admitted under
// (userId, tier). Cardinality of this set is the authoritative concurrency
// count for that pair.
func RunningSet(userID, tier string) string {
	return "user:" + userID + ":" + tier + ":jobs"
}

// SafetyKey returns the key whose presence marks a reservation as live.
func SafetyKey(userID, tier, jobID string) string {
	return "job:" + userID + ":" + tier + ":" + jobID
}

// CooldownKey returns the per-user cooldown key.
func CooldownKey(userID string) string {
	return "user:" + userID + ":cooldown"
}

// ContainsColon reports whether s contains the reserved key separator.
// A value containing it would corrupt key parsing; the HTTP boundary in
// pkg/importjob rejects such userId values with its own nocolon validator.
func ContainsColon(s string) bool {
	return strings.ContainsRune(s, ':')
}

// ParsedSafetyKey holds the result of splitting a safety key back into its
// components, as done by the expiry listener when it receives an expired
// key name.
type ParsedSafetyKey struct {
	UserID string
	Tier   string
	JobID  string
}

// ParseSafetyKey splits a key of the form "job:{userId}:{tier}:{jobId}"
// into its components. It requires exactly 4 colon-delimited segments
// (the literal "job" prefix plus the three fields); any other shape is
// rejected so the listener can log and ignore malformed events rather than
// panic on them.
func ParseSafetyKey(key string) (ParsedSafetyKey, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "job" {
		return ParsedSafetyKey{}, false
	}
	if parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return ParsedSafetyKey{}, false
	}
	return ParsedSafetyKey{UserID: parts[1], Tier: parts[2], JobID: parts[3]}, true
}

// ParsedRunningSetKey holds the result of splitting a running-set key back
// into its components, as done by the sweeper when it scans for orphans.
type ParsedRunningSetKey struct {
	UserID string
	Tier   string
}

// ParseRunningSetKey splits a key of the form "user:{userId}:{tier}:jobs"
// into its components. It requires exactly 4 colon-delimited segments with
// the literal "jobs" suffix; any other shape is rejected.
func ParseRunningSetKey(key string) (ParsedRunningSetKey, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "user" || parts[3] != "jobs" {
		return ParsedRunningSetKey{}, false
	}
	if parts[1] == "" || parts[2] == "" {
		return ParsedRunningSetKey{}, false
	}
	return ParsedRunningSetKey{UserID: parts[1], Tier: parts[2]}, true
}
