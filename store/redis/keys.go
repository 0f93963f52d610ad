package redis

// Redis key naming conventions for retake data.
// All keys are prefixed with "retake:" to avoid collisions.

const keyPrefix = "retake:"

// sessionKey returns the key for a session blob: retake:session:{jobKey}
func sessionKey(jobKey string) string { return keyPrefix + "session:" + jobKey }

// sessionIDsKey is the Set tracking all session job keys for enumeration.
const sessionIDsKey = keyPrefix + "session_ids"

// prefsKey returns the key for a preferences blob: retake:prefs:{jobKey}
func prefsKey(jobKey string) string { return keyPrefix + "prefs:" + jobKey }

// summaryKey returns the key for a summary blob: retake:summary:{jobKey}
func summaryKey(jobKey string) string { return keyPrefix + "summary:" + jobKey }

// promptKey returns the key for buffered prompt text: retake:prompt:{route}
func promptKey(route string) string { return keyPrefix + "prompt:" + route }

// aliasKey maps an external identifier to a job key: retake:alias:{alias}
func aliasKey(alias string) string { return keyPrefix + "alias:" + alias }

// aliasIndexKey is the Set of aliases bound to one job, for rekeying on
// job migration: retake:alias_idx:{jobKey}
func aliasIndexKey(jobKey string) string { return keyPrefix + "alias_idx:" + jobKey }

// activeJobKey stores the active-job pointer.
const activeJobKey = keyPrefix + "active_job"
