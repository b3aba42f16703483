// Package storage wraps an embedded key/value store behind the narrow
// set/string/counter/hash contract the scheduler, project registry and
// metadata server are written against, so the backing engine stays an
// implementation detail.
package storage

import "fmt"

// Key names from the data model (§3/§4.C): a set of project keys, one
// string record per project, an atomic build-id counter, and one hash per
// build/instance record.
const (
	ProjectsSet  = "projects"
	BuildCounter = "builds"
)

// ProjectKey returns the string-store key holding a project's repo URL.
func ProjectKey(key string) string { return "project:" + key }

// BuildKey returns the hash key holding one build's fields.
func BuildKey(id int64) string { return fmt.Sprintf("build:%d", id) }

// InstanceKey returns the hash key holding one instance's rendezvous record.
func InstanceKey(uuid string) string { return "instancedata:" + uuid }

// Store is the state-store contract from the data model: a set of project
// keys, string-valued project records, an atomic build-id counter, and
// hash-valued build and instance rendezvous records. Every method fails with
// an *ipderrors.Error of kind Store on transport or protocol error.
type Store interface {
	// SAdd adds member to the set at key. It reports whether the set grew
	// (false means member was already present - the signal callers use for
	// "already exists", not an error).
	SAdd(key, member string) (bool, error)
	// SRem removes member from the set at key. Removing an absent member is
	// not an error.
	SRem(key, member string) error
	// SMembers returns all members of the set at key, in no particular order.
	SMembers(key string) ([]string, error)

	// Get returns the string value at key and whether it was present.
	Get(key string) (string, bool, error)
	// Set stores value at key, replacing any existing value.
	Set(key, value string) error
	// Del removes key. Deleting an absent key is not an error.
	Del(key string) error

	// Incr atomically increments the integer counter at key and returns the
	// new value. A counter absent beforehand starts at 0.
	Incr(key string) (int64, error)

	// HMSet atomically writes fields into the hash at key, leaving any
	// fields not named in fields untouched.
	HMSet(key string, fields map[string]string) error
	// HGet returns one field of the hash at key and whether it was present.
	HGet(key, field string) (string, bool, error)
	// HGetAll returns every field of the hash at key.
	HGetAll(key string) (map[string]string, error)

	// UnregisterProject removes key from the "projects" set and deletes
	// "project:<key>" in one transaction, the way the project registry's
	// unregister operation requires. Idempotent on a missing key.
	UnregisterProject(key string) error

	Close() error
}
