package redis

// Redis key naming conventions for crew records.
// All keys are prefixed with "crew:" to avoid collisions.

const keyPrefix = "crew:"

// recordKey returns the Hash key for a record entity: crew:record:{id}
func recordKey(id string) string { return keyPrefix + "record:" + id }

// tagKey returns the Set key tracking record IDs for a tag: crew:tag:{tag}
func tagKey(tag string) string { return keyPrefix + "tag:" + tag }

// writeIndexKey is the Sorted Set ordering record IDs by write time.
const writeIndexKey = keyPrefix + "record_index"
