// Package quarrykv configures, opens, and tears down an embedded
// transactional LSM key/value store with two keyspaces.
//
// A flat DbOpts record is translated into tuned option profiles for the
// store as a whole and for each of its two keyspaces, the primary keyspace
// and the "relation" keyspace. Open applies the overrides in a fixed order,
// constructs the keyspace descriptors, and opens the transactional store,
// returning a DbHandle that owns the instance, both keyspace handles, and
// any custom comparators for as long as the handle lives.
//
// Closing the handle runs exactly once. With DestroyOnExit set, closing
// also deletes every file at the store's path; teardown failures are
// reported through the configured logger and never escalate.
package quarrykv
