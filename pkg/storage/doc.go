// Package storage persists proxy state (tenants, modes, schedules, devices,
// payment requests) in an embedded BoltDB database. The Store interface is
// the only thing the rest of the code sees.
package storage
