// Package schedule decides which mode is in effect for a tenant at a given
// local time. Matching schedule windows win over the explicitly active mode.
package schedule
