// Package storage persists the broadcast audience.
//
// Two logical sets live here:
//   - recipients: every user that passed the join challenge (append-only)
//   - delivered: recipients already sent the current campaign's draft
//
// plus a small campaign history used for status and digests.
// Both drivers ("sqlite", default, and "file") survive restarts.
package storage
