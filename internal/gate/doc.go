// Package gate runs the join challenge for a restricted channel: a join
// request gets a challenge, a confirmation stores the user as a broadcast
// recipient and schedules a delayed approval.
package gate
