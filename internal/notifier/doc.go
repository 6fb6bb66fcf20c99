// Package notifier delivers operator messages to the log chat.
//
// Join confirmations, approval failures, flood waits and campaign reports all
// go through one async pipeline: a bounded queue drained by a small worker
// pool, throttled by a token bucket and retried with jittered backoff. A
// full queue drops the message rather than stalling the caller; operator
// messages are best-effort by contract.
package notifier
