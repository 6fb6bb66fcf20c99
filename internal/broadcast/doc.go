// Package broadcast runs announcement campaigns over the recipient store.
//
// A campaign walks a point-in-time snapshot of recipients strictly in order,
// one send at a time. Per-recipient failures are classified and counted, never
// fatal; store failures stop the loop. Delivery marks make an interrupted
// campaign resumable. At most one campaign runs per Engine.
package broadcast
