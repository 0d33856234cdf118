// Package notifier delivers broadcast and linking events to the owner's chat.
//
// Notify is fire-and-forget: events go into a bounded queue drained by a
// small worker pool behind a token bucket. A full queue drops the event and
// counts it; a failed send is retried a few times and then given up. Nothing
// here can block or fail the caller.
//
// The service keeps a small in-memory history of delivered lines for status
// output.
package notifier
