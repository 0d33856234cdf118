// Package linking drives the account linking handshake for one owner at a time:
//
//	AwaitingPhone -> AwaitingCode -> [AwaitingPassword] -> Linked
//
// with Failed and Expired reachable from every non-terminal state.
//
// The in-progress attempt (PendingLink) is a versioned record sealed with the
// credential vault and persisted after every change, so a restart can resume
// code entry by restoring the exported unauthenticated session. Expiry is
// checked lazily on read.
package linking
