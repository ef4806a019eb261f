package interledger

import "errors"

// errReceiveChannelClosed is the Detail recorded on a synthesized failure
// Outcome when a Responder's receive channel closes without ever sending a
// value -- the "receive failure (thrown)" case, which the engine must treat
// identically to a reported failure to preserve the at-most-one
// commit-or-abort invariant.
var errReceiveChannelClosed = errors.New("responder receive channel closed without a result")
