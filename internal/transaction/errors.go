package transaction

import "errors"

// ErrTransactionTimedOut is the 408-like surfacing condition for a
// transaction that aged past giveUpAfter after at least one retransmit.
var ErrTransactionTimedOut = errors.New("transaction: no response received, giving up")

// ErrTransactionAbandoned is delivered to every outstanding callback when
// the layer is closed, e.g. on connection teardown.
var ErrTransactionAbandoned = errors.New("transaction: abandoned (connection closed)")
