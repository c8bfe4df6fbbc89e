package worker

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorClass decides the next state after a ledger call fails: transient
// failures re-queue with backoff, permanent ones go straight to FAILED.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassPermanent
)

var permanentMarkers = []string{
	"execution reverted",
	"invalid sender",
	"exceeds block gas limit",
	"gas limit reached",
	"intrinsic gas too low",
	"insufficient funds",
	"invalid opcode",
	"max code size exceeded",
}

// Classify maps a ledger or RPC error to an error class. Anything not
// recognizably permanent is treated as transient, since retrying a permanent
// failure only wastes an attempt while dropping a transient one loses work.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return ClassPermanent
		}
	}

	return ClassTransient
}

// alreadyBroadcast reports whether a broadcast error means the transaction
// (or one with its nonce) is already known to the network. This happens when
// the process crashed between send and record, or when the original of a
// replacement confirmed first.
func alreadyBroadcast(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "transaction underpriced") && strings.Contains(msg, "replacement")
}
