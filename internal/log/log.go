// Package log wires every package in this module to a single named-logger
// convention, matching the eventlog.Logger("bitswap")/logging.Logger("…")
// idiom used throughout the Bitswap/IPFS stack this module implements.
package log

import (
	golog "github.com/ipfs/go-log"
)

// Logger returns a named logger for the given subsystem, e.g. "bitswap/session".
func Logger(subsystem string) *golog.ZapEventLogger {
	return golog.Logger(subsystem)
}
