// Package defaults centralizes every tunable constant named in the
// specification so components never disagree on a magic number.
package defaults

import "time"

const (
	// ProviderSearchDelay is how long a session waits, still in Discovery,
	// before it kicks off a provider query (spec §4.9).
	ProviderSearchDelay = 1 * time.Second

	// RebroadcastDelay is the period of a session's broader want-have
	// rebroadcast while Stalled (spec §4.9).
	RebroadcastDelay = 60 * time.Second

	// BaseTickDelay is the initial Steady-state idle tick interval; it backs
	// off by 1.5x per consecutive empty tick up to MaxTickDelay (spec §4.9).
	BaseTickDelay = 1 * time.Second
	// MaxTickDelay caps the Steady-state idle tick backoff.
	MaxTickDelay = 60 * time.Second
	// TickBackoffFactor is the per-empty-tick multiplier applied to the idle
	// timer.
	TickBackoffFactor = 1.5
	// StalledTicks is K_stalled: consecutive empty ticks after which a Steady
	// session moves to the Stalled state and starts provider queries
	// (spec §4.9). A Stalled session does not return to Discovery.
	StalledTicks = 4

	// MinUsefulPeers is the number of useful candidate peers a session needs
	// before it leaves Discovery (spec §4.9).
	MinUsefulPeers = 1

	// MaxFallbackPeersPerWant bounds how many candidate peers (by RTT) a
	// session asks for a want-block when no peer is known to HAVE it
	// (spec §4.9 step 3).
	MaxFallbackPeersPerWant = 2

	// MessageQueueDebounce is the per-peer outbound batching window
	// (spec §4.5).
	MessageQueueDebounce = 20 * time.Millisecond
	// MaxMessageSize is the wire-equivalent size budget per outbound
	// message before it must be chunked (spec §4.5).
	MaxMessageSize = 16 * 1024
	// ResponseTimeout is the default per-entry response watchdog, adjusted
	// per peer by observed RTT (spec §4.5, §4.9).
	ResponseTimeout = 2 * time.Second
	// RebroadcastWorkInterval is how often a message queue resends
	// outstanding wants to counter message loss (spec §4.5).
	RebroadcastWorkInterval = 30 * time.Second
	// InitialSendBackoff is the base of the per-peer exponential send
	// backoff (spec §4.5).
	InitialSendBackoff = 100 * time.Millisecond
	// MaxSendBackoff caps the per-peer exponential send backoff.
	MaxSendBackoff = 1 * time.Minute
	// MaxConsecutiveSendFailures is the number of consecutive send failures
	// after which a message queue declares its peer unreachable
	// (spec §4.5).
	MaxConsecutiveSendFailures = 5
	// OutboundBufferSize is not referenced by the message queue: its
	// pending want and cancel sets have no size bound.
	OutboundBufferSize = 512

	// MaxOutstandingProviderQueries is K, the bounded concurrency of the
	// Provider Query Manager (spec §4.7).
	MaxOutstandingProviderQueries = 16
	// ProviderQueryTimeout bounds a single provider query (spec §4.7).
	ProviderQueryTimeout = 10 * time.Second

	// MaxBlockPresenceEntriesPerPeer bounds the per-peer LRU of HAS/DONT_HAVE
	// presence entries (spec §4.2/§3).
	MaxBlockPresenceEntriesPerPeer = 1024

	// BroadcastChannelCapacity is the shared, multi-reader block broadcast
	// channel's buffer (spec §5/§9).
	BroadcastChannelCapacity = 64

	// WatchdogRTTMultiplier and WatchdogBaseDelay compute a per-request
	// watchdog of RTT*3 + 1s (spec §4.9 step 5).
	WatchdogRTTMultiplier = 3
	WatchdogBaseDelay     = 1 * time.Second
	// DefaultRTTEstimate seeds a peer's RTT EWMA before any real sample
	// exists, so the first watchdog isn't absurdly short.
	DefaultRTTEstimate = 2 * time.Second
	// RTTEWMAWeight is the weight given to each new RTT sample in the EWMA.
	RTTEWMAWeight = 0.25
)
