// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package congestion implements the congestion-control engine of a QUIC-like
// transport: the component that decides, per connection, how many bytes may
// be outstanding on the wire and at what rate they may be sent. Two
// interchangeable algorithms are provided, a CUBIC variant with HyStart++
// slow-start exit and a BBR implementation, behind a single
// CongestionController contract.
//
// The engine is a pure in-process computation layer. It never starts timers,
// spawns goroutines, or performs I/O; idle and expiry handling is expressed
// as comparisons against caller-supplied clock values. A controller is owned
// by exactly one connection path and must be driven from that connection's
// serialized execution context.
package congestion

import (
	"math"
	"time"

	"github.com/pion/randutil"
)

// Use global random generator to properly seed by crypto grade random.
var globalMathRandomGenerator = randutil.NewMathRandomGenerator() // nolint:gochecknoglobals

const (
	// persistentCongestionWindowPackets is the window floor, in packets,
	// applied on persistent congestion.
	persistentCongestionWindowPackets = 2

	// minPacingRtt is the smoothed RTT below which pacing is not applied;
	// rate limiting such short paths costs more than it smooths.
	minPacingRtt = 1000 * time.Microsecond

	// rttUnsampled marks RTT state that has not seen a real sample yet.
	rttUnsampled = time.Duration(math.MaxInt64)
)

// CongestionController is the contract every caller of the engine uses. The
// algorithm is selected once, at construction; all operations dispatch to the
// active variant.
//
// The send path consults CanSend and GetSendAllowance before transmitting and
// reports with OnDataSent afterward. The receive path feeds
// OnDataAcknowledged for each processed ACK frame and OnDataLost when the
// loss-detection engine declares losses. OnDataAcknowledged and
// OnDataInvalidated report whether the operation unblocked a previously
// congestion-blocked connection so the caller can resume its send loop.
type CongestionController interface {
	// Reset re-enters the algorithm's initial state. BytesInFlight is
	// preserved unless fullReset is set.
	Reset(fullReset bool)

	CanSend() bool
	SetExemption(numPackets uint8)
	GetExemptions() uint8

	OnDataSent(numRetransmittableBytes uint32)
	OnDataInvalidated(numRetransmittableBytes uint32) bool
	OnDataAcknowledged(ack *AckEvent) bool
	OnDataLost(loss *LossEvent)

	// OnSpuriousCongestionEvent rolls back the most recent congestion
	// event if the algorithm supports it and the event was loss-triggered.
	// It reports whether any state was reverted.
	OnSpuriousCongestionEvent() bool

	// GetSendAllowance converts the window and the elapsed time since the
	// last send into a rate-limited byte allowance.
	GetSendAllowance(timeSinceLastSend time.Duration, timeSinceLastSendValid bool) uint32

	GetCongestionWindow() uint32
	GetBytesInFlightMax() uint32

	IsAppLimited() bool
	SetAppLimited()

	GetNetworkStatistics(stats *NetworkStatistics)
	LogOutFlowStatus()
}

// EcnHandler is implemented by controllers that respond to ECN-CE marks.
// CUBIC implements it; BBR deliberately does not, so the absence of an ECN
// response is checked at compile time rather than guarded at each call site.
type EcnHandler interface {
	OnEcn(ecn *EcnEvent)
}

// NetworkStatistics is a read-only snapshot of the controller and path state,
// exported for telemetry.
type NetworkStatistics struct {
	CongestionWindow uint32
	BytesInFlight    uint32
	SmoothedRTT      time.Duration
	MinRTT           time.Duration
	Bandwidth        Bandwidth
}

// NewCongestionController creates the controller selected by
// settings.Algorithm, fully initialized for the given path. It never fails.
func NewCongestionController(settings Settings, path *Path) CongestionController {
	settings.applyDefaults()

	if settings.Algorithm == AlgorithmBbr {
		return newBbr(settings, path)
	}

	return newCubic(settings, path)
}

// initialCongestionWindow computes packets*payload with the packet count
// capped so the window fits the window type at the current MTU.
func initialCongestionWindow(packets uint32, payload uint32) uint32 {
	if limit := uint32(math.MaxUint32) / payload; packets > limit {
		packets = limit
	}

	return packets * payload
}
