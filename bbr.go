// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package congestion

import (
	"time"

	"github.com/pion/logging"
)

// Fixed-point gains, in units of bbrUnit (1.0 == 256).
const (
	bbrUnit = 256

	// bbrHighGain is 2/ln(2), the startup gain that doubles the delivery
	// rate every round trip.
	bbrHighGain  = 739
	bbrDrainGain = 88

	bbrCwndGain = 2 * bbrUnit

	// bbrStartupGrowthTarget is the 1.25x round-over-round bandwidth growth
	// below which startup is considered to have filled the pipe.
	bbrStartupGrowthTarget    = 320
	bbrStartupSlowGrowthLimit = 3

	bbrGainCycleLength = 8

	bbrMinCwndPackets = 4

	// Filter windows, in round trips.
	bbrBandwidthFilterLength = 10
	bbrAckHeightFilterLength = 10

	bbrMinRttExpiry = 10 * time.Second
	bbrProbeRttTime = 200 * time.Millisecond
)

// bbrPacingGainCycle is the ProbeBw pacing schedule: one probing slot, one
// draining slot, six cruising slots.
var bbrPacingGainCycle = [bbrGainCycleLength]uint32{
	5 * bbrUnit / 4, 3 * bbrUnit / 4,
	bbrUnit, bbrUnit, bbrUnit, bbrUnit, bbrUnit, bbrUnit,
}

type bbrState uint8

const (
	bbrStateStartup bbrState = iota
	bbrStateDrain
	bbrStateProbeBw
	bbrStateProbeRtt
)

func (s bbrState) String() string {
	switch s {
	case bbrStateStartup:
		return "Startup"
	case bbrStateDrain:
		return "Drain"
	case bbrStateProbeBw:
		return "ProbeBw"
	case bbrStateProbeRtt:
		return "ProbeRtt"
	default:
		return "Unknown"
	}
}

type bbrRecoveryState uint8

const (
	bbrNotRecovery bbrRecoveryState = iota
	bbrRecoveryConservative
	bbrRecoveryGrowth
)

// bbr implements CongestionController using a delivery-rate model: the
// window follows the estimated bandwidth-delay product rather than a loss
// signal, with loss only gating a temporary recovery window.
type bbr struct {
	log  logging.LeveledLogger
	path *Path

	initialWindowPackets uint32
	pacingEnabled        bool

	state         bbrState
	recoveryState bbrRecoveryState

	congestionWindow        uint32
	initialCongestionWindow uint32
	recoveryWindow          uint32
	bytesInFlight           uint32
	bytesInFlightMax        uint32
	totalBytesAcked         uint64

	exemptions        uint8
	lastSendAllowance uint32

	cwndGain   uint32
	pacingGain uint32

	bandwidthFilter bandwidthFilter

	roundTripCounter uint64
	endOfRoundTrip   uint64

	minRtt               time.Duration
	minRttTimestamp      time.Time
	minRttTimestampValid bool

	// Startup pipe-fill detection.
	btlbwFound                    bool
	lastEstimatedStartupBandwidth Bandwidth
	slowStartupRoundCounter       uint32

	// ProbeBw gain cycling.
	pacingCycleIndex uint32
	cycleStart       time.Time

	// ProbeRtt bookkeeping.
	probeRttEndTime      time.Time
	probeRttEndTimeValid bool
	probeRttRound        uint64
	probeRttRoundValid   bool

	// Ack aggregation, compensated into the window once the bottleneck
	// bandwidth is known.
	maxAckHeightFilter       *windowedMax
	ackAggregationStart      time.Time
	ackAggregationStartValid bool
	aggregatedAckBytes       uint64

	endOfRecovery      uint64
	endOfRecoveryValid bool

	exitingQuiescence bool
}

func newBbr(settings Settings, path *Path) *bbr {
	b := &bbr{
		log:                  settings.LoggerFactory.NewLogger("congestion"),
		path:                 path,
		initialWindowPackets: settings.InitialWindowPackets,
		pacingEnabled:        settings.PacingEnabled,
	}
	b.Reset(true)

	return b
}

func (b *bbr) minCongestionWindow() uint32 {
	return bbrMinCwndPackets * b.path.datagramPayloadSize()
}

func (b *bbr) Reset(fullReset bool) {
	b.initialCongestionWindow = initialCongestionWindow(b.initialWindowPackets, b.path.datagramPayloadSize())
	b.congestionWindow = b.initialCongestionWindow
	b.recoveryWindow = b.initialCongestionWindow
	b.bytesInFlightMax = b.congestionWindow / 2
	b.totalBytesAcked = 0
	b.lastSendAllowance = 0

	b.state = bbrStateStartup
	b.recoveryState = bbrNotRecovery
	b.cwndGain = bbrHighGain
	b.pacingGain = bbrHighGain

	b.bandwidthFilter = newBandwidthFilter(bbrBandwidthFilterLength)
	b.roundTripCounter = 0
	b.endOfRoundTrip = 0

	b.minRtt = rttUnsampled
	b.minRttTimestampValid = false

	b.btlbwFound = false
	b.lastEstimatedStartupBandwidth = 0
	b.slowStartupRoundCounter = 0

	b.pacingCycleIndex = 0
	b.cycleStart = time.Time{}

	b.probeRttEndTimeValid = false
	b.probeRttRoundValid = false

	b.maxAckHeightFilter = newWindowedMax(bbrAckHeightFilterLength)
	b.ackAggregationStartValid = false
	b.aggregatedAckBytes = 0

	b.endOfRecoveryValid = false
	b.exitingQuiescence = false

	if fullReset {
		b.bytesInFlight = 0
	}
}

func (b *bbr) inRecovery() bool {
	return b.recoveryState != bbrNotRecovery
}

func (b *bbr) getBandwidth() Bandwidth {
	return b.bandwidthFilter.best(b.roundTripCounter)
}

// GetCongestionWindow reports the effective window: pinned to the floor while
// probing for RTT, clamped by the recovery window while in recovery.
func (b *bbr) GetCongestionWindow() uint32 {
	if b.state == bbrStateProbeRtt {
		return b.minCongestionWindow()
	}

	cwnd := b.congestionWindow
	if b.inRecovery() && b.recoveryWindow < cwnd {
		cwnd = b.recoveryWindow
	}

	return cwnd
}

// getTargetCwnd scales the bandwidth-delay product by gain. Before the first
// bandwidth or RTT sample the initial window stands in for the BDP.
func (b *bbr) getTargetCwnd(gain uint32) uint32 {
	bandwidth := b.getBandwidth()
	if bandwidth == 0 || b.minRtt == rttUnsampled {
		return uint64ToCwnd(uint64(gain) * uint64(b.initialCongestionWindow) / bbrUnit)
	}

	bdp := bandwidth.bytesPerInterval(b.minRtt)

	return uint64ToCwnd(uint64(gain) * bdp / bbrUnit)
}

func uint64ToCwnd(v uint64) uint32 {
	if v > uint64(^uint32(0)) {
		return ^uint32(0)
	}

	return uint32(v)
}

func (b *bbr) CanSend() bool {
	return b.bytesInFlight < b.GetCongestionWindow() || b.exemptions > 0
}

func (b *bbr) SetExemption(numPackets uint8) {
	b.exemptions = numPackets
}

func (b *bbr) GetExemptions() uint8 {
	return b.exemptions
}

func (b *bbr) OnDataSent(numRetransmittableBytes uint32) {
	if b.bytesInFlight == 0 && b.IsAppLimited() {
		b.exitingQuiescence = true
	}

	b.bytesInFlight += numRetransmittableBytes
	if b.bytesInFlight > b.bytesInFlightMax {
		b.bytesInFlightMax = b.bytesInFlight
	}

	if b.lastSendAllowance > numRetransmittableBytes {
		b.lastSendAllowance -= numRetransmittableBytes
	} else {
		b.lastSendAllowance = 0
	}

	if b.exemptions > 0 {
		b.exemptions--
	}
}

func (b *bbr) OnDataInvalidated(numRetransmittableBytes uint32) bool {
	wasBlocked := !b.CanSend()
	b.bytesInFlight -= numRetransmittableBytes

	return wasBlocked && b.CanSend()
}

func (b *bbr) GetSendAllowance(timeSinceLastSend time.Duration, timeSinceLastSendValid bool) uint32 {
	cwnd := b.GetCongestionWindow()
	if b.bytesInFlight >= cwnd {
		return 0
	}

	available := cwnd - b.bytesInFlight

	if !timeSinceLastSendValid ||
		!b.pacingEnabled ||
		!b.path.GotFirstRttSample ||
		b.path.SmoothedRtt < minPacingRtt {
		return available
	}

	if timeSinceLastSend >= b.path.SmoothedRtt {
		b.lastSendAllowance = available

		return available
	}

	// Project the window one RTT ahead using the current window gain.
	estimatedWnd := uint64(cwnd) * uint64(b.cwndGain) / bbrUnit

	allowance := uint64(b.lastSendAllowance) +
		estimatedWnd*uint64(timeSinceLastSend.Microseconds())/uint64(b.path.SmoothedRtt.Microseconds())
	if allowance > uint64(available) {
		allowance = uint64(available)
	}

	b.lastSendAllowance = uint32(allowance)

	return uint32(allowance)
}

func (b *bbr) OnDataAcknowledged(ack *AckEvent) bool { //nolint:cyclop
	wasBlocked := !b.CanSend()
	prevInflight := b.bytesInFlight
	b.bytesInFlight -= ack.NumRetransmittableBytes
	b.totalBytesAcked = ack.NumTotalAckedRetransmittableBytes

	if ack.IsImplicit {
		b.updateCongestionWindow(ack.NumRetransmittableBytes)

		return wasBlocked && b.CanSend()
	}

	newRoundTrip := false
	if ack.LargestAck >= b.endOfRoundTrip {
		b.roundTripCounter++
		b.endOfRoundTrip = ack.LargestSentPacketNumber
		newRoundTrip = true
	}

	b.bandwidthFilter.onAck(ack, b.roundTripCounter)

	minRttExpired := false
	if ack.MinRttValid {
		minRttExpired = b.minRttTimestampValid &&
			ack.TimeNow.Sub(b.minRttTimestamp) > bbrMinRttExpiry
		if minRttExpired || ack.MinRtt < b.minRtt {
			b.minRtt = ack.MinRtt
			b.minRttTimestamp = ack.TimeNow
			b.minRttTimestampValid = true
		}
	}

	b.updateAckAggregation(ack)

	if b.state == bbrStateProbeBw {
		b.handleAckInProbeBw(ack.TimeNow, prevInflight, ack.HasLoss)
	}

	if newRoundTrip && !b.IsAppLimited() {
		b.detectBottleneckBandwidth(ack.IsLargestAckedPacketAppLimited)
	}

	if b.state == bbrStateStartup && b.btlbwFound {
		b.transitToDrain()
	}

	if b.state == bbrStateDrain && b.bytesInFlight <= b.getTargetCwnd(bbrUnit) {
		b.transitToProbeBw(ack.TimeNow)
	}

	if b.state != bbrStateProbeRtt && minRttExpired && !b.exitingQuiescence {
		b.transitToProbeRtt()
	}
	b.exitingQuiescence = false

	if b.state == bbrStateProbeRtt {
		b.handleAckInProbeRtt(newRoundTrip, ack.TimeNow)
	}

	b.updateRecoveryState(ack.LargestAck, newRoundTrip)
	if b.inRecovery() {
		b.updateRecoveryWindow(ack.NumRetransmittableBytes)
	}

	b.updateCongestionWindow(ack.NumRetransmittableBytes)

	return wasBlocked && b.CanSend()
}

// updateAckAggregation measures how far acknowledgment arrivals run ahead of
// the bandwidth estimate. The excess is fed to the max ack height filter so
// the window can absorb aggregated ACK bursts without stalling.
func (b *bbr) updateAckAggregation(ack *AckEvent) {
	if !b.ackAggregationStartValid {
		b.ackAggregationStart = ack.TimeNow
		b.ackAggregationStartValid = true
		b.aggregatedAckBytes = uint64(ack.NumRetransmittableBytes)

		return
	}

	interval := ack.TimeNow.Sub(b.ackAggregationStart)
	expectedAckBytes := b.getBandwidth().bytesPerInterval(interval)

	if b.aggregatedAckBytes <= expectedAckBytes {
		// Arrival rate fell back to the estimate; start a new episode.
		b.aggregatedAckBytes = uint64(ack.NumRetransmittableBytes)
		b.ackAggregationStart = ack.TimeNow

		return
	}

	b.aggregatedAckBytes += uint64(ack.NumRetransmittableBytes)
	b.maxAckHeightFilter.Push(b.roundTripCounter, b.aggregatedAckBytes-expectedAckBytes)
}

func (b *bbr) handleAckInProbeBw(timeNow time.Time, prevInflight uint32, hasLoss bool) {
	shouldAdvance := timeNow.Sub(b.cycleStart) > b.minRtt

	if b.pacingGain > bbrUnit && !hasLoss && prevInflight < b.getTargetCwnd(b.pacingGain) {
		// The probing slot never filled its target; keep probing.
		shouldAdvance = false
	}

	if b.pacingGain < bbrUnit && b.bytesInFlight <= b.getTargetCwnd(bbrUnit) {
		// The queue has drained; no need to hold the low gain a full RTT.
		shouldAdvance = true
	}

	if shouldAdvance {
		b.pacingCycleIndex = (b.pacingCycleIndex + 1) % bbrGainCycleLength
		b.cycleStart = timeNow
		b.pacingGain = bbrPacingGainCycle[b.pacingCycleIndex]
	}
}

// detectBottleneckBandwidth marks the pipe as full after three rounds in
// which the bandwidth estimate grew less than 25%.
func (b *bbr) detectBottleneckBandwidth(lastAckedPacketAppLimited bool) {
	if b.btlbwFound || lastAckedPacketAppLimited {
		return
	}

	bandwidthTarget := Bandwidth(uint64(b.lastEstimatedStartupBandwidth) * bbrStartupGrowthTarget / bbrUnit)
	bandwidth := b.getBandwidth()

	if bandwidth >= bandwidthTarget {
		b.lastEstimatedStartupBandwidth = bandwidth
		b.slowStartupRoundCounter = 0

		return
	}

	b.slowStartupRoundCounter++
	if b.slowStartupRoundCounter >= bbrStartupSlowGrowthLimit {
		b.btlbwFound = true
		b.log.Debugf("[bbr] bottleneck bandwidth found: %d bytes/s", uint64(bandwidth))
	}
}

func (b *bbr) transitToDrain() {
	b.state = bbrStateDrain
	b.pacingGain = bbrDrainGain
	b.cwndGain = bbrHighGain
	b.log.Tracef("[bbr] state -> %s", b.state)
}

func (b *bbr) transitToProbeBw(timeNow time.Time) {
	b.state = bbrStateProbeBw
	b.cwndGain = bbrCwndGain

	// Randomize the entry slot, skipping the drain slot so competing flows
	// desynchronize their probes.
	random := uint32(globalMathRandomGenerator.Intn(bbrGainCycleLength - 1)) //nolint:gosec // G404
	b.pacingCycleIndex = (random + 2) % bbrGainCycleLength
	b.pacingGain = bbrPacingGainCycle[b.pacingCycleIndex]
	b.cycleStart = timeNow
	b.log.Tracef("[bbr] state -> %s (cycle slot %d)", b.state, b.pacingCycleIndex)
}

func (b *bbr) transitToStartup() {
	b.state = bbrStateStartup
	b.pacingGain = bbrHighGain
	b.cwndGain = bbrHighGain
	b.log.Tracef("[bbr] state -> %s", b.state)
}

func (b *bbr) transitToProbeRtt() {
	b.state = bbrStateProbeRtt
	b.pacingGain = bbrUnit
	b.probeRttEndTimeValid = false
	b.probeRttRoundValid = false
	b.log.Tracef("[bbr] state -> %s", b.state)
}

// handleAckInProbeRtt holds the window at the floor until the flight has
// drained to it, then for 200ms plus one full round trip, before refreshing
// the min RTT timestamp and leaving.
func (b *bbr) handleAckInProbeRtt(newRoundTrip bool, timeNow time.Time) {
	if !b.probeRttEndTimeValid {
		if b.bytesInFlight < b.minCongestionWindow()+b.path.datagramPayloadSize() {
			b.probeRttEndTime = timeNow.Add(bbrProbeRttTime)
			b.probeRttEndTimeValid = true
			b.probeRttRoundValid = false
		}

		return
	}

	if !b.probeRttRoundValid && newRoundTrip {
		b.probeRttRound = b.roundTripCounter
		b.probeRttRoundValid = true
	}

	if b.probeRttRoundValid && b.roundTripCounter > b.probeRttRound && timeNow.After(b.probeRttEndTime) {
		b.minRttTimestamp = timeNow
		b.minRttTimestampValid = true
		if b.btlbwFound {
			b.transitToProbeBw(timeNow)
		} else {
			b.transitToStartup()
		}
	}
}

func (b *bbr) updateRecoveryState(largestAck uint64, newRoundTrip bool) {
	if b.endOfRecoveryValid && largestAck > b.endOfRecovery {
		// Everything outstanding at the loss has been dealt with.
		b.recoveryState = bbrNotRecovery
		b.endOfRecoveryValid = false
		b.log.Tracef("[bbr] exit recovery")

		return
	}

	if b.recoveryState == bbrRecoveryConservative && newRoundTrip {
		b.recoveryState = bbrRecoveryGrowth
	}
}

func (b *bbr) updateRecoveryWindow(bytesAcked uint32) {
	if b.recoveryState == bbrRecoveryGrowth {
		b.recoveryWindow += bytesAcked
	}

	recoveryWindow := b.recoveryWindow
	if flight := b.bytesInFlight + bytesAcked; recoveryWindow < flight {
		recoveryWindow = flight
	}
	if floor := b.minCongestionWindow(); recoveryWindow < floor {
		recoveryWindow = floor
	}
	b.recoveryWindow = recoveryWindow
}

func (b *bbr) updateCongestionWindow(bytesAcked uint32) {
	if b.state == bbrStateProbeRtt {
		return
	}

	targetCwnd := b.getTargetCwnd(b.cwndGain)
	if b.btlbwFound {
		targetCwnd = uint64ToCwnd(uint64(targetCwnd) + b.maxAckHeightFilter.Max(b.roundTripCounter))
	}

	cwnd := b.congestionWindow
	switch {
	case b.btlbwFound:
		if grown := cwnd + bytesAcked; grown < targetCwnd {
			cwnd = grown
		} else {
			cwnd = targetCwnd
		}
	case cwnd < targetCwnd || b.totalBytesAcked < uint64(b.initialCongestionWindow):
		// Pipe not yet full; grow by what was delivered.
		cwnd += bytesAcked
	}

	if floor := b.minCongestionWindow(); cwnd < floor {
		cwnd = floor
	}
	b.congestionWindow = cwnd
}

func (b *bbr) OnDataLost(loss *LossEvent) {
	recoveryWindow := b.recoveryWindow
	if !b.inRecovery() {
		b.recoveryState = bbrRecoveryConservative
		recoveryWindow = b.bytesInFlight
		b.log.Tracef("[bbr] enter recovery, inflight=%d", b.bytesInFlight)
	}

	b.endOfRecovery = loss.LargestSentPacketNumber
	b.endOfRecoveryValid = true

	b.bytesInFlight -= loss.NumRetransmittableBytes

	if loss.PersistentCongestion {
		b.recoveryWindow = persistentCongestionWindowPackets * b.path.datagramPayloadSize()
		b.log.Debugf("[bbr] persistent congestion, recovery window=%d", b.recoveryWindow)

		return
	}

	if recoveryWindow > loss.NumRetransmittableBytes {
		recoveryWindow -= loss.NumRetransmittableBytes
	} else {
		recoveryWindow = 0
	}
	if floor := b.minCongestionWindow(); recoveryWindow < floor {
		recoveryWindow = floor
	}
	b.recoveryWindow = recoveryWindow
}

// OnSpuriousCongestionEvent reports false; the model-based window does not
// keep a rollback snapshot, the bandwidth filter simply recovers on its own.
func (b *bbr) OnSpuriousCongestionEvent() bool {
	return false
}

func (b *bbr) IsAppLimited() bool {
	return b.bandwidthFilter.appLimited
}

// SetAppLimited marks subsequent bandwidth samples as application limited so
// they cannot drag the estimate down. Ignored while congestion limited.
func (b *bbr) SetAppLimited() {
	if b.bytesInFlight > b.GetCongestionWindow() {
		return
	}

	b.bandwidthFilter.appLimited = true
	b.bandwidthFilter.appLimitedExitTarget = b.path.LargestSentPacketNumber
}

func (b *bbr) GetBytesInFlightMax() uint32 {
	return b.bytesInFlightMax
}

func (b *bbr) GetNetworkStatistics(stats *NetworkStatistics) {
	stats.CongestionWindow = b.GetCongestionWindow()
	stats.BytesInFlight = b.bytesInFlight
	stats.SmoothedRTT = b.path.SmoothedRtt
	stats.MinRTT = b.minRtt
	if !b.minRttTimestampValid {
		stats.MinRTT = 0
	}
	stats.Bandwidth = b.getBandwidth()
}

func (b *bbr) LogOutFlowStatus() {
	b.log.Tracef("[bbr] out flow: state=%s cwnd=%d inflight=%d bw=%d recovery=%v",
		b.state, b.GetCongestionWindow(), b.bytesInFlight, uint64(b.getBandwidth()), b.inRecovery())
}
