// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package congestion

import (
	"math"
	"time"

	"github.com/pion/logging"
)

// CUBIC constants (RFC 8312/9438). BETA = 0.7 and C = 0.4 are carried as
// tenths to keep the window arithmetic in integers.
const (
	tenTimesBetaCubic = 7
	tenTimesCCubic    = 4

	// maxDeltaT bounds the cubic curve's time input, in ms; past this the
	// curve has long since been capped by the in-flight limit anyway.
	maxDeltaT = 2500000
)

// HyStart++ parameters (RFC 9406).
const (
	hyStartAckSamplingCount     = 8
	hyStartMinEta               = 4 * time.Millisecond
	hyStartMaxEta               = 16 * time.Millisecond
	hyStartConservativeRounds   = 5
	hyStartConservativeDivisor  = 2
	hyStartDefaultGrowthDivisor = 1
)

type hyStartState uint8

const (
	hyStartNotStarted hyStartState = iota
	hyStartActive
	hyStartDone
)

// cubicSnapshot is the pre-congestion-event state kept for spurious-loss
// rollback. It is populated on loss-triggered congestion events only; ECN
// reductions are never rolled back.
type cubicSnapshot struct {
	congestionWindow   uint32
	slowStartThreshold uint32
	windowMax          uint32
	windowLastMax      uint32
	windowPrior        uint32
	kCubic             uint64
	aimdWindow         uint32
}

// cubic implements CongestionController using the CUBIC growth curve with
// HyStart++ slow-start exit.
type cubic struct {
	log  logging.LeveledLogger
	path *Path

	initialWindowPackets uint32
	sendIdleTimeout      time.Duration
	hyStartEnabled       bool
	ecnEnabled           bool
	pacingEnabled        bool

	congestionWindow   uint32
	slowStartThreshold uint32 // MaxUint32 until sampled
	bytesInFlight      uint32
	bytesInFlightMax   uint32

	// Cubic curve anchors. windowMax is the window at the last congestion
	// event, windowLastMax the one before that (for fast convergence),
	// windowPrior the window just before the last reduction.
	windowMax     uint32
	windowLastMax uint32
	windowPrior   uint32

	// kCubic is the time for the curve to climb back to windowMax, in ms.
	kCubic uint64

	// AIMD-friendliness window, grown one datagram per window's worth of
	// acked bytes (half rate below windowPrior).
	aimdWindow      uint32
	aimdAccumulator uint32

	timeOfCongAvoidStart time.Time
	timeOfLastAck        time.Time
	timeOfLastAckValid   bool

	lastSendAllowance uint32

	isInRecovery             bool
	isInPersistentCongestion bool
	hasHadCongestionEvent    bool
	recoverySentPacketNumber uint64

	exemptions uint8

	// HyStart++ sub-state.
	hyStartState                hyStartState
	minRttInLastRound           time.Duration
	minRttInCurrentRound        time.Duration
	hyStartRoundEnd             uint64
	hyStartAckCount             uint32
	cwndSlowStartGrowthDivisor  uint32
	conservativeSlowStartRounds uint32
	cssBaselineMinRtt           time.Duration

	prev *cubicSnapshot
}

func newCubic(settings Settings, path *Path) *cubic {
	cc := &cubic{
		log:                  settings.LoggerFactory.NewLogger("congestion"),
		path:                 path,
		initialWindowPackets: settings.InitialWindowPackets,
		sendIdleTimeout:      time.Duration(settings.SendIdleTimeoutMs) * time.Millisecond,
		hyStartEnabled:       settings.HyStartEnabled,
		ecnEnabled:           settings.EcnEnabled,
		pacingEnabled:        settings.PacingEnabled,
	}
	cc.Reset(true)

	return cc
}

// Reset re-enters the initial slow-start state. BytesInFlight is preserved
// unless fullReset is set; path changes must not forget what is still on the
// wire.
func (c *cubic) Reset(fullReset bool) {
	c.congestionWindow = initialCongestionWindow(c.initialWindowPackets, c.path.datagramPayloadSize())
	c.bytesInFlightMax = c.congestionWindow / 2
	c.slowStartThreshold = math.MaxUint32
	c.windowMax = 0
	c.windowLastMax = 0
	c.windowPrior = 0
	c.kCubic = 0
	c.aimdWindow = 0
	c.aimdAccumulator = 0
	c.timeOfCongAvoidStart = time.Time{}
	c.timeOfLastAck = time.Time{}
	c.timeOfLastAckValid = false
	c.lastSendAllowance = 0
	c.isInRecovery = false
	c.isInPersistentCongestion = false
	c.hasHadCongestionEvent = false
	c.recoverySentPacketNumber = 0
	c.prev = nil

	c.hyStartState = hyStartNotStarted
	c.minRttInLastRound = rttUnsampled
	c.minRttInCurrentRound = rttUnsampled
	c.hyStartRoundEnd = 0
	c.hyStartAckCount = 0
	c.cwndSlowStartGrowthDivisor = hyStartDefaultGrowthDivisor
	c.conservativeSlowStartRounds = 0
	c.cssBaselineMinRtt = rttUnsampled

	if fullReset {
		c.bytesInFlight = 0
	}
}

func (c *cubic) CanSend() bool {
	return c.bytesInFlight < c.congestionWindow || c.exemptions > 0
}

func (c *cubic) SetExemption(numPackets uint8) {
	c.exemptions = numPackets
}

func (c *cubic) GetExemptions() uint8 {
	return c.exemptions
}

func (c *cubic) OnDataSent(numRetransmittableBytes uint32) {
	c.bytesInFlight += numRetransmittableBytes
	if c.bytesInFlight > c.bytesInFlightMax {
		c.bytesInFlightMax = c.bytesInFlight
	}

	if c.lastSendAllowance > numRetransmittableBytes {
		c.lastSendAllowance -= numRetransmittableBytes
	} else {
		c.lastSendAllowance = 0
	}

	if c.exemptions > 0 {
		c.exemptions--
	}
}

func (c *cubic) OnDataInvalidated(numRetransmittableBytes uint32) bool {
	wasBlocked := !c.CanSend()
	c.bytesInFlight -= numRetransmittableBytes

	return wasBlocked && c.CanSend()
}

func (c *cubic) GetSendAllowance(timeSinceLastSend time.Duration, timeSinceLastSendValid bool) uint32 {
	if c.bytesInFlight >= c.congestionWindow {
		// Congestion blocked; probe packets bypass via CanSend, not here.
		return 0
	}

	available := c.congestionWindow - c.bytesInFlight

	if !timeSinceLastSendValid ||
		!c.pacingEnabled ||
		!c.path.GotFirstRttSample ||
		c.path.SmoothedRtt < minPacingRtt {
		// Pace only when the RTT is long enough to matter.
		return available
	}

	if timeSinceLastSend >= c.path.SmoothedRtt {
		c.lastSendAllowance = available

		return available
	}

	// Estimate where the window will be one RTT from now so pacing does not
	// hold back the window growth itself.
	var estimatedWnd uint64
	if c.congestionWindow < c.slowStartThreshold {
		estimatedWnd = uint64(c.congestionWindow) << 1
		if estimatedWnd > uint64(c.slowStartThreshold) {
			estimatedWnd = uint64(c.slowStartThreshold)
		}
	} else {
		estimatedWnd = uint64(c.congestionWindow) + uint64(c.congestionWindow>>2)
	}

	allowance := uint64(c.lastSendAllowance) +
		estimatedWnd*uint64(timeSinceLastSend.Microseconds())/uint64(c.path.SmoothedRtt.Microseconds())
	if allowance > uint64(available) {
		allowance = uint64(available)
	}

	c.lastSendAllowance = uint32(allowance)

	return uint32(allowance)
}

func (c *cubic) OnDataAcknowledged(ack *AckEvent) bool { //nolint:cyclop
	wasBlocked := !c.CanSend()
	bytesAcked := ack.NumRetransmittableBytes
	c.bytesInFlight -= bytesAcked

	switch {
	case c.isInRecovery:
		if ack.LargestAck > c.recoverySentPacketNumber {
			// A packet sent after the congestion event was delivered;
			// the episode is over.
			c.isInRecovery = false
			c.isInPersistentCongestion = false
			c.timeOfCongAvoidStart = ack.TimeNow
			c.log.Tracef("[cubic] exit recovery, cwnd=%d ssthresh=%d",
				c.congestionWindow, c.slowStartThreshold)
		}
	case bytesAcked == 0 || ack.IsImplicit:
		// Nothing retransmittable acknowledged (or only implied);
		// no growth signal.
	case c.congestionWindow < c.slowStartThreshold:
		c.onAckInSlowStart(ack, bytesAcked)
	default:
		c.onAckInCongestionAvoidance(ack, bytesAcked)
	}

	return c.finishAck(ack.TimeNow, wasBlocked)
}

func (c *cubic) onAckInSlowStart(ack *AckEvent, bytesAcked uint32) {
	if c.hyStartEnabled && ack.MinRttValid {
		c.hyStartOnAck(ack)
		if c.hyStartState == hyStartDone && c.congestionWindow >= c.slowStartThreshold {
			// HyStart just moved us into congestion avoidance.
			return
		}
	}

	c.congestionWindow += bytesAcked / c.cwndSlowStartGrowthDivisor
	if c.congestionWindow >= c.slowStartThreshold {
		// The excess beyond the threshold is already credited into the
		// window; only the growth clock needs starting.
		c.timeOfCongAvoidStart = ack.TimeNow
	}
}

// hyStartOnAck samples the per-round minimum RTT and drives the HyStart++
// state machine: a round-over-round delay increase enters conservative slow
// start, a drop back below the baseline reverts it, and exhausting the
// conservative rounds exits slow start altogether.
func (c *cubic) hyStartOnAck(ack *AckEvent) {
	if ack.LargestAck >= c.hyStartRoundEnd {
		// Round boundary.
		c.hyStartRoundEnd = ack.LargestSentPacketNumber
		c.minRttInLastRound = c.minRttInCurrentRound
		c.minRttInCurrentRound = rttUnsampled
		c.hyStartAckCount = 0

		if c.hyStartState == hyStartActive {
			c.conservativeSlowStartRounds--
			if c.conservativeSlowStartRounds == 0 {
				c.hyStartExitSlowStart(ack.TimeNow)

				return
			}
		}
	}

	if c.hyStartAckCount >= hyStartAckSamplingCount {
		return
	}

	c.hyStartAckCount++
	if ack.MinRtt < c.minRttInCurrentRound {
		c.minRttInCurrentRound = ack.MinRtt
	}
	if c.hyStartAckCount < hyStartAckSamplingCount {
		return
	}

	// Enough samples for this round; evaluate the delay signal.
	switch c.hyStartState {
	case hyStartNotStarted:
		if c.minRttInLastRound == rttUnsampled || c.minRttInCurrentRound == rttUnsampled {
			return
		}
		eta := c.minRttInLastRound / 8
		if eta < hyStartMinEta {
			eta = hyStartMinEta
		} else if eta > hyStartMaxEta {
			eta = hyStartMaxEta
		}
		if c.minRttInCurrentRound >= c.minRttInLastRound+eta {
			c.log.Tracef("[cubic] hystart: delay increase %v -> %v, conservative slow start",
				c.minRttInLastRound, c.minRttInCurrentRound)
			c.hyStartState = hyStartActive
			c.cssBaselineMinRtt = c.minRttInCurrentRound
			c.cwndSlowStartGrowthDivisor = hyStartConservativeDivisor
			c.conservativeSlowStartRounds = hyStartConservativeRounds
		}
	case hyStartActive:
		if c.minRttInCurrentRound < c.cssBaselineMinRtt {
			// The delay increase did not persist; the exit signal was
			// spurious.
			c.log.Tracef("[cubic] hystart: rtt back below baseline, resuming slow start")
			c.hyStartState = hyStartNotStarted
			c.cssBaselineMinRtt = rttUnsampled
			c.cwndSlowStartGrowthDivisor = hyStartDefaultGrowthDivisor
		}
	case hyStartDone:
	}
}

// hyStartExitSlowStart ends slow start without a loss: the current window
// becomes the curve origin and congestion avoidance starts now.
func (c *cubic) hyStartExitSlowStart(now time.Time) {
	c.hyStartState = hyStartDone
	c.cwndSlowStartGrowthDivisor = hyStartDefaultGrowthDivisor
	c.slowStartThreshold = c.congestionWindow
	c.windowMax = c.congestionWindow
	c.windowPrior = c.congestionWindow
	c.aimdWindow = c.congestionWindow
	c.aimdAccumulator = 0
	c.kCubic = c.computeKCubic()
	c.timeOfCongAvoidStart = now
	c.log.Debugf("[cubic] hystart: exiting slow start, cwnd=%d", c.congestionWindow)
}

func (c *cubic) onAckInCongestionAvoidance(ack *AckEvent, bytesAcked uint32) {
	timeNow := ack.TimeNow
	payload := c.path.datagramPayloadSize()

	// Freeze the growth clock across idle gaps; the curve must only see
	// time during which data was actually flowing.
	if c.timeOfLastAckValid {
		sinceLastAck := timeNow.Sub(c.timeOfLastAck)
		if sinceLastAck > c.sendIdleTimeout &&
			sinceLastAck > c.path.SmoothedRtt+4*c.path.RttVariance {
			c.timeOfCongAvoidStart = c.timeOfCongAvoidStart.Add(sinceLastAck)
			if c.timeOfCongAvoidStart.After(timeNow) {
				c.timeOfCongAvoidStart = timeNow
			}
		}
	}

	timeInCongAvoid := timeNow.Sub(c.timeOfCongAvoidStart).Milliseconds()
	if timeInCongAvoid < 0 {
		timeInCongAvoid = 0
	}

	deltaT := timeInCongAvoid - int64(c.kCubic)
	if deltaT > maxDeltaT {
		deltaT = maxDeltaT
	}

	// W_cubic(t) = C*(t-K)^3 + WindowMax, computed in ms with 1000^3
	// approximated by 2^30 via staged shifts.
	cubicWindow := ((deltaT*deltaT)>>10)*deltaT*int64(payload*tenTimesCCubic/10)>>20 +
		int64(c.windowMax)
	if cubicWindow < 0 || cubicWindow > math.MaxUint32 {
		// Saturated; the in-flight cap below bounds it anyway.
		cubicWindow = 2 * int64(c.bytesInFlightMax)
	}

	// AIMD-friendliness window, so CUBIC never underperforms a plain
	// AIMD flow over the same path.
	if c.aimdWindow < c.windowPrior {
		c.aimdAccumulator += bytesAcked / 2
	} else {
		c.aimdAccumulator += bytesAcked
	}
	if c.aimdAccumulator > c.aimdWindow {
		c.aimdAccumulator -= c.aimdWindow
		c.aimdWindow += payload
	}

	if int64(c.aimdWindow) > cubicWindow {
		c.congestionWindow = c.aimdWindow
	} else {
		c.congestionWindow = uint32(cubicWindow)
	}
}

// finishAck applies the window cap shared by both phases and records the ACK
// time. Growth past twice the proven in-flight maximum is unconfirmed by any
// delivery and not allowed.
func (c *cubic) finishAck(timeNow time.Time, wasBlocked bool) bool {
	if limit := uint64(c.bytesInFlightMax) * 2; limit > 0 && uint64(c.congestionWindow) > limit {
		c.congestionWindow = uint32(limit)
	}

	c.timeOfLastAck = timeNow
	c.timeOfLastAckValid = true

	return wasBlocked && c.CanSend()
}

func (c *cubic) OnDataLost(loss *LossEvent) {
	if !c.hasHadCongestionEvent || loss.LargestPacketNumberLost > c.recoverySentPacketNumber {
		c.recoverySentPacketNumber = loss.LargestSentPacketNumber
		c.onCongestionEvent(loss.PersistentCongestion, false)
	}

	c.bytesInFlight -= loss.NumRetransmittableBytes
}

// OnEcn treats an ECN-CE mark like a congestion event, except that the
// resulting state is not eligible for spurious rollback.
func (c *cubic) OnEcn(ecn *EcnEvent) {
	if !c.ecnEnabled {
		return
	}

	if !c.hasHadCongestionEvent || ecn.LargestPacketNumberAcked > c.recoverySentPacketNumber {
		c.recoverySentPacketNumber = ecn.LargestSentPacketNumber
		c.onCongestionEvent(false, true)
	}
}

func (c *cubic) onCongestionEvent(isPersistentCongestion, ecn bool) {
	payload := c.path.datagramPayloadSize()

	c.isInRecovery = true
	c.hasHadCongestionEvent = true

	if ecn {
		c.prev = nil
	} else {
		c.prev = &cubicSnapshot{
			congestionWindow:   c.congestionWindow,
			slowStartThreshold: c.slowStartThreshold,
			windowMax:          c.windowMax,
			windowLastMax:      c.windowLastMax,
			windowPrior:        c.windowPrior,
			kCubic:             c.kCubic,
			aimdWindow:         c.aimdWindow,
		}
	}

	if c.hyStartState != hyStartDone {
		c.hyStartState = hyStartDone
		c.cwndSlowStartGrowthDivisor = hyStartDefaultGrowthDivisor
	}

	if isPersistentCongestion && !c.isInPersistentCongestion {
		// Sustained total loss: collapse to the floor and restart the
		// curve from scratch.
		c.isInPersistentCongestion = true
		reduced := uint32(uint64(c.congestionWindow) * tenTimesBetaCubic / 10)
		c.windowPrior = reduced
		c.windowMax = reduced
		c.windowLastMax = reduced
		c.slowStartThreshold = reduced
		c.aimdWindow = reduced
		c.congestionWindow = payload * persistentCongestionWindowPackets
		c.kCubic = 0
		c.aimdAccumulator = 0
		c.log.Debugf("[cubic] persistent congestion, cwnd=%d", c.congestionWindow)

		return
	}

	c.windowPrior = c.congestionWindow
	c.windowMax = c.congestionWindow
	if c.windowLastMax > c.windowMax {
		// Fast convergence: the window never regained its previous peak,
		// so concede capacity to competing flows faster than BETA alone.
		c.windowLastMax = c.windowMax
		c.windowMax = c.windowMax * (10 + tenTimesBetaCubic) / 20
	} else {
		c.windowLastMax = c.windowMax
	}

	c.kCubic = c.computeKCubic()

	reduced := uint32(uint64(c.congestionWindow) * tenTimesBetaCubic / 10)
	if floor := payload * persistentCongestionWindowPackets; reduced < floor {
		reduced = floor
	}
	c.congestionWindow = reduced
	c.slowStartThreshold = reduced
	c.aimdWindow = reduced
	c.aimdAccumulator = 0

	c.log.Tracef("[cubic] congestion event (ecn=%v), cwnd=%d k=%dms", ecn, c.congestionWindow, c.kCubic)
}

// computeKCubic solves C*(K)^3 == WindowMax*(1-BETA) for K in ms, using the
// same 2^30-for-1000^3 scaling as the growth side.
func (c *cubic) computeKCubic() uint64 {
	wMaxPackets := uint64(c.windowMax / c.path.datagramPayloadSize())

	return cubeRoot(wMaxPackets * (10 - tenTimesBetaCubic) << 30 / tenTimesCCubic)
}

// OnSpuriousCongestionEvent restores the snapshot taken at the most recent
// loss-triggered congestion event. ECN-triggered reductions and completed
// recoveries have no snapshot and report false.
func (c *cubic) OnSpuriousCongestionEvent() bool {
	if !c.isInRecovery || c.prev == nil {
		return false
	}

	c.congestionWindow = c.prev.congestionWindow
	c.slowStartThreshold = c.prev.slowStartThreshold
	c.windowMax = c.prev.windowMax
	c.windowLastMax = c.prev.windowLastMax
	c.windowPrior = c.prev.windowPrior
	c.kCubic = c.prev.kCubic
	c.aimdWindow = c.prev.aimdWindow
	c.prev = nil

	c.isInRecovery = false
	c.isInPersistentCongestion = false
	c.hasHadCongestionEvent = false

	c.log.Debugf("[cubic] spurious congestion event reverted, cwnd=%d", c.congestionWindow)

	return true
}

func (c *cubic) GetCongestionWindow() uint32 {
	return c.congestionWindow
}

func (c *cubic) GetBytesInFlightMax() uint32 {
	return c.bytesInFlightMax
}

// IsAppLimited always reports false; app-limited tracking only informs
// bandwidth estimation, which CUBIC does not do.
func (c *cubic) IsAppLimited() bool {
	return false
}

// SetAppLimited is a no-op for CUBIC.
func (c *cubic) SetAppLimited() {}

func (c *cubic) GetNetworkStatistics(stats *NetworkStatistics) {
	stats.CongestionWindow = c.congestionWindow
	stats.BytesInFlight = c.bytesInFlight
	stats.SmoothedRTT = c.path.SmoothedRtt
	stats.MinRTT = c.path.MinRtt
	stats.Bandwidth = 0
	if c.path.GotFirstRttSample && c.path.SmoothedRtt > 0 {
		stats.Bandwidth = bandwidthFromBytesAndInterval(uint64(c.congestionWindow), c.path.SmoothedRtt)
	}
}

func (c *cubic) LogOutFlowStatus() {
	c.log.Tracef("[cubic] out flow: cwnd=%d ssthresh=%d inflight=%d inflightMax=%d recovery=%v",
		c.congestionWindow, c.slowStartThreshold, c.bytesInFlight, c.bytesInFlightMax, c.isInRecovery)
}

// cubeRoot returns the integer cube root of x.
func cubeRoot(x uint64) uint64 {
	var y uint64
	for s := 63; s >= 0; s -= 3 {
		y <<= 1
		b := 3*y*(y+1) + 1
		if (x >> uint(s)) >= b {
			x -= b << uint(s)
			y++
		}
	}

	return y
}
