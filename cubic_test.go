// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package congestion

import (
	"math"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testMtu yields a 1232-byte datagram payload.
const (
	testMtu     = 1280
	testPayload = 1232
)

func newTestCubic(t *testing.T, settings Settings, path *Path) *cubic {
	t.Helper()

	if settings.LoggerFactory == nil {
		settings.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	cc, ok := NewCongestionController(settings, path).(*cubic)
	require.True(t, ok)

	return cc
}

func TestCubicInitialState(t *testing.T) {
	path := &Path{Mtu: testMtu}
	cc := newTestCubic(t, Settings{}, path)

	assert.Equal(t, uint32(10*testPayload), cc.GetCongestionWindow())
	assert.Equal(t, uint32(5*testPayload), cc.GetBytesInFlightMax())
	assert.Equal(t, uint32(math.MaxUint32), cc.slowStartThreshold)
	assert.True(t, cc.CanSend())
	assert.False(t, cc.IsAppLimited())
	assert.Zero(t, cc.GetExemptions())
	assert.Equal(t, uint32(10*testPayload), cc.GetSendAllowance(0, false))
}

func TestCubicBlockedAndInvalidated(t *testing.T) {
	path := &Path{Mtu: testMtu}
	cc := newTestCubic(t, Settings{}, path)

	cc.OnDataSent(10 * testPayload)
	assert.False(t, cc.CanSend())
	assert.Zero(t, cc.GetSendAllowance(0, false))

	// partial invalidation reopens the window and leaves the rest in flight
	assert.True(t, cc.OnDataInvalidated(4*testPayload))
	assert.Equal(t, uint32(6*testPayload), cc.bytesInFlight)

	// already unblocked, so no transition to report
	assert.False(t, cc.OnDataInvalidated(6*testPayload))
	assert.True(t, cc.CanSend())
}

func TestCubicExemptions(t *testing.T) {
	path := &Path{Mtu: testMtu}
	cc := newTestCubic(t, Settings{}, path)

	cc.OnDataSent(10 * testPayload)
	assert.False(t, cc.CanSend())

	cc.SetExemption(2)
	assert.True(t, cc.CanSend())
	assert.Equal(t, uint8(2), cc.GetExemptions())

	cc.OnDataSent(testPayload)
	assert.Equal(t, uint8(1), cc.GetExemptions())
	cc.OnDataSent(testPayload)
	assert.Zero(t, cc.GetExemptions())
	assert.False(t, cc.CanSend())
}

func TestCubicSlowStartGrowth(t *testing.T) {
	path := &Path{Mtu: testMtu}
	cc := newTestCubic(t, Settings{}, path)

	// raise the proven in-flight maximum so the window has headroom
	cc.OnDataSent(10 * testPayload)

	now := time.Unix(100, 0)
	cc.OnDataAcknowledged(&AckEvent{TimeNow: now, NumRetransmittableBytes: testPayload})
	assert.Equal(t, uint32(11*testPayload), cc.GetCongestionWindow())

	cc.OnDataAcknowledged(&AckEvent{TimeNow: now, NumRetransmittableBytes: testPayload})
	assert.Equal(t, uint32(12*testPayload), cc.GetCongestionWindow())
}

func TestCubicWindowCap(t *testing.T) {
	path := &Path{Mtu: testMtu}
	cc := newTestCubic(t, Settings{}, path)

	// flight never exceeded the initial max, so the window cannot grow
	// past twice that
	cc.OnDataSent(testPayload)
	cc.OnDataAcknowledged(&AckEvent{TimeNow: time.Unix(100, 0), NumRetransmittableBytes: testPayload})
	assert.Equal(t, uint32(10*testPayload), cc.GetCongestionWindow())
}

func TestCubicCongestionEvent(t *testing.T) {
	path := &Path{Mtu: testMtu}
	cc := newTestCubic(t, Settings{}, path)

	cc.OnDataSent(10 * testPayload)
	cc.OnDataLost(&LossEvent{
		LargestPacketNumberLost: 5,
		LargestSentPacketNumber: 10,
		NumRetransmittableBytes: testPayload,
	})

	// BETA = 0.7
	assert.Equal(t, uint32(10*testPayload*7/10), cc.GetCongestionWindow())
	assert.True(t, cc.isInRecovery)
	assert.False(t, cc.CanSend())

	// further losses within the same recovery episode don't re-reduce
	cc.OnDataLost(&LossEvent{
		LargestPacketNumberLost: 7,
		LargestSentPacketNumber: 10,
		NumRetransmittableBytes: testPayload,
	})
	assert.Equal(t, uint32(10*testPayload*7/10), cc.GetCongestionWindow())
}

func TestCubicPersistentCongestion(t *testing.T) {
	path := &Path{Mtu: testMtu}
	cc := newTestCubic(t, Settings{}, path)

	cc.OnDataSent(10 * testPayload)
	cc.OnDataLost(&LossEvent{
		LargestPacketNumberLost: 5,
		LargestSentPacketNumber: 10,
		NumRetransmittableBytes: testPayload,
		PersistentCongestion:    true,
	})

	assert.Equal(t, uint32(2*testPayload), cc.GetCongestionWindow())
	assert.Equal(t, uint32(10*testPayload*7/10), cc.slowStartThreshold)
	assert.Zero(t, cc.kCubic)
	assert.True(t, cc.isInPersistentCongestion)

	// a second persistent-congestion report changes nothing
	cc.OnDataLost(&LossEvent{
		LargestPacketNumberLost: 11,
		LargestSentPacketNumber: 12,
		NumRetransmittableBytes: testPayload,
		PersistentCongestion:    true,
	})
	assert.Equal(t, uint32(2*testPayload), cc.GetCongestionWindow())
}

func TestCubicSpuriousCongestionEvent(t *testing.T) {
	path := &Path{Mtu: testMtu}
	cc := newTestCubic(t, Settings{}, path)

	cc.OnDataSent(10 * testPayload)
	cc.OnDataLost(&LossEvent{
		LargestPacketNumberLost: 5,
		LargestSentPacketNumber: 10,
		NumRetransmittableBytes: testPayload,
	})
	assert.Equal(t, uint32(10*testPayload*7/10), cc.GetCongestionWindow())

	assert.True(t, cc.OnSpuriousCongestionEvent())
	assert.Equal(t, uint32(10*testPayload), cc.GetCongestionWindow())
	assert.Equal(t, uint32(math.MaxUint32), cc.slowStartThreshold)
	assert.False(t, cc.isInRecovery)

	// nothing left to roll back
	assert.False(t, cc.OnSpuriousCongestionEvent())

	// a later loss and recovery exit leave the curve parameters nonzero;
	// the next rollback must restore all of them, not just the window
	cc.OnDataLost(&LossEvent{
		LargestPacketNumberLost: 12,
		LargestSentPacketNumber: 20,
		NumRetransmittableBytes: testPayload,
	})
	cc.OnDataAcknowledged(&AckEvent{
		TimeNow:                 time.Unix(100, 0),
		LargestAck:              21,
		NumRetransmittableBytes: testPayload,
	})
	require.False(t, cc.isInRecovery)

	wantCwnd := cc.congestionWindow
	wantSsthresh := cc.slowStartThreshold
	wantWindowMax := cc.windowMax
	wantWindowLastMax := cc.windowLastMax
	wantWindowPrior := cc.windowPrior
	wantKCubic := cc.kCubic
	wantAimdWindow := cc.aimdWindow

	cc.OnDataLost(&LossEvent{
		LargestPacketNumberLost: 25,
		LargestSentPacketNumber: 30,
		NumRetransmittableBytes: testPayload,
	})
	require.NotEqual(t, wantCwnd, cc.congestionWindow)
	require.NotEqual(t, wantWindowMax, cc.windowMax)

	assert.True(t, cc.OnSpuriousCongestionEvent())
	assert.Equal(t, wantCwnd, cc.congestionWindow)
	assert.Equal(t, wantSsthresh, cc.slowStartThreshold)
	assert.Equal(t, wantWindowMax, cc.windowMax)
	assert.Equal(t, wantWindowLastMax, cc.windowLastMax)
	assert.Equal(t, wantWindowPrior, cc.windowPrior)
	assert.Equal(t, wantKCubic, cc.kCubic)
	assert.Equal(t, wantAimdWindow, cc.aimdWindow)
}

func TestCubicRecoveryExitAndCurveGrowth(t *testing.T) {
	path := &Path{Mtu: testMtu}
	cc := newTestCubic(t, Settings{SendIdleTimeoutMs: 60000}, path)

	cc.OnDataSent(10 * testPayload)
	cc.OnDataLost(&LossEvent{
		LargestPacketNumberLost: 5,
		LargestSentPacketNumber: 10,
		NumRetransmittableBytes: testPayload,
	})
	assert.Equal(t, uint64(2004), cc.kCubic)

	// ack of a packet sent after the loss ends recovery and starts the
	// congestion avoidance clock
	start := time.Unix(100, 0)
	cc.OnDataAcknowledged(&AckEvent{
		TimeNow:                 start,
		LargestAck:              11,
		NumRetransmittableBytes: testPayload,
	})
	assert.False(t, cc.isInRecovery)
	assert.Equal(t, uint32(10*testPayload*7/10), cc.GetCongestionWindow())

	// at t = K the curve is back at the pre-loss window
	cc.OnDataAcknowledged(&AckEvent{
		TimeNow:                 start.Add(2004 * time.Millisecond),
		LargestAck:              12,
		NumRetransmittableBytes: testPayload,
	})
	assert.Equal(t, uint32(10*testPayload), cc.GetCongestionWindow())

	// one second past K the curve has grown beyond it
	cc.OnDataAcknowledged(&AckEvent{
		TimeNow:                 start.Add(3004 * time.Millisecond),
		LargestAck:              13,
		NumRetransmittableBytes: testPayload,
	})
	assert.Equal(t, uint32(10*testPayload+457), cc.GetCongestionWindow())
}

func TestCubicIdleGapFreezesGrowth(t *testing.T) {
	path := &Path{
		Mtu:               testMtu,
		SmoothedRtt:       50 * time.Millisecond,
		RttVariance:       10 * time.Millisecond,
		GotFirstRttSample: true,
	}
	cc := newTestCubic(t, Settings{}, path)

	cc.OnDataSent(10 * testPayload)
	cc.OnDataLost(&LossEvent{
		LargestPacketNumberLost: 5,
		LargestSentPacketNumber: 10,
		NumRetransmittableBytes: testPayload,
	})

	start := time.Unix(100, 0)
	cc.OnDataAcknowledged(&AckEvent{
		TimeNow:                 start,
		LargestAck:              11,
		NumRetransmittableBytes: testPayload,
	})

	// a 7s gap exceeds both the idle timeout and SRTT+4*RTTVAR, so the
	// growth clock shifts forward by the gap and the curve re-evaluates
	// at its origin instead of 7s along
	cc.OnDataAcknowledged(&AckEvent{
		TimeNow:                 start.Add(5*time.Second + 2004*time.Millisecond),
		LargestAck:              12,
		NumRetransmittableBytes: testPayload,
	})
	assert.Equal(t, uint32(8632), cc.GetCongestionWindow())
}

func TestCubicPacing(t *testing.T) {
	path := &Path{
		Mtu:               testMtu,
		SmoothedRtt:       50 * time.Millisecond,
		GotFirstRttSample: true,
	}
	cc := newTestCubic(t, Settings{PacingEnabled: true}, path)

	cc.OnDataSent(5 * testPayload)

	// slow start estimates the window doubling over the next RTT:
	// 2*12320 * 10ms/50ms = 4928
	assert.Equal(t, uint32(4928), cc.GetSendAllowance(10*time.Millisecond, true))

	// sending draws down the accumulated allowance
	cc.OnDataSent(testPayload)
	assert.Equal(t, uint32(4928-testPayload), cc.GetSendAllowance(0, true))

	// a full RTT since the last send releases the whole window
	assert.Equal(t, cc.GetCongestionWindow()-cc.bytesInFlight, cc.GetSendAllowance(60*time.Millisecond, true))
}

func TestCubicEcn(t *testing.T) {
	path := &Path{Mtu: testMtu}
	cc := newTestCubic(t, Settings{EcnEnabled: true}, path)

	var handler EcnHandler = cc
	cc.OnDataSent(10 * testPayload)
	handler.OnEcn(&EcnEvent{LargestPacketNumberAcked: 5, LargestSentPacketNumber: 10})

	assert.Equal(t, uint32(10*testPayload*7/10), cc.GetCongestionWindow())
	assert.True(t, cc.isInRecovery)

	// ECN reductions are not eligible for rollback
	assert.False(t, cc.OnSpuriousCongestionEvent())
	assert.Equal(t, uint32(10*testPayload*7/10), cc.GetCongestionWindow())
}

func TestCubicEcnDisabled(t *testing.T) {
	path := &Path{Mtu: testMtu}
	cc := newTestCubic(t, Settings{}, path)

	cc.OnEcn(&EcnEvent{LargestPacketNumberAcked: 5, LargestSentPacketNumber: 10})
	assert.Equal(t, uint32(10*testPayload), cc.GetCongestionWindow())
}

func TestCubicHyStart(t *testing.T) {
	path := &Path{Mtu: testMtu}
	cc := newTestCubic(t, Settings{HyStartEnabled: true, SendIdleTimeoutMs: 60000}, path)

	// headroom for slow-start growth
	cc.OnDataSent(20 * testPayload)
	assert.True(t, cc.OnDataInvalidated(20*testPayload))

	now := time.Unix(100, 0)
	round := func(firstAck, lastSent uint64, rtt time.Duration) {
		for i := uint64(0); i < hyStartAckSamplingCount; i++ {
			cc.OnDataSent(testPayload)
			cc.OnDataAcknowledged(&AckEvent{
				TimeNow:                 now,
				LargestAck:              firstAck + i,
				LargestSentPacketNumber: lastSent,
				NumRetransmittableBytes: testPayload,
				MinRtt:                  rtt,
				MinRttValid:             true,
			})
		}
	}

	// first round only establishes the baseline RTT
	round(0, 9, 100*time.Millisecond)
	assert.Equal(t, hyStartNotStarted, cc.hyStartState)

	// 30ms increase over a 100ms baseline exceeds eta, entering
	// conservative slow start
	round(9, 19, 130*time.Millisecond)
	assert.Equal(t, hyStartActive, cc.hyStartState)
	assert.Equal(t, uint32(hyStartConservativeDivisor), cc.cwndSlowStartGrowthDivisor)

	// RTT dropping back below the baseline reverts the exit signal
	round(19, 29, 90*time.Millisecond)
	assert.Equal(t, hyStartNotStarted, cc.hyStartState)
	assert.Equal(t, uint32(1), cc.cwndSlowStartGrowthDivisor)

	// a persistent increase rides out the conservative rounds and exits
	// slow start for good
	round(29, 39, 150*time.Millisecond)
	assert.Equal(t, hyStartActive, cc.hyStartState)

	firstAck := uint64(39)
	for r := 0; r < hyStartConservativeRounds; r++ {
		round(firstAck, firstAck+10, 150*time.Millisecond)
		firstAck += 10
	}
	assert.Equal(t, hyStartDone, cc.hyStartState)
	assert.Equal(t, cc.GetCongestionWindow(), cc.slowStartThreshold)
}

func TestCubeRoot(t *testing.T) {
	assert.Zero(t, cubeRoot(0))
	assert.Equal(t, uint64(1), cubeRoot(1))
	assert.Equal(t, uint64(2), cubeRoot(8))
	assert.Equal(t, uint64(2), cubeRoot(26))
	assert.Equal(t, uint64(3), cubeRoot(27))
	assert.Equal(t, uint64(100), cubeRoot(1000000))
	assert.Equal(t, uint64(2004), cubeRoot(8053063680))
	assert.Equal(t, uint64(2642245), cubeRoot(math.MaxUint64))
}
