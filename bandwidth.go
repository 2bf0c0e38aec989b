// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package congestion

import "time"

// Bandwidth is a delivery-rate estimate in bytes per second.
type Bandwidth uint64

const microSecsInSec = 1000000

// bandwidthFromBytesAndInterval converts a byte count delivered over an
// interval into a Bandwidth. A non-positive interval yields 0.
func bandwidthFromBytesAndInterval(bytes uint64, interval time.Duration) Bandwidth {
	us := interval.Microseconds()
	if us <= 0 {
		return 0
	}

	return Bandwidth(bytes * microSecsInSec / uint64(us))
}

// bytesPerInterval returns how many bytes this bandwidth delivers over the
// given interval.
func (b Bandwidth) bytesPerInterval(interval time.Duration) uint64 {
	us := interval.Microseconds()
	if us <= 0 {
		return 0
	}

	return uint64(b) * uint64(us) / microSecsInSec
}

// bandwidthFilter tracks the windowed maximum delivery rate together with the
// app-limited state that qualifies its samples.
type bandwidthFilter struct {
	maxBandwidth *windowedMax

	// appLimited is set while the sender cannot fill the window; samples
	// taken in that regime only raise, never lower, the estimate.
	appLimited bool

	// appLimitedExitTarget is the packet number whose acknowledgement ends
	// the app-limited regime.
	appLimitedExitTarget uint64
}

func newBandwidthFilter(windowRounds uint64) bandwidthFilter {
	return bandwidthFilter{maxBandwidth: newWindowedMax(windowRounds)}
}

// best returns the filtered bandwidth estimate for the given round.
func (f *bandwidthFilter) best(round uint64) Bandwidth {
	return Bandwidth(f.maxBandwidth.Max(round))
}

// onAck feeds one ACK's per-packet metadata into the filter. Each packet
// yields a delivery-rate sample as the lesser of its send rate and its ack
// rate; app-limited samples are admitted only when they raise the estimate.
func (f *bandwidthFilter) onAck(ack *AckEvent, round uint64) {
	for i := range ack.AckedPackets {
		pkt := &ack.AckedPackets[i]

		if f.appLimited && pkt.PacketNumber > f.appLimitedExitTarget {
			f.appLimited = false
		}

		sendRate := Bandwidth(0)
		sendRateValid := false
		ackRate := Bandwidth(0)
		ackRateValid := false

		if pkt.HasLastAckedPacketInfo {
			if pkt.SentTime.After(pkt.LastAckedSentTime) {
				sendRate = bandwidthFromBytesAndInterval(
					pkt.TotalBytesSent-pkt.LastAckedTotalBytesSent,
					pkt.SentTime.Sub(pkt.LastAckedSentTime))
				sendRateValid = true
			}
			if ack.AdjustedAckTime.After(pkt.LastAckedAckTime) {
				ackRate = bandwidthFromBytesAndInterval(
					ack.NumTotalAckedRetransmittableBytes-pkt.LastAckedTotalBytesAcked,
					ack.AdjustedAckTime.Sub(pkt.LastAckedAckTime))
				ackRateValid = true
			}
		} else if ack.TimeNow.After(pkt.SentTime) {
			// First delivery on this connection; rate from first send
			// to now is all there is.
			sendRate = bandwidthFromBytesAndInterval(
				ack.NumTotalAckedRetransmittableBytes,
				ack.TimeNow.Sub(pkt.SentTime))
			sendRateValid = true
		}

		if !sendRateValid && !ackRateValid {
			continue
		}

		deliveryRate := sendRate
		if !sendRateValid || (ackRateValid && ackRate < sendRate) {
			deliveryRate = ackRate
		}

		if !pkt.IsAppLimited || uint64(deliveryRate) > f.maxBandwidth.Max(round) {
			f.maxBandwidth.Push(round, uint64(deliveryRate))
		}
	}
}
