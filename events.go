// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package congestion

import "time"

// AckEvent describes one processed ACK frame. It is produced by the
// loss-detection engine and consumed by the congestion controller.
type AckEvent struct {
	// TimeNow is the receive time of the ACK frame.
	TimeNow time.Time

	// AdjustedAckTime is TimeNow minus the peer-reported ack delay.
	AdjustedAckTime time.Time

	// LargestAck is the largest packet number newly acknowledged.
	LargestAck uint64

	// LargestSentPacketNumber is the largest packet number sent so far.
	LargestSentPacketNumber uint64

	// NumRetransmittableBytes is the number of retransmittable bytes this
	// ACK newly acknowledged.
	NumRetransmittableBytes uint32

	// NumTotalAckedRetransmittableBytes is the cumulative count of
	// retransmittable bytes acknowledged over the connection's lifetime.
	NumTotalAckedRetransmittableBytes uint64

	// MinRtt is the RTT sample taken from this ACK. Only meaningful when
	// MinRttValid is set.
	MinRtt      time.Duration
	MinRttValid bool

	// HasLoss indicates packets were declared lost while processing the
	// same batch this ACK belongs to.
	HasLoss bool

	// IsImplicit indicates the acknowledgement was implied (e.g. by a
	// handshake confirmation) rather than carried in an ACK frame.
	IsImplicit bool

	// IsLargestAckedPacketAppLimited indicates the largest acked packet
	// was sent while the sender was application limited.
	IsLargestAckedPacketAppLimited bool

	// AckedPackets optionally carries per-packet metadata for bandwidth
	// sampling. May be nil; only BBR consumes it.
	AckedPackets []AckedPacketInfo
}

// AckedPacketInfo is the per-packet metadata needed for delivery-rate
// sampling. The cumulative counters are captured at the packet's send time.
type AckedPacketInfo struct {
	PacketNumber uint64
	SentTime     time.Time

	// TotalBytesSent is the connection's cumulative sent-byte count when
	// this packet was sent.
	TotalBytesSent uint64

	// State of the most recently acknowledged packet as of this packet's
	// send time. HasLastAckedPacketInfo is false for the first packets of
	// a connection, before anything has been acknowledged.
	HasLastAckedPacketInfo   bool
	LastAckedSentTime        time.Time
	LastAckedAckTime         time.Time
	LastAckedTotalBytesSent  uint64
	LastAckedTotalBytesAcked uint64

	// IsAppLimited indicates the sender was application limited when this
	// packet was sent.
	IsAppLimited bool
}

// LossEvent describes a batch of packets the loss-detection engine declared
// lost.
type LossEvent struct {
	LargestPacketNumberLost uint64
	LargestSentPacketNumber uint64
	NumRetransmittableBytes uint32

	// PersistentCongestion indicates sustained total loss spanning multiple
	// probe timeouts; the window collapses to its floor in response.
	PersistentCongestion bool
}

// EcnEvent describes a batch of ECN-CE marks reported by the peer.
type EcnEvent struct {
	LargestPacketNumberAcked uint64
	LargestSentPacketNumber  uint64
}
