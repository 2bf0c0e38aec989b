// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package congestion

import (
	"time"

	"github.com/pion/logging"
)

// Algorithm selects the congestion-control variant for a connection.
type Algorithm uint8

// Supported congestion-control algorithms.
const (
	AlgorithmCubic Algorithm = iota
	AlgorithmBbr
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmBbr:
		return "bbr"
	default:
		return "cubic"
	}
}

const (
	defaultInitialWindowPackets = 10
	defaultSendIdleTimeoutMs    = 1000
)

// Settings carries the transport parameters the congestion controller is
// configured with at connection initialization.
type Settings struct {
	// Algorithm selects the active variant. Defaults to CUBIC.
	Algorithm Algorithm

	// InitialWindowPackets is the initial congestion window, in packets.
	InitialWindowPackets uint32

	// SendIdleTimeoutMs bounds the idle gap after which congestion
	// avoidance growth is frozen.
	SendIdleTimeoutMs uint32

	// HyStartEnabled enables HyStart++ slow-start exit (CUBIC only).
	HyStartEnabled bool

	// EcnEnabled enables congestion response to ECN-CE marks.
	EcnEnabled bool

	// PacingEnabled enables rate limiting in GetSendAllowance.
	PacingEnabled bool

	// LoggerFactory is used to create the controller's logger. Defaults to
	// logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

func (s *Settings) applyDefaults() {
	if s.InitialWindowPackets == 0 {
		s.InitialWindowPackets = defaultInitialWindowPackets
	}
	if s.SendIdleTimeoutMs == 0 {
		s.SendIdleTimeoutMs = defaultSendIdleTimeoutMs
	}
	if s.LoggerFactory == nil {
		s.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// udpPayloadOverhead is the per-datagram framing cost assumed when deriving
// the usable payload size from the path MTU (IPv6 header + UDP header).
const udpPayloadOverhead = 48

// Path carries the per-path scalars the congestion controller reads on each
// operation. The connection owns it and keeps it current from its RTT
// estimator and loss-detection engine; the controller never writes to it.
type Path struct {
	// Mtu is the path's current maximum transmission unit.
	Mtu uint16

	// SmoothedRtt and RttVariance come from the RTT estimator.
	// GotFirstRttSample is false until the first sample arrives.
	SmoothedRtt       time.Duration
	RttVariance       time.Duration
	MinRtt            time.Duration
	GotFirstRttSample bool

	// LargestSentPacketNumber is maintained by the loss-detection engine.
	LargestSentPacketNumber uint64
}

// datagramPayloadSize returns the usable bytes per datagram on this path.
func (p *Path) datagramPayloadSize() uint32 {
	if p.Mtu <= udpPayloadOverhead {
		return 1
	}

	return uint32(p.Mtu) - udpPayloadOverhead
}
