// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package congestion

import "sort"

// windowedMax maintains a monotonic deque of (round,value) to answer
// the maximum over a sliding window of round trips efficiently.
// Not thread-safe; caller must synchronize (the connection already does).
type windowedMax struct {
	window uint64 // window length in round trips
	deque  []maxEntry
}

type maxEntry struct {
	round uint64
	v     uint64
}

func newWindowedMax(window uint64) *windowedMax {
	if window == 0 {
		window = 1
	}

	return &windowedMax{window: window}
}

// prune removes elements older than (round - window).
func (w *windowedMax) prune(round uint64) {
	if len(w.deque) == 0 || round < w.window {
		return
	}

	cutoff := round - w.window

	firstValidAfterCutoff := sort.Search(len(w.deque), func(i int) bool {
		return w.deque[i].round > cutoff
	})

	if firstValidAfterCutoff > 0 {
		w.deque = w.deque[firstValidAfterCutoff:]
	}
}

// Push inserts a new sample and preserves monotonic non-decreasing values.
// It maintains maximum values by removing smaller entries.
func (w *windowedMax) Push(round uint64, v uint64) {
	w.prune(round)

	for i := len(w.deque); i > 0 && w.deque[i-1].v <= v; i-- {
		w.deque = w.deque[:i-1]
	}

	w.deque = append(
		w.deque,
		maxEntry{
			round: round,
			v:     v,
		},
	)
}

// Max returns the maximum value in the current window or 0 if empty.
func (w *windowedMax) Max(round uint64) uint64 {
	w.prune(round)

	if len(w.deque) == 0 {
		return 0
	}

	return w.deque[0].v
}

// Reset drops all samples.
func (w *windowedMax) Reset() {
	w.deque = w.deque[:0]
}

// Len is only for tests/diagnostics.
func (w *windowedMax) Len() int {
	return len(w.deque)
}
