// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package worker

import "time"

// linpackSize is the dimension of the dense matrix solved for the
// REQ_LINPACK benchmark. The benchmark exists only so a master can gauge
// relative worker speed; the value is informational and never feeds back
// into dispatch.
const linpackSize = 64

// runLinpackBenchmark solves a small dense linear system by Gauss-Jordan
// elimination and returns the elapsed wall time in seconds.
func runLinpackBenchmark() float64 {
	n := linpackSize
	a := make([][]float64, n)
	for i := range a {
		a[i] = make([]float64, n+1)
		for j := range a[i] {
			a[i][j] = float64((i*31+j*17)%97) + 1
		}
	}

	start := time.Now()
	for p := 0; p < n; p++ {
		pivot := a[p][p]
		if pivot == 0 {
			pivot = 1e-12
		}
		for j := p; j <= n; j++ {
			a[p][j] /= pivot
		}
		for r := 0; r < n; r++ {
			if r == p {
				continue
			}
			factor := a[r][p]
			for j := p; j <= n; j++ {
				a[r][j] -= factor * a[p][j]
			}
		}
	}
	return time.Since(start).Seconds()
}
