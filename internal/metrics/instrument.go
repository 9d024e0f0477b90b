// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/fastpath/internal/fastpath"
)

const (
	numHooks    = int(fastpath.HookPostRouting) + 1
	numVerdicts = int(fastpath.Bypass) + 1
)

// Instrument returns a HookFunc that classifies with c and counts every
// decision in fastpath_packets_total. Counter children are resolved up
// front so the packet path does not hash label values.
func (m *Metrics) Instrument(c *fastpath.Classifier) fastpath.HookFunc {
	var table [numHooks][numVerdicts][]prometheus.Counter
	for h := 0; h < numHooks; h++ {
		for v := 0; v < numVerdicts; v++ {
			table[h][v] = make([]prometheus.Counter, len(fastpath.Reasons))
			for _, r := range fastpath.Reasons {
				table[h][v][r] = m.Packets.WithLabelValues(
					fastpath.HookPoint(h).String(), fastpath.Verdict(v).String(), r.String())
			}
		}
	}

	return func(data []byte, ctx *fastpath.Context) fastpath.Verdict {
		d := c.Decide(data, ctx)
		if ctx != nil && int(ctx.Hook) < numHooks && int(d.Reason) < len(fastpath.Reasons) {
			table[ctx.Hook][d.Verdict][d.Reason].Inc()
		}
		return d.Verdict
	}
}
