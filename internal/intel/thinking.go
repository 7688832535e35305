package intel

import (
	"time"

	"github.com/anvil-online/crm-intel/internal/events"
)

const DefaultThinkingInterval = 2800 * time.Millisecond

// ThinkingPhases are shown in turn while waiting for the provider.
var ThinkingPhases = []string{
	"Looking up company",
	"Reviewing website",
	"Analysing business model",
	"Identifying alignment",
	"Preparing brief",
}

// startThinkingLocked shows the first phase and advances it every interval
// until stopThinkingLocked or o is no longer current.
func (m *Machine) startThinkingLocked(o *op) {
	m.stopThinkingLocked()
	m.phase = 0
	m.snap.Phase = ThinkingPhases[0]
	done := make(chan struct{})
	m.thinkingDone = done
	go m.runThinking(o, done)
}

func (m *Machine) stopThinkingLocked() {
	if m.thinkingDone != nil {
		close(m.thinkingDone)
		m.thinkingDone = nil
	}
	m.snap.Phase = ""
}

func (m *Machine) runThinking(o *op, done <-chan struct{}) {
	ticker := time.NewTicker(m.thinkingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			m.apply(o, events.TypePhase, func() {
				select {
				case <-done:
					return
				default:
				}
				m.phase = (m.phase + 1) % len(ThinkingPhases)
				m.snap.Phase = ThinkingPhases[m.phase]
			})
		}
	}
}
