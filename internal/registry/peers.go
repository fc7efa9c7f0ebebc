package registry

import (
	"maps"
	"slices"

	"github.com/google/uuid"

	"relaydeck/internal/comms"
)

// PeerTable maps a relay URL to the jobs its connection currently serves.
// Workers rebuild their view from here rather than from broadcast history.
type PeerTable struct {
	g *Guarded[map[string][]comms.RelayJob]
}

func NewPeerTable() *PeerTable {
	return &PeerTable{g: NewGuarded(map[string][]comms.RelayJob{})}
}

// Add appends jobs for relay, skipping job IDs already present. It reports
// whether the relay was not in the table before.
func (p *PeerTable) Add(relay string, jobs ...comms.RelayJob) (isNew bool) {
	return Update(p.g, func(m *map[string][]comms.RelayJob) bool {
		cur, ok := (*m)[relay]
		for _, j := range jobs {
			if !slices.ContainsFunc(cur, func(c comms.RelayJob) bool { return c.ID == j.ID }) {
				cur = append(cur, j)
			}
		}
		(*m)[relay] = cur
		return !ok
	})
}

// RemoveJob drops one job and reports how many jobs the relay has left.
// A relay whose last job is removed stays in the table with no jobs.
func (p *PeerTable) RemoveJob(relay string, id uuid.UUID) int {
	return Update(p.g, func(m *map[string][]comms.RelayJob) int {
		cur := slices.DeleteFunc((*m)[relay], func(c comms.RelayJob) bool { return c.ID == id })
		if _, ok := (*m)[relay]; ok {
			(*m)[relay] = cur
		}
		return len(cur)
	})
}

// Drop removes relay and returns the jobs it had.
func (p *PeerTable) Drop(relay string) []comms.RelayJob {
	return Update(p.g, func(m *map[string][]comms.RelayJob) []comms.RelayJob {
		jobs := (*m)[relay]
		delete(*m, relay)
		return jobs
	})
}

func (p *PeerTable) Has(relay string) bool {
	return View(p.g, func(m *map[string][]comms.RelayJob) bool {
		_, ok := (*m)[relay]
		return ok
	})
}

// Jobs returns a copy of relay's jobs.
func (p *PeerTable) Jobs(relay string) []comms.RelayJob {
	return View(p.g, func(m *map[string][]comms.RelayJob) []comms.RelayJob {
		return slices.Clone((*m)[relay])
	})
}

// Relays returns the connected relay URLs, sorted.
func (p *PeerTable) Relays() []string {
	return View(p.g, func(m *map[string][]comms.RelayJob) []string {
		return slices.Sorted(maps.Keys(*m))
	})
}

func (p *PeerTable) Len() int {
	return View(p.g, func(m *map[string][]comms.RelayJob) int { return len(*m) })
}
