package pagetable

import "DemandVM/types"

// Stats counts the table's mappings by state.
func (t *Table) Stats() TableStats {
	t.mu.RLock()
	all := make([]*Mapping, 0, t.mappings.Len())
	t.mappings.Ascend(func(m *Mapping) bool {
		all = append(all, m)
		return true
	})
	t.mu.RUnlock()

	stats := TableStats{Mappings: len(all)}
	for _, m := range all {
		m.mu.Lock()
		if m.present {
			stats.Present++
		}
		if m.swapped {
			stats.Swapped++
		}
		if m.kind == KindFile {
			stats.File++
		}
		if m.isStack {
			stats.Stack++
		}
		m.mu.Unlock()
	}
	return stats
}

// Kind returns where the page's contents currently come from.
func (t *Table) Kind(upage types.Vaddr) (Kind, bool) {
	m := t.lookup(upage)
	if m == nil {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kind, true
}
