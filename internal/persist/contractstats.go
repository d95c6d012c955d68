package persist

import (
	"sort"

	"github.com/hivemind-kernel/eventkernel/internal/kernel"
)

// ContractStatsFile is the on-disk shape of contract-stats.json (spec §6):
// {contracts: {contractId: {mode, sessionsTracked, shadowViolations,
// falsePositives, agentSignoffs[], lastUpdated}}}.
type ContractStatsFile struct {
	Contracts map[string]ContractStatsEntry `json:"contracts"`
}

// ContractStatsEntry is one contract's on-disk statistics record.
type ContractStatsEntry struct {
	Mode             kernel.Mode `json:"mode"`
	SessionsTracked  int         `json:"sessionsTracked"`
	ShadowViolations int         `json:"shadowViolations"`
	FalsePositives   int         `json:"falsePositives"`
	AgentSignoffs    []string    `json:"agentSignoffs"`
	LastUpdated      int64       `json:"lastUpdated"`
}

func toEntry(s *kernel.ContractStats) ContractStatsEntry {
	signoffs := make([]string, 0, len(s.AgentSignoffs))
	for agent := range s.AgentSignoffs {
		signoffs = append(signoffs, agent)
	}
	sort.Strings(signoffs)
	return ContractStatsEntry{
		Mode:             s.Mode,
		SessionsTracked:  s.SessionsTracked,
		ShadowViolations: s.ShadowViolations,
		FalsePositives:   s.FalsePositives,
		AgentSignoffs:    signoffs,
		LastUpdated:      s.LastUpdated,
	}
}

func fromEntry(contractID string, e ContractStatsEntry) *kernel.ContractStats {
	signoffs := make(map[string]bool, len(e.AgentSignoffs))
	for _, agent := range e.AgentSignoffs {
		signoffs[agent] = true
	}
	return &kernel.ContractStats{
		ContractID:       contractID,
		Mode:             e.Mode,
		SessionsTracked:  e.SessionsTracked,
		ShadowViolations: e.ShadowViolations,
		FalsePositives:   e.FalsePositives,
		AgentSignoffs:    signoffs,
		LastUpdated:      e.LastUpdated,
	}
}

// SaveContractStats writes the promotion engine's tracked statistics to
// path atomically.
func SaveContractStats(path string, p *kernel.Promotion) error {
	snapshot := p.Snapshot()
	file := ContractStatsFile{Contracts: make(map[string]ContractStatsEntry, len(snapshot))}
	for id, s := range snapshot {
		file.Contracts[id] = toEntry(s)
	}
	return writeJSONAtomic(path, file)
}

// LoadContractStats reads contract-stats.json from path and merges it
// into the promotion engine using the spec's reload rules (spec §4.9):
// prefer enforced over shadow, pointwise-max the counters, set-union the
// sign-offs, keep the newer lastUpdated. A missing file is not an error.
func LoadContractStats(path string, p *kernel.Promotion) error {
	var file ContractStatsFile
	ok, err := readJSON(path, &file)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	loaded := make(map[string]*kernel.ContractStats, len(file.Contracts))
	for id, entry := range file.Contracts {
		loaded[id] = fromEntry(id, entry)
	}
	p.MergeFromDisk(loaded)
	return nil
}
