package store

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/example/netguard/config"
	"github.com/example/netguard/iputil"
)

// Memory is an in-process Store used by tests.
type Memory struct {
	mu        sync.Mutex
	nextID    int64
	providers map[int64]*Provider
	ranges    map[int64]*IPRange
	addresses map[int64]*IPAddress
	results   map[string]*TestResult
	configs   map[int64]*config.ProviderConfig
	monitors  map[int64]bool
	rng       *rand.Rand
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		providers: map[int64]*Provider{},
		ranges:    map[int64]*IPRange{},
		addresses: map[int64]*IPAddress{},
		results:   map[string]*TestResult{},
		configs:   map[int64]*config.ProviderConfig{},
		monitors:  map[int64]bool{},
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) CreateProvider(_ context.Context, p *Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	dup := *p
	m.providers[p.ID] = &dup
	return nil
}

func (m *Memory) UpdateProvider(_ context.Context, p *Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.providers[p.ID]
	if !ok || cur.Deleted {
		return ErrNotFound
	}
	cur.Name = p.Name
	cur.APIURL = p.APIURL
	cur.LogoURL = p.LogoURL
	cur.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SoftDeleteProvider(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.providers[id]
	if !ok {
		return ErrNotFound
	}
	cur.Deleted = true
	cur.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) Provider(_ context.Context, id int64) (*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.providers[id]
	if !ok || cur.Deleted {
		return nil, ErrNotFound
	}
	dup := *cur
	return &dup, nil
}

func (m *Memory) Providers(_ context.Context) ([]Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Provider
	for _, p := range m.providers {
		if !p.Deleted {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ReplaceRanges(_ context.Context, providerID int64, source Source, ranges []IPRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.ranges {
		if r.ProviderID == providerID && r.Source == source {
			delete(m.ranges, id)
		}
	}
	for _, r := range ranges {
		dup := r
		dup.ID = m.id()
		dup.ProviderID = providerID
		dup.Source = source
		m.ranges[dup.ID] = &dup
	}
	return nil
}

func (m *Memory) RangesByProvider(_ context.Context, providerID int64) ([]IPRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []IPRange
	for _, r := range m.ranges {
		if r.ProviderID == providerID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteAddresses(_ context.Context, providerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.addresses {
		if a.ProviderID == providerID {
			delete(m.addresses, id)
		}
	}
	return nil
}

func (m *Memory) InsertAddresses(_ context.Context, addrs []IPAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range addrs {
		exists := false
		for _, cur := range m.addresses {
			if cur.ProviderID == a.ProviderID && cur.IP == a.IP {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		dup := a
		dup.ID = m.id()
		m.addresses[dup.ID] = &dup
	}
	return nil
}

func (m *Memory) Addresses(_ context.Context, providerID int64, family iputil.Family, limit int, randomize bool) ([]IPAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []IPAddress
	for _, a := range m.addresses {
		if a.ProviderID != providerID {
			continue
		}
		if family != "" && a.Family != family {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if randomize {
		m.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountAddresses(_ context.Context, providerID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.addresses {
		if a.ProviderID == providerID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpsertLatency(_ context.Context, ip string, avg, std, loss float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.results[ip]
	if !ok {
		cur = &TestResult{IP: ip}
		m.results[ip] = cur
	}
	cur.AvgLatency = &avg
	cur.StdDeviation = &std
	cur.PacketLoss = &loss
	cur.TestTime = time.Now()
	return nil
}

func (m *Memory) UpdateSpeed(_ context.Context, ip string, speed float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.results[ip]
	if !ok {
		return ErrNotFound
	}
	cur.DownloadSpeed = &speed
	cur.TestTime = time.Now()
	return nil
}

func (m *Memory) Result(_ context.Context, ip string) (*TestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.results[ip]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *cur
	return &dup, nil
}

func (m *Memory) sortedResults() []TestResult {
	var out []TestResult
	for _, r := range m.results {
		if !r.IsDelete {
			out = append(out, *r)
		}
	}
	return out
}

func (m *Memory) TopResults(_ context.Context, n int) ([]TestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedResults()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		av, bv := floatOrInf(a.AvgLatency), floatOrInf(b.AvgLatency)
		if av != bv {
			return av < bv
		}
		al, bl := floatOrZero(a.PacketLoss), floatOrZero(b.PacketLoss)
		if al != bl {
			return al > bl
		}
		return a.IP < b.IP
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) BestResult(_ context.Context) (*TestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedResults()
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.DownloadSpeed != nil) != (b.DownloadSpeed != nil) {
			return a.DownloadSpeed != nil
		}
		as, bs := floatOrInf(a.StdDeviation), floatOrInf(b.StdDeviation)
		if as != bs {
			return as < bs
		}
		return a.IP < b.IP
	})
	best := out[0]
	return &best, nil
}

func (m *Memory) DeleteResult(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.results, ip)
	return nil
}

func (m *Memory) DeleteResultsOverGate(_ context.Context, maxAvg, maxLoss float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for ip, r := range m.results {
		if (r.AvgLatency != nil && *r.AvgLatency > maxAvg) || (r.PacketLoss != nil && *r.PacketLoss > maxLoss) {
			delete(m.results, ip)
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteSpeedFailures(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for ip, r := range m.results {
		if r.DownloadSpeed != nil && *r.DownloadSpeed == SpeedFailed {
			delete(m.results, ip)
			n++
		}
	}
	return n, nil
}

func (m *Memory) SetLocked(_ context.Context, ip string, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.results[ip]
	if !ok {
		return ErrNotFound
	}
	cur.IsLocked = locked
	return nil
}

func (m *Memory) ProviderConfig(_ context.Context, providerID int64) (*config.ProviderConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.configs[providerID]
	if !ok {
		return config.DefaultProviderConfig(), nil
	}
	dup := *cur
	return &dup, nil
}

func (m *Memory) SetProviderConfig(_ context.Context, providerID int64, cfg *config.ProviderConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := *cfg
	m.configs[providerID] = &dup
	return nil
}

func (m *Memory) HasMonitor(_ context.Context, providerID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.monitors[providerID]
	return ok, nil
}

func (m *Memory) SetMonitor(_ context.Context, providerID int64, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitors[providerID] = enabled
	return nil
}

func (m *Memory) MonitorEnabled(_ context.Context, providerID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitors[providerID], nil
}

func floatOrInf(v *float64) float64 {
	if v == nil {
		return math.MaxFloat64
	}
	return *v
}

func floatOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
