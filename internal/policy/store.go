package policy

import (
	"sort"
	"sync"

	"hotspotd.dev/governor/internal/metrics"
)

// Store owns every in-memory policy map. It is the Go expression of spec
// §9's "one owned policy-store value held by the supervisor... per-device
// fine-grained locks" redesign: a single struct guarded by one RWMutex for
// the maps themselves, plus a per-IP mutex so the accounting loop, the
// scheduler, and the command bus never observe a partially-applied device
// rule (spec §5, "per-device serialization").
type Store struct {
	mu sync.RWMutex

	devices       map[string]*Device
	manualLimits  map[string]ManualLimit
	quotas        map[string]Quota
	shaperClasses map[string]ShaperClass // keyed by IP
	schedules     map[string]*Schedule   // keyed by schedule id
	activeSched   map[string]string      // device IP -> active schedule id
	preSchedule   map[string]PreScheduleState
	adaptiveSet   map[string]bool // devices limited by the adaptive controller

	access       AccessControl
	ipBlockV4    []string
	ipBlockV6    []string
	isolation    bool
	capacity     Capacity
	forecast     []ForecastPoint

	deviceLocks sync.Map // IP -> *sync.Mutex

	metrics *metrics.Collector
}

// SetMetrics wires a Collector so mutations are reflected in
// hotspotd_policy_mutations_total. Safe to call once at startup; nil is a
// valid no-op receiver for every mutator below.
func (s *Store) SetMetrics(c *metrics.Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = c
}

func (s *Store) record(kind string) {
	if s.metrics != nil {
		s.metrics.PolicyMutations.WithLabelValues(kind).Inc()
	}
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		devices:       make(map[string]*Device),
		manualLimits:  make(map[string]ManualLimit),
		quotas:        make(map[string]Quota),
		shaperClasses: make(map[string]ShaperClass),
		schedules:     make(map[string]*Schedule),
		activeSched:   make(map[string]string),
		preSchedule:   make(map[string]PreScheduleState),
		adaptiveSet:   make(map[string]bool),
		access: AccessControl{
			Mode:    ACAllowAll,
			Blocked: make(map[string]bool),
			Allowed: make(map[string]bool),
		},
	}
}

// DeviceLock returns the mutex dedicated to serializing mutations of ip's
// shaper/quota/schedule state across the accounting loop, scheduler, and
// command bus goroutines.
func (s *Store) DeviceLock(ip string) *sync.Mutex {
	v, _ := s.deviceLocks.LoadOrStore(ip, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// --- Devices ---

func (s *Store) UpsertDevice(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.IP] = &d
}

func (s *Store) RemoveDevice(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, ip)
}

func (s *Store) Device(ip string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[ip]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

func (s *Store) Devices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// --- Manual limits ---

func (s *Store) SetManualLimit(l ManualLimit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manualLimits[l.IP] = l
	s.record("manual_limit_set")
}

func (s *Store) RemoveManualLimit(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.manualLimits, ip)
	s.record("manual_limit_removed")
}

func (s *Store) ManualLimit(ip string) (ManualLimit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.manualLimits[ip]
	return l, ok
}

func (s *Store) ManualLimits() []ManualLimit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ManualLimit, 0, len(s.manualLimits))
	for _, l := range s.manualLimits {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// --- Quotas ---

func (s *Store) SetQuota(q Quota) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[q.IP] = q
	s.record("quota_set")
}

func (s *Store) RemoveQuota(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quotas, ip)
	s.record("quota_removed")
}

func (s *Store) Quota(ip string) (Quota, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotas[ip]
	return q, ok
}

func (s *Store) Quotas() []Quota {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Quota, 0, len(s.quotas))
	for _, q := range s.quotas {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// --- Shaper classes (mirrors what the shaper has actually installed) ---

func (s *Store) SetShaperClass(c ShaperClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shaperClasses[c.IP] = c
}

func (s *Store) RemoveShaperClass(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shaperClasses, ip)
}

func (s *Store) ShaperClass(ip string) (ShaperClass, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.shaperClasses[ip]
	return c, ok
}

func (s *Store) ShaperClasses() []ShaperClass {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ShaperClass, 0, len(s.shaperClasses))
	for _, c := range s.shaperClasses {
		out = append(out, c)
	}
	return out
}

// --- Schedules ---

func (s *Store) SaveSchedule(sch *Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sch.ID] = sch
	s.record("schedule_saved")
}

func (s *Store) DeleteSchedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	s.record("schedule_deleted")
}

func (s *Store) Schedule(id string) (*Schedule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sch, ok := s.schedules[id]
	return sch, ok
}

func (s *Store) Schedules() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		out = append(out, sch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Active-schedule / pre-schedule bookkeeping (spec §4.8 invariants) ---

// ActiveSchedule returns the schedule id currently active on ip, if any.
func (s *Store) ActiveSchedule(ip string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeSched[ip]
	return id, ok
}

// ActiveSchedules returns a snapshot of every device IP -> active schedule
// id mapping, for the supervisor's shutdown pass.
func (s *Store) ActiveSchedules() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.activeSched))
	for ip, id := range s.activeSched {
		out[ip] = id
	}
	return out
}

// SetActiveSchedule records that id is now the unique active schedule on ip.
func (s *Store) SetActiveSchedule(ip, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeSched[ip] = id
}

// ClearActiveSchedule removes ip's active-schedule record.
func (s *Store) ClearActiveSchedule(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeSched, ip)
}

func (s *Store) SetPreScheduleState(st PreScheduleState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preSchedule[st.DeviceIP] = st
}

func (s *Store) PreScheduleState(ip string) (PreScheduleState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.preSchedule[ip]
	return st, ok
}

func (s *Store) ClearPreScheduleState(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.preSchedule, ip)
}

// --- Adaptive set ---

func (s *Store) AddAdaptive(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adaptiveSet[ip] = true
}

func (s *Store) RemoveAdaptive(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.adaptiveSet, ip)
}

func (s *Store) IsAdaptive(ip string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adaptiveSet[ip]
}

func (s *Store) AdaptiveDevices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.adaptiveSet))
	for ip := range s.adaptiveSet {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

// --- Access control ---

func (s *Store) SetACMode(m ACMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access.Mode = m
	s.record("ac_mode_set")
}

func (s *Store) AddBlockedMAC(mac string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access.Blocked[mac] = true
	s.record("mac_blocked")
}

func (s *Store) RemoveBlockedMAC(mac string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.access.Blocked, mac)
	s.record("mac_unblocked")
}

func (s *Store) AddAllowedMAC(mac string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access.Allowed[mac] = true
	s.record("mac_allowed")
}

func (s *Store) RemoveAllowedMAC(mac string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.access.Allowed, mac)
	s.record("mac_disallowed")
}

func (s *Store) AccessControl() AccessControl {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := AccessControl{
		Mode:    s.access.Mode,
		Blocked: make(map[string]bool, len(s.access.Blocked)),
		Allowed: make(map[string]bool, len(s.access.Allowed)),
	}
	for k := range s.access.Blocked {
		cp.Blocked[k] = true
	}
	for k := range s.access.Allowed {
		cp.Allowed[k] = true
	}
	return cp
}

// --- IP block list ---

func (s *Store) AddIPBlock(cidrOrIP string, isV6 bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isV6 {
		s.ipBlockV6 = appendUnique(s.ipBlockV6, cidrOrIP)
	} else {
		s.ipBlockV4 = appendUnique(s.ipBlockV4, cidrOrIP)
	}
	s.record("ip_block_added")
}

func (s *Store) RemoveIPBlock(cidrOrIP string, isV6 bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isV6 {
		s.ipBlockV6 = removeString(s.ipBlockV6, cidrOrIP)
	} else {
		s.ipBlockV4 = removeString(s.ipBlockV4, cidrOrIP)
	}
	s.record("ip_block_removed")
}

func (s *Store) IPBlockList() (v4, v6 []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.ipBlockV4...), append([]string(nil), s.ipBlockV6...)
}

// --- Isolation ---

func (s *Store) SetIsolation(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isolation = enabled
	s.record("isolation_set")
}

func (s *Store) Isolation() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isolation
}

// --- Capacity / forecast ---

func (s *Store) SetCapacity(c Capacity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = c
}

func (s *Store) Capacity() Capacity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capacity
}

func (s *Store) SetForecast(points []ForecastPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forecast = append([]ForecastPoint(nil), points...)
}

func (s *Store) Forecast() []ForecastPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ForecastPoint(nil), s.forecast...)
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
