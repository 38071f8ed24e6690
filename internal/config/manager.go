package config

import (
	"fmt"
	"sync"
)

// GuardrailsPatch is a field-level partial update for Guardrails. Nil fields
// leave the current value untouched.
type GuardrailsPatch struct {
	MaxWorseningVsTheirFillMicros  *int64 `json:"maxWorseningVsTheirFillMicros,omitempty"`
	MaxBuyCostPerShareMicros       *int64 `json:"maxBuyCostPerShareMicros,omitempty"`
	MaxOverMidMicros               *int64 `json:"maxOverMidMicros,omitempty"`
	MaxSpreadMicros                *int64 `json:"maxSpreadMicros,omitempty"`
	MinDepthMultiplierBps          *int64 `json:"minDepthMultiplierBps,omitempty"`
	NoNewOpensWithinMinutesToClose *int64 `json:"noNewOpensWithinMinutesToClose,omitempty"`
	DecisionLatencyMs              *int64 `json:"decisionLatencyMs,omitempty"`
	JitterMsMax                    *int64 `json:"jitterMsMax,omitempty"`
	MaxTotalExposureBps            *int64 `json:"maxTotalExposureBps,omitempty"`
	MaxExposurePerMarketBps        *int64 `json:"maxExposurePerMarketBps,omitempty"`
	MaxExposurePerUserBps          *int64 `json:"maxExposurePerUserBps,omitempty"`
	DailyLossLimitBps              *int64 `json:"dailyLossLimitBps,omitempty"`
	WeeklyLossLimitBps             *int64 `json:"weeklyLossLimitBps,omitempty"`
	MaxDrawdownLimitBps            *int64 `json:"maxDrawdownLimitBps,omitempty"`
}

// Apply overlays the patch's set fields onto g.
func (p GuardrailsPatch) Apply(g Guardrails) Guardrails {
	setI64(&g.MaxWorseningVsTheirFillMicros, p.MaxWorseningVsTheirFillMicros)
	setI64(&g.MaxBuyCostPerShareMicros, p.MaxBuyCostPerShareMicros)
	setI64(&g.MaxOverMidMicros, p.MaxOverMidMicros)
	setI64(&g.MaxSpreadMicros, p.MaxSpreadMicros)
	setI64(&g.MinDepthMultiplierBps, p.MinDepthMultiplierBps)
	setI64(&g.NoNewOpensWithinMinutesToClose, p.NoNewOpensWithinMinutesToClose)
	setI64(&g.DecisionLatencyMs, p.DecisionLatencyMs)
	setI64(&g.JitterMsMax, p.JitterMsMax)
	setI64(&g.MaxTotalExposureBps, p.MaxTotalExposureBps)
	setI64(&g.MaxExposurePerMarketBps, p.MaxExposurePerMarketBps)
	setI64(&g.MaxExposurePerUserBps, p.MaxExposurePerUserBps)
	setI64(&g.DailyLossLimitBps, p.DailyLossLimitBps)
	setI64(&g.WeeklyLossLimitBps, p.WeeklyLossLimitBps)
	setI64(&g.MaxDrawdownLimitBps, p.MaxDrawdownLimitBps)
	return g
}

// SizingPatch is a field-level partial update for Sizing. An empty string in
// SizingMode or BudgetEnforcement clears a per-leader override (inherit).
type SizingPatch struct {
	CopyPctNotionalBps           *int64  `json:"copyPctNotionalBps,omitempty"`
	MinTradeNotionalMicros       *int64  `json:"minTradeNotionalMicros,omitempty"`
	MaxTradeNotionalMicros       *int64  `json:"maxTradeNotionalMicros,omitempty"`
	MaxTradeBankrollBps          *int64  `json:"maxTradeBankrollBps,omitempty"`
	SizingMode                   *string `json:"sizingMode,omitempty"`
	BudgetedDynamicEnabled       *bool   `json:"budgetedDynamicEnabled,omitempty"`
	BudgetUsdcMicros             *int64  `json:"budgetUsdcMicros,omitempty"`
	BudgetRMinBps                *int64  `json:"budgetRMinBps,omitempty"`
	BudgetRMaxBps                *int64  `json:"budgetRMaxBps,omitempty"`
	BudgetEnforcement            *string `json:"budgetEnforcement,omitempty"`
	MinLeaderTradeNotionalMicros *int64  `json:"minLeaderTradeNotionalMicros,omitempty"`
}

// Apply overlays the patch's set fields onto s. Empty strings are treated as
// "inherit" and leave the base value in place.
func (p SizingPatch) Apply(s Sizing) Sizing {
	setI64(&s.CopyPctNotionalBps, p.CopyPctNotionalBps)
	setI64(&s.MinTradeNotionalMicros, p.MinTradeNotionalMicros)
	setI64(&s.MaxTradeNotionalMicros, p.MaxTradeNotionalMicros)
	setI64(&s.MaxTradeBankrollBps, p.MaxTradeBankrollBps)
	if p.SizingMode != nil && *p.SizingMode != "" {
		s.SizingMode = *p.SizingMode
	}
	if p.BudgetedDynamicEnabled != nil {
		s.BudgetedDynamicEnabled = *p.BudgetedDynamicEnabled
	}
	setI64(&s.BudgetUsdcMicros, p.BudgetUsdcMicros)
	setI64(&s.BudgetRMinBps, p.BudgetRMinBps)
	setI64(&s.BudgetRMaxBps, p.BudgetRMaxBps)
	if p.BudgetEnforcement != nil && *p.BudgetEnforcement != "" {
		s.BudgetEnforcement = *p.BudgetEnforcement
	}
	setI64(&s.MinLeaderTradeNotionalMicros, p.MinLeaderTradeNotionalMicros)
	return s
}

// BufferingPatch is a field-level partial update for Buffering.
type BufferingPatch struct {
	Enabled                 *bool   `json:"enabled,omitempty"`
	NotionalThresholdMicros *int64  `json:"notionalThresholdMicros,omitempty"`
	FlushMinNotionalMicros  *int64  `json:"flushMinNotionalMicros,omitempty"`
	MinExecNotionalMicros   *int64  `json:"minExecNotionalMicros,omitempty"`
	MaxBufferMs             *int64  `json:"maxBufferMs,omitempty"`
	QuietFlushMs            *int64  `json:"quietFlushMs,omitempty"`
	NettingMode             *string `json:"nettingMode,omitempty"`
}

func (p BufferingPatch) Apply(b Buffering) Buffering {
	if p.Enabled != nil {
		b.Enabled = *p.Enabled
	}
	setI64(&b.NotionalThresholdMicros, p.NotionalThresholdMicros)
	setI64(&b.FlushMinNotionalMicros, p.FlushMinNotionalMicros)
	setI64(&b.MinExecNotionalMicros, p.MinExecNotionalMicros)
	setI64(&b.MaxBufferMs, p.MaxBufferMs)
	setI64(&b.QuietFlushMs, p.QuietFlushMs)
	if p.NettingMode != nil && *p.NettingMode != "" {
		b.NettingMode = *p.NettingMode
	}
	return b
}

// SystemPatch is a field-level partial update for System.
type SystemPatch struct {
	CopyEngineEnabled     *bool  `json:"copyEngineEnabled,omitempty"`
	AggregationWindowMs   *int64 `json:"aggregationWindowMs,omitempty"`
	InitialBankrollMicros *int64 `json:"initialBankrollMicros,omitempty"`
}

func (p SystemPatch) Apply(s System) System {
	if p.CopyEngineEnabled != nil {
		s.CopyEngineEnabled = *p.CopyEngineEnabled
	}
	setI64(&s.AggregationWindowMs, p.AggregationWindowMs)
	setI64(&s.InitialBankrollMicros, p.InitialBankrollMicros)
	return s
}

// GlobalPatch is the POST /api/config/global body. Only provided top-level
// sections are mutated.
type GlobalPatch struct {
	Guardrails *GuardrailsPatch `json:"guardrails,omitempty"`
	Sizing     *SizingPatch     `json:"sizing,omitempty"`
	Buffering  *BufferingPatch  `json:"smallTradeBuffering,omitempty"`
	System     *SystemPatch     `json:"system,omitempty"`
}

// UserPatch is the POST /api/config/user/:id body.
type UserPatch struct {
	Guardrails *GuardrailsPatch `json:"guardrails,omitempty"`
	Sizing     *SizingPatch     `json:"sizing,omitempty"`
}

// UserOverride is the stored per-leader override set. Missing fields inherit
// from the global sections at resolution time.
type UserOverride struct {
	Guardrails GuardrailsPatch `json:"guardrails"`
	Sizing     SizingPatch     `json:"sizing"`
}

// Snapshot is the exportable state of a Manager: effective global sections
// plus per-leader overrides. Used for API reads and store persistence.
type Snapshot struct {
	Guardrails Guardrails             `json:"guardrails"`
	Sizing     Sizing                 `json:"sizing"`
	Buffering  Buffering              `json:"smallTradeBuffering"`
	System     System                 `json:"system"`
	Users      map[int64]UserOverride `json:"users,omitempty"`
}

// Manager holds the effective configuration: global sections plus per-leader
// overrides. Updates take effect on the next decision; readers always see a
// consistent copy.
type Manager struct {
	mu         sync.RWMutex
	guardrails Guardrails
	sizing     Sizing
	buffering  Buffering
	system     System
	users      map[int64]UserOverride
}

// NewManager creates a manager seeded from the loaded file config.
func NewManager(g Guardrails, s Sizing, b Buffering, sys System) *Manager {
	return &Manager{
		guardrails: g,
		sizing:     s,
		buffering:  b,
		system:     sys,
		users:      make(map[int64]UserOverride),
	}
}

// GuardrailsFor resolves the effective guardrails for a leader. userID 0
// (the global scope's null leader) resolves to the global sections.
func (m *Manager) GuardrailsFor(userID int64) Guardrails {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g := m.guardrails
	if o, ok := m.users[userID]; ok {
		g = o.Guardrails.Apply(g)
	}
	return g
}

// SizingFor resolves the effective sizing for a leader.
func (m *Manager) SizingFor(userID int64) Sizing {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sizing
	if o, ok := m.users[userID]; ok {
		s = o.Sizing.Apply(s)
	}
	return s
}

// Buffering returns the current buffer settings.
func (m *Manager) Buffering() Buffering {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.buffering
}

// System returns the current system settings.
func (m *Manager) System() System {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.system
}

// EngineEnabled reports whether the copy engine is running decisions.
func (m *Manager) EngineEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.system.CopyEngineEnabled
}

// SetEngineEnabled toggles the engine pause switch.
func (m *Manager) SetEngineEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system.CopyEngineEnabled = enabled
}

// ApplyGlobal merges a partial update into the global sections. Each provided
// section is validated post-merge; an invalid section rejects the whole patch.
func (m *Manager) ApplyGlobal(p GlobalPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, s, b, sys := m.guardrails, m.sizing, m.buffering, m.system
	if p.Guardrails != nil {
		g = p.Guardrails.Apply(g)
		if err := g.Validate(); err != nil {
			return fmt.Errorf("guardrails: %w", err)
		}
	}
	if p.Sizing != nil {
		s = p.Sizing.Apply(s)
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sizing: %w", err)
		}
	}
	if p.Buffering != nil {
		b = p.Buffering.Apply(b)
		if err := b.Validate(); err != nil {
			return fmt.Errorf("smallTradeBuffering: %w", err)
		}
	}
	if p.System != nil {
		sys = p.System.Apply(sys)
		if err := sys.Validate(); err != nil {
			return fmt.Errorf("system: %w", err)
		}
	}
	m.guardrails, m.sizing, m.buffering, m.system = g, s, b, sys
	return nil
}

// ApplyUser merges a partial update into a leader's override set. The merged
// override is validated against the resolved global sections.
func (m *Manager) ApplyUser(userID int64, p UserPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := m.users[userID]
	if p.Guardrails != nil {
		o.Guardrails = mergeGuardrailsPatch(o.Guardrails, *p.Guardrails)
	}
	if p.Sizing != nil {
		o.Sizing = mergeSizingPatch(o.Sizing, *p.Sizing)
	}
	if err := o.Guardrails.Apply(m.guardrails).Validate(); err != nil {
		return fmt.Errorf("guardrails: %w", err)
	}
	if err := o.Sizing.Apply(m.sizing).Validate(); err != nil {
		return fmt.Errorf("sizing: %w", err)
	}
	m.users[userID] = o
	return nil
}

// UserOverride returns the stored override set for a leader.
func (m *Manager) UserOverride(userID int64) (UserOverride, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.users[userID]
	return o, ok
}

// Export captures the full state for persistence or API reads.
func (m *Manager) Export() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make(map[int64]UserOverride, len(m.users))
	for id, o := range m.users {
		users[id] = o
	}
	return Snapshot{
		Guardrails: m.guardrails,
		Sizing:     m.sizing,
		Buffering:  m.buffering,
		System:     m.system,
		Users:      users,
	}
}

// Import replaces the full state, typically from the persisted snapshot at
// startup. Invalid sections are rejected wholesale.
func (m *Manager) Import(s Snapshot) error {
	if err := s.Guardrails.Validate(); err != nil {
		return fmt.Errorf("guardrails: %w", err)
	}
	if err := s.Sizing.Validate(); err != nil {
		return fmt.Errorf("sizing: %w", err)
	}
	if err := s.Buffering.Validate(); err != nil {
		return fmt.Errorf("smallTradeBuffering: %w", err)
	}
	if err := s.System.Validate(); err != nil {
		return fmt.Errorf("system: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guardrails = s.Guardrails
	m.sizing = s.Sizing
	m.buffering = s.Buffering
	m.system = s.System
	m.users = make(map[int64]UserOverride, len(s.Users))
	for id, o := range s.Users {
		m.users[id] = o
	}
	return nil
}

func setI64(dst *int64, src *int64) {
	if src != nil {
		*dst = *src
	}
}

func mergeGuardrailsPatch(base, over GuardrailsPatch) GuardrailsPatch {
	mergeI64(&base.MaxWorseningVsTheirFillMicros, over.MaxWorseningVsTheirFillMicros)
	mergeI64(&base.MaxBuyCostPerShareMicros, over.MaxBuyCostPerShareMicros)
	mergeI64(&base.MaxOverMidMicros, over.MaxOverMidMicros)
	mergeI64(&base.MaxSpreadMicros, over.MaxSpreadMicros)
	mergeI64(&base.MinDepthMultiplierBps, over.MinDepthMultiplierBps)
	mergeI64(&base.NoNewOpensWithinMinutesToClose, over.NoNewOpensWithinMinutesToClose)
	mergeI64(&base.DecisionLatencyMs, over.DecisionLatencyMs)
	mergeI64(&base.JitterMsMax, over.JitterMsMax)
	mergeI64(&base.MaxTotalExposureBps, over.MaxTotalExposureBps)
	mergeI64(&base.MaxExposurePerMarketBps, over.MaxExposurePerMarketBps)
	mergeI64(&base.MaxExposurePerUserBps, over.MaxExposurePerUserBps)
	mergeI64(&base.DailyLossLimitBps, over.DailyLossLimitBps)
	mergeI64(&base.WeeklyLossLimitBps, over.WeeklyLossLimitBps)
	mergeI64(&base.MaxDrawdownLimitBps, over.MaxDrawdownLimitBps)
	return base
}

func mergeSizingPatch(base, over SizingPatch) SizingPatch {
	mergeI64(&base.CopyPctNotionalBps, over.CopyPctNotionalBps)
	mergeI64(&base.MinTradeNotionalMicros, over.MinTradeNotionalMicros)
	mergeI64(&base.MaxTradeNotionalMicros, over.MaxTradeNotionalMicros)
	mergeI64(&base.MaxTradeBankrollBps, over.MaxTradeBankrollBps)
	if over.SizingMode != nil {
		if *over.SizingMode == "" {
			base.SizingMode = nil // empty string clears the override
		} else {
			base.SizingMode = over.SizingMode
		}
	}
	if over.BudgetedDynamicEnabled != nil {
		base.BudgetedDynamicEnabled = over.BudgetedDynamicEnabled
	}
	mergeI64(&base.BudgetUsdcMicros, over.BudgetUsdcMicros)
	mergeI64(&base.BudgetRMinBps, over.BudgetRMinBps)
	mergeI64(&base.BudgetRMaxBps, over.BudgetRMaxBps)
	if over.BudgetEnforcement != nil {
		if *over.BudgetEnforcement == "" {
			base.BudgetEnforcement = nil
		} else {
			base.BudgetEnforcement = over.BudgetEnforcement
		}
	}
	mergeI64(&base.MinLeaderTradeNotionalMicros, over.MinLeaderTradeNotionalMicros)
	return base
}

func mergeI64(dst **int64, src *int64) {
	if src != nil {
		v := *src
		*dst = &v
	}
}
