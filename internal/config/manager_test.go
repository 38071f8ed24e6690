package config

import (
	"encoding/json"
	"testing"
)

func defaultManager() *Manager {
	return NewManager(DefaultGuardrails(), DefaultSizing(), DefaultBuffering(), DefaultSystem())
}

func i64(v int64) *int64   { return &v }
func str(v string) *string { return &v }

func TestDefaults(t *testing.T) {
	t.Parallel()
	m := defaultManager()

	g := m.GuardrailsFor(0)
	if g.MaxWorseningVsTheirFillMicros != 10_000 || g.MaxSpreadMicros != 20_000 {
		t.Errorf("guardrail defaults wrong: %+v", g)
	}
	s := m.SizingFor(0)
	if s.CopyPctNotionalBps != 100 || s.SizingMode != SizingFixedRate {
		t.Errorf("sizing defaults wrong: %+v", s)
	}
	b := m.Buffering()
	if b.NotionalThresholdMicros != 250_000 || b.QuietFlushMs != 600 {
		t.Errorf("buffering defaults wrong: %+v", b)
	}
	if !m.System().CopyEngineEnabled {
		t.Error("engine should default enabled")
	}
}

func TestApplyGlobalPartial(t *testing.T) {
	t.Parallel()
	m := defaultManager()

	err := m.ApplyGlobal(GlobalPatch{
		Guardrails: &GuardrailsPatch{MaxSpreadMicros: i64(30_000)},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	g := m.GuardrailsFor(0)
	if g.MaxSpreadMicros != 30_000 {
		t.Errorf("max spread = %d, want 30000", g.MaxSpreadMicros)
	}
	// Untouched fields and sections keep their values.
	if g.MaxOverMidMicros != 15_000 {
		t.Errorf("max over mid changed: %d", g.MaxOverMidMicros)
	}
	if m.SizingFor(0).CopyPctNotionalBps != 100 {
		t.Error("sizing mutated by a guardrails-only patch")
	}
}

func TestApplyGlobalRejectsInvalidSection(t *testing.T) {
	t.Parallel()
	m := defaultManager()

	err := m.ApplyGlobal(GlobalPatch{
		Sizing: &SizingPatch{SizingMode: str("NONSENSE")},
	})
	if err == nil {
		t.Fatal("invalid sizing mode should reject the patch")
	}
	if m.SizingFor(0).SizingMode != SizingFixedRate {
		t.Error("rejected patch must not mutate state")
	}
}

func TestUserOverrideInheritance(t *testing.T) {
	t.Parallel()
	m := defaultManager()

	err := m.ApplyUser(7, UserPatch{
		Sizing: &SizingPatch{CopyPctNotionalBps: i64(250)},
	})
	if err != nil {
		t.Fatalf("apply user: %v", err)
	}

	if got := m.SizingFor(7).CopyPctNotionalBps; got != 250 {
		t.Errorf("leader 7 rate = %d, want 250", got)
	}
	// Unset fields inherit the global value.
	if got := m.SizingFor(7).MinTradeNotionalMicros; got != 5_000_000 {
		t.Errorf("leader 7 min trade = %d, want inherited 5000000", got)
	}
	// Other leaders are unaffected.
	if got := m.SizingFor(8).CopyPctNotionalBps; got != 100 {
		t.Errorf("leader 8 rate = %d, want 100", got)
	}

	// Global updates flow through to overridden leaders' unset fields.
	if err := m.ApplyGlobal(GlobalPatch{Sizing: &SizingPatch{MinTradeNotionalMicros: i64(1_000_000)}}); err != nil {
		t.Fatalf("apply global: %v", err)
	}
	if got := m.SizingFor(7).MinTradeNotionalMicros; got != 1_000_000 {
		t.Errorf("leader 7 min trade = %d, want 1000000", got)
	}
	if got := m.SizingFor(7).CopyPctNotionalBps; got != 250 {
		t.Errorf("leader 7 rate lost its override: %d", got)
	}
}

func TestUserOverrideEmptyStringInherits(t *testing.T) {
	t.Parallel()
	m := defaultManager()

	if err := m.ApplyUser(7, UserPatch{Sizing: &SizingPatch{SizingMode: str(SizingBudgetedDynamic)}}); err != nil {
		t.Fatalf("set override: %v", err)
	}
	if m.SizingFor(7).SizingMode != SizingBudgetedDynamic {
		t.Fatal("override not applied")
	}

	// Empty string clears the override back to inherit.
	if err := m.ApplyUser(7, UserPatch{Sizing: &SizingPatch{SizingMode: str("")}}); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	if m.SizingFor(7).SizingMode != SizingFixedRate {
		t.Errorf("mode = %q, want inherited FIXED_RATE", m.SizingFor(7).SizingMode)
	}
}

func TestPauseToggle(t *testing.T) {
	t.Parallel()
	m := defaultManager()

	m.SetEngineEnabled(false)
	if m.EngineEnabled() {
		t.Error("pause did not stick")
	}
	m.SetEngineEnabled(true)
	if !m.EngineEnabled() {
		t.Error("resume did not stick")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()
	m := defaultManager()
	if err := m.ApplyGlobal(GlobalPatch{Guardrails: &GuardrailsPatch{MaxSpreadMicros: i64(25_000)}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := m.ApplyUser(3, UserPatch{Sizing: &SizingPatch{CopyPctNotionalBps: i64(50)}}); err != nil {
		t.Fatalf("apply user: %v", err)
	}

	blob, err := json.Marshal(m.Export())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	restored := defaultManager()
	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := restored.Import(snap); err != nil {
		t.Fatalf("import: %v", err)
	}

	if restored.GuardrailsFor(0).MaxSpreadMicros != 25_000 {
		t.Error("global section lost in round trip")
	}
	if restored.SizingFor(3).CopyPctNotionalBps != 50 {
		t.Error("user override lost in round trip")
	}
}

func TestPatchUnknownFieldsIgnored(t *testing.T) {
	t.Parallel()
	var p GlobalPatch
	raw := `{"guardrails":{"maxSpreadMicros":30000,"someFutureKnob":true}}`
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unknown fields must be ignored: %v", err)
	}
	if p.Guardrails == nil || p.Guardrails.MaxSpreadMicros == nil || *p.Guardrails.MaxSpreadMicros != 30_000 {
		t.Errorf("patch = %+v", p)
	}

	// A type error rejects the section.
	if err := json.Unmarshal([]byte(`{"guardrails":{"maxSpreadMicros":"wide"}}`), &p); err == nil {
		t.Error("type mismatch should fail decoding")
	}
}
