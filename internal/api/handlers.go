package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"time"

	"polymarket-copy/internal/config"
	"polymarket-copy/internal/executor"
	"polymarket-copy/internal/portfolio"
	"polymarket-copy/internal/store"
	"polymarket-copy/pkg/micros"
	"polymarket-copy/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	store     *store.Store
	mgr       *config.Manager
	exec      *executor.Executor
	portfolio *portfolio.Reader
	logger    *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(st *store.Store, mgr *config.Manager, exec *executor.Executor, pf *portfolio.Reader, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:     st,
		mgr:       mgr,
		exec:      exec,
		portfolio: pf,
		logger:    logger.With("component", "api-handlers"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandlePortfolioGlobal serves GET /api/portfolio/global.
func (h *Handlers) HandlePortfolioGlobal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state, err := h.portfolio.State(ctx, types.ScopeExecGlobal, 0)
	if err != nil {
		h.logger.Error("portfolio state failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Global-scope ledger rows carry the originating leader id; merge per asset.
	byLeader, err := h.store.PositionsByLeader(ctx, types.ScopeExecGlobal)
	if err != nil {
		h.logger.Error("positions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	positions := mergePositions(byLeader)

	resp := PortfolioResponse{
		Positions:        []PositionDTO{},
		ExposureByMarket: []ExposureDTO{},
		ExposureByUser:   []ExposureDTO{},
	}
	for _, p := range positions {
		price, ok, _ := h.store.LatestMarkPrice(ctx, p.AssetID)
		if !ok {
			price = 500_000
		}
		value := new(big.Int).Abs(micros.Notional(p.ShareMicros, price))
		resp.Positions = append(resp.Positions, PositionDTO{
			AssetID:   p.AssetID,
			MarketID:  p.MarketID,
			Shares:    micros.FormatBig(p.ShareMicros),
			Value:     micros.FormatBig(value),
			CostBasis: micros.FormatBig(p.CostBasisMicros),
		})
	}

	for _, key := range sortedKeys(state.ExposureByMarket) {
		resp.ExposureByMarket = append(resp.ExposureByMarket, ExposureDTO{
			Key: key, Exposure: micros.FormatBig(state.ExposureByMarket[key]),
		})
	}
	for _, id := range sortedInt64Keys(state.ExposureByLeader) {
		resp.ExposureByUser = append(resp.ExposureByUser, ExposureDTO{
			Key: strconv.FormatInt(id, 10), Exposure: micros.FormatBig(state.ExposureByLeader[id]),
		})
	}

	pnl, err := h.portfolio.PnlWindows(ctx, types.ScopeExecGlobal, 0, state.EquityMicros)
	if err != nil {
		h.logger.Error("pnl windows failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	g := h.mgr.GuardrailsFor(0)
	cash := new(big.Int).Sub(state.EquityMicros, state.TotalExposureMicros)
	drawdown := new(big.Int).Sub(state.PeakEquityMicros, state.EquityMicros)
	if drawdown.Sign() < 0 {
		drawdown = micros.Zero()
	}
	maxDD := float64(g.MaxDrawdownLimitBps) / 100
	currentDD := pct(drawdown, state.PeakEquityMicros)
	riskCap := micros.ApplyBps(state.EquityMicros, g.MaxTotalExposureBps)

	resp.Metrics = MetricsDTO{
		Equity:             micros.FormatBig(state.EquityMicros),
		Cash:               micros.FormatBig(cash),
		Exposure:           micros.FormatBig(state.TotalExposureMicros),
		Pnl:                micros.FormatBig(pnl["24h"]),
		Pnl1h:              micros.FormatBig(pnl["1h"]),
		Pnl24h:             micros.FormatBig(pnl["24h"]),
		Pnl7d:              micros.FormatBig(pnl["7d"]),
		Pnl30d:             micros.FormatBig(pnl["30d"]),
		ExposurePct:        pct(state.TotalExposureMicros, state.EquityMicros),
		RiskUtilizationPct: pct(state.TotalExposureMicros, riskCap),
		MaxDrawdownPct:     maxDD,
		CurrentDrawdownPct: currentDD,
	}
	if maxDD > 0 {
		resp.Metrics.DrawdownUtilizationPct = currentDD / maxDD * 100
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleCopyAttempts serves GET /api/copy-attempts?limit=&cursor=&assetId=.
func (h *Handlers) HandleCopyAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	cursor, _ := strconv.ParseInt(q.Get("cursor"), 10, 64)

	rows, total, err := h.store.ListAttempts(r.Context(), limit, cursor, q.Get("assetId"))
	if err != nil {
		h.logger.Error("list attempts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]CopyAttemptDTO, 0, len(rows))
	for _, row := range rows {
		items = append(items, attemptDTO(row))
	}
	writeJSON(w, http.StatusOK, AttemptsResponse{Items: items, Total: total})
}

// HandleUsers serves GET /api/users: leaders with their labels and
// per-leader copy-attempt counts.
func (h *Handlers) HandleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListFollowedUsers(r.Context())
	if err != nil {
		h.logger.Error("list users failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	counts, err := h.store.AttemptCountsByUser(r.Context())
	if err != nil {
		h.logger.Error("attempt counts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]UserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, UserDTO{
			ID:           u.ID,
			Address:      u.Address.Hex(),
			Label:        u.Label,
			AttemptCount: counts[u.ID],
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGetGlobalConfig serves GET /api/config/global.
func (h *Handlers) HandleGetGlobalConfig(w http.ResponseWriter, r *http.Request) {
	snap := h.mgr.Export()
	snap.Users = nil
	writeJSON(w, http.StatusOK, snap)
}

// HandlePostGlobalConfig serves POST /api/config/global: a partial update
// where only provided top-level sections are mutated.
func (h *Handlers) HandlePostGlobalConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.GlobalPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := h.mgr.ApplyGlobal(patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.persistConfig(r.Context())
	snap := h.mgr.Export()
	snap.Users = nil
	writeJSON(w, http.StatusOK, snap)
}

// HandleGetUserConfig serves GET /api/config/user/{id}: the stored override
// set plus the resolved effective sections.
func (h *Handlers) HandleGetUserConfig(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	override, _ := h.mgr.UserOverride(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"override": override,
		"effective": map[string]any{
			"guardrails": h.mgr.GuardrailsFor(id),
			"sizing":     h.mgr.SizingFor(id),
		},
	})
}

// HandlePostUserConfig serves POST /api/config/user/{id}. An empty string in
// a string field clears that override (inherit from global).
func (h *Handlers) HandlePostUserConfig(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var patch config.UserPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := h.mgr.ApplyUser(id, patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.persistConfig(r.Context())
	override, _ := h.mgr.UserOverride(id)
	writeJSON(w, http.StatusOK, map[string]any{"override": override})
}

// HandlePause serves POST /api/control/pause.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	switch req.Action {
	case "PAUSE":
		h.mgr.SetEngineEnabled(false)
	case "RESUME":
		h.mgr.SetEngineEnabled(true)
	default:
		writeError(w, http.StatusBadRequest, "action must be PAUSE or RESUME")
		return
	}
	h.persistConfig(r.Context())
	h.logger.Info("engine pause toggled", "action", req.Action)
	writeJSON(w, http.StatusOK, map[string]bool{"copyEngineEnabled": h.mgr.EngineEnabled()})
}

// HandleConfigTest serves POST /api/config/test: replay the last 24 h of
// global groups under the current configuration without persisting.
func (h *Handlers) HandleConfigTest(w http.ResponseWriter, r *http.Request) {
	var req TestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Scope != "GLOBAL" {
		writeError(w, http.StatusBadRequest, "scope must be GLOBAL")
		return
	}
	res, err := h.exec.Replay(r.Context(), time.Now().Add(-24*time.Hour))
	if err != nil {
		h.logger.Error("replay failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) persistConfig(ctx context.Context) {
	blob, err := json.Marshal(h.mgr.Export())
	if err != nil {
		return
	}
	if err := h.store.SaveConfig(ctx, blob); err != nil {
		h.logger.Error("persist config failed", "error", err)
	}
}

func mergePositions(byLeader []store.LeaderPosition) []store.Position {
	byAsset := make(map[string]*store.Position)
	var order []string
	for _, p := range byLeader {
		dst, ok := byAsset[p.AssetID]
		if !ok {
			dst = &store.Position{
				AssetID:         p.AssetID,
				MarketID:        p.MarketID,
				ShareMicros:     new(big.Int),
				CostBasisMicros: new(big.Int),
			}
			byAsset[p.AssetID] = dst
			order = append(order, p.AssetID)
		}
		dst.ShareMicros.Add(dst.ShareMicros, p.ShareMicros)
	}
	out := make([]store.Position, 0, len(order))
	for _, id := range order {
		out = append(out, *byAsset[id])
	}
	return out
}

func sortedKeys(m map[string]*big.Int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedInt64Keys(m map[int64]*big.Int) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
