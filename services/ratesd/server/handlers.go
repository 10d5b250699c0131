package server

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"ratecontrol/config"
	coreerrors "ratecontrol/core/errors"
	"ratecontrol/crypto"
	"ratecontrol/native/access"
	"ratecontrol/native/pid"
	"ratecontrol/native/ratebuffer"
	"ratecontrol/native/ratecontrol"
	"ratecontrol/services/ratesd/export"
	"ratecontrol/services/ratesd/middleware"
)

const maxBodyBytes = 1 << 16

type rateJSON struct {
	Target     string `json:"target"`
	Current    string `json:"current"`
	TargetRaw  string `json:"target_raw"`
	CurrentRaw string `json:"current_raw"`
	Timestamp  uint32 `json:"timestamp"`
}

func rateFrom(r ratebuffer.Rate) rateJSON {
	target := new(big.Int).SetUint64(r.Target)
	current := new(big.Int).SetUint64(r.Current)
	return rateJSON{
		Target:     pid.FormatFixed(target),
		Current:    pid.FormatFixed(current),
		TargetRaw:  target.String(),
		CurrentRaw: current.String(),
		Timestamp:  r.Timestamp,
	}
}

type statusJSON struct {
	Entity      string              `json:"entity"`
	Address     string              `json:"address"`
	State       string              `json:"state"`
	Capacity    uint16              `json:"capacity"`
	Count       uint16              `json:"count"`
	Full        bool                `json:"full"`
	Latest      *rateJSON           `json:"latest,omitempty"`
	NeedsUpdate bool                `json:"needs_update"`
	Config      config.EntityParams `json:"config"`
}

func parseEntity(raw string) (common.Address, error) {
	id, err := crypto.ParseIdentity(raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("entity %q: %v: %w", raw, err, coreerrors.ErrInvalidConfig)
	}
	return id, nil
}

func entityParam(r *http.Request) (common.Address, error) {
	return parseEntity(chi.URLParam(r, "entity"))
}

func callerFrom(r *http.Request) (ratecontrol.Caller, error) {
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok {
		return ratecontrol.Caller{}, errNoCaller
	}
	return caller, nil
}

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, coreerrors.ErrInvalidConfig)
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, coreerrors.ErrOutOfRange)
	}
	return v, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entities := s.controller.Entities()
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, strings.ToLower(e.Hex()))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entities": out})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := s.controller.Status(entity)
	if err != nil {
		writeError(w, err)
		return
	}
	body := statusJSON{
		Entity:      crypto.FormatIdentity(entity),
		Address:     strings.ToLower(entity.Hex()),
		State:       status.State.String(),
		Capacity:    status.Capacity,
		Count:       status.Count,
		Full:        status.Full,
		NeedsUpdate: status.NeedsUpdate,
		Config:      config.ParamsFromEntityConfig(status.Config),
	}
	if status.Latest != nil {
		latest := rateFrom(*status.Latest)
		body.Latest = &latest
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := queryInt(r, "amount", 1)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	increment, err := queryInt(r, "increment", 1)
	if err != nil {
		writeError(w, err)
		return
	}
	rates, err := s.controller.Rates(entity, amount, offset, increment)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]rateJSON, 0, len(rates))
	for _, rate := range rates {
		out = append(out, rateFrom(rate))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rates": out})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	latest, err := s.controller.LatestRate(entity)
	if err != nil {
		writeError(w, err)
		return
	}
	since, err := s.controller.TimeSinceLastUpdate(entity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rate": rateFrom(latest), "age_seconds": since})
}

func (s *Server) handleRateAt(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, fmt.Errorf("index must be an integer: %w", coreerrors.ErrOutOfRange))
		return
	}
	rate, err := s.controller.RateAt(entity, index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rateFrom(rate))
}

func (s *Server) handlePidState(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := s.controller.PidState(entity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"i_term":     pid.FormatFixed(st.ITerm),
		"last_input": pid.FormatFixed(st.LastInput),
		"last_error": pid.FormatFixed(st.LastError),
		"seeded":     st.Seeded,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, fmt.Errorf("audit log disabled: %w", coreerrors.ErrNotFound))
		return
	}
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	updates, err := s.audit.RateHistory(r.Context(), entity, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	pauses, err := s.audit.PauseHistory(r.Context(), entity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"updates": updates, "pauses": pauses})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := s.controller.RatesCount(entity)
	if err != nil {
		writeError(w, err)
		return
	}
	rates, err := s.controller.Rates(entity, int(count), 0, 1)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", strings.ToLower(entity.Hex())+".parquet"))
	if err := export.WriteRates(w, entity, rates); err != nil {
		s.logger.Error("export failed", "entity", entity.Hex(), "error", err)
	}
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rate, err := s.controller.Update(r.Context(), caller, entity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rateFrom(rate))
}

func (s *Server) handlePaused(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Paused *bool `json:"paused"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Paused == nil {
		writeError(w, fmt.Errorf("paused required: %w", coreerrors.ErrInvalidConfig))
		return
	}
	if err := s.controller.SetUpdatesPaused(r.Context(), caller.Address, entity, *req.Paused); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Capacity uint16 `json:"capacity"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.controller.SetRatesCapacity(caller.Address, entity, req.Capacity); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Target  string `json:"target"`
		Current string `json:"current"`
		Amount  uint16 `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	target, err := parseRateValue("target", req.Target)
	if err != nil {
		writeError(w, err)
		return
	}
	current := target
	if strings.TrimSpace(req.Current) != "" {
		if current, err = parseRateValue("current", req.Current); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Amount == 0 {
		req.Amount = 1
	}
	if err := s.controller.ManuallyPushRate(caller.Address, entity, target, current, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseRateValue(name, raw string) (uint64, error) {
	v, err := pid.ParseFixed(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("%s %q out of range: %w", name, raw, coreerrors.ErrInvalidConfig)
	}
	return v.Uint64(), nil
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var params config.EntityParams
	if err := decodeBody(r, &params); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := config.MergeParams(s.cfg.Defaults, params).EntityConfig()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.controller.SetConfig(caller.Address, entity, cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, config.ParamsFromEntityConfig(cfg))
}

func roleParam(r *http.Request) (access.Role, error) {
	return access.ParseRole(chi.URLParam(r, "role"))
}

// identityParam accepts "open" as the null identity that toggles open access.
func identityParam(r *http.Request) (common.Address, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "identity"))
	if strings.EqualFold(raw, "open") {
		return access.NullIdentity, nil
	}
	id, err := crypto.ParseIdentity(raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("identity %q: %v: %w", raw, err, coreerrors.ErrInvalidConfig)
	}
	return id, nil
}

func (s *Server) handleRoleMembers(w http.ResponseWriter, r *http.Request) {
	role, err := roleParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	members, err := s.gate.Members(role)
	if err != nil {
		writeError(w, err)
		return
	}
	open, err := s.gate.IsOpen(role)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, strings.ToLower(m.Hex()))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"role": role, "members": out, "open": open})
}

func (s *Server) roleMutation(w http.ResponseWriter, r *http.Request, apply func(caller common.Address, role access.Role, identity common.Address) error) {
	role, err := roleParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	identity, err := identityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := apply(caller.Address, role, identity); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	s.roleMutation(w, r, s.gate.GrantRole)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.roleMutation(w, r, s.gate.RevokeRole)
}

func (s *Server) handleRenounce(w http.ResponseWriter, r *http.Request) {
	role, err := roleParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.gate.RenounceRole(caller.Address, role); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
