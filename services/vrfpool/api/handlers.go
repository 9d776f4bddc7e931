package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
	"github.com/R3E-Network/vrfpool/internal/proof"
	commonservice "github.com/R3E-Network/vrfpool/services/common/service"
	"github.com/R3E-Network/vrfpool/services/vrfpool/consume"
	"github.com/R3E-Network/vrfpool/services/vrfpool/pregen"
	"github.com/R3E-Network/vrfpool/services/vrfpool/refill"
)

const maxWebhookBody = 1 << 20

// =============================================================================
// Consumption
// =============================================================================

type consumeRequest struct {
	UserAddress string `json:"userAddress"`
	GameType    string `json:"gameType"`
	GameSubType string `json:"gameSubType"`
}

type consumeResponse struct {
	Success     bool                `json:"success"`
	Proof       *proof.ProofRequest `json:"proof,omitempty"`
	Error       string              `json:"error,omitempty"`
	Type        string              `json:"type,omitempty"`
	NeedsRefill bool                `json:"needsRefill,omitempty"`
}

func (s *Service) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := commonservice.ReadJSON(r, &req); err != nil {
		writeServiceError(w, recovery.Validation("invalid request body: %v", err))
		return
	}
	g, err := proof.ParseGameType(req.GameType)
	if err != nil {
		writeServiceError(w, recovery.ValidationWrap(err))
		return
	}

	p, err := s.consumer.Consume(r.Context(), req.UserAddress, g, req.GameSubType)
	if errors.Is(err, proof.ErrPoolEmpty) {
		commonservice.WriteJSON(w, http.StatusNotFound, consumeResponse{
			Error:       err.Error(),
			Type:        errTypePoolEmpty,
			NeedsRefill: true,
		})
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	commonservice.WriteJSON(w, http.StatusOK, consumeResponse{Success: true, Proof: p})
}

func (s *Service) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.consumer.UserStatus(r.Context(), r.URL.Query().Get("address"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	commonservice.WriteSuccess(w, status)
}

// =============================================================================
// Pregeneration
// =============================================================================

type generateBatchRequest struct {
	UserAddress      string             `json:"userAddress"`
	BatchSize        int                `json:"batchSize"`
	GameDistribution map[string]float64 `json:"gameDistribution"`
	Options          struct {
		Force bool `json:"force"`
	} `json:"options"`
}

type generateBatchResponse struct {
	Success    bool                `json:"success"`
	SessionID  string              `json:"sessionId"`
	Status     proof.SessionStatus `json:"status"`
	Requested  int                 `json:"requested"`
	Allocation map[string]int      `json:"allocation"`
}

const actionNoActionNeeded = "no_action_needed"

type noActionResponse struct {
	Success       bool               `json:"success"`
	Action        string             `json:"action"`
	Message       string             `json:"message"`
	CurrentStatus consume.UserStatus `json:"currentStatus"`
}

func (s *Service) handleGenerateBatch(w http.ResponseWriter, r *http.Request) {
	var req generateBatchRequest
	if err := commonservice.ReadJSON(r, &req); err != nil {
		writeServiceError(w, recovery.Validation("invalid request body: %v", err))
		return
	}
	if err := proof.ValidateAddress(req.UserAddress); err != nil {
		writeServiceError(w, recovery.ValidationWrap(err))
		return
	}

	if !req.Options.Force {
		status, err := s.consumer.UserStatus(r.Context(), req.UserAddress)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if !status.NeedsRefill {
			commonservice.WriteJSON(w, http.StatusOK, noActionResponse{
				Success:       true,
				Action:        actionNoActionNeeded,
				Message:       "proof levels are sufficient, no batch generation needed",
				CurrentStatus: status,
			})
			return
		}
	}

	opts := pregen.InitialOptions{BatchSize: req.BatchSize, Force: req.Options.Force}
	if len(req.GameDistribution) > 0 {
		opts.Distribution = make(map[proof.GameType]float64, len(req.GameDistribution))
		for name, weight := range req.GameDistribution {
			g, err := proof.ParseGameType(name)
			if err != nil {
				writeServiceError(w, recovery.ValidationWrap(err))
				return
			}
			opts.Distribution[g] = weight
		}
	}

	sess, err := s.pregen.StartInitialBatch(s.runContext(), strings.ToLower(req.UserAddress), opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	commonservice.WriteJSON(w, http.StatusAccepted, generateBatchResponse{
		Success:    true,
		SessionID:  sess.ID,
		Status:     sess.Status,
		Requested:  sess.Requested,
		Allocation: sess.Allocation,
	})
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, ok := s.pregen.Session(id)
	if !ok {
		commonservice.WriteTypedError(w, http.StatusNotFound, errTypeNotFound, "session not found")
		return
	}
	commonservice.WriteSuccess(w, sess)
}

// =============================================================================
// Auto-refill
// =============================================================================

func (s *Service) handleAutoRefillStatus(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{"status": s.refill.Status()}
	if r.URL.Query().Get("detailed") == "true" {
		data["health"] = s.refill.HealthCheck(r.Context())
		data["sessions"] = s.pregen.Statistics()
		data["activeSessions"] = s.pregen.ActiveSessions()
	}
	commonservice.WriteSuccess(w, data)
}

type autoRefillAction struct {
	Action  string `json:"action"`
	Options struct {
		IgnoreCooldown bool `json:"ignoreCooldown"`
	} `json:"options"`
}

func (s *Service) handleAutoRefillAction(w http.ResponseWriter, r *http.Request) {
	var req autoRefillAction
	if err := commonservice.ReadJSON(r, &req); err != nil {
		writeServiceError(w, recovery.Validation("invalid request body: %v", err))
		return
	}

	switch req.Action {
	case "start":
		changed := s.refill.Start(s.runContext())
		commonservice.WriteSuccess(w, map[string]any{"changed": changed, "status": s.refill.Status()})
	case "stop":
		changed := s.refill.Stop()
		commonservice.WriteSuccess(w, map[string]any{"changed": changed, "status": s.refill.Status()})
	case "force_check":
		result, err := s.refill.ForceCheck(r.Context(), req.Options.IgnoreCooldown)
		if err != nil && result.Levels == nil {
			writeServiceError(w, err)
			return
		}
		data := map[string]any{"result": result}
		if err != nil {
			data["error"] = err.Error()
		}
		commonservice.WriteSuccess(w, data)
	case "health_check":
		commonservice.WriteSuccess(w, s.refill.HealthCheck(r.Context()))
	default:
		writeServiceError(w, recovery.Validation("unknown action %q: use start, stop, force_check or health_check", req.Action))
	}
}

type autoRefillConfigRequest struct {
	Config *refill.Patch `json:"config"`
}

func (s *Service) handleAutoRefillConfig(w http.ResponseWriter, r *http.Request) {
	var req autoRefillConfigRequest
	if err := commonservice.ReadJSON(r, &req); err != nil {
		writeServiceError(w, recovery.Validation("invalid request body: %v", err))
		return
	}
	if req.Config == nil {
		writeServiceError(w, recovery.Validation("config is required"))
		return
	}

	old, updated, changes, err := s.refill.UpdateConfig(*req.Config)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	commonservice.WriteSuccess(w, map[string]any{
		"oldConfig": old,
		"newConfig": updated,
		"changes":   changes,
	})
}

// =============================================================================
// Fulfillment webhook
// =============================================================================

// handleFulfillment accepts fulfillment notifications from an event relay.
// Field names follow the coordinator event, with snake_case accepted too.
func (s *Service) handleFulfillment(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil || !gjson.ValidBytes(body) {
		writeServiceError(w, recovery.Validation("invalid fulfillment payload"))
		return
	}

	requestID := firstString(body, "requestId", "request_id", "args.requestId")
	randomValue := firstString(body, "randomValue", "random_value", "randomWords.0", "args.randomWords.0")
	txHash := firstString(body, "transactionHash", "tx_hash", "txHash")
	if txHash == "" {
		writeServiceError(w, recovery.Validation("transactionHash is required"))
		return
	}
	block := gjson.GetBytes(body, "blockNumber")
	if !block.Exists() {
		block = gjson.GetBytes(body, "block_number")
	}

	applied, err := s.oracle.ReconcileFulfillment(r.Context(), requestID, randomValue, txHash, block.Uint())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if applied {
		s.refill.TriggerCheck()
	}
	commonservice.WriteSuccess(w, map[string]any{"requestId": requestID, "applied": applied})
}

func firstString(body []byte, paths ...string) string {
	for _, p := range paths {
		if v := gjson.GetBytes(body, p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
