package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seedcommons/harvest/engine/pkg/domain"
	"github.com/seedcommons/harvest/engine/pkg/reward"
	"github.com/seedcommons/harvest/engine/pkg/state"
)

const maxPageSize = 500

// status maps the engine's error taxonomy onto HTTP codes.
func status(err error) int {
	switch {
	case errors.Is(err, domain.ErrMalformedDirective), errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientStake):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := status(err)
	if code == http.StatusInternalServerError {
		s.log.Error("api: request failed", "error", err)
		writeJSON(w, code, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func decode(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return errors.Join(domain.ErrMalformedDirective, err)
	}
	return nil
}

type accountAmountRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (req *accountAmountRequest) parse() (domain.Account, domain.Amount, error) {
	account, err := domain.ParseAccount(req.Account)
	if err != nil {
		return "", 0, err
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		return "", 0, err
	}
	return account, amount, nil
}

func (s *Server) handlePlant(w http.ResponseWriter, r *http.Request) {
	var req accountAmountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	account, amount, err := req.parse()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cfg.Engine.Plant(r.Context(), account, amount); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "planted"})
}

func (s *Server) handleUnplant(w http.ResponseWriter, r *http.Request) {
	var req accountAmountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	account, amount, err := req.parse()
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.cfg.Engine.Unplant(r.Context(), account, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"refund_id": id})
}

type sowRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) handleSow(w http.ResponseWriter, r *http.Request) {
	var req sowRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	from, err := domain.ParseAccount(req.From)
	if err != nil {
		s.writeError(w, err)
		return
	}
	to, err := domain.ParseAccount(req.To)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cfg.Engine.Sow(r.Context(), from, to, amount); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sown"})
}

type refundRequest struct {
	Account string `json:"account"`
	ID      uint64 `json:"id"`
}

func (s *Server) handleClaimRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	account, err := domain.ParseAccount(req.Account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	released, err := s.cfg.Engine.ClaimRefund(r.Context(), account, req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"released": released.String()})
}

func (s *Server) handleCancelRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	account, err := domain.ParseAccount(req.Account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cfg.Engine.CancelRefund(r.Context(), account, req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleClaimReward(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	account, err := domain.ParseAccount(req.Account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	paid, err := s.cfg.Engine.ClaimReward(r.Context(), account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"paid": paid.String()})
}

type depositRequest struct {
	From   string `json:"from"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	from, err := domain.ParseAccount(req.From)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cfg.Engine.Deposit(r.Context(), from, amount, req.Memo); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "planted"})
}

type transferEventRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) handleTransferEvent(w http.ResponseWriter, r *http.Request) {
	var req transferEventRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cfg.Engine.RecordTransfer(r.Context(), domain.Account(req.From), domain.Account(req.To), amount); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type pointsEventRequest struct {
	Account string `json:"account"`
	Points  int64  `json:"points"`
}

func (s *Server) handleReputationEvent(w http.ResponseWriter, r *http.Request) {
	s.handlePointsEvent(w, r, s.cfg.Engine.RecordReputation)
}

func (s *Server) handleCBSEvent(w http.ResponseWriter, r *http.Request) {
	s.handlePointsEvent(w, r, s.cfg.Engine.RecordCommunityBuilding)
}

func (s *Server) handlePointsEvent(w http.ResponseWriter, r *http.Request, record func(ctx context.Context, account domain.Account, points int64) error) {
	var req pointsEventRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	account, err := domain.ParseAccount(req.Account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := record(r.Context(), account, req.Points); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type regenVoteRequest struct {
	Org   string `json:"org"`
	Voter string `json:"voter"`
	Delta int64  `json:"delta"`
}

func (s *Server) handleRegenVoteEvent(w http.ResponseWriter, r *http.Request) {
	var req regenVoteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	org, err := domain.ParseAccount(req.Org)
	if err != nil {
		s.writeError(w, err)
		return
	}
	voter, err := domain.ParseAccount(req.Voter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cfg.Engine.RecordRegenVote(r.Context(), org, voter, req.Delta); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type stageRunRequest struct {
	Pool string `json:"pool,omitempty"`
}

func (s *Server) handleRunStage(w http.ResponseWriter, r *http.Request) {
	stage := chi.URLParam(r, "stage")
	if !slices.Contains(s.cfg.Engine.Stages(), stage) {
		s.writeError(w, domain.ErrNotFound)
		return
	}
	if stage == reward.StageDistribute {
		var req stageRunRequest
		// Body optional; an explicit pool overrides the configured default.
		if r.ContentLength > 0 {
			if err := decode(r, &req); err != nil {
				s.writeError(w, err)
				return
			}
		}
		if req.Pool != "" {
			pool, err := domain.ParseAmount(req.Pool)
			if err != nil {
				s.writeError(w, err)
				return
			}
			res, err := s.cfg.Engine.Distribute(r.Context(), pool)
			if err != nil {
				s.writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
			return
		}
	}
	res, err := s.cfg.Engine.RunStage(r.Context(), stage)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Engine.Reset(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleStageStatus(w http.ResponseWriter, r *http.Request) {
	stage := chi.URLParam(r, "stage")
	if !slices.Contains(s.cfg.Engine.Stages(), stage) {
		s.writeError(w, domain.ErrNotFound)
		return
	}
	st, err := s.cfg.Engine.StageStatus(r.Context(), stage)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stage":   st.Stage,
		"done":    st.Done,
		"version": st.Version,
		"cursor":  st.Cursor,
	})
}

func pageParams(r *http.Request) (domain.Account, int) {
	start := domain.Account(r.URL.Query().Get("start"))
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = min(n, maxPageSize)
		}
	}
	return start, limit
}

type balanceRow struct {
	Account string `json:"account"`
	Planted string `json:"planted"`
	Reward  string `json:"reward"`
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	start, limit := pageParams(r)
	var rows []balanceRow
	err := s.cfg.Engine.Store().View(r.Context(), func(tx state.ReadTx) error {
		balances, err := tx.Balances(start, limit)
		if err != nil {
			return err
		}
		rows = make([]balanceRow, 0, len(balances))
		for _, b := range balances {
			rows = append(rows, balanceRow{
				Account: string(b.Account),
				Planted: b.Planted.String(),
				Reward:  b.Reward.String(),
			})
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type refundRow struct {
	ID             uint64    `json:"id"`
	Principal      string    `json:"principal"`
	RequestedAt    time.Time `json:"requested_at"`
	ClaimedPeriods int       `json:"claimed_periods"`
}

func (s *Server) handleRefunds(w http.ResponseWriter, r *http.Request) {
	account, err := domain.ParseAccount(chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var rows []refundRow
	err = s.cfg.Engine.Store().View(r.Context(), func(tx state.ReadTx) error {
		refunds, err := tx.Refunds(account)
		if err != nil {
			return err
		}
		rows = make([]refundRow, 0, len(refunds))
		for _, ref := range refunds {
			rows = append(rows, refundRow{
				ID:             ref.ID,
				Principal:      ref.Principal.String(),
				RequestedAt:    ref.RequestedAt,
				ClaimedPeriods: ref.ClaimedPeriods,
			})
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type scoreRow struct {
	Account string `json:"account"`
	Raw     int64  `json:"raw"`
	Rank    uint64 `json:"rank"`
}

func (s *Server) handleTxPoints(w http.ResponseWriter, r *http.Request) {
	s.handleScores(w, r, state.AxisTxs)
}

func (s *Server) handleCBS(w http.ResponseWriter, r *http.Request) {
	s.handleScores(w, r, state.AxisCBS)
}

func (s *Server) handleRegens(w http.ResponseWriter, r *http.Request) {
	s.handleScores(w, r, state.AxisRegen)
}

// handleScores serves the published snapshot of one axis, account-keyset
// paginated.
func (s *Server) handleScores(w http.ResponseWriter, r *http.Request, axis state.Axis) {
	start, limit := pageParams(r)
	var rows []scoreRow
	err := s.cfg.Engine.Store().View(r.Context(), func(tx state.ReadTx) error {
		scores, err := tx.Scores(axis, start, limit)
		if err != nil {
			return err
		}
		rows = make([]scoreRow, 0, len(scores))
		for _, sc := range scores {
			rows = append(rows, scoreRow{Account: string(sc.Account), Raw: sc.Raw, Rank: sc.Rank})
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type harvestRow struct {
	Account      string `json:"account"`
	Planted      uint64 `json:"planted_score"`
	Transactions uint64 `json:"transactions_score"`
	Reputation   uint64 `json:"reputation_score"`
	Contribution uint64 `json:"contribution_score"`
	RewardOwed   string `json:"reward_owed"`
}

// handleHarvest serves the per-account summary, driven by the balances
// table keyset.
func (s *Server) handleHarvest(w http.ResponseWriter, r *http.Request) {
	start, limit := pageParams(r)
	var rows []harvestRow
	err := s.cfg.Engine.Store().View(r.Context(), func(tx state.ReadTx) error {
		balances, err := tx.Balances(start, limit)
		if err != nil {
			return err
		}
		rows = make([]harvestRow, 0, len(balances))
		for _, b := range balances {
			row := harvestRow{Account: string(b.Account)}
			for axis, dst := range map[state.Axis]*uint64{
				state.AxisPlanted:      &row.Planted,
				state.AxisTxs:          &row.Transactions,
				state.AxisReputation:   &row.Reputation,
				state.AxisContribution: &row.Contribution,
			} {
				if sc, ok, err := tx.Score(axis, b.Account); err != nil {
					return err
				} else if ok {
					*dst = sc.Rank
				}
			}
			owed, ok, err := tx.RewardOwed(b.Account)
			if err != nil {
				return err
			}
			if !ok {
				owed = 0
			}
			row.RewardOwed = owed.String()
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
