package crowdwatchd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crowdwatch/intents"
	"crowdwatch/ledger"
	"crowdwatch/reconcile"
	"crowdwatch/session"
	"crowdwatch/snapshot"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Server exposes the session core over HTTP for the external UI
// collaborator. It is a thin translation layer; all decisions live in the
// core.
type Server struct {
	core *session.Core
	log  *slog.Logger
}

// NewServer wraps a session core.
func NewServer(core *session.Core, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{core: core, log: logger.With("component", "http")}
}

// Handler builds the consumer-facing router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v chi.Router) {
		v.Get("/snapshot", s.getSnapshot)
		v.Get("/message", s.getMessage)
		v.Post("/refresh", s.postRefresh)
		v.Post("/campaigns", s.postCreateCampaign)
		v.Post("/campaigns/{id}/pledge", s.campaignAction(s.core.Pledge))
		v.Post("/campaigns/{id}/fulfill", s.campaignAction(s.core.Fulfill))
		v.Post("/campaigns/{id}/cancel", s.campaignAction(s.core.Cancel))
		v.Post("/refunds", s.simpleAction(s.core.Refund))
		v.Post("/admin/withdraw", s.simpleAction(s.core.WithdrawFees))
		v.Post("/admin/owner", s.addressAction(s.core.ChangeOwner))
		v.Post("/admin/ban", s.addressAction(s.core.BanAddress))
		v.Post("/admin/destroy", s.simpleAction(s.core.Destroy))
	})
	return r
}

type campaignPayload struct {
	ID           uint64   `json:"id"`
	Entrepreneur string   `json:"entrepreneur"`
	Title        string   `json:"title"`
	ShareCost    string   `json:"shareCost"`
	SharesNeeded uint64   `json:"sharesNeeded"`
	SharesSold   uint64   `json:"sharesSold"`
	Fulfilled    bool     `json:"fulfilled"`
	Cancelled    bool     `json:"cancelled"`
	Backers      []string `json:"backers"`
	Investments  []string `json:"investments"`
}

type snapshotPayload struct {
	Identity      string            `json:"identity"`
	Owner         string            `json:"owner"`
	Balance       string            `json:"balance"`
	CollectedFees string            `json:"collectedFees"`
	Active        []campaignPayload `json:"active"`
	Fulfilled     []campaignPayload `json:"fulfilled"`
	Canceled      []campaignPayload `json:"canceled"`
	Shares        map[string]uint64 `json:"shares"`
	Banned        bool              `json:"banned"`
	Destroyed     bool              `json:"destroyed"`
}

func (s *Server) getSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap := s.core.Snapshot()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no snapshot available yet"))
		return
	}
	writeJSON(w, http.StatusOK, renderSnapshot(snap))
}

func (s *Server) getMessage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": s.core.LastMessage()})
}

func (s *Server) postRefresh(w http.ResponseWriter, r *http.Request) {
	s.core.RefreshNow()
	if r.URL.Query().Get("wait") == "true" {
		if err := s.core.WaitSynced(r.Context()); err != nil {
			writeError(w, http.StatusGatewayTimeout, err)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

type createCampaignRequest struct {
	Title        string `json:"title"`
	ShareCost    string `json:"shareCost"`
	SharesNeeded uint64 `json:"sharesNeeded"`
}

func (s *Server) postCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.finish(w, s.core.CreateCampaign(r.Context(), req.Title, req.ShareCost, req.SharesNeeded))
}

func (s *Server) campaignAction(action func(ctx context.Context, id uint64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid campaign id: %w", err))
			return
		}
		s.finish(w, action(r.Context(), id))
	}
}

func (s *Server) simpleAction(action func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.finish(w, action(r.Context()))
	}
}

type addressRequest struct {
	Address string `json:"address"`
}

func (s *Server) addressAction(action func(ctx context.Context, address string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addressRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.finish(w, action(r.Context(), req.Address))
	}
}

// finish maps a core action outcome onto an HTTP status. The last message is
// always included so the consumer can surface it verbatim.
func (s *Server) finish(w http.ResponseWriter, err error) {
	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, intents.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, reconcile.ErrStaleSnapshot):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrRejectedByUser):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	default:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"message": s.core.LastMessage()})
}

func renderSnapshot(snap *snapshot.Snapshot) snapshotPayload {
	payload := snapshotPayload{
		Identity:      snap.Identity.Hex(),
		Owner:         snap.Owner.Hex(),
		Balance:       ledger.FormatAmount(snap.Balance),
		CollectedFees: ledger.FormatAmount(snap.CollectedFees),
		Active:        renderCampaigns(snap.Active),
		Fulfilled:     renderCampaigns(snap.Fulfilled),
		Canceled:      renderCampaigns(snap.Canceled),
		Shares:        make(map[string]uint64, len(snap.Shares)),
		Banned:        snap.Banned,
		Destroyed:     snap.Destroyed,
	}
	for id, count := range snap.Shares {
		payload.Shares[strconv.FormatUint(id, 10)] = count
	}
	return payload
}

func renderCampaigns(campaigns []snapshot.Campaign) []campaignPayload {
	out := make([]campaignPayload, 0, len(campaigns))
	for _, c := range campaigns {
		payload := campaignPayload{
			ID:           c.ID,
			Entrepreneur: c.Entrepreneur.Hex(),
			Title:        c.Title,
			ShareCost:    ledger.FormatAmount(c.ShareCost),
			SharesNeeded: c.SharesNeeded,
			SharesSold:   c.SharesSold,
			Fulfilled:    c.Fulfilled,
			Cancelled:    c.Cancelled,
			Backers:      make([]string, 0, len(c.Backers)),
			Investments:  make([]string, 0, len(c.Investments)),
		}
		for _, backer := range c.Backers {
			payload.Backers = append(payload.Backers, backer.Hex())
		}
		for _, amount := range c.Investments {
			payload.Investments = append(payload.Investments, ledger.FormatAmount(amount))
		}
		out = append(out, payload)
	}
	return out
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, requestBodyLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
