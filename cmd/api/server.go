package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rewear/dispute"
	"rewear/escrow"
	"rewear/ledger"
	"rewear/listing"
)

type listingService interface {
	Create(ctx context.Context, params listing.CreateParams) (listing.Listing, error)
	GetByID(ctx context.Context, id string) (listing.Listing, error)
	List(ctx context.Context, limit int) ([]listing.Listing, error)
	SettledImpact(ctx context.Context) (listing.ImpactSummary, error)
}

type accountService interface {
	Get(ctx context.Context, partyID string) (ledger.Account, error)
	Deposit(ctx context.Context, partyID string, amount int64) (ledger.Account, error)
}

type escrowService interface {
	Create(ctx context.Context, params escrow.CreateParams) (escrow.Transaction, error)
	FundAndHold(ctx context.Context, transactionID, requestID string) (escrow.Transaction, error)
	MarkShipped(ctx context.Context, params escrow.ActionParams) (escrow.Transaction, error)
	MarkDelivered(ctx context.Context, params escrow.ActionParams) (escrow.Transaction, error)
	Confirm(ctx context.Context, params escrow.ActionParams) (escrow.Transaction, error)
	OpenDispute(ctx context.Context, params escrow.OpenDisputeParams) (escrow.Transaction, error)
	Get(ctx context.Context, id string) (escrow.Transaction, error)
}

type disputeService interface {
	Resolve(ctx context.Context, params dispute.ResolveParams) (dispute.Record, error)
	GetByTransaction(ctx context.Context, transactionID string) (dispute.Record, error)
}

// Server wires the HTTP surface onto the domain services.
type Server struct {
	listings listingService
	accounts accountService
	engine   escrowService
	disputes disputeService
	log      zerolog.Logger
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Post("/listings", s.handleCreateListing)
		r.Get("/listings", s.handleListings)
		r.Get("/listings/{id}", s.handleListing)
		r.Get("/impact", s.handleImpact)

		r.Get("/accounts/{id}", s.handleAccount)
		r.Post("/accounts/{id}/deposit", s.handleDeposit)

		r.Post("/transactions", s.handleCreateTransaction)
		r.Get("/transactions/{id}", s.handleTransaction)
		r.Post("/transactions/{id}/ship", s.action(s.engineShip))
		r.Post("/transactions/{id}/deliver", s.action(s.engineDeliver))
		r.Post("/transactions/{id}/confirm", s.action(s.engineConfirm))
		r.Post("/transactions/{id}/dispute", s.handleOpenDispute)

		r.Post("/disputes/{id}/resolve", s.handleResolveDispute)
	})

	return r
}

type listingResponse struct {
	ID             string  `json:"id"`
	SellerID       string  `json:"sellerId"`
	Title          string  `json:"title"`
	Price          int64   `json:"price"`
	Quality        string  `json:"quality"`
	DefectNote     *string `json:"defectNote,omitempty"`
	ImpactKg       float64 `json:"impactKg"`
	SellerVerified bool    `json:"sellerVerified"`
	Donation       bool    `json:"donation"`
	CreatedAt      string  `json:"createdAt"`
}

func toListingResponse(l listing.Listing) listingResponse {
	return listingResponse{
		ID:             l.ID,
		SellerID:       l.SellerID,
		Title:          l.Title,
		Price:          l.Price,
		Quality:        string(l.Quality),
		DefectNote:     l.DefectNote,
		ImpactKg:       l.ImpactKg,
		SellerVerified: l.SellerVerified,
		Donation:       l.Donation(),
		CreatedAt:      l.CreatedAt.Format(time.RFC3339),
	}
}

type accountResponse struct {
	PartyID   string `json:"partyId"`
	Available int64  `json:"available"`
	Held      int64  `json:"held"`
}

type transactionResponse struct {
	ID             string `json:"id"`
	ListingID      string `json:"listingId"`
	BuyerID        string `json:"buyerId"`
	SellerID       string `json:"sellerId"`
	Amount         int64  `json:"amount"`
	State          string `json:"state"`
	CreatedAt      string `json:"createdAt"`
	LastActivityAt string `json:"lastActivityAt"`
}

func toTransactionResponse(t escrow.Transaction) transactionResponse {
	return transactionResponse{
		ID:             t.ID,
		ListingID:      t.ListingID,
		BuyerID:        t.BuyerID,
		SellerID:       t.SellerID,
		Amount:         t.Amount,
		State:          string(t.State),
		CreatedAt:      t.CreatedAt.Format(time.RFC3339),
		LastActivityAt: t.LastActivityAt.Format(time.RFC3339),
	}
}

type disputeResponse struct {
	ID            string   `json:"id"`
	TransactionID string   `json:"transactionId"`
	OpenedBy      string   `json:"openedBy"`
	Reason        string   `json:"reason"`
	EvidenceRefs  []string `json:"evidenceRefs"`
	Resolution    string   `json:"resolution"`
	ResolvedBy    *string  `json:"resolvedBy,omitempty"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	return disputeResponse{
		ID:            rec.ID,
		TransactionID: rec.TransactionID,
		OpenedBy:      rec.OpenedBy,
		Reason:        rec.Reason,
		EvidenceRefs:  rec.EvidenceRefs,
		Resolution:    string(rec.Resolution),
		ResolvedBy:    rec.ResolvedBy,
	}
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SellerID   string  `json:"sellerId"`
		Title      string  `json:"title"`
		Price      int64   `json:"price"`
		Quality    string  `json:"quality"`
		DefectNote string  `json:"defectNote"`
		ImpactKg   float64 `json:"impactKg"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	l, err := s.listings.Create(r.Context(), listing.CreateParams{
		SellerID:   body.SellerID,
		Title:      body.Title,
		Price:      body.Price,
		Quality:    listing.QualityTier(body.Quality),
		DefectNote: body.DefectNote,
		ImpactKg:   body.ImpactKg,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toListingResponse(l))
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	items, err := s.listings.List(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]listingResponse, 0, len(items))
	for _, l := range items {
		out = append(out, toListingResponse(l))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.listings.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toListingResponse(l))
}

func (s *Server) handleImpact(w http.ResponseWriter, r *http.Request) {
	sum, err := s.listings.SettledImpact(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"itemsSettled": sum.ItemsSettled,
		"totalKg":      sum.TotalKg,
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, accountResponse{PartyID: acc.PartyID, Available: acc.Available, Held: acc.Held})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Amount <= 0 {
		s.writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	acc, err := s.accounts.Deposit(r.Context(), chi.URLParam(r, "id"), body.Amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, accountResponse{PartyID: acc.PartyID, Available: acc.Available, Held: acc.Held})
}

// handleCreateTransaction composes create + fundAndHold so a priced purchase
// lands in funds_held (or cancelled) in one call. Donations settle in create.
func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ListingID string `json:"listingId"`
		BuyerID   string `json:"buyerId"`
		RequestID string `json:"requestId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}

	t, err := s.engine.Create(r.Context(), escrow.CreateParams{
		ListingID: body.ListingID,
		BuyerID:   body.BuyerID,
		RequestID: body.RequestID + ":create",
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if t.State == escrow.StateAwaitingPayment {
		t, err = s.engine.FundAndHold(r.Context(), t.ID, body.RequestID+":fund")
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusCreated, toTransactionResponse(t))
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := map[string]any{"transaction": toTransactionResponse(t)}
	if rec, err := s.disputes.GetByTransaction(r.Context(), t.ID); err == nil {
		resp["dispute"] = toDisputeResponse(rec)
	} else if !errors.Is(err, dispute.ErrNotFound) {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type engineAction func(ctx context.Context, params escrow.ActionParams) (escrow.Transaction, error)

func (s *Server) engineShip(ctx context.Context, p escrow.ActionParams) (escrow.Transaction, error) {
	return s.engine.MarkShipped(ctx, p)
}

func (s *Server) engineDeliver(ctx context.Context, p escrow.ActionParams) (escrow.Transaction, error) {
	return s.engine.MarkDelivered(ctx, p)
}

func (s *Server) engineConfirm(ctx context.Context, p escrow.ActionParams) (escrow.Transaction, error) {
	return s.engine.Confirm(ctx, p)
}

// action adapts the shared ship/deliver/confirm request shape.
func (s *Server) action(fn engineAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ActorID   string `json:"actorId"`
			RequestID string `json:"requestId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if body.RequestID == "" {
			body.RequestID = uuid.NewString()
		}
		t, err := fn(r.Context(), escrow.ActionParams{
			TransactionID: chi.URLParam(r, "id"),
			ActorID:       body.ActorID,
			RequestID:     body.RequestID,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, toTransactionResponse(t))
	}
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActorID      string   `json:"actorId"`
		Reason       string   `json:"reason"`
		EvidenceRefs []string `json:"evidenceRefs"`
		RequestID    string   `json:"requestId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}
	t, err := s.engine.OpenDispute(r.Context(), escrow.OpenDisputeParams{
		TransactionID: chi.URLParam(r, "id"),
		ActorID:       body.ActorID,
		Reason:        body.Reason,
		EvidenceRefs:  body.EvidenceRefs,
		RequestID:     body.RequestID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ArbiterID string `json:"arbiterId"`
		Outcome   string `json:"outcome"`
		RequestID string `json:"requestId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}
	rec, err := s.disputes.Resolve(r.Context(), dispute.ResolveParams{
		DisputeID: chi.URLParam(r, "id"),
		ArbiterID: body.ArbiterID,
		Outcome:   dispute.Resolution(body.Outcome),
		RequestID: body.RequestID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain errors onto HTTP statuses. TransitionError
// rejections carry the transaction id and the state at rejection time.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}
	var te *escrow.TransitionError
	if errors.As(err, &te) {
		body["transactionId"] = te.TransactionID
		body["state"] = string(te.State)
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, listing.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, ledger.ErrNoAccount):
		status = http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, escrow.ErrInvalidTransition),
		errors.Is(err, dispute.ErrAlreadyResolved):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientHeld),
		errors.Is(err, escrow.ErrListingUnavailable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, listing.ErrInvalid),
		errors.Is(err, listing.ErrDefectUndisclosed),
		errors.Is(err, dispute.ErrInvalidOutcome):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("internal error")
		body["error"] = "internal error"
	}
	s.writeJSON(w, status, body)
}
