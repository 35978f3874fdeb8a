// Package http exposes the marketplace service as a JSON API.
package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clawos/skillmarket/internal/market/domain"
	"github.com/clawos/skillmarket/internal/market/service"
	"github.com/clawos/skillmarket/internal/market/storage"
	apperrors "github.com/clawos/skillmarket/internal/platform/errors"
)

// Server hosts the marketplace JSON endpoints.
type Server struct {
	service *service.Service
}

// NewServer builds an API server over the marketplace service.
func NewServer(svc *service.Service) *Server {
	return &Server{service: svc}
}

// RegisterRoutes registers marketplace HTTP endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}

	mux.HandleFunc("/v1/marketplace", s.handleMarketplace)
	mux.HandleFunc("/v1/skills", s.handleSkills)
	mux.HandleFunc("/v1/skills/purchase", s.handlePurchase)
	mux.HandleFunc("/v1/skills/claim", s.handleClaim)
	mux.HandleFunc("/v1/skills/status", s.handleStatus)
	mux.HandleFunc("/v1/licenses", s.handleGetLicense)
	mux.HandleFunc("/v1/licenses/verify", s.handleVerify)
	mux.HandleFunc("/v1/escrow", s.handleEscrow)
	mux.HandleFunc("/v1/accounts", s.handleAccounts)
	mux.HandleFunc("/v1/accounts/deposit", s.handleDeposit)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

type marketplaceView struct {
	Address    string `json:"address"`
	Authority  string `json:"authority"`
	Treasury   string `json:"treasury"`
	FeeBps     uint16 `json:"fee_bps"`
	SkillCount uint64 `json:"skill_count"`
	CreatedAt  string `json:"created_at"`
}

type listingView struct {
	Address              string `json:"address"`
	Seller               string `json:"seller"`
	SkillID              string `json:"skill_id"`
	Price                uint64 `json:"price"`
	Subscription         bool   `json:"subscription"`
	SubscriptionDuration int64  `json:"subscription_duration_seconds,omitempty"`
	Active               bool   `json:"active"`
	CreatedAt            string `json:"created_at"`
}

type licenseView struct {
	Address       string `json:"address"`
	Owner         string `json:"owner"`
	Listing       string `json:"listing"`
	PurchasePrice uint64 `json:"purchase_price"`
	PlatformFee   uint64 `json:"platform_fee"`
	Active        bool   `json:"active"`
	UsageCount    uint64 `json:"usage_count"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	CreatedAt     string `json:"created_at"`
	LastUsedAt    string `json:"last_used_at,omitempty"`
}

type settlementView struct {
	Balance      uint64 `json:"balance"`
	SellerAmount uint64 `json:"seller_amount"`
	PlatformFee  uint64 `json:"platform_fee"`
}

type eventView struct {
	Kind       string            `json:"kind"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  string            `json:"timestamp"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func marketplaceToView(m domain.Marketplace) marketplaceView {
	return marketplaceView{
		Address:    m.Address.String(),
		Authority:  m.Authority.String(),
		Treasury:   m.Treasury.String(),
		FeeBps:     m.FeeBps,
		SkillCount: m.SkillCount,
		CreatedAt:  m.CreatedAt.Format(time.RFC3339),
	}
}

func listingToView(l domain.Listing) listingView {
	view := listingView{
		Address:      l.Address.String(),
		Seller:       l.Seller.String(),
		SkillID:      l.SkillID,
		Price:        l.Price,
		Subscription: l.Subscription,
		Active:       l.Active,
		CreatedAt:    l.CreatedAt.Format(time.RFC3339),
	}
	if l.SubscriptionDuration > 0 {
		view.SubscriptionDuration = int64(l.SubscriptionDuration / time.Second)
	}
	return view
}

func licenseToView(l domain.License) licenseView {
	view := licenseView{
		Address:       l.Address.String(),
		Owner:         l.Owner.String(),
		Listing:       l.Listing.String(),
		PurchasePrice: l.PurchasePrice,
		PlatformFee:   l.PlatformFee,
		Active:        l.Active,
		UsageCount:    l.UsageCount,
		CreatedAt:     l.CreatedAt.Format(time.RFC3339),
	}
	if !l.ExpiresAt.IsZero() {
		view.ExpiresAt = l.ExpiresAt.Format(time.RFC3339)
	}
	if !l.LastUsedAt.IsZero() {
		view.LastUsedAt = l.LastUsedAt.Format(time.RFC3339)
	}
	return view
}

func eventToView(e storage.Event) eventView {
	return eventView{
		Kind:       e.Kind,
		Attributes: e.Attributes,
		Timestamp:  e.Timestamp.Format(time.RFC3339),
	}
}

// bearerToken extracts the caller grant from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	message := "internal error"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	writeJSON(w, code.HTTPStatus(), errorResponse{Error: errorBody{
		Code:    string(code),
		Message: message,
	}})
}

func decodeBody(w http.ResponseWriter, r *http.Request, body any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(body); err != nil {
		writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "request body is invalid"))
		return false
	}
	return true
}

func (s *Server) handleMarketplace(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		marketplace, err := s.service.GetMarketplace(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, marketplaceToView(marketplace))
	case http.MethodPost:
		var body struct {
			Treasury string `json:"treasury"`
			FeeBps   uint16 `json:"fee_bps"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		marketplace, err := s.service.InitializeMarketplace(r.Context(), service.InitializeInput{
			Grant:    bearerToken(r),
			Treasury: domain.Address(body.Treasury),
			FeeBps:   body.FeeBps,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, marketplaceToView(marketplace))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetSkills(w, r)
	case http.MethodPost:
		var body struct {
			SkillID              string `json:"skill_id"`
			Price                uint64 `json:"price"`
			Subscription         bool   `json:"subscription"`
			SubscriptionDuration int64  `json:"subscription_duration_seconds"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		listing, err := s.service.ListSkill(r.Context(), service.ListSkillInput{
			Grant:                bearerToken(r),
			SkillID:              body.SkillID,
			Price:                body.Price,
			Subscription:         body.Subscription,
			SubscriptionDuration: time.Duration(body.SubscriptionDuration) * time.Second,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, listingToView(listing))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetSkills(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	// A seller plus skill id names one listing; otherwise list a page.
	seller := params.Get("seller")
	skillID := params.Get("skill_id")
	if seller != "" || skillID != "" {
		listing, err := s.service.GetSkill(r.Context(), domain.Address(seller), skillID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, listingToView(listing))
		return
	}

	pageSize := 0
	if raw := params.Get("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "page_size is invalid"))
			return
		}
		pageSize = parsed
	}
	page, err := s.service.ListSkills(r.Context(), pageSize, params.Get("page_token"))
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]listingView, 0, len(page.Listings))
	for _, listing := range page.Listings {
		views = append(views, listingToView(listing))
	}
	writeJSON(w, http.StatusOK, struct {
		Skills        []listingView `json:"skills"`
		NextPageToken string        `json:"next_page_token,omitempty"`
	}{Skills: views, NextPageToken: page.NextPageToken})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Seller  string `json:"seller"`
		SkillID string `json:"skill_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	license, err := s.service.PurchaseSkill(r.Context(), service.PurchaseSkillInput{
		Grant:   bearerToken(r),
		Seller:  domain.Address(body.Seller),
		SkillID: body.SkillID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, licenseToView(license))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Seller  string `json:"seller"`
		SkillID string `json:"skill_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	settlement, err := s.service.ClaimPayment(r.Context(), service.ClaimPaymentInput{
		Grant:   bearerToken(r),
		Seller:  domain.Address(body.Seller),
		SkillID: body.SkillID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementView{
		Balance:      settlement.Balance,
		SellerAmount: settlement.SellerAmount,
		PlatformFee:  settlement.PlatformFee,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Seller  string `json:"seller"`
		SkillID string `json:"skill_id"`
		Active  bool   `json:"active"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	listing, err := s.service.UpdateSkillStatus(r.Context(), service.UpdateSkillStatusInput{
		Grant:   bearerToken(r),
		Seller:  domain.Address(body.Seller),
		SkillID: body.SkillID,
		Active:  body.Active,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingToView(listing))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Seller  string `json:"seller"`
		SkillID string `json:"skill_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	license, err := s.service.VerifyLicense(r.Context(), service.VerifyLicenseInput{
		Grant:   bearerToken(r),
		Seller:  domain.Address(body.Seller),
		SkillID: body.SkillID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status  string      `json:"status"`
		License licenseView `json:"license"`
	}{Status: domain.LicenseActive.String(), License: licenseToView(license)})
}

func (s *Server) handleGetLicense(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params := r.URL.Query()
	license, err := s.service.GetLicense(
		r.Context(),
		domain.Address(params.Get("owner")),
		domain.Address(params.Get("seller")),
		params.Get("skill_id"),
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, licenseToView(license))
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	skillID := r.URL.Query().Get("skill_id")
	if strings.TrimSpace(skillID) == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidSkill, "skill_id is required"))
		return
	}
	balance, err := s.service.EscrowBalance(r.Context(), skillID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		SkillID string `json:"skill_id"`
		Balance uint64 `json:"balance"`
	}{SkillID: skillID, Balance: balance})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	address := r.URL.Query().Get("address")
	balance, err := s.service.AccountBalance(r.Context(), domain.Address(address))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Address string `json:"address"`
		Balance uint64 `json:"balance"`
	}{Address: address, Balance: balance})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Account string `json:"account"`
		Amount  uint64 `json:"amount"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	err := s.service.Deposit(r.Context(), service.DepositInput{
		Grant:   bearerToken(r),
		Account: domain.Address(body.Account),
		Amount:  body.Amount,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Account string `json:"account"`
		Amount  uint64 `json:"amount"`
	}{Account: body.Account, Amount: body.Amount})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "limit is invalid"))
			return
		}
		limit = parsed
	}
	events, err := s.service.ListEvents(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]eventView, 0, len(events))
	for _, event := range events {
		views = append(views, eventToView(event))
	}
	writeJSON(w, http.StatusOK, struct {
		Events []eventView `json:"events"`
	}{Events: views})
}
