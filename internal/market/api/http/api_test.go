package http

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/clawos/skillmarket/internal/market/domain"
	"github.com/clawos/skillmarket/internal/market/grant"
	"github.com/clawos/skillmarket/internal/market/service"
	"github.com/clawos/skillmarket/internal/market/storage/sqlite"
	"github.com/clawos/skillmarket/internal/market/telemetry"
)

const (
	testIssuer   = "skillmarket-test"
	testAudience = "market"
)

type apiFixture struct {
	mux    *http.ServeMux
	signer ed25519.PrivateKey
	now    time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "market.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	f := &apiFixture{
		mux:    http.NewServeMux(),
		signer: priv,
		now:    time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	svc := service.NewService(store, grant.Config{
		Issuer:   testIssuer,
		Audience: testAudience,
		Key:      pub,
		Now:      clock,
	}, telemetry.NewEmitter(store, clock), clock)
	NewServer(svc).RegisterRoutes(f.mux)
	return f
}

func (f *apiFixture) grantFor(t *testing.T, caller domain.Address) string {
	t.Helper()

	token, err := grant.Issue(f.signer, grant.IssueOptions{
		Issuer:   testIssuer,
		Audience: testAudience,
		Caller:   caller,
		TTL:      time.Hour,
		Now:      func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("issue grant: %v", err)
	}
	return token
}

func (f *apiFixture) do(t *testing.T, method, path, grantToken, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if grantToken != "" {
		req.Header.Set("Authorization", "Bearer "+grantToken)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	f.mux.ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()

	if err := json.NewDecoder(recorder.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeResponse(t, recorder, &body)
	return body.Error.Code
}

func (f *apiFixture) initialize(t *testing.T) {
	t.Helper()

	recorder := f.do(t, http.MethodPost, "/v1/marketplace", f.grantFor(t, "authority-1"),
		`{"treasury":"treasury-1","fee_bps":500}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("initialize status = %d, body %s", recorder.Code, recorder.Body)
	}
}

func (f *apiFixture) listSkill(t *testing.T, skillID string, price uint64) {
	t.Helper()

	body := `{"skill_id":"` + skillID + `","price":` + jsonUint(price) + `}`
	recorder := f.do(t, http.MethodPost, "/v1/skills", f.grantFor(t, "seller-1"), body)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("list skill status = %d, body %s", recorder.Code, recorder.Body)
	}
}

func (f *apiFixture) fund(t *testing.T, account string, amount uint64) {
	t.Helper()

	body := `{"account":"` + account + `","amount":` + jsonUint(amount) + `}`
	recorder := f.do(t, http.MethodPost, "/v1/accounts/deposit", f.grantFor(t, "authority-1"), body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("deposit status = %d, body %s", recorder.Code, recorder.Body)
	}
}

func jsonUint(value uint64) string {
	return strconv.FormatUint(value, 10)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	recorder := f.do(t, http.MethodGet, "/up", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusOK)
	}
}

func TestInitializeAndGetMarketplace(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.initialize(t)

	recorder := f.do(t, http.MethodGet, "/v1/marketplace", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	var view struct {
		Authority  string `json:"authority"`
		Treasury   string `json:"treasury"`
		FeeBps     uint16 `json:"fee_bps"`
		SkillCount uint64 `json:"skill_count"`
	}
	decodeResponse(t, recorder, &view)
	if view.Authority != "authority-1" || view.Treasury != "treasury-1" || view.FeeBps != 500 {
		t.Fatalf("marketplace view = %+v", view)
	}

	recorder = f.do(t, http.MethodPost, "/v1/marketplace", f.grantFor(t, "authority-1"),
		`{"treasury":"treasury-1","fee_bps":500}`)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("second initialize status = %d, want %d", recorder.Code, http.StatusConflict)
	}
	if code := errorCode(t, recorder); code != "ALREADY_EXISTS" {
		t.Fatalf("error code = %q, want ALREADY_EXISTS", code)
	}
}

func TestInitializeRejectsHighFee(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	recorder := f.do(t, http.MethodPost, "/v1/marketplace", f.grantFor(t, "authority-1"),
		`{"treasury":"treasury-1","fee_bps":1001}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusBadRequest)
	}
	if code := errorCode(t, recorder); code != "INVALID_FEE" {
		t.Fatalf("error code = %q, want INVALID_FEE", code)
	}
}

func TestMutationsRequireGrant(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	recorder := f.do(t, http.MethodPost, "/v1/skills", "", `{"skill_id":"skill.alpha","price":100}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	if code := errorCode(t, recorder); code != "GRANT_INVALID" {
		t.Fatalf("error code = %q, want GRANT_INVALID", code)
	}
}

func TestPurchaseClaimVerifyFlow(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.initialize(t)
	f.listSkill(t, "skill.alpha", 1_000_000)
	f.fund(t, "buyer-1", 2_000_000)

	recorder := f.do(t, http.MethodPost, "/v1/skills/purchase", f.grantFor(t, "buyer-1"),
		`{"seller":"seller-1","skill_id":"skill.alpha"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("purchase status = %d, body %s", recorder.Code, recorder.Body)
	}
	var license struct {
		Owner       string `json:"owner"`
		PlatformFee uint64 `json:"platform_fee"`
	}
	decodeResponse(t, recorder, &license)
	if license.Owner != "buyer-1" || license.PlatformFee != 50_000 {
		t.Fatalf("license view = %+v", license)
	}

	recorder = f.do(t, http.MethodGet, "/v1/escrow?skill_id=skill.alpha", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("escrow status = %d, body %s", recorder.Code, recorder.Body)
	}
	var escrow struct {
		Balance uint64 `json:"balance"`
	}
	decodeResponse(t, recorder, &escrow)
	if escrow.Balance != 1_000_000 {
		t.Fatalf("escrow balance = %d, want 1000000", escrow.Balance)
	}

	recorder = f.do(t, http.MethodPost, "/v1/skills/claim", f.grantFor(t, "seller-1"),
		`{"seller":"seller-1","skill_id":"skill.alpha"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("claim status = %d, body %s", recorder.Code, recorder.Body)
	}
	var settlement struct {
		SellerAmount uint64 `json:"seller_amount"`
		PlatformFee  uint64 `json:"platform_fee"`
	}
	decodeResponse(t, recorder, &settlement)
	if settlement.SellerAmount != 950_000 || settlement.PlatformFee != 50_000 {
		t.Fatalf("settlement = %+v", settlement)
	}

	recorder = f.do(t, http.MethodPost, "/v1/licenses/verify", f.grantFor(t, "buyer-1"),
		`{"seller":"seller-1","skill_id":"skill.alpha"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body %s", recorder.Code, recorder.Body)
	}
	var verify struct {
		Status  string `json:"status"`
		License struct {
			UsageCount uint64 `json:"usage_count"`
		} `json:"license"`
	}
	decodeResponse(t, recorder, &verify)
	if verify.Status != "active" || verify.License.UsageCount != 1 {
		t.Fatalf("verify view = %+v", verify)
	}

	recorder = f.do(t, http.MethodGet, "/v1/events?limit=10", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("events status = %d, body %s", recorder.Code, recorder.Body)
	}
	var events struct {
		Events []struct {
			Kind string `json:"kind"`
		} `json:"events"`
	}
	decodeResponse(t, recorder, &events)
	if len(events.Events) != 3 {
		t.Fatalf("events = %d, want 3", len(events.Events))
	}
	if events.Events[0].Kind != telemetry.EventPaymentClaimed {
		t.Fatalf("newest event = %q, want %q", events.Events[0].Kind, telemetry.EventPaymentClaimed)
	}
}

func TestPurchaseInactiveSkillConflicts(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.initialize(t)
	f.listSkill(t, "skill.alpha", 1_000)
	f.fund(t, "buyer-1", 10_000)

	recorder := f.do(t, http.MethodPost, "/v1/skills/status", f.grantFor(t, "seller-1"),
		`{"seller":"seller-1","skill_id":"skill.alpha","active":false}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status update = %d, body %s", recorder.Code, recorder.Body)
	}

	recorder = f.do(t, http.MethodPost, "/v1/skills/purchase", f.grantFor(t, "buyer-1"),
		`{"seller":"seller-1","skill_id":"skill.alpha"}`)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("purchase status = %d, want %d", recorder.Code, http.StatusConflict)
	}
	if code := errorCode(t, recorder); code != "SKILL_NOT_ACTIVE" {
		t.Fatalf("error code = %q, want SKILL_NOT_ACTIVE", code)
	}
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.initialize(t)
	f.listSkill(t, "skill.alpha", 1_000_000)
	f.fund(t, "buyer-1", 10)

	recorder := f.do(t, http.MethodPost, "/v1/skills/purchase", f.grantFor(t, "buyer-1"),
		`{"seller":"seller-1","skill_id":"skill.alpha"}`)
	if recorder.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusPaymentRequired)
	}
	if code := errorCode(t, recorder); code != "INSUFFICIENT_FUNDS" {
		t.Fatalf("error code = %q, want INSUFFICIENT_FUNDS", code)
	}
}

func TestListSkillsPage(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.initialize(t)
	f.listSkill(t, "skill.alpha", 1_000)
	f.listSkill(t, "skill.beta", 2_000)

	recorder := f.do(t, http.MethodGet, "/v1/skills?page_size=1", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	var page struct {
		Skills []struct {
			SkillID string `json:"skill_id"`
		} `json:"skills"`
		NextPageToken string `json:"next_page_token"`
	}
	decodeResponse(t, recorder, &page)
	if len(page.Skills) != 1 {
		t.Fatalf("skills = %d, want 1", len(page.Skills))
	}
	if page.NextPageToken == "" {
		t.Fatal("expected next page token")
	}
}

func TestGetMissingSkill(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.initialize(t)

	recorder := f.do(t, http.MethodGet, "/v1/skills?seller=seller-1&skill_id=skill.missing", "", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusNotFound)
	}
	if code := errorCode(t, recorder); code != "NOT_FOUND" {
		t.Fatalf("error code = %q, want NOT_FOUND", code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	recorder := f.do(t, http.MethodDelete, "/v1/skills/purchase", "", "")
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusMethodNotAllowed)
	}
}
