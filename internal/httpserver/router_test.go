package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"milestonepay/internal/api"
	"milestonepay/internal/escrowerr"
	"milestonepay/internal/ledger/ledgertest"
	"milestonepay/internal/model"
	"milestonepay/internal/proofstore/prooftest"
	"milestonepay/internal/service/binding"
	"milestonepay/internal/service/lifecycle"
	"milestonepay/internal/service/project"
	"milestonepay/internal/service/reconcile"
	"milestonepay/internal/service/release"
	"milestonepay/internal/service/servicetest"
	"milestonepay/internal/util"
	"milestonepay/pkg/config"
	"milestonepay/pkg/rbac"
)

const testSecret = "router-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	f      *servicetest.Fixture
	proofs *prooftest.Store
	engine *gin.Engine
}

func newTestServer(t *testing.T, mode string, checks ...ReadyCheck) *testServer {
	t.Helper()
	f := servicetest.New(t)
	proofs := prooftest.New()
	log := zap.NewNop()

	coord := release.NewCoordinator(f.Store, f.Ledger, nil, nil, release.Options{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, log)
	views := reconcile.NewService(f.Store, f.Ledger, f.Ledger, log)
	h := Handlers{
		Projects:   api.NewProjectHandler(project.NewService(f.Store, f.Store, proofs, log), views, log),
		Escrow:     api.NewEscrowHandler(binding.NewService(f.Store, f.Store, f.Ledger, servicetest.ApproverWallet, log), 0, log),
		Milestones: api.NewMilestoneHandler(lifecycle.NewService(f.Store, f.Ledger, proofs, coord, mode, log), log),
	}
	return &testServer{
		f:      f,
		proofs: proofs,
		engine: NewRouter(h, testSecret, checks, log).Engine,
	}
}

func token(t *testing.T, a model.Actor) string {
	t.Helper()
	tok, err := util.GenerateJWT(a.UserID, a.Role, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path string, actor *model.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+token(t, *actor))
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestHealthReadyMetrics(t *testing.T) {
	ready := true
	s := newTestServer(t, config.ReleaseModeSync, ReadyCheck{Name: "db", Check: func(context.Context) error {
		if !ready {
			return errors.New("connection refused")
		}
		return nil
	}})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/readyz", nil, nil).Code)

	ready = false
	w := s.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "db_not_ready", gjson.Get(w.Body.String(), "status").String())

	w = s.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_request_duration_seconds")
}

func TestAuthAndRoleGates(t *testing.T) {
	s := newTestServer(t, config.ReleaseModeSync)
	p := s.f.Project(t, model.ProjectVerified, 10000)

	w := s.do(t, http.MethodGet, "/dashboard", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	w = s.do(t, http.MethodPost, "/projects/"+p.ID+"/fund", &s.f.Recipient, gin.H{"amount": "100"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "permission_denied", gjson.Get(w.Body.String(), "kind").String())

	// right role, wrong project approver
	other := model.Actor{UserID: "approver-2", Role: rbac.RoleApprover}
	w = s.do(t, http.MethodPost, "/projects/"+p.ID+"/milestones/0/approve", &other, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, s.f.Ledger.ApproveCalls())
}

func TestProposeFundSubmitApproveFlow(t *testing.T) {
	s := newTestServer(t, config.ReleaseModeSync)

	w := s.do(t, http.MethodPost, "/projects", &s.f.Recipient, gin.H{
		"title":       "Soil sensors",
		"approver_id": s.f.Approver.UserID,
		"milestones": []gin.H{
			{"title": "prototype", "percentage": "60"},
			{"title": "field test", "percentage": 40},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := gjson.Get(w.Body.String(), "project.id").String()
	assert.Equal(t, "pending", gjson.Get(w.Body.String(), "project.status").String())

	w = s.do(t, http.MethodPost, "/projects/"+id+"/verify", &s.f.Approver, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/projects/"+id+"/fund", &s.f.Funder, gin.H{"amount": "100"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "funded", gjson.Get(w.Body.String(), "project.status").String())

	w = s.do(t, http.MethodPost, "/projects/"+id+"/fund", &s.f.Funder, gin.H{"amount": "100"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 1, s.f.Ledger.DeployCalls())

	w = s.do(t, http.MethodGet, "/projects/"+id, &s.f.Funder, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, "60", gjson.Get(body, "project.milestones.0.amount").String())
	assert.Equal(t, "40", gjson.Get(body, "project.milestones.1.amount").String())
	assert.False(t, gjson.Get(body, "project.stale").Bool())
	assert.True(t, strings.EqualFold(servicetest.RecipientWallet, gjson.Get(body, "project.participants.recipient").String()), body)

	w = s.do(t, http.MethodPost, "/projects/"+id+"/milestones/0/proof", &s.f.Recipient, gin.H{"proof_ref": "bafyproof"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/projects/"+id+"/milestones/0/approve", &s.f.Approver, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "released", gjson.Get(w.Body.String(), "project.milestones.0.status").String())
	assert.Equal(t, 1, s.f.Ledger.ApproveCalls())

	w = s.do(t, http.MethodGet, "/dashboard", &s.f.Funder, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, gjson.Get(w.Body.String(), "projects.0.id").String())
}

func TestIndexParamIsStrict(t *testing.T) {
	s := newTestServer(t, config.ReleaseModeSync)
	p := s.f.Bound(t, 100, 5000, 5000)
	s.f.SetStatus(t, p.ID, 0, model.MilestoneSubmitted)

	for _, idx := range []string{"abc", "-1", "+0", "1.0", "2", "99999999999999999999"} {
		w := s.do(t, http.MethodPost, "/projects/"+p.ID+"/milestones/"+idx+"/approve", &s.f.Approver, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, idx)
		assert.Equal(t, string(escrowerr.KindIndexOutOfRange), gjson.Get(w.Body.String(), "kind").String(), idx)
	}
	assert.Zero(t, s.f.Ledger.ApproveCalls())
	assert.Equal(t, model.MilestoneSubmitted, s.f.Milestone(t, p.ID, 0).Status)
}

func TestApproveTransientFailureIsAccepted(t *testing.T) {
	s := newTestServer(t, config.ReleaseModeSync)
	p := s.f.Bound(t, 100, 10000)
	s.f.SetStatus(t, p.ID, 0, model.MilestoneSubmitted)
	s.f.Ledger.Set(func(l *ledgertest.FakeLedger) {
		l.ApproveErr = &escrowerr.ChainCallError{Op: "approveMilestone", Transient: true, Reason: "connection reset"}
	})

	w := s.do(t, http.MethodPost, "/projects/"+p.ID+"/milestones/0/approve", &s.f.Approver, nil)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "approved", gjson.Get(w.Body.String(), "project.milestones.0.status").String())

	s.f.Ledger.Set(func(l *ledgertest.FakeLedger) { l.ApproveErr = nil })
	w = s.do(t, http.MethodPost, "/projects/"+p.ID+"/milestones/0/release", &s.f.Funder, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "released", gjson.Get(w.Body.String(), "milestone.status").String())
}

func TestApproveTerminalFailureReturnsToSubmitted(t *testing.T) {
	s := newTestServer(t, config.ReleaseModeSync)
	p := s.f.Bound(t, 100, 10000)
	s.f.SetStatus(t, p.ID, 0, model.MilestoneSubmitted)
	s.f.Ledger.Set(func(l *ledgertest.FakeLedger) { l.RevertApprove = true })

	w := s.do(t, http.MethodPost, "/projects/"+p.ID+"/milestones/0/approve", &s.f.Approver, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
	assert.Equal(t, "submitted", gjson.Get(w.Body.String(), "project.milestones.0.status").String())
}

func TestEditAfterBindingIsMismatch(t *testing.T) {
	s := newTestServer(t, config.ReleaseModeSync)
	p := s.f.Bound(t, 100, 5000, 5000)

	w := s.do(t, http.MethodDelete, "/projects/"+p.ID+"/milestones/1", &s.f.Recipient, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(escrowerr.KindMismatch), gjson.Get(w.Body.String(), "kind").String())

	w = s.do(t, http.MethodPost, "/projects/"+p.ID+"/milestones", &s.f.Recipient, gin.H{"title": "extra", "percentage": "10"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestProofFileUpload(t *testing.T) {
	s := newTestServer(t, config.ReleaseModeSync)
	p := s.f.Bound(t, 100, 10000)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("proof", "report.pdf")
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF-1.4 field report"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/projects/"+p.ID+"/milestones/0/proof", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token(t, s.f.Recipient))
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cid := gjson.Get(w.Body.String(), "project.milestones.0.proof_ref").String()
	doc, ok := s.proofs.Get(cid)
	require.True(t, ok)
	assert.Equal(t, "%PDF-1.4 field report", string(doc))
}

func TestRegisterWallet(t *testing.T) {
	s := newTestServer(t, config.ReleaseModeSync)

	w := s.do(t, http.MethodPut, "/me/wallet", &s.f.Recipient, gin.H{"wallet_address": "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", gjson.Get(w.Body.String(), "wallet_address").String())

	w = s.do(t, http.MethodPut, "/me/wallet", &s.f.Recipient, gin.H{"wallet_address": "not-an-address"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, "/me/wallet", &s.f.Funder, gin.H{"wallet_address": "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestTraceIDPropagates(t *testing.T) {
	s := newTestServer(t, config.ReleaseModeSync)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Trace-ID", "abc123")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	assert.Equal(t, "abc123", w.Header().Get("X-Trace-ID"))

	w = s.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Len(t, w.Header().Get("X-Trace-ID"), 32)
}

func TestPublicProjectsNeedsNoToken(t *testing.T) {
	s := newTestServer(t, config.ReleaseModeSync)
	bound := s.f.Bound(t, 100, 4000, 6000)
	s.f.Project(t, model.ProjectPending, 10000)

	w := s.do(t, http.MethodGet, "/public/projects", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	projects := gjson.Get(w.Body.String(), "projects").Array()
	require.Len(t, projects, 2)
	var found gjson.Result
	for _, p := range projects {
		assert.False(t, p.Get("recipient_id").Exists())
		assert.False(t, p.Get("milestones.0.proof_ref").Exists())
		if p.Get("id").String() == bound.ID {
			found = p
		}
	}
	require.True(t, found.Exists())
	assert.Equal(t, bound.Binding.Address, found.Get("contract_address").String())
	assert.Equal(t, "40", found.Get("milestones.0.amount").String())
	assert.False(t, found.Get("milestones.0.released").Bool())
	assert.False(t, found.Get("stale").Bool())
}
