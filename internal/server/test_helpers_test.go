package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/repairdesk/internal/auth"
	"github.com/MarcoPoloResearchLab/repairdesk/internal/cases"
	"github.com/MarcoPoloResearchLab/repairdesk/internal/listcache"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type testServer struct {
	handler   http.Handler
	db        *gorm.DB
	issuer    *auth.TokenIssuer
	realtime  *RealtimeDispatcher
	listings  *ListingCache
	heartbeat time.Duration
}

func newTestServer(t *testing.T, visibility cases.Visibility) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:repairdesk_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&cases.Case{}, &cases.CaseChange{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := cases.NewService(cases.ServiceConfig{
		Database:   db,
		IDProvider: cases.NewUUIDProvider(),
		Visibility: visibility,
	})
	if err != nil {
		t.Fatalf("failed to construct cases service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "repairdesk-auth",
		Audience:      "repairdesk-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	ts := &testServer{
		db:        db,
		issuer:    issuer,
		realtime:  NewRealtimeDispatcher(),
		listings:  listcache.New[[]cases.CaseView](listcache.Config{TTL: time.Minute}),
		heartbeat: time.Hour,
	}
	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator:    issuer,
		CasesService:      service,
		Realtime:          ts.realtime,
		ListingCache:      ts.listings,
		HeartbeatInterval: ts.heartbeat,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	ts.handler = handler
	return ts
}

func (ts *testServer) token(t *testing.T, subject string) string {
	t.Helper()
	token, _, err := ts.issuer.IssueToken(context.Background(), subject)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (ts *testServer) seed(t *testing.T, caseID string, owner *string, status cases.Status, createdAt int64) {
	t.Helper()
	record := cases.Case{
		CaseID:           caseID,
		OwnerID:          owner,
		Status:           status.String(),
		DetailsJSON:      datatypes.JSON(`{"customer":"Ada"}`),
		CreatedAtSeconds: createdAt,
		UpdatedAtSeconds: createdAt,
		Version:          1,
	}
	if err := ts.db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed case: %v", err)
	}
}

func (ts *testServer) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	ts.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func ownerPtr(value string) *string {
	return &value
}

func viewIDs(views []cases.CaseView) []string {
	ids := make([]string, 0, len(views))
	for _, view := range views {
		ids = append(ids, view.ID)
	}
	return ids
}
