package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/repairdesk/internal/auth"
	"github.com/MarcoPoloResearchLab/repairdesk/internal/cases"
	"github.com/MarcoPoloResearchLab/repairdesk/internal/casesync"
	"github.com/MarcoPoloResearchLab/repairdesk/internal/database"
	"github.com/MarcoPoloResearchLab/repairdesk/internal/listcache"
	"github.com/MarcoPoloResearchLab/repairdesk/internal/server"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	signingSecret   = "integration-secret"
	technicianID    = "tech-7"
	jsonContentType = "application/json"
	waitTimeout     = 5 * time.Second
)

type backend struct {
	server   *httptest.Server
	realtime *server.RealtimeDispatcher
	token    string
}

func startBackend(t *testing.T) *backend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "server.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open server database: %v", err)
	}
	closeDatabase(t, db)

	casesService, err := cases.NewService(cases.ServiceConfig{
		Database:   db,
		IDProvider: cases.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build cases service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        "repairdesk-auth",
		Audience:      "repairdesk-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	token, _, err := issuer.IssueToken(context.Background(), technicianID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	listings := listcache.New[[]cases.CaseView](listcache.Config{TTL: time.Minute})
	realtime := server.NewRealtimeDispatcher()
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator:    issuer,
		CasesService:      casesService,
		Realtime:          realtime,
		ListingCache:      listings,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return &backend{server: testServer, realtime: realtime, token: token}
}

func (b *backend) createCase(t *testing.T, details string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{"details": json.RawMessage(details)})
	if err != nil {
		t.Fatalf("failed to encode request: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, b.server.URL+"/cases", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+b.token)
	request.Header.Set("Content-Type", jsonContentType)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 from create, got %d", response.StatusCode)
	}
	var payload struct {
		Case cases.CaseView `json:"case"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode create response: %v", err)
	}
	return payload.Case.ID
}

func (b *backend) listStatuses(t *testing.T) map[string]string {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, b.server.URL+"/cases", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+b.token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	defer response.Body.Close()
	var payload struct {
		Cases []cases.CaseView `json:"cases"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode list response: %v", err)
	}
	statuses := make(map[string]string, len(payload.Cases))
	for _, view := range payload.Cases {
		statuses[view.ID] = view.Status
	}
	return statuses
}

func closeDatabase(t *testing.T, db *gorm.DB) {
	t.Helper()
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
}

func newClient(t *testing.T, b *backend, db *gorm.DB, connectivity *casesync.ConnectivityFlag) *casesync.Coordinator {
	t.Helper()
	store, err := casesync.NewGormStore(casesync.GormStoreConfig{
		Database:            db,
		Connectivity:        connectivity,
		PartitionByIdentity: true,
	})
	if err != nil {
		t.Fatalf("failed to construct local store: %v", err)
	}
	fetcher, err := casesync.NewHTTPFetcher(casesync.HTTPFetcherConfig{
		BaseURL: b.server.URL,
		Tokens:  casesync.StaticToken(b.token),
	})
	if err != nil {
		t.Fatalf("failed to construct fetcher: %v", err)
	}
	coordinator, err := casesync.NewCoordinator(casesync.CoordinatorConfig{
		Store:             store,
		Fetcher:           fetcher,
		Connectivity:      connectivity,
		DebounceThreshold: 10 * time.Millisecond,
		SettleDelay:       20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	t.Cleanup(coordinator.Close)
	return coordinator
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func TestOfflineSyncFlow(t *testing.T) {
	b := startBackend(t)
	firstID := b.createCase(t, `{"customer":"Ada","appliance":"Dishwasher"}`)

	localDB, err := database.OpenLocal(filepath.Join(t.TempDir(), "cache.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open local cache: %v", err)
	}
	closeDatabase(t, localDB)

	connectivity := casesync.NewConnectivityFlag(true)
	coordinator := newClient(t, b, localDB, connectivity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator.Initialize(ctx, technicianID)
	state := coordinator.State()
	if len(state.Records) != 1 || state.Records[0].ID != firstID {
		t.Fatalf("expected the created case after initialize, got %+v", state.Records)
	}
	if state.HasError || state.HasOfflineData || state.Loading {
		t.Fatalf("unexpected flags after initialize: %+v", state)
	}
	var details struct {
		Customer string `json:"customer"`
	}
	if err := json.Unmarshal(state.Records[0].Details, &details); err != nil || details.Customer != "Ada" {
		t.Fatalf("expected details to round-trip, got %s", state.Records[0].Details)
	}

	feed, err := casesync.NewChangeFeed(casesync.ChangeFeedConfig{
		BaseURL:  b.server.URL,
		Identity: technicianID,
		Tokens:   casesync.StaticToken(b.token),
		Notify:   coordinator.OnChangeNotification,
	})
	if err != nil {
		t.Fatalf("failed to construct change feed: %v", err)
	}
	feedDone := make(chan error, 1)
	go func() { feedDone <- feed.Run(ctx) }()
	waitFor(t, "change stream subscription", func() bool {
		return b.realtime.SubscriberCount(technicianID) == 1
	})

	secondID := b.createCase(t, `{"customer":"Grace","appliance":"Oven"}`)
	waitFor(t, "change-triggered refetch", func() bool {
		return len(coordinator.State().Records) == 2
	})

	if !coordinator.UpdateStatus(ctx, secondID, casesync.StatusCompleted) {
		t.Fatalf("expected status update to succeed")
	}
	if got := b.listStatuses(t)[secondID]; got != "Completed" {
		t.Fatalf("expected remote status Completed, got %q", got)
	}
	for _, record := range coordinator.State().Records {
		if record.ID == secondID && record.Status != casesync.StatusCompleted {
			t.Fatalf("expected local status Completed, got %q", record.Status)
		}
	}

	cancel()
	select {
	case err := <-feedDone:
		if err != nil {
			t.Fatalf("expected change feed to stop cleanly, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("change feed did not stop")
	}

	offline := casesync.NewConnectivityFlag(false)
	offlineClient := newClient(t, b, localDB, offline)
	offlineClient.Initialize(context.Background(), technicianID)
	offlineState := offlineClient.State()
	if !offlineState.HasOfflineData {
		t.Fatalf("expected offline client to serve cached data")
	}
	if len(offlineState.Records) != 2 {
		t.Fatalf("expected both cached cases offline, got %d", len(offlineState.Records))
	}
	if offlineClient.UpdateStatus(context.Background(), firstID, casesync.StatusCancelled) {
		t.Fatalf("expected status update to be refused while offline")
	}
}
