package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/auth"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/enrichment"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/identity"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/players"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testSigningSecret = "test-signing-secret"

var (
	alice = identity.SteamID(identity.Base + 24691)
	bob   = identity.SteamID(identity.Base + 84)
)

type stubEngine struct {
	mu         sync.Mutex
	ingested   []string
	refreshes  int
	roster     []players.Record
	patches    map[identity.SteamID]players.Cosmetics
	refreshErr error
	bansErr    error
	ingestErr  error
}

func newStubEngine() *stubEngine {
	aliceRecord := players.Blank(alice)
	aliceRecord.DisplayName = "Alice"
	aliceRecord.PersonaName = "alice_p"
	return &stubEngine{
		roster:  []players.Record{aliceRecord},
		patches: make(map[identity.SteamID]players.Cosmetics),
	}
}

func (e *stubEngine) IngestText(_ context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ingested = append(e.ingested, text)
	return e.ingestErr
}

func (e *stubEngine) Refresh(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshes++
	return e.refreshErr
}

func (e *stubEngine) RefreshPlayer(ctx context.Context, steamID identity.SteamID) (players.Record, error) {
	if e.refreshErr != nil {
		return players.Record{}, e.refreshErr
	}
	return e.Player(ctx, steamID)
}

func (e *stubEngine) RefreshPlayerBans(ctx context.Context, steamID identity.SteamID) (players.Record, error) {
	if e.bansErr != nil {
		return players.Record{}, e.bansErr
	}
	return e.Player(ctx, steamID)
}

func (e *stubEngine) Roster() []players.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]players.Record(nil), e.roster...)
}

func (e *stubEngine) Player(_ context.Context, steamID identity.SteamID) (players.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, record := range e.roster {
		if record.SteamID == steamID {
			return record, nil
		}
	}
	return players.Blank(steamID), nil
}

func (e *stubEngine) UpdateCosmetics(_ context.Context, steamID identity.SteamID, patch players.Cosmetics) (players.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.patches[steamID] = patch
	record := players.Blank(steamID)
	record.Cosmetics = patch
	return record, nil
}

func (e *stubEngine) Phase() enrichment.Phase {
	return enrichment.PhaseIdle
}

type stubDirectory struct {
	mu      sync.Mutex
	queries []players.Query
	deleted []identity.SteamID
	results []players.Record
	err     error
}

func (d *stubDirectory) Search(_ context.Context, query players.Query) ([]players.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, query)
	return d.results, d.err
}

func (d *stubDirectory) Delete(_ context.Context, steamID identity.SteamID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, steamID)
	return d.err
}

type routerHarness struct {
	handler    http.Handler
	engine     *stubEngine
	directory  *stubDirectory
	dispatcher *RealtimeDispatcher
	token      string
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	token, _, err := issuer.IssueControlToken("operator")
	if err != nil {
		t.Fatalf("failed to issue control token: %v", err)
	}

	engine := newStubEngine()
	directory := &stubDirectory{}
	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Engine:       engine,
		Directory:    directory,
		TokenManager: issuer,
		Realtime:     dispatcher,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &routerHarness{
		handler:    handler,
		engine:     engine,
		directory:  directory,
		dispatcher: dispatcher,
		token:      token,
	}
}

func (h *routerHarness) do(method, target, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	request.Header.Set("Authorization", "Bearer "+h.token)
	if strings.HasPrefix(strings.TrimSpace(body), "{") {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func playerPath(steamID identity.SteamID, suffix string) string {
	return fmt.Sprintf("/players/%d%s", uint64(steamID), suffix)
}
