package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"showrunner/internal/config"
	"showrunner/internal/db"
	"showrunner/internal/domain"
	"showrunner/internal/engine"
	"showrunner/internal/migrate"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(engine.Options{DB: conn, Config: config.Default()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	handler, err := New(Config{
		Engine:   eng,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func actorHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func launchBody(experienceID string) map[string]any {
	return map[string]any{
		"experience_id": experienceID,
		"playbook_id":   "event",
		"intent": map[string]any{
			"event_name": "Spring Launch",
			"date":       "2026-05-01",
			"price":      25,
			"capacity":   100,
		},
	}
}

func TestLaunchExperienceEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/experiences", launchBody("spring-launch"), actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("launch status %d: %s", res.StatusCode, string(data))
	}
	var bundle domain.ArtifactBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	if bundle.Status != "complete" || len(bundle.Artifacts) != 5 {
		t.Fatalf("unexpected bundle: status=%s artifacts=%d", bundle.Status, len(bundle.Artifacts))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/experiences/spring-launch", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get experience status %d: %s", res.StatusCode, string(data))
	}
	var exp ExperienceResponse
	if err := json.Unmarshal(data, &exp); err != nil {
		t.Fatalf("unmarshal experience: %v", err)
	}
	if exp.Status != "complete" || len(exp.Steps) != 5 {
		t.Fatalf("unexpected experience: status=%s steps=%d", exp.Status, len(exp.Steps))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/experiences/spring-launch/bundle", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get bundle status %d: %s", res.StatusCode, string(data))
	}
	var loaded domain.ArtifactBundle
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal loaded bundle: %v", err)
	}
	if loaded.ExperienceID != bundle.ExperienceID || loaded.Status != bundle.Status {
		t.Fatalf("loaded bundle differs: %+v", loaded)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/artifacts?type=checkout", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list artifacts status %d: %s", res.StatusCode, string(data))
	}
	var artifacts ArtifactListResponse
	if err := json.Unmarshal(data, &artifacts); err != nil {
		t.Fatalf("unmarshal artifacts: %v", err)
	}
	if len(artifacts.Items) != 1 || artifacts.Items[0].Status != "published" {
		t.Fatalf("unexpected checkout artifacts: %+v", artifacts.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?experience_id=spring-launch", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", res.StatusCode, string(data))
	}
	var evts EventListResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts.Items) == 0 {
		t.Fatalf("expected audit events for the launch")
	}
}

func TestLaunchReplayReturnsSameBundle(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	_, first := doJSON(t, client, http.MethodPost, srv.URL+"/v0/experiences", launchBody("replayed"), actorHeaders())
	res, second := doJSON(t, client, http.MethodPost, srv.URL+"/v0/experiences", launchBody("replayed"), actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("replay status %d: %s", res.StatusCode, string(second))
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("replay bundle differs:\nfirst:  %s\nsecond: %s", first, second)
	}
}

func TestIntentMismatchConflicts(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/experiences", launchBody("fixed-id"), actorHeaders())
	body := launchBody("fixed-id")
	body["intent"] = map[string]any{"event_name": "Other", "date": "2026-06-01"}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/experiences", body, actorHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
}

func TestInvalidIntentReturnsFieldErrors(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/experiences", map[string]any{
		"playbook_id": "event",
		"intent":      map[string]any{"date": "May 1st"},
	}, actorHeaders())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Code != "intent_invalid" {
		t.Fatalf("expected intent_invalid, got %q (%s)", envelope.Code, string(data))
	}
	if envelope.Details["fields"] == nil {
		t.Fatalf("expected field details: %s", string(data))
	}
}

func TestUnknownPlaybookIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/experiences", map[string]any{
		"playbook_id": "conference",
		"intent":      map[string]any{},
	}, actorHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthIsRequiredExceptHealth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/experiences", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d: %s", res.StatusCode, string(data))
	}
}

func TestJWTBearerAuthentication(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "jwt-actor",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/playbooks", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", res.StatusCode, string(data))
	}
	var pbs PlaybookListResponse
	if err := json.Unmarshal(data, &pbs); err != nil {
		t.Fatalf("unmarshal playbooks: %v", err)
	}
	if len(pbs.Items) != 1 || pbs.Items[0].ID != "event" {
		t.Fatalf("unexpected playbooks %+v", pbs.Items)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/playbooks", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", res.StatusCode)
	}
}
