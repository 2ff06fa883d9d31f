package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/linguaworks/lingua/internal/remote"
	"github.com/linguaworks/lingua/internal/retry"
	"github.com/linguaworks/lingua/internal/storage"
	"github.com/linguaworks/lingua/internal/workflow"
)

const testToken = "test-token-12345"

func setupStoreHandler(t *testing.T, token string) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewStoreHandler(StoreDeps{Store: store, Token: token, Origins: []string{"*"}}), store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestStoreAuth(t *testing.T) {
	h, _ := setupStoreHandler(t, testToken)

	tests := []struct {
		name  string
		url   string
		token string
		want  int
	}{
		{"health is public", "/api/health", "", http.StatusOK},
		{"missing token", "/api/sessions", "", http.StatusUnauthorized},
		{"wrong token", "/api/sessions", "nope", http.StatusUnauthorized},
		{"valid token", "/api/sessions", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, authReq(http.MethodGet, tt.url, "", tt.token))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer   abc  ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, ok := bearerToken(req)
		if got != tt.want || ok != tt.ok {
			t.Errorf("bearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStoreAuthChallenge(t *testing.T) {
	h, _ := setupStoreHandler(t, testToken)
	rr := serve(h, authReq(http.MethodGet, "/api/sessions", "", ""))
	if got := rr.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
		t.Errorf("WWW-Authenticate = %q", got)
	}
}

func TestStoreNoTokenDisablesAuth(t *testing.T) {
	h, _ := setupStoreHandler(t, "")
	rr := serve(h, authReq(http.MethodGet, "/api/sessions", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	h, _ := setupStoreHandler(t, testToken)

	rr := serve(h, authReq(http.MethodPost, "/api/sessions", `{}`, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var got map[string]string
	json.Unmarshal(rr.Body.Bytes(), &got)
	if got["id"] == "" || !strings.HasPrefix(got["name"], "Conversation ") || got["current_step"] != "structure" {
		t.Errorf("created = %v", got)
	}

	rr = serve(h, authReq(http.MethodPost, "/api/sessions", `{"name":"n","step":"bogus"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bogus step status = %d, want 400", rr.Code)
	}
}

func TestUpdateSessionValidation(t *testing.T) {
	h, store := setupStoreHandler(t, testToken)
	s, _ := store.CreateSession("x", "structure")

	rr := serve(h, authReq(http.MethodPut, "/api/sessions/"+s.ID, `{}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty update status = %d, want 400", rr.Code)
	}

	rr = serve(h, authReq(http.MethodPut, "/api/sessions/"+s.ID, `{"step":"generation"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("step update status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got, _ := store.GetSession(s.ID)
	if got.CurrentStep != "generation" {
		t.Errorf("current_step = %q, want generation", got.CurrentStep)
	}

	rr = serve(h, authReq(http.MethodPut, "/api/sessions/missing", `{"name":"y"}`, testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", rr.Code)
	}
}

func TestAddMessageValidation(t *testing.T) {
	h, store := setupStoreHandler(t, testToken)
	s, _ := store.CreateSession("x", "structure")

	for _, body := range []string{`{"content":"x"}`, `{"type":"user"}`, `{"type":"user","content":null}`} {
		rr := serve(h, authReq(http.MethodPost, "/api/sessions/"+s.ID+"/messages", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}

	rr := serve(h, authReq(http.MethodPost, "/api/sessions/missing/messages", `{"type":"user","content":"x"}`, testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rr.Code)
	}
}

func TestObjectContentRoundTrip(t *testing.T) {
	h, store := setupStoreHandler(t, testToken)
	s, _ := store.CreateSession("x", "testing")

	body := `{"type":"assistant","content":{"original_result":"o","optimized_result":"p"},"step":"testing","metadata":{"isTestResult":true}}`
	rr := serve(h, authReq(http.MethodPost, "/api/sessions/"+s.ID+"/messages", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodGet, "/api/sessions/"+s.ID+"/messages", "", testToken))
	var msgs []map[string]json.RawMessage
	if err := json.Unmarshal(rr.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decoding messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len = %d", len(msgs))
	}
	if string(msgs[0]["content"]) != `{"original_result":"o","optimized_result":"p"}` {
		t.Errorf("content = %s, want the object back", msgs[0]["content"])
	}
	if string(msgs[0]["metadata"]) != `{"isTestResult":true}` {
		t.Errorf("metadata = %s", msgs[0]["metadata"])
	}
}

func TestSettingsEndpoints(t *testing.T) {
	h, _ := setupStoreHandler(t, testToken)

	rr := serve(h, authReq(http.MethodPut, "/api/settings", `{"settings":{"autoSelectMode":true,"modelName":"m"}}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("put status = %d; body = %s", rr.Code, rr.Body.String())
	}
	rr = serve(h, authReq(http.MethodGet, "/api/settings", "", testToken))
	var got map[string]any
	json.Unmarshal(rr.Body.Bytes(), &got)
	if diff := cmp.Diff(map[string]any{"autoSelectMode": true, "modelName": "m"}, got); diff != "" {
		t.Errorf("settings (-want +got):\n%s", diff)
	}
}

func TestCORSPreflight(t *testing.T) {
	h, _ := setupStoreHandler(t, testToken)
	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := serve(h, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow origin = %q", got)
	}
}

// TestClientAgainstStore drives the HTTP store client against the built-in
// server end to end.
func TestClientAgainstStore(t *testing.T) {
	h, _ := setupStoreHandler(t, testToken)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx := context.Background()
	c := remote.NewClient(srv.URL+"/api", remote.StaticToken(testToken))

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	sess, err := c.CreateSession(ctx, "Conversation test", workflow.StepStructure)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	user := workflow.Message{Role: workflow.RoleUser, Content: workflow.TextContent("write a prompt"), Step: workflow.StepStructure}
	if _, err := c.AddMessage(ctx, sess.ID, user); err != nil {
		t.Fatalf("AddMessage user: %v", err)
	}
	analysis := workflow.BuildResponseMessage(workflow.StepAnalysis, json.RawMessage(`[{"agent_name":"Tone","content":"formal"}]`))
	analysisID, err := c.AddMessage(ctx, sess.ID, analysis)
	if err != nil {
		t.Fatalf("AddMessage analysis: %v", err)
	}

	thinking := "considered tone"
	if err := c.UpdateMessage(ctx, analysisID, remote.MessageUpdate{Thinking: &thinking}); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}

	msgs, err := c.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != workflow.RoleUser || msgs[0].Content.Text != "write a prompt" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	got := msgs[1]
	if got.Content.Kind != workflow.KindAnalysis || got.Metadata.Thinking != thinking {
		t.Errorf("msgs[1] = %+v", got)
	}
	if diff := cmp.Diff(analysis.Content.Blocks, got.Content.Blocks); diff != "" {
		t.Errorf("blocks (-want +got):\n%s", diff)
	}

	rc := retry.ForSend(workflow.StepAnalysis, "go", "", workflow.AnalysisConfig{AutoSelect: true})
	data, _ := rc.Encode()
	if err := c.SetErrorState(ctx, sess.ID, retry.State{HasError: true, Message: "boom", Step: workflow.StepAnalysis, RetryData: data}); err != nil {
		t.Fatalf("SetErrorState: %v", err)
	}
	list, err := c.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 1 || !bool(list[0].HasError) || list[0].RetryData != data || list[0].MessageCount != 2 {
		t.Errorf("session = %+v", list[0])
	}

	if err := c.SaveSelectedMethods(ctx, []string{"activate_role"}); err != nil {
		t.Fatalf("SaveSelectedMethods: %v", err)
	}
	selected, _ := c.SelectedMethods(ctx)
	if diff := cmp.Diff([]string{"activate_role"}, selected); diff != "" {
		t.Errorf("selected (-want +got):\n%s", diff)
	}
	methods, err := c.AnalysisMethods(ctx)
	if err != nil || len(methods) == 0 {
		t.Errorf("AnalysisMethods = %v, %v", methods, err)
	}

	if err := c.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	list, _ = c.ListSessions(ctx)
	if len(list) != 0 {
		t.Errorf("sessions after delete = %d", len(list))
	}
}
