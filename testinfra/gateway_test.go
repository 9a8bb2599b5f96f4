// Package testinfra runs end-to-end checks against a running jcl-gateway
// started with its admin API enabled.
//
// The gateway must have the example kind declared and, for the feed tests,
// an account registered for JCL_TEST_OWNER named JCL_TEST_ACCOUNT.
//
// Run:  GATEWAY_ADMIN_URL=http://localhost:29320 go test ./...
package testinfra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"
)

var (
	gatewayAdminURL string
	testOwner       string
	testAccount     string
)

func TestMain(m *testing.M) {
	gatewayAdminURL = os.Getenv("GATEWAY_ADMIN_URL")
	if gatewayAdminURL == "" {
		fmt.Println("SKIP: GATEWAY_ADMIN_URL required")
		os.Exit(0)
	}
	gatewayAdminURL = strings.TrimSuffix(gatewayAdminURL, "/")
	testOwner = envOr("JCL_TEST_OWNER", "user1@test.com")
	testAccount = envOr("JCL_TEST_ACCOUNT", "account1")
	os.Exit(m.Run())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func doJSON(t testing.TB, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		bodyReader = strings.NewReader(b)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, gatewayAdminURL+path, bodyReader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Skipf("gateway admin API unreachable: %v", err)
	}
	defer resp.Body.Close()
	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result) //nolint:errcheck
	return resp.StatusCode, result
}

func feedPath(owner, account string) string {
	return "/api/feed/" + url.PathEscape(owner) + "/" + url.PathEscape(account)
}

func TestGatewayStatus(t *testing.T) {
	code, resp := doJSON(t, http.MethodGet, "/api/status", nil)
	if code != http.StatusOK {
		t.Fatalf("GET /api/status: %d %v", code, resp)
	}
	switch resp["state"] {
	case "connecting", "running", "reconnecting", "disconnected":
	default:
		t.Errorf("unexpected state %v", resp["state"])
	}
	if resp["component"] == "" {
		t.Error("component address missing from status")
	}
	t.Logf("Gateway status: %v", resp)
}

func TestReloadSettingsMethodNotAllowed(t *testing.T) {
	if code, _ := doJSON(t, http.MethodGet, "/api/reload-settings", nil); code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/reload-settings: got %d, want 405", code)
	}
}

func TestReloadSettings(t *testing.T) {
	code, resp := doJSON(t, http.MethodPost, "/api/reload-settings", nil)
	if code != http.StatusOK {
		t.Fatalf("POST /api/reload-settings: %d %v", code, resp)
	}
	if _, ok := resp["motd"].(bool); !ok {
		t.Errorf("reload answer lacks the motd flag: %v", resp)
	}
}

func TestFeedRejections(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"invalid owner", feedPath("@nodomain", testAccount), map[string]string{"body": "x"}, http.StatusBadRequest},
		{"unknown account", feedPath(testOwner, fmt.Sprintf("ghost-%d", time.Now().UnixNano())), map[string]string{"body": "x"}, http.StatusNotFound},
		{"empty item", feedPath(testOwner, testAccount), map[string]string{}, http.StatusBadRequest},
		{"invalid json", feedPath(testOwner, testAccount), "not json", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code, resp := doJSON(t, http.MethodPost, tc.path, tc.body); code != tc.status {
				t.Errorf("got %d %v, want %d", code, resp, tc.status)
			}
		})
	}
}

func TestFeedQueuesItem(t *testing.T) {
	marker := fmt.Sprintf("TestFeed-%d", time.Now().UnixNano())
	code, resp := doJSON(t, http.MethodPost, feedPath(testOwner, testAccount), map[string]string{
		"subject": "End-to-end check",
		"body":    marker,
	})
	if code == http.StatusNotFound {
		t.Skipf("account %s of %s not registered on the gateway", testAccount, testOwner)
	}
	if code != http.StatusAccepted {
		t.Fatalf("POST feed: %d %v", code, resp)
	}
	if pending, _ := resp["pending"].(float64); pending < 1 {
		t.Errorf("expected the item to be pending, got %v", resp)
	}
}
