//go:build e2e

// Package e2e_test exercises a running job queue deployment over HTTP. Point
// E2E_BASE_URL at a live server (default http://localhost:8080) and run with
// the e2e build tag.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func baseURL() string { return getenv("E2E_BASE_URL", "http://localhost:8080") }

// waitForAppReady polls /readyz until the server reports ready or the
// timeout elapses.
func waitForAppReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL() + "/readyz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("app not ready after %s", timeout)
}

// postJSON sends a JSON body and decodes the JSON response.
func postJSON(t *testing.T, client *http.Client, path string, body any) (int, map[string]any) {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := client.Post(baseURL()+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response of POST %s: %v", path, err)
	}
	return resp.StatusCode, out
}

// getJSON fetches a path and decodes the JSON response.
func getJSON(t *testing.T, client *http.Client, path string) (int, map[string]any) {
	t.Helper()
	resp, err := client.Get(baseURL() + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response of GET %s: %v", path, err)
	}
	return resp.StatusCode, out
}

// waitForStatus polls a job until it reaches want or the timeout elapses.
func waitForStatus(t *testing.T, client *http.Client, jobID, want string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last map[string]any
	for time.Now().Before(deadline) {
		code, job := getJSON(t, client, "/v1/jobs/"+jobID)
		if code != http.StatusOK {
			t.Fatalf("GET job %s: status %d", jobID, code)
		}
		last = job
		if job["status"] == want {
			return job
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s, last state: %s", jobID, want, mustJSON(last))
	return nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}
