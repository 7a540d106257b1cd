package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	clierrors "github.com/kube-zen/zen-proctor/cmd/proctorctl/internal/errors"
	"github.com/kube-zen/zen-proctor/pkg/config"
	"github.com/spf13/cobra"
)

// execute runs cmd the way the root command does: errors and usage are left
// to the caller, so stdout holds only the command's own output.
func execute(t *testing.T, cmd *cobra.Command, opts Options, args ...string) (string, error) {
	t.Helper()
	var out, stderr bytes.Buffer
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	cmd.SetOut(&out)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(WithOptions(context.Background(), opts))
	if stderr.Len() > 0 {
		t.Errorf("unexpected stderr output: %q", stderr.String())
	}
	return out.String(), err
}

func exitCode(err error) int {
	var exitErr *clierrors.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if err != nil {
		return -1
	}
	return 0
}

func TestCheckURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		verdict  string
		severity string
		code     int
	}{
		{"ai assistant", "https://chat.openai.com/c/123", "blocked", "critical", clierrors.ExitBlocked},
		{"new ai host", "chatgpt.com", "blocked", "critical", clierrors.ExitBlocked},
		{"messaging", "https://web.whatsapp.com/", "blocked", "high", clierrors.ExitBlocked},
		{"clean explicit visit", "https://github.com/golang/go", "clean", "medium", 0},
		{"search", "www.google.com", "clean", "medium", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, NewCheckURLCommand(), Options{Output: "json"}, tt.url)
			if got := exitCode(err); got != tt.code {
				t.Fatalf("exit code = %d, want %d (err %v)", got, tt.code, err)
			}
			var results []CheckResult
			if err := json.Unmarshal([]byte(out), &results); err != nil {
				t.Fatalf("decode output %q: %v", out, err)
			}
			if len(results) != 1 {
				t.Fatalf("got %d results", len(results))
			}
			if results[0].Verdict != tt.verdict || results[0].Severity != tt.severity {
				t.Errorf("verdict %s severity %s, want %s %s", results[0].Verdict, results[0].Severity, tt.verdict, tt.severity)
			}
		})
	}
}

func TestCheckURL_CustomBlocklistAllow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.yaml")
	data := "domains:\n  - {pattern: chatgpt.com, category: ai_assistance}\nallow: [exams.example.edu]\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, NewCheckURLCommand(), Options{Output: "table", Blocklist: path}, "https://exams.example.edu/quiz/7")
	if err != nil {
		t.Fatalf("check-url: %v", err)
	}
	if !strings.Contains(out, "allowed") || !strings.Contains(out, "low") {
		t.Errorf("table output %q, want an allowed low row", out)
	}
}

func TestCheckProcess(t *testing.T) {
	out, err := execute(t, NewCheckProcessCommand(), Options{Output: "json"}, "AnyDesk", "bash")
	if exitCode(err) != clierrors.ExitBlocked {
		t.Fatalf("err = %v, want blocked exit", err)
	}
	var results []CheckResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatal(err)
	}
	if results[0].Category != "remote_access" || results[0].Severity != "high" {
		t.Errorf("anydesk = %+v", results[0])
	}
	if results[1].Verdict != "clean" || results[1].Severity != "low" {
		t.Errorf("bash = %+v", results[1])
	}
}

func writeAgentConfig(t *testing.T, serverURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	data := "server_url: " + serverURL + "\napi_key: agent-key\nsession_id: exam-42\nmachine_id: lab-07\n" +
		"screen:\n  enabled: true\nwebcam:\n  enabled: false\nobserver:\n  enabled: false\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateConfig(t *testing.T) {
	good := writeAgentConfig(t, "http://127.0.0.1:8080")
	bad := writeAgentConfig(t, "ftp://hub")

	tests := []struct {
		name string
		args []string
		code int
		want string
	}{
		{"valid agent", []string{"--agent", good, "--env-file", ""}, 0, "All checks passed"},
		{"invalid agent", []string{"--agent", bad, "--env-file", ""}, clierrors.ExitFailure, "must be an absolute http(s) URL"},
		{"nothing given", nil, clierrors.ExitFailure, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, NewValidateCommand(), Options{}, tt.args...)
			if got := exitCode(err); got != tt.code {
				t.Fatalf("exit code = %d, want %d (err %v)", got, tt.code, err)
			}
			if tt.want != "" && !strings.Contains(out, tt.want) {
				t.Errorf("output %q does not contain %q", out, tt.want)
			}
		})
	}
}

func TestCheckHub(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		want        string
		remediation string
	}{
		{"accepted", http.StatusOK, StatusPass, ""},
		{"rejected key", http.StatusUnauthorized, StatusFail, "agent_keys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/v1/auth/check" {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"role":"agent"}`))
			}))
			defer srv.Close()

			cfg := config.DefaultAgentConfig()
			cfg.ServerURL = srv.URL
			cfg.APIKey = "agent-key"
			cfg.SessionID = "exam-42"
			cfg.MachineID = "lab-07"

			res := checkHub(context.Background(), cfg)
			if res.Status != tt.want {
				t.Fatalf("status = %s (%s), want %s", res.Status, res.Message, tt.want)
			}
			if !strings.Contains(res.Remediation, tt.remediation) {
				t.Errorf("remediation %q does not mention %q", res.Remediation, tt.remediation)
			}
		})
	}
}

func TestCheckDetector_Unconfigured(t *testing.T) {
	cfg := config.DefaultAgentConfig()
	cfg.Detector.URL = ""
	if res := checkDetector(context.Background(), cfg); res.Status != StatusWarn {
		t.Errorf("status = %s, want WARN", res.Status)
	}
}

func TestSessionsCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer viewer-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sessions":[{"id":"exam-42","machine_id":"lab-07","agent_connected":true,"viewers":2,"open_alerts":1,"frames_received":120,"last_seen":"3 seconds ago","stale":false}]}`))
	}))
	defer srv.Close()

	out, err := execute(t, NewSessionsCommand(), Options{}, "--hub", srv.URL, "--token", "viewer-key")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	for _, want := range []string{"SESSION", "exam-42", "lab-07", "120", "3 seconds ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}

	_, err = execute(t, NewSessionsCommand(), Options{}, "--hub", srv.URL, "--token", "wrong")
	if err == nil {
		t.Error("expected an error for a rejected token")
	}
}
