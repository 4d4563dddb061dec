package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/lifecycle"
)

func TestExtractTokenNestedPath(t *testing.T) {
	tok, err := extractToken([]byte(`{"session":{"access_token":"abc"}}`), "session.access_token")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = extractToken([]byte(`{"session":{}}`), "session.access_token")
	assert.Error(t, err)
	_, err = extractToken([]byte(`not json`), "x")
	assert.Error(t, err)
}

func TestPasswordLoginDefaultTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "me@example.com", body["email"])
		assert.Equal(t, `pa"ss`, body["password"])
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "jwt-1"})
	}))
	defer srv.Close()

	tok, err := passwordLogin(loginConfig{BaseURL: srv.URL + "/auth/v1/", APIKey: "anon-key"}, "me@example.com", `pa"ss`)
	require.NoError(t, err)
	assert.Equal(t, "jwt-1", tok)
}

func TestPasswordLoginFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := passwordLogin(loginConfig{BaseURL: srv.URL}, "a@b.c", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login failed (400)")
}

func TestResolveProfileName(t *testing.T) {
	t.Setenv("HISTORIA_PROFILE", "")
	assert.Equal(t, "flag", resolveProfileName(" flag ", cliConfig{CurrentProfile: "cur"}))
	assert.Equal(t, "cur", resolveProfileName("", cliConfig{CurrentProfile: "cur"}))
	assert.Equal(t, "default", resolveProfileName("", cliConfig{}))

	t.Setenv("HISTORIA_PROFILE", "env")
	assert.Equal(t, "env", resolveProfileName("", cliConfig{CurrentProfile: "cur"}))
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("HISTORIA_CONFIG_DIR", t.TempDir())
	cfg, path, err := loadConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.Profiles)

	cfg.CurrentProfile = "work"
	cfg.Profiles["work"] = profile{BaseURL: "https://historia.test", Token: "tok", AnonymousID: "anon"}
	require.NoError(t, saveConfig(cfg, path))

	got, _, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "work", got.CurrentProfile)
	assert.Equal(t, "tok", got.Profiles["work"].Token)
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "<unset>", maskToken(" "))
	assert.Equal(t, "****", maskToken("short"))
	assert.Equal(t, "abcd...wxyz", maskToken("abcdefghwxyz"))
}

func TestRendererPrintsTimelineOnce(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	r := newRenderer(&buf, newUI())

	vm := lifecycle.ViewModel{
		TaskID:   "dr-1",
		Location: domain.Location{Name: "Rome"},
		Status:   domain.StatusRunning,
		Messages: []domain.Message{{
			Role:    domain.RoleAssistant,
			Content: []domain.MessageContent{{Type: domain.ContentText, Text: "Looking at the founding myth."}},
		}},
	}
	r.update(vm)
	r.update(vm)

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "Task dr-1"))
	assert.Equal(t, 1, strings.Count(out, "Looking at the founding myth."))
	assert.Contains(t, out, "Researching Rome")

	vm.Status = domain.StatusCompleted
	vm.Output = "Founded in 753 BC."
	vm.Sources = []domain.Source{{Title: "Livy", URL: "https://example.org/livy"}}
	require.NoError(t, r.result(vm))
	assert.Contains(t, buf.String(), "1. Livy https://example.org/livy")

	vm.Status = domain.StatusFailed
	vm.Error = ""
	assert.EqualError(t, r.result(vm), domain.DefaultFailureReason)
}
