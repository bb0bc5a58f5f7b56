// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/caplogin/login"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		environ map[string]string
		want    *cliConfig
		wantErr bool
	}{
		{
			name:    "defaults",
			environ: map[string]string{},
			want: &cliConfig{
				Strategies:   []string{"popup", "redirect"},
				LoopbackAddr: "127.0.0.1:0",
				PopupTimeout: 2 * time.Minute,
				CallbackAddr: "127.0.0.1:8250",
				LogLevel:     "warn",
			},
		},
		{
			name: "all",
			environ: map[string]string{
				"CAPLOGIN_BACKEND_URL":     "https://app.example.com",
				"CAPLOGIN_BACKEND_CA_FILE": "/etc/ca.pem",
				"CAPLOGIN_STATE_PATH":      "/tmp/state.db",
				"CAPLOGIN_STRATEGIES":      "redirect",
				"CAPLOGIN_LOGOUT_URL":      "/bye",
				"CAPLOGIN_DIAGNOSTIC_URL":  "https://docs.example.com/origins",
				"CAPLOGIN_REDIRECT_URL":    "https://app.example.com/callback",
				"CAPLOGIN_LOOPBACK_ADDR":   "127.0.0.1:8251",
				"CAPLOGIN_POPUP_TIMEOUT":   "30s",
				"CAPLOGIN_CALLBACK_ADDR":   "127.0.0.1:9000",
				"CAPLOGIN_LOG_LEVEL":       "debug",
				"CAPLOGIN_NO_BROWSER":      "true",
			},
			want: &cliConfig{
				BackendURL:    "https://app.example.com",
				BackendCAFile: "/etc/ca.pem",
				StatePath:     "/tmp/state.db",
				Strategies:    []string{"redirect"},
				LogoutURL:     "/bye",
				DiagnosticURL: "https://docs.example.com/origins",
				RedirectURL:   "https://app.example.com/callback",
				LoopbackAddr:  "127.0.0.1:8251",
				PopupTimeout:  30 * time.Second,
				CallbackAddr:  "127.0.0.1:9000",
				LogLevel:      "debug",
				NoBrowser:     true,
			},
		},
		{
			name:    "bad-duration",
			environ: map[string]string{"CAPLOGIN_POPUP_TIMEOUT": "soon"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, err := loadConfig("", tt.environ)
			if tt.wantErr {
				require.Error(err)
				return
			}
			require.NoError(err)
			assert.Equal(tt.want, got)
		})
	}
}

func TestLoadConfig_EnvFile(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(os.WriteFile(path, []byte("CAPLOGIN_CALLBACK_ADDR=127.0.0.1:9100\n"), 0o600))
	t.Setenv("CAPLOGIN_BACKEND_URL", "https://app.example.com")
	t.Setenv("CAPLOGIN_CALLBACK_ADDR", "")
	require.NoError(os.Unsetenv("CAPLOGIN_CALLBACK_ADDR"))

	got, err := loadConfig(path, nil)
	require.NoError(err)
	assert.Equal("https://app.example.com", got.BackendURL)
	assert.Equal("127.0.0.1:9100", got.CallbackAddr)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.env"), nil)
	assert.NoError(err)
}

func TestCliConfig_ApplyFlags(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	cmd := newRootCmd(deps{})
	require.NoError(cmd.PersistentFlags().Parse([]string{
		"--backend-url", "https://other.example.com",
		"--strategies", "redirect,popup",
		"--no-browser",
	}))
	c := &cliConfig{
		BackendURL: "https://app.example.com",
		Strategies: []string{"popup"},
		LogLevel:   "warn",
	}
	require.NoError(c.applyFlags(cmd.PersistentFlags()))
	assert.Equal("https://other.example.com", c.BackendURL)
	assert.Equal([]string{"redirect", "popup"}, c.Strategies)
	assert.True(c.NoBrowser)
	assert.Equal("warn", c.LogLevel)

	got, err := c.strategies()
	require.NoError(err)
	assert.Equal([]login.Strategy{login.StrategyRedirect, login.StrategyPopup}, got)
}

func TestCliConfig_Validate(t *testing.T) {
	t.Parallel()
	c := &cliConfig{
		Strategies:   []string{"carrier-pigeon"},
		LogLevel:     "loud",
		PopupTimeout: 0,
	}
	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{"backend URL is empty", "carrier-pigeon", "unknown log level", "popup timeout"} {
		assert.Contains(t, err.Error(), want)
	}
}
