package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/tonipetergugic/immusic-sub001/internal/config"
)

func configureTestViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	config.ApplyDefaults(viper.GetViper())
	root := t.TempDir()
	viper.Set("auth.signing_secret", "test-secret")
	viper.Set("database.path", filepath.Join(root, "qc.db"))
	viper.Set("storage.ingest_root", filepath.Join(root, "ingest"))
	viper.Set("storage.catalog_root", filepath.Join(root, "catalog"))
	viper.Set("worker.temp_dir", root)
	viper.Set("log.level", "error")
	t.Cleanup(viper.Reset)
}

func TestProcessCommandReportsIdleQueue(t *testing.T) {
	configureTestViper(t)

	cmd := newProcessCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetArgs([]string{"--user", "user-1"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("process command failed: %v", err)
	}
	if strings.TrimSpace(output.String()) != `{"status":"idle"}` {
		t.Fatalf("unexpected output %q", output.String())
	}
}

func TestProcessCommandRequiresUser(t *testing.T) {
	configureTestViper(t)

	cmd := newProcessCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)
	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Fatalf("expected an error without --user")
	}
}

func TestIssueTokenCommandProducesValidToken(t *testing.T) {
	configureTestViper(t)

	cmd := newIssueTokenCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetArgs([]string{"--user", "artist-9"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("issue-token failed: %v", err)
	}
	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(output.Bytes(), &body); err != nil {
		t.Fatalf("invalid output: %v", err)
	}

	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	subject, err := issuer.ValidateToken(body.AccessToken)
	if err != nil || subject != "artist-9" || body.TokenType != "Bearer" {
		t.Fatalf("expected a bearer token for artist-9, got subject=%q err=%v", subject, err)
	}
}
