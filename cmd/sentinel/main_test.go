package main

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/sentinelvoice/sentinel/internal/config"
	"github.com/sentinelvoice/sentinel/internal/crm"
)

func TestKeyManagerRequiresKEK(t *testing.T) {
	a := &app{cfg: &config.Config{}}
	if _, err := a.keyManager(); err == nil {
		t.Fatal("keyManager accepted an empty KEK")
	}
}

func TestKeyManagerBuildsOnce(t *testing.T) {
	a := &app{cfg: &config.Config{
		Security: config.SecurityConfig{
			KEK: base64.StdEncoding.EncodeToString(make([]byte, 32)),
		},
	}}
	km1, err := a.keyManager()
	if err != nil {
		t.Fatalf("keyManager: %v", err)
	}
	km2, _ := a.keyManager()
	if km1 == nil || km1 != km2 {
		t.Fatal("keyManager did not return the same instance")
	}
}

func TestBuildCRMNilWhenUnconfigured(t *testing.T) {
	connector, err := buildCRM(config.PostCallConfig{})
	if err != nil {
		t.Fatalf("buildCRM: %v", err)
	}
	if connector != nil {
		t.Fatal("connector built without a crm block")
	}
}

func TestBuildCRMMockProvider(t *testing.T) {
	connector, err := buildCRM(config.PostCallConfig{
		CRM: &config.CRMConfig{Provider: "mock"},
	})
	if err != nil {
		t.Fatalf("buildCRM: %v", err)
	}
	if connector == nil {
		t.Fatal("mock provider produced no connector")
	}
	// The mock needs no credentials and accepts activities immediately.
	if err := connector.LogCallActivity(context.Background(), crm.Activity{Subject: "Sales Call"}); err != nil {
		t.Fatalf("LogCallActivity: %v", err)
	}
}

func TestBuildCRMUnknownProvider(t *testing.T) {
	if _, err := buildCRM(config.PostCallConfig{
		CRM: &config.CRMConfig{Provider: "hubspot"},
	}); err == nil {
		t.Fatal("unknown provider accepted")
	}
}

func TestProviderLabel(t *testing.T) {
	if got := providerLabel(config.ProviderEntry{}); got != "mock" {
		t.Errorf("label for unset name = %q, want mock", got)
	}
	if got := providerLabel(config.ProviderEntry{Name: "whisper"}); got != "whisper" {
		t.Errorf("label = %q, want whisper", got)
	}
}
