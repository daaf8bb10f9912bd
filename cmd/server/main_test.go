package main

import (
	"context"
	"testing"

	"pharmapos/backend/internal/cart"
	"pharmapos/backend/internal/config"
	"pharmapos/backend/internal/service"
	"pharmapos/backend/internal/store/memory"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	if err := validateSecurityConfig(config.Config{AuthSecret: "short"}); err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	if err := validateSecurityConfig(config.Config{AuthSecret: strongSecret}); err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateSecurityConfigRequiresUpstreamCredentials(t *testing.T) {
	cfg := config.Config{AuthSecret: strongSecret, UpstreamAPIURL: "https://hq.example.test"}
	if err := validateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected gateway mode without credentials to be rejected")
	}
	cfg.UpstreamUsername = "gateway"
	cfg.UpstreamPassword = "gateway-pass"
	if err := validateSecurityConfig(cfg); err != nil {
		t.Fatalf("expected gateway config to pass, got %v", err)
	}
}

func TestTaxPolicyDefaultsToExempt(t *testing.T) {
	policy, err := taxPolicy(config.Config{TaxRatePercent: "0"})
	if err != nil {
		t.Fatalf("tax policy: %v", err)
	}
	if policy.Label != cart.VATExemptLabel || !policy.Exempt() {
		t.Fatalf("expected VAT exempt policy, got %+v", policy)
	}

	if _, err := taxPolicy(config.Config{TaxRatePercent: "eleven"}); err == nil {
		t.Fatalf("expected unparsable rate to be rejected")
	}
}

func TestTerminalBackendUsesLocalServiceWithoutUpstream(t *testing.T) {
	svc := service.New(memory.NewSeeded(nil), nil, nil, service.Options{})
	backend, err := terminalBackend(context.Background(), config.Config{}, svc)
	if err != nil {
		t.Fatalf("terminal backend: %v", err)
	}
	if backend != svc {
		t.Fatalf("expected the local service as terminal backend")
	}
}
