package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/medclare/medclare/internal/domain/evaluation"
	"github.com/medclare/medclare/internal/platform/auth"
)

func TestTokenCmd_RoundTrip(t *testing.T) {
	t.Setenv("JWT_SIGNING_KEY", "test-signing-key")
	t.Setenv("AUTH_ISSUER", "medclare-test")

	cmd := tokenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--sub", "doc-1", "--role", "doctor"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("token: %v", err)
	}

	claims, err := auth.ParseToken(auth.JWTConfig{
		Issuer:     "medclare-test",
		SigningKey: []byte("test-signing-key"),
	}, strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("parse minted token: %v", err)
	}
	if claims.Subject != "doc-1" {
		t.Errorf("subject = %q, want doc-1", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != auth.RoleDoctor {
		t.Errorf("roles = %v, want [doctor]", claims.Roles)
	}
}

func TestTokenCmd_RejectsUnknownRole(t *testing.T) {
	t.Setenv("JWT_SIGNING_KEY", "test-signing-key")

	cmd := tokenCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--sub", "u1", "--role", "nurse"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "nurse") {
		t.Errorf("expected unknown role error, got %v", err)
	}
}

func TestTokenCmd_RequiresSigningKey(t *testing.T) {
	t.Setenv("JWT_SIGNING_KEY", "")

	cmd := tokenCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--sub", "u1"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error without a signing key")
	}
}

func TestRenderBenchmark(t *testing.T) {
	results := []*evaluation.Result{
		{ReportID: uuid.New(), OverallScore: 0.92, CompletenessScore: 1, SafetyScore: 1, Grade: "A", CreatedAt: time.Now()},
		{ReportID: uuid.New(), OverallScore: 0.71, CompletenessScore: 0.5, SafetyScore: 0.9, Grade: "C", CreatedAt: time.Now()},
	}
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	renderBenchmark(cmd, results, 7)

	got := out.String()
	for _, want := range []string{"Evaluations (2 of 7)", "AVERAGE", "A:1 C:1"} {
		if !strings.Contains(strings.ToUpper(got), strings.ToUpper(want)) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}
