package core

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseEnvironment(t *testing.T) {
	cases := []struct {
		input   string
		want    Environment
		wantErr bool
	}{
		{input: "sandbox", want: EnvironmentSandbox},
		{input: " Production ", want: EnvironmentProduction},
		{input: "development", want: EnvironmentDevelopment},
		{input: "SANDBOX", want: EnvironmentSandbox},
		{input: "", wantErr: true},
		{input: "staging", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseEnvironment(tc.input)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidEnvironment) {
				t.Fatalf("ParseEnvironment(%q): expected ErrInvalidEnvironment, got %v", tc.input, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseEnvironment(%q): %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("ParseEnvironment(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestTokenExpiresAt(t *testing.T) {
	issued := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	token := Token{AccessToken: "access_1", ExpiresIn: 3600, IssuedAt: issued}

	if got := token.ExpiresAt(); !got.Equal(issued.Add(time.Hour)) {
		t.Fatalf("expected expiry one hour after issuance, got %s", got)
	}

	zero := Token{AccessToken: "access_1", ExpiresIn: 0, IssuedAt: issued}
	if !zero.ExpiresAt().Equal(issued) {
		t.Fatalf("expected a zero lifetime to expire at issuance")
	}
}

func TestTokenKeyNormalizeAndString(t *testing.T) {
	key := TokenKey{ClientID: " Client_1 ", BankCode: " MockBank ", Environment: EnvironmentSandbox}
	normalized := key.Normalize()

	if normalized.ClientID != "Client_1" {
		t.Fatalf("expected client id to be trimmed, got %q", normalized.ClientID)
	}
	if normalized.BankCode != "mockbank" {
		t.Fatalf("expected bank code to be lowercased, got %q", normalized.BankCode)
	}
	if err := normalized.Validate(); err != nil {
		t.Fatalf("expected normalized key to validate: %v", err)
	}
	if got := normalized.String(); got != "Client_1::mockbank::sandbox" {
		t.Fatalf("unexpected key string %q", got)
	}

	if err := (TokenKey{BankCode: "mockbank", Environment: EnvironmentSandbox}).Validate(); err == nil {
		t.Fatalf("expected a missing client id to be rejected")
	}
	if err := (TokenKey{ClientID: "c", BankCode: "mockbank", Environment: "staging"}).Validate(); err == nil {
		t.Fatalf("expected an unknown environment to be rejected")
	}
}

func TestTokenRecordTransitionTo_HappyPath(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	record := TokenRecord{ClientID: "client_1", BankCode: "mockbank", Environment: EnvironmentSandbox}

	steps := []TokenStatus{
		TokenStatusNone,
		TokenStatusPARIssued,
		TokenStatusCodeReceived,
		TokenStatusActive,
		TokenStatusRefreshing,
		TokenStatusActive,
	}
	for _, status := range steps {
		if err := record.TransitionTo(status, "", now); err != nil {
			t.Fatalf("transition to %q: %v", status, err)
		}
		now = now.Add(time.Second)
	}
	if record.Status != TokenStatusActive {
		t.Fatalf("expected active, got %q", record.Status)
	}
}

func TestTokenRecordTransitionTo_RejectsInvalidEdges(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		from TokenStatus
		to   TokenStatus
	}{
		{from: TokenStatusNone, to: TokenStatusActive},
		{from: TokenStatusNone, to: TokenStatusCodeReceived},
		{from: TokenStatusPARIssued, to: TokenStatusActive},
		{from: TokenStatusActive, to: TokenStatusCodeReceived},
		{from: TokenStatusRefreshing, to: TokenStatusNone},
		{from: TokenStatusExpired, to: TokenStatusActive},
	}
	for _, tc := range cases {
		record := TokenRecord{Status: tc.from}
		err := record.TransitionTo(tc.to, "", now)
		if !errors.Is(err, ErrInvalidTokenStatusTransition) {
			t.Fatalf("%s -> %s: expected ErrInvalidTokenStatusTransition, got %v", tc.from, tc.to, err)
		}
		if !strings.Contains(err.Error(), string(tc.from)) || !strings.Contains(err.Error(), string(tc.to)) {
			t.Fatalf("expected both statuses in %q", err.Error())
		}
		if record.Status != tc.from {
			t.Fatalf("expected status to stay %q after a rejected transition, got %q", tc.from, record.Status)
		}
	}
}

func TestTokenRecordTransitionTo_LastErrorHandling(t *testing.T) {
	now := time.Now().UTC()
	record := TokenRecord{Status: TokenStatusActive}

	if err := record.TransitionTo(TokenStatusRefreshing, "refresh started", now); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if record.LastError != "refresh started" {
		t.Fatalf("expected reason to be recorded, got %q", record.LastError)
	}

	// Returning to active clears the previous failure note.
	if err := record.TransitionTo(TokenStatusActive, "", now); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if record.LastError != "" {
		t.Fatalf("expected last error to be cleared on active, got %q", record.LastError)
	}

	// A same-status transition still refreshes bookkeeping.
	record.Status = TokenStatusExpired
	record.UpdatedAt = time.Time{}
	if err := record.TransitionTo(TokenStatusExpired, "still expired", now); err != nil {
		t.Fatalf("same-status transition: %v", err)
	}
	if record.UpdatedAt.IsZero() {
		t.Fatalf("expected updated_at to be touched")
	}
	if record.LastError != "still expired" {
		t.Fatalf("expected reason on same-status transition, got %q", record.LastError)
	}
}

func TestTokenRecordReauthorizationEdges(t *testing.T) {
	now := time.Now().UTC()

	expired := TokenRecord{Status: TokenStatusExpired}
	if err := expired.TransitionTo(TokenStatusPARIssued, "reauthorization", now); err != nil {
		t.Fatalf("expired -> par_issued: %v", err)
	}

	active := TokenRecord{Status: TokenStatusActive}
	if err := active.TransitionTo(TokenStatusNone, "revoked", now); err != nil {
		t.Fatalf("active -> none: %v", err)
	}

	refreshing := TokenRecord{Status: TokenStatusRefreshing}
	if err := refreshing.TransitionTo(TokenStatusExpired, "refresh failed", now); err != nil {
		t.Fatalf("refreshing -> expired: %v", err)
	}
}

func TestBankConfigurationValidate(t *testing.T) {
	valid := testBankConfiguration()
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid configuration: %v", err)
	}

	missingBank := testBankConfiguration()
	missingBank.BankCode = " "
	if err := missingBank.Validate(); err == nil {
		t.Fatalf("expected a missing bank code to be rejected")
	}

	badEnvironment := testBankConfiguration()
	badEnvironment.Environment = "staging"
	if err := badEnvironment.Validate(); err == nil {
		t.Fatalf("expected an unknown environment to be rejected")
	}

	missingClient := testBankConfiguration()
	missingClient.ClientID = ""
	if err := missingClient.Validate(); err == nil {
		t.Fatalf("expected a missing client id to be rejected")
	}

	badEndpoint := testBankConfiguration()
	badEndpoint.TokenEndpoint = "not a url"
	if err := badEndpoint.Validate(); err == nil {
		t.Fatalf("expected a malformed endpoint to be rejected")
	}

	hostless := testBankConfiguration()
	hostless.AuthorizationEndpoint = "https://"
	if err := hostless.Validate(); err == nil {
		t.Fatalf("expected a hostless endpoint to be rejected")
	}
}

func TestBankConfigurationValidateSandbox(t *testing.T) {
	valid := testBankConfiguration()
	if err := valid.ValidateSandbox(); err != nil {
		t.Fatalf("expected sandbox configuration to pass: %v", err)
	}

	wrongEnvironment := testBankConfiguration()
	wrongEnvironment.Environment = EnvironmentProduction
	if err := wrongEnvironment.ValidateSandbox(); err == nil {
		t.Fatalf("expected a production configuration to be rejected")
	}

	plainHTTP := testBankConfiguration()
	plainHTTP.TokenEndpoint = "http://auth.sandbox.mockbank.example/token"
	if err := plainHTTP.ValidateSandbox(); err == nil {
		t.Fatalf("expected a plain http endpoint to be rejected")
	}

	productionEndpoint := testBankConfiguration()
	productionEndpoint.TokenEndpoint = "https://auth.mockbank.example/token"
	if err := productionEndpoint.ValidateSandbox(); err == nil {
		t.Fatalf("expected an endpoint without sandbox markers to be rejected")
	}

	productionClient := testBankConfiguration()
	productionClient.ClientID = "live-client-1"
	if err := productionClient.ValidateSandbox(); err == nil {
		t.Fatalf("expected a client id without sandbox markers to be rejected")
	}

	noFingerprints := testBankConfiguration()
	noFingerprints.CertificateFingerprints = nil
	if err := noFingerprints.ValidateSandbox(); err == nil {
		t.Fatalf("expected missing certificate fingerprints to be rejected")
	}

	missingScope := testBankConfiguration()
	missingScope.SupportedScopes = []string{ScopeAccounts}
	if err := missingScope.ValidateSandbox(); err == nil {
		t.Fatalf("expected a configuration without the payments scope to be rejected")
	}
}
