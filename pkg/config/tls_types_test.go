package config

import (
	"testing"
)

func TestParseTLSVersion(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected TLSVersion
		wantErr  bool
	}{
		{name: "empty string defaults to TLS 1.2", input: "", expected: TLSVersion12},
		{name: "valid TLS 1.2", input: "1.2", expected: TLSVersion12},
		{name: "valid TLS 1.3", input: " 1.3 ", expected: TLSVersion13},
		{name: "legacy version rejected", input: "1.0", wantErr: true},
		{name: "invalid version", input: "2.0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseTLSVersion(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseTLSVersion() expected error but got none")
				}
				return
			}
			if err != nil {
				t.Errorf("ParseTLSVersion() unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("ParseTLSVersion() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestTLSConfigValidation(t *testing.T) {
	disabled := &TLSConfig{}
	if err := disabled.Validate(); err != nil {
		t.Errorf("disabled TLS should validate, got %v", err)
	}

	missingKey := &TLSConfig{Enabled: true, CertFile: "cert.pem"}
	err := missingKey.Validate()
	cfgErr, ok := err.(*ConfigError)
	if !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if cfgErr.Field != "key_file" {
		t.Errorf("expected key_file error, got %q", cfgErr.Field)
	}

	ok13 := &TLSConfig{Enabled: true, CertFile: "cert.pem", KeyFile: "key.pem", MinVersion: "1.3"}
	if err := ok13.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if ok13.Address != ":8443" {
		t.Errorf("expected default address :8443, got %q", ok13.Address)
	}
}
