package main

import (
	"fmt"
	"net"
	"testing"

	"casvault/internal/api"
	"casvault/internal/cas"
)

func TestFormatCLIError_NetworkGuidance(t *testing.T) {
	err := &net.DNSError{Err: "dial tcp: connection refused", Name: "127.0.0.1", IsTemporary: true}
	lines := formatCLIError(err)
	if !containsLine(lines, "hint: ensure a casvault server is running at CASVAULT_API_URL.") {
		t.Fatalf("expected connectivity guidance, got %v", lines)
	}
	if !containsLine(lines, "hint: start a server with: casvault srv") {
		t.Fatalf("expected manual-start guidance, got %v", lines)
	}
}

func TestFormatCLIError_APIUnknownServiceGuidance(t *testing.T) {
	err := &api.APIError{Status: 404, Message: "api error: 404 Not Found"}
	lines := formatCLIError(err)
	if !containsLine(lines, "hint: verify CASVAULT_API_URL points to a casvault server.") {
		t.Fatalf("expected api-url guidance, got %v", lines)
	}
}

func TestFormatCLIError_APIAuthGuidance(t *testing.T) {
	err := &api.APIError{Status: 401, Code: "unauthorized", Message: "unauthorized"}
	lines := formatCLIError(err)
	if !containsLine(lines, "hint: verify CASVAULT_API_TOKEN and CASVAULT_ADMIN_TOKEN configuration.") {
		t.Fatalf("expected auth guidance, got %v", lines)
	}
}

func TestFormatCLIError_APIInternalGuidance(t *testing.T) {
	err := &api.APIError{Status: 500, Code: "internal", Message: "internal error"}
	lines := formatCLIError(err)
	if !containsLine(lines, "hint: server returned an internal error; check server logs for details.") {
		t.Fatalf("expected internal-error guidance, got %v", lines)
	}
}

func TestFormatCLIError_InvalidHashGuidance(t *testing.T) {
	err := fmt.Errorf("stat: %w", cas.ErrInvalidHash)
	lines := formatCLIError(err)
	if !containsLine(lines, "hint: hashes are 64 hexadecimal characters (SHA-256).") {
		t.Fatalf("expected hash guidance, got %v", lines)
	}
}

func TestFormatCLIErrorDeduplicates(t *testing.T) {
	if lines := formatCLIError(nil); lines != nil {
		t.Fatalf("expected nil for nil error, got %v", lines)
	}
	lines := uniqueLines([]string{"a", "", "a", "b"})
	if len(lines) != 2 {
		t.Fatalf("expected deduplicated lines, got %v", lines)
	}
}

func containsLine(lines []string, expected string) bool {
	for _, line := range lines {
		if line == expected {
			return true
		}
	}
	return false
}
