package main

import (
	"context"
	"errors"
	"net"

	"casvault/internal/api"
	"casvault/internal/cas"
)

func formatCLIError(err error) []string {
	if err == nil {
		return nil
	}

	lines := []string{err.Error()}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "unauthorized", "forbidden":
			lines = append(lines, "hint: verify CASVAULT_API_TOKEN and CASVAULT_ADMIN_TOKEN configuration.")
		case "resource_exhausted":
			lines = append(lines, "hint: retry shortly or reduce concurrent uploads and admin runs.")
		case "request_too_large":
			lines = append(lines, "hint: raise server.max_upload_bytes on the server, or store the file locally without --remote.")
		}
		if apiErr.Code == "" {
			lines = append(lines, "hint: verify CASVAULT_API_URL points to a casvault server.")
		}
		if apiErr.Status >= 500 {
			lines = append(lines, "hint: server returned an internal error; check server logs for details.")
		}
		return uniqueLines(lines)
	}

	if errors.Is(err, cas.ErrInvalidHash) {
		lines = append(lines, "hint: hashes are 64 hexadecimal characters (SHA-256).")
		return uniqueLines(lines)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		lines = append(lines, "hint: request timed out; check server health or increase CASVAULT_HTTP_TIMEOUT.")
		return uniqueLines(lines)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		lines = append(lines,
			"hint: ensure a casvault server is running at CASVAULT_API_URL.",
			"hint: start a server with: casvault srv",
			"hint: drop --remote to open the storage root directly.",
		)
		return uniqueLines(lines)
	}

	return uniqueLines(lines)
}

func uniqueLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
