package format

import (
	"bytes"
	"strings"
	"testing"
)

type sample struct {
	Hash string `json:"hash" yaml:"hash"`
	Size int64  `json:"size" yaml:"size"`
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := (JSONFormatter{}).Write(&buf, sample{Hash: "abc", Size: 5}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != `{"hash":"abc","size":5}` {
		t.Fatalf("unexpected json: %s", got)
	}
}

func TestYAMLFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := (YAMLFormatter{}).Write(&buf, sample{Hash: "abc", Size: 5}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := buf.String(); got != "hash: abc\nsize: 5\n" {
		t.Fatalf("unexpected yaml: %q", got)
	}
}
