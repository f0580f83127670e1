package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestRedactMihomoSecret(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactWriter(&buf)

	line := `{"level":"debug","mihomo_secret":"s3cr3t-value","msg":"client built"}`
	n, err := w.Write([]byte(line))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(line) {
		t.Errorf("Write returned %d, want original length %d", n, len(line))
	}
	out := buf.String()
	if strings.Contains(out, "s3cr3t-value") {
		t.Errorf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker, got: %s", out)
	}
}

func TestRedactBearerToken(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactWriter(&buf)

	if _, err := w.Write([]byte("Authorization: Bearer abc.def-ghi_jkl")); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Contains(out, "abc.def-ghi_jkl") {
		t.Errorf("bearer token leaked: %s", out)
	}
	if !strings.Contains(out, "Bearer [REDACTED]") {
		t.Errorf("expected Bearer [REDACTED], got: %s", out)
	}
}

func TestRedactAgentToken(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactWriter(&buf)

	if _, err := w.Write([]byte(`agent_token="tok-12345678abcd"`)); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "tok-12345678abcd") {
		t.Errorf("agent token leaked: %s", buf.String())
	}
}

func TestPassThroughPlainLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactWriter(&buf)

	line := `{"level":"info","user":"aa:bb:cc:dd:ee:ff","msg":"user blocked"}`
	if _, err := w.Write([]byte(line)); err != nil {
		t.Fatal(err)
	}
	if buf.String() != line {
		t.Errorf("plain line mutated: %s", buf.String())
	}
}
