// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "governor-test"})

	l := WithComponent("pool")
	l.Info().Str(FieldEvent, "pool.created").Msg("pool ready")

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected a log line")
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if fields["component"] != "pool" {
		t.Errorf("expected component=pool, got %v", fields["component"])
	}
	if fields["event"] != "pool.created" {
		t.Errorf("expected event=pool.created, got %v", fields["event"])
	}
}

func TestDerive(t *testing.T) {
	l := Derive(nil)
	// Derive with a nil builder must return a usable logger.
	l.Debug().Msg("noop")
}
