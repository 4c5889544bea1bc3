// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadFromPathTrims(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain", "robot-secret-value", "robot-secret-value"},
		{"trailing newline", "robot-secret-value\n", "robot-secret-value"},
		{"surrounding space", "  robot-secret-value \n", "robot-secret-value"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(dir, test.name)
			if err := os.WriteFile(path, []byte(test.content), 0600); err != nil {
				t.Fatalf("writing fixture: %v", err)
			}
			buffer, err := ReadFromPath(path)
			if err != nil {
				t.Fatalf("ReadFromPath: %v", err)
			}
			defer buffer.Close()
			if got := buffer.String(); got != test.want {
				t.Errorf("ReadFromPath = %q, want %q", got, test.want)
			}
		})
	}
}

func TestReadFromPathErrors(t *testing.T) {
	if _, err := ReadFromPath(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing file: want error")
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, []byte("  \n\t\n"), 0600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := ReadFromPath(empty); err == nil {
		t.Error("whitespace-only file: want error")
	}
}
