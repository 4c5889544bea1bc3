// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"reflect"
	"testing"
)

func TestCandidateNames(t *testing.T) {
	tests := []struct {
		host string
		want []string
	}{
		{"rover.local", []string{"rover.local"}},
		{"Rover.Local", []string{"rover.local"}},
		{"rover", []string{"rover.local"}},
		{"rover.example.com", []string{"rover.example.com.local", "rover.local"}},
		{"rover.example.com.", []string{"rover.example.com.local", "rover.local"}},
		{"", nil},
	}
	for _, test := range tests {
		if got := CandidateNames(test.host); !reflect.DeepEqual(got, test.want) {
			t.Errorf("CandidateNames(%q) = %v, want %v", test.host, got, test.want)
		}
	}
}
