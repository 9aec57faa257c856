// internal/types/ids_test.go
package types

import (
	"testing"
)

func TestNewRequestID(t *testing.T) {
	id := NewRequestID()
	if id == "" {
		t.Error("expected non-empty RequestID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestConnectorNamespaces(t *testing.T) {
	cases := []struct {
		id   ConnectorID
		exec string
		auth string
	}{
		{ConnectorDrive, "google-drive", "google"},
		{ConnectorRepoHost, "github", "github"},
		{ConnectorMessaging, "slack", "slack"},
	}
	for _, tc := range cases {
		if got := tc.id.ExecNamespace(); got != tc.exec {
			t.Errorf("%s: exec namespace = %q, want %q", tc.id, got, tc.exec)
		}
		if got := tc.id.AuthNamespace(); got != tc.auth {
			t.Errorf("%s: auth namespace = %q, want %q", tc.id, got, tc.auth)
		}
	}
}

func TestParseConnector(t *testing.T) {
	for _, in := range []string{"drive", "google-drive", "google"} {
		c, ok := ParseConnector(in)
		if !ok || c != ConnectorDrive {
			t.Errorf("ParseConnector(%q) = %q, %v", in, c, ok)
		}
	}
	if _, ok := ParseConnector("dropbox"); ok {
		t.Error("expected unknown connector to fail")
	}
}
