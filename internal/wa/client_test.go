package wa

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"wa-dispatch/internal/dispatch"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
)

func TestJID(t *testing.T) {
	jid, err := JID("919876543210")
	if err != nil {
		t.Fatalf("jid: %v", err)
	}
	if jid.User != "919876543210" || jid.Server != types.DefaultUserServer {
		t.Fatalf("unexpected jid %s", jid)
	}
	if jid.String() != "919876543210@s.whatsapp.net" {
		t.Fatalf("unexpected jid string %s", jid.String())
	}

	for _, bad := range []string{"", "12345", "91-98765", "9198765432101234567"} {
		if _, err := JID(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		authLost bool
		want     error
	}{
		{name: "not logged in", err: fmt.Errorf("send text: %w", whatsmeow.ErrNotLoggedIn), want: dispatch.ErrTransportAuthLost},
		{name: "logged out flag", err: errors.New("server returned error 463"), authLost: true, want: dispatch.ErrTransportAuthLost},
		{name: "network", err: errors.New("websocket not connected"), want: dispatch.ErrTransportTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err, tt.authLost); !errors.Is(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestStorePathPerSource(t *testing.T) {
	dir := t.TempDir()
	if got := StorePath(dir, "src-1"); got != filepath.Join(dir, "src-1.db") {
		t.Fatalf("unexpected store path %s", got)
	}
	if StorePath(dir, "a") == StorePath(dir, "b") {
		t.Fatal("sources must not share a device store")
	}
}

func TestNewConnectorRequiresDir(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewConnector(Config{}, logger); err == nil {
		t.Fatal("expected error for empty store dir")
	}
	if _, err := NewConnector(Config{StoreDir: filepath.Join(t.TempDir(), "devices")}, logger); err != nil {
		t.Fatalf("new connector: %v", err)
	}
}
