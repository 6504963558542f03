package tlscore

import (
	"log/slog"
	"os"
	"testing"
)

// TestCertWatcher_ReloadSendsMaterial exercises reload() directly rather
// than through a live fsnotify event, since filesystem notification
// timing is not worth making deterministic for this: reload() is the
// entire unit of work Run dispatches to on a Write/Create event.
func TestCertWatcher_ReloadSendsMaterial(t *testing.T) {
	dir := t.TempDir()
	certPath := dir + "/cert.pem"
	keyPath := dir + "/key.pem"
	mat := genTestMaterial(t, "watched.identity")
	if err := os.WriteFile(certPath, mat.certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, mat.keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := NewCertWatcher(certPath, keyPath, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.reload()

	select {
	case got := <-w.Reloads:
		if string(got.CertPEM) != string(mat.certPEM) {
			t.Fatal("reloaded cert PEM does not match the file on disk")
		}
		if string(got.KeyPEM) != string(mat.keyPEM) {
			t.Fatal("reloaded key PEM does not match the file on disk")
		}
		if got.CertPath != certPath || got.KeyPath != keyPath {
			t.Fatal("reloaded material carries the wrong file paths")
		}
	default:
		t.Fatal("expected a reload to be queued on Reloads")
	}
}

// TestCertWatcher_DropsReloadWhenChannelFull verifies reload() never
// blocks the caller: Reloads has capacity 1, so a second reload before
// the first is drained must be dropped, not queued or blocked on.
func TestCertWatcher_DropsReloadWhenChannelFull(t *testing.T) {
	dir := t.TempDir()
	certPath := dir + "/cert.pem"
	keyPath := dir + "/key.pem"
	mat := genTestMaterial(t, "watched.identity")
	if err := os.WriteFile(certPath, mat.certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, mat.keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := NewCertWatcher(certPath, keyPath, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.reload()
	w.reload()

	if len(w.Reloads) != 1 {
		t.Fatalf("expected exactly one queued reload, got %d", len(w.Reloads))
	}
}
