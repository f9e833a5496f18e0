package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigInitThenValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.toml")

	out, err := execute(t, "config", "init", "--kind", "tcp", path)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, "wrote "+path) {
		t.Fatalf("unexpected init output %q", out)
	}
	if _, err := execute(t, "config", "init", path); err == nil {
		t.Fatalf("expected init to refuse an existing file")
	}

	out, err = execute(t, "--config", path, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "tcp link 127.0.0.1:7070") || !strings.Contains(out, "every 1m0s") {
		t.Fatalf("unexpected validate output %q", out)
	}
}

func TestConfigValidateRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	if err := os.WriteFile(path, []byte("[link]\nkind = \"tcp\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := execute(t, "config", "validate", path); err == nil || !strings.Contains(err.Error(), "link.address") {
		t.Fatalf("expected link.address validation error, got %v", err)
	}
}

func TestCaptureAndStatusViaAdmin(t *testing.T) {
	var hits []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/capture":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"status":"accepted","queued":true}`))
		case "/status":
			_, _ = w.Write([]byte(`{"camera":"OK:ready"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := execute(t, "capture", "--admin", srv.URL+"/")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !strings.Contains(out, `"queued": true`) {
		t.Fatalf("unexpected capture output %q", out)
	}
	out, err = execute(t, "status", "--admin", srv.URL)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"camera": "OK:ready"`) {
		t.Fatalf("unexpected status output %q", out)
	}
	if len(hits) != 2 || hits[0] != "POST /capture" || hits[1] != "GET /status" {
		t.Fatalf("unexpected admin calls %v", hits)
	}
}

func TestSimulateRejectsUnknownFault(t *testing.T) {
	if _, err := execute(t, "simulate", "--fault", "smoke"); err == nil {
		t.Fatalf("expected unknown fault error")
	}
}

func TestUploadForwardsSavedPhotos(t *testing.T) {
	var (
		mu    sync.Mutex
		names []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		mu.Lock()
		names = append(names, hdr.Filename)
		mu.Unlock()
	}))
	defer srv.Close()

	mount := t.TempDir()
	for _, name := range []string{"photo_0000.jpg", "photo_0001.jpg"} {
		if err := os.WriteFile(filepath.Join(mount, name), []byte("jpeg"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	path := filepath.Join(t.TempDir(), "upload.toml")
	body := "[link]\nkind = \"tcp\"\naddress = \"127.0.0.1:7070\"\n\n" +
		"[storage]\nmount = \"" + filepath.ToSlash(mount) + "\"\n\n" +
		"[upload]\nurl = \"" + srv.URL + "/upload\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := execute(t, "--config", path, "config", "validate")
	if err != nil || !strings.Contains(out, "forwarding to "+srv.URL+"/upload every 1m0s") {
		t.Fatalf("unexpected validate output %q err=%v", out, err)
	}
	out, err = execute(t, "--config", path, "upload")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	mu.Lock()
	sent := len(names)
	mu.Unlock()
	if !strings.Contains(out, "uploaded 2 photo(s)") || sent != 2 {
		t.Fatalf("unexpected upload output %q sent=%d", out, sent)
	}
	if _, err := os.Stat(filepath.Join(mount, "sent_files.json")); err != nil {
		t.Fatalf("expected ledger next to photos: %v", err)
	}
	out, err = execute(t, "--config", path, "upload")
	if err != nil || !strings.Contains(out, "uploaded 0 photo(s)") {
		t.Fatalf("expected nothing on second run, got %q err=%v", out, err)
	}
}
