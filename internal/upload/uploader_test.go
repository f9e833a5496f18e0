package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/camlink/internal/storage"
	"github.com/danmuck/camlink/internal/testutil/fakeclock"
	"github.com/danmuck/camlink/internal/testutil/testlog"
	"github.com/spf13/afero"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// receiver is a remote /upload endpoint that records what it was sent.
type receiver struct {
	mu     sync.Mutex
	names  []string
	bodies map[string]string
	reject map[string]bool
	auth   []string
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	f, hdr, err := req.FormFile("file")
	if err != nil {
		http.Error(w, "no file", http.StatusBadRequest)
		return
	}
	defer f.Close()
	body, _ := io.ReadAll(f)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth = append(r.auth, req.Header.Get("Authorization"))
	if r.reject[hdr.Filename] {
		http.Error(w, "full", http.StatusInternalServerError)
		return
	}
	if hdr.Header.Get("Content-Type") != "image/jpeg" {
		http.Error(w, "not jpeg", http.StatusUnsupportedMediaType)
		return
	}
	r.names = append(r.names, hdr.Filename)
	if r.bodies == nil {
		r.bodies = make(map[string]string)
	}
	r.bodies[hdr.Filename] = string(body)
	w.WriteHeader(http.StatusOK)
}

func (r *receiver) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func (r *receiver) setReject(name string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject == nil {
		r.reject = make(map[string]bool)
	}
	r.reject[name] = v
}

func openStore(t *testing.T, fs afero.Fs, payloads ...string) *storage.Persister {
	t.Helper()
	store, err := storage.Open(fs, storage.DefaultConfig(), testlog.Start(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for _, p := range payloads {
		if _, err := store.Save([]byte(p)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	return store
}

func TestSweepUploadsNewArtifactsOnce(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	fs := afero.NewMemMapFs()
	store := openStore(t, fs, "first", "second")
	u, err := New(Config{URL: srv.URL, Token: "s3cret"}, store, fs, nil, testlog.Start(t))
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	u.client = srv.Client()

	n, err := u.Sweep(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 uploads, got %d err=%v", n, err)
	}
	got := rcv.received()
	if len(got) != 2 || got[0] != "photo_0000.jpg" || got[1] != "photo_0001.jpg" {
		t.Fatalf("expected oldest-first uploads, got %v", got)
	}
	if rcv.bodies["photo_0001.jpg"] != "second" {
		t.Fatalf("unexpected body %q", rcv.bodies["photo_0001.jpg"])
	}
	if rcv.auth[0] != "Bearer s3cret" {
		t.Fatalf("expected bearer token, got %q", rcv.auth[0])
	}

	if n, err := u.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("expected nothing on second sweep, got %d err=%v", n, err)
	}

	// a restart reads the ledger and skips what was sent
	if _, err := store.Save([]byte("third")); err != nil {
		t.Fatalf("save: %v", err)
	}
	restarted, err := New(Config{URL: srv.URL}, store, fs, nil, testlog.Start(t))
	if err != nil {
		t.Fatalf("restart uploader: %v", err)
	}
	restarted.client = srv.Client()
	if s := restarted.Stats(); s.Sent != 2 {
		t.Fatalf("expected 2 ledger entries after restart, got %d", s.Sent)
	}
	if n, err := restarted.Sweep(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected only the new artifact, got %d err=%v", n, err)
	}
	if got := rcv.received(); len(got) != 3 || got[2] != "photo_0002.jpg" {
		t.Fatalf("unexpected uploads after restart %v", got)
	}
	raw, err := afero.ReadFile(fs, "/sent_files.json")
	if err != nil || string(raw) != `["photo_0000.jpg","photo_0001.jpg","photo_0002.jpg"]` {
		t.Fatalf("unexpected ledger %q err=%v", raw, err)
	}
	t.Logf("upload/sweep: %d files forwarded, ledger intact across restart", len(rcv.received()))
}

func TestSweepRetriesRejectedFileNextTime(t *testing.T) {
	rcv := &receiver{}
	rcv.setReject("photo_0000.jpg", true)
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	fs := afero.NewMemMapFs()
	store := openStore(t, fs, "first", "second")
	u, err := New(Config{URL: srv.URL}, store, fs, nil, testlog.Start(t))
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	u.client = srv.Client()

	n, err := u.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one upload past the rejected file, got %d err=%v", n, err)
	}
	s := u.Stats()
	if s.Failed != 1 || s.Pending != 1 || s.LastError == "" {
		t.Fatalf("unexpected stats after rejection %+v", s)
	}
	if u.Sent("photo_0000.jpg") || !u.Sent("photo_0001.jpg") {
		t.Fatalf("expected only the accepted file in the ledger")
	}

	rcv.setReject("photo_0000.jpg", false)
	if n, err := u.Sweep(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected retry to succeed, got %d err=%v", n, err)
	}
	if !u.Sent("photo_0000.jpg") || u.Stats().Pending != 0 {
		t.Fatalf("expected retried file in ledger, stats %+v", u.Stats())
	}
}

func TestSendRejectionIsErrRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	store := openStore(t, fs, "only")
	u, err := New(Config{URL: srv.URL}, store, fs, nil, testlog.Start(t))
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	u.client = srv.Client()
	if err := u.send(context.Background(), "photo_0000.jpg"); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestSweepSkipsArtifactBeingWritten(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	fs := afero.NewMemMapFs()
	store := openStore(t, fs, "done")
	// a save in progress holds the next name until its close advances the counter
	if err := afero.WriteFile(fs, "/photo_0001.jpg", []byte("hal"), 0o644); err != nil {
		t.Fatalf("seed partial: %v", err)
	}
	u, err := New(Config{URL: srv.URL}, store, fs, nil, testlog.Start(t))
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	u.client = srv.Client()

	if n, err := u.Sweep(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected only the finished artifact, got %d err=%v", n, err)
	}
	if u.Sent("photo_0001.jpg") {
		t.Fatalf("expected in-progress artifact left for a later sweep")
	}
}

func TestCorruptLedgerStartsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := openStore(t, fs, "first")
	if err := afero.WriteFile(fs, "/sent_files.json", []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	u, err := New(Config{URL: "http://127.0.0.1:1/upload"}, store, fs, nil, testlog.Start(t))
	if err != nil {
		t.Fatalf("expected corrupt ledger tolerated, got %v", err)
	}
	if u.Stats().Sent != 0 || u.Sent("photo_0000.jpg") {
		t.Fatalf("expected empty ledger, got %+v", u.Stats())
	}
}

func TestLedgerIsNotAnArtifact(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := openStore(t, fs, "first")
	if err := afero.WriteFile(fs, "/sent_files.json", []byte(`["photo_0000.jpg"]`), 0o644); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	reopened := openStore(t, fs)
	if reopened.Next() != store.Next() {
		t.Fatalf("expected ledger ignored by recovery, next %d vs %d", reopened.Next(), store.Next())
	}
}

func TestRunSweepsOnInterval(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	fs := afero.NewMemMapFs()
	store := openStore(t, fs, "first")
	clock := fakeclock.New(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	u, err := New(Config{URL: srv.URL, Interval: time.Minute}, store, fs, clock, testlog.Start(t))
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	u.client = srv.Client()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	advances := 0
	clock.OnAdvance(func(time.Time) {
		advances++
		switch advances {
		case 1:
			// a capture lands between sweeps
			if _, err := store.Save([]byte("second")); err != nil {
				t.Errorf("save: %v", err)
			}
		case 2:
			cancel()
		}
	})

	if err := u.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := rcv.received(); len(got) != 2 || got[1] != "photo_0001.jpg" {
		t.Fatalf("expected both artifacts forwarded across two sweeps, got %v", got)
	}
	if last := u.Stats().LastSweep; !last.Equal(clock.Now().Add(-time.Minute)) {
		t.Fatalf("expected last sweep one interval ago, got %s", last)
	}
}
