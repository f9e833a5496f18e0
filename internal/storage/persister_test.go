package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/danmuck/camlink/internal/testutil/testlog"
	"github.com/spf13/afero"
)

// faultyFs records chunk sizes and fails writes once budget bytes are spent.
type faultyFs struct {
	afero.Fs
	budget int
	chunks *[]int
}

func (f faultyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, budget: f.budget, chunks: f.chunks}, nil
}

type faultyFile struct {
	afero.File
	budget int
	chunks *[]int
}

var errDiskFull = errors.New("disk full")

func (f *faultyFile) Write(p []byte) (int, error) {
	*f.chunks = append(*f.chunks, len(p))
	if f.budget < 0 {
		return f.File.Write(p)
	}
	if len(p) > f.budget {
		n, _ := f.File.Write(p[:f.budget])
		f.budget = 0
		return n, errDiskFull
	}
	f.budget -= len(p)
	return f.File.Write(p)
}

func touch(t *testing.T, fs afero.Fs, name string, size int) {
	t.Helper()
	if err := afero.WriteFile(fs, "/"+name, make([]byte, size), 0o644); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
}

func TestOpenRecoversCounterFromNames(t *testing.T) {
	logger := testlog.Start(t)
	fs := afero.NewMemMapFs()
	touch(t, fs, "photo_0003.jpg", 10)
	touch(t, fs, "photo_0010.jpg", 10)
	touch(t, fs, "PHOTO_0007.JPG", 10)
	touch(t, fs, "photo_x.jpg", 10)
	touch(t, fs, "notes.txt", 10)
	if err := fs.MkdirAll("/photo_0099.jpg", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	p, err := Open(fs, DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if p.Next() != 11 {
		t.Fatalf("expected next=11, got %d", p.Next())
	}
	arts, err := p.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(arts) != 3 || arts[0].Sequence != 3 || arts[2].Sequence != 10 {
		t.Fatalf("unexpected artifacts: %+v", arts)
	}
}

func TestOpenEmptyStoreStartsAtZero(t *testing.T) {
	logger := testlog.Start(t)
	p, err := Open(afero.NewMemMapFs(), DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if p.Next() != 0 {
		t.Fatalf("expected next=0, got %d", p.Next())
	}
	if p.Name(0) != "photo_0000.jpg" {
		t.Fatalf("unexpected name: %s", p.Name(0))
	}
}

func TestSaveNumbersConsecutivelyAndSurvivesRestart(t *testing.T) {
	logger := testlog.Start(t)
	fs := afero.NewMemMapFs()
	touch(t, fs, "photo_0004.jpg", 1)

	p, err := Open(fs, DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i, want := range []int{5, 6, 7} {
		art, err := p.Save([]byte{byte(i + 1)})
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		if art.Sequence != want {
			t.Fatalf("expected sequence %d, got %d", want, art.Sequence)
		}
	}

	reopened, err := Open(fs, DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Next() != 8 {
		t.Fatalf("expected recovered next=8, got %d", reopened.Next())
	}
}

func TestSaveWritesFixedChunks(t *testing.T) {
	logger := testlog.Start(t)
	mem := afero.NewMemMapFs()
	var chunks []int
	p, err := Open(faultyFs{Fs: mem, budget: -1, chunks: &chunks}, DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	payload := bytes.Repeat([]byte{0xAB}, 10000)
	art, err := p.Save(payload)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if art.Size != 10000 || art.Name != "photo_0000.jpg" {
		t.Fatalf("unexpected artifact: %+v", art)
	}
	if len(chunks) != 3 || chunks[0] != 4096 || chunks[1] != 4096 || chunks[2] != 1808 {
		t.Fatalf("unexpected chunk sizes: %v", chunks)
	}
	got, err := afero.ReadFile(mem, "/photo_0000.jpg")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("content mismatch")
	}
}

func TestSaveFailureKeepsCounterAndPartialFile(t *testing.T) {
	logger := testlog.Start(t)
	mem := afero.NewMemMapFs()
	var chunks []int
	p, err := Open(faultyFs{Fs: mem, budget: 5000, chunks: &chunks}, DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	payload := bytes.Repeat([]byte{0x01}, 10000)
	if _, err := p.Save(payload); !errors.Is(err, ErrStorage) || !errors.Is(err, errDiskFull) {
		t.Fatalf("expected ErrStorage wrapping disk full, got %v", err)
	}
	if p.Next() != 0 {
		t.Fatalf("expected counter unchanged, got %d", p.Next())
	}
	info, err := mem.Stat("/photo_0000.jpg")
	if err != nil {
		t.Fatalf("expected partial artifact left on storage: %v", err)
	}
	if info.Size() != 5000 {
		t.Fatalf("expected 5000 partial bytes, got %d", info.Size())
	}

	healthy, err := Open(mem, DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	// the partial file counts during recovery, so the retry takes the next number
	art, err := healthy.Save(payload)
	if err != nil {
		t.Fatalf("save after failure: %v", err)
	}
	if art.Sequence != 1 {
		t.Fatalf("expected sequence 1 after restart, got %d", art.Sequence)
	}
}

func TestSaveAfterFailureOverwritesPartial(t *testing.T) {
	logger := testlog.Start(t)
	mem := afero.NewMemMapFs()
	var chunks []int
	fs := faultyFs{Fs: mem, budget: 100, chunks: &chunks}
	p, err := Open(fs, DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := p.Save(bytes.Repeat([]byte{0x02}, 300)); err == nil {
		t.Fatalf("expected failed save")
	}
	// swap to a healthy volume without restarting; same number is reused
	p.fs = mem
	art, err := p.Save([]byte("short"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if art.Sequence != 0 {
		t.Fatalf("expected sequence 0 reused, got %d", art.Sequence)
	}
	got, _ := afero.ReadFile(mem, "/photo_0000.jpg")
	if string(got) != "short" {
		t.Fatalf("expected partial file replaced, got %q", got)
	}
}

func TestSaveRejectsEmptyPayload(t *testing.T) {
	logger := testlog.Start(t)
	p, err := Open(afero.NewMemMapFs(), DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := p.Save(nil); !errors.Is(err, ErrStorage) || !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrStorage/ErrNoData, got %v", err)
	}
}

func TestCustomNamingScheme(t *testing.T) {
	logger := testlog.Start(t)
	fs := afero.NewMemMapFs()
	touch(t, fs, "cam-0041.jpeg", 1)
	touch(t, fs, "photo_0900.jpg", 1)
	p, err := Open(fs, Config{Prefix: "cam-", Extension: ".jpeg"}, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if p.Next() != 42 {
		t.Fatalf("expected next=42, got %d", p.Next())
	}
	if seq, ok := p.ParseName("cam-12345.jpeg"); !ok || seq != 12345 {
		t.Fatalf("expected wide sequence parsed, got %d ok=%v", seq, ok)
	}
}

func TestListCarriesModTimeAndSortsNewest(t *testing.T) {
	logger := testlog.Start(t)
	fs := afero.NewMemMapFs()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"photo_0000.jpg", "photo_0001.jpg", "photo_0002.jpg"} {
		touch(t, fs, name, 4)
		// sequence 1 is the newest, as after a clock jump
		at := base.Add(time.Duration(i) * time.Minute)
		if i == 1 {
			at = base.Add(time.Hour)
		}
		if err := fs.Chtimes("/"+name, at, at); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}

	p, err := Open(fs, DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	arts, err := p.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !arts[0].Modified.Equal(base) {
		t.Fatalf("expected modified %s, got %s", base, arts[0].Modified)
	}
	SortNewest(arts)
	var order []int
	for _, a := range arts {
		order = append(order, a.Sequence)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 0 {
		t.Fatalf("expected newest-first order [1 2 0], got %v", order)
	}
}

func TestSaveReportsModTime(t *testing.T) {
	logger := testlog.Start(t)
	p, err := Open(afero.NewMemMapFs(), DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	art, err := p.Save([]byte("jpeg"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if art.Modified.IsZero() {
		t.Fatalf("expected modification time on saved artifact")
	}
}

func TestOpenArtifact(t *testing.T) {
	logger := testlog.Start(t)
	fs := afero.NewMemMapFs()
	p, err := Open(fs, DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	art, err := p.Save([]byte("jpeg bytes"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	f, err := p.OpenArtifact(art.Name)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	got, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil || string(got) != "jpeg bytes" {
		t.Fatalf("expected stored bytes, got %q err=%v", got, err)
	}

	touch(t, fs, "sent_files.json", 2)
	for _, name := range []string{"sent_files.json", "../etc/passwd", "photo_0009.jpg"} {
		if _, err := p.OpenArtifact(name); !errors.Is(err, ErrStorage) {
			t.Fatalf("%s: expected ErrStorage, got %v", name, err)
		}
	}
}
