package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tgtasker/internal/config"
	"tgtasker/pkg/logx"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	plain := []byte("backup payload")
	sealed, err := c.Encrypt(plain)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, plain) {
		t.Fatal("ciphertext contains plaintext")
	}
	got, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch: %q", got)
	}

	other, _ := NewCipher("wrong passphrase")
	if _, err := other.Decrypt(sealed); err == nil {
		t.Fatal("wrong passphrase must not decrypt")
	}
	if _, err := c.Decrypt(sealed[:4]); err == nil {
		t.Fatal("truncated input must not decrypt")
	}
}

func TestNormalizeRemotePath(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "/backups/tg.tar.gz", want: "/backups/tg.tar.gz"},
		{in: "backups/tg.tar.gz", want: "/backups/tg.tar.gz"},
		{in: "/backups/", want: "/backups/" + DefaultArchiveName},
		{in: "  ", wantErr: true},
	}
	for _, tt := range tests {
		got, err := normalizeRemotePath(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("normalizeRemotePath(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("normalizeRemotePath(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	s, err := config.NewSettings(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func seedState(t *testing.T, s config.Settings) {
	t.Helper()
	for p, content := range map[string]string{
		filepath.Join(s.SessionsDir, "alice.token"):                "token-data",
		filepath.Join(s.Workdir, "tasks", "morning", "config.json"): `{"_version":3}`,
		s.AccountsPath(): `{"accounts":{}}`,
	} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	src := testSettings(t)
	seedState(t, src)

	content, err := snapshot(src)
	if err != nil {
		t.Fatal(err)
	}

	dst := testSettings(t)
	// Pre-existing local state is replaced by the restore.
	if err := os.MkdirAll(dst.SessionsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dst.SessionsDir, "stale.token")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := restore(content, dst); err != nil {
		t.Fatal(err)
	}

	for p, want := range map[string]string{
		filepath.Join(dst.SessionsDir, "alice.token"):                "token-data",
		filepath.Join(dst.Workdir, "tasks", "morning", "config.json"): `{"_version":3}`,
		dst.AccountsPath(): `{"accounts":{}}`,
	} {
		got, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", p, got, want)
		}
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale session survived the restore")
	}
}

func evilArchive(t *testing.T, name string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("pwned")
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRestoreRejectsTraversal(t *testing.T) {
	for _, name := range []string{"../evil", "/etc/evil", "workdir/../../evil"} {
		t.Run(name, func(t *testing.T) {
			dst := testSettings(t)
			seedState(t, dst)
			if err := restore(evilArchive(t, name), dst); err == nil {
				t.Fatal("traversal entry must be rejected")
			}
			// Rejection happens before anything is written, so the existing
			// state survives intact.
			if _, err := os.Stat(filepath.Join(dst.SessionsDir, "alice.token")); err != nil {
				t.Fatal("rejected restore must not destroy local state")
			}
			if _, err := os.Stat(filepath.Join(filepath.Dir(dst.DataDir), "evil")); !os.IsNotExist(err) {
				t.Fatal("traversal entry was written")
			}
		})
	}
}

// fakeDav is an in-memory WebDAV endpoint.
type fakeDav struct {
	mu    sync.Mutex
	files map[string][]byte
	puts  int
}

func newFakeDav() *fakeDav { return &fakeDav{files: map[string][]byte{}} }

func (f *fakeDav) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		data, ok := f.files[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	case http.MethodPut:
		var buf bytes.Buffer
		buf.ReadFrom(r.Body)
		f.files[r.URL.Path] = buf.Bytes()
		f.puts++
		w.WriteHeader(http.StatusCreated)
	case "MKCOL":
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeDav) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func newTestScheduler(t *testing.T, settings config.Settings, baseURL string) *Scheduler {
	t.Helper()
	s, err := New(settings, config.BackupConfig{
		URL:           baseURL,
		Username:      "u",
		Password:      "p",
		RemotePath:    "/backups/",
		EncryptionKey: "секрет",
	}, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPushThenPullRestoresState(t *testing.T) {
	dav := newFakeDav()
	srv := httptest.NewServer(dav)
	defer srv.Close()

	src := testSettings(t)
	seedState(t, src)
	pusher := newTestScheduler(t, src, srv.URL)
	if err := pusher.Push(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The uploaded archive must be sealed, not a raw gzip stream.
	dav.mu.Lock()
	uploaded := dav.files["/backups/"+DefaultArchiveName]
	dav.mu.Unlock()
	if len(uploaded) == 0 {
		t.Fatal("nothing uploaded")
	}
	if bytes.HasPrefix(uploaded, []byte{0x1f, 0x8b}) {
		t.Fatal("uploaded archive is not encrypted")
	}

	dst := testSettings(t)
	puller := newTestScheduler(t, dst, srv.URL)
	restored, err := puller.PullIfExists(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !restored {
		t.Fatal("expected a restore")
	}
	got, err := os.ReadFile(filepath.Join(dst.SessionsDir, "alice.token"))
	if err != nil || string(got) != "token-data" {
		t.Fatalf("restored token = %q, %v", got, err)
	}

	st := puller.Status()
	if st.LastPullAt == nil || st.LastError != nil {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestPullWithoutRemoteArchive(t *testing.T) {
	srv := httptest.NewServer(newFakeDav())
	defer srv.Close()

	s := newTestScheduler(t, testSettings(t), srv.URL)
	restored, err := s.PullIfExists(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if restored {
		t.Fatal("nothing to restore from an empty remote")
	}
}

func TestPushFailureRecordsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	settings := testSettings(t)
	seedState(t, settings)
	s := newTestScheduler(t, settings, srv.URL)
	if err := s.Push(context.Background()); err == nil {
		t.Fatal("expected push failure")
	}
	st := s.Status()
	if st.LastError == nil || !strings.Contains(*st.LastError, "500") {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestRunLoopPushesOnDirty(t *testing.T) {
	dav := newFakeDav()
	srv := httptest.NewServer(dav)
	defer srv.Close()

	settings := testSettings(t)
	seedState(t, settings)
	s := newTestScheduler(t, settings, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	s.SchedulePush("test")
	deadline := time.After(5 * time.Second)
	for dav.putCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("dirty state was never pushed")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit on cancel")
	}
}
