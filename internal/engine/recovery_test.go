package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
)

// fakeServerEnv makes the test binary act as llama-server: it refuses
// weights without the GGUF magic the way the real server does and
// otherwise serves /health and chat completions.
const fakeServerEnv = "ALTO_ENGINE_FAKE_LLAMA_SERVER"

func TestMain(m *testing.M) {
	if os.Getenv(fakeServerEnv) == "1" {
		os.Exit(runFakeLlamaServer(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runFakeLlamaServer(args []string) int {
	var port, model string
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "--port":
			port = args[i+1]
		case "-m":
			model = args[i+1]
		}
	}
	data, err := os.ReadFile(model)
	if err != nil || !bytes.HasPrefix(data, []byte("GGUF")) {
		fmt.Fprintln(os.Stderr, "gguf_init_from_file: failed to read magic")
		return 1
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Ready when you are."}}]}`))
	})
	if err := http.ListenAndServe("127.0.0.1:"+port, mux); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestManager_PurgeKeepsUserSuppliedWeights(t *testing.T) {
	cache := DirCache{Root: t.TempDir(), Preserve: []string{StoreWeights}}
	if err := cache.Ensure(); err != nil {
		t.Fatal(err)
	}
	weights := filepath.Join(cache.Path(StoreWeights), "m.gguf")
	if err := os.WriteFile(weights, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	rt := NewLlamaServerRuntime(config.EngineConfig{Port: freePort(t)}, cache, "m.gguf", nil)
	m := NewManager(rt, cache, nil, nil)

	_, err := m.Load(context.Background())
	var ierr *InitError
	if !errors.As(err, &ierr) || !ierr.CacheCorruption {
		t.Fatalf("error = %v, want a cache corruption InitError", err)
	}
	if ierr.First == nil || !strings.Contains(ierr.First.Error(), "invalid magic") {
		t.Errorf("First = %v, want the invalid magic error that triggered the purge", ierr.First)
	}
	if _, err := os.Stat(weights); err != nil {
		t.Errorf("user-supplied weights were purged: %v", err)
	}
	if _, err := os.Stat(cache.Path(StoreKV)); !os.IsNotExist(err) {
		t.Errorf("kv cache should have been purged: %v", err)
	}
}

func TestManager_PurgeRedownloadsWeights(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("the fake server is stopped with an interrupt")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv(fakeServerEnv, "1")

	good := append([]byte("GGUF"), bytes.Repeat([]byte{0x03}, 4096)...)
	var downloads atomic.Int32
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		w.Header().Set("Content-Length", strconv.Itoa(len(good)))
		w.Write(good)
	}))
	defer src.Close()

	cache := DirCache{Root: t.TempDir()}
	if err := cache.Ensure(); err != nil {
		t.Fatal(err)
	}
	weights := filepath.Join(cache.Path(StoreWeights), "m.gguf")
	if err := os.WriteFile(weights, []byte("truncated"), 0o644); err != nil {
		t.Fatal(err)
	}

	rt := NewLlamaServerRuntime(config.EngineConfig{
		ServerBinary: exe,
		Port:         freePort(t),
		ContextSize:  512,
		ReadyTimeout: 20 * time.Second,
		ModelURL:     src.URL + "/m.gguf",
	}, cache, "m.gguf", nil)
	m := NewManager(rt, cache, nil, nil)
	progress, stop := m.Subscribe(256)
	defer stop()

	inst, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load after purge and download: %v", err)
	}
	defer m.Unload()

	out, err := inst.Complete(context.Background(), CompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil || out != "Ready when you are." {
		t.Errorf("Complete = %q, %v", out, err)
	}
	if got := downloads.Load(); got != 1 {
		t.Errorf("downloads = %d, want 1", got)
	}
	data, err := os.ReadFile(weights)
	if err != nil || !bytes.Equal(data, good) {
		t.Errorf("weights after recovery = %d bytes, %v; want the downloaded file", len(data), err)
	}

	var phases []string
	for len(progress) > 0 {
		phases = append(phases, (<-progress).Phase)
	}
	joined := strings.Join(phases, ",")
	if !strings.Contains(joined, "download") || !strings.HasSuffix(joined, "ready") {
		t.Errorf("phases = %v, want a download phase and ready last", phases)
	}
	if st := m.Status(); st.State != StateReady {
		t.Errorf("state = %v, want ready", st.State)
	}
}

func TestLlamaServerRuntime_DownloadFailure(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer src.Close()

	cache := DirCache{Root: t.TempDir()}
	rt := NewLlamaServerRuntime(config.EngineConfig{Port: freePort(t), ModelURL: src.URL}, cache, "m.gguf", nil)
	_, err := rt.Start(context.Background(), func(Progress) {})
	if err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Fatalf("error = %v, want HTTP 404", err)
	}
	entries, _ := os.ReadDir(cache.Path(StoreWeights))
	if len(entries) != 0 {
		t.Errorf("failed download left %d files behind", len(entries))
	}
}
