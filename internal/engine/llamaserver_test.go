package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
)

func TestLlamaInstance_Complete(t *testing.T) {
	var got llamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Scanning now.\nACTION:scan_junk"}}]}`))
	}))
	defer srv.Close()

	inst := &llamaInstance{baseURL: srv.URL, client: srv.Client()}
	out, err := inst.Complete(context.Background(), CompletionRequest{
		Messages:    []ChatMessage{{Role: "user", Content: "clean my mac"}},
		Stop:        []string{"<|im_end|>"},
		MaxTokens:   512,
		Temperature: 0.6,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "Scanning now.\nACTION:scan_junk" {
		t.Errorf("content = %q", out)
	}
	if got.MaxTokens != 512 || got.Temperature != 0.6 || got.Stream || len(got.Stop) != 1 {
		t.Errorf("request = %+v", got)
	}
}

func TestLlamaInstance_CompleteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "context shift disabled", http.StatusBadRequest)
	}))
	defer srv.Close()

	inst := &llamaInstance{baseURL: srv.URL, client: srv.Client()}
	_, err := inst.Complete(context.Background(), CompletionRequest{})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("error = %v, want runtime error 400", err)
	}
}

func TestWaitReady(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var reports []Progress
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := waitReady(ctx, srv.Client(), srv.URL, make(chan struct{}), func(p Progress) {
		reports = append(reports, p)
	})
	if err != nil {
		t.Fatalf("waitReady: %v", err)
	}
	if len(reports) != 1 || reports[0].Phase != "loading" {
		t.Errorf("reports = %+v, want a single loading phase", reports)
	}
}

func TestWaitReady_ProcessExit(t *testing.T) {
	exited := make(chan struct{})
	close(exited)
	err := waitReady(context.Background(), http.DefaultClient, "http://127.0.0.1:1", exited, func(Progress) {})
	if !errors.Is(err, errExited) {
		t.Errorf("error = %v, want errExited", err)
	}
}

func TestLlamaServerRuntime_MissingModel(t *testing.T) {
	cache := DirCache{Root: t.TempDir()}
	rt := NewLlamaServerRuntime(config.EngineConfig{Port: 18719}, cache, "absent.gguf", nil)
	_, err := rt.Start(context.Background(), func(Progress) {})
	if err == nil || IsCacheCorruption(err) {
		t.Errorf("error = %v, want plain missing-model error", err)
	}
}

func TestLlamaServerRuntime_EmptyModelLooksCorrupt(t *testing.T) {
	cache := DirCache{Root: t.TempDir()}
	if err := cache.Ensure(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cache.Path(StoreWeights), "m.gguf"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	rt := NewLlamaServerRuntime(config.EngineConfig{Port: 18719}, cache, "m.gguf", nil)
	_, err := rt.Start(context.Background(), func(Progress) {})
	if !IsCacheCorruption(err) {
		t.Errorf("error = %v, want a cache corruption signature", err)
	}
}

func TestLlamaServerRuntime_CrashOutputIsReported(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as the server binary")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "llama-server")
	body := "#!/bin/sh\necho 'gguf_init_from_file: failed to read magic' >&2\nexit 1\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	cache := DirCache{Root: t.TempDir()}
	_ = cache.Ensure()
	_ = os.WriteFile(filepath.Join(cache.Path(StoreWeights), "m.gguf"), []byte("GGUF-ish"), 0o644)

	rt := NewLlamaServerRuntime(config.EngineConfig{
		ServerBinary: script,
		Port:         18720,
		ReadyTimeout: 5 * time.Second,
	}, cache, "m.gguf", nil)

	var phases []string
	_, err := rt.Start(context.Background(), func(p Progress) { phases = append(phases, p.Phase) })
	if err == nil {
		t.Fatal("Start succeeded with a crashing binary")
	}
	if !IsCacheCorruption(err) {
		t.Errorf("error = %v, want the runtime's stderr to carry the corruption signature", err)
	}
	if len(phases) == 0 || phases[0] != "starting" {
		t.Errorf("phases = %v", phases)
	}
}
