package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/httpkit"
)

// DefaultServerBinary is looked up on PATH when no binary is configured.
const DefaultServerBinary = "llama-server"

// healthPollInterval is how often a starting runtime is polled.
const healthPollInterval = 250 * time.Millisecond

// LlamaServerRuntime runs llama.cpp's llama-server as a child process
// bound to loopback and talks to it over its OpenAI-style HTTP API.
type LlamaServerRuntime struct {
	binary       string
	modelPath    string
	modelURL     string
	slotDir      string
	port         int
	contextSize  int
	readyTimeout time.Duration
	client       *http.Client
	logger       *slog.Logger
}

// NewLlamaServerRuntime builds a runtime for model, a file name inside
// the cache's weights store.
func NewLlamaServerRuntime(cfg config.EngineConfig, cache DirCache, model string, logger *slog.Logger) *LlamaServerRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	binary := cfg.ServerBinary
	if binary == "" {
		binary = DefaultServerBinary
	}
	return &LlamaServerRuntime{
		binary:       binary,
		modelPath:    filepath.Join(cache.Path(StoreWeights), model),
		modelURL:     cfg.ModelURL,
		slotDir:      cache.Path(StoreKV),
		port:         cfg.Port,
		contextSize:  cfg.ContextSize,
		readyTimeout: cfg.ReadyTimeout,
		client:       httpkit.NewClient(httpkit.WithTimeout(0)),
		logger:       logger.With("component", "llama-server"),
	}
}

// Start implements [Runtime].
func (r *LlamaServerRuntime) Start(ctx context.Context, report func(Progress)) (Instance, error) {
	if err := r.ensureWeights(ctx, report); err != nil {
		return nil, err
	}
	info, err := os.Stat(r.modelPath)
	if err != nil {
		return nil, fmt.Errorf("model weights: %w", err)
	}
	if info.Size() == 0 {
		// A zero-length file is what an interrupted download leaves.
		return nil, fmt.Errorf("failed to load model: invalid magic in empty file %s", r.modelPath)
	}
	if err := os.MkdirAll(r.slotDir, 0o755); err != nil {
		return nil, fmt.Errorf("create kv cache dir: %w", err)
	}

	binPath, err := exec.LookPath(r.binary)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", r.binary, err)
	}

	report(Progress{Phase: "starting", Percent: 0, Text: "Starting inference runtime"})

	args := []string{
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(r.port),
		"-m", r.modelPath,
		"-c", strconv.Itoa(r.contextSize),
		"--slot-save-path", r.slotDir,
	}
	out := &tailBuffer{max: 8 * 1024}
	cmd := exec.Command(binPath, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.binary, err)
	}
	r.logger.Info("runtime started", "pid", cmd.Process.Pid, "port", r.port, "model", r.modelPath)

	inst := &llamaInstance{
		baseURL: "http://127.0.0.1:" + strconv.Itoa(r.port),
		// The server can drop its listener briefly while swapping slots.
		client: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 250*time.Millisecond),
			httpkit.WithLogger(r.logger),
		),
		cmd:     cmd,
		exited:  make(chan struct{}),
		logger:  r.logger,
	}
	go func() {
		inst.waitErr = cmd.Wait()
		close(inst.exited)
	}()

	readyCtx := ctx
	if r.readyTimeout > 0 {
		var cancel context.CancelFunc
		readyCtx, cancel = context.WithTimeout(ctx, r.readyTimeout)
		defer cancel()
	}
	if err := waitReady(readyCtx, r.client, inst.baseURL, inst.exited, report); err != nil {
		if errors.Is(err, errExited) && inst.waitErr != nil {
			err = fmt.Errorf("%w: %v", err, inst.waitErr)
		}
		_ = inst.Close()
		if tail := out.String(); tail != "" {
			return nil, fmt.Errorf("%w: %s", err, tail)
		}
		return nil, err
	}

	report(Progress{Phase: "ready", Percent: 100, Text: "Model ready"})
	return inst, nil
}

// ensureWeights fetches the weights file when it is missing and a
// source URL is configured. The download lands in a temporary file
// that is renamed into place only once complete.
func (r *LlamaServerRuntime) ensureWeights(ctx context.Context, report func(Progress)) error {
	if r.modelURL == "" {
		return nil
	}
	if _, err := os.Stat(r.modelPath); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("model weights: %w", err)
	}

	dir := filepath.Dir(r.modelPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create weights dir: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.modelURL, nil)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download model: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after the rename

	r.logger.Info("downloading model weights", "url", r.modelURL, "size", resp.ContentLength)
	pw := &downloadProgress{total: resp.ContentLength, report: report, last: -1}
	n, err := io.Copy(io.MultiWriter(tmp, pw), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.modelPath); err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	r.logger.Info("model weights downloaded", "path", r.modelPath, "bytes", n)
	return nil
}

// downloadProgress reports each whole percent of a download. Without a
// known length it reports every 64 MiB.
type downloadProgress struct {
	total  int64
	done   int64
	last   int64
	report func(Progress)
}

func (p *downloadProgress) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	if p.total > 0 {
		pct := p.done * 100 / p.total
		if pct == p.last {
			return len(b), nil
		}
		p.last = pct
		p.report(Progress{
			Phase:   "download",
			Percent: float64(pct),
			Text:    fmt.Sprintf("Downloading model: %s of %s", humanize.Bytes(uint64(p.done)), humanize.Bytes(uint64(p.total))),
		})
		return len(b), nil
	}
	step := p.done >> 26
	if step == p.last {
		return len(b), nil
	}
	p.last = step
	p.report(Progress{Phase: "download", Percent: -1, Text: "Downloading model: " + humanize.Bytes(uint64(p.done))})
	return len(b), nil
}

// errExited is returned when the child dies before becoming healthy.
var errExited = errors.New("runtime exited before becoming ready")

// waitReady polls /health until it answers 200. llama-server answers
// 503 while the model is still loading.
func waitReady(ctx context.Context, client *http.Client, baseURL string, exited <-chan struct{}, report func(Progress)) error {
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	announced := false
	for {
		select {
		case <-exited:
			return errExited
		case <-ctx.Done():
			return fmt.Errorf("wait for runtime health: %w", ctx.Err())
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			cancel()
			return err
		}
		resp, err := client.Do(req)
		cancel()
		if err != nil {
			continue
		}
		httpkit.DrainAndClose(resp.Body, 4096)
		switch resp.StatusCode {
		case http.StatusOK:
			return nil
		case http.StatusServiceUnavailable:
			if !announced {
				report(Progress{Phase: "loading", Percent: -1, Text: "Loading model weights"})
				announced = true
			}
		}
	}
}

type llamaInstance struct {
	baseURL string
	client  *http.Client
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error // valid once exited is closed
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

type llamaChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Stop        []string      `json:"stop,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type llamaChatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
}

// Complete implements [Instance].
func (i *llamaInstance) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	body, err := json.Marshal(llamaChatRequest{
		Messages:    req.Messages,
		Stop:        req.Stop,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("runtime error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var out llamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("runtime returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// Close interrupts the child and kills it if it does not exit promptly.
func (i *llamaInstance) Close() error {
	i.closeOnce.Do(func() {
		if i.cmd == nil || i.cmd.Process == nil {
			return
		}
		_ = i.cmd.Process.Signal(os.Interrupt)
		select {
		case <-i.exited:
		case <-time.After(5 * time.Second):
			i.logger.Warn("runtime did not exit after interrupt, killing")
			i.closeErr = i.cmd.Process.Kill()
		}
	})
	return i.closeErr
}

// tailBuffer keeps the last max bytes written to it. The runtime's
// fatal errors are at the end of its output.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
