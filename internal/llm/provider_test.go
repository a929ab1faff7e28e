package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/engine"
)

var conversation = []Message{
	{Role: RoleSystem, Content: "You are Alto."},
	{Role: RoleUser, Content: "Is my disk full?"},
}

func TestOllamaSend(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"model":"llama3.2","message":{"role":"assistant","content":"Let me look.\nACTION:scan_junk"},"done":true}`))
	}))
	defer srv.Close()

	p := NewOllama(srv.URL+"/", "llama3.2", nil)
	out, err := p.Send(context.Background(), conversation)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if out != "Let me look.\nACTION:scan_junk" {
		t.Errorf("Send = %q", out)
	}
	if got.Model != "llama3.2" || got.Stream {
		t.Errorf("request = %+v", got)
	}
	if diff := cmp.Diff(conversation, got.Messages); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusTooManyRequests, ErrRateLimit},
		{http.StatusNotFound, ErrUnsupported},
		{http.StatusMethodNotAllowed, ErrUnsupported},
		{http.StatusNotImplemented, ErrUnsupported},
		{http.StatusInternalServerError, ErrNetwork},
		{http.StatusBadGateway, ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewCloud(srv.URL, "sk", "gpt", nil).Send(context.Background(), conversation)
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *ProviderError", err)
			}
			if pe.Kind != tt.want || pe.Status != tt.status {
				t.Errorf("kind = %v status = %d, want %v %d", pe.Kind, pe.Status, tt.want, tt.status)
			}
		})
	}
}

func TestTransportErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewOllama(url, "m", nil).Ping(context.Background())
	if KindOf(err) != ErrNetwork {
		t.Errorf("KindOf(%v) = %v, want network", err, KindOf(err))
	}
}

func TestCloudOpenAIDialect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		switch r.URL.Path {
		case "/v1/chat/completions":
			var req openAIChatRequest
			json.NewDecoder(r.Body).Decode(&req)
			if len(req.Messages) != 2 || req.Messages[0].Role != RoleSystem {
				t.Errorf("messages = %+v, system should stay inline", req.Messages)
			}
			w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"All good."},"finish_reason":"stop"}]}`))
		case "/v1/models":
			w.Write([]byte(`{"data":[]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewCloud(srv.URL+"/v1", "sk-test", "gpt-4o-mini", nil)
	if c.Name() != "openai" {
		t.Errorf("Name = %q", c.Name())
	}
	out, err := c.Send(context.Background(), conversation)
	if err != nil || out != "All good." {
		t.Fatalf("Send = %q, %v", out, err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestCloudAnthropicDialect(t *testing.T) {
	var got anthropicRequest
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"content":[{"type":"text","text":"Hello "},{"type":"text","text":"there."}],"stop_reason":"end_turn"}`))
	}))
	defer srv.Close()

	c := NewCloud("https://api.anthropic.com/v1", "sk-ant", "claude-x", nil)
	if c.Name() != "anthropic" {
		t.Fatalf("Name = %q, want anthropic dialect", c.Name())
	}
	// Point the client at the test server but keep the dialect.
	c.endpoint = srv.URL

	out, err := c.Send(context.Background(), conversation)
	if err != nil || out != "Hello there." {
		t.Fatalf("Send = %q, %v", out, err)
	}
	if headers.Get("x-api-key") != "sk-ant" || headers.Get("anthropic-version") == "" {
		t.Errorf("headers = %v", headers)
	}
	if headers.Get("Authorization") != "" {
		t.Error("Authorization header should not be sent to Anthropic")
	}
	if got.System != "You are Alto." || len(got.Messages) != 1 || got.MaxTokens == 0 {
		t.Errorf("request = %+v, want system hoisted", got)
	}
}

type fakeLoader struct {
	inst engine.Instance
	err  error
}

func (f fakeLoader) Load(context.Context) (engine.Instance, error) { return f.inst, f.err }

type recordingInstance struct {
	req engine.CompletionRequest
	out string
	err error
}

func (r *recordingInstance) Complete(_ context.Context, req engine.CompletionRequest) (string, error) {
	r.req = req
	return r.out, r.err
}

func (r *recordingInstance) Close() error { return nil }

func TestLocalSend(t *testing.T) {
	inst := &recordingInstance{out: "Sure."}
	p := NewLocal(fakeLoader{inst: inst}, nil)

	out, err := p.Send(context.Background(), conversation)
	if err != nil || out != "Sure." {
		t.Fatalf("Send = %q, %v", out, err)
	}
	if diff := cmp.Diff(LocalStop, inst.req.Stop); diff != "" {
		t.Errorf("stop sequences (-want +got):\n%s", diff)
	}
	if inst.req.MaxTokens != 512 || inst.req.Temperature != 0.6 {
		t.Errorf("sampling = %d/%v", inst.req.MaxTokens, inst.req.Temperature)
	}
	if len(inst.req.Messages) != 2 || inst.req.Messages[1].Content != "Is my disk full?" {
		t.Errorf("messages = %+v", inst.req.Messages)
	}
}

func TestLocalEngineFailure(t *testing.T) {
	initErr := &engine.InitError{Err: errors.New("checksum mismatch"), CacheCorruption: true}
	p := NewLocal(fakeLoader{err: initErr}, nil)

	_, err := p.Send(context.Background(), conversation)
	if KindOf(err) != ErrEngine {
		t.Errorf("KindOf = %v, want engine", KindOf(err))
	}
	var ie *engine.InitError
	if !errors.As(err, &ie) || !ie.CacheCorruption {
		t.Errorf("error %v should unwrap to the engine InitError", err)
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ProviderConfig
		loader  EngineLoader
		want    string
		wantErr bool
	}{
		{"local", config.ProviderConfig{Kind: config.KindLocal, Model: "q"}, fakeLoader{}, "local", false},
		{"local without engine", config.ProviderConfig{Kind: config.KindLocal, Model: "q"}, nil, "", true},
		{"ollama", config.ProviderConfig{Kind: config.KindNetworkLocal, Endpoint: "http://nas:11434", Model: "m"}, nil, "ollama", false},
		{"cloud", config.ProviderConfig{Kind: config.KindCloud, Endpoint: "https://api.openai.com/v1", Credential: "k", Model: "m"}, nil, "openai", false},
		{"cloud missing credential", config.ProviderConfig{Kind: config.KindCloud, Endpoint: "https://x", Model: "m"}, nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg, tt.loader, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p.Name() != tt.want {
				t.Errorf("Name = %q, want %q", p.Name(), tt.want)
			}
		})
	}

	_, err := NewProvider(config.ProviderConfig{Kind: config.KindCloud, Endpoint: "https://x", Model: "m"}, nil, nil)
	var ce *config.ConfigurationError
	if !errors.As(err, &ce) || ce.Field != "credential" {
		t.Errorf("error = %v, want ConfigurationError for credential", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := []Message{{Role: RoleUser, Content: "a"}}
	c := Clone(orig)
	c[0].Content = "b"
	if orig[0].Content != "a" {
		t.Error("Clone shares storage with the original")
	}
	if LastUser(orig) != 0 || LastUser(nil) != -1 {
		t.Error("LastUser wrong")
	}
}
