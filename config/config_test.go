package config

import (
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"callshield/analyzer"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func files(m map[string]string) func(string) ([]byte, error) {
	return func(p string) ([]byte, error) {
		if s, ok := m[p]; ok {
			return []byte(s), nil
		}
		return nil, fs.ErrNotExist
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Loader{Lookup: env(nil)}.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Analyzer.URL != analyzer.DefaultURL {
		t.Errorf("url = %q", cfg.Analyzer.URL)
	}
	chunks := cfg.Audio.Chunks()
	if chunks.FirstChunk != 32000 || chunks.NextChunk != 80000 {
		t.Errorf("chunks = %+v", chunks)
	}
	if cfg.Analyzer.FinalizeTimeout != 30*time.Second {
		t.Errorf("finalize timeout = %s", cfg.Analyzer.FinalizeTimeout)
	}
	if cfg.Metrics.Addr != "" {
		t.Errorf("metrics enabled by default: %q", cfg.Metrics.Addr)
	}
}

func TestLoadYAML(t *testing.T) {
	yml := `
analyzer:
  url: wss://shield.example.com/ws/stream
  api_key: cs_file_key
  finalize_timeout: 45s
audio:
  device: USB
  first_chunk_seconds: 1
  chunk_seconds: 3
logging:
  level: debug
metrics:
  addr: 127.0.0.1:9464
`
	cfg, err := Loader{Lookup: env(nil), ReadFile: files(map[string]string{"c.yaml": yml})}.Load("c.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Analyzer.URL != "wss://shield.example.com/ws/stream" || cfg.Analyzer.APIKey != "cs_file_key" {
		t.Errorf("analyzer = %+v", cfg.Analyzer)
	}
	if cfg.Analyzer.FinalizeTimeout != 45*time.Second {
		t.Errorf("finalize timeout = %s", cfg.Analyzer.FinalizeTimeout)
	}
	// unset keys keep their defaults
	if cfg.Analyzer.DialTimeout != analyzer.DefaultHandshakeTimeout {
		t.Errorf("dial timeout = %s", cfg.Analyzer.DialTimeout)
	}
	if c := cfg.Audio.Chunks(); c.FirstChunk != 16000 || c.NextChunk != 48000 {
		t.Errorf("chunks = %+v", c)
	}
	if cfg.Audio.Device != "USB" || cfg.Logging.Level != "debug" || cfg.Metrics.Addr != "127.0.0.1:9464" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	yml := "analyzer:\n  url: ws://file:8001/ws/stream\n"
	cfg, err := Loader{
		Lookup: env(map[string]string{
			"CALLSHIELD_ANALYZER_URL": " ws://env:8001/ws/stream ",
			"CALLSHIELD_API_KEY":      "cs_env_key",
			"CALLSHIELD_LOG_LEVEL":    "warn",
			"CALLSHIELD_METRICS_ADDR": ":9464",
			"CALLSHIELD_DEVICE":       "",
		}),
		ReadFile: files(map[string]string{"c.yaml": yml}),
	}.Load("c.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Analyzer.URL != "ws://env:8001/ws/stream" {
		t.Errorf("url = %q", cfg.Analyzer.URL)
	}
	if cfg.Analyzer.APIKey != "cs_env_key" || cfg.Logging.Level != "warn" || cfg.Metrics.Addr != ":9464" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Audio.Device != "" {
		t.Errorf("blank env value applied: %q", cfg.Audio.Device)
	}
}

func TestLoadErrors(t *testing.T) {
	for name, tt := range map[string]struct {
		yml  string
		env  map[string]string
		want string
	}{
		"bad yaml":         {yml: "analyzer: [", want: "parse"},
		"http url":         {env: map[string]string{"CALLSHIELD_ANALYZER_URL": "http://x/ws"}, want: "scheme"},
		"first > next":     {yml: "audio:\n  first_chunk_seconds: 6\n  chunk_seconds: 5\n", want: "first chunk"},
		"zero chunk":       {yml: "audio:\n  chunk_seconds: 0\n", want: "positive"},
		"bad level":        {env: map[string]string{"CALLSHIELD_LOG_LEVEL": "chatty"}, want: "level"},
		"negative timeout": {yml: "analyzer:\n  finalize_timeout: -1s\n", want: "finalize_timeout"},
	} {
		t.Run(name, func(t *testing.T) {
			l := Loader{Lookup: env(tt.env), ReadFile: files(map[string]string{"c.yaml": tt.yml})}
			_, err := l.Load("c.yaml")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	l := Loader{Lookup: env(nil), ReadFile: files(nil)}
	if _, err := l.Load("nope.yaml"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Load err = %v", err)
	}
	cfg, err := l.LoadDefault("nope.yaml")
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	if cfg.Analyzer.URL != analyzer.DefaultURL {
		t.Errorf("url = %q", cfg.Analyzer.URL)
	}
}

func TestClientConfig(t *testing.T) {
	cfg := Default()
	cfg.Analyzer.APIKey = "k"
	c := cfg.Analyzer.Client()
	if c.URL != analyzer.DefaultURL || c.APIKey != "k" || c.HandshakeTimeout != analyzer.DefaultHandshakeTimeout {
		t.Errorf("client config = %+v", c)
	}
}
