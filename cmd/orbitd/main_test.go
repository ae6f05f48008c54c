package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/orbit"
	"github.com/gogpu/orbit/backend"
	"github.com/gogpu/orbit/catalog"
	"github.com/gogpu/orbit/internal/config"
)

const testCatalog = `[
	{"name": "A", "satnum": "1", "r": {"X": 7000, "Y": 0, "Z": 0}, "w": {"X": 0, "Y": 0, "Z": 1}, "speed": 0.5},
	{"name": "B", "satnum": "2", "r": {"X": 0, "Y": 8000, "Z": 0}, "v": {"X": 0, "Y": 0, "Z": 8}}
]`

const testTLE = `0 ISS (ZARYA)
1 25544U 98067A   08264.51782528 -.00002182  00000-0 -11606-4 0  2927
2 25544  51.6416 247.4627 0006703 130.5360 325.0288 15.72125391563537
`

// atTLEEpoch pins the propagation time to the epoch of testTLE.
func atTLEEpoch(t *testing.T) {
	t.Helper()
	prev := now
	now = func() time.Time { return time.Date(2008, time.September, 20, 12, 25, 40, 0, time.UTC) }
	t.Cleanup(func() { now = prev })
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func testElements(t *testing.T) []orbit.Element {
	t.Helper()
	c, err := catalog.Decode(strings.NewReader(testCatalog))
	if err != nil {
		t.Fatal(err)
	}
	elements, err := c.Elements()
	if err != nil {
		t.Fatal(err)
	}
	return elements
}

// tickUntil ticks the engine until cond holds or the deadline passes.
func tickUntil(t *testing.T, e *engine, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met; mode = %s stats = %+v", e.Mode(), e.Stats())
		}
		e.Tick(0.01)
		time.Sleep(time.Millisecond)
	}
}

func registerBroken(t *testing.T) {
	t.Helper()
	backend.Register("broken", 1, func(context.Context) (orbit.Device, error) {
		return nil, errors.New("no device")
	})
	t.Cleanup(func() { backend.Unregister("broken") })
}

func TestEngineSoftware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend = backend.BackendSoftware
	e, err := newEngine(cfg, testLogger(), testElements(t))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	// Initial positions are visible before the first frame.
	first, _ := e.render.Snapshot(nil)
	if first[0] != float32(7000*cfg.Scale) {
		t.Errorf("initial x = %v", first[0])
	}

	tickUntil(t, e, func() bool { return e.Stats().Applied > 0 })
	if e.Mode() != backend.BackendSoftware {
		t.Errorf("Mode() = %q", e.Mode())
	}
	moved, _ := e.render.Snapshot(nil)
	if moved[1] == 0 {
		t.Errorf("object A did not move: %v", moved[:3])
	}
}

func TestEngineFallback(t *testing.T) {
	registerBroken(t)
	tests := []struct {
		fallback string
		want     string
	}{
		{config.FallbackSoftware, backend.BackendSoftware},
		{config.FallbackStatic, config.FallbackStatic},
	}
	for _, tt := range tests {
		t.Run(tt.fallback, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Backend = "broken"
			cfg.Fallback = tt.fallback
			elements := testElements(t)
			e, err := newEngine(cfg, testLogger(), elements)
			if err != nil {
				t.Fatal(err)
			}
			defer e.Close()

			tickUntil(t, e, func() bool { return e.Mode() != "broken" })
			if e.Mode() != tt.want {
				t.Fatalf("Mode() = %q, want %q", e.Mode(), tt.want)
			}
			if tt.want == config.FallbackStatic {
				if e.reason == nil {
					t.Error("static engine has no reason")
				}
				got, _ := e.render.Snapshot(nil)
				if got[0] != float32(elements[0].Position.X*cfg.Scale) {
					t.Errorf("static x = %v", got[0])
				}
				e.Tick(1) // no-op
			}
		})
	}
}

func TestEngineUnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend = "vulkan-direct"
	if _, err := newEngine(cfg, testLogger(), testElements(t)); !errors.Is(err, backend.ErrBackendNotAvailable) {
		t.Errorf("newEngine() = %v, want ErrBackendNotAvailable", err)
	}
}

func TestInspect(t *testing.T) {
	c, _ := catalog.Decode(strings.NewReader(testCatalog))
	var out bytes.Buffer
	if err := inspect(&out, c); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"objects", "2", "altitude (km)", "period (min)"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestPlotAltitudes(t *testing.T) {
	c, _ := catalog.Decode(strings.NewReader(testCatalog))
	var out bytes.Buffer
	if err := plotAltitudes(&out, c); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "altitude (km) by rank") {
		t.Errorf("plot missing caption:\n%s", out.String())
	}
}

func TestListBackends(t *testing.T) {
	var out bytes.Buffer
	if err := listBackends(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), backend.BackendSoftware) {
		t.Errorf("output = %q", out.String())
	}
	if strings.Count(out.String(), "*") != 1 {
		t.Errorf("want exactly one default marker: %q", out.String())
	}
}

func TestLoadConfigFlagPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orbitd.yaml")
	if err := os.WriteFile(path, []byte("catalog: from-file.json\naddr: \":9000\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cmd := newRunCmd()
	if err := cmd.ParseFlags([]string{"--config", path, "--addr", ":9100"}); err != nil {
		t.Fatal(err)
	}
	f := runFlags{config: path, catalog: config.DefaultCatalog, addr: ":9100", backend: "auto"}
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Catalog != "from-file.json" {
		t.Errorf("Catalog = %q, want the file's value", cfg.Catalog)
	}
	if cfg.Addr != ":9100" {
		t.Errorf("Addr = %q, want the flag's value", cfg.Addr)
	}
}

func TestServeFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, []byte(testCatalog), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.Catalog = path
	cfg.Addr = "127.0.0.1:0"
	cfg.Backend = backend.BackendSoftware
	cfg.FrameRate = 200
	cfg.Watch = false

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := serve(ctx, cfg, 20); err != nil {
		t.Fatalf("serve() = %v", err)
	}
}

func TestServeTLE(t *testing.T) {
	atTLEEpoch(t)
	path := filepath.Join(t.TempDir(), "3le")
	if err := os.WriteFile(path, []byte(testTLE), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.TLE = path
	cfg.Catalog = filepath.Join(t.TempDir(), "missing.json")
	cfg.Addr = "127.0.0.1:0"
	cfg.Backend = backend.BackendSoftware
	cfg.FrameRate = 200
	cfg.Watch = false

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := serve(ctx, cfg, 10); err != nil {
		t.Fatalf("serve() = %v", err)
	}
}

func TestCatalogSource(t *testing.T) {
	atTLEEpoch(t)
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "catalog.json")
	tlePath := filepath.Join(dir, "3le")
	if err := os.WriteFile(jsonPath, []byte(testCatalog), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tlePath, []byte(testTLE), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		catalog  string
		tle      string
		wantPath string
		wantLen  int
	}{
		{"json", jsonPath, "", jsonPath, 2},
		{"tle wins", jsonPath, tlePath, tlePath, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Catalog = tt.catalog
			cfg.TLE = tt.tle
			path, load := catalogSource(cfg)
			if path != tt.wantPath {
				t.Errorf("path = %q, want %q", path, tt.wantPath)
			}
			elements, err := loadElements(path, load)
			if err != nil {
				t.Fatalf("loadElements() = %v", err)
			}
			if len(elements) != tt.wantLen {
				t.Errorf("loaded %d elements, want %d", len(elements), tt.wantLen)
			}
		})
	}
}

func TestShutdownLogsTimeout(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	})}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	defer srv.Close()
	defer close(release)

	go func() {
		if resp, err := http.Get("http://" + ln.Addr().String()); err == nil {
			resp.Body.Close()
		}
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the handler")
	}

	var out bytes.Buffer
	shutdown(srv, slog.New(slog.NewTextHandler(&out, nil)), 10*time.Millisecond)
	if !strings.Contains(out.String(), "server shutdown") || !strings.Contains(out.String(), "level=WARN") {
		t.Errorf("log = %q, want a shutdown warning", out.String())
	}
}

func TestReplace(t *testing.T) {
	ch := make(chan int, 1)
	replace(ch, 1)
	replace(ch, 2)
	if got := <-ch; got != 2 {
		t.Errorf("got %d, want 2", got)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug"); err != nil {
		t.Error(err)
	}
	if _, err := newLogger("loud"); err == nil {
		t.Error("newLogger accepted an unknown level")
	}
}
