package main

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reportwatch/internal/config"
	"reportwatch/internal/logging"
)

func TestRunPrintsVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-v"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d (%s)", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "reportwatch ") {
		t.Fatalf("unexpected version output %q", stdout.String())
	}
}

func TestRunHelpExitsCleanly(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-h"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Usage: reportwatch") {
		t.Fatalf("expected usage on stderr, got %q", stderr.String())
	}
}

func TestRunRejectsBadArguments(t *testing.T) {
	for _, args := range [][]string{{"-bogus"}, {"report"}, {"-set", "novalue"}} {
		if code := run(args, io.Discard, io.Discard); code != 2 {
			t.Fatalf("%v: expected exit 2, got %d", args, code)
		}
	}
}

func TestRunFailsOnBrokenConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reportwatch.toml")
	if err := os.WriteFile(path, []byte("[watch\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var stderr bytes.Buffer
	if code := run([]string{"-config", path}, io.Discard, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "load config") {
		t.Fatalf("expected config error, got %q", stderr.String())
	}
}

func TestRunServiceDispatchesExistingSubmission(t *testing.T) {
	type upload struct {
		action string
		files  []string
	}
	uploads := make(chan upload, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/form-data" {
			http.Error(w, "expected multipart", http.StatusBadRequest)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var files []string
		for field := range r.MultipartForm.File {
			files = append(files, field)
		}
		uploads <- upload{action: r.FormValue("action"), files: files}
	}))
	defer server.Close()

	root := filepath.Join(t.TempDir(), "report")
	dir := filepath.Join(root, "a101")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"auth_x.png", "enroll_y.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	settings, err := config.LoadSettings("", map[string]any{
		"watch.root":             root,
		"dispatch.url":           server.URL,
		"discovery.initial-scan": true,
	})
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runService(ctx, settings, logging.Discard())
	}()

	select {
	case got := <-uploads:
		if got.action != "ALLOWED" || len(got.files) != 2 {
			t.Fatalf("unexpected upload %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run service: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for service to stop")
	}
}
