package main

import (
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/droidscript/dssync/internal/gateway"
	"github.com/droidscript/dssync/internal/registry"
	"github.com/droidscript/dssync/internal/session"
	"github.com/droidscript/dssync/internal/ui"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

	got, err := parseSince("30m", now)
	if err != nil {
		t.Fatalf("parseSince() failed: %v", err)
	}
	if want := now.Add(-30 * time.Minute); !got.Equal(want) {
		t.Errorf("parseSince(30m) = %v, want %v", got, want)
	}

	got, err = parseSince("2 hours ago", now)
	if err != nil {
		t.Fatalf("parseSince() failed: %v", err)
	}
	if want := now.Add(-2 * time.Hour); !got.Equal(want) {
		t.Errorf("parseSince(2 hours ago) = %v, want %v", got, want)
	}

	got, err = parseSince("yesterday", now)
	if err != nil {
		t.Fatalf("parseSince() failed: %v", err)
	}
	if !got.Before(now) || now.Sub(got) > 48*time.Hour {
		t.Errorf("parseSince(yesterday) = %v", got)
	}

	if _, err := parseSince("whenever", now); err == nil {
		t.Error("parseSince() should reject text without a time")
	}
}

func TestWriteProjects(t *testing.T) {
	ui.DisableColor()
	created := time.Date(2024, 5, 10, 15, 4, 0, 0, time.Local)
	projects := []registry.Project{
		{Name: "MyApp", Path: "/ws/MyApp", Reload: true, Created: created.UnixMilli()},
	}

	tests := []struct {
		format string
		want   []string
	}{
		{"table", []string{"NAME", "MyApp", "/ws/MyApp", "pending", "2024-05-10 15:04"}},
		{"json", []string{`"name": "MyApp"`, `"path": "/ws/MyApp"`, `"reload": true`}},
		{"yaml", []string{"- name: MyApp", "  path: /ws/MyApp", "  reload: true"}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeProjects(&buf, tt.format, projects); err != nil {
				t.Fatalf("writeProjects() failed: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q:\n%s", want, buf.String())
				}
			}
		})
	}

	if err := writeProjects(&bytes.Buffer{}, "xml", projects); err == nil {
		t.Error("writeProjects() should reject unknown formats")
	}
}

func TestCommandTree(t *testing.T) {
	want := []string{"connect", "status", "sync", "watch", "project", "app", "run", "stop", "exec", "samples", "plugins", "history"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
	for _, sub := range []string{"add", "list", "remove", "rename", "reload"} {
		cmd, _, err := rootCmd.Find([]string{"project", sub})
		if err != nil || cmd.Name() != sub {
			t.Errorf("command project %q not registered", sub)
		}
	}
	for _, sub := range []string{"list", "create", "build", "rename", "delete"} {
		cmd, _, err := rootCmd.Find([]string{"app", sub})
		if err != nil || cmd.Name() != sub {
			t.Errorf("command app %q not registered", sub)
		}
	}
}

func TestDefaultPackage(t *testing.T) {
	tests := map[string]string{
		"MyApp":       "com.mycompany.myapp",
		"Hello World": "com.mycompany.helloworld",
	}
	for app, want := range tests {
		if got := defaultPackage(app); got != want {
			t.Errorf("defaultPackage(%q) = %q, want %q", app, got, want)
		}
	}
}

func TestWriteApps(t *testing.T) {
	ui.DisableColor()
	tmp := t.TempDir()
	root := filepath.Join(tmp, "MyApp")
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	reg, err := registry.Load(filepath.Join(tmp, registry.FileName), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("registry.Load() failed: %v", err)
	}
	if _, err := reg.Add(root, "MyApp"); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	var buf bytes.Buffer
	infos := []*gateway.ProjectInfo{{Title: "MyApp", File: "MyApp/MyApp.js", Ext: "js"}, nil}
	if err := writeApps(&buf, []string{"MyApp", "Other"}, infos, reg); err != nil {
		t.Fatalf("writeApps() failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("writeApps() printed %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "js") || !strings.Contains(lines[1], root) {
		t.Errorf("MyApp row = %q", lines[1])
	}
	if f := strings.Fields(lines[2]); len(f) != 3 || f[1] != "-" || f[2] != "-" {
		t.Errorf("Other row = %q", lines[2])
	}
}

func TestPluginDocURL(t *testing.T) {
	got := pluginDocURL("http://192.168.1.5:8088", "Fancy")
	if want := "http://192.168.1.5:8088/.edit/docs/plugins/Fancy/Fancy.html"; got != want {
		t.Errorf("pluginDocURL() = %q, want %q", got, want)
	}
}

func TestStateLine(t *testing.T) {
	ui.DisableColor()
	if got := stateLine(session.Connected); !strings.Contains(got, "Connected") {
		t.Errorf("stateLine(Connected) = %q", got)
	}
	if got := stateLine(session.Disconnected); !strings.Contains(got, "queued") {
		t.Errorf("stateLine(Disconnected) = %q", got)
	}
	if got := stateLine(session.Connecting); got != "" {
		t.Errorf("stateLine(Connecting) = %q, want nothing", got)
	}
}
