package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"sort"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/droidscript/dssync/internal/backlog"
	"github.com/droidscript/dssync/internal/devicetest"
	"github.com/droidscript/dssync/internal/gateway"
	"github.com/droidscript/dssync/internal/journal"
	"github.com/droidscript/dssync/internal/registry"
	"github.com/droidscript/dssync/internal/retry"
)

var quiet = log.New(io.Discard, "", 0)

type toggle struct{ atomic.Bool }

func (t *toggle) Connected() bool { return t.Load() }

type fakeRecorder struct {
	mu   stdsync.Mutex
	runs []journal.Run
}

func (r *fakeRecorder) RecordRun(_ context.Context, run *journal.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *run)
	return nil
}

func (r *fakeRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, run := range r.runs {
		out = append(out, run.Kind)
	}
	return out
}

type fixture struct {
	dev      *devicetest.Server
	conn     *toggle
	reg      *registry.Registry
	eng      *Engine
	rec      *fakeRecorder
	app      registry.Project
	warnings []Warning
	mu       stdsync.Mutex
}

// newFixture maps <tmp>/ws/MyApp to the device project MyApp.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{conn: &toggle{}, rec: &fakeRecorder{}}
	f.conn.Store(true)

	f.dev = devicetest.NewServer(nil)
	if err := f.dev.Start(); err != nil {
		t.Fatalf("Failed to start device: %v", err)
	}
	t.Cleanup(func() { f.dev.Stop() })

	client, err := gateway.New(gateway.Config{
		Address: f.dev.URL(),
		Conn:    f.conn,
		Retry:   retry.Config{MaxAttempts: 1},
		Logger:  quiet,
	})
	if err != nil {
		t.Fatalf("gateway.New() failed: %v", err)
	}

	tmp := t.TempDir()
	root := filepath.Join(tmp, "ws", "MyApp")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	f.reg, _ = registry.Load(filepath.Join(tmp, registry.FileName), quiet)
	if f.app, err = f.reg.Add(root, "MyApp"); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	f.eng, err = New(&Config{
		Projects: f.reg,
		Remote:   client,
		Conn:     f.conn,
		Recorder: f.rec,
		Logger:   quiet,
		OnWarning: func(w Warning) {
			f.mu.Lock()
			f.warnings = append(f.warnings, w)
			f.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return f
}

func (f *fixture) local(rel string) string {
	return filepath.Join(f.app.Path, filepath.FromSlash(rel))
}

func (f *fixture) write(t *testing.T, rel, content string) string {
	t.Helper()
	p := f.local(rel)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return p
}

func paths(calls []devicetest.Call) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Path)
	}
	sort.Strings(out)
	return out
}

// localFiles returns the relative files below the project folder.
func (f *fixture) localFiles(t *testing.T) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.Walk(f.app.Path, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(f.app.Path, p)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() failed: %v", err)
	}
	return out
}

func TestParseMode(t *testing.T) {
	for _, name := range Modes() {
		m, err := ParseMode(name)
		if err != nil {
			t.Fatalf("ParseMode(%q) failed: %v", name, err)
		}
		if m.String() != name {
			t.Errorf("ParseMode(%q).String() = %q", name, m.String())
		}
	}
	if _, err := ParseMode("sideways"); err == nil {
		t.Error("ParseMode() should reject unknown modes")
	}
}

// TestRemotePath verifies the mapping from local paths to device paths.
func TestRemotePath(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		local string
		want  string
		ok    bool
	}{
		{f.local("Img/icon.png"), "MyApp/Img/icon.png", true},
		{f.local("MyApp.js"), "MyApp/MyApp.js", true},
		{f.local(".droidscript/cache.tmp"), "", false},
		{f.local("node_modules/x/index.js"), "", false},
		{f.app.Path, "", false},
		{filepath.Join(filepath.Dir(f.app.Path), "Other", "a.js"), "", false},
	}
	for _, tt := range tests {
		_, got, ok := f.eng.RemotePath(tt.local)
		if ok != tt.ok || got != tt.want {
			t.Errorf("RemotePath(%s) = %q, %v; want %q, %v", tt.local, got, ok, tt.want, tt.ok)
		}
	}
}

// TestOnSave verifies a save uploads to the mapped path and dotfiles never leave.
func TestOnSave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	icon := f.write(t, "Img/icon.png", "PNG")
	cache := f.write(t, ".droidscript/cache.tmp", "tmp")

	if err := f.eng.OnSave(ctx, backlog.Document{Path: icon}); err != nil {
		t.Fatalf("OnSave() failed: %v", err)
	}
	if err := f.eng.OnSave(ctx, backlog.Document{Path: cache}); err != nil {
		t.Fatalf("OnSave() failed: %v", err)
	}

	if got := paths(f.dev.CallsFor("put")); !reflect.DeepEqual(got, []string{"MyApp/Img/icon.png"}) {
		t.Errorf("put calls = %v", got)
	}
	if data, _ := f.dev.File("MyApp/Img/icon.png"); string(data) != "PNG" {
		t.Errorf("device content = %q", data)
	}
	if kinds := f.rec.kinds(); !reflect.DeepEqual(kinds, []string{"save"}) {
		t.Errorf("recorded runs = %v, want one save run", kinds)
	}
}

// TestOnSave_DocumentContent verifies the saved buffer is sent, not the disk copy.
func TestOnSave_DocumentContent(t *testing.T) {
	f := newFixture(t)
	p := f.write(t, "MyApp.js", "on disk")

	if err := f.eng.OnSave(context.Background(), backlog.Document{Path: p, Data: []byte("in editor")}); err != nil {
		t.Fatalf("OnSave() failed: %v", err)
	}
	if data, _ := f.dev.File("MyApp/MyApp.js"); string(data) != "in editor" {
		t.Errorf("device content = %q, want editor buffer", data)
	}
}

// TestDownloadAll_Idempotent verifies two downloads produce the same tree.
func TestDownloadAll_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dev.PutFile("MyApp/MyApp.js", []byte("app.Start()"))
	f.dev.PutFile("MyApp/Img/icon.png", []byte{0x89, 'P', 'N', 'G', 0})
	f.dev.PutFile("MyApp/Html/Sub/page.html", []byte("<p>"))
	f.dev.PutFile("MyApp/.edit/state.json", []byte("{}"))
	f.dev.PutFile("MyApp/APKs/MyApp.apk", []byte("apk"))

	first, err := f.eng.SyncProject(ctx, f.app, DownloadAll)
	if err != nil {
		t.Fatalf("SyncProject() failed: %v", err)
	}
	if first.Transferred != 3 || len(first.Failures) != 0 {
		t.Fatalf("first report = %+v", first)
	}
	tree1 := f.localFiles(t)

	second, err := f.eng.SyncProject(ctx, f.app, DownloadAll)
	if err != nil {
		t.Fatalf("second SyncProject() failed: %v", err)
	}
	tree2 := f.localFiles(t)

	if !reflect.DeepEqual(tree1, tree2) {
		t.Errorf("trees differ:\n%v\n%v", tree1, tree2)
	}
	if !reflect.DeepEqual(first.Files, second.Files) {
		t.Errorf("file sets differ: %v vs %v", first.Files, second.Files)
	}
	want := map[string]string{
		"MyApp.js":           "app.Start()",
		"Img/icon.png":       string([]byte{0x89, 'P', 'N', 'G', 0}),
		"Html/Sub/page.html": "<p>",
	}
	if !reflect.DeepEqual(tree1, want) {
		t.Errorf("local tree = %v, want %v", tree1, want)
	}
}

// TestUpdateLocal_Intersection verifies only files present on both sides are fetched.
func TestUpdateLocal_Intersection(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{"a.js", "b.js", "c.js"} {
		f.dev.PutFile("MyApp/"+name, []byte("remote "+name))
	}
	f.write(t, "a.js", "local a")
	f.write(t, "b.js", "local b")

	report, err := f.eng.SyncProject(context.Background(), f.app, UpdateLocal)
	if err != nil {
		t.Fatalf("SyncProject() failed: %v", err)
	}
	if !reflect.DeepEqual(report.Files, []string{"a.js", "b.js"}) {
		t.Errorf("Files = %v, want [a.js b.js]", report.Files)
	}
	if got := paths(f.dev.CallsFor("get")); !reflect.DeepEqual(got, []string{"MyApp/a.js", "MyApp/b.js"}) {
		t.Errorf("get calls = %v; c.js must never be fetched", got)
	}
	if _, err := os.Stat(f.local("c.js")); !os.IsNotExist(err) {
		t.Error("c.js should not exist locally")
	}
	if data, _ := os.ReadFile(f.local("a.js")); string(data) != "remote a.js" {
		t.Errorf("a.js = %q", data)
	}
}

// TestUpdateRemote_Intersection verifies only files present on both sides are uploaded.
func TestUpdateRemote_Intersection(t *testing.T) {
	f := newFixture(t)

	f.dev.PutFile("MyApp/a.js", []byte("remote"))
	f.dev.PutFile("MyApp/c.js", []byte("remote"))
	f.write(t, "a.js", "local a")
	f.write(t, "d.js", "local d")

	report, err := f.eng.SyncProject(context.Background(), f.app, UpdateRemote)
	if err != nil {
		t.Fatalf("SyncProject() failed: %v", err)
	}
	if report.Transferred != 1 {
		t.Errorf("Transferred = %d, want 1", report.Transferred)
	}
	if got := paths(f.dev.CallsFor("put")); !reflect.DeepEqual(got, []string{"MyApp/a.js"}) {
		t.Errorf("put calls = %v", got)
	}
	if _, ok := f.dev.File("MyApp/d.js"); ok {
		t.Error("d.js should not be uploaded")
	}
}

// TestUploadAll verifies every included local file is uploaded.
func TestUploadAll(t *testing.T) {
	f := newFixture(t)
	f.write(t, "MyApp.js", "x")
	f.write(t, "Img/icon.png", "y")
	f.write(t, ".vscode/settings.json", "{}")
	f.write(t, "jsconfig.json", `{"exclude": ["*.md"]}`)
	f.write(t, "README.md", "docs")

	report, err := f.eng.SyncProject(context.Background(), f.app, UploadAll)
	if err != nil {
		t.Fatalf("SyncProject() failed: %v", err)
	}
	want := []string{"MyApp/Img/icon.png", "MyApp/MyApp.js", "MyApp/jsconfig.json"}
	if got := paths(f.dev.CallsFor("put")); !reflect.DeepEqual(got, want) {
		t.Errorf("put calls = %v, want %v", got, want)
	}
	if report.Err() != nil {
		t.Errorf("Err() = %v", report.Err())
	}
}

// TestSyncProject_Offline verifies a full sync refuses before any request.
func TestSyncProject_Offline(t *testing.T) {
	f := newFixture(t)
	f.conn.Store(false)

	_, err := f.eng.SyncProject(context.Background(), f.app, DownloadAll)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SyncProject() error = %v, want ErrNotConnected", err)
	}
	if n := len(f.dev.Calls()); n != 0 {
		t.Errorf("device saw %d calls while offline", n)
	}
}

// TestSyncProject_PartialFailure verifies one failed file does not abort the batch.
func TestSyncProject_PartialFailure(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"a.js", "b.js", "c.js"} {
		f.dev.PutFile("MyApp/"+name, []byte(name))
	}
	f.dev.Fail("get", "MyApp/b.js")

	report, err := f.eng.SyncProject(context.Background(), f.app, DownloadAll)
	if err != nil {
		t.Fatalf("SyncProject() failed: %v", err)
	}
	if report.Transferred != 2 || len(report.Failures) != 1 || report.Failures[0].Path != "b.js" {
		t.Errorf("report = %+v", report)
	}
	if report.Err() == nil {
		t.Error("Err() should report the failed file")
	}
	if len(f.warnings) != 1 || f.warnings[0].Path != "MyApp/b.js" {
		t.Errorf("warnings = %+v", f.warnings)
	}
	if _, err := os.Stat(f.local("c.js")); err != nil {
		t.Errorf("c.js should be downloaded despite the failure: %v", err)
	}
}

// TestOfflineDeletes_Replay verifies offline deletes are replayed once.
func TestOfflineDeletes_Replay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dev.PutFile("MyApp/x.js", []byte("x"))
	f.dev.PutFile("MyApp/y.js", []byte("y"))

	f.conn.Store(false)
	if err := f.eng.OnDelete(ctx, f.local("x.js")); err != nil {
		t.Fatalf("OnDelete() failed: %v", err)
	}
	if err := f.eng.OnDelete(ctx, f.local("y.js")); err != nil {
		t.Fatalf("OnDelete() failed: %v", err)
	}
	if n := len(f.dev.CallsFor("delete")); n != 0 {
		t.Fatalf("device saw %d deletes while offline", n)
	}
	if n := f.eng.Backlog().Len(); n != 2 {
		t.Fatalf("backlog holds %d events, want 2", n)
	}

	f.conn.Store(true)
	if err := f.eng.ReplayBacklog(ctx); err != nil {
		t.Fatalf("ReplayBacklog() failed: %v", err)
	}
	if got := paths(f.dev.CallsFor("delete")); !reflect.DeepEqual(got, []string{"MyApp/x.js", "MyApp/y.js"}) {
		t.Errorf("delete calls = %v", got)
	}
	if n := f.eng.Backlog().Len(); n != 0 {
		t.Errorf("backlog holds %d events after replay", n)
	}

	// A second replay has nothing to send.
	f.dev.ResetCalls()
	if err := f.eng.ReplayBacklog(ctx); err != nil {
		t.Fatalf("second ReplayBacklog() failed: %v", err)
	}
	if n := len(f.dev.Calls()); n != 0 {
		t.Errorf("second replay issued %d calls", n)
	}
}

// TestReplay_SavesCollapse verifies N offline saves become one upload per path.
func TestReplay_SavesCollapse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.write(t, "a.js", "v0")

	f.conn.Store(false)
	for _, v := range []string{"v1", "v2", "v3"} {
		if err := f.eng.OnSave(ctx, backlog.Document{Path: p, Data: []byte(v)}); err != nil {
			t.Fatalf("OnSave() failed: %v", err)
		}
	}

	f.conn.Store(true)
	if err := f.eng.ReplayBacklog(ctx); err != nil {
		t.Fatalf("ReplayBacklog() failed: %v", err)
	}
	if n := len(f.dev.CallsFor("put")); n != 1 {
		t.Errorf("put calls = %d, want 1", n)
	}
	if data, _ := f.dev.File("MyApp/a.js"); string(data) != "v3" {
		t.Errorf("device content = %q, want last write", data)
	}
}

// TestReplay_CreateThenSave verifies a file created then edited offline uploads once.
func TestReplay_CreateThenSave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.conn.Store(false)
	p := f.write(t, "new.js", "first")
	f.eng.OnCreate(ctx, p)
	f.write(t, "new.js", "second")
	f.eng.OnSave(ctx, backlog.Document{Path: p})
	f.eng.OnRename(ctx, backlog.RenamePair{Old: f.local("old.js"), New: f.local("older.js")})
	f.dev.PutFile("MyApp/old.js", []byte("o"))

	f.conn.Store(true)
	if err := f.eng.ReplayBacklog(ctx); err != nil {
		t.Fatalf("ReplayBacklog() failed: %v", err)
	}
	if n := len(f.dev.CallsFor("put")); n != 1 {
		t.Errorf("put calls = %d, want 1", n)
	}
	if data, _ := f.dev.File("MyApp/new.js"); string(data) != "second" {
		t.Errorf("device content = %q", data)
	}

	var ops []string
	for _, c := range f.dev.Calls() {
		ops = append(ops, c.Op)
	}
	if !reflect.DeepEqual(ops, []string{"rename", "put"}) {
		t.Errorf("replay order = %v, want [rename put]", ops)
	}
}

// TestReplay_SaveThenRename verifies that an offline edit followed by a
// rename reaches the device under the new name and survives the next
// update-local.
func TestReplay_SaveThenRename(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dev.PutFile("MyApp/a.js", []byte("old"))
	a := f.write(t, "a.js", "old")

	f.conn.Store(false)
	f.write(t, "a.js", "new edit")
	if err := f.eng.OnSave(ctx, backlog.Document{Path: a}); err != nil {
		t.Fatalf("OnSave() failed: %v", err)
	}
	b := f.local("b.js")
	if err := os.Rename(a, b); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if err := f.eng.OnRename(ctx, backlog.RenamePair{Old: a, New: b}); err != nil {
		t.Fatalf("OnRename() failed: %v", err)
	}

	f.conn.Store(true)
	if err := f.eng.ReplayBacklog(ctx); err != nil {
		t.Fatalf("ReplayBacklog() failed: %v", err)
	}
	if data, ok := f.dev.File("MyApp/b.js"); !ok || string(data) != "new edit" {
		t.Errorf("device b.js = %q (exists %v), want the edit", data, ok)
	}
	if _, ok := f.dev.File("MyApp/a.js"); ok {
		t.Error("device a.js should be renamed away")
	}

	if _, err := f.eng.SyncProject(ctx, f.app, UpdateLocal); err != nil {
		t.Fatalf("SyncProject() failed: %v", err)
	}
	if data, err := os.ReadFile(b); err != nil || string(data) != "new edit" {
		t.Errorf("local b.js = %q, %v; want the edit", data, err)
	}
}

// TestReplay_DeleteThenRecreate verifies that a file deleted and created
// again while offline ends up on the device.
func TestReplay_DeleteThenRecreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dev.PutFile("MyApp/x.js", []byte("v1"))

	f.conn.Store(false)
	if err := f.eng.OnDelete(ctx, f.local("x.js")); err != nil {
		t.Fatalf("OnDelete() failed: %v", err)
	}
	x := f.write(t, "x.js", "v2")
	if err := f.eng.OnCreate(ctx, x); err != nil {
		t.Fatalf("OnCreate() failed: %v", err)
	}

	f.conn.Store(true)
	if err := f.eng.ReplayBacklog(ctx); err != nil {
		t.Fatalf("ReplayBacklog() failed: %v", err)
	}
	if data, ok := f.dev.File("MyApp/x.js"); !ok || string(data) != "v2" {
		t.Errorf("device x.js = %q (exists %v), want v2", data, ok)
	}
	if n := len(f.dev.CallsFor("delete")); n != 0 {
		t.Errorf("delete calls = %d, want 0", n)
	}
}

// TestOnRename_Symmetry verifies renames touching excluded paths are not sent.
func TestOnRename_Symmetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dev.PutFile("MyApp/a.js", []byte("a"))
	f.dev.PutFile("MyApp/b.js", []byte("b"))

	err := f.eng.OnRename(ctx,
		backlog.RenamePair{Old: f.local("a.js"), New: f.local(".trash/a.js")},
		backlog.RenamePair{Old: f.local("~tmp.js"), New: f.local("c.js")},
		backlog.RenamePair{Old: f.local("b.js"), New: f.local("Lib/b.js")},
	)
	if err != nil {
		t.Fatalf("OnRename() failed: %v", err)
	}

	calls := f.dev.CallsFor("rename")
	if len(calls) != 1 || calls[0].Path != "MyApp/b.js" || calls[0].Arg != "MyApp/Lib/b.js" {
		t.Errorf("rename calls = %+v", calls)
	}
}

// TestOnCreate verifies created files upload and created folders do not.
func TestOnCreate(t *testing.T) {
	f := newFixture(t)
	file := f.write(t, "Lib/util.js", "u")

	if err := f.eng.OnCreate(context.Background(), filepath.Dir(file), file, f.local("gone.js")); err != nil {
		t.Fatalf("OnCreate() failed: %v", err)
	}
	if got := paths(f.dev.CallsFor("put")); !reflect.DeepEqual(got, []string{"MyApp/Lib/util.js"}) {
		t.Errorf("put calls = %v", got)
	}
}

// TestOnDelete_Failure verifies one failed delete does not stop the batch.
func TestOnDelete_Failure(t *testing.T) {
	f := newFixture(t)
	f.dev.PutFile("MyApp/a.js", []byte("a"))
	f.dev.PutFile("MyApp/b.js", []byte("b"))
	f.dev.Fail("delete", "MyApp/a.js")

	err := f.eng.OnDelete(context.Background(), f.local("a.js"), f.local("b.js"))
	if err == nil {
		t.Fatal("OnDelete() should report the failed delete")
	}
	if _, ok := f.dev.File("MyApp/b.js"); ok {
		t.Error("b.js should be deleted despite the failure of a.js")
	}
	if len(f.warnings) != 1 {
		t.Errorf("warnings = %+v", f.warnings)
	}
}

// TestEchoSuppression verifies downloaded files are not uploaded back.
func TestEchoSuppression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dev.PutFile("MyApp/a.js", []byte("remote"))

	if _, err := f.eng.SyncProject(ctx, f.app, DownloadAll); err != nil {
		t.Fatalf("SyncProject() failed: %v", err)
	}
	if !f.eng.Suppressed(f.local("a.js")) {
		t.Fatal("downloaded file should be suppressed")
	}

	f.dev.ResetCalls()
	f.eng.OnSave(ctx, backlog.Document{Path: f.local("a.js")})
	f.eng.OnCreate(ctx, f.local("a.js"))
	if n := len(f.dev.CallsFor("put")); n != 0 {
		t.Errorf("echo produced %d uploads", n)
	}

	// After the window the path is live again.
	f.eng.now = func() time.Time { return time.Now().Add(time.Minute) }
	if f.eng.Suppressed(f.local("a.js")) {
		t.Error("suppression should expire")
	}
}

// countingRemote tracks how many transfers run at once.
type countingRemote struct {
	files    map[string][]string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (r *countingRemote) Lister(root string) func(context.Context, string) ([]string, error) {
	return func(_ context.Context, rel string) ([]string, error) {
		return r.files[path.Join(root, rel)], nil
	}
}

func (r *countingRemote) Get(_ context.Context, p string) (*gateway.File, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return &gateway.File{Path: p, Data: []byte(p)}, nil
}

func (r *countingRemote) Put(context.Context, io.Reader, string, string) error  { return nil }
func (r *countingRemote) PutFile(context.Context, string, string, string) error { return nil }
func (r *countingRemote) Remove(context.Context, string) error                  { return nil }
func (r *countingRemote) Rename(context.Context, string, string) error          { return nil }

// TestSyncProject_Window verifies transfers overlap but stay within the window.
func TestSyncProject_Window(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "Big")
	os.MkdirAll(root, 0755)
	reg, _ := registry.Load(filepath.Join(tmp, registry.FileName), quiet)
	app, err := reg.Add(root, "Big")
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	remote := &countingRemote{files: map[string][]string{"Big": nil}}
	for i := 0; i < 40; i++ {
		remote.files["Big"] = append(remote.files["Big"], "f"+string(rune('a'+i%26))+string(rune('a'+i/26))+".js")
	}

	eng, _ := New(&Config{Projects: reg, Remote: remote, Logger: quiet, Concurrency: 4})
	report, err := eng.SyncProject(context.Background(), app, DownloadAll)
	if err != nil {
		t.Fatalf("SyncProject() failed: %v", err)
	}
	if report.Transferred != 40 {
		t.Errorf("Transferred = %d, want 40", report.Transferred)
	}
	if peak := remote.peak.Load(); peak > 4 || peak < 2 {
		t.Errorf("peak concurrency = %d, want 2..4", peak)
	}
}
