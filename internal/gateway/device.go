package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"
)

// Info is the device metadata returned by getinfo. It is cached in the
// registry between runs.
type Info struct {
	Version     float64 `json:"version,omitempty"`
	Status      string  `json:"status,omitempty"`
	LastProg    string  `json:"lastprog,omitempty"`
	AppName     string  `json:"appname,omitempty"`
	UsePass     bool    `json:"usepass,omitempty"`
	DeviceName  string  `json:"devicename,omitempty"`
	MacAddress  string  `json:"macaddress,omitempty"`
	Premium     bool    `json:"premium,omitempty"`
	Platform    string  `json:"platform,omitempty"`
	Embedded    bool    `json:"embedded,omitempty"`
	Experiments bool    `json:"experiments,omitempty"`
	DispWidth   int     `json:"dispwidth,omitempty"`
	DispHeight  int     `json:"dispheight,omitempty"`
	Language    string  `json:"language,omitempty"`
}

// ProjectInfo describes the main source file of a device project.
type ProjectInfo struct {
	Title string
	File  string // remote path of the main file
	Ext   string // js, html or py
}

// infoTimeout bounds getinfo, which doubles as the reachability check.
const infoTimeout = 5 * time.Second

// ServerInfo fetches device metadata. It does not require an open session.
func (c *Client) ServerInfo(ctx context.Context) (*Info, error) {
	ctx, cancel := context.WithTimeout(ctx, infoTimeout)
	defer cancel()

	body, err := c.get(ctx, c.ideURL("getinfo"), "getinfo", "", "application/json")
	if err != nil {
		return nil, err
	}
	var info Info
	if err := decode(body, "getinfo", "", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Login sends the device password. A rejected password returns an error
// matching ErrPasswordRequired.
func (c *Client) Login(ctx context.Context, password string) error {
	pass := base64.StdEncoding.EncodeToString([]byte(password))
	body, err := c.getOnce(ctx, c.ideURL("login", "pass", pass), "login", "")
	if err != nil {
		return err
	}
	if err := decode(body, "login", "", nil); err != nil {
		if errors.Is(err, ErrBadStatus) {
			return fmt.Errorf("%w: %v", ErrPasswordRequired, err)
		}
		return err
	}
	return nil
}

// Exists reports whether a remote file can be fetched.
func (c *Client) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := c.getOnce(ctx, c.fileURL(remotePath), "exists", remotePath)
	if err == nil {
		return true, nil
	}
	var gerr *Error
	if errors.As(err, &gerr) && gerr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// ProjectInfo finds the main file of a project by checking
// <dir>/<title>.{py,html,js}. The last match wins, so a js file takes
// precedence over html and py. Returns nil when none exists.
func (c *Client) ProjectInfo(ctx context.Context, dir, title string) (*ProjectInfo, error) {
	var found *ProjectInfo
	for _, ext := range []string{"py", "html", "js"} {
		file := path.Join(dir, title+"."+ext)
		ok, err := c.Exists(ctx, file)
		if err != nil {
			return nil, err
		}
		if ok {
			found = &ProjectInfo{Title: title, File: file, Ext: ext}
		}
	}
	return found, nil
}

// CreateApp creates a new device project from a template.
func (c *Client) CreateApp(ctx context.Context, name, appType, template string) error {
	body, err := c.getOnce(ctx, c.ideURL("add", "prog", name, "type", appType, "template", template), "add", name)
	if err != nil {
		return err
	}
	return decode(body, "add", name, nil)
}

// Run starts a project on the device. The device expects a throwaway
// request before the run command.
func (c *Client) Run(ctx context.Context, app string) error {
	if _, err := c.getOnce(ctx, c.ideURL("dummy"), "dummy", ""); err != nil {
		return err
	}
	_, err := c.getOnce(ctx, c.ideURL("run", "prog", app), "run", app)
	return err
}

// Stop stops the running project.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.getOnce(ctx, c.ideURL("stop"), "stop", "")
	return err
}

// Execute runs code on the device. mode is "app" (stand-alone), "ide"
// (inside the IDE) or "usr" (inside the current user app).
func (c *Client) Execute(ctx context.Context, mode, code string) error {
	enc := base64.StdEncoding.EncodeToString([]byte(code))
	_, err := c.getOnce(ctx, c.ideURL("execute", "mode", mode, "code", enc), "execute", "")
	return err
}

// Samples lists the sample programs bundled with the device.
func (c *Client) Samples(ctx context.Context, kind string) ([]string, error) {
	if kind == "" {
		kind = "js"
	}
	body, err := c.get(ctx, c.ideURL("getsamples", "type", kind), "getsamples", "", "application/json")
	if err != nil {
		return nil, err
	}
	var out struct {
		Samples string `json:"samples"`
	}
	if err := decode(body, "getsamples", "", &out); err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range strings.Split(out.Samples, "|") {
		name, _, _ := strings.Cut(entry, ":")
		name = strings.TrimSpace(strings.ReplaceAll(name, "&#9830;", "♦"))
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// RunSample starts a bundled sample by name.
func (c *Client) RunSample(ctx context.Context, name string) error {
	n := strings.Join(strings.Fields(name), "_")
	_, err := c.getOnce(ctx, c.ideURL("sample", "name", n), "sample", n)
	return err
}

// systemEntries are top-level device entries that are not projects.
var systemEntries = map[string]bool{
	"AABs": true, "APKs": true, "SPKs": true, "PPKs": true,
	"Plugins": true, "Extensions": true, ".edit": true, ".node": true,
	"~DocSamp": true, ".redirect.html": true, "index.html": true,
	"_sdk_": true, ".license.txt": true,
}

// dataExtensions mark top-level files that are not projects.
var dataExtensions = map[string]bool{
	"mp4": true, "mp3": true, "ppk": true, "apk": true, "spk": true,
	"png": true, "jpg": true, "jpeg": true, "pdf": true, "docx": true,
	"xlsx": true, "pptx": true, "zip": true,
}

// Apps lists the projects on the device: the top-level folders, without
// build output, system folders and loose files.
func (c *Client) Apps(ctx context.Context) ([]string, error) {
	names, err := c.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var apps []string
	for _, n := range names {
		if systemEntries[n] || strings.HasPrefix(n, "~") {
			continue
		}
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(n)), ".")
		if textExtensions[ext] || dataExtensions[ext] {
			continue
		}
		apps = append(apps, n)
	}
	return apps, nil
}

// PluginsDir is the device folder holding installed plugin docs.
const PluginsDir = ".edit/docs/plugins"

// Plugins lists the plugins installed on the device.
func (c *Client) Plugins(ctx context.Context) ([]string, error) {
	return c.List(ctx, PluginsDir)
}

// Command sends an IDE command line, such as "!buildapk ...", to the
// execute endpoint. Unlike Execute the text is sent as is.
func (c *Client) Command(ctx context.Context, cmd string) error {
	_, err := c.getOnce(ctx, c.ideURL("execute", "code", cmd), "execute", "")
	return err
}

// BuildAPK asks the device to package its current app as an APK. Progress
// and errors arrive on the control socket.
func (c *Client) BuildAPK(ctx context.Context, packageName, version string, obfuscate bool) error {
	if packageName == "" || strings.ContainsAny(packageName, " \t") {
		return fmt.Errorf("invalid package name %q", packageName)
	}
	if version == "" || strings.ContainsAny(version, " \t") {
		return fmt.Errorf("invalid version %q", version)
	}
	return c.Command(ctx, fmt.Sprintf("!buildapk %s %s %t", packageName, version, obfuscate))
}
