package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// Profile is the allowed capability set for one (platform, role) pair
type Profile struct {
	Scopes   []string `json:"scopes"`
	Caps     []string `json:"caps"`
	Commands []string `json:"commands"`
}

// Allowlist maps clientMode (platform) -> role -> allowed sets. The shape
// is externally supplied configuration; a "*" platform entry is the
// fallback for modes without their own profile.
type Allowlist struct {
	Platforms map[string]map[string]Profile `json:"platforms"`
}

// defaultAllowlist permits operator clients their usual scopes and gives
// node clients capability-style commands only. Used when no allowlist
// file exists.
func defaultAllowlist() *Allowlist {
	return &Allowlist{
		Platforms: map[string]map[string]Profile{
			"*": {
				"operator": {
					Scopes:   []string{"operator.read", "operator.write"},
					Caps:     []string{"canvas", "camera", "location", "voice"},
					Commands: []string{"system.run", "system.which", "canvas.draw", "camera.snap", "location.get"},
				},
				"node": {
					Scopes:   []string{},
					Caps:     []string{"canvas", "camera", "location", "voice"},
					Commands: []string{"system.run", "system.which", "canvas.draw", "camera.snap", "location.get"},
				},
			},
			"mobile": {
				"node": {
					Scopes:   []string{},
					Caps:     []string{"canvas", "camera", "location"},
					Commands: []string{"canvas.draw", "camera.snap", "location.get"},
				},
			},
		},
	}
}

// LoadAllowlist reads the allowlist JSON file, falling back to defaults
// when the file does not exist.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			L_debug("allowlist: no file, using defaults", "path", path)
			return defaultAllowlist(), nil
		}
		return nil, err
	}

	var al Allowlist
	if err := json.Unmarshal(data, &al); err != nil {
		return nil, err
	}
	if al.Platforms == nil {
		al.Platforms = defaultAllowlist().Platforms
	}
	return &al, nil
}

// profileFor resolves the profile for a clientMode and role, falling back
// to the "*" platform. A missing role yields an empty profile (deny all).
func (a *Allowlist) profileFor(clientMode, role string) Profile {
	if clientMode != "" {
		if roles, ok := a.Platforms[clientMode]; ok {
			if p, ok := roles[role]; ok {
				return p
			}
		}
	}
	if roles, ok := a.Platforms["*"]; ok {
		if p, ok := roles[role]; ok {
			return p
		}
	}
	return Profile{}
}

// Effective is the negotiated capability set returned in hello-ok
type Effective struct {
	Scopes   []string `json:"scopes"`
	Caps     []string `json:"caps"`
	Commands []string `json:"commands"`
}

// Negotiate intersects the client-declared sets with the allowlist
// profile for its platform and role. The result never contains anything
// the client did not request and never widens beyond the allowlist.
func (a *Allowlist) Negotiate(clientMode, role string, scopes, caps, commands []string) Effective {
	p := a.profileFor(clientMode, role)
	return Effective{
		Scopes:   intersect(scopes, p.Scopes),
		Caps:     intersect(caps, p.Caps),
		Commands: intersect(commands, p.Commands),
	}
}

// intersect keeps requested entries present in allowed, preserving the
// request order.
func intersect(requested, allowed []string) []string {
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	out := make([]string, 0, len(requested))
	for _, r := range requested {
		if set[r] {
			out = append(out, r)
		}
	}
	return out
}

// AllowlistWatcher hot-reloads the allowlist file on change, debounced
// the same way the skill watcher debounces directory events.
type AllowlistWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onReload func(*Allowlist)
	stopCh   chan struct{}

	mu           sync.Mutex
	pendingTimer *time.Timer
}

// NewAllowlistWatcher creates a watcher for the allowlist file. onReload
// is called with the freshly parsed allowlist after each settled change.
func NewAllowlistWatcher(path string, onReload func(*Allowlist)) (*AllowlistWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &AllowlistWatcher{
		watcher:  fsWatcher,
		path:     path,
		debounce: 500 * time.Millisecond,
		onReload: onReload,
		stopCh:   make(chan struct{}),
	}

	// Watch the parent directory so editors that replace the file
	// (write temp + rename) still trigger.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return w, nil
}

// Start begins watching for file changes. Spawns a goroutine internally.
func (w *AllowlistWatcher) Start() {
	go w.run()
}

func (w *AllowlistWatcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			L_warn("allowlist: watcher error", "error", err)
		}
	}
}

func (w *AllowlistWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.pendingTimer = time.AfterFunc(w.debounce, w.reload)
}

func (w *AllowlistWatcher) reload() {
	al, err := LoadAllowlist(w.path)
	if err != nil {
		L_warn("allowlist: reload failed, keeping previous", "path", w.path, "error", err)
		return
	}
	L_info("allowlist: reloaded", "path", w.path, "platforms", len(al.Platforms))
	w.onReload(al)
}

// Stop shuts the watcher down
func (w *AllowlistWatcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}
