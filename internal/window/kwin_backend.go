package window

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"github.com/godbus/dbus/v5"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
)

// KWin D-Bus constants
const (
	kwinService       = "org.kde.KWin"
	kwinPath          = "/KWin"
	kwinInterface     = "org.kde.KWin"
	windowsRunnerPath = "/WindowsRunner"
	krunnerInterface  = "org.kde.krunner1"

	scriptingPath      = "/Scripting"
	scriptingInterface = "org.kde.kwin.Scripting"
	scriptInterface    = "org.kde.kwin.Script"

	// activatePlugin is reloaded on every fallback activation, so at most
	// one copy stays loaded in KWin.
	activatePlugin = "multiboxer-activate"
)

// KWinBackend implements the Backend interface using KWin's D-Bus interface.
// Windows are enumerated and activated through the KRunner WindowsRunner
// plugin, which works for both Wayland and XWayland clients.
type KWinBackend struct {
	conn *dbus.Conn

	mu sync.RWMutex
	// matchIDs maps a hashed handle back to the runner match id
	matchIDs map[Handle]string
}

// NewKWinBackend creates a new KWin D-Bus backend
func NewKWinBackend() (*KWinBackend, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	// Check if KWin service is available
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to list D-Bus names: %w", err)
	}

	kwinFound := false
	for _, name := range names {
		if name == kwinService {
			kwinFound = true
			break
		}
	}

	if !kwinFound {
		conn.Close()
		return nil, fmt.Errorf("KWin service not found on D-Bus")
	}

	logger.WithComponent("kwin-backend").Info().Msg("Connected to KWin D-Bus service")

	return &KWinBackend{
		conn:     conn,
		matchIDs: make(map[Handle]string),
	}, nil
}

// Close closes the D-Bus connection
func (b *KWinBackend) Close() error {
	return b.conn.Close()
}

// Name returns the backend name
func (b *KWinBackend) Name() string {
	return "kwin"
}

// ListWindows asks the WindowsRunner for every window and keeps the ones
// whose owning process matches imageName.
func (b *KWinBackend) ListWindows(ctx context.Context, imageName string) ([]Window, error) {
	log := logger.WithComponent("kwin-backend")

	// Match returns a(sssida{sv}): id, text, iconName, type, relevance, properties
	obj := b.conn.Object(kwinService, windowsRunnerPath)
	var rawMatches [][]interface{}
	if err := obj.CallWithContext(ctx, krunnerInterface+".Match", 0, "").Store(&rawMatches); err != nil {
		return nil, fmt.Errorf("failed to call Match: %w", err)
	}

	windows := make([]Window, 0)
	ids := make(map[Handle]string)

	for _, rawMatch := range rawMatches {
		if len(rawMatch) < 2 {
			continue
		}
		rawID, ok := rawMatch[0].(string)
		if !ok {
			continue
		}
		title, _ := rawMatch[1].(string)

		w := Window{Title: title, Handle: hashString(rawID)}

		// Format is like "0_{dc80ff04-3245-4d9b-b9a8-1582640d39e1}"
		uuid := extractUUID(rawID)
		if uuid == "" {
			continue
		}
		info, err := b.windowInfo(ctx, uuid)
		if err != nil {
			log.Debug().Err(err).Str("uuid", uuid).Msg("getWindowInfo failed")
			continue
		}
		w.PID = cast.ToInt(variantValue(info, "pid"))

		matched := false
		if w.PID != 0 {
			if name, err := processName(w.PID); err == nil {
				matched = ImageMatches(name, imageName)
			}
		}
		if !matched {
			matched = ImageMatches(cast.ToString(variantValue(info, "resourceClass")), imageName)
		}
		if !matched {
			continue
		}

		ids[w.Handle] = rawID
		windows = append(windows, w)
	}

	b.mu.Lock()
	b.matchIDs = ids
	b.mu.Unlock()

	log.Debug().Int("count", len(windows)).Str("image", imageName).Msg("ListWindows")
	return windows, nil
}

// Activate runs the runner match for w, which makes KWin raise and focus it.
// If the runner refuses, a KWin script sets the active window instead.
func (b *KWinBackend) Activate(ctx context.Context, w Window) error {
	b.mu.RLock()
	matchID, ok := b.matchIDs[w.Handle]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("window %d not seen by the last enumeration", w.Handle)
	}

	obj := b.conn.Object(kwinService, windowsRunnerPath)
	err := obj.CallWithContext(ctx, krunnerInterface+".Run", 0, matchID, "").Err
	if err == nil {
		return nil
	}
	logger.WithComponent("kwin-backend").Debug().Err(err).Str("match", matchID).Msg("Runner activation failed, trying script")

	if serr := b.activateByScript(ctx, extractUUID(matchID)); serr != nil {
		return fmt.Errorf("failed to activate window: %w", multierr.Combine(err, serr))
	}
	return nil
}

// activateByScript loads and runs a one-shot KWin script that assigns the
// active window by its internal id.
func (b *KWinBackend) activateByScript(ctx context.Context, uuid string) error {
	if uuid == "" {
		return fmt.Errorf("match id carries no window uuid")
	}
	path := filepath.Join(os.TempDir(), activatePlugin+".js")
	if err := os.WriteFile(path, []byte(activationScript(uuid)), 0o600); err != nil {
		return fmt.Errorf("failed to write activation script: %w", err)
	}

	scripting := b.conn.Object(kwinService, scriptingPath)
	// A previous copy under the same name would make loadScript fail.
	_ = scripting.CallWithContext(ctx, scriptingInterface+".unloadScript", 0, activatePlugin).Err

	var id int32
	if err := scripting.CallWithContext(ctx, scriptingInterface+".loadScript", 0, path, activatePlugin).Store(&id); err != nil {
		return fmt.Errorf("failed to load activation script: %w", err)
	}
	if id < 0 {
		return fmt.Errorf("KWin rejected activation script")
	}

	script := b.conn.Object(kwinService, dbus.ObjectPath(fmt.Sprintf("%s/Script%d", scriptingPath, id)))
	if err := script.CallWithContext(ctx, scriptInterface+".run", 0).Err; err != nil {
		return fmt.Errorf("failed to run activation script: %w", err)
	}
	return nil
}

// activationScript works with both the KWin 6 (windowList, activeWindow)
// and KWin 5 (clientList, activeClient) scripting APIs.
func activationScript(uuid string) string {
	return fmt.Sprintf(`const target = %q;
const list = workspace.windowList ? workspace.windowList() : workspace.clientList();
for (const w of list) {
    if (String(w.internalId) === target) {
        if ("activeWindow" in workspace) {
            workspace.activeWindow = w;
        } else {
            workspace.activeClient = w;
        }
        break;
    }
}
`, "{"+uuid+"}")
}

func (b *KWinBackend) windowInfo(ctx context.Context, uuid string) (map[string]dbus.Variant, error) {
	obj := b.conn.Object(kwinService, kwinPath)
	var result map[string]dbus.Variant
	if err := obj.CallWithContext(ctx, kwinInterface+".getWindowInfo", 0, uuid).Store(&result); err != nil {
		return nil, err
	}
	return result, nil
}

func variantValue(m map[string]dbus.Variant, key string) interface{} {
	if v, ok := m[key]; ok {
		return v.Value()
	}
	return nil
}

func extractUUID(rawID string) string {
	start := strings.Index(rawID, "{")
	end := strings.Index(rawID, "}")
	if start < 0 || end <= start {
		return ""
	}
	return rawID[start+1 : end]
}
