package window

import (
	"context"
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/multiboxer/internal/logger"
)

// X11Backend implements the Backend interface using X11
type X11Backend struct {
	conn  *xgb.Conn
	root  xproto.Window
	mu    sync.Mutex
	atoms map[string]xproto.Atom
}

// NewX11Backend creates a new X11 backend
func NewX11Backend() (*X11Backend, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	return &X11Backend{
		conn:  conn,
		root:  screen.Root,
		atoms: make(map[string]xproto.Atom),
	}, nil
}

// Close closes the X11 connection
func (b *X11Backend) Close() error {
	b.conn.Close()
	return nil
}

// Name returns the backend name
func (b *X11Backend) Name() string {
	return "x11"
}

// ListWindows returns the game windows using EWMH _NET_CLIENT_LIST with
// QueryTree fallback
func (b *X11Backend) ListWindows(ctx context.Context, imageName string) ([]Window, error) {
	log := logger.WithComponent("x11-backend")

	ids, err := b.clientList()
	if err != nil || len(ids) == 0 {
		if err != nil {
			log.Debug().Err(err).Msg("ListWindows: EWMH failed, falling back to QueryTree")
		}
		tree, qerr := xproto.QueryTree(b.conn, b.root).Reply()
		if qerr != nil {
			return nil, fmt.Errorf("failed to query window tree: %w", qerr)
		}
		ids = tree.Children
	}

	windows := make([]Window, 0)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		w, ok := b.windowInfo(id)
		if !ok || w.PID == 0 {
			continue
		}

		name, err := processName(w.PID)
		if err != nil || !ImageMatches(name, imageName) {
			continue
		}
		windows = append(windows, w)
	}

	log.Debug().Int("count", len(windows)).Str("image", imageName).Msg("ListWindows")
	return windows, nil
}

// clientList reads the window ids from _NET_CLIENT_LIST (EWMH standard)
func (b *X11Backend) clientList() ([]xproto.Window, error) {
	atom, err := b.getAtom("_NET_CLIENT_LIST")
	if err != nil {
		return nil, err
	}

	reply, err := xproto.GetProperty(
		b.conn,
		false,
		b.root,
		atom,
		xproto.GetPropertyTypeAny,
		0,
		(1<<32)-1,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get _NET_CLIENT_LIST property: %w", err)
	}

	ids := make([]xproto.Window, 0, len(reply.Value)/4)
	for i := 0; i+4 <= len(reply.Value); i += 4 {
		ids = append(ids, xproto.Window(le32(reply.Value[i:])))
	}
	return ids, nil
}

// windowInfo reads title and owning pid. Windows without either are not
// application windows.
func (b *X11Backend) windowInfo(win xproto.Window) (Window, bool) {
	w := Window{Handle: Handle(win)}

	for _, name := range []string{"_NET_WM_NAME", "WM_NAME"} {
		atom, err := b.getAtom(name)
		if err != nil {
			continue
		}
		if title, err := b.getProperty(win, atom); err == nil && title != "" {
			w.Title = title
			break
		}
	}

	if atom, err := b.getAtom("_NET_WM_PID"); err == nil {
		reply, err := xproto.GetProperty(b.conn, false, win, atom, xproto.AtomCardinal, 0, 1).Reply()
		if err == nil && len(reply.Value) >= 4 {
			w.PID = int(le32(reply.Value))
		}
	}

	return w, w.Title != "" || w.PID != 0
}

// Activate maps the window and asks the window manager to activate it. If
// the request is refused it falls back to raising and focusing directly.
func (b *X11Backend) Activate(ctx context.Context, w Window) error {
	log := logger.WithComponent("x11-backend")
	win := xproto.Window(w.Handle)

	if err := xproto.MapWindowChecked(b.conn, win).Check(); err != nil {
		log.Debug().Err(err).Uint64("window", uint64(w.Handle)).Msg("MapWindow failed")
	}

	err := b.requestActivation(win)
	if err == nil {
		return nil
	}
	log.Debug().Err(err).Uint64("window", uint64(w.Handle)).Msg("_NET_ACTIVE_WINDOW refused, forcing focus")

	if err := xproto.ConfigureWindowChecked(
		b.conn,
		win,
		xproto.ConfigWindowStackMode,
		[]uint32{xproto.StackModeAbove},
	).Check(); err != nil {
		return fmt.Errorf("failed to raise window: %w", err)
	}
	if err := xproto.SetInputFocusChecked(
		b.conn,
		xproto.InputFocusParent,
		win,
		xproto.TimeCurrentTime,
	).Check(); err != nil {
		return fmt.Errorf("failed to set input focus: %w", err)
	}
	return nil
}

// requestActivation sends the EWMH _NET_ACTIVE_WINDOW client message with a
// pager source indication so focus-stealing prevention lets it through.
func (b *X11Backend) requestActivation(win xproto.Window) error {
	atom, err := b.getAtom("_NET_ACTIVE_WINDOW")
	if err != nil {
		return err
	}

	ev := xproto.ClientMessageEvent{
		Format: 32,
		Window: win,
		Type:   atom,
		Data:   xproto.ClientMessageDataUnionData32New([]uint32{2, uint32(xproto.TimeCurrentTime), 0, 0, 0}),
	}
	const mask = xproto.EventMaskSubstructureRedirect | xproto.EventMaskSubstructureNotify
	return xproto.SendEventChecked(b.conn, false, b.root, mask, string(ev.Bytes())).Check()
}

// getAtom gets an atom ID by name
func (b *X11Backend) getAtom(name string) (xproto.Atom, error) {
	b.mu.Lock()
	if atom, ok := b.atoms[name]; ok {
		b.mu.Unlock()
		return atom, nil
	}
	b.mu.Unlock()

	reply, err := xproto.InternAtom(b.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.atoms[name] = reply.Atom
	b.mu.Unlock()
	return reply.Atom, nil
}

// getProperty gets a property value as a string
func (b *X11Backend) getProperty(win xproto.Window, atom xproto.Atom) (string, error) {
	reply, err := xproto.GetProperty(
		b.conn,
		false,
		win,
		atom,
		xproto.GetPropertyTypeAny,
		0,
		(1<<32)-1,
	).Reply()
	if err != nil {
		return "", err
	}

	if reply.ValueLen == 0 {
		return "", fmt.Errorf("empty property")
	}

	return string(reply.Value), nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
