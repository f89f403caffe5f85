package window

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/logger"
)

// Backend names accepted by Open.
const (
	BackendAuto   = "auto"
	BackendX11    = "x11"
	BackendKWin   = "kwin"
	BackendHelper = "helper"
)

// Options configure backend selection.
type Options struct {
	Backend    string
	Enumerator string
	Timeout    time.Duration
	Focus      LineWriter
}

// Open returns the backend named in opts. "auto" prefers KWin on a Wayland
// session, then X11, then the helper executables; Windows always uses the
// helpers.
func Open(opts Options) (Backend, error) {
	log := logger.WithComponent("window")

	switch opts.Backend {
	case BackendX11:
		return NewX11Backend()
	case BackendKWin:
		return NewKWinBackend()
	case BackendHelper:
		return NewHelperBackend(opts.Enumerator, opts.Timeout, opts.Focus), nil
	case BackendAuto, "":
	default:
		return nil, fmt.Errorf("unknown window backend %q", opts.Backend)
	}

	if runtime.GOOS == "windows" {
		return NewHelperBackend(opts.Enumerator, opts.Timeout, opts.Focus), nil
	}

	if os.Getenv("WAYLAND_DISPLAY") != "" {
		b, err := NewKWinBackend()
		if err == nil {
			return b, nil
		}
		log.Debug().Err(err).Msg("KWin backend unavailable")
	}

	b, err := NewX11Backend()
	if err == nil {
		return b, nil
	}
	log.Warn().Err(err).Msg("X11 backend unavailable, using helper executables")
	return NewHelperBackend(opts.Enumerator, opts.Timeout, opts.Focus), nil
}
