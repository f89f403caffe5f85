package session

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/helper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain lets the test binary stand in for the launch helper. The launch
// arguments are fixed, so the mode travels in the environment.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_LAUNCHER") == "1" {
		runFakeLauncher(os.Getenv("LAUNCHER_MODE"))
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runFakeLauncher(mode string) {
	out := os.Stdout
	switch mode {
	case "started":
		fmt.Fprintln(out, "booting")
		fmt.Fprintf(out, "{\"status\":\"started\",\"pid\":%d}\n", os.Getpid())
		// Stay up until stdin closes, then report the game closed.
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
	case "closed":
		fmt.Fprintf(out, "{\"status\":\"started\",\"pid\":%d}\n", os.Getpid())
		time.Sleep(50 * time.Millisecond)
		fmt.Fprintf(out, "{\"status\":\"closed\",\"pid\":%d,\"exitCode\":134}\n", os.Getpid())
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
	case "args":
		fmt.Fprintf(out, "{\"status\":\"error\",\"message\":%q}\n", strings.Join(os.Args[1:], " "))
	case "error":
		fmt.Fprintln(out, `{"status":"error","message":"bad credentials"}`)
	case "nopid":
		fmt.Fprintln(out, `{"status":"started"}`)
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
	case "spawn":
		// Start a stand-in game, report it and stay up until it exits.
		game := exec.Command(os.Args[0])
		game.Env = append(os.Environ(), "LAUNCHER_MODE=silent")
		if err := game.Start(); err != nil {
			fmt.Fprintf(out, "{\"status\":\"error\",\"message\":%q}\n", err.Error())
			return
		}
		fmt.Fprintf(out, "{\"status\":\"started\",\"pid\":%d}\n", game.Process.Pid)
		_ = game.Wait()
	case "silent":
		time.Sleep(time.Hour)
	case "die":
		os.Exit(2)
	}
}

func fakeLauncherPath(mode string, timeout time.Duration) *HelperLauncher {
	return &HelperLauncher{
		Path:      os.Args[0],
		Env:       []string{"GO_WANT_LAUNCHER=1", "LAUNCHER_MODE=" + mode},
		Timeout:   timeout,
		StopGrace: 200 * time.Millisecond,
	}
}

func TestLaunchRequestArgs(t *testing.T) {
	req := LaunchRequest{Exe: `C:\Game\game.exe`, User: "u", Password: "p", Role: "2", Extra: "x"}
	assert.Equal(t, []string{
		`exe:C:\Game\game.exe`, "user:u", "pwd:p", "role:2", "extra:x", "onlyAdd:false",
	}, req.Args())
}

func TestHelperLauncherStarted(t *testing.T) {
	l := fakeLauncherPath("started", 5*time.Second)

	launched, err := l.Launch(context.Background(), LaunchRequest{AccountID: "acc1"}, nil)
	require.NoError(t, err)
	assert.Greater(t, launched.PID, 0)
	require.NotNil(t, launched.Helper)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, launched.Helper.Stop(ctx))
}

func TestHelperLauncherReportsClosed(t *testing.T) {
	l := fakeLauncherPath("closed", 5*time.Second)

	var (
		mu     sync.Mutex
		closed []Closed
	)
	launched, err := l.Launch(context.Background(), LaunchRequest{AccountID: "acc1"}, func(c Closed) {
		mu.Lock()
		closed = append(closed, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer func() { _ = launched.Helper.Stop(context.Background()) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(closed) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, Closed{PID: launched.PID, ExitCode: 134}, closed[0])
}

func TestHelperLauncherPassesArguments(t *testing.T) {
	l := fakeLauncherPath("args", 5*time.Second)

	_, err := l.Launch(context.Background(), LaunchRequest{Exe: "game.exe", User: "bob", Role: "1"}, nil)
	require.ErrorIs(t, err, ErrLaunchFailed)
	assert.Contains(t, err.Error(), "exe:game.exe user:bob pwd: role:1 extra: onlyAdd:false")
}

func TestHelperLauncherErrors(t *testing.T) {
	tests := []struct {
		mode    string
		timeout time.Duration
		want    error
	}{
		{mode: "error", timeout: 5 * time.Second, want: ErrLaunchFailed},
		{mode: "nopid", timeout: 5 * time.Second, want: ErrLaunchFailed},
		{mode: "silent", timeout: 200 * time.Millisecond, want: helper.ErrTimeout},
		{mode: "die", timeout: 5 * time.Second, want: helper.ErrClosed},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			l := fakeLauncherPath(tt.mode, tt.timeout)
			_, err := l.Launch(context.Background(), LaunchRequest{AccountID: "acc1"}, nil)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHelperLauncherMissingExecutable(t *testing.T) {
	l := &HelperLauncher{Path: "/nonexistent/launcher.exe"}
	_, err := l.Launch(context.Background(), LaunchRequest{AccountID: "acc1"}, nil)
	require.ErrorIs(t, err, helper.ErrExecutableNotFound)
}
