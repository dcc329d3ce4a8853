package systemd

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "taskd/pkg/logx"
)

func listenNotify(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram not available: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	n := NewNotifier(logx.Nop())
	if n.Ready("ok") || n.Stopping() {
		t.Fatalf("expected no-op without NOTIFY_SOCKET")
	}
}

func TestReadyAndStopping(t *testing.T) {
	conn := listenNotify(t)
	n := NewNotifier(logx.Nop())

	if !n.Ready("3 tasks re-armed") {
		t.Fatalf("ready not sent")
	}
	msg := read(t, conn)
	if !strings.Contains(msg, "READY=1") || !strings.Contains(msg, "STATUS=3 tasks re-armed") {
		t.Fatalf("unexpected ready message %q", msg)
	}

	n.Stopping()
	if msg := read(t, conn); msg != "STOPPING=1" {
		t.Fatalf("unexpected stopping message %q", msg)
	}
}

func TestWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := NewNotifier(logx.Nop()).Watchdog(ctx); err != nil {
		t.Fatalf("watchdog: %v", err)
	}
}
