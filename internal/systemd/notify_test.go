package systemd

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNotifyOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	for name, fn := range map[string]func() error{
		"ready":     NotifyReady,
		"reloading": NotifyReloading,
		"stopping":  NotifyStopping,
		"status":    func() error { return NotifyStatus("idle") },
	} {
		if err := fn(); err != nil {
			t.Errorf("%s: expected no error without a notify socket, got %v", name, err)
		}
	}
}

func TestRunWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")

	done := make(chan struct{})
	go func() {
		RunWatchdog(context.Background(), zerolog.Nop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected watchdog loop to return when disabled")
	}
}
