package health

import (
	"context"
	"testing"
	"time"
)

func TestChecker_Basic(t *testing.T) {
	checker := NewChecker("1.0.0")

	status := checker.GetStatus()

	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}

	if status.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %s", status.Version)
	}

	if status.UptimeSeconds < 0 {
		t.Error("expected non-negative uptime")
	}
}

func TestChecker_SetComponent(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("audio_source", true, "connected")

	status := checker.GetStatus()

	if len(status.Components) != 1 {
		t.Errorf("expected 1 component, got %d", len(status.Components))
	}

	src, ok := status.Components["audio_source"]
	if !ok {
		t.Fatal("expected audio_source component")
	}

	if !src.Healthy {
		t.Error("expected audio_source to be healthy")
	}

	if src.Message != "connected" {
		t.Errorf("expected message 'connected', got %s", src.Message)
	}
}

func TestChecker_Degraded(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("audio_source", true, "ok")
	checker.SetComponent("usb", false, "disconnected")

	status := checker.GetStatus()

	if status.Status != "degraded" {
		t.Errorf("expected status 'degraded', got %s", status.Status)
	}

	if checker.IsHealthy() {
		t.Error("expected IsHealthy() to return false")
	}
}

func TestChecker_Recovery(t *testing.T) {
	checker := NewChecker("1.0.0")

	// Start unhealthy
	checker.SetComponent("audio_source", false, "error")

	if checker.IsHealthy() {
		t.Error("expected unhealthy")
	}

	// Recover
	checker.SetComponent("audio_source", true, "recovered")

	if !checker.IsHealthy() {
		t.Error("expected healthy after recovery")
	}

	status := checker.GetStatus()
	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}
}

func TestChecker_MultipleComponents(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("audio_source", true, "")
	checker.SetComponent("sink:csv", true, "")
	checker.SetComponent("server", true, "")

	status := checker.GetStatus()

	if len(status.Components) != 3 {
		t.Errorf("expected 3 components, got %d", len(status.Components))
	}

	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}
}


func TestChecker_CriticalComponent(t *testing.T) {
	checker := NewChecker("1.0.0")
	checker.SetComponent(ComponentAudio, false, "no frames")
	checker.SetComponent(SinkComponent("webhook"), false, "timeout")

	if got := checker.GetStatus().Status; got != "degraded" {
		t.Errorf("expected status 'degraded' before MarkCritical, got %s", got)
	}

	checker.MarkCritical(ComponentAudio)

	status := checker.GetStatus()
	if status.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got %s", status.Status)
	}
	if !status.Components[ComponentAudio].Critical {
		t.Error("expected audio_source to be marked critical")
	}
}

func TestChecker_Probes(t *testing.T) {
	checker := NewChecker("1.0.0")

	var frames uint64
	checker.Register(ComponentAudio, ProgressProbe(func() uint64 { return frames }, "frames"))

	checker.Refresh()
	if !checker.IsHealthy() {
		t.Error("first probe should only record a baseline")
	}

	checker.Refresh()
	if checker.IsHealthy() {
		t.Error("expected unhealthy when no frames arrived")
	}

	frames = 24
	checker.Refresh()
	check := checker.GetStatus().Components[ComponentAudio]
	if !check.Healthy {
		t.Error("expected healthy after frames arrived")
	}
	if check.Message != "24 frames since last check" {
		t.Errorf("unexpected message %q", check.Message)
	}
}

func TestDeliveryProbe(t *testing.T) {
	var delivered, failed uint64
	probe := DeliveryProbe(func() (uint64, uint64) { return delivered, failed })

	tests := []struct {
		name      string
		delivered uint64
		failed    uint64
		want      bool
	}{
		{"idle", 0, 0, true},
		{"failing", 0, 2, false},
		{"recovered", 1, 2, true},
		{"mixed", 3, 3, true},
		{"failing again", 3, 4, false},
	}

	for _, tt := range tests {
		delivered, failed = tt.delivered, tt.failed
		if got, msg := probe(); got != tt.want {
			t.Errorf("%s: healthy = %v (%s), want %v", tt.name, got, msg, tt.want)
		}
	}
}

func TestChecker_Run(t *testing.T) {
	checker := NewChecker("1.0.0")

	calls := make(chan struct{}, 10)
	checker.Register(ComponentUSB, func() (bool, string) {
		select {
		case calls <- struct{}{}:
		default:
		}
		return true, "present"
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("probe was not refreshed")
		}
	}
	cancel()
	<-done

	if _, ok := checker.GetStatus().Components[ComponentUSB]; !ok {
		t.Error("expected usb_device component")
	}
}
