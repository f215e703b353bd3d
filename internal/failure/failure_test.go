package failure

import "testing"

func TestMonitorUnknownEndpointIsOK(t *testing.T) {
	m := NewMonitor()
	if got := m.Status("ss1"); got != StatusOK {
		t.Fatalf("expected unknown endpoint OK, got %v", got)
	}
}

func TestMonitorFailsAfterThreshold(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < consecutiveFailureThreshold-1; i++ {
		m.ReportFailure("ss1")
	}
	if got := m.Status("ss1"); got != StatusOK {
		t.Fatalf("expected still OK before threshold, got %v", got)
	}
	m.ReportFailure("ss1")
	if got := m.Status("ss1"); got != StatusFailed {
		t.Fatalf("expected FAILED at threshold, got %v", got)
	}
}

func TestMonitorRecoveryNotifiesSubscriber(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < consecutiveFailureThreshold; i++ {
		m.ReportFailure("ss1")
	}
	ch := m.Subscribe("ss1")
	m.ReportSuccess("ss1")
	select {
	case <-ch:
	default:
		t.Fatalf("expected notification on recovery")
	}
	if got := m.Status("ss1"); got != StatusOK {
		t.Fatalf("expected OK after recovery, got %v", got)
	}
}

func TestPairingTableLifecycle(t *testing.T) {
	pt := NewPairingTable()
	pt.Install("primary1", "shadow1")

	p, ok := pt.Lookup("primary1")
	if !ok || p.ShadowID != "shadow1" {
		t.Fatalf("expected pairing to primary1, got %+v ok=%v", p, ok)
	}

	pt.RecordMismatch("primary1")
	p, _ = pt.Lookup("primary1")
	if p.MismatchCount != 1 {
		t.Fatalf("expected mismatch count 1, got %d", p.MismatchCount)
	}

	pt.Erase("primary1")
	if _, ok := pt.Lookup("primary1"); ok {
		t.Fatalf("expected pairing erased")
	}
}

func TestPairingTableLookupByShadow(t *testing.T) {
	pt := NewPairingTable()
	pt.Install("primary1", "shadow1")

	p, ok := pt.LookupByShadow("shadow1")
	if !ok || p.PrimaryID != "primary1" {
		t.Fatalf("expected pairing from shadow1, got %+v ok=%v", p, ok)
	}

	pt.Erase("primary1")
	if _, ok := pt.LookupByShadow("shadow1"); ok {
		t.Fatalf("expected shadow index cleared after erase")
	}
}
