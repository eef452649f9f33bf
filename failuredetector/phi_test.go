package failuredetector

import (
	"testing"
	"time"

	"github.com/gholt/ringstore/ring"
)

type recordingListener struct {
	convicted []ring.Endpoint
}

func (r *recordingListener) Convict(endpoint ring.Endpoint) {
	r.convicted = append(r.convicted, endpoint)
}

func TestInterpretZeroBeforeAnyReport(t *testing.T) {
	d := NewDetector(100, 8)
	if phi := d.Interpret("A"); phi != 0 {
		t.Fatalf("expected phi 0 for unknown endpoint, got %v", phi)
	}
}

func TestInterpretGrowsWithSilence(t *testing.T) {
	d := NewDetector(100, 8)
	now := time.Unix(0, 0)
	d.now = func() time.Time { return now }
	// Establish a steady one-second heartbeat cadence.
	for i := 0; i < 20; i++ {
		d.Report("A")
		now = now.Add(time.Second)
	}
	phiSoon := d.Interpret("A")
	now = now.Add(30 * time.Second)
	phiLate := d.Interpret("A")
	if !(phiLate > phiSoon) {
		t.Fatalf("expected phi to grow with silence: soon=%v late=%v", phiSoon, phiLate)
	}
}

func TestConvictionFiresListenerOnce(t *testing.T) {
	d := NewDetector(100, 8)
	l := &recordingListener{}
	d.RegisterFailureDetectionEventListener(l)
	now := time.Unix(0, 0)
	d.now = func() time.Time { return now }
	for i := 0; i < 20; i++ {
		d.Report("A")
		now = now.Add(time.Second)
	}
	now = now.Add(time.Minute)
	d.Interpret("A")
	d.Interpret("A")
	if len(l.convicted) != 1 {
		t.Fatalf("expected exactly one conviction notification, got %d", len(l.convicted))
	}
	if l.convicted[0] != "A" {
		t.Fatalf("expected A convicted, got %v", l.convicted)
	}
}

func TestReportResetsConvictedFlag(t *testing.T) {
	d := NewDetector(100, 8)
	now := time.Unix(0, 0)
	d.now = func() time.Time { return now }
	for i := 0; i < 20; i++ {
		d.Report("A")
		now = now.Add(time.Second)
	}
	now = now.Add(time.Minute)
	d.Interpret("A")
	now = now.Add(time.Second)
	d.Report("A")
	if phi := d.Interpret("A"); phi > 1 {
		t.Fatalf("expected phi to drop back down after a fresh report, got %v", phi)
	}
}

func TestRemoveClearsState(t *testing.T) {
	d := NewDetector(100, 8)
	d.Report("A")
	d.Remove("A")
	if phi := d.Interpret("A"); phi != 0 {
		t.Fatalf("expected phi 0 after removal, got %v", phi)
	}
}
