package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/ternarybob/scrutor/internal/common"
)

func TestRegisterRejectsDuplicates(t *testing.T) {
	s := New(common.GetLogger())
	if err := s.Register("refresh", "@every 1h", func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("refresh", "@every 1h", func() error { return nil }); err == nil {
		t.Error("duplicate registration must fail")
	}
}

func TestRegisterRejectsBadSchedule(t *testing.T) {
	s := New(common.GetLogger())
	if err := s.Register("broken", "not a schedule", func() error { return nil }); err == nil {
		t.Error("invalid cron expression must fail")
	}
}

func TestTriggerRunsJob(t *testing.T) {
	s := New(common.GetLogger())
	ran := make(chan struct{})
	if err := s.Register("sweep", "@every 1h", func() error {
		close(ran)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.Trigger("sweep"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered job never ran")
	}

	if err := s.Trigger("missing"); err == nil {
		t.Error("unknown job must fail")
	}
}

func TestStatusesTrackOutcome(t *testing.T) {
	s := New(common.GetLogger())
	if err := s.Register("failing", "@every 1h", func() error {
		return fmt.Errorf("boom")
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.Trigger("failing"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		statuses := s.Statuses()
		if len(statuses) == 1 && statuses[0].LastRun != nil {
			if statuses[0].LastError != "boom" {
				t.Errorf("last error not recorded: %q", statuses[0].LastError)
			}
			if statuses[0].IsRunning {
				t.Error("job must not be marked running after completion")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("job outcome never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPanicIsIsolated(t *testing.T) {
	s := New(common.GetLogger())
	if err := s.Register("panicky", "@every 1h", func() error {
		panic("kaboom")
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Trigger("panicky"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		statuses := s.Statuses()
		if len(statuses) == 1 && statuses[0].LastRun != nil {
			if statuses[0].LastError == "" {
				t.Error("panic must land in last_error")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("panicked job never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
