package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/supaorch/orchestrator/internal/model"
)

func sampleInstance() model.Instance {
	return model.Instance{ID: "abc123", Name: "alpha"}
}

func TestUp_CreatesAllExpectedContainers(t *testing.T) {
	d := New()
	inst := sampleInstance()

	if err := d.Up(context.Background(), inst); err != nil {
		t.Fatalf("Up() error = %v", err)
	}

	records, err := d.List(context.Background(), inst)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != len(model.AllContainerRoles) {
		t.Fatalf("List() returned %d records, want %d", len(records), len(model.AllContainerRoles))
	}
	for _, rec := range records {
		if !rec.Running {
			t.Errorf("container %s not running after Up()", rec.Name)
		}
	}
}

func TestStop_MarksContainersNotRunningWithoutRemoving(t *testing.T) {
	d := New()
	inst := sampleInstance()
	_ = d.Up(context.Background(), inst)

	if err := d.Stop(context.Background(), inst); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	records, _ := d.List(context.Background(), inst)
	for _, rec := range records {
		if !rec.Exists {
			t.Errorf("container %s should still exist after Stop()", rec.Name)
		}
		if rec.Running {
			t.Errorf("container %s should not be running after Stop()", rec.Name)
		}
	}
}

func TestDown_RemovesContainers(t *testing.T) {
	d := New()
	inst := sampleInstance()
	_ = d.Up(context.Background(), inst)

	if err := d.Down(context.Background(), inst); err != nil {
		t.Fatalf("Down() error = %v", err)
	}

	records, _ := d.List(context.Background(), inst)
	for _, rec := range records {
		if rec.Exists {
			t.Errorf("container %s should not exist after Down()", rec.Name)
		}
	}
}

func TestStart_FailsWhenContainerMissing(t *testing.T) {
	d := New()
	if err := d.Start(context.Background(), sampleInstance()); err == nil {
		t.Fatal("Start() expected error for nonexistent containers")
	}
}

func TestRestart_CyclesContainer(t *testing.T) {
	d := New()
	inst := sampleInstance()
	_ = d.Up(context.Background(), inst)
	name := model.ContainerName(inst.ID, model.ContainerDB)

	if err := d.Restart(context.Background(), name, 5*time.Second); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	records, _ := d.List(context.Background(), inst)
	for _, rec := range records {
		if rec.Name == name && !rec.Running {
			t.Error("container should be running after Restart()")
		}
	}
}

func TestWaitHealthy_SucceedsWhenThresholdMet(t *testing.T) {
	d := New()
	inst := sampleInstance()
	_ = d.Up(context.Background(), inst)

	if err := d.WaitHealthy(context.Background(), inst, time.Second); err != nil {
		t.Fatalf("WaitHealthy() error = %v", err)
	}
}

func TestWaitHealthy_FailsBelowThreshold(t *testing.T) {
	d := New()
	inst := sampleInstance()
	_ = d.Up(context.Background(), inst)
	d.SetRunning(model.ContainerName(inst.ID, model.ContainerDB), false)
	d.SetRunning(model.ContainerName(inst.ID, model.ContainerAuth), false)
	d.SetRunning(model.ContainerName(inst.ID, model.ContainerRest), false)

	if err := d.WaitHealthy(context.Background(), inst, time.Second); err == nil {
		t.Fatal("WaitHealthy() expected error below threshold")
	}
}

func TestLogs_ReturnsTailOnly(t *testing.T) {
	d := New()
	inst := sampleInstance()
	_ = d.Up(context.Background(), inst)
	name := model.ContainerName(inst.ID, model.ContainerDB)
	for i := 0; i < 5; i++ {
		d.AppendLog(name, "line")
	}

	out, err := d.Logs(context.Background(), name, 2)
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if got := len(out); got == 0 {
		t.Fatal("Logs() returned empty output")
	}
}

func TestFailNext_ReturnsConfiguredErrorOnce(t *testing.T) {
	d := New()
	inst := sampleInstance()
	d.FailNext = "up"
	d.FailNextErr = errors.New("boom")

	if err := d.Up(context.Background(), inst); err == nil {
		t.Fatal("Up() expected configured failure")
	}
	if err := d.Up(context.Background(), inst); err != nil {
		t.Fatalf("Up() second call should succeed, got %v", err)
	}
}
