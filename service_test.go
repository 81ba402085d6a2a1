package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/kardianos/service"
)

// fakeService records management calls. Unimplemented methods panic via
// the nil embedded interface.
type fakeService struct {
	service.Service
	calls  []string
	err    error
	status service.Status
}

func (f *fakeService) record(name string) error {
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeService) Install() error   { return f.record("install") }
func (f *fakeService) Uninstall() error { return f.record("uninstall") }
func (f *fakeService) Start() error     { return f.record("start") }
func (f *fakeService) Stop() error      { return f.record("stop") }
func (f *fakeService) Restart() error   { return f.record("restart") }

func (f *fakeService) Status() (service.Status, error) {
	return f.status, f.record("status")
}

func factoryFor(f *fakeService) func() (service.Service, error) {
	return func() (service.Service, error) { return f, nil }
}

func TestHandleServiceCommand_NotACommand(t *testing.T) {
	for _, args := range [][]string{{}, {"program"}, {"program", "unknown"}} {
		if HandleServiceCommand(args) {
			t.Errorf("HandleServiceCommand(%v) = true, want false", args)
		}
	}
}

func TestDispatchServiceCommand_Actions(t *testing.T) {
	tests := []struct {
		cmd      string
		wantCall string
		wantOut  string
	}{
		{"install", "install", "installed"},
		{"uninstall", "uninstall", "uninstalled"},
		{"remove", "uninstall", "uninstalled"},
		{"start", "start", "started"},
		{"stop", "stop", "stopped"},
		{"restart", "restart", "restarted"},
	}

	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			svc := &fakeService{}
			var out bytes.Buffer

			if err := dispatchServiceCommand(tt.cmd, factoryFor(svc), &out); err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			if len(svc.calls) != 1 || svc.calls[0] != tt.wantCall {
				t.Errorf("calls = %v, want [%s]", svc.calls, tt.wantCall)
			}
			if !strings.Contains(out.String(), tt.wantOut) {
				t.Errorf("output %q does not contain %q", out.String(), tt.wantOut)
			}
		})
	}
}

func TestDispatchServiceCommand_ActionError(t *testing.T) {
	svc := &fakeService{err: errors.New("access denied")}

	err := dispatchServiceCommand("install", factoryFor(svc), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Errorf("err = %v, want wrapped access denied", err)
	}
}

func TestDispatchServiceCommand_Status(t *testing.T) {
	tests := []struct {
		status service.Status
		want   string
	}{
		{service.StatusRunning, "running"},
		{service.StatusStopped, "stopped"},
		{service.StatusUnknown, "unknown"},
	}

	for _, tt := range tests {
		svc := &fakeService{status: tt.status}
		var out bytes.Buffer
		if err := dispatchServiceCommand("status", factoryFor(svc), &out); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if !strings.Contains(out.String(), tt.want) {
			t.Errorf("status %v: output %q does not contain %q", tt.status, out.String(), tt.want)
		}
	}
}

func TestDispatchServiceCommand_HelpAndVersion(t *testing.T) {
	factory := func() (service.Service, error) {
		t.Fatal("factory called for help or version")
		return nil, nil
	}

	for _, cmd := range []string{"help", "-h", "--help", "-help"} {
		var out bytes.Buffer
		if err := dispatchServiceCommand(cmd, factory, &out); err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
		for _, want := range []string{"Usage:", "install", "uninstall", "status"} {
			if !strings.Contains(out.String(), want) {
				t.Errorf("%s: output missing %q", cmd, want)
			}
		}
	}

	var out bytes.Buffer
	if err := dispatchServiceCommand("version", factory, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "commit") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestDispatchServiceCommand_Unknown(t *testing.T) {
	err := dispatchServiceCommand("frobnicate", factoryFor(&fakeService{}), &bytes.Buffer{})
	if !errors.Is(err, errUnknownCommand) {
		t.Errorf("err = %v, want errUnknownCommand", err)
	}
}

func TestServiceConfig(t *testing.T) {
	cfg := ServiceConfig()
	if cfg.Name != "mlpipeline" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.Description == "" {
		t.Error("Description is empty")
	}
}

func TestProgram_StopBeforeStart(t *testing.T) {
	p := &Program{}
	if err := p.Stop(nil); err != nil {
		t.Errorf("Stop before Start = %v, want nil", err)
	}
}
