// service.go implements OS service integration with
// github.com/kardianos/service (systemd, launchd, Windows SCM). Under a
// service manager the pipeline starts from Program.Start and shuts down
// gracefully from Program.Stop.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"mlpipeline/core"
	"mlpipeline/logging"

	"github.com/kardianos/service"
)

// serviceStopTimeout bounds how long Stop waits for graceful shutdown.
const serviceStopTimeout = 35 * time.Second

// Program implements service.Interface around run.
type Program struct {
	cfg    *core.Config
	logger *logging.Logger

	mu   sync.Mutex
	stop chan struct{}
	exit chan struct{}
}

// Start is called by the service manager. It must not block.
func (p *Program) Start(s service.Service) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stop, exit := make(chan struct{}), make(chan struct{})
	p.stop, p.exit = stop, exit
	go func() {
		defer close(exit)
		if code := run(p.cfg, p.logger, runOptions{stop: stop}); code != core.ExitCodeSuccess {
			p.logger.Warnf("Pipeline exited with code %d (%s)", code, core.ExitCodeName(code))
		}
	}()
	return nil
}

// Stop signals shutdown and waits for it to finish.
func (p *Program) Stop(s service.Service) error {
	p.mu.Lock()
	stop, exit := p.stop, p.exit
	p.stop = nil
	p.mu.Unlock()
	if stop == nil {
		return nil
	}

	close(stop)
	select {
	case <-exit:
		return nil
	case <-time.After(serviceStopTimeout):
		return fmt.Errorf("timeout waiting for service to stop")
	}
}

// ServiceConfig returns the service definition.
func ServiceConfig() *service.Config {
	return &service.Config{
		Name:        "mlpipeline",
		DisplayName: "ML Frame Pipeline",
		Description: "Adaptive on-device inference pipeline with telemetry and status API",
		Option: service.KeyValue{
			"StartType": "automatic",
			"Restart":   "on-failure",
		},
	}
}

// RunAsService runs the pipeline under the OS service manager and blocks
// until the service is stopped.
func RunAsService(cfg *core.Config, logger *logging.Logger) error {
	s, err := service.New(&Program{cfg: cfg, logger: logger}, ServiceConfig())
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	if err := s.Run(); err != nil {
		return fmt.Errorf("service run failed: %w", err)
	}
	return nil
}

// serviceAction is one management subcommand.
type serviceAction struct {
	run  func(service.Service) error
	done string
}

var serviceActions = map[string]serviceAction{
	"install":   {service.Service.Install, "Service installed successfully"},
	"uninstall": {service.Service.Uninstall, "Service uninstalled successfully"},
	"remove":    {service.Service.Uninstall, "Service uninstalled successfully"},
	"start":     {service.Service.Start, "Service started successfully"},
	"stop":      {service.Service.Stop, "Service stopped successfully"},
	"restart":   {service.Service.Restart, "Service restarted successfully"},
}

// PrintServiceUsage prints the help/usage information for service commands.
func PrintServiceUsage(w io.Writer) {
	fmt.Fprintln(w, "ML Frame Pipeline")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mlpipeline [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  install    Install the pipeline as an OS service")
	fmt.Fprintln(w, "  uninstall  Remove the OS service (alias: remove)")
	fmt.Fprintln(w, "  start      Start the service")
	fmt.Fprintln(w, "  stop       Stop the service")
	fmt.Fprintln(w, "  restart    Restart the service")
	fmt.Fprintln(w, "  status     Show the service status")
	fmt.Fprintln(w, "  version    Show version information")
	fmt.Fprintln(w, "  help       Show this help message")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run without arguments to start the pipeline in the foreground.")
}

// HandleServiceCommand handles service-related command-line arguments.
// Returns true if a command was handled, false otherwise. Failures exit
// with ExitCodeError.
func HandleServiceCommand(args []string) bool {
	if len(args) < 2 {
		return false
	}
	if err := dispatchServiceCommand(args[1], newService, os.Stdout); err != nil {
		if errors.Is(err, errUnknownCommand) {
			return false
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(core.ExitCodeError)
	}
	return true
}

var errUnknownCommand = errors.New("unknown command")

func newService() (service.Service, error) {
	s, err := service.New(&Program{}, ServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

// dispatchServiceCommand runs cmd against the service built by factory
// and reports to w. It returns errUnknownCommand for anything that is not
// a management command.
func dispatchServiceCommand(cmd string, factory func() (service.Service, error), w io.Writer) error {
	switch cmd {
	case "help", "-h", "--help", "-help":
		PrintServiceUsage(w)
		return nil
	case "version", "--version":
		fmt.Fprintln(w, core.VersionInfo())
		return nil
	}

	action, isAction := serviceActions[cmd]
	if !isAction && cmd != "status" {
		return errUnknownCommand
	}

	s, err := factory()
	if err != nil {
		return err
	}

	if cmd == "status" {
		status, err := s.Status()
		if err != nil {
			return fmt.Errorf("failed to get service status: %w", err)
		}
		switch status {
		case service.StatusRunning:
			fmt.Fprintln(w, "Service is running")
		case service.StatusStopped:
			fmt.Fprintln(w, "Service is stopped")
		default:
			fmt.Fprintln(w, "Service status unknown")
		}
		return nil
	}

	if err := action.run(s); err != nil {
		return fmt.Errorf("%s failed: %w", cmd, err)
	}
	fmt.Fprintln(w, action.done)
	return nil
}
