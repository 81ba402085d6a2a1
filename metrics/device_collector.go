package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Thermal normalization bounds in degrees Celsius.
const (
	AmbientTempC  = 25.0
	CriticalTempC = 90.0
)

// DeviceReader is the interface for reading device sensors.
// This abstraction allows for mock implementations during testing.
type DeviceReader interface {
	// ReadDevice reads the current thermal and battery state.
	ReadDevice() (DeviceMetrics, error)
}

// DeviceCollectorConfig configures the DeviceCollector behavior.
type DeviceCollectorConfig struct {
	// CollectionInterval is how often to sample sensors
	CollectionInterval time.Duration

	// HistorySize is the number of samples to retain (720 = 1 hour at 5s intervals)
	HistorySize int

	// SysfsRoot is the sysfs class directory to read sensors from
	SysfsRoot string
}

// DefaultDeviceCollectorConfig returns a default configuration.
func DefaultDeviceCollectorConfig() DeviceCollectorConfig {
	return DeviceCollectorConfig{
		CollectionInterval: 5 * time.Second,
		HistorySize:        720,
		SysfsRoot:          "/sys/class",
	}
}

// DeviceCollector is an organism that periodically samples device thermal
// and battery state. The latest sample feeds the scheduler's quality
// decision; history backs the dashboard.
//
// This organism composes:
//   - DeviceMetrics atoms for data representation
//   - a DeviceReader (sysfs by default)
//   - a circular buffer for history storage
type DeviceCollector struct {
	mu sync.RWMutex

	config DeviceCollectorConfig
	reader DeviceReader

	history  []DeviceMetrics
	histHead int
	histSize int
	histCap  int

	lastMetrics DeviceMetrics
	available   bool
	lastError   error

	onSample func(DeviceMetrics)

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewDeviceCollector creates a DeviceCollector. A nil reader reads sysfs
// under config.SysfsRoot. onSample is invoked after every successful read.
func NewDeviceCollector(config DeviceCollectorConfig, reader DeviceReader, onSample func(DeviceMetrics)) *DeviceCollector {
	if config.CollectionInterval < 100*time.Millisecond {
		config.CollectionInterval = 5 * time.Second
	}
	if config.HistorySize < 1 {
		config.HistorySize = 720
	}
	if config.SysfsRoot == "" {
		config.SysfsRoot = "/sys/class"
	}
	if reader == nil {
		reader = &SysfsDeviceReader{Root: config.SysfsRoot}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &DeviceCollector{
		config:      config,
		reader:      reader,
		history:     make([]DeviceMetrics, config.HistorySize),
		histCap:     config.HistorySize,
		lastMetrics: nominalDevice(),
		onSample:    onSample,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins periodic sampling in a background goroutine. Only the
// first call has any effect.
func (c *DeviceCollector) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.collectLoop()
	})
}

// Stop halts sampling and waits for the goroutine to exit.
func (c *DeviceCollector) Stop() {
	c.cancel()
	c.wg.Wait()
}

// IsAvailable returns true if the last read succeeded.
func (c *DeviceCollector) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// GetLastError returns the most recent read error, nil after a success.
func (c *DeviceCollector) GetLastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// GetCurrentMetrics returns the latest successful sample. Before the first
// successful read it reports a cool device on mains power.
func (c *DeviceCollector) GetCurrentMetrics() DeviceMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMetrics
}

// GetHistory returns the last N samples, oldest first.
func (c *DeviceCollector) GetHistory(limit int) []DeviceMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if limit <= 0 || c.histSize == 0 {
		return []DeviceMetrics{}
	}
	if limit > c.histSize {
		limit = c.histSize
	}

	result := make([]DeviceMetrics, limit)
	for i := 0; i < limit; i++ {
		idx := (c.histHead - limit + i + c.histCap) % c.histCap
		result[i] = c.history[idx]
	}
	return result
}

// GetHistorySize returns the current number of samples in history.
func (c *DeviceCollector) GetHistorySize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.histSize
}

func (c *DeviceCollector) collectLoop() {
	defer c.wg.Done()

	c.collectOnce()

	ticker := time.NewTicker(c.config.CollectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.collectOnce()
		}
	}
}

func (c *DeviceCollector) collectOnce() {
	metrics, err := c.reader.ReadDevice()

	c.mu.Lock()
	if err != nil {
		c.available = false
		c.lastError = err
	} else {
		c.available = true
		c.lastError = nil
		c.lastMetrics = metrics

		c.history[c.histHead] = metrics
		c.histHead = (c.histHead + 1) % c.histCap
		if c.histSize < c.histCap {
			c.histSize++
		}
	}
	c.mu.Unlock()

	if c.onSample != nil && err == nil {
		c.onSample(metrics)
	}
}

func nominalDevice() DeviceMetrics {
	return DeviceMetrics{Battery: 1, Charging: true}
}

// NormalizeTemperature maps a temperature onto [0, 1] between
// AmbientTempC and CriticalTempC.
func NormalizeTemperature(celsius float64) float64 {
	v := (celsius - AmbientTempC) / (CriticalTempC - AmbientTempC)
	return min(max(v, 0), 1)
}

// SysfsDeviceReader reads Linux thermal zones and power supplies.
// Missing sensors are not an error: a machine without a battery reads as
// mains powered and one without thermal zones reads as cool.
type SysfsDeviceReader struct {
	Root string
}

// ReadDevice samples every thermal zone (hottest wins) and the first
// battery found.
func (r *SysfsDeviceReader) ReadDevice() (DeviceMetrics, error) {
	if _, err := os.Stat(r.Root); err != nil {
		return DeviceMetrics{}, fmt.Errorf("device sensors unavailable: %w", err)
	}

	m := nominalDevice()

	zones, _ := filepath.Glob(filepath.Join(r.Root, "thermal", "thermal_zone*", "temp"))
	for _, zone := range zones {
		milli, err := readInt(zone)
		if err != nil {
			continue
		}
		celsius := float64(milli) / 1000
		if !m.HasThermal || celsius > m.TemperatureC {
			m.TemperatureC = celsius
		}
		m.HasThermal = true
	}
	if m.HasThermal {
		m.Thermal = NormalizeTemperature(m.TemperatureC)
	}

	batteries, _ := filepath.Glob(filepath.Join(r.Root, "power_supply", "BAT*"))
	slices.Sort(batteries)
	for _, bat := range batteries {
		capacity, err := readInt(filepath.Join(bat, "capacity"))
		if err != nil {
			continue
		}
		m.HasBattery = true
		m.Battery = min(max(float64(capacity)/100, 0), 1)

		status, _ := os.ReadFile(filepath.Join(bat, "status"))
		switch strings.TrimSpace(string(status)) {
		case "Charging", "Full", "Not charging":
			m.Charging = true
		default:
			m.Charging = false
		}
		break
	}

	return m, nil
}

func readInt(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

// MockDeviceReader is a mock implementation of DeviceReader for testing.
type MockDeviceReader struct {
	mu      sync.Mutex
	metrics DeviceMetrics
	err     error
	calls   int
}

// NewMockDeviceReader creates a mock reader returning metrics.
func NewMockDeviceReader(metrics DeviceMetrics) *MockDeviceReader {
	return &MockDeviceReader{metrics: metrics}
}

// SetMetrics updates the metrics returned by this mock.
func (m *MockDeviceReader) SetMetrics(metrics DeviceMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

// SetError sets an error to be returned by ReadDevice.
func (m *MockDeviceReader) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// ReadDevice returns the configured mock metrics or error.
func (m *MockDeviceReader) ReadDevice() (DeviceMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return DeviceMetrics{}, m.err
	}
	return m.metrics, nil
}

// CallCount returns the number of times ReadDevice was called.
func (m *MockDeviceReader) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
