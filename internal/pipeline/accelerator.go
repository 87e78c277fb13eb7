package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ErrNoAccelerator is returned when nvidia-smi runs but lists no GPU.
var ErrNoAccelerator = errors.New("no accelerator device found")

// Device is one GPU as reported by nvidia-smi.
type Device struct {
	Name              string `json:"name"`
	MemoryMiB         int    `json:"memory_mib"`
	ComputeCapability string `json:"compute_capability"`
}

// Accelerator reports the GPUs whisper can offload to. It queries
// nvidia-smi through a CommandRunner and remembers the last answer.
type Accelerator struct {
	path   string
	runner CommandRunner

	mu      sync.Mutex
	devices []Device
}

func NewAccelerator(nvidiaSMIPath string, runner CommandRunner) *Accelerator {
	if nvidiaSMIPath == "" {
		nvidiaSMIPath = "nvidia-smi"
	}
	return &Accelerator{path: nvidiaSMIPath, runner: runner}
}

// Detect runs nvidia-smi and returns the devices it lists.
func (a *Accelerator) Detect(ctx context.Context) ([]Device, error) {
	args := []string{"--query-gpu=name,memory.total,compute_cap", "--format=csv,noheader"}
	res, err := a.runner.Run(ctx, a.path, args, nil)
	if err != nil {
		a.remember(nil)
		if last := lastLine(res.Output); last != "" {
			return nil, fmt.Errorf("nvidia-smi: %s: %w", last, err)
		}
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	devices := parseGPUList(res.Output)
	a.remember(devices)
	if len(devices) == 0 {
		return nil, ErrNoAccelerator
	}
	return devices, nil
}

// Ping reports whether at least one device is present.
func (a *Accelerator) Ping(ctx context.Context) error {
	_, err := a.Detect(ctx)
	return err
}

// Details returns the devices seen by the most recent Detect.
func (a *Accelerator) Details() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Device{}, a.devices...)
}

func (a *Accelerator) remember(devices []Device) {
	a.mu.Lock()
	a.devices = devices
	a.mu.Unlock()
}

// parseGPUList reads "name, 24576 MiB, 8.9" rows. Lines that do not have
// three fields, such as driver warnings, are skipped.
func parseGPUList(out string) []Device {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			continue
		}
		name := strings.TrimSpace(fields[0])
		if name == "" {
			continue
		}
		mem := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(fields[1]), "MiB"))
		mib, _ := strconv.Atoi(mem)
		devices = append(devices, Device{
			Name:              name,
			MemoryMiB:         mib,
			ComputeCapability: strings.TrimSpace(fields[2]),
		})
	}
	return devices
}
