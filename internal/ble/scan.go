package ble

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ScanForDevices scans until ctx ends and returns every advertising device
// that passes filter, strongest signal first. Each device is listed once,
// with its latest advertisement.
func ScanForDevices(ctx context.Context, adapter Adapter, filter DeviceFilter) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	var mu sync.Mutex
	seen := make(map[string]Device)
	err := adapter.Scan(ctx, func(d Device) {
		if !filter.Match(d) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := seen[d.ID]; ok && d.Name == "" {
			d.Name = prev.Name
		}
		seen[d.ID] = d
	})
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	devices := make([]Device, 0, len(seen))
	for _, d := range seen {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].RSSI != devices[j].RSSI {
			return devices[i].RSSI > devices[j].RSSI
		}
		return devices[i].ID < devices[j].ID
	})
	return devices, nil
}
