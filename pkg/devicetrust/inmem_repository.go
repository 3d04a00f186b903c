package devicetrust

import (
	"context"
	"sync"

	"github.com/polisafe/securecore/pkg/subject"
)

// InMemDeviceRepository implements DeviceRepository using an in-memory map
type InMemDeviceRepository struct {
	devices map[string]Device // keyed by subject key + fingerprint
	mu      sync.Mutex
}

// NewInMemDeviceRepository creates a new in-memory device repository
func NewInMemDeviceRepository() *InMemDeviceRepository {
	return &InMemDeviceRepository{
		devices: make(map[string]Device),
	}
}

func deviceKey(subj subject.Subject, deviceID string) string {
	return subj.Key() + "|" + deviceID
}

// copyDevice detaches the history buffers so callers never share storage with
// the map. Mutations only land through Update's version check.
func copyDevice(device Device) Device {
	device.IPHistory = device.IPHistory.Clone()
	device.LocationHistory = device.LocationHistory.Clone()
	return device
}

// Create stores a new device
func (r *InMemDeviceRepository) Create(ctx context.Context, device Device) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := deviceKey(device.Subject, device.DeviceID)
	if _, exists := r.devices[key]; exists {
		return Device{}, ErrDeviceExists
	}

	device.Version = 1
	r.devices[key] = copyDevice(device)
	return device, nil
}

// Get retrieves a device by subject and fingerprint
func (r *InMemDeviceRepository) Get(ctx context.Context, subj subject.Subject, deviceID string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, exists := r.devices[deviceKey(subj, deviceID)]
	if !exists {
		return Device{}, ErrDeviceNotFound
	}
	return copyDevice(device), nil
}

// FindBySubject returns all devices owned by a subject
func (r *InMemDeviceRepository) FindBySubject(ctx context.Context, subj subject.Subject) ([]Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var devices []Device
	for _, device := range r.devices {
		if device.Subject == subj {
			devices = append(devices, copyDevice(device))
		}
	}
	return devices, nil
}

// Update replaces the stored device after an optimistic version check
func (r *InMemDeviceRepository) Update(ctx context.Context, device Device) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := deviceKey(device.Subject, device.DeviceID)
	current, exists := r.devices[key]
	if !exists {
		return Device{}, ErrDeviceNotFound
	}
	if current.Version != device.Version {
		return Device{}, ErrStorageConflict
	}

	device.Version++
	r.devices[key] = copyDevice(device)
	return device, nil
}
