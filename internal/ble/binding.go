package ble

import "fmt"

// ServiceBinding names the characteristics used for one connection.
type ServiceBinding struct {
	ServiceID              string `json:"serviceId" yaml:"service_id"`
	WriteCharacteristicID  string `json:"writeCharacteristicId" yaml:"write_characteristic_id"`
	NotifyCharacteristicID string `json:"notifyCharacteristicId" yaml:"notify_characteristic_id"`
	ReadCharacteristicID   string `json:"readCharacteristicId" yaml:"read_characteristic_id"`
}

// Filter selects which peripherals to scan for and how to bind them.
type Filter struct {
	// Services restricts discovery and, without Targets, binding.
	Services []string
	// Targets are tried in order; explicit characteristic IDs win over the
	// capability-based fallback.
	Targets []ServiceBinding
	// TargetName is matched against device names by the reconnect filter.
	TargetName string
}

// GATTService is a service with its enumerated characteristics.
type GATTService struct {
	Service
	Characteristics []Characteristic
}

// ResolveBinding picks the service and characteristics to use. Configured
// targets are tried in order and a characteristic a target names must exist
// or the target does not match; no capability fallback runs once targets are
// configured. Without targets, services passing f.Services are inspected and
// one with a writable characteristic is preferred. A binding needs a notify
// or read characteristic; without a write characteristic Send fails with
// ErrNotBound.
func ResolveBinding(f Filter, services []GATTService) (ServiceBinding, error) {
	for _, target := range f.Targets {
		for _, svc := range services {
			if !SameUUID(svc.UUID, target.ServiceID) {
				continue
			}
			if b, ok := bindService(svc, target); ok {
				return b, nil
			}
		}
	}
	if len(f.Targets) > 0 {
		return ServiceBinding{}, fmt.Errorf("%w (%d targets, %d services inspected)", ErrNoBinding, len(f.Targets), len(services))
	}

	var fallback *ServiceBinding
	for _, svc := range services {
		if len(f.Services) > 0 && !containsUUID(f.Services, svc.UUID) {
			continue
		}
		b, ok := bindService(svc, ServiceBinding{})
		if !ok {
			continue
		}
		if b.WriteCharacteristicID != "" {
			return b, nil
		}
		if fallback == nil {
			fallback = &b
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return ServiceBinding{}, fmt.Errorf("%w (%d services inspected)", ErrNoBinding, len(services))
}

func bindService(svc GATTService, want ServiceBinding) (ServiceBinding, bool) {
	chars := svc.Characteristics
	b := ServiceBinding{ServiceID: svc.UUID}
	var ok bool

	if b.WriteCharacteristicID, ok = explicitOr(chars, want.WriteCharacteristicID, func(p Properties) bool {
		return p.Writable()
	}); !ok {
		return ServiceBinding{}, false
	}
	if b.NotifyCharacteristicID, ok = explicitOr(chars, want.NotifyCharacteristicID, func(p Properties) bool {
		return p.Notify || p.Indicate
	}); !ok {
		return ServiceBinding{}, false
	}
	if b.NotifyCharacteristicID == "" {
		b.NotifyCharacteristicID = first(chars, func(p Properties) bool { return p.Read })
	}
	if b.ReadCharacteristicID, ok = explicitOr(chars, want.ReadCharacteristicID, func(p Properties) bool {
		return p.Read
	}); !ok {
		return ServiceBinding{}, false
	}
	return b, b.NotifyCharacteristicID != ""
}

// explicitOr returns the characteristic named by id, or the first one
// matching pred when id is empty. It reports false when id names a
// characteristic the service does not have.
func explicitOr(chars []Characteristic, id string, pred func(Properties) bool) (string, bool) {
	if id == "" {
		return first(chars, pred), true
	}
	for _, c := range chars {
		if SameUUID(c.UUID, id) {
			return c.UUID, true
		}
	}
	return "", false
}

func first(chars []Characteristic, pred func(Properties) bool) string {
	for _, c := range chars {
		if pred(c.Properties) {
			return c.UUID
		}
	}
	return ""
}

func containsUUID(list []string, id string) bool {
	for _, u := range list {
		if SameUUID(u, id) {
			return true
		}
	}
	return false
}
