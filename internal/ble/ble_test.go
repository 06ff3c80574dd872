package ble

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Action
	}{
		{nil, ActionConnected},
		{&HardwareError{Code: CodeAlreadyConnected}, ActionConnected},
		{&HardwareError{Code: CodeNotInit}, ActionFatal},
		{&HardwareError{Code: CodeNotAvailable}, ActionFatal},
		{&HardwareError{Code: CodeConnectionFail}, ActionRescan},
		{&HardwareError{Code: CodeOperateTimeout}, ActionRescan},
		{&HardwareError{Code: CodeDuplicateConnection}, ActionRescan},
		{&HardwareError{Code: CodeBusy}, ActionBusyRetry},
		{&HardwareError{Code: 10008}, ActionRetry},
		{&HardwareError{Code: 424242}, ActionRetry},
		{errors.New("plain"), ActionRetry},
		{fmt.Errorf("wrapped: %w", &HardwareError{Code: CodeNotAvailable}), ActionFatal},
		{context.Canceled, ActionAbort},
		{fmt.Errorf("link: %w", context.Canceled), ActionAbort},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(&HardwareError{Code: CodeNotAvailable}) {
		t.Error("adapter unavailable reported retryable")
	}
	if !Retryable(&HardwareError{Code: CodeConnectionFail}) {
		t.Error("connect timeout not retryable")
	}
	if Retryable(context.Canceled) {
		t.Error("cancellation reported retryable")
	}
}

func TestHardwareErrorIs(t *testing.T) {
	err := fmt.Errorf("ctx: %w", NewError(CodeBusy, "gatt busy"))
	if !errors.Is(err, &HardwareError{Code: CodeBusy}) {
		t.Error("errors.Is did not match same code")
	}
	if errors.Is(err, &HardwareError{Code: CodeNoDevice}) {
		t.Error("errors.Is matched different code")
	}
	if CodeOf(err) != CodeBusy {
		t.Errorf("CodeOf = %d", CodeOf(err))
	}
	if CodeOf(errors.New("x")) != CodeSystemError {
		t.Error("CodeOf of foreign error")
	}
}

func TestNormalizeUUID(t *testing.T) {
	const full = "0000fff0-0000-1000-8000-00805f9b34fb"
	for _, in := range []string{"fff0", "FFF0", "0xFFF0", "0000fff0", "0000FFF0-0000-1000-8000-00805F9B34FB", " fff0 "} {
		if got := NormalizeUUID(in); got != full {
			t.Errorf("NormalizeUUID(%q) = %q", in, got)
		}
	}
	vendor := "6BA1B218-15A8-461F-9FA8-5DCAE273EAFD"
	if got := NormalizeUUID(vendor); got != "6ba1b218-15a8-461f-9fa8-5dcae273eafd" {
		t.Errorf("vendor uuid = %q", got)
	}
	if got := ShortUUID(full); got != "fff0" {
		t.Errorf("ShortUUID = %q", got)
	}
	if !SameUUID("fff1", "0000FFF1-0000-1000-8000-00805F9B34FB") {
		t.Error("SameUUID short vs long")
	}
	if got := NormalizeUUID("not-a-uuid"); got != "not-a-uuid" {
		t.Errorf("garbage normalised to %q", got)
	}
}

func TestResolveBindingExplicitTargets(t *testing.T) {
	services := []GATTService{
		{Service: Service{UUID: "0000180a-0000-1000-8000-00805f9b34fb"}, Characteristics: []Characteristic{
			{UUID: "00002a29-0000-1000-8000-00805f9b34fb", Properties: Properties{Read: true, Write: true}},
		}},
		{Service: Service{UUID: "0000FFF0-0000-1000-8000-00805F9B34FB"}, Characteristics: []Characteristic{
			{UUID: "0000FFF3-0000-1000-8000-00805F9B34FB", Properties: Properties{Write: true}},
			{UUID: "0000FFF1-0000-1000-8000-00805F9B34FB", Properties: Properties{WriteNoResponse: true}},
			{UUID: "0000FFF2-0000-1000-8000-00805F9B34FB", Properties: Properties{Notify: true, Read: true}},
		}},
	}
	f := Filter{Targets: []ServiceBinding{{
		ServiceID:              "fff0",
		WriteCharacteristicID:  "fff1",
		NotifyCharacteristicID: "fff2",
		ReadCharacteristicID:   "fff2",
	}}}
	b, err := ResolveBinding(f, services)
	if err != nil {
		t.Fatal(err)
	}
	want := ServiceBinding{
		ServiceID:              "0000FFF0-0000-1000-8000-00805F9B34FB",
		WriteCharacteristicID:  "0000FFF1-0000-1000-8000-00805F9B34FB",
		NotifyCharacteristicID: "0000FFF2-0000-1000-8000-00805F9B34FB",
		ReadCharacteristicID:   "0000FFF2-0000-1000-8000-00805F9B34FB",
	}
	if b != want {
		t.Errorf("binding = %+v, want %+v", b, want)
	}
}

func TestResolveBindingFallbacks(t *testing.T) {
	services := []GATTService{
		{Service: Service{UUID: "fff0"}, Characteristics: []Characteristic{
			{UUID: "a", Properties: Properties{Read: true}},
			{UUID: "b", Properties: Properties{Write: true}},
		}},
	}
	b, err := ResolveBinding(Filter{Services: []string{"fff0"}}, services)
	if err != nil {
		t.Fatal(err)
	}
	// no notify characteristic: the first readable one stands in
	if b.NotifyCharacteristicID != "a" || b.ReadCharacteristicID != "a" || b.WriteCharacteristicID != "b" {
		t.Errorf("binding = %+v", b)
	}

	if _, err := ResolveBinding(Filter{Services: []string{"ffe0"}}, services); !errors.Is(err, ErrNoBinding) {
		t.Errorf("service outside filter: err = %v", err)
	}
	writeOnly := []GATTService{{Service: Service{UUID: "fff0"}, Characteristics: []Characteristic{
		{UUID: "b", Properties: Properties{Write: true}},
	}}}
	if _, err := ResolveBinding(Filter{}, writeOnly); !errors.Is(err, ErrNoBinding) {
		t.Errorf("no notify or read characteristic: err = %v", err)
	}
}

func TestResolveBindingPrefersWritableService(t *testing.T) {
	services := []GATTService{
		{Service: Service{UUID: "180a"}, Characteristics: []Characteristic{
			{UUID: "2a29", Properties: Properties{Read: true}},
		}},
		{Service: Service{UUID: "fff0"}, Characteristics: []Characteristic{
			{UUID: "fff1", Properties: Properties{Write: true}},
			{UUID: "fff2", Properties: Properties{Notify: true}},
		}},
	}
	b, err := ResolveBinding(Filter{}, services)
	if err != nil {
		t.Fatal(err)
	}
	if b.ServiceID != "fff0" || b.WriteCharacteristicID != "fff1" {
		t.Errorf("binding = %+v", b)
	}

	// read-only peripheral still binds
	b, err = ResolveBinding(Filter{}, services[:1])
	if err != nil {
		t.Fatal(err)
	}
	if b.ServiceID != "180a" || b.NotifyCharacteristicID != "2a29" || b.WriteCharacteristicID != "" {
		t.Errorf("read-only binding = %+v", b)
	}
}

func TestResolveBindingNotifyOnlyTarget(t *testing.T) {
	services := []GATTService{{Service: Service{UUID: "fff0"}, Characteristics: []Characteristic{
		{UUID: "fff2", Properties: Properties{Notify: true}},
	}}}
	f := Filter{Targets: []ServiceBinding{{ServiceID: "fff0", NotifyCharacteristicID: "fff2"}}}
	b, err := ResolveBinding(f, services)
	if err != nil {
		t.Fatalf("notify-only target: %v", err)
	}
	if b.NotifyCharacteristicID != "fff2" || b.WriteCharacteristicID != "" {
		t.Errorf("binding = %+v", b)
	}
}

func TestResolveBindingMissingExplicitCharacteristic(t *testing.T) {
	services := []GATTService{{Service: Service{UUID: "fff0"}, Characteristics: []Characteristic{
		{UUID: "fff1", Properties: Properties{Write: true}},
		{UUID: "fff2", Properties: Properties{Notify: true}},
	}}}

	missing := ServiceBinding{ServiceID: "fff0", WriteCharacteristicID: "ffe9"}
	if b, err := ResolveBinding(Filter{Targets: []ServiceBinding{missing}}, services); !errors.Is(err, ErrNoBinding) {
		t.Errorf("binding = %+v err = %v, want ErrNoBinding", b, err)
	}

	// the next target is tried
	f := Filter{Targets: []ServiceBinding{missing, {ServiceID: "fff0", WriteCharacteristicID: "fff1"}}}
	b, err := ResolveBinding(f, services)
	if err != nil {
		t.Fatal(err)
	}
	if b.WriteCharacteristicID != "fff1" || b.NotifyCharacteristicID != "fff2" {
		t.Errorf("binding = %+v", b)
	}
}
