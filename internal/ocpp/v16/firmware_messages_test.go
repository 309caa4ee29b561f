package v16

import (
	"encoding/json"
	"testing"
	"time"
)

func TestGetDiagnosticsRoundTrip(t *testing.T) {
	retries := 3
	req := GetDiagnosticsRequest{
		Location:  "ftp://example.com/diagnostics",
		Retries:   &retries,
		StartTime: &DateTime{Time: time.Now()},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal GetDiagnosticsRequest: %v", err)
	}

	var parsed GetDiagnosticsRequest
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Failed to unmarshal GetDiagnosticsRequest: %v", err)
	}
	if parsed.Location != req.Location {
		t.Errorf("Location mismatch: expected %s, got %s", req.Location, parsed.Location)
	}
	if parsed.Retries == nil || *parsed.Retries != retries {
		t.Errorf("Retries mismatch: expected %d, got %v", retries, parsed.Retries)
	}
}

func TestUpdateFirmwareRoundTrip(t *testing.T) {
	req := UpdateFirmwareRequest{
		Location:     "ftp://example.com/firmware.bin",
		RetrieveDate: DateTime{Time: time.Now()},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal UpdateFirmwareRequest: %v", err)
	}

	var parsed UpdateFirmwareRequest
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Failed to unmarshal UpdateFirmwareRequest: %v", err)
	}
	if parsed.Location != req.Location {
		t.Errorf("Location mismatch: expected %s, got %s", req.Location, parsed.Location)
	}
}

func TestFirmwareStatusNotificationRequest(t *testing.T) {
	req := FirmwareStatusNotificationRequest{Status: "Installed"}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal FirmwareStatusNotificationRequest: %v", err)
	}
	var parsed FirmwareStatusNotificationRequest
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Failed to unmarshal FirmwareStatusNotificationRequest: %v", err)
	}
	if parsed.Status != req.Status {
		t.Errorf("Status mismatch: expected %s, got %s", req.Status, parsed.Status)
	}
}
