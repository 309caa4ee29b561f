package v16

import (
	"encoding/json"
	"testing"
)

func TestSetChargingProfileRoundTrip(t *testing.T) {
	req := SetChargingProfileRequest{
		ConnectorId: 1,
		CsChargingProfiles: ChargingProfile{
			ChargingProfileId:      5,
			StackLevel:             1,
			ChargingProfilePurpose: "TxProfile",
			ChargingProfileKind:    "Absolute",
			ChargingSchedule: ChargingSchedule{
				ChargingRateUnit: "W",
				ChargingSchedulePeriod: []ChargingSchedulePeriod{
					{StartPeriod: 0, Limit: 7200},
					{StartPeriod: 1800, Limit: 3600},
				},
			},
		},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal SetChargingProfileRequest: %v", err)
	}

	var parsed SetChargingProfileRequest
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Failed to unmarshal SetChargingProfileRequest: %v", err)
	}
	if parsed.CsChargingProfiles.ChargingProfileId != req.CsChargingProfiles.ChargingProfileId {
		t.Errorf("ChargingProfileId mismatch: expected %d, got %d",
			req.CsChargingProfiles.ChargingProfileId, parsed.CsChargingProfiles.ChargingProfileId)
	}
	if len(parsed.CsChargingProfiles.ChargingSchedule.ChargingSchedulePeriod) != 2 {
		t.Errorf("expected 2 schedule periods, got %d", len(parsed.CsChargingProfiles.ChargingSchedule.ChargingSchedulePeriod))
	}
}

func TestClearChargingProfileRequest(t *testing.T) {
	id := 5
	req := ClearChargingProfileRequest{Id: &id, ChargingProfilePurpose: "TxProfile"}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal ClearChargingProfileRequest: %v", err)
	}

	var parsed ClearChargingProfileRequest
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Failed to unmarshal ClearChargingProfileRequest: %v", err)
	}
	if parsed.Id == nil || *parsed.Id != id {
		t.Errorf("Id mismatch: expected %d, got %v", id, parsed.Id)
	}
}

func TestGetCompositeScheduleResponse(t *testing.T) {
	connectorID := 1
	resp := GetCompositeScheduleResponse{
		Status:      "Accepted",
		ConnectorId: &connectorID,
		ChargingSchedule: &ChargingSchedule{
			ChargingRateUnit:       "W",
			ChargingSchedulePeriod: []ChargingSchedulePeriod{{StartPeriod: 0, Limit: 7200}},
		},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Failed to marshal GetCompositeScheduleResponse: %v", err)
	}

	var parsed GetCompositeScheduleResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Failed to unmarshal GetCompositeScheduleResponse: %v", err)
	}
	if parsed.ChargingSchedule == nil {
		t.Fatal("expected a non-nil ChargingSchedule")
	}
	if parsed.ChargingSchedule.ChargingSchedulePeriod[0].Limit != 7200 {
		t.Errorf("Limit mismatch: expected 7200, got %v", parsed.ChargingSchedule.ChargingSchedulePeriod[0].Limit)
	}
}
