package v16

import (
	"encoding/json"
	"testing"
	"time"
)

func TestReserveNowMessages(t *testing.T) {
	req := ReserveNowRequest{
		ConnectorId:   1,
		ExpiryDate:    DateTime{Time: time.Now().Add(time.Hour)},
		IdTag:         "TAG123",
		ReservationId: 7,
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal ReserveNowRequest: %v", err)
	}

	var parsed ReserveNowRequest
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Failed to unmarshal ReserveNowRequest: %v", err)
	}
	if parsed.ReservationId != req.ReservationId {
		t.Errorf("ReservationId mismatch: expected %d, got %d", req.ReservationId, parsed.ReservationId)
	}

	resp := ReserveNowResponse{Status: "Occupied"}
	respData, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Failed to marshal ReserveNowResponse: %v", err)
	}
	var parsedResp ReserveNowResponse
	if err := json.Unmarshal(respData, &parsedResp); err != nil {
		t.Fatalf("Failed to unmarshal ReserveNowResponse: %v", err)
	}
	if parsedResp.Status != resp.Status {
		t.Errorf("Status mismatch: expected %s, got %s", resp.Status, parsedResp.Status)
	}
}

func TestCancelReservationMessages(t *testing.T) {
	req := CancelReservationRequest{ReservationId: 7}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal CancelReservationRequest: %v", err)
	}
	var parsed CancelReservationRequest
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Failed to unmarshal CancelReservationRequest: %v", err)
	}
	if parsed.ReservationId != req.ReservationId {
		t.Errorf("ReservationId mismatch: expected %d, got %d", req.ReservationId, parsed.ReservationId)
	}
}
