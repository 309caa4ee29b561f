package chargepoint

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ruslanhut/ocpp-sim/internal/boundary"
	"github.com/ruslanhut/ocpp-sim/internal/cplog"
	"github.com/ruslanhut/ocpp-sim/internal/eventbus"
	"github.com/ruslanhut/ocpp-sim/internal/fsm"
	"github.com/ruslanhut/ocpp-sim/internal/ocpp"
	"github.com/ruslanhut/ocpp-sim/internal/ocpp/v16"
	"github.com/ruslanhut/ocpp-sim/internal/reservation"
	"github.com/ruslanhut/ocpp-sim/internal/router"
)

// resetDelay mirrors a real EVSE's brief pause before it actually reboots
// in response to a Reset CALL.
const resetDelay = 5 * time.Second

// SetUploadSink wires the collaborator GetDiagnostics uploads files
// through. Defaults to a no-op sink until called.
func (cp *ChargePoint) SetUploadSink(sink boundary.FileUploadSink) {
	cp.mu.Lock()
	cp.uploadSink = sink
	cp.mu.Unlock()
}

// registerHandlers wires every inbound CALL and outbound-CALL result/error
// handler this charge point answers.
func (cp *ChargePoint) registerHandlers() {
	r := cp.router

	r.HandleResult(string(v16.ActionBootNotification), cp.onBootNotificationResult)
	r.HandleResult(string(v16.ActionStartTransaction), cp.onStartTransactionResult)
	r.HandleResult(string(v16.ActionStopTransaction), cp.onStopTransactionResult)
	r.HandleResult(string(v16.ActionHeartbeat), noopResult)
	r.HandleResult(string(v16.ActionMeterValues), noopResult)
	r.HandleResult(string(v16.ActionAuthorize), cp.onAuthorizeResult)

	r.HandleError(string(v16.ActionStartTransaction), cp.onStartTransactionError)

	r.HandleCall(string(v16.ActionRemoteStartTransaction), cp.handleRemoteStartTransaction)
	r.HandleCall(string(v16.ActionRemoteStopTransaction), cp.handleRemoteStopTransaction)
	r.HandleCall(string(v16.ActionReset), cp.handleReset)
	r.HandleCall(string(v16.ActionGetConfiguration), cp.handleGetConfiguration)
	r.HandleCall(string(v16.ActionChangeConfiguration), cp.handleChangeConfiguration)
	r.HandleCall(string(v16.ActionClearCache), cp.handleClearCache)
	r.HandleCall(string(v16.ActionGetDiagnostics), cp.handleGetDiagnostics)
	r.HandleCall(string(v16.ActionReserveNow), cp.handleReserveNow)
	r.HandleCall(string(v16.ActionCancelReservation), cp.handleCancelReservation)
	r.HandleCall(string(v16.ActionChangeAvailability), cp.handleChangeAvailability)
	r.HandleCall(string(v16.ActionUnlockConnector), cp.handleUnlockConnector)
	r.HandleCall(string(v16.ActionDataTransfer), cp.handleDataTransfer)
	r.HandleCall(string(v16.ActionTriggerMessage), cp.handleTriggerMessage)
	r.HandleCall(string(v16.ActionSetChargingProfile), cp.handleSetChargingProfile)
	r.HandleCall(string(v16.ActionClearChargingProfile), cp.handleClearChargingProfile)
	r.HandleCall(string(v16.ActionGetCompositeSchedule), cp.handleGetCompositeSchedule)
}

func noopResult(payload json.RawMessage, ctx router.ResultContext) error { return nil }

// onBootNotificationResult is the sole site that applies Accepted side
// effects: the charge point goes Available and every connector resets
// to its baseline.
func (cp *ChargePoint) onBootNotificationResult(payload json.RawMessage, ctx router.ResultContext) error {
	var resp v16.BootNotificationResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decode BootNotification response: %w", err)
	}
	if resp.Status != v16.RegistrationStatusAccepted {
		cp.logger.Warn(cp.clk.Now(), "ocpp", "BootNotification not accepted: "+string(resp.Status), nil)
		return nil
	}

	cp.setStatus(StatusAvailable)
	for _, id := range cp.ConnectorIDs() {
		c := cp.Connector(id)
		if c == nil {
			continue
		}
		if cp.autoResetToAvail && c.Status() != fsm.StatusAvailable {
			if kind, ok := c.FSM.EventFor(fsm.StatusAvailable); ok {
				_ = c.FSM.Fire(fsm.Event{Kind: kind})
			}
		}
	}
	if resp.Interval > 0 {
		_ = cp.StartHeartbeat(time.Duration(resp.Interval) * time.Second)
	}
	return nil
}

func (cp *ChargePoint) onStartTransactionResult(payload json.RawMessage, ctx router.ResultContext) error {
	connectorID := ctx.Request.ConnectorID
	cp.mu.Lock()
	delete(cp.inFlightStart, connectorID)
	cp.mu.Unlock()

	var resp v16.StartTransactionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decode StartTransaction response: %w", err)
	}

	c := cp.Connector(connectorID)
	if c == nil {
		return fmt.Errorf("StartTransaction response for unknown connector %d", connectorID)
	}

	if resp.IdTagInfo.Status != v16.AuthorizationStatusAccepted {
		if err := c.FSM.Fire(fsm.Event{Kind: fsm.EventError, ErrorCode: "StartTransactionRejected"}); err != nil {
			cp.logger.Error(cp.clk.Now(), "ocpp", err.Error(), nil)
		}
		c.clearTransaction()
		return nil
	}

	_, _, tx := c.snapshot()
	if tx != nil {
		tx.ID = resp.TransactionId
	}

	if strategy, ok := cp.defaultAutoMeterStrategy(); ok {
		meterStart, _, _ := c.snapshot()
		c.startAutoMeter(cp.clk, strategy, meterStart, cp.autoMeterSend)
	}

	cp.bus.Publish(eventbus.Event{Subject: "transactionAssigned", Data: map[string]interface{}{
		"connectorId":   connectorID,
		"transactionId": resp.TransactionId,
	}})
	return nil
}

func (cp *ChargePoint) onStartTransactionError(code ocpp.ErrorCode, desc string, ctx router.ResultContext) {
	c := cp.Connector(ctx.Request.ConnectorID)
	if c == nil {
		return
	}
	c.clearTransaction()
	if kind, ok := c.FSM.EventFor(fsm.StatusAvailable); ok {
		_ = c.FSM.Fire(fsm.Event{Kind: kind})
	}
}

func (cp *ChargePoint) onStopTransactionResult(payload json.RawMessage, ctx router.ResultContext) error {
	return nil
}

func (cp *ChargePoint) onAuthorizeResult(payload json.RawMessage, ctx router.ResultContext) error {
	var resp v16.AuthorizeResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decode Authorize response: %w", err)
	}
	cp.bus.Publish(eventbus.Event{Subject: "authorizeResult", Data: map[string]interface{}{
		"status": string(resp.IdTagInfo.Status),
	}})
	return nil
}

func (cp *ChargePoint) handleRemoteStartTransaction(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	var req v16.RemoteStartTransactionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &router.HandlerError{Code: ocpp.ErrorCodeFormationViolation, Description: err.Error()}
	}
	if req.ConnectorId == nil {
		return v16.RemoteStartTransactionResponse{Status: "Rejected"}, nil
	}
	connectorID := *req.ConnectorId
	c := cp.Connector(connectorID)
	if c == nil || c.Status() == fsm.StatusFaulted || c.Status() == fsm.StatusUnavailable {
		return v16.RemoteStartTransactionResponse{Status: "Rejected"}, nil
	}

	if cp.IsScenarioHandled(connectorID) {
		cp.NotifyRemoteStartReceived(connectorID, req.IdTag)
		return v16.RemoteStartTransactionResponse{Status: "Accepted"}, nil
	}

	if err := cp.StartTransaction(connectorID, req.IdTag, nil, nil); err != nil {
		return v16.RemoteStartTransactionResponse{Status: "Rejected"}, nil
	}
	return v16.RemoteStartTransactionResponse{Status: "Accepted"}, nil
}

func (cp *ChargePoint) handleRemoteStopTransaction(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	var req v16.RemoteStopTransactionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &router.HandlerError{Code: ocpp.ErrorCodeFormationViolation, Description: err.Error()}
	}

	for _, id := range cp.ConnectorIDs() {
		c := cp.Connector(id)
		if c == nil {
			continue
		}
		_, _, tx := c.snapshot()
		if tx != nil && tx.ID == req.TransactionId {
			if kind, ok := c.FSM.EventFor(fsm.StatusSuspendedEVSE); ok {
				_ = c.FSM.Fire(fsm.Event{Kind: kind})
			}
			_ = cp.StopTransaction(id)
			return v16.RemoteStopTransactionResponse{Status: "Accepted"}, nil
		}
	}
	return v16.RemoteStopTransactionResponse{Status: "Rejected"}, nil
}

func (cp *ChargePoint) handleReset(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	var req v16.ResetRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &router.HandlerError{Code: ocpp.ErrorCodeFormationViolation, Description: err.Error()}
	}
	cp.clk.AfterFunc(resetDelay, func() {
		if req.Type == "Hard" {
			_ = cp.Reset()
		} else {
			_ = cp.Boot()
		}
	})
	return v16.ResetResponse{Status: "Accepted"}, nil
}

func (cp *ChargePoint) handleGetConfiguration(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	var req v16.GetConfigurationRequest
	_ = json.Unmarshal(payload, &req)

	known := cp.configurationKeys()
	if len(req.Key) == 0 {
		return v16.GetConfigurationResponse{ConfigurationKey: known}, nil
	}

	var values []v16.KeyValue
	var unknown []string
	for _, k := range req.Key {
		found := false
		for _, kv := range known {
			if kv.Key == k {
				values = append(values, kv)
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, k)
		}
	}
	return v16.GetConfigurationResponse{ConfigurationKey: values, UnknownKey: unknown}, nil
}

func (cp *ChargePoint) configurationKeys() []v16.KeyValue {
	cp.mu.Lock()
	secs := cp.heartbeatSecs
	connectors := len(cp.connectors)
	cp.mu.Unlock()
	return []v16.KeyValue{
		{Key: "HeartbeatInterval", Value: fmt.Sprintf("%d", secs)},
		{Key: "NumberOfConnectors", Readonly: true, Value: fmt.Sprintf("%d", connectors)},
	}
}

// handleChangeConfiguration applies the one writable key this charge
// point exposes. A read-only key is Rejected, an unrecognized one
// NotSupported.
func (cp *ChargePoint) handleChangeConfiguration(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	var req v16.ChangeConfigurationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &router.HandlerError{Code: ocpp.ErrorCodeFormationViolation, Description: err.Error()}
	}

	switch req.Key {
	case "HeartbeatInterval":
		secs, err := strconv.Atoi(req.Value)
		if err != nil || secs <= 0 {
			return v16.ChangeConfigurationResponse{Status: "Rejected"}, nil
		}
		cp.mu.Lock()
		running := cp.heartbeat != nil
		cp.heartbeatSecs = secs
		cp.mu.Unlock()
		if running {
			if err := cp.StartHeartbeat(time.Duration(secs) * time.Second); err != nil {
				return v16.ChangeConfigurationResponse{Status: "Rejected"}, nil
			}
		}
		return v16.ChangeConfigurationResponse{Status: "Accepted"}, nil

	case "NumberOfConnectors":
		return v16.ChangeConfigurationResponse{Status: "Rejected"}, nil

	default:
		return v16.ChangeConfigurationResponse{Status: "NotSupported"}, nil
	}
}

func (cp *ChargePoint) handleClearCache(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	return v16.ClearCacheResponse{Status: "Accepted"}, nil
}

func (cp *ChargePoint) handleGetDiagnostics(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	var req v16.GetDiagnosticsRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &router.HandlerError{Code: ocpp.ErrorCodeFormationViolation, Description: err.Error()}
	}

	const fileName = "diagnostics.txt"
	go func(location string) {
		var buf []byte
		for _, e := range cp.logger.Query(cplog.Filter{}) {
			buf = append(buf, []byte(e.Message+"\n")...)
		}
		sink := cp.uploadSinkOrNoop()
		_ = sink.Upload(location, fileName, buf)
	}(req.Location)

	return v16.GetDiagnosticsResponse{FileName: fileName}, nil
}

func (cp *ChargePoint) handleReserveNow(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	var req v16.ReserveNowRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &router.HandlerError{Code: ocpp.ErrorCodeFormationViolation, Description: err.Error()}
	}

	if req.ConnectorId != 0 {
		c := cp.Connector(req.ConnectorId)
		if c == nil {
			return v16.ReserveNowResponse{Status: "Rejected"}, nil
		}
		switch c.Status() {
		case fsm.StatusFaulted:
			return v16.ReserveNowResponse{Status: "Faulted"}, nil
		case fsm.StatusUnavailable:
			return v16.ReserveNowResponse{Status: "Unavailable"}, nil
		}
		if c.hasTransaction() {
			return v16.ReserveNowResponse{Status: "Occupied"}, nil
		}
	}
	if !req.ExpiryDate.Time.After(cp.clk.Now()) {
		return v16.ReserveNowResponse{Status: "Rejected"}, nil
	}
	if _, exists := cp.reserv.ForConnector(req.ConnectorId); exists {
		return v16.ReserveNowResponse{Status: "Occupied"}, nil
	}

	ok := cp.reserv.Create(reservation.Reservation{
		ID:          req.ReservationId,
		ConnectorID: req.ConnectorId,
		IDTag:       req.IdTag,
		ParentIDTag: req.ParentIdTag,
		ExpiryDate:  req.ExpiryDate.Time,
	})
	if !ok {
		return v16.ReserveNowResponse{Status: "Occupied"}, nil
	}

	if req.ConnectorId != 0 {
		if c := cp.Connector(req.ConnectorId); c != nil {
			if kind, found := c.FSM.EventFor(fsm.StatusReserved); found {
				_ = c.FSM.Fire(fsm.Event{Kind: kind})
			}
		}
	}
	cp.bus.Publish(eventbus.Event{Subject: "reservation.created", Data: map[string]interface{}{
		"reservationId": req.ReservationId,
		"connectorId":   req.ConnectorId,
		"idTag":         req.IdTag,
	}})
	return v16.ReserveNowResponse{Status: "Accepted"}, nil
}

func (cp *ChargePoint) handleCancelReservation(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	var req v16.CancelReservationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &router.HandlerError{Code: ocpp.ErrorCodeFormationViolation, Description: err.Error()}
	}
	r, ok := cp.reserv.Cancel(req.ReservationId)
	if !ok {
		return v16.CancelReservationResponse{Status: "Rejected"}, nil
	}
	if r.ConnectorID != 0 {
		if c := cp.Connector(r.ConnectorID); c != nil && c.Status() == fsm.StatusReserved {
			if kind, found := c.FSM.EventFor(fsm.StatusAvailable); found {
				_ = c.FSM.Fire(fsm.Event{Kind: kind})
			}
		}
	}
	cp.bus.Publish(eventbus.Event{Subject: "reservation.cancelled", Data: map[string]interface{}{
		"reservationId": req.ReservationId,
		"connectorId":   r.ConnectorID,
	}})
	return v16.CancelReservationResponse{Status: "Accepted"}, nil
}

func (cp *ChargePoint) handleChangeAvailability(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	var req v16.ChangeAvailabilityRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &router.HandlerError{Code: ocpp.ErrorCodeFormationViolation, Description: err.Error()}
	}
	avail := fsm.Operative
	if req.Type == "Inoperative" {
		avail = fsm.Inoperative
	}
	if req.ConnectorId == 0 {
		if avail == fsm.Inoperative {
			cp.setStatus(StatusUnavailable)
		} else {
			cp.setStatus(StatusAvailable)
		}
		for _, id := range cp.ConnectorIDs() {
			_ = cp.UpdateConnectorAvailability(id, avail)
		}
		return v16.ChangeAvailabilityResponse{Status: "Accepted"}, nil
	}
	if err := cp.UpdateConnectorAvailability(req.ConnectorId, avail); err != nil {
		return v16.ChangeAvailabilityResponse{Status: "Rejected"}, nil
	}
	return v16.ChangeAvailabilityResponse{Status: "Accepted"}, nil
}

func (cp *ChargePoint) handleUnlockConnector(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	var req v16.UnlockConnectorRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &router.HandlerError{Code: ocpp.ErrorCodeFormationViolation, Description: err.Error()}
	}
	if cp.Connector(req.ConnectorId) == nil {
		return v16.UnlockConnectorResponse{Status: "NotSupported"}, nil
	}
	return v16.UnlockConnectorResponse{Status: "Unlocked"}, nil
}

func (cp *ChargePoint) handleDataTransfer(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	return v16.DataTransferResponse{Status: "UnknownVendorId"}, nil
}

func (cp *ChargePoint) handleTriggerMessage(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	var req v16.TriggerMessageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &router.HandlerError{Code: ocpp.ErrorCodeFormationViolation, Description: err.Error()}
	}
	switch req.RequestedMessage {
	case string(v16.ActionHeartbeat):
		go func() { _ = cp.SendHeartbeat() }()
	case string(v16.ActionBootNotification):
		go func() { _ = cp.Boot() }()
	default:
		return v16.TriggerMessageResponse{Status: "NotImplemented"}, nil
	}
	return v16.TriggerMessageResponse{Status: "Accepted"}, nil
}

// handleSetChargingProfile stores the profile on the target connector (or,
// for ConnectorId=0, every connector). No power limit is enforced on the
// simulated meter curve: smart-charging enforcement is out of scope, the
// profile is kept only so GetCompositeSchedule has something to echo.
func (cp *ChargePoint) handleSetChargingProfile(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	var req v16.SetChargingProfileRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &router.HandlerError{Code: ocpp.ErrorCodeFormationViolation, Description: err.Error()}
	}
	if req.ConnectorId == 0 {
		for _, id := range cp.ConnectorIDs() {
			if c := cp.Connector(id); c != nil {
				c.setProfile(req.CsChargingProfiles)
			}
		}
		return v16.SetChargingProfileResponse{Status: "Accepted"}, nil
	}
	c := cp.Connector(req.ConnectorId)
	if c == nil {
		return v16.SetChargingProfileResponse{Status: "Rejected"}, nil
	}
	c.setProfile(req.CsChargingProfiles)
	return v16.SetChargingProfileResponse{Status: "Accepted"}, nil
}

// handleClearChargingProfile removes stored profiles matching the
// request's filters across every connector (or just ConnectorId if set).
func (cp *ChargePoint) handleClearChargingProfile(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	var req v16.ClearChargingProfileRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &router.HandlerError{Code: ocpp.ErrorCodeFormationViolation, Description: err.Error()}
	}
	ids := cp.ConnectorIDs()
	if req.ConnectorId != nil {
		ids = []int{*req.ConnectorId}
	}
	removed := 0
	for _, id := range ids {
		if c := cp.Connector(id); c != nil {
			removed += c.clearProfiles(req.Id, req.ChargingProfilePurpose, req.StackLevel)
		}
	}
	if removed == 0 {
		return v16.ClearChargingProfileResponse{Status: "Unknown"}, nil
	}
	return v16.ClearChargingProfileResponse{Status: "Accepted"}, nil
}

// handleGetCompositeSchedule echoes back the highest-stack-level stored
// profile's schedule for the connector. No actual composition or clipping
// to the requested duration happens beyond reporting it back in the
// response.
func (cp *ChargePoint) handleGetCompositeSchedule(payload json.RawMessage, ctx router.CallContext) (interface{}, error) {
	var req v16.GetCompositeScheduleRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &router.HandlerError{Code: ocpp.ErrorCodeFormationViolation, Description: err.Error()}
	}
	c := cp.Connector(req.ConnectorId)
	if c == nil {
		return v16.GetCompositeScheduleResponse{Status: "Rejected"}, nil
	}
	schedule, ok := c.compositeSchedule()
	if !ok {
		return v16.GetCompositeScheduleResponse{Status: "Rejected"}, nil
	}
	connectorID := req.ConnectorId
	now := v16.DateTime{Time: cp.clk.Now()}
	return v16.GetCompositeScheduleResponse{
		Status:           "Accepted",
		ConnectorId:      &connectorID,
		ScheduleStart:    &now,
		ChargingSchedule: &schedule,
	}, nil
}
