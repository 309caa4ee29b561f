package router

import (
	"encoding/json"
	"testing"

	"github.com/ruslanhut/ocpp-sim/internal/ocpp"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) Send(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeSender) lastFrame(t *testing.T) []interface{} {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatalf("no frame sent")
	}
	var arr []interface{}
	if err := json.Unmarshal(f.sent[len(f.sent)-1], &arr); err != nil {
		t.Fatalf("invalid frame json: %v", err)
	}
	return arr
}

func TestRouter_UnknownActionRepliesNotImplemented(t *testing.T) {
	sender := &fakeSender{}
	r := New(ocpp.NewRequestHistory(), sender, nil)

	call, _ := ocpp.NewCall("SomeUnknownAction", map[string]string{})
	data, _ := call.ToBytes()
	r.Dispatch(data)

	arr := sender.lastFrame(t)
	if int(arr[0].(float64)) != int(ocpp.MessageTypeCallError) {
		t.Fatalf("expected CALLERROR, got type %v", arr[0])
	}
	if arr[2] != string(ocpp.ErrorCodeNotImplemented) {
		t.Errorf("expected NotImplemented, got %v", arr[2])
	}
}

func TestRouter_HandlerPanicRepliesInternalError(t *testing.T) {
	sender := &fakeSender{}
	r := New(ocpp.NewRequestHistory(), sender, nil)
	r.HandleCall("Boom", func(payload json.RawMessage, ctx CallContext) (interface{}, error) {
		panic("kaboom")
	})

	call, _ := ocpp.NewCall("Boom", map[string]string{})
	data, _ := call.ToBytes()
	r.Dispatch(data)

	arr := sender.lastFrame(t)
	if arr[2] != string(ocpp.ErrorCodeInternalError) {
		t.Errorf("expected InternalError, got %v", arr[2])
	}
}

func TestRouter_CallHandlerRepliesWithResult(t *testing.T) {
	sender := &fakeSender{}
	r := New(ocpp.NewRequestHistory(), sender, nil)
	r.HandleCall("Heartbeat", func(payload json.RawMessage, ctx CallContext) (interface{}, error) {
		return map[string]string{"currentTime": "2026-01-01T00:00:00Z"}, nil
	})

	call, _ := ocpp.NewCall("Heartbeat", map[string]string{})
	data, _ := call.ToBytes()
	r.Dispatch(data)

	arr := sender.lastFrame(t)
	if int(arr[0].(float64)) != int(ocpp.MessageTypeCallResult) {
		t.Fatalf("expected CALLRESULT, got type %v", arr[0])
	}
	if arr[1] != call.UniqueID {
		t.Errorf("expected message id %s, got %v", call.UniqueID, arr[1])
	}
}

func TestRouter_SendCallCorrelatesResult(t *testing.T) {
	sender := &fakeSender{}
	history := ocpp.NewRequestHistory()
	r := New(history, sender, nil)

	var gotConnector int
	r.HandleResult("StartTransaction", func(payload json.RawMessage, ctx ResultContext) error {
		gotConnector = ctx.Request.ConnectorID
		return nil
	})

	msgID, err := r.SendCall("StartTransaction", map[string]string{"idTag": "DEADBEEF"}, 1)
	if err != nil {
		t.Fatalf("SendCall failed: %v", err)
	}
	if history.Len() != 1 {
		t.Fatalf("expected 1 in-flight request, got %d", history.Len())
	}

	result, _ := ocpp.NewCallResult(msgID, map[string]int{"transactionId": 42})
	data, _ := result.ToBytes()
	r.Dispatch(data)

	if gotConnector != 1 {
		t.Errorf("expected connector 1, got %d", gotConnector)
	}
	if history.Len() != 0 {
		t.Errorf("expected request removed from history after result, got %d remaining", history.Len())
	}
}

func TestRouter_CallErrorInvokesRecoveryAndClearsHistory(t *testing.T) {
	sender := &fakeSender{}
	history := ocpp.NewRequestHistory()
	r := New(history, sender, nil)

	var recovered bool
	r.HandleError("StartTransaction", func(code ocpp.ErrorCode, desc string, ctx ResultContext) {
		recovered = true
	})

	msgID, _ := r.SendCall("StartTransaction", map[string]string{"idTag": "X"}, 1)
	callErr, _ := ocpp.NewCallError(msgID, ocpp.ErrorCodeInternalError, "boom", nil)
	data, _ := callErr.ToBytes()
	r.Dispatch(data)

	if !recovered {
		t.Errorf("expected error handler to be invoked")
	}
	if history.Len() != 0 {
		t.Errorf("expected request cleared from history, got %d remaining", history.Len())
	}
}
