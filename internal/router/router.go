// Package router dispatches decoded OCPP frames to per-action handlers and
// correlates inbound CALLRESULT/CALLERROR frames back to the outbound CALL
// that started them.
package router

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ruslanhut/ocpp-sim/internal/ocpp"
)

// Sender delivers an encoded frame to the CSMS. Implemented by the
// transport client.
type Sender interface {
	Send(data []byte) error
}

// CallContext carries the metadata a handler needs beyond the payload
// itself.
type CallContext struct {
	Action    string
	MessageID string
}

// CallHandler answers an inbound CALL with a response payload, or an error
// which the router converts into a CALLERROR.
type CallHandler func(payload json.RawMessage, ctx CallContext) (interface{}, error)

// ResultContext carries the InFlightRequest the result or error correlates
// to, recovered from RequestHistory by message id.
type ResultContext struct {
	Request ocpp.InFlightRequest
}

// ResultHandler reacts to a CALLRESULT for a previously sent CALL.
type ResultHandler func(payload json.RawMessage, ctx ResultContext) error

// ErrorHandler performs action-specific recovery for a CALLERROR received
// against a previously sent CALL.
type ErrorHandler func(errorCode ocpp.ErrorCode, errorDesc string, ctx ResultContext)

// HandlerError lets a CallHandler request a specific CALLERROR code instead
// of the default InternalError.
type HandlerError struct {
	Code        ocpp.ErrorCode
	Description string
}

func (e *HandlerError) Error() string { return string(e.Code) + ": " + e.Description }

// Router owns the action registries and the outbound request/response
// correlation for one ChargePoint.
type Router struct {
	logger  *slog.Logger
	history *ocpp.RequestHistory
	sender  Sender

	callHandlers   map[string]CallHandler
	resultHandlers map[string]ResultHandler
	errorHandlers  map[string]ErrorHandler
}

// New creates a Router bound to a RequestHistory and a frame Sender.
func New(history *ocpp.RequestHistory, sender Sender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:         logger,
		history:        history,
		sender:         sender,
		callHandlers:   make(map[string]CallHandler),
		resultHandlers: make(map[string]ResultHandler),
		errorHandlers:  make(map[string]ErrorHandler),
	}
}

// HandleCall registers the handler invoked for an inbound CALL of action.
func (r *Router) HandleCall(action string, h CallHandler) {
	r.callHandlers[action] = h
}

// HandleResult registers the handler invoked when a CALLRESULT arrives for
// a CALL this router previously sent under action.
func (r *Router) HandleResult(action string, h ResultHandler) {
	r.resultHandlers[action] = h
}

// HandleError registers the action-specific CALLERROR recovery handler.
func (r *Router) HandleError(action string, h ErrorHandler) {
	r.errorHandlers[action] = h
}

// SendCall encodes and sends a CALL, recording it in RequestHistory so the
// matching CALLRESULT/CALLERROR can be correlated back to it.
func (r *Router) SendCall(action string, payload interface{}, connectorID int) (string, error) {
	call, err := ocpp.NewCall(action, payload)
	if err != nil {
		return "", fmt.Errorf("encode %s call: %w", action, err)
	}
	r.history.Put(call.AsInFlightRequest(connectorID, payload))

	data, err := call.ToBytes()
	if err != nil {
		return "", fmt.Errorf("marshal %s call: %w", action, err)
	}
	if err := r.sender.Send(data); err != nil {
		r.logger.Warn("failed to send call", "action", action, "message_id", call.UniqueID, "error", err)
		return call.UniqueID, err
	}
	return call.UniqueID, nil
}

// ClearHistory drops every in-flight request. Called on the socket-reset
// path: a response can never arrive for a request sent on a previous
// socket.
func (r *Router) ClearHistory() {
	r.history.Clear()
}

// Dispatch decodes an inbound frame and routes it to the matching
// registered handler. It never returns an error for malformed or unhandled
// frames; those are logged and, where meaningful, answered with a
// CALLERROR.
func (r *Router) Dispatch(data []byte) {
	if err := ocpp.ValidateMessage(data); err != nil {
		r.rejectMalformed(data, err)
		return
	}

	msg, err := ocpp.ParseMessage(data)
	if err != nil {
		r.rejectMalformed(data, err)
		return
	}

	switch m := msg.(type) {
	case *ocpp.Call:
		r.dispatchCall(m)
	case *ocpp.CallResult:
		r.dispatchResult(m)
	case *ocpp.CallError:
		r.dispatchError(m)
	}
}

func (r *Router) dispatchCall(call *ocpp.Call) {
	handler, ok := r.callHandlers[call.Action]
	if !ok {
		r.sendCallError(call.UniqueID, ocpp.ErrorCodeNotImplemented, "no handler for action "+call.Action)
		return
	}

	response, herr := r.invokeCall(handler, call)
	if herr != nil {
		if he, ok := herr.(*HandlerError); ok {
			r.sendCallError(call.UniqueID, he.Code, he.Description)
			return
		}
		r.sendCallError(call.UniqueID, ocpp.ErrorCodeInternalError, herr.Error())
		return
	}

	result, err := ocpp.NewCallResult(call.UniqueID, response)
	if err != nil {
		r.sendCallError(call.UniqueID, ocpp.ErrorCodeInternalError, "failed to encode response")
		return
	}
	data, err := result.ToBytes()
	if err != nil {
		r.sendCallError(call.UniqueID, ocpp.ErrorCodeInternalError, "failed to marshal response")
		return
	}
	if err := r.sender.Send(data); err != nil {
		r.logger.Warn("failed to send call result", "action", call.Action, "error", err)
	}
}

// invokeCall calls the handler and recovers from a panic, converting it
// into an InternalError per the router's contract.
func (r *Router) invokeCall(handler CallHandler, call *ocpp.Call) (response interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("call handler panicked", "action", call.Action, "recovered", rec)
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(call.Payload, CallContext{Action: call.Action, MessageID: call.UniqueID})
}

func (r *Router) dispatchResult(result *ocpp.CallResult) {
	req, ok := r.history.Take(result.UniqueID)
	if !ok {
		r.logger.Warn("call result for unknown message id", "message_id", result.UniqueID)
		return
	}
	handler, ok := r.resultHandlers[req.Action]
	if !ok {
		return
	}
	if err := r.invokeResult(handler, result.Payload, req); err != nil {
		r.logger.Error("result handler failed", "action", req.Action, "error", err)
	}
}

func (r *Router) invokeResult(handler ResultHandler, payload json.RawMessage, req ocpp.InFlightRequest) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("result handler panicked", "action", req.Action, "recovered", rec)
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(payload, ResultContext{Request: req})
}

func (r *Router) dispatchError(callErr *ocpp.CallError) {
	req, ok := r.history.Take(callErr.UniqueID)
	if !ok {
		r.logger.Warn("call error for unknown message id", "message_id", callErr.UniqueID)
		return
	}
	handler, ok := r.errorHandlers[req.Action]
	if !ok {
		r.logger.Warn("unhandled call error", "action", req.Action, "code", callErr.ErrorCode, "description", callErr.ErrorDesc)
		return
	}
	handler(callErr.ErrorCode, callErr.ErrorDesc, ResultContext{Request: req})
}

// rejectMalformed is reached when a frame fails validation or decoding. A
// CALL whose message id is still recoverable gets a proper FormationViolation
// CALLERROR reply, per the OCPP requirement that a receiver always answers a
// CALL it rejects; anything else (a broken CALLRESULT/CALLERROR, or a frame
// too mangled to carry a usable id) is logged and dropped, since there is no
// pending request to answer.
func (r *Router) rejectMalformed(data []byte, cause error) {
	msgType, typeErr := ocpp.GetMessageType(data)
	if typeErr != nil || msgType != ocpp.MessageTypeCall {
		r.logger.Error("dropping unparseable frame", "error", cause)
		return
	}

	messageID, idErr := ocpp.GetMessageID(data)
	if idErr != nil {
		r.logger.Error("dropping unparseable call", "error", cause)
		return
	}

	r.logger.Warn("rejecting malformed call", "message_id", messageID, "error", cause)
	r.sendCallError(messageID, ocpp.ErrorCodeFormationViolation, cause.Error())
}

func (r *Router) sendCallError(messageID string, code ocpp.ErrorCode, desc string) {
	callErr, err := ocpp.NewCallError(messageID, code, desc, nil)
	if err != nil {
		r.logger.Error("failed to build call error", "error", err)
		return
	}
	data, err := callErr.ToBytes()
	if err != nil {
		r.logger.Error("failed to marshal call error", "error", err)
		return
	}
	if err := r.sender.Send(data); err != nil {
		r.logger.Warn("failed to send call error", "code", code, "error", err)
	}
}
