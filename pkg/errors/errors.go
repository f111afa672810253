package errors

import (
	goerrs "errors"
	"fmt"
	"time"

	"github.com/sessamekesh/routebus/pkg/message"
)

// Coded is implemented by every error that can cross a process boundary with
// a machine-checkable identity.
type Coded interface {
	error
	Code() string
	ClassName() string
}

const (
	CodeRpcTimeout          = "RPC_TIMEOUT"
	CodeRemote              = "REMOTE_ERROR"
	CodeRecursionCall       = "RECURSION_CALL"
	CodeTransactionDuration = "TRANSACTION_DURATION"
	CodeInvalidRoutePath    = "INVALID_ROUTE_PATH"
	CodeTransportInit       = "TRANSPORT_INIT"
	CodeDisposed            = "DISPOSED"
	CodeNameCollision       = "MODULE_ALREADY_REGISTERED"
	CodeRouterRpcTimeout    = "ROUTER_RPC_TIMEOUT"
	CodeNotStarted          = "NOT_STARTED"
	CodeMissingHop          = "MISSING_HOP"
	CodeRouteFiltered       = "ROUTE_FILTERED"
	CodeInternal            = "INTERNAL"
)

// RpcTimeoutError is returned to an execute caller when no reply arrived in time.
type RpcTimeoutError struct {
	Route         string
	CorrelationID string
	Timeout       time.Duration
	Call          *message.Message
}

func (e *RpcTimeoutError) Error() string {
	return fmt.Sprintf("RPC call to route '%s' (correlationId=%s) timed out after %s", e.Route, e.CorrelationID, e.Timeout)
}

func (e *RpcTimeoutError) Code() string      { return CodeRpcTimeout }
func (e *RpcTimeoutError) ClassName() string { return "RpcTimeoutError" }

// RemoteError carries a failure raised by a handler in another module. The
// remote call stack only ever travels as a string.
type RemoteError struct {
	ErrCode   string
	Class     string
	Message   string
	CallStack string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("Remote error (%s): %s", e.Class, e.Message)
}

func (e *RemoteError) Code() string      { return CodeRemote }
func (e *RemoteError) ClassName() string { return "RemoteError" }

// RemoteCode is the code of the error originally raised on the remote side.
func (e *RemoteError) RemoteCode() string { return e.ErrCode }

type RecursionCallError struct {
	Route     string
	CallStack []string
}

func (e *RecursionCallError) Error() string {
	return fmt.Sprintf("Recursive call detected: route '%s' already present in call stack %v", e.Route, e.CallStack)
}

func (e *RecursionCallError) Code() string      { return CodeRecursionCall }
func (e *RecursionCallError) ClassName() string { return "RecursionCallError" }

type TransactionDurationError struct {
	Route         string
	TransactionID string
	Elapsed       time.Duration
	MaxDuration   time.Duration
}

func (e *TransactionDurationError) Error() string {
	return fmt.Sprintf("Transaction %s exceeded max duration on route '%s': elapsed %s, max %s", e.TransactionID, e.Route, e.Elapsed, e.MaxDuration)
}

func (e *TransactionDurationError) Code() string      { return CodeTransactionDuration }
func (e *TransactionDurationError) ClassName() string { return "TransactionDurationError" }

type InvalidRoutePathError struct {
	Path        string
	MinSegments int
	Reason      string
}

func (e *InvalidRoutePathError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("Invalid route path '%s': %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("Invalid route path '%s': need at least %d segments", e.Path, e.MinSegments)
}

func (e *InvalidRoutePathError) Code() string      { return CodeInvalidRoutePath }
func (e *InvalidRoutePathError) ClassName() string { return "InvalidRoutePathError" }

type TransportInitError struct {
	Transport string
	Cause     error
}

func (e *TransportInitError) Error() string {
	return fmt.Sprintf("Failed to initialize transport %s: %v", e.Transport, e.Cause)
}

func (e *TransportInitError) Unwrap() error     { return e.Cause }
func (e *TransportInitError) Code() string      { return CodeTransportInit }
func (e *TransportInitError) ClassName() string { return "TransportInitError" }

type DisposedError struct {
	Component string
}

func (e *DisposedError) Error() string {
	return fmt.Sprintf("%s has been disposed", e.Component)
}

func (e *DisposedError) Code() string      { return CodeDisposed }
func (e *DisposedError) ClassName() string { return "DisposedError" }

// NameCollision is the ModuleAlreadyRegisteredError class: a setup-time name clash.
type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}

func (e *NameCollision) Code() string      { return CodeNameCollision }
func (e *NameCollision) ClassName() string { return "ModuleAlreadyRegisteredError" }

type RouterRpcTimeoutError struct {
	Route         string
	CorrelationID string
	Timeout       time.Duration
}

func (e *RouterRpcTimeoutError) Error() string {
	return fmt.Sprintf("Router RPC forward of route '%s' (correlationId=%s) timed out after %s", e.Route, e.CorrelationID, e.Timeout)
}

func (e *RouterRpcTimeoutError) Code() string      { return CodeRouterRpcTimeout }
func (e *RouterRpcTimeoutError) ClassName() string { return "RouterRpcTimeoutError" }

type NotStartedError struct {
	Component string
}

func (e *NotStartedError) Error() string {
	return fmt.Sprintf("%s has not been started", e.Component)
}

func (e *NotStartedError) Code() string      { return CodeNotStarted }
func (e *NotStartedError) ClassName() string { return "NotStartedError" }

// MissingHopError is returned by a tunnel asked to send to a peer it has no
// connection for.
type MissingHopError struct {
	Tunnel string
	HopID  string
}

func (e *MissingHopError) Error() string {
	return fmt.Sprintf("No connection for hop '%s' on tunnel '%s'", e.HopID, e.Tunnel)
}

func (e *MissingHopError) Code() string      { return CodeMissingHop }
func (e *MissingHopError) ClassName() string { return "MissingHopError" }

// RouteFilteredError answers an RPC that a router's outbound filters dropped.
type RouteFilteredError struct {
	Route string
}

func (e *RouteFilteredError) Error() string {
	return fmt.Sprintf("Route '%s' was dropped by the router's outbound filters", e.Route)
}

func (e *RouteFilteredError) Code() string      { return CodeRouteFiltered }
func (e *RouteFilteredError) ClassName() string { return "RouteFilteredError" }

// ToInfo converts any error into its wire shape. RemoteErrors pass through
// unchanged so a relayed failure keeps its original identity.
func ToInfo(err error) *message.ErrorInfo {
	if err == nil {
		return nil
	}

	var remote *RemoteError
	if goerrs.As(err, &remote) {
		return &message.ErrorInfo{
			Code:      remote.ErrCode,
			ClassName: remote.Class,
			Message:   remote.Message,
			CallStack: remote.CallStack,
		}
	}

	info := &message.ErrorInfo{
		Code:      CodeInternal,
		ClassName: fmt.Sprintf("%T", err),
		Message:   err.Error(),
		CallStack: fmt.Sprintf("%+v", err),
	}

	var coded Coded
	if goerrs.As(err, &coded) {
		info.Code = coded.Code()
		info.ClassName = coded.ClassName()
	}

	return info
}

// FromInfo rebuilds the caller-side view of a failed remote call.
func FromInfo(info *message.ErrorInfo) *RemoteError {
	if info == nil {
		return nil
	}
	return &RemoteError{
		ErrCode:   info.Code,
		Class:     info.ClassName,
		Message:   info.Message,
		CallStack: info.CallStack,
	}
}
