package xmessenger

import "time"

// Stamp is typed metadata attached to an Envelope.
// StampName identifies the kind for logging and header serialization.
type Stamp interface {
	StampName() string
}

// BusNameStamp records the bus an envelope was dispatched on.
type BusNameStamp struct {
	BusName string
}

func (BusNameStamp) StampName() string { return "bus_name" }

// ReceivedStamp marks an envelope as received from a transport.
// A RedeliveryCount above zero means the transport delivered it before.
type ReceivedStamp struct {
	TransportName   string
	RedeliveryCount int
}

func (ReceivedStamp) StampName() string { return "received" }

// DispatchAfterCurrentBusStamp defers handling until the outermost dispatch
// running on the same context has completed successfully.
type DispatchAfterCurrentBusStamp struct{}

func (DispatchAfterCurrentBusStamp) StampName() string { return "dispatch_after_current_bus" }

// ErrorDetailsStamp captures the failure that interrupted a dispatch.
type ErrorDetailsStamp struct {
	ErrorType string
	Message   string
	FailedAt  time.Time
}

func (ErrorDetailsStamp) StampName() string { return "error_details" }

// SentStamp is added once per transport the envelope was sent to.
type SentStamp struct {
	Transport string
}

func (SentStamp) StampName() string { return "sent" }

// HandledStamp is added once per handler that processed the envelope.
type HandledStamp struct {
	Handler string
	Result  any
}

func (HandledStamp) StampName() string { return "handled" }

// TransportMessageIDStamp carries the identifier a transport assigned on send or receive.
type TransportMessageIDStamp struct {
	ID string
}

func (TransportMessageIDStamp) StampName() string { return "transport_message_id" }

// SendAndHandleStamp asks the bus to invoke local handlers even after the
// envelope has been sent to its transports.
type SendAndHandleStamp struct{}

func (SendAndHandleStamp) StampName() string { return "send_and_handle" }

// SentToFailureTransportStamp marks envelopes forwarded to the failure transport.
type SentToFailureTransportStamp struct {
	OriginalReceiver string
}

func (SentToFailureTransportStamp) StampName() string { return "sent_to_failure_transport" }
