package brokerapi

import "encoding/json"

// Kind discriminates the payload type carried in an Envelope, playing the role the
// original protobuf message type plays in the broker's real wire protocol.
type Kind string

const (
	KindAppAuth         Kind = "APP_AUTH"
	KindAccountAuth     Kind = "ACCOUNT_AUTH"
	KindSymbolList      Kind = "SYMBOL_LIST"
	KindNewOrder        Kind = "NEW_ORDER"
	KindOrderResponse   Kind = "ORDER_RESPONSE"
	KindAmendPosition   Kind = "AMEND_POSITION"
	KindClosePosition   Kind = "CLOSE_POSITION"
	KindCancelOrder     Kind = "CANCEL_ORDER"
	KindReconcile       Kind = "RECONCILE"
	KindReconcileResult Kind = "RECONCILE_RESULT"
	KindExecutionEvent  Kind = "EXECUTION_EVENT"
	KindHeartbeat       Kind = "HEARTBEAT"
	KindError           Kind = "ERROR"
)

// Envelope is the JSON frame exchanged over the wire transport. ID correlates a
// response to the request that produced it; it is zero on unsolicited pushes
// (heartbeats and execution events).
type Envelope struct {
	ID      int64           `json:"id,omitempty"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
