package protocol

// Kind discriminates the tagged union carried by an Envelope's Message
// field. The set is closed: devices and gateways that see an unrecognized
// Kind must reject it as ErrUnknownVariant.
type Kind string

const (
	KindEnrollment        Kind = "enrollment"
	KindHeartbeat         Kind = "heartbeat"
	KindApplicationStatus Kind = "application_status"
	KindError             Kind = "error"

	KindEnrollmentAck Kind = "enrollment_ack"
	KindDeploy        Kind = "deploy"
	KindStop          Kind = "stop"
	KindDisconnect    Kind = "disconnect"
)

// deviceInitiated and gatewayInitiated enumerate which Kinds a valid sender
// may originate, exposed through IsDeviceInitiated and IsGatewayInitiated.
// The session reader does not consult them: a gateway-only variant
// arriving from a device is handed to the Dispatcher like any other.
var deviceInitiated = map[Kind]bool{
	KindEnrollment:        true,
	KindHeartbeat:         true,
	KindApplicationStatus: true,
	KindError:             true,
	KindDisconnect:        true, // best-effort, device-initiated orderly close
}

var gatewayInitiated = map[Kind]bool{
	KindEnrollmentAck: true,
	KindDeploy:        true,
	KindStop:          true,
	KindDisconnect:    true,
}

// IsDeviceInitiated reports whether a Kind is legal as a message from a
// device to the gateway.
func IsDeviceInitiated(k Kind) bool { return deviceInitiated[k] }

// IsGatewayInitiated reports whether a Kind is legal as a message from the
// gateway to a device.
func IsGatewayInitiated(k Kind) bool { return gatewayInitiated[k] }

// Enrollment is sent by a device on first connection to claim an identity.
type Enrollment struct {
	Architecture    string `cbor:"1,keyasint"`
	McuType         string `cbor:"2,keyasint"`
	PublicKey       []byte `cbor:"3,keyasint"`
	FirmwareVersion string `cbor:"4,keyasint"`
	HardwareID      string `cbor:"5,keyasint"`
}

// Heartbeat is sent periodically by a connected device; it is the primary
// liveness signal and carries a resource-utilization snapshot.
type Heartbeat struct {
	UptimeSecs        uint64  `cbor:"1,keyasint"`
	MemoryUsedBytes   uint64  `cbor:"2,keyasint"`
	CPUPercent        float32 `cbor:"3,keyasint"`
	AppCount          uint32  `cbor:"4,keyasint"`
	TemperatureCentiC *int32  `cbor:"5,keyasint,omitempty"`
}

// ApplicationPhase is the device-reported lifecycle phase of one deployed
// application, as observed by the device's WASM runtime.
type ApplicationPhase string

const (
	AppPhaseRunning ApplicationPhase = "Running"
	AppPhaseFailed  ApplicationPhase = "Failed"
	AppPhaseStopped ApplicationPhase = "Stopped"
)

// ApplicationStatus reports a device-observed transition for one deployed
// application.
type ApplicationStatus struct {
	ApplicationName string           `cbor:"1,keyasint"`
	Phase           ApplicationPhase `cbor:"2,keyasint"`
	ErrorDetail     string           `cbor:"3,keyasint,omitempty"`
}

// ErrorMessage is a device-reported protocol or runtime error.
type ErrorMessage struct {
	Code    ErrorCode `cbor:"1,keyasint"`
	Message string    `cbor:"2,keyasint"`
}

// EnrollmentAck is the gateway's reply to an Enrollment.
type EnrollmentAck struct {
	Success      bool   `cbor:"1,keyasint"`
	DeviceName   string `cbor:"2,keyasint,omitempty"`
	ErrorMessage string `cbor:"3,keyasint,omitempty"`
}

// DeployConfig carries the device-side resource limits for one deployment.
type DeployConfig struct {
	MemoryLimitBytes uint64 `cbor:"1,keyasint"`
	CPUTimeLimitMs   uint64 `cbor:"2,keyasint"`
	AutoRestart      bool   `cbor:"3,keyasint"`
	MaxRestarts      uint32 `cbor:"4,keyasint"`
}

// Deploy instructs a device to load and run a WASM module.
type Deploy struct {
	ApplicationName string       `cbor:"1,keyasint"`
	WasmBytes       []byte       `cbor:"2,keyasint"`
	Config          DeployConfig `cbor:"3,keyasint"`
}

// Stop instructs a device to tear down a running application.
type Stop struct {
	ApplicationName string `cbor:"1,keyasint"`
}

// Disconnect asks the device to close the connection (gateway-initiated)
// or announces the device is about to close it (device-initiated); the
// direction of the envelope that carried it, not the Kind, distinguishes
// the two.
type Disconnect struct {
	Reason string `cbor:"1,keyasint"`
}

// Message is the tagged union carried by every Envelope. Exactly one of
// the typed fields is populated, selected by Kind.
type Message struct {
	Kind Kind

	Enrollment        *Enrollment
	Heartbeat         *Heartbeat
	ApplicationStatus *ApplicationStatus
	Error             *ErrorMessage
	EnrollmentAck     *EnrollmentAck
	Deploy            *Deploy
	Stop              *Stop
	Disconnect        *Disconnect
}
