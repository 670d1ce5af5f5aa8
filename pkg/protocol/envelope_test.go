package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	temp := int32(4250)
	tests := []struct {
		name string
		msg  Message
	}{
		{"enrollment", Message{Kind: KindEnrollment, Enrollment: &Enrollment{
			Architecture: "ARM_CORTEX_M", McuType: "Mps2An385", PublicKey: []byte("pk-A"),
			FirmwareVersion: "1.0.0", HardwareID: "hw-001",
		}}},
		{"heartbeat", Message{Kind: KindHeartbeat, Heartbeat: &Heartbeat{
			UptimeSecs: 120, MemoryUsedBytes: 4096, CPUPercent: 12.5, AppCount: 2, TemperatureCentiC: &temp,
		}}},
		{"heartbeat no temp", Message{Kind: KindHeartbeat, Heartbeat: &Heartbeat{
			UptimeSecs: 1, MemoryUsedBytes: 1, CPUPercent: 0, AppCount: 0,
		}}},
		{"application status running", Message{Kind: KindApplicationStatus, ApplicationStatus: &ApplicationStatus{
			ApplicationName: "blink-v1", Phase: AppPhaseRunning,
		}}},
		{"application status failed", Message{Kind: KindApplicationStatus, ApplicationStatus: &ApplicationStatus{
			ApplicationName: "blink-v1", Phase: AppPhaseFailed, ErrorDetail: "oom",
		}}},
		{"error", Message{Kind: KindError, Error: &ErrorMessage{Code: ErrMalformedEnvelope, Message: "bad frame"}}},
		{"enrollment ack success", Message{Kind: KindEnrollmentAck, EnrollmentAck: &EnrollmentAck{
			Success: true, DeviceName: "device-hw-001",
		}}},
		{"enrollment ack failure", Message{Kind: KindEnrollmentAck, EnrollmentAck: &EnrollmentAck{
			Success: false, ErrorMessage: "NotPaired",
		}}},
		{"deploy", Message{Kind: KindDeploy, Deploy: &Deploy{
			ApplicationName: "blink-v1", WasmBytes: []byte{0x00, 0x61, 0x73, 0x6d},
			Config: DeployConfig{MemoryLimitBytes: 65536, CPUTimeLimitMs: 1000, AutoRestart: true, MaxRestarts: 3},
		}}},
		{"stop", Message{Kind: KindStop, Stop: &Stop{ApplicationName: "blink-v1"}}},
		{"disconnect", Message{Kind: KindDisconnect, Disconnect: &Disconnect{Reason: "Superseded"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnvelope(tt.msg)
			data, err := env.Marshal()
			require.NoError(t, err)

			got, err := Unmarshal(data)
			require.NoError(t, err)

			assert.Equal(t, env.MessageID, got.MessageID)
			assert.Equal(t, env.Version, got.Version)
			assert.Equal(t, tt.msg.Kind, got.Message.Kind)
			assert.Equal(t, tt.msg, got.Message)
		})
	}
}

func TestEnvelopeCorrelation(t *testing.T) {
	env := NewEnvelope(Message{Kind: KindStop, Stop: &Stop{ApplicationName: "a"}})
	corr := []byte("req-123")
	env = env.WithCorrelation(corr)

	data, err := env.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, corr, got.CorrelationID)
}

func TestVersionCompatibility(t *testing.T) {
	assert.True(t, CurrentVersion.CompatibleWith(Version{Major: 1, Minor: 9, Patch: 9}))
	assert.False(t, CurrentVersion.CompatibleWith(Version{Major: 2, Minor: 0, Patch: 0}))
}

func TestUnmarshalUnknownKindRejected(t *testing.T) {
	env := NewEnvelope(Message{Kind: KindStop, Stop: &Stop{ApplicationName: "a"}})
	data, err := env.Marshal()
	require.NoError(t, err)

	// Corrupt the encoded kind by re-encoding with an invalid kind directly
	// through marshalMessage to exercise the unknown-variant path.
	_, _, err = marshalMessage(Message{Kind: "not-a-real-kind"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	// A well-formed envelope still round-trips normally.
	_, err = Unmarshal(data)
	require.NoError(t, err)
}
