package protocol

import "strconv"

// Command names understood by spokes.
const (
	CmdQueryCapabilities = "query_capabilities"
	CmdStartRecording    = "start_recording"
	CmdStopRecording     = "stop_recording"
	CmdFlashSync         = "flash_sync"
	CmdTimeSync          = "time_sync"
	CmdTransferFiles     = "transfer_files"
	CmdRejoinSession     = "rejoin_session"
	CmdAuthChallenge     = "auth_challenge"
)

// Event names emitted by spokes.
const (
	EventPreviewFrame = "preview_frame"
)

// NewCommand builds a cmd envelope with optional payload fields.
func NewCommand(id int64, command string, fields map[string]any) Envelope {
	return Envelope{V: Version, ID: id, Type: TypeCommand, Command: command, Payload: fields}
}

// NewAck builds an ack envelope answering message id with a status.
func NewAck(ackID int64, status string) Envelope {
	return Envelope{V: Version, AckID: ackID, Type: TypeAck, Payload: map[string]any{"status": status}}
}

// NewError builds an error envelope answering message id.
func NewError(ackID int64, code, message string) Envelope {
	return Envelope{V: Version, AckID: ackID, Type: TypeError, Code: code, Message: message}
}

// NewEvent builds an event envelope with optional payload fields.
func NewEvent(name string, fields map[string]any) Envelope {
	return Envelope{V: Version, Type: TypeEvent, Name: name, Payload: fields}
}

// QueryCapabilities asks a spoke to report its recording capabilities.
func QueryCapabilities(id int64) Envelope {
	return NewCommand(id, CmdQueryCapabilities, nil)
}

// StartRecording tells a spoke to begin recording into session sessionID.
func StartRecording(id int64, sessionID string) Envelope {
	return NewCommand(id, CmdStartRecording, map[string]any{"session_id": sessionID})
}

// StopRecording tells a spoke to stop its current recording.
func StopRecording(id int64) Envelope {
	return NewCommand(id, CmdStopRecording, nil)
}

// FlashSync tells a spoke to fire and detect a synchronization flash.
func FlashSync(id int64) Envelope {
	return NewCommand(id, CmdFlashSync, nil)
}

// TimeSync carries one clock exchange request. t0 is the hub send
// timestamp in monotonic nanoseconds, sent as a string to survive JSON
// float64 precision limits.
func TimeSync(id int64, seq int, t0 int64) Envelope {
	return NewCommand(id, CmdTimeSync, map[string]any{"seq": seq, "t0": formatNanos(t0)})
}

// TransferFiles directs a spoke to upload its session archive to the
// aggregator at host:port.
func TransferFiles(id int64, host string, port int, sessionID string) Envelope {
	return NewCommand(id, CmdTransferFiles, map[string]any{
		"host": host, "port": port, "session_id": sessionID,
	})
}

// AuthChallenge asks a spoke to sign a challenge with its device secret.
// The ack carries signature, nonce, and timestamp fields.
func AuthChallenge(id int64, challenge, nonce string) Envelope {
	return NewCommand(id, CmdAuthChallenge, map[string]any{
		"challenge": challenge, "nonce": nonce,
	})
}

// RejoinSession re-announces the active session to a reconnected spoke.
func RejoinSession(id int64, sessionID string) Envelope {
	return NewCommand(id, CmdRejoinSession, map[string]any{"session_id": sessionID})
}

// PreviewFrame builds a live-preview event as a spoke would emit it.
func PreviewFrame(deviceID, jpegBase64 string, ts int64) Envelope {
	return NewEvent(EventPreviewFrame, map[string]any{
		"device_id": deviceID, "jpeg_base64": jpegBase64, "ts": formatNanos(ts),
	})
}

func formatNanos(ns int64) string {
	return strconv.FormatInt(ns, 10)
}
