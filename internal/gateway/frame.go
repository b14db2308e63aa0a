package gateway

import (
    "encoding/json"

    "github.com/gobwas/ws"
    "github.com/vmihailenco/msgpack/v5"

    "gridx.coordinator/internal/registry"
)

const (
    TypeHello      = "hello"
    TypeHelloAck   = "hello_ack"
    TypeHeartbeat  = "hb"
    TypeAssignJob  = "assign_job"
    TypeJobStarted = "job_started"
    TypeJobResult  = "job_result"
    TypeError      = "error"
    TypeAuthError  = "auth_error"
)

// Frame is the single message envelope exchanged with workers. Which
// fields are set depends on Type.
type Frame struct {
    Type string `json:"type" msgpack:"type"`

    // hello / hello_ack
    WorkerID  string                 `json:"worker_id,omitempty" msgpack:"worker_id,omitempty"`
    OwnerID   string                 `json:"owner_id,omitempty" msgpack:"owner_id,omitempty"`
    AuthToken string                 `json:"auth_token,omitempty" msgpack:"auth_token,omitempty"`
    Caps      *registry.Capabilities `json:"caps,omitempty" msgpack:"caps,omitempty"`
    Format    string                 `json:"format,omitempty" msgpack:"format,omitempty"`

    // assign_job / job_started / job_result
    JobID    string           `json:"job_id,omitempty" msgpack:"job_id,omitempty"`
    UserID   string           `json:"user_id,omitempty" msgpack:"user_id,omitempty"`
    Code     string           `json:"code,omitempty" msgpack:"code,omitempty"`
    Language string           `json:"language,omitempty" msgpack:"language,omitempty"`
    Limits   *registry.Limits `json:"limits,omitempty" msgpack:"limits,omitempty"`
    ExitCode *int             `json:"exit_code,omitempty" msgpack:"exit_code,omitempty"`
    Stdout   string           `json:"stdout,omitempty" msgpack:"stdout,omitempty"`
    Stderr   string           `json:"stderr,omitempty" msgpack:"stderr,omitempty"`

    Error string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Codec is the wire format negotiated in hello. The hello frame itself is
// always JSON.
type Codec interface {
    Encode(f *Frame) ([]byte, error)
    Decode(data []byte) (*Frame, error)
    Name() string
    OpCode() ws.OpCode
}

const (
    CodecJSON    = "json"
    CodecMsgpack = "msgpack"
)

// CodecFor returns the codec for name, falling back to JSON.
func CodecFor(name string) Codec {
    if name == CodecMsgpack {
        return MsgpackCodec{}
    }
    return JSONCodec{}
}

type JSONCodec struct{}

func (JSONCodec) Encode(f *Frame) ([]byte, error) { return json.Marshal(f) }

func (JSONCodec) Decode(data []byte) (*Frame, error) {
    var f Frame
    if err := json.Unmarshal(data, &f); err != nil {
        return nil, err
    }
    return &f, nil
}

func (JSONCodec) Name() string      { return CodecJSON }
func (JSONCodec) OpCode() ws.OpCode { return ws.OpText }

type MsgpackCodec struct{}

func (MsgpackCodec) Encode(f *Frame) ([]byte, error) { return msgpack.Marshal(f) }

func (MsgpackCodec) Decode(data []byte) (*Frame, error) {
    var f Frame
    if err := msgpack.Unmarshal(data, &f); err != nil {
        return nil, err
    }
    return &f, nil
}

func (MsgpackCodec) Name() string      { return CodecMsgpack }
func (MsgpackCodec) OpCode() ws.OpCode { return ws.OpBinary }
