// Package protocol defines the messages exchanged between the board UI and
// the host.
//
// Every message is an Envelope: a type tag, an optional request id echoed
// in the response, and a type-specific payload. Inbound payloads are
// decoded into their concrete struct and validated field by field before
// anything else sees them.
//
// Wire format:
//
//	{"type":"column.load","requestId":"8f1c...","payload":{"column":"ready","offset":0,"limit":50}}
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/steveyegge/beadsboard/internal/errs"
	"github.com/steveyegge/beadsboard/internal/types"
)

// Type tags a message.
type Type string

// Request types, sent by the UI.
const (
	BoardLoad        Type = "board.load"
	BoardRefresh     Type = "board.refresh"
	ColumnLoad       Type = "column.load"
	ColumnLoadMore   Type = "column.loadMore"
	ItemDetail       Type = "item.detail"
	ItemCreate       Type = "item.create"
	ItemUpdate       Type = "item.update"
	ItemStatus       Type = "item.status"
	ItemDelete       Type = "item.delete"
	CommentAdd       Type = "comment.add"
	LabelAdd         Type = "label.add"
	LabelRemove      Type = "label.remove"
	DependencyAdd    Type = "dependency.add"
	DependencyRemove Type = "dependency.remove"
)

// Response and notification types, sent by the host. item.detail is used
// in both directions.
const (
	BoardSnapshot Type = "board.snapshot"
	ColumnPage    Type = "column.page"
	MutationAck   Type = "mutation.ack"
	MutationError Type = "mutation.error"
	RequestError  Type = "request.error"
	FilesChanged  Type = "files.changed"
	PanelDisposed Type = "panel.disposed"
)

// MaxPageSize bounds column.load limits.
const MaxPageSize = 500

// Envelope is the outer shape of every message.
type Envelope struct {
	Type      Type            `json:"type" validate:"required,max=64"`
	RequestID string          `json:"requestId,omitempty" validate:"max=64"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Request payloads.
type (
	// ColumnLoadPayload asks for one page of a column.
	ColumnLoadPayload struct {
		Column types.Column `json:"column" validate:"required,oneof=ready in_progress blocked closed"`
		Offset int          `json:"offset" validate:"min=0"`
		Limit  int          `json:"limit" validate:"min=1,max=500"`
	}

	// ColumnLoadMorePayload asks for the page after everything loaded so
	// far. A zero Limit uses the configured page size.
	ColumnLoadMorePayload struct {
		Column types.Column `json:"column" validate:"required,oneof=ready in_progress blocked closed"`
		Limit  int          `json:"limit,omitempty" validate:"min=0,max=500"`
	}

	// ItemRefPayload names one item.
	ItemRefPayload struct {
		ID string `json:"id" validate:"required,max=128"`
	}

	// ItemUpdatePayload patches one item.
	ItemUpdatePayload struct {
		ID    string      `json:"id" validate:"required,max=128"`
		Patch types.Patch `json:"patch"`
	}

	// ItemStatusPayload moves one item.
	ItemStatusPayload struct {
		ID     string       `json:"id" validate:"required,max=128"`
		Status types.Status `json:"status" validate:"required,oneof=open in_progress blocked closed"`
	}

	// CommentPayload adds a comment.
	CommentPayload struct {
		ID     string `json:"id" validate:"required,max=128"`
		Author string `json:"author,omitempty" validate:"max=255"`
		Text   string `json:"text" validate:"required,max=65536"`
	}

	// LabelPayload adds or removes a label.
	LabelPayload struct {
		ID    string `json:"id" validate:"required,max=128"`
		Label string `json:"label" validate:"required,max=64"`
	}
)

// Response payloads.
type (
	// SnapshotPayload carries the whole board.
	SnapshotPayload struct {
		Board    *types.Board `json:"board"`
		ReadOnly bool         `json:"readOnly"`
	}

	// DetailPayload carries one item at full detail.
	DetailPayload struct {
		Item *types.Item `json:"item"`
	}

	// AckPayload confirms a mutation. ID is set for item.create.
	AckPayload struct {
		Op Type   `json:"op"`
		ID string `json:"id,omitempty"`
	}

	// ErrorPayload describes a failed request. Message is sanitized.
	ErrorPayload struct {
		Message string `json:"message"`
		Kind    string `json:"kind"`
	}

	// FilesChangedPayload reports an external change to the store.
	FilesChangedPayload struct {
		Path string `json:"path,omitempty"`
	}
)

// payloadFor returns a fresh payload value for a request type, nil for
// types without a payload.
func payloadFor(t Type) (any, bool) {
	switch t {
	case BoardLoad, BoardRefresh:
		return nil, true
	case ColumnLoad:
		return &ColumnLoadPayload{}, true
	case ColumnLoadMore:
		return &ColumnLoadMorePayload{}, true
	case ItemDetail, ItemDelete:
		return &ItemRefPayload{}, true
	case ItemCreate:
		return &types.CreateInput{}, true
	case ItemUpdate:
		return &ItemUpdatePayload{}, true
	case ItemStatus:
		return &ItemStatusPayload{}, true
	case CommentAdd:
		return &CommentPayload{}, true
	case LabelAdd, LabelRemove:
		return &LabelPayload{}, true
	case DependencyAdd, DependencyRemove:
		return &types.Dependency{}, true
	}
	return nil, false
}

// IsMutation reports whether t changes the store.
func IsMutation(t Type) bool {
	switch t {
	case ItemCreate, ItemUpdate, ItemStatus, ItemDelete, CommentAdd,
		LabelAdd, LabelRemove, DependencyAdd, DependencyRemove:
		return true
	}
	return false
}

// Request is a decoded, validated inbound message.
type Request struct {
	Type      Type
	RequestID string

	// Payload is a pointer to the type's payload struct, or nil.
	Payload any
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their wire names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// MaxMessageSize bounds a single inbound message.
const MaxMessageSize = 1 << 20

// Decode parses and validates one inbound message. Every failure is a
// validation error; the request id is returned whenever it could be read
// so the caller can still answer.
func Decode(data []byte) (*Request, error) {
	if len(data) > MaxMessageSize {
		return nil, errs.Validation("decode", "message exceeds %d bytes", MaxMessageSize)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.Validation("decode", "malformed message: %v", err)
	}
	req := &Request{Type: env.Type, RequestID: env.RequestID}
	if err := validate.Struct(&env); err != nil {
		return req, validationError("decode", err)
	}

	payload, ok := payloadFor(env.Type)
	if !ok {
		return req, errs.Validation("decode", "unknown message type %q", env.Type)
	}
	if payload == nil {
		return req, nil
	}
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		return req, errs.Validation(string(env.Type), "payload is required")
	}
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return req, errs.Validation(string(env.Type), "invalid payload: %v", err)
	}
	if err := validate.Struct(payload); err != nil {
		return req, validationError(string(env.Type), err)
	}
	req.Payload = payload
	return req, nil
}

// validationError turns validator output into one readable message.
func validationError(op string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs.Validation(op, "%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return errs.Validation(op, "invalid %s", strings.Join(msgs, ", "))
}

// Encode builds an outbound message.
func Encode(t Type, requestID string, payload any) ([]byte, error) {
	env := Envelope{Type: t, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", t, err)
	}
	return out, nil
}

// NewError builds the error payload for err. The message is sanitized.
func NewError(err error) ErrorPayload {
	return ErrorPayload{Message: errs.Message(err), Kind: errs.KindOf(err).String()}
}

// ErrorType returns the response type reporting a failure of a request of
// type t.
func ErrorType(t Type) Type {
	if IsMutation(t) {
		return MutationError
	}
	return RequestError
}

// DecodePayload unmarshals an outbound payload on the UI side.
func DecodePayload(env *Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("failed to parse %s payload: %w", env.Type, err)
	}
	return nil
}
