package wire

import (
	"encoding/json"
	"fmt"
)

// Kind is the closed set of message discriminators (spec.md §4.4).
type Kind int

const (
	KindModDataRequest Kind = iota
	KindModDataResponse
	KindComponentRequest
	KindComponentResponse
	KindModApplicationRequest
	KindModApplicationResponse
	KindSyncComplete
	KindError
	KindChunkedMessage
	KindFileChunkMessage
	KindMemberListRequest
	KindMemberListResponse
	KindChannelNegotiation
	KindChannelNegotiationResponse
	KindReconnectOffer
	KindReconnectAnswer
	KindRecoveryRequest
	KindManifestAnnounce
)

var kindNames = map[Kind]string{
	KindModDataRequest:             "ModDataRequest",
	KindModDataResponse:            "ModDataResponse",
	KindComponentRequest:           "ComponentRequest",
	KindComponentResponse:          "ComponentResponse",
	KindModApplicationRequest:      "ModApplicationRequest",
	KindModApplicationResponse:     "ModApplicationResponse",
	KindSyncComplete:               "SyncComplete",
	KindError:                      "Error",
	KindChunkedMessage:             "ChunkedMessage",
	KindFileChunkMessage:           "FileChunkMessage",
	KindMemberListRequest:          "MemberListRequest",
	KindMemberListResponse:         "MemberListResponse",
	KindChannelNegotiation:         "ChannelNegotiation",
	KindChannelNegotiationResponse: "ChannelNegotiationResponse",
	KindReconnectOffer:             "ReconnectOffer",
	KindReconnectAnswer:            "ReconnectAnswer",
	KindRecoveryRequest:            "RecoveryRequest",
	KindManifestAnnounce:           "ManifestAnnounce",
}

var namesToKind = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, v := range kindNames {
		m[v] = k
	}
	return m
}()

// legacyAliases maps old string spellings to their current Kind.
var legacyAliases = map[string]Kind{
	"member_list_request": KindMemberListRequest,
	"apply_mods":           KindModApplicationRequest,
	"client_ready":         KindSyncComplete,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Envelope is the canonical decoded shape of every message on the
// wire: a kind, correlation metadata, and an opaque payload the
// dispatcher re-decodes per kind.
type Envelope struct {
	Kind       Kind
	MessageID  string
	Timestamp  int64
	ResponseTo string
	Payload    json.RawMessage
}

// rawEnvelope mirrors the wire JSON shape before kind resolution.
type rawEnvelope struct {
	Type       json.RawMessage `json:"type"`
	MessageID  string          `json:"message_id"`
	Timestamp  int64           `json:"timestamp"`
	ResponseTo string          `json:"response_to,omitempty"`
}

// ErrUnrecognizedKind is returned when a `type` field can't be
// resolved to any known Kind and the legacy shape-matcher also fails.
type ErrUnrecognizedKind struct {
	Raw string
}

func (e *ErrUnrecognizedKind) Error() string {
	return fmt.Sprintf("wire: unrecognized message type %q", e.Raw)
}

// ParseEnvelope decodes a JSON body (already unwrapped by the framing
// codec) into an Envelope, resolving `type` as an integer tag, a
// string enum name, or a legacy string alias. If `type` is absent
// entirely, it falls through to the legacy shape-matcher.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}

	if len(raw.Type) == 0 {
		kind, err := classifyLegacyShape(body)
		if err != nil {
			return nil, err
		}
		return &Envelope{
			Kind:       kind,
			MessageID:  raw.MessageID,
			Timestamp:  raw.Timestamp,
			ResponseTo: raw.ResponseTo,
			Payload:    body,
		}, nil
	}

	kind, err := resolveKind(raw.Type)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Kind:       kind,
		MessageID:  raw.MessageID,
		Timestamp:  raw.Timestamp,
		ResponseTo: raw.ResponseTo,
		Payload:    body,
	}, nil
}

func resolveKind(typeField json.RawMessage) (Kind, error) {
	var asInt int
	if err := json.Unmarshal(typeField, &asInt); err == nil {
		for k := range kindNames {
			if int(k) == asInt {
				return k, nil
			}
		}
		return 0, &ErrUnrecognizedKind{Raw: fmt.Sprintf("%d", asInt)}
	}

	var asString string
	if err := json.Unmarshal(typeField, &asString); err == nil {
		if k, ok := namesToKind[asString]; ok {
			return k, nil
		}
		if k, ok := legacyAliases[asString]; ok {
			return k, nil
		}
		return 0, &ErrUnrecognizedKind{Raw: asString}
	}

	return 0, &ErrUnrecognizedKind{Raw: string(typeField)}
}

// classifyLegacyShape implements the §4.4 field-presence heuristic
// for messages carrying no `type` field at all.
func classifyLegacyShape(body []byte) (Kind, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(body, &shape); err != nil {
		return 0, fmt.Errorf("wire: legacy shape decode: %w", err)
	}

	_, hasPlayerInfo := shape["playerInfo"]
	_, hasFiles := shape["files"]
	_, hasPlayerName := shape["playerName"]
	_, hasComponentID := shape["componentId"]
	_, hasFileData := shape["fileData"]
	_, hasError := shape["error"]
	_, hasSuccess := shape["success"]
	_, hasChunk := shape["chunk"]

	switch {
	case hasPlayerInfo && hasFiles:
		return KindModDataResponse, nil
	case hasPlayerName && !hasPlayerInfo && !hasFiles:
		return KindModDataRequest, nil
	case hasComponentID && hasFileData:
		return KindComponentResponse, nil
	case hasComponentID && !hasFileData:
		return KindComponentRequest, nil
	case hasError:
		return KindError, nil
	case hasSuccess:
		return KindSyncComplete, nil
	case hasChunk:
		return KindFileChunkMessage, nil
	default:
		return 0, &ErrUnrecognizedKind{Raw: "<no type, unmatched legacy shape>"}
	}
}

// EncodeMessage marshals payload with an injected `type` field set to
// kind's integer tag, then runs it through the framing codec.
func EncodeMessage(kind Kind, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("wire: re-decode payload: %w", err)
	}
	typeJSON, _ := json.Marshal(int(kind))
	fields["type"] = typeJSON

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal merged envelope: %w", err)
	}

	return Encode(merged)
}
