package wire

import "testing"

func TestParseEnvelopeIntegerType(t *testing.T) {
	body := []byte(`{"type":6,"message_id":"m1","timestamp":100,"success":true}`)
	env, err := ParseEnvelope(body)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Kind != KindSyncComplete {
		t.Errorf("Kind = %v, want %v", env.Kind, KindSyncComplete)
	}
	if env.MessageID != "m1" {
		t.Errorf("MessageID = %q, want m1", env.MessageID)
	}
}

func TestParseEnvelopeStringType(t *testing.T) {
	body := []byte(`{"type":"ComponentRequest","message_id":"m2","timestamp":1}`)
	env, err := ParseEnvelope(body)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Kind != KindComponentRequest {
		t.Errorf("Kind = %v, want %v", env.Kind, KindComponentRequest)
	}
}

func TestParseEnvelopeLegacyAlias(t *testing.T) {
	body := []byte(`{"type":"apply_mods","message_id":"m3","timestamp":1}`)
	env, err := ParseEnvelope(body)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Kind != KindModApplicationRequest {
		t.Errorf("Kind = %v, want %v", env.Kind, KindModApplicationRequest)
	}
}

func TestParseEnvelopeLegacyShapeMatching(t *testing.T) {
	cases := []struct {
		name string
		body string
		want Kind
	}{
		{"mod data response", `{"playerInfo":{},"files":[]}`, KindModDataResponse},
		{"mod data request", `{"playerName":"Bob"}`, KindModDataRequest},
		{"component response", `{"componentId":"h1","fileData":"xx"}`, KindComponentResponse},
		{"component request", `{"componentId":"h1"}`, KindComponentRequest},
		{"error", `{"error":"boom"}`, KindError},
		{"sync complete", `{"success":true}`, KindSyncComplete},
		{"file chunk", `{"chunk":"Zm9v"}`, KindFileChunkMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tc.body))
			if err != nil {
				t.Fatalf("ParseEnvelope: %v", err)
			}
			if env.Kind != tc.want {
				t.Errorf("Kind = %v, want %v", env.Kind, tc.want)
			}
		})
	}
}

func TestParseEnvelopeUnrecognizedLegacyShape(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"unrelated":true}`))
	if err == nil {
		t.Fatal("expected error for unmatched legacy shape")
	}
}

func TestEncodeMessageRoundTrip(t *testing.T) {
	type payload struct {
		MessageID string `json:"message_id"`
		Timestamp int64  `json:"timestamp"`
		Success   bool   `json:"success"`
	}
	framed, err := EncodeMessage(KindSyncComplete, payload{MessageID: "m9", Timestamp: 5, Success: true})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	body, err := Decode(framed)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	env, err := ParseEnvelope(body)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Kind != KindSyncComplete {
		t.Errorf("Kind = %v, want %v", env.Kind, KindSyncComplete)
	}
	if env.MessageID != "m9" {
		t.Errorf("MessageID = %q, want m9", env.MessageID)
	}
}
