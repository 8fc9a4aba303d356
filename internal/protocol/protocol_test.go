package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewEnvelopeCarriesPayload(t *testing.T) {
	env, err := NewEnvelope(EventRegister, Register{ScreenID: "12", PlayerKey: "k"})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"event":"screen:register","data":{"screenId":"12","playerKey":"k"}}`
	if string(raw) != want {
		t.Fatalf("got %s, want %s", raw, want)
	}
}

func TestNewEnvelopeWithoutPayload(t *testing.T) {
	env, err := NewEnvelope(EventRestart, nil)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(env)
	if string(raw) != `{"event":"screen:restart"}` {
		t.Fatalf("unexpected frame: %s", raw)
	}
}
