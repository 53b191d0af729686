package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewMessageSigning(t *testing.T) {
	msg, err := NewMessage(NamespaceSystemAll, MethodGet, nil, "secret")
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	if msg.Header.Namespace != NamespaceSystemAll {
		t.Errorf("Namespace = %q, want %q", msg.Header.Namespace, NamespaceSystemAll)
	}
	if msg.Header.Method != MethodGet {
		t.Errorf("Method = %q, want %q", msg.Header.Method, MethodGet)
	}
	if msg.Header.PayloadVersion != 1 {
		t.Errorf("PayloadVersion = %d, want 1", msg.Header.PayloadVersion)
	}
	if len(msg.Header.MessageID) != 32 {
		t.Errorf("MessageID length = %d, want 32", len(msg.Header.MessageID))
	}
	if !msg.Verify("secret") {
		t.Error("Verify() = false with the signing key")
	}
	if msg.Verify("other") {
		t.Error("Verify() = true with the wrong key")
	}
}

func TestNewMessageEmptyKey(t *testing.T) {
	msg, err := NewMessage(NamespaceSystemAll, MethodGet, nil, "")
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	if !msg.Verify("") {
		t.Error("Verify() = false for empty key signing")
	}
	if string(msg.Payload) != "{}" {
		t.Errorf("Payload = %s, want {}", msg.Payload)
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{
			name: "valid message",
			data: `{"header":{"messageId":"abc","namespace":"Appliance.System.All","method":"GETACK","timestamp":1,"sign":"x"},"payload":{"all":{}}}`,
		},
		{
			name:    "missing namespace",
			data:    `{"header":{"messageId":"abc","method":"GETACK"},"payload":{}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			data:    `garbage`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && msg.Header.Namespace == "" {
				t.Error("parsed message has empty namespace")
			}
		})
	}
}

func TestIsAck(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{MethodGetAck, true},
		{MethodSetAck, true},
		{MethodGet, false},
		{MethodSet, false},
		{MethodPush, false},
		{MethodError, false},
	}

	for _, tt := range tests {
		m := &Message{Header: Header{Method: tt.method}}
		if got := m.IsAck(); got != tt.want {
			t.Errorf("IsAck(%s) = %v, want %v", tt.method, got, tt.want)
		}
	}
}

func TestDigestKey(t *testing.T) {
	tests := []struct {
		namespace string
		want      string
	}{
		{NamespaceControlToggleX, "togglex"},
		{NamespaceControlToggle, "toggle"},
		{NamespaceHubSensorTempHum, "temphum"},
		{"NoDots", "nodots"},
	}

	for _, tt := range tests {
		t.Run(tt.namespace, func(t *testing.T) {
			if got := DigestKey(tt.namespace); got != tt.want {
				t.Errorf("DigestKey(%q) = %q, want %q", tt.namespace, got, tt.want)
			}
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(NamespaceControlToggleX, MethodSet,
		map[string]interface{}{"togglex": map[string]int{"channel": 0, "onoff": 1}}, "key")
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if parsed.Header.Sign != msg.Header.Sign {
		t.Error("sign changed across round trip")
	}

	var payload struct {
		ToggleX struct {
			Channel int `json:"channel"`
			OnOff   int `json:"onoff"`
		} `json:"togglex"`
	}
	if err := parsed.Decode(&payload); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if payload.ToggleX.OnOff != 1 {
		t.Errorf("onoff = %d, want 1", payload.ToggleX.OnOff)
	}
}

func TestTopics(t *testing.T) {
	if got := TopicRequest("2205"); got != "/appliance/2205/subscribe" {
		t.Errorf("TopicRequest = %q", got)
	}
	if got := TopicInbound("2205"); got != "/appliance/2205/publish" {
		t.Errorf("TopicInbound = %q", got)
	}
}

const fullStatePayload = `{
	"all": {
		"system": {
			"hardware": {"type": "mss310", "uuid": "2205", "macAddress": "aa:bb:cc:dd:ee:ff"},
			"firmware": {"version": "2.1.4", "innerIp": "192.168.1.14", "server": "broker.local", "port": 443, "userId": 7},
			"time": {"timestamp": 1700000000, "timezone": "Europe/Rome"},
			"online": {"status": 1}
		},
		"digest": {
			"togglex": [{"channel": 0, "onoff": 1}]
		}
	}
}`

func TestDescriptorUpdate(t *testing.T) {
	desc, err := NewDescriptor(json.RawMessage(fullStatePayload), nil)
	if err != nil {
		t.Fatalf("NewDescriptor() error = %v", err)
	}

	if desc.Type() != "mss310" {
		t.Errorf("Type() = %q, want mss310", desc.Type())
	}
	if desc.InnerIP() != "192.168.1.14" {
		t.Errorf("InnerIP() = %q, want 192.168.1.14", desc.InnerIP())
	}
	if desc.Timezone() != "Europe/Rome" {
		t.Errorf("Timezone() = %q, want Europe/Rome", desc.Timezone())
	}
	if desc.IsHub() {
		t.Error("IsHub() = true for a plug")
	}
	if _, ok := desc.Digest["togglex"]; !ok {
		t.Error("digest missing togglex block")
	}
}

func TestDescriptorWholeReplace(t *testing.T) {
	desc, err := NewDescriptor(json.RawMessage(fullStatePayload), nil)
	if err != nil {
		t.Fatalf("NewDescriptor() error = %v", err)
	}

	updated := `{"all":{"system":{"hardware":{"type":"mss310"},"firmware":{"innerIp":"10.0.0.9"},"time":{}},"digest":{}}}`
	if err := desc.Update(json.RawMessage(updated)); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if desc.InnerIP() != "10.0.0.9" {
		t.Errorf("InnerIP() = %q after replace, want 10.0.0.9", desc.InnerIP())
	}
	// Fields absent from the new payload reset rather than surviving a merge.
	if desc.Timezone() != "" {
		t.Errorf("Timezone() = %q after replace, want empty", desc.Timezone())
	}
	if _, ok := desc.Digest["togglex"]; ok {
		t.Error("stale digest block survived a whole replace")
	}
}

func TestDescriptorAbility(t *testing.T) {
	ability := `{"ability":{"Appliance.Control.ToggleX":{},"Appliance.RollerShutter.Position":{}}}`
	desc, err := NewDescriptor(nil, json.RawMessage(ability))
	if err != nil {
		t.Fatalf("NewDescriptor() error = %v", err)
	}
	if !desc.HasAbility(NamespaceControlToggleX) {
		t.Error("HasAbility(ToggleX) = false")
	}
	if desc.HasAbility(NamespaceSystemDebug) {
		t.Error("HasAbility(SystemDebug) = true")
	}
}

func TestDescriptorHub(t *testing.T) {
	payload := `{"all":{"system":{"hardware":{"type":"msh300"},"firmware":{},"time":{}},"digest":{"hub":{"hubId":1,"subdevice":[]}}}}`
	desc, err := NewDescriptor(json.RawMessage(payload), nil)
	if err != nil {
		t.Fatalf("NewDescriptor() error = %v", err)
	}
	if !desc.IsHub() {
		t.Error("IsHub() = false for a hub digest")
	}
}
