// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import "testing"

func TestNewMessage(t *testing.T) {
	m := NewMessage(map[string]interface{}{"file_uri": "http://x/j1.png"}, "")
	if have, want := m.PublishKey(), DefaultPublishKey; have != want {
		t.Fatalf("PublishKey = %q, want %q", have, want)
	}

	m = NewMessage("payload", "targets.eu")
	if have, want := m.PublishKey(), "targets.eu"; have != want {
		t.Fatalf("PublishKey = %q, want %q", have, want)
	}
}

func TestMessageMeta(t *testing.T) {
	m := NewMessage("payload", "")
	if have, want := len(m.Meta()), 0; have != want {
		t.Fatalf("len(Meta) = %d, want %d", have, want)
	}
	m.SetMeta(map[string]interface{}{"app_id": "fw0"})
	if have, want := m.Meta()["app_id"], "fw0"; have != want {
		t.Fatalf("app_id = %q, want %q", have, want)
	}
}

func TestMessageCodec(t *testing.T) {
	m := NewMessage(map[string]interface{}{"fetch_uri": "http://x/a.png"}, "")
	m.SetMeta(map[string]interface{}{"app_id": "fw0"})

	data, err := EncodeMessage(m)
	if err != nil {
		t.Fatalf("EncodeMessage failed with %v", err)
	}
	decoded, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage failed with %v", err)
	}
	payload, ok := decoded[messageKey].(map[string]interface{})
	if !ok {
		t.Fatalf("decoded message has no payload: %v", decoded)
	}
	if have, want := payload["fetch_uri"], "http://x/a.png"; have != want {
		t.Fatalf("fetch_uri = %q, want %q", have, want)
	}
	if have, want := decoded.PublishKey(), DefaultPublishKey; have != want {
		t.Fatalf("PublishKey = %q, want %q", have, want)
	}
	if have, want := decoded.Meta()["app_id"], "fw0"; have != want {
		t.Fatalf("app_id = %q, want %q", have, want)
	}
}

func TestDecodeMessageInvalid(t *testing.T) {
	if _, err := DecodeMessage([]byte("not json")); err == nil {
		t.Fatal("expected an error")
	}
}
