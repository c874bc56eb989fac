// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if have, want := c.AppID, "fw0"; have != want {
		t.Fatalf("AppID = %q, want %q", have, want)
	}
	if have, want := c.MaxRetry, 10; have != want {
		t.Fatalf("MaxRetry = %d, want %d", have, want)
	}
	if have, want := c.MaxFileSize, int64(2*1024*1024); have != want {
		t.Fatalf("MaxFileSize = %d, want %d", have, want)
	}
	if have, want := c.PollInterval, 1*time.Second; have != want {
		t.Fatalf("PollInterval = %v, want %v", have, want)
	}
	if have, want := c.PollSize, 5; have != want {
		t.Fatalf("PollSize = %d, want %d", have, want)
	}
	if have, want := c.Broker.ExchangeName, "fetchd-ex"; have != want {
		t.Fatalf("ExchangeName = %q, want %q", have, want)
	}
	if have, want := c.Broker.RetryIncrement, 2*time.Second; have != want {
		t.Fatalf("RetryIncrement = %v, want %v", have, want)
	}
}

func TestConfigServeURI(t *testing.T) {
	tests := []struct {
		publicURL string
		path      string
		want      string
	}{
		{"http://files.local", "files", "http://files.local/files/"},
		{"http://files.local/", "files", "http://files.local/files/"},
		{"http://files.local", "/files/", "http://files.local/files/"},
	}
	for _, tt := range tests {
		c := Config{PublicURL: tt.publicURL, StaticServePath: tt.path}
		if have := c.ServeURI(); have != tt.want {
			t.Errorf("ServeURI(%q, %q) = %q, want %q", tt.publicURL, tt.path, have, tt.want)
		}
	}
}
