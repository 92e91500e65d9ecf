package wsclient

import "testing"

func TestAttachQueryToken(t *testing.T) {
	tests := []struct {
		name      string
		rawURL    string
		paramName string
		token     string
		want      string
	}{
		{"no token leaves url unchanged", "ws://host/ws", "access_token", "", "ws://host/ws"},
		{"token appended", "ws://host/ws", "access_token", "tok123", "ws://host/ws?access_token=tok123"},
		{"existing query preserved", "ws://host/ws?room=1", "access_token", "tok123", "ws://host/ws?access_token=tok123&room=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := attachQueryToken(tt.rawURL, tt.paramName, tt.token)
			if err != nil {
				t.Fatalf("attachQueryToken: %v", err)
			}
			if got != tt.want {
				t.Fatalf("attachQueryToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildSubprotocols_DedupesPreservingFirstOccurrence(t *testing.T) {
	got := buildSubprotocols([]string{"chat.v1", "chat.v1", "graphql-ws"}, "bearer.", "tok", false)
	want := []string{"chat.v1", "graphql-ws", "bearer.tok"}
	if len(got) != len(want) {
		t.Fatalf("buildSubprotocols() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("buildSubprotocols()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBuildSubprotocols_PrependsAuthWhenRequested(t *testing.T) {
	got := buildSubprotocols([]string{"chat.v1"}, "bearer.", "tok", true)
	want := []string{"bearer.tok", "chat.v1"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("buildSubprotocols() = %v, want %v", got, want)
	}
}

func TestBuildSubprotocols_EmptyTokenOmitsAuthEntry(t *testing.T) {
	got := buildSubprotocols([]string{"chat.v1"}, "bearer.", "", false)
	if len(got) != 1 || got[0] != "chat.v1" {
		t.Fatalf("buildSubprotocols() = %v, want [chat.v1]", got)
	}
}

func TestBuildSubprotocols_NilWhenEmpty(t *testing.T) {
	got := buildSubprotocols(nil, "bearer.", "", false)
	if got != nil {
		t.Fatalf("buildSubprotocols() = %v, want nil", got)
	}
}

func TestValidateSubprotocolPrefix_RejectsWhitespaceAndCommas(t *testing.T) {
	for _, prefix := range []string{"bad prefix.", "bad,prefix.", "bad\tprefix."} {
		if err := validateSubprotocolPrefix(prefix); err == nil {
			t.Fatalf("validateSubprotocolPrefix(%q) = nil, want error", prefix)
		}
	}
	if err := validateSubprotocolPrefix("bearer."); err != nil {
		t.Fatalf("validateSubprotocolPrefix(bearer.) = %v, want nil", err)
	}
}
