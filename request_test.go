package wsserver

import (
	"errors"
	"testing"
)

func validHandshakeRequest() []byte {
	return []byte("GET /chat?room=go&room=rust HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Cookie: session=abc123; theme=dark\r\n" +
		"\r\n")
}

func TestParseRequestHappyPath(t *testing.T) {
	req, err := ParseRequest(validHandshakeRequest())
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Path != "/chat" {
		t.Errorf("Path = %q, want /chat", req.Path)
	}
	if got := req.Query["room"].Strings(); len(got) != 2 || got[0] != "go" || got[1] != "rust" {
		t.Errorf("Query[room] = %v, want [go rust]", got)
	}
	if !req.Query["room"].IsMulti() {
		t.Error("Query[room].IsMulti() = false, want true")
	}
	if req.Header("host") != "example.com" {
		t.Errorf("Header(host) = %q, want example.com", req.Header("host"))
	}
	if req.Cookies["session"] != "abc123" {
		t.Errorf("Cookies[session] = %q, want abc123", req.Cookies["session"])
	}
}

func TestParseRequestAcceptsLFOnly(t *testing.T) {
	data := []byte("GET / HTTP/1.1\n" +
		"Host: example.com\n" +
		"\n")
	req, err := ParseRequest(data)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Header("host") != "example.com" {
		t.Errorf("Header(host) = %q, want example.com", req.Header("host"))
	}
}

func TestParseRequestRejectsFragment(t *testing.T) {
	data := []byte("GET /chat#frag HTTP/1.1\r\nHost: example.com\r\n\r\n")
	_, err := ParseRequest(data)
	if !errors.Is(err, ErrURIFragmentRejected) {
		t.Errorf("err = %v, want ErrURIFragmentRejected", err)
	}
}

func TestParseRequestMalformedLine(t *testing.T) {
	_, err := ParseRequest([]byte("not a request line\r\n\r\n"))
	if !errors.Is(err, ErrMalformedRequestLine) {
		t.Errorf("err = %v, want ErrMalformedRequestLine", err)
	}
}

func TestValidateRequestHappyPath(t *testing.T) {
	req, err := ParseRequest(validHandshakeRequest())
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if err := ValidateRequest(req); err != nil {
		t.Errorf("ValidateRequest: %v", err)
	}
}

func TestValidateRequestMissingHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers string
		want    error
	}{
		{
			name:    "missing host",
			headers: "Upgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n",
			want:    ErrMissingHost,
		},
		{
			name:    "not an upgrade",
			headers: "Host: example.com\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n",
			want:    ErrNotUpgrade,
		},
		{
			name:    "connection missing upgrade token",
			headers: "Host: example.com\r\nUpgrade: websocket\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n",
			want:    ErrConnectionNotUpgrade,
		},
		{
			name:    "bad key length",
			headers: "Host: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dG9vc2hvcnQ=\r\nSec-WebSocket-Version: 13\r\n",
			want:    ErrBadSecWebSocketKey,
		},
		{
			name:    "wrong version",
			headers: "Host: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 8\r\n",
			want:    ErrBadSecWebSocketVer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := []byte("GET / HTTP/1.1\r\n" + tt.headers + "\r\n")
			req, err := ParseRequest(data)
			if err != nil {
				t.Fatalf("ParseRequest: %v", err)
			}
			if err := ValidateRequest(req); !errors.Is(err, tt.want) {
				t.Errorf("ValidateRequest = %v, want %v", err, tt.want)
			}
		})
	}
}
