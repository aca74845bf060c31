package agent

import (
	"testing"
	"time"
)

func TestDetectRateLimit(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		wantNil   bool
		wantAfter time.Duration
	}{
		{"plain failure", "error: connection refused", true, 0},
		{"429 status", "API error 429: too many requests", false, 0},
		{"rate limit wording", "Rate limit exceeded, slow down", false, 0},
		{"retry-after header hint", "HTTP 429\nRetry-After: 30", false, 30 * time.Second},
		{"retry after with space", "rate limit hit, retry after 12 seconds", false, 12 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := detectRateLimit(tt.output)
			if (rl == nil) != tt.wantNil {
				t.Fatalf("detectRateLimit(%q) = %v, wantNil=%v", tt.output, rl, tt.wantNil)
			}
			if rl != nil && rl.RetryAfter != tt.wantAfter {
				t.Errorf("RetryAfter = %s, want %s", rl.RetryAfter, tt.wantAfter)
			}
		})
	}
}

func TestParseFinalResponse(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    string
		wantErr bool
	}{
		{
			name:   "result envelope on last line",
			output: `{"type":"progress"}` + "\n" + `{"result":"all done"}`,
			want:   "all done",
		},
		{
			name:   "final_response envelope",
			output: `{"final_response":"patched the handler"}`,
			want:   "patched the handler",
		},
		{
			name:   "message envelope",
			output: `{"message":"nothing to do"}`,
			want:   "nothing to do",
		},
		{
			name:   "plain text passthrough",
			output: "I made the change.",
			want:   "I made the change.",
		},
		{
			name:   "last envelope wins",
			output: `{"result":"first"}` + "\n" + `{"result":"second"}`,
			want:   "second",
		},
		{
			name:    "empty output",
			output:  "   \n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFinalResponse(tt.output)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseFinalResponse = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRunIDShape(t *testing.T) {
	id := NewRunID()
	if len(id) != len("run-")+8 {
		t.Errorf("unexpected run id shape: %q", id)
	}
	if id[:4] != "run-" {
		t.Errorf("run id missing prefix: %q", id)
	}
	if NewRunID() == id {
		t.Error("run ids should be unique")
	}
}
