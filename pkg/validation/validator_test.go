package validation

import (
	"strings"
	"testing"
)

type peer struct {
	Address string `validate:"required,endpoint"`
}

type world struct {
	Size  int    `validate:"gte=1,lte=64"`
	Rank  int    `validate:"gte=0"`
	Mode  string `validate:"oneof=fabric nng zmq"`
	Peers []peer `validate:"dive"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name    string
		v       world
		errPart string
	}{
		{"valid", world{Size: 2, Mode: "nng", Peers: []peer{{"tcp://127.0.0.1:5000"}, {"inproc://r1"}}}, ""},
		{"size zero", world{Size: 0, Mode: "fabric"}, "Size: must be at least 1"},
		{"size large", world{Size: 65, Mode: "fabric"}, "Size: must not exceed 64"},
		{"bad mode", world{Size: 1, Mode: "mpi"}, "Mode: must be one of"},
		{"bad endpoint", world{Size: 1, Mode: "nng", Peers: []peer{{"http://x"}}}, "Peers[0].Address"},
		{"missing endpoint", world{Size: 1, Mode: "nng", Peers: []peer{{""}}}, "field is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(&tt.v)
			if tt.errPart == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("Struct() = %v, want error containing %q", err, tt.errPart)
			}
		})
	}
}

func TestStruct_Nil(t *testing.T) {
	if Struct(nil) == nil {
		t.Error("expected error for nil")
	}
}

func TestEndpoint(t *testing.T) {
	for _, s := range []string{"tcp://10.0.0.1:7000", "ipc:///tmp/halo.0", "inproc://rank-3"} {
		if !Endpoint(s) {
			t.Errorf("Endpoint(%q) = false", s)
		}
	}
	for _, s := range []string{"", "tcp://", "udp://x:1", "tcp://a b"} {
		if Endpoint(s) {
			t.Errorf("Endpoint(%q) = true", s)
		}
	}
}
