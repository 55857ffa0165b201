package ipc

import (
	"errors"
	"testing"

	"mxgate/internal/gateway"
)

func TestTranslateCallError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"missing method", errors.New("rpc: can't find method Gateway.Frobnicate"), gateway.ErrUnsupported},
		{"missing service", errors.New("rpc: can't find service Legacy.Send"), gateway.ErrUnsupported},
		{"decode failure", errors.New("json: cannot unmarshal string into Go value of type int"), gateway.ErrBadRequest},
		{"connection dropped", errors.New("read tcp 127.0.0.1:50000: connection reset by peer"), gateway.ErrDaemonUnavailable},
		{"client shut down", errors.New("connection is shut down"), gateway.ErrDaemonUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := translateCallError("send", tc.err)
			if tc.want == nil {
				if got != nil {
					t.Fatalf("expected nil, got %v", got)
				}
				return
			}
			if !errors.Is(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestEnsureLoopback(t *testing.T) {
	allowed := []string{"127.0.0.1:19876", "127.0.0.1:0", "localhost:19876", "[::1]:0"}
	for _, address := range allowed {
		if err := ensureLoopback(address); err != nil {
			t.Fatalf("expected %s to be allowed: %v", address, err)
		}
	}

	refused := []string{"0.0.0.0:19876", "192.168.1.10:19876", "example.com:19876", "127.0.0.1"}
	for _, address := range refused {
		if err := ensureLoopback(address); err == nil {
			t.Fatalf("expected %s to be refused", address)
		}
	}
}

func TestFaultErrRebuildsKind(t *testing.T) {
	fault := &Fault{Kind: gateway.KindOverloaded, Message: "request queue full: daemon: send: queue at capacity"}
	err := fault.Err()
	if !errors.Is(err, gateway.ErrOverloaded) {
		t.Fatalf("expected Overloaded, got %v", err)
	}

	var nilFault *Fault
	if nilFault.Err() != nil {
		t.Fatal("nil fault must be nil error")
	}
}
