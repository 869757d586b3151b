package wire

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestOutboundEncoding(t *testing.T) {
	t.Run("poke carries app mark and json", func(t *testing.T) {
		b, err := json.Marshal(NewPoke(3, "zod", "hood", "helm-hi", json.RawMessage(`"hello"`)))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		want := `{"id":3,"action":"poke","ship":"zod","app":"hood","mark":"helm-hi","json":"hello"}`
		if string(b) != want {
			t.Fatalf("unexpected encoding:\nwant %s\ngot  %s", want, b)
		}
	})

	t.Run("ack carries event id and no message id", func(t *testing.T) {
		b, err := json.Marshal(NewAck(42))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if want := `{"action":"ack","event-id":42}`; string(b) != want {
			t.Fatalf("want %s got %s", want, b)
		}
	})

	t.Run("unsubscribe names the subscription", func(t *testing.T) {
		b, err := json.Marshal(NewUnsubscribe(9, 4))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if want := `{"id":9,"action":"unsubscribe","subscription":4}`; string(b) != want {
			t.Fatalf("want %s got %s", want, b)
		}
	})

	t.Run("delete is bare", func(t *testing.T) {
		b, _ := json.Marshal(NewDelete())
		if want := `{"action":"delete"}`; string(b) != want {
			t.Fatalf("want %s got %s", want, b)
		}
	})
}

func TestInboundValidation(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr string
	}{
		{name: "poke ok", in: `{"id":1,"response":"poke","ok":"ok"}`},
		{name: "poke err", in: `{"id":1,"response":"poke","err":"nope"}`},
		{name: "diff", in: `{"id":2,"response":"diff","json":{"a":1}}`},
		{name: "quit", in: `{"id":2,"response":"quit"}`},
		{name: "unknown kind accepted", in: `{"id":2,"response":"future"}`},
		{name: "missing response", in: `{"id":1,"ok":"ok"}`, wantErr: "response field is required"},
		{name: "missing id", in: `{"response":"diff"}`, wantErr: "id field is required"},
		{name: "poke without outcome", in: `{"id":1,"response":"poke"}`, wantErr: "must have either ok or err"},
		{name: "subscribe with both", in: `{"id":1,"response":"subscribe","ok":"ok","err":"x"}`, wantErr: "cannot have both"},
		{name: "garbage", in: `{`, wantErr: "invalid JSON"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m Inbound
			err := json.Unmarshal([]byte(tc.in), &m)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("want error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestInboundOutcomeError(t *testing.T) {
	var m Inbound
	err := json.Unmarshal([]byte(`{"id":42,"response":"poke"}`), &m)
	var oe *OutcomeError
	if !errors.As(err, &oe) {
		t.Fatalf("want *OutcomeError, got %T %v", err, err)
	}
	if oe.ID != 42 || oe.Response != ResponsePoke {
		t.Fatalf("unexpected outcome error %+v", oe)
	}
}

func TestInboundReason(t *testing.T) {
	var m Inbound
	if err := json.Unmarshal([]byte(`{"id":1,"response":"poke","err":["bad mark","in hood"]}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !m.Failed() {
		t.Fatalf("expected Failed")
	}
	if got, want := m.Reason(), "bad mark\nin hood"; got != want {
		t.Fatalf("want %q got %q", want, got)
	}
}
