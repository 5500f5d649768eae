package gmail

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/mailpilot/mailpilot/internal/types"
)

func TestStripHTML(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain passes through", "hello world", "hello world"},
		{"tags removed", "<p>hello <b>world</b></p>", "hello world"},
		{"entities decoded", "a &amp; b &lt;c&gt;", "a & b <c>"},
		{"nbsp becomes space", "a&nbsp;b", "a b"},
		{"unknown entities dropped", "x &bogus; y", "x  y"},
		{"surrounding space trimmed", "  <div>hi</div>  ", "hi"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripHTML(tc.in); got != tc.want {
				t.Errorf("StripHTML(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDecodeBase64URL(t *testing.T) {
	msg := "héllo, wörld"
	encoded := base64.URLEncoding.EncodeToString([]byte(msg))

	got, err := decodeBase64URL(encoded)
	if err != nil {
		t.Fatalf("decode padded input: %v", err)
	}
	if got != msg {
		t.Errorf("got %q, want %q", got, msg)
	}

	// Gmail omits padding.
	got, err = decodeBase64URL(base64.RawURLEncoding.EncodeToString([]byte(msg)))
	if err != nil {
		t.Fatalf("decode unpadded input: %v", err)
	}
	if got != msg {
		t.Errorf("got %q, want %q", got, msg)
	}

	if _, err := decodeBase64URL("!!not base64!!"); err == nil {
		t.Error("expected error for invalid input")
	}
}

func TestBuildReplyRFC822(t *testing.T) {
	raw := buildReplyRFC822(testEmail(), "Thanks, will do.")

	wantLines := []string{
		"To: alice@x.io",
		"Subject: Re: Budget review",
		"In-Reply-To: <msg-1@x.io>",
		"References: <msg-0@x.io> <msg-1@x.io>",
	}
	for _, line := range wantLines {
		if !strings.Contains(raw, line+"\r\n") {
			t.Errorf("missing header line %q in:\n%s", line, raw)
		}
	}
	if !strings.HasSuffix(raw, "\r\n\r\nThanks, will do.") {
		t.Errorf("body not separated by blank line:\n%s", raw)
	}
}

func TestBuildReplyRFC822KeepsExistingRePrefix(t *testing.T) {
	e := testEmail()
	e.Subject = "RE: Budget review"
	raw := buildReplyRFC822(e, "ok")
	if strings.Contains(raw, "Re: RE:") {
		t.Errorf("double Re: prefix in:\n%s", raw)
	}
}

func TestBuildReplyRFC822WithoutMessageID(t *testing.T) {
	e := testEmail()
	e.MessageID = ""
	e.References = ""
	raw := buildReplyRFC822(e, "ok")
	if strings.Contains(raw, "In-Reply-To") || strings.Contains(raw, "References") {
		t.Errorf("threading headers present without a message id:\n%s", raw)
	}
}

func testEmail() types.Email {
	return types.Email{
		ID:         "e1",
		ThreadID:   "t1",
		MessageID:  "<msg-1@x.io>",
		References: "<msg-0@x.io>",
		From:       "alice@x.io",
		To:         "me@y.io",
		Subject:    "Budget review",
	}
}
