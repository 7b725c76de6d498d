package oura

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodePage(t *testing.T) {
	t.Parallel()

	page, err := DecodePage(strings.NewReader(`{
		"data": [{"id": "a", "score": 82, "ratio": 0.5}],
		"next_token": "tok1"
	}`))
	if err != nil {
		t.Fatalf("DecodePage: %v", err)
	}
	if page.NextToken != "tok1" {
		t.Errorf("next_token = %q, want tok1", page.NextToken)
	}
	if len(page.Data) != 1 {
		t.Fatalf("items = %d, want 1", len(page.Data))
	}

	// Numbers must come back as json.Number so integer-ness survives.
	if _, ok := page.Data[0]["score"].(json.Number); !ok {
		t.Errorf("score decoded as %T, want json.Number", page.Data[0]["score"])
	}
}

func TestDecodePage_NullToken(t *testing.T) {
	t.Parallel()

	page, err := DecodePage(strings.NewReader(`{"data": [], "next_token": null}`))
	if err != nil {
		t.Fatalf("DecodePage: %v", err)
	}
	if page.NextToken != "" {
		t.Errorf("next_token = %q, want empty", page.NextToken)
	}
}

func TestDecodePage_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := DecodePage(strings.NewReader(`{"data": "nope"`)); err == nil {
		t.Fatal("want error for malformed page")
	}
}

func TestIsScalar(t *testing.T) {
	t.Parallel()

	cases := []struct {
		v    any
		want bool
	}{
		{"x", true},
		{json.Number("5"), true},
		{true, true},
		{nil, true},
		{map[string]any{}, false},
		{[]any{1}, false},
	}
	for _, c := range cases {
		if got := IsScalar(c.v); got != c.want {
			t.Errorf("IsScalar(%#v) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestItemID(t *testing.T) {
	t.Parallel()

	if got := ItemID(RawItem{"id": "abc"}); got != "abc" {
		t.Errorf("ItemID = %q, want abc", got)
	}
	if got := ItemID(RawItem{"id": json.Number("7")}); got != "" {
		t.Errorf("non-string id gave %q, want empty", got)
	}
	if got := ItemID(RawItem{}); got != "" {
		t.Errorf("missing id gave %q, want empty", got)
	}
}
