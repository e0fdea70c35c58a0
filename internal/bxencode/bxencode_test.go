package bxencode

import "testing"

func TestEncodeScalar(t *testing.T) {
	got := Encode(map[string]any{"a": "hello world"})
	if got != "a=hello+world" {
		t.Fatalf("got %q", got)
	}
}

func TestEncodeEmptyMapAndSlice(t *testing.T) {
	got := Encode(map[string]any{"filter": map[string]any{}})
	if got != "filter[]=" {
		t.Fatalf("got %q", got)
	}
	got2 := Encode(map[string]any{"ids": []int{}})
	if got2 != "ids[]=" {
		t.Fatalf("got %q", got2)
	}
}

func TestEncodeNestedBrackets(t *testing.T) {
	got := Encode(map[string]any{
		"filter": map[string]any{
			"ID": []int{1, 2, 3},
		},
	})
	want := "filter[ID][]=1&filter[ID][]=2&filter[ID][]=3"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestEncodeRawNotEscaped(t *testing.T) {
	got := Encode(map[string]any{"redirect": Raw("https://x.com/a?b=c")})
	want := "redirect=https://x.com/a?b=c"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestEncodeDeeplyNested(t *testing.T) {
	got := Encode(map[string]any{
		"auth": map[string]any{
			"domain": "example.bitrix24.ru",
		},
		"data": map[string]any{
			"FIELDS": map[string]any{
				"ID": 1234,
			},
		},
	})
	want := "auth[domain]=example.bitrix24.ru&data[FIELDS][ID]=1234"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
