package config

import (
	"reflect"
	"testing"
	"time"
)

func TestClampHelpers(t *testing.T) {
	if clampInt(-1, 0, 5) != 0 || clampInt(9, 0, 5) != 5 || clampInt(3, 0, 5) != 3 {
		t.Fatal("clampInt")
	}
	if clampFloat(2, 0, 1) != 1 || clampFloat(-0.5, 0, 1) != 0 {
		t.Fatal("clampFloat")
	}
	if clampDuration(time.Nanosecond, time.Millisecond, time.Second) != time.Millisecond {
		t.Fatal("clampDuration min")
	}
	if clampDuration(time.Hour, time.Millisecond, time.Second) != time.Second {
		t.Fatal("clampDuration max")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" https://a.example , ,https://b.example,")
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if splitList("") != nil {
		t.Fatal("empty list should be nil")
	}
}

func TestRedactURL_ParseFail_NoAt_Unchanged(t *testing.T) {
	in := "http://["
	if out := RedactURL(in); out != in {
		t.Fatalf("expected unchanged, got %q", out)
	}
}

func TestRedactURL_NoCredentials_Unchanged(t *testing.T) {
	in := "http://host/u@db"
	if out := RedactURL(in); out != in {
		t.Fatalf("expected unchanged, got %q", out)
	}
}
