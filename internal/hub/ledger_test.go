package hub

import (
	"reflect"
	"testing"
)

func TestLedger_SetGetRemove(t *testing.T) {
	l := NewLedger()

	if got := l.Get("u1"); got != IdleActivity {
		t.Fatalf("Get(unknown) = %q, want %q", got, IdleActivity)
	}
	if l.Has("u1") {
		t.Fatal("Has(unknown) should be false")
	}

	l.Set("u1", IdleActivity)
	l.Set("u2", "Playing Hey Jude by The Beatles")
	l.Set("u1", "Playing Yellow by Coldplay")

	want := []Entry{
		{UserID: "u1", Activity: "Playing Yellow by Coldplay"},
		{UserID: "u2", Activity: "Playing Hey Jude by The Beatles"},
	}
	if got := l.Entries(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Entries() = %v, want %v", got, want)
	}

	l.Remove("u1")
	l.Remove("missing")
	if l.Has("u1") || l.Len() != 1 {
		t.Fatalf("after Remove: Has(u1)=%v Len=%d", l.Has("u1"), l.Len())
	}
}

func TestLedger_EntriesEmpty(t *testing.T) {
	l := NewLedger()
	if got := l.Entries(); got == nil || len(got) != 0 {
		t.Fatalf("Entries() = %#v, want empty non-nil slice", got)
	}
}

func TestPlayingActivity(t *testing.T) {
	if got := PlayingActivity("Hey Jude", "The Beatles"); got != "Playing Hey Jude by The Beatles" {
		t.Fatalf("PlayingActivity = %q", got)
	}
}

func TestParseActivity(t *testing.T) {
	tests := []struct {
		in     string
		title  string
		artist string
		ok     bool
	}{
		{"Playing Hey Jude by The Beatles", "Hey Jude", "The Beatles", true},
		{"Playing Stand by Me by Ben E. King", "Stand by Me", "Ben E. King", true},
		{"Idle", "", "", false},
		{"Playing something", "", "", false},
		{"Playing  by X", "", "", false},
		{"Playing Song by ", "", "", false},
		{"listening to jazz", "", "", false},
	}

	for _, tt := range tests {
		title, artist, ok := ParseActivity(tt.in)
		if ok != tt.ok || title != tt.title || artist != tt.artist {
			t.Errorf("ParseActivity(%q) = %q, %q, %v; want %q, %q, %v",
				tt.in, title, artist, ok, tt.title, tt.artist, tt.ok)
		}
	}
}
