package moderation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type spamCase struct {
	name  string
	input string
	term  string // empty means the message must pass
}

func runSpamCases(t *testing.T, cases []spamCase) {
	t.Helper()
	f := NewFilterWithTerms(nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.Check(tc.input)
			if tc.term == "" {
				require.False(t, res.Blocked, "flagged as %s", res.Term)
				return
			}
			require.True(t, res.Blocked)
			require.Equal(t, ReasonSpamPattern, res.Reason)
			require.Equal(t, tc.term, res.Term)
		})
	}
}

func TestSpam_SongShares(t *testing.T) {
	runSpamCases(t, []spamCase{
		{"one spotify track", "this one slaps https://open.spotify.com/track/4uLU6hMCjMI75M1A2tKUQC", ""},
		{"bare apple music link", "music.apple.com/us/album/stand-by-me/1", ""},
		{"two shares", "compare youtu.be/dQw4w9WgXcQ with https://soundcloud.com/artist/demo", ""},
		{"bandcamp subdomain", "https://someband.bandcamp.com/album/first", ""},
		{"three spotify tracks", "https://open.spotify.com/track/a https://open.spotify.com/track/b https://open.spotify.com/track/c", SpamSongFlood},
		{"mixed song hosts", "youtu.be/a music.apple.com/b/ https://tidal.com/track/c and soundcloud.com/d/e", SpamSongFlood},
	})
}

func TestSpam_Links(t *testing.T) {
	runSpamCases(t, []spamCase{
		{"one page", "tour dates at https://example.org/tour", ""},
		{"three pages", "http://a.com/x www.b.net/y c.io/z", SpamLinkFlood},
		{"songs plus merch", "https://open.spotify.com/track/a https://open.spotify.com/track/b https://shop.example.com/merch", SpamLinkFlood},
		{"shortener", "new single here bit.ly/3xYz", SpamShortLink},
		{"shortener with scheme", "https://tinyurl.com/free-vinyl", SpamShortLink},
		{"shortener among song shares", "youtu.be/a https://t.co/b", SpamShortLink},
	})
}

func TestSpam_Contact(t *testing.T) {
	runSpamCases(t, []spamCase{
		{"intl dashed", "book us: +1-555-123-4567", SpamContact},
		{"parenthesized area code", "(555) 123-4567", SpamContact},
		{"dotted", "text 555.123.4567 for tickets", SpamContact},
		{"email", "send demos to a.and.r@label-records.com", SpamContact},
		{"track id in link", "https://open.spotify.com/track/12345678901", ""},
		{"year", "best album of 2025", ""},
		{"price", "vinyl is $24.99", ""},
		{"leet handle", "b@dw0rd", ""},
	})
}

func TestSpam_Flooding(t *testing.T) {
	runSpamCases(t, []spamCase{
		{"held vowel", "sooooo good", SpamCharFlood},
		{"punctuation", "drop!!!!!", SpamCharFlood},
		{"four is fine", "nooo wayyyy", ""},
		{"spaced letters", "a a a a a a", SpamWordFlood},
		{"lyric", "la la la", ""},
		{"chant", "encore encore encore encore", SpamWordFlood},
		{"chant with commas", "Encore, encore, ENCORE, encore", SpamWordFlood},
		{"multiline", "hello\nworld", ""},
		{"whitespace run", "a      b", ""},
		{"empty", "", ""},
	})
}

func TestSpam_KeywordWins(t *testing.T) {
	f := NewFilterWithTerms([]string{"free vinyl"})

	res := f.Check("free vinyl at https://tinyurl.com/x")
	require.True(t, res.Blocked)
	require.Equal(t, ReasonBlockedKeyword, res.Reason)
	require.Equal(t, "free vinyl", res.Term)
}

func TestLongestRun(t *testing.T) {
	require.Equal(t, 0, longestRun([]string(nil)))
	require.Equal(t, 1, longestRun([]rune("abc")))
	require.Equal(t, 3, longestRun([]rune("abbbcc")))
	require.Equal(t, 2, longestRun(strings.Fields("x y y z")))
}

func TestLinkHost(t *testing.T) {
	require.Equal(t, "open.spotify.com", linkHost("https://OPEN.spotify.com/track/x"))
	require.Equal(t, "example.com", linkHost("www.example.com/a"))
	require.Equal(t, "youtu.be", linkHost("youtu.be/abc"))
}
