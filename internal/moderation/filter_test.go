package moderation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewFilterWithTerms(t *testing.T) {
	f := NewFilterWithTerms([]string{"", "  ", "Payola", "free vinyl", "Stream Farm!"})

	require.Equal(t, map[string]struct{}{"payola": {}}, f.words)
	require.Equal(t, [][]string{{"free", "vinyl"}, {"stream", "farm"}}, f.phrases)
}

func TestCheck_Keywords(t *testing.T) {
	f := NewFilterWithTerms([]string{"payola", "buy streams"})

	cases := []struct {
		name  string
		input string
		term  string // empty means clean
	}{
		{"word", "pure payola", "payola"},
		{"upper case", "PAYOLA", "payola"},
		{"punctuation", "payola!!", "payola"},
		{"phrase", "you can buy streams here", "buy streams"},
		{"phrase across punctuation", "buy, streams", "buy streams"},
		{"longer word", "payolas", ""},
		{"embedded", "antipayola", ""},
		{"split phrase", "buy more streams", ""},
		{"leet word", "p@y0l@", "payola"},
		{"leet phrase", "buy $tr3am$", "buy streams"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.Check(tc.input)
			if tc.term == "" {
				require.False(t, res.Blocked, "flagged %q", res.Term)
				return
			}
			require.True(t, res.Blocked)
			require.Equal(t, ReasonBlockedKeyword, res.Reason)
			require.Equal(t, tc.term, res.Term)
		})
	}
}

func TestCheck_DefaultTerms(t *testing.T) {
	f := NewFilter()

	for _, msg := range []string{"kys", "go die", "send nudes", "free bitcoin", "fr33 b1tc01n", "crypto giveaway"} {
		require.True(t, f.Check(msg).Blocked, msg)
	}
}

func TestCheck_MusicChatPasses(t *testing.T) {
	f := NewFilter()

	// Titles and band talk that share words with the default terms.
	for _, msg := range []string{
		"Killing in the Name by Rage Against the Machine",
		"this drop is a bomb",
		"die hard fan of this album",
		"send me that playlist",
		"Go! by The Chemical Brothers",
		"listening to Yourself by Eminem",
		"what key is this in? sounds like D minor",
		"",
	} {
		res := f.Check(msg)
		require.False(t, res.Blocked, "%q flagged as %s/%s", msg, res.Reason, res.Term)
	}
}

func TestNormalizeLeet(t *testing.T) {
	for in, want := range map[string]string{
		"b34t":    "beat",
		"@lbum":   "album",
		"$ynth":   "synth",
		"r!ff":    "riff",
		"7r4ck":   "track",
		"plain":   "plain",
		"b0ss4n0": "bossano",
	} {
		require.Equal(t, want, normalizeLeet(in), in)
	}
}

func TestTokenize(t *testing.T) {
	require.Equal(t, []string{"rock", "n", "roll"}, tokenizePlain("rock-n-roll!"))
	require.Empty(t, tokenizePlain("  ...  "))
	require.Equal(t, []string{"$h!t", "track"}, tokenizeLeet("$h!t  track"))
	require.Nil(t, tokenizeLeet("   "))
}

func BenchmarkCheck(b *testing.B) {
	f := NewFilter()
	msg := "has anyone heard the new album? the second track has such a good bassline, reminds me of early funk records"
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}

func BenchmarkCheck_Links(b *testing.B) {
	f := NewFilter()
	msg := "https://open.spotify.com/track/a and youtu.be/b, both live versions"
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}

// Check stays under 0.1ms per message on a long message, 1ms under -race.
func TestCheck_Latency(t *testing.T) {
	f := NewFilter()
	msg := strings.Repeat("this chorus keeps looping in my head all day ", 20)

	const iterations = 1000
	start := time.Now()
	for i := 0; i < iterations; i++ {
		f.Check(msg)
	}
	avg := time.Since(start) / iterations

	limit := 100 * time.Microsecond
	if raceDetectorEnabled {
		limit = time.Millisecond
	}
	require.Less(t, avg, limit)
}
