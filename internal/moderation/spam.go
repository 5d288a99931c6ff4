package moderation

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/samber/lo"
)

// Spam check names reported in FilterResult.Term.
const (
	SpamContact   = "contact"
	SpamShortLink = "short_link"
	SpamSongFlood = "song_flood"
	SpamLinkFlood = "link_flood"
	SpamCharFlood = "char_flood"
	SpamWordFlood = "word_flood"
)

const (
	maxLinks   = 2 // links per message, song shares included
	maxCharRun = 4 // identical runes in a row within one word
	maxWordRun = 3 // identical words in a row; "la la la" is a lyric
)

var (
	// linkPattern matches scheme and www links plus bare domains followed by
	// a path. The path requirement keeps "v2.0" or "3.14" from matching.
	linkPattern = regexp.MustCompile(`(?i)(?:https?://|www\.)\S+|\b[a-z0-9][a-z0-9-]*(?:\.[a-z0-9-]+)*\.(?:com|net|org|io|co|fm|be|ly|gl|gd|gg|me|at|link|xyz|info|biz|ru|cn|tk)/\S*`)

	// phonePattern matches 7 to 15 digits with optional separators, anchored
	// on whitespace so track ids inside links do not count.
	phonePattern = regexp.MustCompile(`(?:^|\s)\+?\(?\d{1,4}\)?(?:[\s.-]?\d){6,11}(?:\s|$|[?.!,])`)

	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9-]+(?:\.[a-z0-9-]+)*\.[a-z]{2,}\b`)
)

var shortenerHosts = map[string]struct{}{
	"bit.ly": {}, "tinyurl.com": {}, "t.co": {}, "goo.gl": {}, "is.gd": {},
	"cutt.ly": {}, "rb.gy": {}, "shorturl.at": {}, "ow.ly": {},
}

// songHosts serve single tracks and albums. One or two shares are chat;
// more than that in one message is a promo dump.
var songHosts = map[string]struct{}{
	"open.spotify.com": {}, "spotify.link": {}, "music.apple.com": {},
	"soundcloud.com": {}, "on.soundcloud.com": {}, "youtu.be": {},
	"youtube.com": {}, "music.youtube.com": {}, "deezer.com": {},
	"tidal.com": {}, "bandcamp.com": {},
}

type spamCheck struct {
	name  string
	match func(text string, links []string) bool
}

// spamChecks run in order; the first match wins.
var spamChecks = []spamCheck{
	{SpamContact, func(text string, _ []string) bool {
		return phonePattern.MatchString(text) || emailPattern.MatchString(text)
	}},
	{SpamShortLink, func(_ string, links []string) bool {
		return lo.SomeBy(links, isShortLink)
	}},
	{SpamSongFlood, func(_ string, links []string) bool {
		return len(links) > maxLinks && lo.EveryBy(links, isSongShare)
	}},
	{SpamLinkFlood, func(_ string, links []string) bool {
		return len(links) > maxLinks
	}},
	{SpamCharFlood, func(text string, _ []string) bool {
		return lo.SomeBy(strings.Fields(text), func(word string) bool {
			return longestRun([]rune(word)) > maxCharRun
		})
	}},
	{SpamWordFlood, func(text string, _ []string) bool {
		return longestRun(tokenizePlain(strings.ToLower(text))) > maxWordRun
	}},
}

// linkHost returns the lowercased host of a matched link without "www.".
func linkHost(link string) string {
	if !strings.Contains(link, "://") {
		link = "http://" + link
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func isShortLink(link string) bool {
	_, ok := shortenerHosts[linkHost(link)]
	return ok
}

func isSongShare(link string) bool {
	host := linkHost(link)
	if _, ok := songHosts[host]; ok {
		return true
	}
	return strings.HasSuffix(host, ".bandcamp.com")
}

// longestRun returns the length of the longest stretch of equal neighbours.
func longestRun[T comparable](items []T) int {
	best, run := 0, 0
	for i, item := range items {
		if i > 0 && item == items[i-1] {
			run++
		} else {
			run = 1
		}
		best = max(best, run)
	}
	return best
}

// checkSpam runs the spam checks against text and returns a blocking result
// for the first one that matches.
func (f *Filter) checkSpam(text string) FilterResult {
	links := linkPattern.FindAllString(text, -1)
	for _, sc := range spamChecks {
		if sc.match(text, links) {
			return FilterResult{Blocked: true, Reason: ReasonSpamPattern, Term: sc.name}
		}
	}
	return FilterResult{}
}
