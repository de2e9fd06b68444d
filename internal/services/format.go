// Package services - message formatting.
//
// Conversions between Slack mrkdwn and Zendesk markdown, reciprocal
// signature stripping, and ticket subject derivation. Both outbound senders
// append a signature line identifying the relayed origin; the reverse
// direction must strip it before re-formatting, or every round trip would
// echo the previous hop's footer back into the conversation.
package services

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// subjectMaxRunes caps the message excerpt folded into a ticket subject.
	subjectMaxRunes = 50

	// slackSignaturePrefix marks lines the ticket-side sender appends to
	// comments relayed from Slack.
	slackSignaturePrefix = "_Sent from Slack"

	// zendeskSignatureDelimiter is the conventional email signature
	// delimiter Zendesk appends to outbound public comments.
	zendeskSignatureDelimiter = "\n--\n"
)

var (
	// Slack link syntax: <url|label> or <url>.
	slackLinkLabeledRE = regexp.MustCompile(`<(https?://[^|>]+)\|([^>]+)>`)
	slackLinkBareRE    = regexp.MustCompile(`<(https?://[^>]+)>`)

	// Slack *bold* and _italic_ (single-character markers).
	slackBoldRE   = regexp.MustCompile(`(^|[\s(])\*([^*\n]+)\*`)
	slackStrikeRE = regexp.MustCompile(`(^|[\s(])~([^~\n]+)~`)

	// Markdown [label](url) and **bold** for the reverse direction.
	mdLinkRE = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)]+)\)`)
	mdBoldRE = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)

	// Zendesk merge system comments, e.g. "This request was closed and
	// merged into request #123" (several phrasings across locales share the
	// "merged into" core).
	mergeNoticeRE = regexp.MustCompile(`(?i)(request #\d+ .*(closed and merged|merged into))|(merged into request #\d+)`)

	titleCaser = cases.Title(language.English)
)

// SlackToZendesk converts Slack mrkdwn into Zendesk markdown and strips any
// reciprocal signature a previous relay hop appended.
func SlackToZendesk(text string) string {
	out := stripSlackSignature(text)
	out = slackLinkLabeledRE.ReplaceAllString(out, "[$2]($1)")
	out = slackLinkBareRE.ReplaceAllString(out, "$1")
	out = slackBoldRE.ReplaceAllString(out, "$1**$2**")
	out = slackStrikeRE.ReplaceAllString(out, "$1~~$2~~")
	return strings.TrimSpace(out)
}

// ZendeskToSlack converts Zendesk markdown into Slack mrkdwn and strips the
// trailing email signature block Zendesk appends to public comments.
func ZendeskToSlack(text string) string {
	out := stripZendeskSignature(text)
	out = mdLinkRE.ReplaceAllString(out, "<$2|$1>")
	out = mdBoldRE.ReplaceAllString(out, "*$1*")
	return strings.TrimSpace(out)
}

// IsMergeNotice reports whether a comment body is a Zendesk ticket-merge
// system message, which must never be relayed into Slack.
func IsMergeNotice(text string) bool {
	return mergeNoticeRE.MatchString(text)
}

// stripSlackSignature drops trailing "_Sent from Slack..._" footer lines.
func stripSlackSignature(text string) string {
	lines := strings.Split(text, "\n")
	for len(lines) > 0 {
		last := strings.TrimSpace(lines[len(lines)-1])
		if last == "" || strings.HasPrefix(last, slackSignaturePrefix) {
			lines = lines[:len(lines)-1]
			continue
		}
		break
	}
	return strings.Join(lines, "\n")
}

// stripZendeskSignature truncates at the first email signature delimiter.
func stripZendeskSignature(text string) string {
	if i := strings.Index(text, zendeskSignatureDelimiter); i >= 0 {
		return text[:i]
	}
	return text
}

// TicketSubject derives a ticket subject from the channel name and the
// root message text: "#Support: first fifty runes of the message...".
func TicketSubject(channelName, text string) string {
	excerpt := strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if utf8.RuneCountInString(excerpt) > subjectMaxRunes {
		excerpt = string([]rune(excerpt)[:subjectMaxRunes]) + "..."
	}
	name := titleCaser.String(strings.ReplaceAll(channelName, "-", " "))
	if excerpt == "" {
		return fmt.Sprintf("#%s", name)
	}
	return fmt.Sprintf("#%s: %s", name, excerpt)
}

// TicketBody renders the Zendesk comment body for a Slack message: the
// converted text plus a permalink footer back to the thread. The footer uses
// the same signature prefix stripped on the way back (anti-echo).
func TicketBody(text, authorName, permalink string) string {
	body := SlackToZendesk(text)
	footer := slackSignaturePrefix
	if authorName != "" {
		footer += " by " + authorName
	}
	if permalink != "" {
		footer += fmt.Sprintf(" | [View thread](%s)", permalink)
	}
	footer += "_"
	return body + "\n\n" + footer
}

// MergeTags unions channel tags, connection default tags, and the fixed
// system tag, preserving first-seen order and dropping blanks/duplicates.
func MergeTags(channelTags, defaultTags string, systemTag string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(csv string) {
		for _, t := range strings.Split(csv, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	add(channelTags)
	add(defaultTags)
	add(systemTag)
	return out
}
