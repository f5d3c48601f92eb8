// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package notes

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Instructions tells the model how to edit notes. It is appended to the
// system prompt when model tags are enabled.
const Instructions = "**Memory Instructions:**\n" +
	"If you learn new, lasting information about the user OR need to modify/remove existing notes " +
	"based on the conversation, include ONE of the following instructions at the VERY END of your " +
	"response, after all other text:\n" +
	"1. To add a new note: `[MEM_APPEND]The new note text here.`\n" +
	"2. To modify or remove an existing note: `[MEM_REPLACE:Exact old text to find]The new text to " +
	"replace it with (leave empty to remove).`\n" +
	"Only include ONE instruction per response, if any. Do not mention these instructions in your " +
	"conversational reply."

// FormatForPrompt renders a user's notes as a system prompt section.
func FormatForPrompt(userID, notes string) string {
	return fmt.Sprintf("[User Memory/Notes] (User ID: %s):\n%s", userID, notes)
}

// TagKind distinguishes the two notes tags.
type TagKind int

const (
	TagReplace TagKind = iota
	TagAppend
)

// Tag is one notes instruction found in model output. Start and End
// are byte offsets of the whole tag, through the end of its line.
type Tag struct {
	Kind TagKind

	// Old is the text to replace (TagReplace only).
	Old string

	// Text is the appended text or the replacement.
	Text string

	Start, End int
}

var (
	replacePattern = regexp.MustCompile(`(?i)\[MEM_REPLACE:(.*?)\](.*)`)
	appendPattern  = regexp.MustCompile(`(?i)\[MEM_APPEND\](.*)`)
)

func cleanTagText(text string) string {
	return strings.Trim(strings.TrimSpace(text), "`")
}

// ParseTags finds every tag in text, replacements before appends, each
// kind in order of appearance. A replacement runs to the end of its
// line, so an append tag on the same line is part of the replacement
// text and is not reported on its own.
func ParseTags(text string) []Tag {
	var tags []Tag
	for _, match := range replacePattern.FindAllStringSubmatchIndex(text, -1) {
		tags = append(tags, Tag{
			Kind:  TagReplace,
			Old:   cleanTagText(text[match[2]:match[3]]),
			Text:  cleanTagText(text[match[4]:match[5]]),
			Start: match[0],
			End:   match[1],
		})
	}
	replaces := len(tags)
	for _, match := range appendPattern.FindAllStringSubmatchIndex(text, -1) {
		if within(tags[:replaces], match[0]) {
			continue
		}
		tags = append(tags, Tag{
			Kind:  TagAppend,
			Text:  cleanTagText(text[match[2]:match[3]]),
			Start: match[0],
			End:   match[1],
		})
	}
	return tags
}

func within(tags []Tag, offset int) bool {
	for _, tag := range tags {
		if offset >= tag.Start && offset < tag.End {
			return true
		}
	}
	return false
}

// ApplyTags performs the tags ParseTags finds in text for userID, in
// the order it reports them. It returns text with applied tags removed
// and a description of each applied change. A tag that fails to apply
// stays in the text. A replacement with empty Old is dropped without
// effect.
//
// When no tag applies, text is returned unchanged.
func (store *Store) ApplyTags(ctx context.Context, userID, text string) (string, []string, error) {
	var (
		actions []string
		applied []Tag
	)
	for _, tag := range ParseTags(text) {
		switch tag.Kind {
		case TagReplace:
			if tag.Old == "" {
				applied = append(applied, tag)
				continue
			}
			ok, err := store.Replace(ctx, userID, tag.Old, tag.Text)
			if err != nil {
				return text, actions, err
			}
			if !ok {
				store.logger.Warn("notes replace target not found", "user_id", userID, "old", preview(tag.Old))
				continue
			}
			actions = append(actions, fmt.Sprintf("Edited memory (replaced '%s...')", preview(tag.Old)))
		case TagAppend:
			if tag.Text == "" {
				continue
			}
			if err := store.Append(ctx, userID, tag.Text); err != nil {
				return text, actions, err
			}
			actions = append(actions, fmt.Sprintf("Appended to memory ('%s...')", preview(tag.Text)))
		}
		applied = append(applied, tag)
	}
	if len(applied) == 0 {
		return text, nil, nil
	}

	slices.SortFunc(applied, func(a, b Tag) int { return a.Start - b.Start })
	var cleaned strings.Builder
	offset := 0
	for _, tag := range applied {
		cleaned.WriteString(text[offset:tag.Start])
		offset = tag.End
	}
	cleaned.WriteString(text[offset:])
	return strings.TrimSpace(cleaned.String()), actions, nil
}

// Confirmation is the message announcing applied changes.
func Confirmation(actions []string) string {
	return "🧠 Memory updated: " + strings.Join(actions, "; ")
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) > 20 {
		runes = runes[:20]
	}
	return string(runes)
}
