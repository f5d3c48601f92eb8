// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package turn

import (
	"context"
	"strings"
	"time"

	"github.com/bureau-foundation/chatrelay/history"
	"github.com/bureau-foundation/chatrelay/lib/llm"
	"github.com/bureau-foundation/chatrelay/lib/notes"
)

const (
	authorFieldInstruction  = "User IDs may be provided in the 'name' field for user messages."
	authorPrefixInstruction = "User messages in the history are prefixed with 'User (DisplayName/ID):' to identify the speaker."
)

// signalInstruction asks the primary model to answer with only the
// control token when the request deserves the secondary model.
func signalInstruction(signal string) string {
	return "\n\n---\nInternal Task: If the user's request requires complex reasoning, analysis, " +
		"multi-step planning, or deep creative thought, deep thinking, creative tasks or large tasks " +
		"that you feel less equipped for or if the user asks you to think deeply, please respond " +
		"*only* with the exact text `" + signal + "` and nothing else. Otherwise, answer the request directly."
}

// systemPrompt assembles the system prompt for one model request. A
// failed notes lookup is logged and the prompt goes out without notes.
func (controller *Controller) systemPrompt(ctx context.Context, userID string, authorNames, escalating bool) string {
	var lines []string
	if base := strings.TrimSpace(controller.systemBase); base != "" {
		lines = append(lines, base)
	}
	lines = append(lines, "Today's date: "+formatDate(controller.clock.Now())+".")
	if authorNames {
		lines = append(lines, authorFieldInstruction)
	} else {
		lines = append(lines, authorPrefixInstruction)
	}
	prompt := strings.Join(lines, "\n")

	if controller.notes != nil {
		stored, err := controller.notes.Get(ctx, userID)
		if err != nil {
			controller.logger.Warn("reading notes for prompt failed", "user_id", userID, "error", err)
		} else if stored != "" {
			prompt = notes.FormatForPrompt(userID, stored) + "\n\n" + prompt
		}
		if controller.notesSettings.ModelTags {
			prompt += "\n\n" + notes.Instructions
		}
	}

	if escalating {
		prompt += signalInstruction(controller.signal)
	}
	return prompt
}

// request converts an assembled prompt into a provider request.
func request(model Model, system string, prompt history.Prompt) llm.Request {
	messages := make([]llm.Message, 0, len(prompt))
	for _, entry := range prompt {
		message := llm.Message{Role: llm.Role(entry.Role), Name: entry.Name}
		if entry.Text != "" {
			message.Content = append(message.Content, llm.TextBlock(entry.Text))
		}
		for _, image := range entry.Images {
			message.Content = append(message.Content, llm.ImageBlock(image.MediaType, image.Data))
		}
		messages = append(messages, message)
	}
	return llm.Request{
		Model:       model.Settings.Model,
		System:      system,
		Messages:    messages,
		MaxTokens:   model.Settings.MaxTokens,
		Temperature: model.Settings.Temperature,
	}
}

func formatDate(now time.Time) string {
	return now.Format("January 02 2006")
}
