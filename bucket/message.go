// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bucket

import "time"

// Message is the basic result record produced by workers and management
// operations. Success is false for both delivery and business failures; the
// distinction is carried by the operation that produced it.
type Message struct {
	Date    time.Time      `json:"date"`
	Success bool           `json:"success"`
	Source  string         `json:"source"`
	Command string         `json:"command"`
	Code    *int           `json:"message_code,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Success builds a successful message stamped with the current time.
func Success(source, command, msg string) Message {
	return Message{
		Date:    time.Now().UTC(),
		Success: true,
		Source:  source,
		Command: command,
		Message: msg,
	}
}

// Failure builds a failed message stamped with the current time.
func Failure(source, command, msg string) Message {
	return Message{
		Date:    time.Now().UTC(),
		Success: false,
		Source:  source,
		Command: command,
		Message: msg,
	}
}

// WithDetail returns a copy of m with key set in its details.
func (m Message) WithDetail(key string, value any) Message {
	details := make(map[string]any, len(m.Details)+1)
	for k, v := range m.Details {
		details[k] = v
	}
	details[key] = value
	m.Details = details
	return m
}
