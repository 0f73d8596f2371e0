package vkcommand

import (
	"github.com/cockroachdb/errors"
)

// ErrAlreadyRecording is returned when Begin is called while a command buffer
// from this orchestrator is already recording. Only one queue may record at a
// time.
var ErrAlreadyRecording = errors.New("already recording a command buffer")

// ErrNotRecording is returned by operations that are only valid inside a
// Begin/End window.
var ErrNotRecording = errors.New("no command buffer is recording")
