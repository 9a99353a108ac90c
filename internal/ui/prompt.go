package ui

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/readerkit/readsync/internal/schema"
)

// Resolution is the user's answer to a position conflict.
type Resolution string

const (
	ResolveRemote Resolution = "remote"
	ResolveLocal  Resolution = "local"
	ResolveLater  Resolution = "later"
)

// ErrNotInteractive is returned by prompts when stdin is not a terminal.
var ErrNotInteractive = errors.New("not an interactive terminal")

// ConflictOptions lists the choices offered for a conflict.
func ConflictOptions(local, remote schema.Position) []huh.Option[Resolution] {
	return []huh.Option[Resolution]{
		huh.NewOption(fmt.Sprintf("Jump to %.1f%% (from %s)", remote.Percentage*100, remote.DeviceID), ResolveRemote),
		huh.NewOption(fmt.Sprintf("Stay at %.1f%% (this device)", local.Percentage*100), ResolveLocal),
		huh.NewOption("Decide later", ResolveLater),
	}
}

// PromptConflict asks which position to keep.
func PromptConflict(local, remote schema.Position) (Resolution, error) {
	choice := ResolveLater
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[Resolution]().
				Title("Reading position differs on another device").
				Description(fmt.Sprintf("Local:  %s\nRemote: %s", FormatPosition(local), FormatPosition(remote))).
				Options(ConflictOptions(local, remote)...).
				Value(&choice),
		),
	)
	if err := form.Run(); err != nil {
		return ResolveLater, fmt.Errorf("conflict prompt failed: %w", err)
	}
	return choice, nil
}

// Confirm asks a yes/no question.
func Confirm(title string) (bool, error) {
	var ok bool
	if err := huh.NewConfirm().Title(title).Value(&ok).Run(); err != nil {
		return false, err
	}
	return ok, nil
}
