// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"
)

var errPasswordMismatch = errors.New("passwords are not the same")

type passwordReader interface {
	ReadPassword() (password string, err error)
}

type stdInPasswordReader struct{}

func (stdInPasswordReader) ReadPassword() (password string, err error) {
	v, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	return string(v), err
}

func terminalPromptPassword(cmd *cobra.Command, r passwordReader, title string) (password string, err error) {
	cmd.Print(title + ": ")
	password, err = r.ReadPassword()
	cmd.Println()
	if err != nil {
		return "", err
	}
	return password, nil
}

func terminalPromptCreatePassword(cmd *cobra.Command, r passwordReader) (password string, err error) {
	cmd.Println("Node key not found. Choose a password to encrypt it.")

	password, err = terminalPromptPassword(cmd, r, "Password")
	if err != nil {
		return "", err
	}

	confirmPassword, err := terminalPromptPassword(cmd, r, "Confirm password")
	if err != nil {
		return "", err
	}

	if password != confirmPassword {
		return "", errPasswordMismatch
	}

	return password, nil
}
