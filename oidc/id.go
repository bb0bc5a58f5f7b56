// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"fmt"

	"github.com/hashicorp/caplogin/sdk/id"
)

// NewID generates an ID with an optional prefix. The ID generated is suitable
// for a Request's state id or nonce.
func NewID(optionalPrefix string) (string, error) {
	const op = "oidc.NewID"
	v, err := id.New(optionalPrefix)
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate id: %w", op, ErrIDGeneratorFailed)
	}
	return v, nil
}
