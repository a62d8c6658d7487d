// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// verifyHMAC checks an HMAC-SHA256 signature over the raw request
// body. The signature is hex-encoded, with or without the "sha256="
// prefix GitHub and Forgejo use. Error messages are safe to log; they
// never include the expected digest.
func verifyHMAC(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return errors.New("webhook: HMAC secret is empty")
	}
	if signature == "" {
		return errors.New("webhook: signature header is missing")
	}

	hexSignature := strings.TrimPrefix(signature, "sha256=")
	signatureBytes, err := hex.DecodeString(hexSignature)
	if err != nil {
		return fmt.Errorf("webhook: signature is not valid hex: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(expected, signatureBytes) != 1 {
		return errors.New("webhook: signature mismatch")
	}
	return nil
}

// verifyBearer checks an Authorization header against the configured
// token in constant time. The "Bearer " scheme prefix is optional.
func verifyBearer(token []byte, authorization string) error {
	if len(token) == 0 {
		return errors.New("webhook: bearer token is empty")
	}
	if authorization == "" {
		return errors.New("webhook: authorization header is missing")
	}
	presented := strings.TrimPrefix(authorization, "Bearer ")
	if subtle.ConstantTimeCompare(token, []byte(presented)) != 1 {
		return errors.New("webhook: token mismatch")
	}
	return nil
}
