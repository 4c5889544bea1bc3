// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth turns machine credentials into bearer tokens.
//
// A [Credential] pairs a [CredentialKind] with an entity name and a
// secret payload held in protected memory. The [Engine] exchanges
// credentials for tokens at a machine's authentication endpoint,
// caches tokens until shortly before expiry, and collapses concurrent
// requests for the same credential into a single exchange.
//
// Failures are reported as [*Error] with a [Code] the dialer branches
// on: [CodeUnauthorized] aborts a dial outright (retrying cannot
// help), [CodeUnreachable] lets the caller try another strategy, and
// [CodeMalformed] marks credentials that were never worth sending.
//
// Secret payloads never appear in logs or error messages; entities and
// kinds do.
package auth
