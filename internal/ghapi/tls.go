// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

package ghapi

import "crypto/tls"

// insecureTLSConfig is split into its own file so the skipSSL option of
// NewClient (for self-hosted Enterprise instances with internal CAs)
// is easy to spot and remove if it is ever deemed unnecessary.
func insecureTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
	}
}
