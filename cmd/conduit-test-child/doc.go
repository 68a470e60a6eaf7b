// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// conduit-test-child is a standalone harness child: it recovers its
// transport endpoint from the environment and reserved flags, accepts
// the invitation (or peer connection), and echoes every message it
// receives on the primordial pipe back to the sender until the pipe
// closes. External test suites can point a harness at this binary when
// re-execing their own test binary is not an option.
package main
