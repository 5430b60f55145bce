// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package netfulfilled remembers which network requests were recently made to or
served for a given peer address.

Both the bootstrap synchronizer and the request handlers use it to avoid asking
the same peer for the same data, or serving the same peer the same data, more
than once within the expiry window.  Entries are keyed by the peer address and
a request name and expire after a fixed time to live.
*/
package netfulfilled
