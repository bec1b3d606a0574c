package datachannel

import "github.com/pkg/errors"

// ErrProtocol marks a session-fatal violation of the wire protocol (bad
// magic, malformed length field, out-of-sequence page id, ...).
var ErrProtocol = errors.New("data channel protocol violation")

// ErrNotPaused is logged (not returned) when SetItem/Kick is attempted while
// the channel is not in the Paused state; see spec note on dropped kicks.
var ErrNotPaused = errors.New("data channel is not paused")
