package bridge

// GuardState tracks whether the initial sync handshake has completed
// for one bridge's remote→local direction. It resets whenever the
// remote side disconnects, since a reconnect may race a stale bulk
// dump against the authoritative local file state again.
type GuardState struct {
	InitialSyncDone bool
}

// Reset clears the handshake-done flag, called when the remote side
// disconnects.
func (g *GuardState) Reset() {
	g.InitialSyncDone = false
}

// ShouldForward implements the replay-protection guard. It is a pure
// function over (payload, isBinary, state) so it can be unit-tested in
// isolation from any actual WebSocket connection. It must only be
// consulted for frames traveling remote-to-local; local-to-remote
// frames are never guarded.
func ShouldForward(payload []byte, isBinary bool, state *GuardState) bool {
	if state.InitialSyncDone {
		return true
	}
	if !isBinary || len(payload) < 2 {
		return true
	}

	msgType, subType := payload[0], payload[1]

	if msgType == 0 && subType == 1 {
		// Bulk-state response received before the handshake completed:
		// local file-backed state is authoritative and must not be
		// clobbered by a possibly-stale remote dump on reconnect.
		return false
	}

	if msgType == 0 && (subType == 0 || subType == 2) {
		state.InitialSyncDone = true
	}

	return true
}
