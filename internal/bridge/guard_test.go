package bridge

import "testing"

func TestShouldForward_BulkStateBeforeHandshakeDropped(t *testing.T) {
	state := &GuardState{}
	payload := []byte{0, 1, 0xAA, 0xBB}

	if ShouldForward(payload, true, state) {
		t.Fatal("expected (0,1) frame before handshake to be dropped")
	}
	if state.InitialSyncDone {
		t.Fatal("dropping a bulk-state frame must not mark the handshake done")
	}
}

func TestShouldForward_SyncRequestMarksHandshakeDone(t *testing.T) {
	state := &GuardState{}
	payload := []byte{0, 0}

	if !ShouldForward(payload, true, state) {
		t.Fatal("expected (0,0) sync request to be forwarded")
	}
	if !state.InitialSyncDone {
		t.Fatal("(0,0) frame must mark the handshake done")
	}
}

func TestShouldForward_IncrementalUpdateMarksHandshakeDone(t *testing.T) {
	state := &GuardState{}
	payload := []byte{0, 2, 0x01}

	if !ShouldForward(payload, true, state) {
		t.Fatal("expected (0,2) incremental update to be forwarded")
	}
	if !state.InitialSyncDone {
		t.Fatal("(0,2) frame must mark the handshake done")
	}
}

func TestShouldForward_AfterHandshakeEverythingPasses(t *testing.T) {
	state := &GuardState{InitialSyncDone: true}
	bulkState := []byte{0, 1, 0xFF}

	if !ShouldForward(bulkState, true, state) {
		t.Fatal("once handshake is done, even a (0,1) frame must be forwarded")
	}
}

func TestShouldForward_ResetReEnablesGuard(t *testing.T) {
	state := &GuardState{InitialSyncDone: true}
	state.Reset()
	if state.InitialSyncDone {
		t.Fatal("Reset must clear InitialSyncDone")
	}

	bulkState := []byte{0, 1}
	if ShouldForward(bulkState, true, state) {
		t.Fatal("after Reset, a pre-handshake bulk-state frame must be dropped again")
	}
}

func TestShouldForward_AwarenessAndTextFramesPassThroughUnguarded(t *testing.T) {
	state := &GuardState{}

	// Awareness frames (msgType 1) are never guarded.
	if !ShouldForward([]byte{1, 0}, true, state) {
		t.Fatal("awareness frames must always be forwarded")
	}
	// Text frames are never binary, so the guard only inspects frames
	// isBinary=true.
	if !ShouldForward([]byte{0, 1}, false, state) {
		t.Fatal("non-binary frames must always be forwarded regardless of content")
	}
	// Too-short binary frames can't be classified; fail open.
	if !ShouldForward([]byte{0}, true, state) {
		t.Fatal("a 1-byte binary frame must be forwarded (can't classify)")
	}
}
