package ccmdwire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Cmd: CmdCreateBO, Len: 42, Seqno: 7, RspOff: 128}
	raw := AsBytes(&h)
	require.Len(t, raw, int(HeaderSize))

	got := Decode[Header](raw)
	require.Equal(t, h, got)
}

func TestDecodeWidensShortBuffer(t *testing.T) {
	// A buffer shorter than the target type still decodes; the tail
	// reads as zero rather than panicking, matching the dispatcher's own
	// zero-pad-then-decode contract.
	raw := []byte{1, 0, 0, 0}
	got := Decode[Header](raw)
	require.EqualValues(t, 1, got.Cmd)
	require.EqualValues(t, 0, got.Len)
}

func TestReadSysfsReqName(t *testing.T) {
	var req ReadSysfsReq
	copy(req.NodeName[:], "power_state")
	req.NodeNameLen = uint32(len("power_state"))
	require.Equal(t, "power_state", req.Name())
}

func TestReadSysfsReqNameClampsLength(t *testing.T) {
	var req ReadSysfsReq
	copy(req.NodeName[:], "x")
	req.NodeNameLen = 999
	require.Equal(t, "x", req.Name())
}

func TestConfigCtxReqSizeIsFixedPartOnly(t *testing.T) {
	require.EqualValues(t, Sizeof[ConfigCtxReq](), ConfigCtxReqSize)
}

func TestCommandsHaveNames(t *testing.T) {
	for cmd := uint32(CmdNop); cmd <= CmdMax; cmd++ {
		_, ok := CmdNames[cmd]
		require.True(t, ok, "cmd %d missing a name", cmd)
	}
}
