package ledger

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscrowABISignatures(t *testing.T) {
	parsed, err := EscrowABI()
	require.NoError(t, err)

	assert.Equal(t, "getMilestones()", parsed.Methods[methodGetMilestones].Sig)
	assert.Equal(t, "approveMilestone(uint256)", parsed.Methods[methodApproveMilestone].Sig)
	for _, m := range []string{methodRecipient, methodFunder, methodApprover} {
		method := parsed.Methods[m]
		assert.Equal(t, m+"()", method.Sig)
		require.Len(t, method.Outputs, 1)
		assert.Equal(t, "address", method.Outputs[0].Type.String())
	}

	ctor := parsed.Constructor
	assert.True(t, ctor.IsPayable())
	require.Len(t, ctor.Inputs, 3)
	assert.Equal(t, "address", ctor.Inputs[0].Type.String())
	assert.Equal(t, "address", ctor.Inputs[1].Type.String())
	assert.Equal(t, "uint256[]", ctor.Inputs[2].Type.String())

	_, err = parsed.Pack("",
		common.HexToAddress("0x0000000000000000000000000000000000000001"),
		common.HexToAddress("0x0000000000000000000000000000000000000002"),
		[]*big.Int{big.NewInt(30), big.NewInt(70)},
	)
	assert.NoError(t, err)
}

func TestUnpackMilestonesRoundTrip(t *testing.T) {
	parsed, err := EscrowABI()
	require.NoError(t, err)

	huge, _ := new(big.Int).SetString("1000000000000000000000000", 10)
	data, err := parsed.Methods[methodGetMilestones].Outputs.Pack([]escrowMilestone{
		{Amount: big.NewInt(30), Released: true},
		{Amount: huge, Released: false},
	})
	require.NoError(t, err)

	out, err := parsed.Unpack(methodGetMilestones, data)
	require.NoError(t, err)

	ms, err := unpackMilestones(out)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "30", ms[0].Amount.String())
	assert.True(t, ms[0].Released)
	assert.Equal(t, huge.String(), ms[1].Amount.String())
	assert.False(t, ms[1].Released)
}

func TestUnpackAddress(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	got, err := unpackAddress([]interface{}{addr})
	require.NoError(t, err)
	assert.Equal(t, addr.Hex(), got)

	_, err = unpackAddress(nil)
	assert.Error(t, err)
}

func TestLoadBytecode(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "MilestoneEscrow.json")
	require.NoError(t, os.WriteFile(good,
		[]byte(`{"contractName":"MilestoneEscrow","abi":`+escrowABIJSON+`,"bytecode":"0x6080604052"}`), 0o600))
	code, err := LoadBytecode(good)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x80, 0x60, 0x40, 0x52}, code)

	empty := filepath.Join(dir, "Empty.json")
	require.NoError(t, os.WriteFile(empty,
		[]byte(`{"contractName":"MilestoneEscrow","abi":`+escrowABIJSON+`,"bytecode":"0x"}`), 0o600))
	_, err = LoadBytecode(empty)
	assert.Error(t, err)

	wrong := filepath.Join(dir, "Other.json")
	require.NoError(t, os.WriteFile(wrong, []byte(`{"contractName":"Other","abi":[],"bytecode":"0x60"}`), 0o600))
	_, err = LoadBytecode(wrong)
	assert.Error(t, err)

	_, err = LoadBytecode(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
