package parameters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromConfigString(t *testing.T) {
	params := NewFromConfigString("in_channels=13, classes=9,verbose,,expr=a=b")
	assert.Equal(t, Params{"in_channels": "13", "classes": "9", "verbose": "", "expr": "a=b"}, params)
	assert.Empty(t, NewFromConfigString(""))
}

func TestPopParamOr(t *testing.T) {
	params := NewFromConfigString("classes=9,rate=0.5,strict,name=unet")

	classes, err := PopParamOr(params, "classes", 2)
	require.NoError(t, err)
	assert.Equal(t, 9, classes)

	rate, err := PopParamOr(params, "rate", 0.1)
	require.NoError(t, err)
	assert.Equal(t, 0.5, rate)

	strict, err := PopParamOr(params, "strict", false)
	require.NoError(t, err)
	assert.True(t, strict)

	depth, err := PopParamOr(params, "depth", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, depth)

	require.Error(t, CheckAllConsumed(params, "model"))
	name, err := PopParamOr(params, "name", "")
	require.NoError(t, err)
	assert.Equal(t, "unet", name)
	require.NoError(t, CheckAllConsumed(params, "model"))
}

func TestGetParamOrErrors(t *testing.T) {
	params := NewFromConfigString("classes=nine,strict=maybe")
	_, err := GetParamOr(params, "classes", 2)
	require.Error(t, err)
	_, err = GetParamOr(params, "strict", true)
	require.Error(t, err)
	// Failed parsing doesn't consume the key.
	_, err = PopParamOr(params, "classes", 2)
	require.Error(t, err)
	assert.Contains(t, params, "classes")
}

func TestCheckAllConsumed(t *testing.T) {
	err := CheckAllConsumed(Params{"zeta": "", "alpha": "1"}, "model")
	require.Error(t, err)
	assert.Equal(t, "unknown model parameter(s): alpha, zeta", err.Error())
}

func TestParseIntList(t *testing.T) {
	values, err := ParseIntList("3, 2,1")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1}, values)

	_, err = ParseIntList("3,x")
	require.Error(t, err)
}
