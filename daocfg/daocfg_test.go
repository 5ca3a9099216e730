package daocfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()
	assert.Equal(t, DefaultTPCStepTimeout, o.TPCStepTimeout)
	assert.Equal(t, DefaultMTPCStepTimeout, o.MTPCStepTimeout)
	assert.Equal(t, DefaultOOEStepTimeout, o.OOEStepTimeout)
	assert.Equal(t, DefaultOverallTimeout, o.OverallTimeout)
	assert.Equal(t, DefaultMinSleep, o.MinSleep)
}

func TestWarnReturnsCondUnchanged(t *testing.T) {
	assert.True(t, Warn(true, "should not print"))
	assert.False(t, Warn(false, "should print only when ShowWarnings is set"))
}

func TestJString(t *testing.T) {
	assert.Equal(t, `{"a":1}`, JString(struct {
		A int `json:"a"`
	}{A: 1}))
}

func TestJStringOnUnmarshalableReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", JString(make(chan int)))
}
