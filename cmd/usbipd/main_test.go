package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usbipd/device"
)

func TestFindUserConfigFlag(t *testing.T) {
	assert.Equal(t, "a.json", findUserConfig([]string{"serve", "--config=a.json"}))
	assert.Equal(t, "b.yaml", findUserConfig([]string{"serve", "--config", "b.yaml"}))
	assert.Equal(t, "", findUserConfig([]string{"serve"}))
}

func TestAddProfileMouse(t *testing.T) {
	ins, err := device.Create(device.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ins.Close() })

	require.NoError(t, addProfile(ins.NewBus(), "mouse", false))
}

func TestAddProfileXpad(t *testing.T) {
	ins, err := device.Create(device.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ins.Close() })

	require.NoError(t, addProfile(ins.NewBus(), "xpad", false))
}

func TestAddProfileHidpad(t *testing.T) {
	ins, err := device.Create(device.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ins.Close() })

	require.NoError(t, addProfile(ins.NewBus(), "hidpad", false))
}

func TestAddProfileUnknown(t *testing.T) {
	ins, err := device.Create(device.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ins.Close() })

	err = addProfile(ins.NewBus(), "nonsense", false)
	assert.Error(t, err)
}
