package main

import (
	"testing"

	"github.com/sourceplane/eapm/internal/model"
	"github.com/stretchr/testify/require"
)

func TestFlowID(t *testing.T) {
	require.Equal(t, "given", flowID("given", "Whatever Name"))
	require.Equal(t, "dockingrun2", flowID("", "Docking Run #2"))
	require.Equal(t, "eapm", flowID("", "###"))
}

func TestBlockSettingsOverrides(t *testing.T) {
	cfg = &model.Config{Block: model.Settings{
		Partition:   "gp_debug",
		CPUs:        2,
		ScriptName:  model.DefaultScriptName,
		Environment: map[string]string{"A": "1", "B": "2"},
	}}
	t.Cleanup(func() {
		cfg = nil
		blockPartition, blockCPUs, blockEnv, blockKeepRemote = "", 0, nil, false
	})

	blockPartition = "gp_bscls"
	blockCPUs = 16
	blockEnv = []string{"B=override", "C=3"}
	blockKeepRemote = true

	s, err := blockSettings()
	require.NoError(t, err)
	require.Equal(t, "gp_bscls", s.Partition)
	require.Equal(t, 16, s.CPUs)
	require.Equal(t, map[string]string{"A": "1", "B": "override", "C": "3"}, s.Environment)
	require.False(t, s.RemoveRemote())

	require.Equal(t, "2", cfg.Block.Environment["B"], "config block is not modified")

	blockEnv = []string{"broken"}
	_, err = blockSettings()
	require.Error(t, err)
}
