package main

import (
	"testing"
	"time"

	"github.com/MIAOMC-Server/SSaver/pkg/parser"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionEventsPair(t *testing.T) {
	s := session{PlayerID: uuid.New(), Name: "Alex", Seconds: 90}
	end := time.UnixMilli(1714564800000)

	msgs, err := sessionEvents(s, end, "1.20.4")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, msgs[0].Key, msgs[1].Key)

	join, err := parser.ParseEvent(msgs[0].Value)
	require.NoError(t, err)
	quit, err := parser.ParseEvent(msgs[1].Value)
	require.NoError(t, err)

	assert.Equal(t, parser.EventJoin, join.Type)
	assert.Equal(t, parser.EventQuit, quit.Type)
	assert.Equal(t, int64(90_000), quit.Timestamp-join.Timestamp)
	assert.Equal(t, "Alex", quit.PlayerName)
	require.NotNil(t, quit.Statistics)
	assert.Contains(t, quit.Statistics.General, "JUMP")
}
